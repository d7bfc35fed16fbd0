package httpapi

import (
	"errors"
	"net/http"

	"github.com/ternmail/tern/db"
)

// batchRequest addresses a set of messages. Folder and Label are only
// read by the operations that need them.
type batchRequest struct {
	MessageIDs []int64 `json:"messageIds"`
	Folder     string  `json:"folder"`
	Label      string  `json:"label"`
}

// batchResult reports how a batch operation went per message. Unknown
// and already-deleted ids count as failed instead of aborting the rest.
type batchResult struct {
	Updated int     `json:"updated"`
	Failed  []int64 `json:"failed"`
}

func (s *Server) decodeBatch(w http.ResponseWriter, r *http.Request) (*batchRequest, int64, bool) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return nil, 0, false
	}

	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return nil, 0, false
	}
	if len(req.MessageIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "messageIds is required")
		return nil, 0, false
	}
	if err := s.checkBatchSize(req.MessageIDs); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return nil, 0, false
	}
	return &req, accountID, true
}

// runBatch applies op to every id. A missing message marks that id
// failed; any other error aborts the request.
func (s *Server) runBatch(w http.ResponseWriter, r *http.Request, ids []int64, op func(messageID int64) error) {
	result := batchResult{Failed: []int64{}}
	for _, id := range ids {
		if err := op(id); err != nil {
			if errors.Is(err, db.ErrMessageNotFound) {
				result.Failed = append(result.Failed, id)
				continue
			}
			s.respondError(w, r, err)
			return
		}
		result.Updated++
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBatchMove(w http.ResponseWriter, r *http.Request) {
	req, accountID, ok := s.decodeBatch(w, r)
	if !ok {
		return
	}
	if req.Folder == "" {
		s.writeError(w, http.StatusBadRequest, "folder is required")
		return
	}
	s.runBatch(w, r, req.MessageIDs, func(id int64) error {
		return s.store.MoveMessage(r.Context(), id, accountID, req.Folder)
	})
}

func (s *Server) handleBatchMarkRead(w http.ResponseWriter, r *http.Request) {
	s.batchSetSeen(w, r, true)
}

func (s *Server) handleBatchMarkUnread(w http.ResponseWriter, r *http.Request) {
	s.batchSetSeen(w, r, false)
}

func (s *Server) batchSetSeen(w http.ResponseWriter, r *http.Request, seen bool) {
	req, accountID, ok := s.decodeBatch(w, r)
	if !ok {
		return
	}
	s.runBatch(w, r, req.MessageIDs, func(id int64) error {
		return s.store.SetMessageSeen(r.Context(), id, accountID, seen)
	})
}

func (s *Server) handleBatchAddLabel(w http.ResponseWriter, r *http.Request) {
	req, accountID, ok := s.decodeBatch(w, r)
	if !ok {
		return
	}
	if req.Label == "" {
		s.writeError(w, http.StatusBadRequest, "label is required")
		return
	}
	s.runBatch(w, r, req.MessageIDs, func(id int64) error {
		return s.store.AddMessageLabel(r.Context(), id, accountID, req.Label)
	})
}

func (s *Server) handleBatchDelete(w http.ResponseWriter, r *http.Request) {
	req, accountID, ok := s.decodeBatch(w, r)
	if !ok {
		return
	}
	s.runBatch(w, r, req.MessageIDs, func(id int64) error {
		return s.store.SoftDeleteMessage(r.Context(), id, accountID)
	})
}
