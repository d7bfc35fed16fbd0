package httpapi

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ternmail/tern/db"
	"github.com/ternmail/tern/helpers"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/pkg/metrics"
)

const snippetLength = 256

func makeSnippet(content string) string {
	collapsed := strings.Join(strings.Fields(content), " ")
	runes := []rune(collapsed)
	if len(runes) <= snippetLength {
		return collapsed
	}
	return string(runes[:snippetLength])
}

type importMessageRequest struct {
	MessageID string     `json:"messageId"`
	Subject   string     `json:"subject"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	Content   string     `json:"content"`
	Folder    string     `json:"folder"`
	SentDate  *time.Time `json:"sentDate"`
}

// handleImportMessage stores a new message. Clients either POST the
// raw RFC 822 bytes with Content-Type message/rfc822 or a JSON body
// with the individual fields. Both paths store the body in the blob
// store under its content hash and run the analyzer inline, so a
// freshly imported message immediately has an analysis.
func (s *Server) handleImportMessage(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var msg *db.Message
	var blob []byte
	var content string

	if strings.HasPrefix(r.Header.Get("Content-Type"), "message/rfc822") {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		if len(raw) == 0 {
			s.writeError(w, http.StatusBadRequest, "empty message body")
			return
		}
		parsed, err := helpers.ParseMessage(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed message: %v", err))
			return
		}
		blob = raw
		content = parsed.Body
		msg = &db.Message{
			AccountID: accountID,
			MessageID: parsed.MessageID,
			Subject:   parsed.Subject,
			Sender:    parsed.From,
			Recipient: parsed.To,
			SentDate:  parsed.SentDate,
		}
	} else {
		var req importMessageRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		blob = []byte(req.Content)
		content = req.Content
		msg = &db.Message{
			AccountID: accountID,
			MessageID: req.MessageID,
			Subject:   req.Subject,
			Sender:    req.From,
			Recipient: req.To,
			Folder:    req.Folder,
		}
		if req.SentDate != nil {
			msg.SentDate = *req.SentDate
		} else {
			msg.SentDate = time.Now().UTC()
		}
	}

	msg.ContentHash = helpers.ContentHash(blob)
	msg.Size = len(blob)
	msg.Snippet = makeSnippet(content)
	if msg.MessageID == "" {
		// Content addressing gives identical bodies a stable synthetic id.
		msg.MessageID = fmt.Sprintf("<%s@tern.local>", msg.ContentHash[:32])
	}

	key := helpers.MessageKey(accountID, msg.ContentHash)
	exists, err := s.blobs.Exists(r.Context(), key)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if !exists {
		if err := s.blobs.Put(r.Context(), key, bytes.NewReader(blob), int64(len(blob))); err != nil {
			metrics.MessagesStoredTotal.WithLabelValues("failure").Inc()
			s.respondError(w, r, err)
			return
		}
	}

	inserted, err := s.store.InsertMessage(r.Context(), msg)
	if err != nil {
		metrics.MessagesStoredTotal.WithLabelValues("failure").Inc()
		s.respondError(w, r, err)
		return
	}
	metrics.MessagesStoredTotal.WithLabelValues("success").Inc()

	result := s.analyzer.Analyze(inserted.Subject, inserted.Sender, content)
	analysis, err := s.store.StoreAnalysis(r.Context(), inserted.ID, result)
	if err != nil {
		// The message itself is stored; analysis can be redone on demand.
		logger.ErrorContext(r.Context(), "failed to store analysis",
			"message_id", inserted.ID, "error", err)
	}

	logger.InfoContext(r.Context(), "message imported",
		"message_id", inserted.ID, "account_id", accountID,
		"size", helpers.FormatBytes(int64(inserted.Size)))
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message":  inserted,
		"analysis": analysis,
	})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	query := r.URL.Query()
	opts := db.ListMessagesOptions{
		Folder: query.Get("folder"),
		Label:  query.Get("label"),
		Unread: query.Get("unread") == "true",
		Search: query.Get("search"),
		Sender: query.Get("sender"),
	}
	if raw := query.Get("since"); raw != "" {
		opts.Since, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid since timestamp, use RFC 3339")
			return
		}
	}
	if raw := query.Get("before"); raw != "" {
		opts.Before, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid before timestamp, use RFC 3339")
			return
		}
	}
	if raw := query.Get("limit"); raw != "" {
		opts.Limit, err = strconv.Atoi(raw)
		if err != nil || opts.Limit < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	if raw := query.Get("offset"); raw != "" {
		opts.Offset, err = strconv.Atoi(raw)
		if err != nil || opts.Offset < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
	}

	messages, total, err := s.store.ListMessages(r.Context(), accountID, opts)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if messages == nil {
		messages = []*db.Message{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": messages,
		"total":    total,
	})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	messageID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	msg, err := s.store.GetMessage(r.Context(), messageID, accountID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleGetRawMessage(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	messageID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	msg, err := s.store.GetMessage(r.Context(), messageID, accountID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	body, err := s.blobs.Get(r.Context(), helpers.MessageKey(accountID, msg.ContentHash))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "message/rfc822")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		logger.Error("failed to stream raw message", "message_id", messageID, "error", err)
	}
}

type moveMessageRequest struct {
	Folder string `json:"folder"`
}

func (s *Server) handleMoveMessage(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	messageID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	var req moveMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Folder == "" {
		s.writeError(w, http.StatusBadRequest, "folder is required")
		return
	}

	if err := s.store.MoveMessage(r.Context(), messageID, accountID, req.Folder); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"folder": req.Folder})
}

type addLabelRequest struct {
	Label string `json:"label"`
}

func (s *Server) handleAddLabel(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	messageID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	var req addLabelRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Label == "" {
		s.writeError(w, http.StatusBadRequest, "label is required")
		return
	}

	if err := s.store.AddMessageLabel(r.Context(), messageID, accountID, req.Label); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"label": req.Label})
}

func (s *Server) handleRemoveLabel(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	messageID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	var req addLabelRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Label == "" {
		s.writeError(w, http.StatusBadRequest, "label is required")
		return
	}

	if err := s.store.RemoveMessageLabel(r.Context(), messageID, accountID, req.Label); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"removed": req.Label})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	s.setSeen(w, r, true)
}

func (s *Server) handleMarkUnread(w http.ResponseWriter, r *http.Request) {
	s.setSeen(w, r, false)
}

func (s *Server) setSeen(w http.ResponseWriter, r *http.Request, seen bool) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	messageID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	if err := s.store.SetMessageSeen(r.Context(), messageID, accountID, seen); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"read": seen})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	messageID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	if err := s.store.SoftDeleteMessage(r.Context(), messageID, accountID); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// handleAnalyzeMessage reruns the analyzer over a stored message using
// the same fields rule evaluation sees, and upserts the result.
func (s *Server) handleAnalyzeMessage(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	messageID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	msg, err := s.store.GetMessage(r.Context(), messageID, accountID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	result := s.analyzer.Analyze(msg.Subject, msg.Sender, msg.Snippet)
	analysis, err := s.store.StoreAnalysis(r.Context(), msg.ID, result)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, analysis)
}

func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	messageID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	analysis, err := s.store.GetAnalysis(r.Context(), messageID, accountID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, analysis)
}

func (s *Server) handleCategoryDistribution(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	distribution, err := s.store.GetCategoryDistribution(r.Context(), accountID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if distribution == nil {
		distribution = []db.CategoryCount{}
	}
	s.writeJSON(w, http.StatusOK, distribution)
}
