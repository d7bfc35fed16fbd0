package httpapi

import (
	"net/http"

	"github.com/ternmail/tern/pkg/metrics"
)

// handleMonitorHealth reports backend health. A degraded database
// yields 503 so load balancers can rotate the instance out.
func (s *Server) handleMonitorHealth(w http.ResponseWriter, r *http.Request) {
	status := s.store.CheckHealth(r.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

type accountStats struct {
	Messages    int64 `json:"messages"`
	Rules       int64 `json:"rules"`
	ActiveRules int64 `json:"activeRules"`
	Accounts    int64 `json:"accounts"`
}

// handleMonitorStats returns counters for the authenticated account
// plus instance-wide totals.
func (s *Server) handleMonitorStats(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var stats accountStats
	if stats.Messages, err = s.store.CountMessages(r.Context(), accountID); err != nil {
		s.respondError(w, r, err)
		return
	}
	if stats.Rules, err = s.store.CountRules(r.Context(), accountID); err != nil {
		s.respondError(w, r, err)
		return
	}
	if stats.ActiveRules, err = s.store.CountActiveRules(r.Context()); err != nil {
		s.respondError(w, r, err)
		return
	}
	if stats.Accounts, err = s.store.CountAccounts(r.Context()); err != nil {
		s.respondError(w, r, err)
		return
	}
	metrics.AccountsTotal.Set(float64(stats.Accounts))

	s.writeJSON(w, http.StatusOK, stats)
}
