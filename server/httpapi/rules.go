package httpapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/ternmail/tern/consts"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/pkg/metrics"
	"github.com/ternmail/tern/rules"
)

type createRuleRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Conditions  []rules.Condition `json:"conditions"`
	Logic       rules.Logic       `json:"logic"`
	Actions     []rules.Action    `json:"actions"`
	Priority    int               `json:"priority"`
	Active      *bool             `json:"active"`
}

// checkRuleLimits enforces the configured size bounds before the rule
// reaches Validate, so oversized payloads fail fast with a clear
// message.
func (s *Server) checkRuleLimits(rule *rules.Rule) error {
	if len(rule.Name) > consts.MaxRuleNameLength {
		return fmt.Errorf("rule name exceeds %d characters", consts.MaxRuleNameLength)
	}
	maxConditions := s.options.MaxConditions
	if maxConditions <= 0 {
		maxConditions = consts.MaxConditionsPerRule
	}
	if len(rule.Conditions) > maxConditions {
		return fmt.Errorf("rule exceeds %d conditions", maxConditions)
	}
	maxActions := s.options.MaxActions
	if maxActions <= 0 {
		maxActions = consts.MaxActionsPerRule
	}
	if len(rule.Actions) > maxActions {
		return fmt.Errorf("rule exceeds %d actions", maxActions)
	}
	return nil
}

func (s *Server) refreshActiveRulesGauge(r *http.Request) {
	count, err := s.store.CountActiveRules(r.Context())
	if err != nil {
		logger.Debug("failed to count active rules for metrics", "error", err)
		return
	}
	metrics.RulesActive.Set(float64(count))
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req createRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	rule := &rules.Rule{
		AccountID:   accountID,
		Name:        req.Name,
		Description: req.Description,
		Conditions:  req.Conditions,
		Logic:       req.Logic,
		Actions:     req.Actions,
		Priority:    req.Priority,
		Active:      active,
	}

	if err := rules.Validate(rule); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.checkRuleLimits(rule); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.options.MaxRulesPerAccount > 0 {
		count, err := s.store.CountRules(r.Context(), accountID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		if count >= int64(s.options.MaxRulesPerAccount) {
			s.writeError(w, http.StatusBadRequest,
				fmt.Sprintf("account rule limit of %d reached", s.options.MaxRulesPerAccount))
			return
		}
	}

	created, err := s.store.CreateRule(r.Context(), rule)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.refreshActiveRulesGauge(r)
	logger.InfoContext(r.Context(), "rule created",
		"rule_id", created.ID, "account_id", accountID, "name", created.Name)
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	list, err := s.store.ListRules(r.Context(), accountID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if list == nil {
		list = []*rules.Rule{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	ruleID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	rule, err := s.store.GetRule(r.Context(), ruleID, accountID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

type updateRuleRequest struct {
	Name        *string           `json:"name"`
	Description *string           `json:"description"`
	Conditions  []rules.Condition `json:"conditions"`
	Logic       *rules.Logic      `json:"logic"`
	Actions     []rules.Action    `json:"actions"`
	Priority    *int              `json:"priority"`
	Active      *bool             `json:"active"`
}

// handleUpdateRule merges the request onto the stored rule. Absent
// fields keep their current values, so clients can toggle a single
// attribute without resending the whole definition.
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	ruleID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	rule, err := s.store.GetRule(r.Context(), ruleID, accountID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var req updateRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Name != nil {
		rule.Name = *req.Name
	}
	if req.Description != nil {
		rule.Description = *req.Description
	}
	if req.Conditions != nil {
		rule.Conditions = req.Conditions
	}
	if req.Logic != nil {
		rule.Logic = *req.Logic
	}
	if req.Actions != nil {
		rule.Actions = req.Actions
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}

	if err := rules.Validate(rule); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.checkRuleLimits(rule); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := s.store.UpdateRule(r.Context(), rule)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.refreshActiveRulesGauge(r)
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	ruleID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	if err := s.store.DeleteRule(r.Context(), ruleID, accountID); err != nil {
		s.respondError(w, r, err)
		return
	}

	s.refreshActiveRulesGauge(r)
	logger.InfoContext(r.Context(), "rule deleted", "rule_id", ruleID, "account_id", accountID)
	s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type testRuleRequest struct {
	RuleID int64       `json:"ruleId"`
	Email  rules.Email `json:"email"`
}

func (s *Server) handleTestRule(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req testRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.dispatcher.TestRule(r.Context(), accountID, req.RuleID, req.Email)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type applyRuleRequest struct {
	RuleID     int64   `json:"ruleId"`
	MessageIDs []int64 `json:"messageIds"`
}

func (s *Server) checkBatchSize(messageIDs []int64) error {
	if len(messageIDs) > s.options.MaxBatchMessages {
		return fmt.Errorf("at most %d messages per batch request", s.options.MaxBatchMessages)
	}
	return nil
}

func (s *Server) handleApplyRule(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req applyRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.MessageIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "messageIds is required")
		return
	}
	if err := s.checkBatchSize(req.MessageIDs); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := s.dispatcher.ApplyRule(r.Context(), accountID, req.RuleID, req.MessageIDs)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

type applyAllRequest struct {
	MessageIDs []int64 `json:"messageIds"`
}

func (s *Server) handleApplyAll(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req applyAllRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if err := s.checkBatchSize(req.MessageIDs); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := s.dispatcher.ApplyAll(r.Context(), accountID, req.MessageIDs)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRulePerformance(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	ruleID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	perf, err := s.store.GetRulePerformance(r.Context(), ruleID, accountID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, perf)
}

func (s *Server) handleRuleLogs(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	ruleID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	logs, err := s.store.GetRuleExecutions(r.Context(), ruleID, accountID, limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleRuleAnalytics(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	analytics, err := s.store.GetRuleAnalytics(r.Context(), accountID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, analytics)
}
