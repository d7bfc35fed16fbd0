// Package dispatcher applies filter rules to stored messages. It evaluates
// rules through the pure engine in the rules package and performs the
// resulting actions against the message store, recording per-rule counters
// and execution logs as it goes.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/ternmail/tern/db"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/pkg/metrics"
	"github.com/ternmail/tern/rules"
)

// RuleStore is the subset of the rule persistence layer the dispatcher needs.
type RuleStore interface {
	GetRule(ctx context.Context, ruleID, accountID int64) (*rules.Rule, error)
	ListActiveRules(ctx context.Context, accountID int64) ([]*rules.Rule, error)
	IncrementRuleCounters(ctx context.Context, ruleID int64, executions, matches int64) error
	InsertRuleExecution(ctx context.Context, exec *db.RuleExecution) error
}

// MessageStore is the subset of the message persistence layer the
// dispatcher needs to read candidates and perform actions.
type MessageStore interface {
	GetMessagesByIDs(ctx context.Context, accountID int64, messageIDs []int64) ([]*db.Message, error)
	ListMessages(ctx context.Context, accountID int64, opts db.ListMessagesOptions) ([]*db.Message, int64, error)
	MoveMessage(ctx context.Context, messageID, accountID int64, folder string) error
	AddMessageLabel(ctx context.Context, messageID, accountID int64, label string) error
	SetMessageSeen(ctx context.Context, messageID, accountID int64, seen bool) error
	SoftDeleteMessage(ctx context.Context, messageID, accountID int64) error
}

// ItemResult is the outcome of applying rules to one message.
type ItemResult struct {
	MessageID      int64          `json:"messageId"`
	Matched        bool           `json:"matched"`
	ActionsApplied []rules.Action `json:"actionsApplied"`
	Status         string         `json:"status"`
	Error          string         `json:"error,omitempty"`
}

// Report summarizes one apply operation.
type Report struct {
	Processed  int          `json:"processed"`
	Successful int          `json:"successful"`
	Failed     int          `json:"failed"`
	Results    []ItemResult `json:"results"`
}

// Dispatcher coordinates rule evaluation and action execution.
type Dispatcher struct {
	ruleStore    RuleStore
	messageStore MessageStore
}

// New creates a Dispatcher over the given stores.
func New(ruleStore RuleStore, messageStore MessageStore) *Dispatcher {
	return &Dispatcher{
		ruleStore:    ruleStore,
		messageStore: messageStore,
	}
}

// messageEmail projects stored message metadata into the engine's view of
// an email. Content matching operates on the plain-text snippet persisted
// at import time.
func messageEmail(msg *db.Message) rules.Email {
	return rules.Email{
		Subject: msg.Subject,
		From:    msg.Sender,
		To:      msg.Recipient,
		Content: msg.Snippet,
	}
}

// TestRule evaluates a rule against a caller-supplied email without
// touching any message, counter or log.
func (d *Dispatcher) TestRule(ctx context.Context, accountID, ruleID int64, email rules.Email) (*rules.MatchResult, error) {
	rule, err := d.ruleStore.GetRule(ctx, ruleID, accountID)
	if err != nil {
		return nil, err
	}

	result := rules.EvaluateRule(rule, email)
	if result.Matched {
		metrics.RuleEvaluationsTotal.WithLabelValues("match").Inc()
	} else {
		metrics.RuleEvaluationsTotal.WithLabelValues("no_match").Inc()
	}
	return &result, nil
}

// ApplyRule applies one rule to the given messages. Messages the account
// does not own are skipped. A failure on one message does not stop the
// rest of the batch.
func (d *Dispatcher) ApplyRule(ctx context.Context, accountID, ruleID int64, messageIDs []int64) (*Report, error) {
	start := time.Now()
	defer func() {
		metrics.RuleApplyDuration.WithLabelValues("single").Observe(time.Since(start).Seconds())
	}()

	rule, err := d.ruleStore.GetRule(ctx, ruleID, accountID)
	if err != nil {
		return nil, err
	}

	messages, err := d.messageStore.GetMessagesByIDs(ctx, accountID, messageIDs)
	if err != nil {
		return nil, err
	}

	report := &Report{Results: []ItemResult{}}
	var matches int64
	for _, msg := range messages {
		item := d.applyRuleToMessage(ctx, accountID, rule, msg)
		if item.Matched {
			matches++
		}
		report.Processed++
		if item.Status == db.ExecutionStatusFailed {
			report.Failed++
		} else {
			report.Successful++
		}
		report.Results = append(report.Results, item)
	}

	if report.Processed > 0 {
		if err := d.ruleStore.IncrementRuleCounters(ctx, rule.ID, int64(report.Processed), matches); err != nil {
			logger.Error("failed to update rule counters", "rule_id", rule.ID, "error", err)
		}
	}

	return report, nil
}

// ApplyAll applies every active rule of the account to the given messages,
// or to all live messages when messageIDs is empty. Each message gets the
// actions of every matching rule, in priority order.
func (d *Dispatcher) ApplyAll(ctx context.Context, accountID int64, messageIDs []int64) (*Report, error) {
	start := time.Now()
	defer func() {
		metrics.RuleApplyDuration.WithLabelValues("all").Observe(time.Since(start).Seconds())
	}()

	activeRules, err := d.ruleStore.ListActiveRules(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var messages []*db.Message
	if len(messageIDs) > 0 {
		messages, err = d.messageStore.GetMessagesByIDs(ctx, accountID, messageIDs)
	} else {
		messages, err = d.allMessages(ctx, accountID)
	}
	if err != nil {
		return nil, err
	}

	report := &Report{Results: []ItemResult{}}
	executions := make(map[int64]int64)
	matches := make(map[int64]int64)

	for _, msg := range messages {
		email := messageEmail(msg)
		matching := rules.RankMatchingRules(activeRules, email)
		for _, rule := range activeRules {
			executions[rule.ID]++
			metrics.RuleEvaluationsTotal.WithLabelValues(evalLabel(containsRule(matching, rule.ID))).Inc()
		}

		item := ItemResult{
			MessageID:      msg.ID,
			ActionsApplied: []rules.Action{},
			Status:         db.ExecutionStatusSkipped,
		}

		for _, rule := range matching {
			matches[rule.ID]++
			item.Matched = true
			applied, err := d.performActions(ctx, accountID, msg, rule.Actions)
			item.ActionsApplied = append(item.ActionsApplied, applied...)
			exec := &db.RuleExecution{
				RuleID:         rule.ID,
				MessageID:      &msg.ID,
				Matched:        true,
				ActionsApplied: applied,
				Status:         db.ExecutionStatusSuccess,
			}
			if err != nil {
				errStr := err.Error()
				exec.Status = db.ExecutionStatusFailed
				exec.Error = &errStr
				item.Status = db.ExecutionStatusFailed
				item.Error = errStr
			} else if item.Status != db.ExecutionStatusFailed {
				item.Status = db.ExecutionStatusSuccess
			}
			d.logExecution(ctx, exec)

			// A delete action removes the message; later rules have
			// nothing left to act on.
			if deleted(applied) {
				break
			}
		}

		report.Processed++
		if item.Status == db.ExecutionStatusFailed {
			report.Failed++
		} else {
			report.Successful++
		}
		report.Results = append(report.Results, item)
	}

	for ruleID, count := range executions {
		if err := d.ruleStore.IncrementRuleCounters(ctx, ruleID, count, matches[ruleID]); err != nil {
			logger.Error("failed to update rule counters", "rule_id", ruleID, "error", err)
		}
	}

	return report, nil
}

// applyRuleToMessage evaluates one rule against one message, performs its
// actions on match and writes the execution log entry.
func (d *Dispatcher) applyRuleToMessage(ctx context.Context, accountID int64, rule *rules.Rule, msg *db.Message) ItemResult {
	result := rules.EvaluateRule(rule, messageEmail(msg))

	item := ItemResult{
		MessageID:      msg.ID,
		Matched:        result.Matched,
		ActionsApplied: []rules.Action{},
		Status:         db.ExecutionStatusSkipped,
	}

	exec := &db.RuleExecution{
		RuleID:         rule.ID,
		MessageID:      &msg.ID,
		Matched:        result.Matched,
		ActionsApplied: []rules.Action{},
		Status:         db.ExecutionStatusSkipped,
	}

	if result.Matched {
		metrics.RuleEvaluationsTotal.WithLabelValues("match").Inc()
		applied, err := d.performActions(ctx, accountID, msg, result.Actions)
		item.ActionsApplied = applied
		exec.ActionsApplied = applied
		if err != nil {
			errStr := err.Error()
			item.Status = db.ExecutionStatusFailed
			item.Error = errStr
			exec.Status = db.ExecutionStatusFailed
			exec.Error = &errStr
		} else {
			item.Status = db.ExecutionStatusSuccess
			exec.Status = db.ExecutionStatusSuccess
		}
	} else {
		metrics.RuleEvaluationsTotal.WithLabelValues("no_match").Inc()
	}

	d.logExecution(ctx, exec)
	return item
}

// performActions executes actions in order and returns those that
// succeeded. The first failure stops the sequence.
func (d *Dispatcher) performActions(ctx context.Context, accountID int64, msg *db.Message, actions []rules.Action) ([]rules.Action, error) {
	applied := []rules.Action{}
	for _, action := range actions {
		if err := d.performAction(ctx, accountID, msg, action); err != nil {
			metrics.RuleApplicationsTotal.WithLabelValues(string(action.Type), "failure").Inc()
			return applied, fmt.Errorf("action %s: %w", action.Type, err)
		}
		metrics.RuleApplicationsTotal.WithLabelValues(string(action.Type), "success").Inc()
		applied = append(applied, action)
	}
	return applied, nil
}

func (d *Dispatcher) performAction(ctx context.Context, accountID int64, msg *db.Message, action rules.Action) error {
	switch action.Type {
	case rules.ActionMoveToFolder:
		return d.messageStore.MoveMessage(ctx, msg.ID, accountID, action.Target)
	case rules.ActionAddLabel:
		return d.messageStore.AddMessageLabel(ctx, msg.ID, accountID, action.Target)
	case rules.ActionMarkRead:
		return d.messageStore.SetMessageSeen(ctx, msg.ID, accountID, true)
	case rules.ActionDelete:
		return d.messageStore.SoftDeleteMessage(ctx, msg.ID, accountID)
	default:
		return fmt.Errorf("unknown action type %q", action.Type)
	}
}

func (d *Dispatcher) logExecution(ctx context.Context, exec *db.RuleExecution) {
	if err := d.ruleStore.InsertRuleExecution(ctx, exec); err != nil {
		logger.Error("failed to record rule execution", "rule_id", exec.RuleID, "error", err)
	}
}

// allMessages pages through every live message of the account.
func (d *Dispatcher) allMessages(ctx context.Context, accountID int64) ([]*db.Message, error) {
	var all []*db.Message
	opts := db.ListMessagesOptions{Limit: 200}
	for {
		page, total, err := d.messageStore.ListMessages(ctx, accountID, opts)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) == 0 || int64(len(all)) >= total {
			return all, nil
		}
		opts.Offset += len(page)
	}
}

func containsRule(matched []*rules.Rule, ruleID int64) bool {
	for _, r := range matched {
		if r.ID == ruleID {
			return true
		}
	}
	return false
}

func evalLabel(matched bool) string {
	if matched {
		return "match"
	}
	return "no_match"
}

func deleted(actions []rules.Action) bool {
	for _, a := range actions {
		if a.Type == rules.ActionDelete {
			return true
		}
	}
	return false
}
