package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ternmail/tern/rules"
)

// scanRule reads one filter_rules row. Conditions and actions are stored
// as JSONB documents.
func scanRule(row pgx.Row) (*rules.Rule, error) {
	var rule rules.Rule
	var conditionsJSON, actionsJSON []byte

	err := row.Scan(&rule.ID, &rule.AccountID, &rule.Name, &rule.Description,
		&conditionsJSON, &rule.Logic, &actionsJSON, &rule.Priority, &rule.Active,
		&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(conditionsJSON, &rule.Conditions); err != nil {
		return nil, fmt.Errorf("failed to decode rule conditions: %w", err)
	}
	if err := json.Unmarshal(actionsJSON, &rule.Actions); err != nil {
		return nil, fmt.Errorf("failed to decode rule actions: %w", err)
	}

	return &rule, nil
}

const ruleColumns = "id, account_id, name, description, conditions, condition_logic, actions, priority, active, created_at, updated_at"

// CreateRule inserts a rule for an account.
func (db *Database) CreateRule(ctx context.Context, tx pgx.Tx, rule *rules.Rule) (*rules.Rule, error) {
	conditionsJSON, err := json.Marshal(rule.Conditions)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rule conditions: %w", err)
	}
	actionsJSON, err := json.Marshal(rule.Actions)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rule actions: %w", err)
	}

	logic := rule.Logic
	if logic == "" {
		logic = rules.LogicAnd
	}

	return scanRule(tx.QueryRow(ctx, `
		INSERT INTO filter_rules (account_id, name, description, conditions, condition_logic, actions, priority, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+ruleColumns,
		rule.AccountID, rule.Name, rule.Description, conditionsJSON, logic,
		actionsJSON, rule.Priority, rule.Active))
}

// GetRule fetches one rule scoped to an account.
func (db *Database) GetRule(ctx context.Context, ruleID, accountID int64) (*rules.Rule, error) {
	rule, err := scanRule(db.TimedQueryRow(ctx, "get_rule",
		"SELECT "+ruleColumns+" FROM filter_rules WHERE id = $1 AND account_id = $2",
		ruleID, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}
	return rule, nil
}

// ListRules returns all rules for an account ordered by priority then id.
func (db *Database) ListRules(ctx context.Context, accountID int64) ([]*rules.Rule, error) {
	rows, err := db.TimedQuery(ctx, "list_rules",
		"SELECT "+ruleColumns+" FROM filter_rules WHERE account_id = $1 ORDER BY priority, id",
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*rules.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rule)
	}
	return result, rows.Err()
}

// ListActiveRules returns active rules for an account in evaluation order.
func (db *Database) ListActiveRules(ctx context.Context, accountID int64) ([]*rules.Rule, error) {
	rows, err := db.TimedQuery(ctx, "list_active_rules",
		"SELECT "+ruleColumns+" FROM filter_rules WHERE account_id = $1 AND active ORDER BY priority, id",
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*rules.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rule)
	}
	return result, rows.Err()
}

// UpdateRule replaces all mutable fields of a rule.
func (db *Database) UpdateRule(ctx context.Context, tx pgx.Tx, rule *rules.Rule) (*rules.Rule, error) {
	conditionsJSON, err := json.Marshal(rule.Conditions)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rule conditions: %w", err)
	}
	actionsJSON, err := json.Marshal(rule.Actions)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rule actions: %w", err)
	}

	updated, err := scanRule(tx.QueryRow(ctx, `
		UPDATE filter_rules
		SET name = $1, description = $2, conditions = $3, condition_logic = $4,
		    actions = $5, priority = $6, active = $7, updated_at = now()
		WHERE id = $8 AND account_id = $9
		RETURNING `+ruleColumns,
		rule.Name, rule.Description, conditionsJSON, rule.Logic,
		actionsJSON, rule.Priority, rule.Active, rule.ID, rule.AccountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}
	return updated, nil
}

// DeleteRule removes a rule and, via cascade, its execution logs.
func (db *Database) DeleteRule(ctx context.Context, tx pgx.Tx, ruleID, accountID int64) error {
	tag, err := tx.Exec(ctx, "DELETE FROM filter_rules WHERE id = $1 AND account_id = $2", ruleID, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// CountRules returns how many rules an account has.
func (db *Database) CountRules(ctx context.Context, accountID int64) (int64, error) {
	var count int64
	err := db.TimedQueryRow(ctx, "count_rules",
		"SELECT count(*) FROM filter_rules WHERE account_id = $1", accountID).Scan(&count)
	return count, err
}

// CountActiveRules returns the number of active rules across all accounts.
func (db *Database) CountActiveRules(ctx context.Context) (int64, error) {
	var count int64
	err := db.TimedQueryRow(ctx, "count_active_rules",
		"SELECT count(*) FROM filter_rules WHERE active").Scan(&count)
	return count, err
}

// IncrementRuleCounters bumps the lifetime execution and match counters.
func (db *Database) IncrementRuleCounters(ctx context.Context, ruleID int64, executions, matches int64) error {
	return db.TimedExec(ctx, "increment_rule_counters", `
		UPDATE filter_rules
		SET execution_count = execution_count + $1, match_count = match_count + $2
		WHERE id = $3
	`, executions, matches, ruleID)
}

// RuleExecution is one logged evaluation of a rule against a message.
type RuleExecution struct {
	ID             int64          `json:"id"`
	RuleID         int64          `json:"ruleId"`
	MessageID      *int64         `json:"messageId,omitempty"`
	Matched        bool           `json:"matched"`
	ActionsApplied []rules.Action `json:"actionsApplied"`
	Status         string         `json:"status"`
	Error          *string        `json:"error,omitempty"`
	ExecutedAt     time.Time      `json:"executedAt"`
}

// Execution status values.
const (
	ExecutionStatusSuccess = "success"
	ExecutionStatusFailed  = "failed"
	ExecutionStatusSkipped = "skipped"
)

// InsertRuleExecution records one rule evaluation.
func (db *Database) InsertRuleExecution(ctx context.Context, exec *RuleExecution) error {
	actionsJSON, err := json.Marshal(exec.ActionsApplied)
	if err != nil {
		return fmt.Errorf("failed to encode applied actions: %w", err)
	}

	return db.TimedExec(ctx, "insert_rule_execution", `
		INSERT INTO rule_executions (rule_id, message_id, matched, actions_applied, status, error)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, exec.RuleID, exec.MessageID, exec.Matched, actionsJSON, exec.Status, exec.Error)
}

// GetRuleExecutions returns the most recent execution log entries for a rule.
func (db *Database) GetRuleExecutions(ctx context.Context, ruleID, accountID int64, limit int) ([]*RuleExecution, error) {
	// Ownership check first so an unknown rule is a 404, not an empty log.
	if _, err := db.GetRule(ctx, ruleID, accountID); err != nil {
		return nil, err
	}

	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := db.TimedQuery(ctx, "get_rule_executions", `
		SELECT id, rule_id, message_id, matched, actions_applied, status, error, executed_at
		FROM rule_executions
		WHERE rule_id = $1
		ORDER BY executed_at DESC, id DESC
		LIMIT $2
	`, ruleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	executions := []*RuleExecution{}
	for rows.Next() {
		var exec RuleExecution
		var actionsJSON []byte
		if err := rows.Scan(&exec.ID, &exec.RuleID, &exec.MessageID, &exec.Matched,
			&actionsJSON, &exec.Status, &exec.Error, &exec.ExecutedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(actionsJSON, &exec.ActionsApplied); err != nil {
			return nil, fmt.Errorf("failed to decode applied actions: %w", err)
		}
		executions = append(executions, &exec)
	}
	return executions, rows.Err()
}

// RulePerformance aggregates lifetime counters and logged outcomes for a rule.
type RulePerformance struct {
	RuleID         int64      `json:"ruleId"`
	ExecutionCount int64      `json:"executionCount"`
	MatchCount     int64      `json:"matchCount"`
	MatchRate      float64    `json:"matchRate"`
	SuccessCount   int64      `json:"successCount"`
	FailureCount   int64      `json:"failureCount"`
	SuccessRate    float64    `json:"successRate"`
	LastExecutedAt *time.Time `json:"lastExecutedAt,omitempty"`
}

// GetRulePerformance computes performance statistics for one rule.
func (db *Database) GetRulePerformance(ctx context.Context, ruleID, accountID int64) (*RulePerformance, error) {
	if _, err := db.GetRule(ctx, ruleID, accountID); err != nil {
		return nil, err
	}

	perf := RulePerformance{RuleID: ruleID}
	err := db.TimedQueryRow(ctx, "get_rule_performance", `
		SELECT r.execution_count, r.match_count,
		       count(e.id) FILTER (WHERE e.status = $1),
		       count(e.id) FILTER (WHERE e.status = $2),
		       max(e.executed_at)
		FROM filter_rules r
		LEFT JOIN rule_executions e ON e.rule_id = r.id
		WHERE r.id = $3
		GROUP BY r.id
	`, ExecutionStatusSuccess, ExecutionStatusFailed, ruleID).Scan(
		&perf.ExecutionCount, &perf.MatchCount,
		&perf.SuccessCount, &perf.FailureCount, &perf.LastExecutedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}

	if perf.ExecutionCount > 0 {
		perf.MatchRate = float64(perf.MatchCount) / float64(perf.ExecutionCount)
	}
	if logged := perf.SuccessCount + perf.FailureCount; logged > 0 {
		perf.SuccessRate = float64(perf.SuccessCount) / float64(logged)
	}
	return &perf, nil
}

// RuleSummary identifies a rule in analytics listings.
type RuleSummary struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	MatchCount int64  `json:"matchCount"`
}

// RuleAnalytics aggregates rule activity for one account.
type RuleAnalytics struct {
	TotalRules      int64         `json:"totalRules"`
	ActiveRules     int64         `json:"activeRules"`
	TotalExecutions int64         `json:"totalExecutions"`
	TotalMatches    int64         `json:"totalMatches"`
	TopRules        []RuleSummary `json:"topRules"`
}

// GetRuleAnalytics computes account-wide rule statistics and the five rules
// with the most matches.
func (db *Database) GetRuleAnalytics(ctx context.Context, accountID int64) (*RuleAnalytics, error) {
	analytics := RuleAnalytics{TopRules: []RuleSummary{}}

	err := db.TimedQueryRow(ctx, "get_rule_analytics", `
		SELECT count(*),
		       count(*) FILTER (WHERE active),
		       coalesce(sum(execution_count), 0),
		       coalesce(sum(match_count), 0)
		FROM filter_rules
		WHERE account_id = $1
	`, accountID).Scan(&analytics.TotalRules, &analytics.ActiveRules,
		&analytics.TotalExecutions, &analytics.TotalMatches)
	if err != nil {
		return nil, err
	}

	rows, err := db.TimedQuery(ctx, "get_top_rules", `
		SELECT id, name, match_count
		FROM filter_rules
		WHERE account_id = $1 AND match_count > 0
		ORDER BY match_count DESC, id
		LIMIT 5
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var summary RuleSummary
		if err := rows.Scan(&summary.ID, &summary.Name, &summary.MatchCount); err != nil {
			return nil, err
		}
		analytics.TopRules = append(analytics.TopRules, summary)
	}
	return &analytics, rows.Err()
}

// PurgeOldRuleExecutions deletes execution log entries older than the
// retention window. Returns the number of rows removed.
func (db *Database) PurgeOldRuleExecutions(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := db.GetWritePool().Exec(ctx,
		"DELETE FROM rule_executions WHERE executed_at < now() - $1::interval",
		fmt.Sprintf("%f seconds", olderThan.Seconds()))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
