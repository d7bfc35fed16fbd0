package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ReportTemplate describes what a report covers. Folder narrows the
// report to one folder; empty covers the whole account.
type ReportTemplate struct {
	ID          int64     `json:"id"`
	AccountID   int64     `json:"-"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Folder      string    `json:"folder,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"-"`
}

// ReportSchedule is a recurring report registration. The server records
// runs triggered through the API; it does not run schedules on a timer.
type ReportSchedule struct {
	ID         int64      `json:"id"`
	AccountID  int64      `json:"-"`
	TemplateID int64      `json:"templateId"`
	Frequency  string     `json:"frequency"`
	Active     bool       `json:"active"`
	LastRunAt  *time.Time `json:"lastRunAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Schedule frequencies.
const (
	FrequencyDaily   = "daily"
	FrequencyWeekly  = "weekly"
	FrequencyMonthly = "monthly"
)

// ValidFrequency reports whether s is a supported schedule frequency.
func ValidFrequency(s string) bool {
	return s == FrequencyDaily || s == FrequencyWeekly || s == FrequencyMonthly
}

// Report statuses.
const (
	ReportStatusCompleted = "completed"
	ReportStatusFailed    = "failed"
)

// Report is one generated report. Result holds the aggregated data as
// JSONB so old reports survive schema changes to the live tables.
type Report struct {
	ID          int64       `json:"id"`
	AccountID   int64       `json:"-"`
	TemplateID  *int64      `json:"templateId,omitempty"`
	ScheduleID  *int64      `json:"scheduleId,omitempty"`
	Status      string      `json:"status"`
	RangeStart  time.Time   `json:"rangeStart"`
	RangeEnd    time.Time   `json:"rangeEnd"`
	Result      *ReportData `json:"result,omitempty"`
	GeneratedAt time.Time   `json:"generatedAt"`
}

// FolderCount is one bucket of the per-folder message distribution.
type FolderCount struct {
	Folder string `json:"folder"`
	Count  int64  `json:"count"`
}

// SenderCount is one bucket of the top-senders listing.
type SenderCount struct {
	Sender string `json:"sender"`
	Count  int64  `json:"count"`
}

// ReportData is the aggregate a report captures for its date range.
type ReportData struct {
	TotalMessages  int64           `json:"totalMessages"`
	UnreadMessages int64           `json:"unreadMessages"`
	TotalSize      int64           `json:"totalSize"`
	ByFolder       []FolderCount   `json:"byFolder"`
	ByCategory     []CategoryCount `json:"byCategory"`
	TopSenders     []SenderCount   `json:"topSenders"`
}

const templateColumns = "id, account_id, name, description, folder, created_at, updated_at"

func scanReportTemplate(row pgx.Row) (*ReportTemplate, error) {
	var t ReportTemplate
	err := row.Scan(&t.ID, &t.AccountID, &t.Name, &t.Description, &t.Folder,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateReportTemplate inserts a template for an account. Template names
// are unique per account.
func (db *Database) CreateReportTemplate(ctx context.Context, t *ReportTemplate) (*ReportTemplate, error) {
	created, err := scanReportTemplate(db.GetWritePool().QueryRow(ctx, `
		INSERT INTO report_templates (account_id, name, description, folder)
		VALUES ($1, $2, $3, $4)
		RETURNING `+templateColumns,
		t.AccountID, t.Name, t.Description, t.Folder))
	if err != nil {
		if uniqueViolation(err) {
			return nil, ErrDuplicateTemplate
		}
		return nil, err
	}
	return created, nil
}

// GetReportTemplate fetches one template scoped to an account.
func (db *Database) GetReportTemplate(ctx context.Context, templateID, accountID int64) (*ReportTemplate, error) {
	t, err := scanReportTemplate(db.TimedQueryRow(ctx, "get_report_template",
		"SELECT "+templateColumns+" FROM report_templates WHERE id = $1 AND account_id = $2",
		templateID, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTemplateNotFound
		}
		return nil, err
	}
	return t, nil
}

// ListReportTemplates returns all templates for an account by name.
func (db *Database) ListReportTemplates(ctx context.Context, accountID int64) ([]*ReportTemplate, error) {
	rows, err := db.TimedQuery(ctx, "list_report_templates",
		"SELECT "+templateColumns+" FROM report_templates WHERE account_id = $1 ORDER BY name",
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ReportTemplate
	for rows.Next() {
		t, err := scanReportTemplate(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// UpdateReportTemplate replaces the mutable fields of a template.
func (db *Database) UpdateReportTemplate(ctx context.Context, t *ReportTemplate) (*ReportTemplate, error) {
	updated, err := scanReportTemplate(db.GetWritePool().QueryRow(ctx, `
		UPDATE report_templates
		SET name = $1, description = $2, folder = $3, updated_at = now()
		WHERE id = $4 AND account_id = $5
		RETURNING `+templateColumns,
		t.Name, t.Description, t.Folder, t.ID, t.AccountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTemplateNotFound
		}
		if uniqueViolation(err) {
			return nil, ErrDuplicateTemplate
		}
		return nil, err
	}
	return updated, nil
}

// DeleteReportTemplate removes a template and, via cascade, its schedules.
// Reports generated from it are kept with the template reference cleared.
func (db *Database) DeleteReportTemplate(ctx context.Context, templateID, accountID int64) error {
	tag, err := db.GetWritePool().Exec(ctx,
		"DELETE FROM report_templates WHERE id = $1 AND account_id = $2",
		templateID, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTemplateNotFound
	}
	return nil
}

// CollectReportData aggregates message activity for one account over
// [start, end). Folder narrows the aggregation when non-empty.
func (db *Database) CollectReportData(ctx context.Context, accountID int64, folder string, start, end time.Time) (*ReportData, error) {
	where := "account_id = $1 AND deleted_at IS NULL AND sent_date >= $2 AND sent_date < $3"
	args := []interface{}{accountID, start, end}
	if folder != "" {
		args = append(args, folder)
		where += fmt.Sprintf(" AND folder = $%d", len(args))
	}

	data := ReportData{ByFolder: []FolderCount{}, ByCategory: []CategoryCount{}, TopSenders: []SenderCount{}}
	err := db.TimedQueryRow(ctx, "report_totals", `
		SELECT count(*), count(*) FILTER (WHERE NOT seen), coalesce(sum(size), 0)
		FROM messages WHERE `+where, args...).Scan(
		&data.TotalMessages, &data.UnreadMessages, &data.TotalSize)
	if err != nil {
		return nil, err
	}

	rows, err := db.TimedQuery(ctx, "report_by_folder", `
		SELECT folder, count(*) FROM messages
		WHERE `+where+`
		GROUP BY folder ORDER BY count(*) DESC, folder
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var fc FolderCount
		if err := rows.Scan(&fc.Folder, &fc.Count); err != nil {
			return nil, err
		}
		data.ByFolder = append(data.ByFolder, fc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = db.TimedQuery(ctx, "report_by_category", `
		SELECT a.category, count(*)
		FROM message_analysis a
		JOIN messages m ON m.id = a.message_id
		WHERE m.`+where+`
		GROUP BY a.category ORDER BY count(*) DESC, a.category
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var cc CategoryCount
		if err := rows.Scan(&cc.Category, &cc.Count); err != nil {
			return nil, err
		}
		data.ByCategory = append(data.ByCategory, cc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = db.TimedQuery(ctx, "report_top_senders", `
		SELECT sender, count(*) FROM messages
		WHERE `+where+`
		GROUP BY sender ORDER BY count(*) DESC, sender
		LIMIT 5
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var sc SenderCount
		if err := rows.Scan(&sc.Sender, &sc.Count); err != nil {
			return nil, err
		}
		data.TopSenders = append(data.TopSenders, sc)
	}
	return &data, rows.Err()
}

const reportColumns = "id, account_id, template_id, schedule_id, status, range_start, range_end, result, generated_at"

func scanReport(row pgx.Row) (*Report, error) {
	var r Report
	var resultJSON []byte
	err := row.Scan(&r.ID, &r.AccountID, &r.TemplateID, &r.ScheduleID, &r.Status,
		&r.RangeStart, &r.RangeEnd, &resultJSON, &r.GeneratedAt)
	if err != nil {
		return nil, err
	}
	if len(resultJSON) > 0 && string(resultJSON) != "{}" {
		r.Result = &ReportData{}
		if err := json.Unmarshal(resultJSON, r.Result); err != nil {
			return nil, fmt.Errorf("failed to decode report result: %w", err)
		}
	}
	return &r, nil
}

// InsertReport stores one generated report.
func (db *Database) InsertReport(ctx context.Context, r *Report) (*Report, error) {
	resultJSON := []byte("{}")
	if r.Result != nil {
		var err error
		resultJSON, err = json.Marshal(r.Result)
		if err != nil {
			return nil, fmt.Errorf("failed to encode report result: %w", err)
		}
	}

	return scanReport(db.GetWritePool().QueryRow(ctx, `
		INSERT INTO reports (account_id, template_id, schedule_id, status, range_start, range_end, result)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+reportColumns,
		r.AccountID, r.TemplateID, r.ScheduleID, r.Status, r.RangeStart, r.RangeEnd, resultJSON))
}

// GetReport fetches one report scoped to an account.
func (db *Database) GetReport(ctx context.Context, reportID, accountID int64) (*Report, error) {
	r, err := scanReport(db.TimedQueryRow(ctx, "get_report",
		"SELECT "+reportColumns+" FROM reports WHERE id = $1 AND account_id = $2",
		reportID, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReportNotFound
		}
		return nil, err
	}
	return r, nil
}

// ListReports returns the most recent reports for an account.
func (db *Database) ListReports(ctx context.Context, accountID int64, limit int) ([]*Report, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := db.TimedQuery(ctx, "list_reports",
		"SELECT "+reportColumns+" FROM reports WHERE account_id = $1 ORDER BY generated_at DESC, id DESC LIMIT $2",
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

const scheduleColumns = "id, account_id, template_id, frequency, active, last_run_at, created_at"

func scanReportSchedule(row pgx.Row) (*ReportSchedule, error) {
	var s ReportSchedule
	err := row.Scan(&s.ID, &s.AccountID, &s.TemplateID, &s.Frequency, &s.Active,
		&s.LastRunAt, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateReportSchedule registers a recurring report against a template
// the account owns.
func (db *Database) CreateReportSchedule(ctx context.Context, s *ReportSchedule) (*ReportSchedule, error) {
	if _, err := db.GetReportTemplate(ctx, s.TemplateID, s.AccountID); err != nil {
		return nil, err
	}

	return scanReportSchedule(db.GetWritePool().QueryRow(ctx, `
		INSERT INTO report_schedules (account_id, template_id, frequency, active)
		VALUES ($1, $2, $3, $4)
		RETURNING `+scheduleColumns,
		s.AccountID, s.TemplateID, s.Frequency, s.Active))
}

// GetReportSchedule fetches one schedule scoped to an account.
func (db *Database) GetReportSchedule(ctx context.Context, scheduleID, accountID int64) (*ReportSchedule, error) {
	s, err := scanReportSchedule(db.TimedQueryRow(ctx, "get_report_schedule",
		"SELECT "+scheduleColumns+" FROM report_schedules WHERE id = $1 AND account_id = $2",
		scheduleID, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, err
	}
	return s, nil
}

// ListReportSchedules returns all schedules for an account, newest first.
func (db *Database) ListReportSchedules(ctx context.Context, accountID int64) ([]*ReportSchedule, error) {
	rows, err := db.TimedQuery(ctx, "list_report_schedules",
		"SELECT "+scheduleColumns+" FROM report_schedules WHERE account_id = $1 ORDER BY id DESC",
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ReportSchedule
	for rows.Next() {
		s, err := scanReportSchedule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// TouchReportSchedule records that a schedule just ran.
func (db *Database) TouchReportSchedule(ctx context.Context, scheduleID, accountID int64) error {
	tag, err := db.GetWritePool().Exec(ctx, `
		UPDATE report_schedules SET last_run_at = now()
		WHERE id = $1 AND account_id = $2
	`, scheduleID, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// DeleteReportSchedule removes a schedule. Past reports keep their rows
// with the schedule reference cleared.
func (db *Database) DeleteReportSchedule(ctx context.Context, scheduleID, accountID int64) error {
	tag, err := db.GetWritePool().Exec(ctx,
		"DELETE FROM report_schedules WHERE id = $1 AND account_id = $2",
		scheduleID, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// ListScheduleReports returns the run history of one schedule, newest
// first.
func (db *Database) ListScheduleReports(ctx context.Context, scheduleID, accountID int64, limit int) ([]*Report, error) {
	if _, err := db.GetReportSchedule(ctx, scheduleID, accountID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := db.TimedQuery(ctx, "list_schedule_reports",
		"SELECT "+reportColumns+" FROM reports WHERE schedule_id = $1 AND account_id = $2 ORDER BY generated_at DESC, id DESC LIMIT $3",
		scheduleID, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}
