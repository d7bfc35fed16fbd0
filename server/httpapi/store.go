package httpapi

import (
	"context"
	"io"
	"time"

	"github.com/ternmail/tern/analyzer"
	"github.com/ternmail/tern/db"
	"github.com/ternmail/tern/rules"
)

// AccountStore is the account surface the auth handlers need.
type AccountStore interface {
	CreateAccount(ctx context.Context, email, password string) (*db.Account, error)
	Authenticate(ctx context.Context, email, password string) (*db.Account, error)
	GetAccountByID(ctx context.Context, accountID int64) (*db.Account, error)
}

// RuleStore is the rule surface the rule handlers need. Mutating
// methods manage their own transactions.
type RuleStore interface {
	CreateRule(ctx context.Context, rule *rules.Rule) (*rules.Rule, error)
	GetRule(ctx context.Context, ruleID, accountID int64) (*rules.Rule, error)
	ListRules(ctx context.Context, accountID int64) ([]*rules.Rule, error)
	UpdateRule(ctx context.Context, rule *rules.Rule) (*rules.Rule, error)
	DeleteRule(ctx context.Context, ruleID, accountID int64) error
	CountRules(ctx context.Context, accountID int64) (int64, error)
	CountActiveRules(ctx context.Context) (int64, error)
	GetRuleExecutions(ctx context.Context, ruleID, accountID int64, limit int) ([]*db.RuleExecution, error)
	GetRulePerformance(ctx context.Context, ruleID, accountID int64) (*db.RulePerformance, error)
	GetRuleAnalytics(ctx context.Context, accountID int64) (*db.RuleAnalytics, error)
}

// MessageStore is the message surface the message handlers need.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg *db.Message) (*db.Message, error)
	GetMessage(ctx context.Context, messageID, accountID int64) (*db.Message, error)
	ListMessages(ctx context.Context, accountID int64, opts db.ListMessagesOptions) ([]*db.Message, int64, error)
	MoveMessage(ctx context.Context, messageID, accountID int64, folder string) error
	AddMessageLabel(ctx context.Context, messageID, accountID int64, label string) error
	RemoveMessageLabel(ctx context.Context, messageID, accountID int64, label string) error
	SetMessageSeen(ctx context.Context, messageID, accountID int64, seen bool) error
	SoftDeleteMessage(ctx context.Context, messageID, accountID int64) error
	CountMessages(ctx context.Context, accountID int64) (int64, error)
}

// AnalysisStore persists and serves analyzer verdicts.
type AnalysisStore interface {
	StoreAnalysis(ctx context.Context, messageID int64, result analyzer.Result) (*db.StoredAnalysis, error)
	GetAnalysis(ctx context.Context, messageID, accountID int64) (*db.StoredAnalysis, error)
	GetCategoryDistribution(ctx context.Context, accountID int64) ([]db.CategoryCount, error)
}

// ReportStore is the reporting surface the report handlers need.
type ReportStore interface {
	CreateReportTemplate(ctx context.Context, t *db.ReportTemplate) (*db.ReportTemplate, error)
	GetReportTemplate(ctx context.Context, templateID, accountID int64) (*db.ReportTemplate, error)
	ListReportTemplates(ctx context.Context, accountID int64) ([]*db.ReportTemplate, error)
	UpdateReportTemplate(ctx context.Context, t *db.ReportTemplate) (*db.ReportTemplate, error)
	DeleteReportTemplate(ctx context.Context, templateID, accountID int64) error
	CollectReportData(ctx context.Context, accountID int64, folder string, start, end time.Time) (*db.ReportData, error)
	InsertReport(ctx context.Context, r *db.Report) (*db.Report, error)
	GetReport(ctx context.Context, reportID, accountID int64) (*db.Report, error)
	ListReports(ctx context.Context, accountID int64, limit int) ([]*db.Report, error)
	CreateReportSchedule(ctx context.Context, s *db.ReportSchedule) (*db.ReportSchedule, error)
	GetReportSchedule(ctx context.Context, scheduleID, accountID int64) (*db.ReportSchedule, error)
	ListReportSchedules(ctx context.Context, accountID int64) ([]*db.ReportSchedule, error)
	TouchReportSchedule(ctx context.Context, scheduleID, accountID int64) error
	DeleteReportSchedule(ctx context.Context, scheduleID, accountID int64) error
	ListScheduleReports(ctx context.Context, scheduleID, accountID int64, limit int) ([]*db.Report, error)
}

// HealthStore reports backend health for the monitoring endpoints.
type HealthStore interface {
	CheckHealth(ctx context.Context) db.HealthStatus
	CountAccounts(ctx context.Context) (int64, error)
}

// Store is everything the API handlers require from persistence.
type Store interface {
	AccountStore
	RuleStore
	MessageStore
	AnalysisStore
	ReportStore
	HealthStore
}

// BlobStore holds raw message bodies keyed by content hash.
type BlobStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// DBStore adapts *db.Database to the Store interface by wrapping the
// transactional write methods. Read methods come straight from the
// embedded database.
type DBStore struct {
	*db.Database
}

// NewDBStore wraps a database for use by the API server.
func NewDBStore(database *db.Database) *DBStore {
	return &DBStore{Database: database}
}

func (s *DBStore) CreateRule(ctx context.Context, rule *rules.Rule) (*rules.Rule, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	created, err := s.Database.CreateRule(ctx, tx, rule)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return created, nil
}

func (s *DBStore) UpdateRule(ctx context.Context, rule *rules.Rule) (*rules.Rule, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	updated, err := s.Database.UpdateRule(ctx, tx, rule)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *DBStore) DeleteRule(ctx context.Context, ruleID, accountID int64) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := s.Database.DeleteRule(ctx, tx, ruleID, accountID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *DBStore) InsertMessage(ctx context.Context, msg *db.Message) (*db.Message, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	inserted, err := s.Database.InsertMessage(ctx, tx, msg)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return inserted, nil
}
