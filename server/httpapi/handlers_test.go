package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternmail/tern/analyzer"
	"github.com/ternmail/tern/config"
	"github.com/ternmail/tern/db"
	"github.com/ternmail/tern/pkg/metrics"
	"github.com/ternmail/tern/rules"
	"github.com/ternmail/tern/server/dispatcher"
	"github.com/ternmail/tern/storage"
)

const testJWTSecret = "test-secret-0123456789abcdefghijklmn"

// fakeStore is an in-memory Store that also backs the dispatcher, so
// handler tests cover the full request path without Postgres.
type fakeStore struct {
	mu        sync.Mutex
	nextID    int64
	accounts  map[int64]*db.Account
	passwords map[string]string

	rules      map[int64]*rules.Rule
	executions []*db.RuleExecution
	execCounts map[int64]int64
	matchCount map[int64]int64

	messages     map[int64]*db.Message
	messageOrder []int64

	analyses map[int64]*db.StoredAnalysis

	templates map[int64]*db.ReportTemplate
	reports   map[int64]*db.Report
	schedules map[int64]*db.ReportSchedule
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts:   make(map[int64]*db.Account),
		passwords:  make(map[string]string),
		rules:      make(map[int64]*rules.Rule),
		execCounts: make(map[int64]int64),
		matchCount: make(map[int64]int64),
		messages:   make(map[int64]*db.Message),
		analyses:   make(map[int64]*db.StoredAnalysis),
		templates:  make(map[int64]*db.ReportTemplate),
		reports:    make(map[int64]*db.Report),
		schedules:  make(map[int64]*db.ReportSchedule),
	}
}

func (f *fakeStore) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeStore) CreateAccount(ctx context.Context, email, password string) (*db.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	email = strings.ToLower(email)
	if _, ok := f.passwords[email]; ok {
		return nil, db.ErrDuplicateAccount
	}
	account := &db.Account{ID: f.id(), Email: email, CreatedAt: time.Now()}
	f.accounts[account.ID] = account
	f.passwords[email] = password
	return account, nil
}

func (f *fakeStore) Authenticate(ctx context.Context, email, password string) (*db.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	email = strings.ToLower(email)
	stored, ok := f.passwords[email]
	if !ok || stored != password {
		return nil, db.ErrInvalidCredentials
	}
	for _, account := range f.accounts {
		if account.Email == email {
			return account, nil
		}
	}
	return nil, db.ErrInvalidCredentials
}

func (f *fakeStore) GetAccountByID(ctx context.Context, accountID int64) (*db.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[accountID]
	if !ok {
		return nil, db.ErrAccountNotFound
	}
	return account, nil
}

func (f *fakeStore) CreateRule(ctx context.Context, rule *rules.Rule) (*rules.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := *rule
	stored.ID = f.id()
	if stored.Logic == "" {
		stored.Logic = rules.LogicAnd
	}
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	f.rules[stored.ID] = &stored
	result := stored
	return &result, nil
}

func (f *fakeStore) GetRule(ctx context.Context, ruleID, accountID int64) (*rules.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rule, ok := f.rules[ruleID]
	if !ok || rule.AccountID != accountID {
		return nil, db.ErrRuleNotFound
	}
	result := *rule
	return &result, nil
}

func (f *fakeStore) ListRules(ctx context.Context, accountID int64) ([]*rules.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []*rules.Rule
	for _, rule := range f.rules {
		if rule.AccountID == accountID {
			result := *rule
			list = append(list, &result)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority < list[j].Priority
		}
		return list[i].ID < list[j].ID
	})
	return list, nil
}

func (f *fakeStore) ListActiveRules(ctx context.Context, accountID int64) ([]*rules.Rule, error) {
	all, err := f.ListRules(ctx, accountID)
	if err != nil {
		return nil, err
	}
	var active []*rules.Rule
	for _, rule := range all {
		if rule.Active {
			active = append(active, rule)
		}
	}
	return active, nil
}

func (f *fakeStore) UpdateRule(ctx context.Context, rule *rules.Rule) (*rules.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.rules[rule.ID]
	if !ok || existing.AccountID != rule.AccountID {
		return nil, db.ErrRuleNotFound
	}
	stored := *rule
	stored.UpdatedAt = time.Now()
	f.rules[stored.ID] = &stored
	result := stored
	return &result, nil
}

func (f *fakeStore) DeleteRule(ctx context.Context, ruleID, accountID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rule, ok := f.rules[ruleID]
	if !ok || rule.AccountID != accountID {
		return db.ErrRuleNotFound
	}
	delete(f.rules, ruleID)
	return nil
}

func (f *fakeStore) CountRules(ctx context.Context, accountID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, rule := range f.rules {
		if rule.AccountID == accountID {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) CountActiveRules(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, rule := range f.rules {
		if rule.Active {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) IncrementRuleCounters(ctx context.Context, ruleID int64, executions, matches int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execCounts[ruleID] += executions
	f.matchCount[ruleID] += matches
	return nil
}

func (f *fakeStore) InsertRuleExecution(ctx context.Context, exec *db.RuleExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := *exec
	stored.ID = f.id()
	stored.ExecutedAt = time.Now()
	f.executions = append(f.executions, &stored)
	return nil
}

func (f *fakeStore) GetRuleExecutions(ctx context.Context, ruleID, accountID int64, limit int) ([]*db.RuleExecution, error) {
	if _, err := f.GetRule(ctx, ruleID, accountID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit < 1 {
		limit = 100
	}
	var logs []*db.RuleExecution
	for i := len(f.executions) - 1; i >= 0 && len(logs) < limit; i-- {
		if f.executions[i].RuleID == ruleID {
			logs = append(logs, f.executions[i])
		}
	}
	return logs, nil
}

func (f *fakeStore) GetRulePerformance(ctx context.Context, ruleID, accountID int64) (*db.RulePerformance, error) {
	if _, err := f.GetRule(ctx, ruleID, accountID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	perf := &db.RulePerformance{
		RuleID:         ruleID,
		ExecutionCount: f.execCounts[ruleID],
		MatchCount:     f.matchCount[ruleID],
	}
	for _, exec := range f.executions {
		if exec.RuleID != ruleID {
			continue
		}
		switch exec.Status {
		case db.ExecutionStatusSuccess:
			perf.SuccessCount++
		case db.ExecutionStatusFailed:
			perf.FailureCount++
		}
	}
	if perf.ExecutionCount > 0 {
		perf.MatchRate = float64(perf.MatchCount) / float64(perf.ExecutionCount)
	}
	if logged := perf.SuccessCount + perf.FailureCount; logged > 0 {
		perf.SuccessRate = float64(perf.SuccessCount) / float64(logged)
	}
	return perf, nil
}

func (f *fakeStore) GetRuleAnalytics(ctx context.Context, accountID int64) (*db.RuleAnalytics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	analytics := &db.RuleAnalytics{TopRules: []db.RuleSummary{}}
	for _, rule := range f.rules {
		if rule.AccountID != accountID {
			continue
		}
		analytics.TotalRules++
		if rule.Active {
			analytics.ActiveRules++
		}
		analytics.TotalExecutions += f.execCounts[rule.ID]
		analytics.TotalMatches += f.matchCount[rule.ID]
		analytics.TopRules = append(analytics.TopRules, db.RuleSummary{
			ID: rule.ID, Name: rule.Name, MatchCount: f.matchCount[rule.ID],
		})
	}
	sort.Slice(analytics.TopRules, func(i, j int) bool {
		return analytics.TopRules[i].MatchCount > analytics.TopRules[j].MatchCount
	})
	if len(analytics.TopRules) > 5 {
		analytics.TopRules = analytics.TopRules[:5]
	}
	return analytics, nil
}

func (f *fakeStore) InsertMessage(ctx context.Context, msg *db.Message) (*db.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.messages {
		if existing.AccountID == msg.AccountID && existing.MessageID == msg.MessageID {
			return nil, db.ErrDuplicateMessage
		}
	}
	stored := *msg
	stored.ID = f.id()
	if stored.Folder == "" {
		stored.Folder = "INBOX"
	}
	if stored.Labels == nil {
		stored.Labels = []string{}
	}
	stored.CreatedAt = time.Now()
	f.messages[stored.ID] = &stored
	f.messageOrder = append(f.messageOrder, stored.ID)
	result := stored
	return &result, nil
}

func (f *fakeStore) getLiveMessage(messageID, accountID int64) (*db.Message, bool) {
	msg, ok := f.messages[messageID]
	if !ok || msg.AccountID != accountID || msg.DeletedAt != nil {
		return nil, false
	}
	return msg, true
}

func (f *fakeStore) GetMessage(ctx context.Context, messageID, accountID int64) (*db.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.getLiveMessage(messageID, accountID)
	if !ok {
		return nil, db.ErrMessageNotFound
	}
	result := *msg
	return &result, nil
}

func (f *fakeStore) GetMessagesByIDs(ctx context.Context, accountID int64, messageIDs []int64) ([]*db.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []*db.Message
	for _, id := range messageIDs {
		if msg, ok := f.getLiveMessage(id, accountID); ok {
			result := *msg
			list = append(list, &result)
		}
	}
	return list, nil
}

func (f *fakeStore) ListMessages(ctx context.Context, accountID int64, opts db.ListMessagesOptions) ([]*db.Message, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var filtered []*db.Message
	for _, id := range f.messageOrder {
		msg, ok := f.getLiveMessage(id, accountID)
		if !ok {
			continue
		}
		if opts.Folder != "" && msg.Folder != opts.Folder {
			continue
		}
		if opts.Unread && msg.Seen {
			continue
		}
		if opts.Label != "" {
			found := false
			for _, label := range msg.Labels {
				if label == opts.Label {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		if opts.Search != "" {
			needle := strings.ToLower(opts.Search)
			if !strings.Contains(strings.ToLower(msg.Subject), needle) &&
				!strings.Contains(strings.ToLower(msg.Snippet), needle) {
				continue
			}
		}
		if opts.Sender != "" && !strings.Contains(strings.ToLower(msg.Sender), strings.ToLower(opts.Sender)) {
			continue
		}
		if !opts.Since.IsZero() && msg.SentDate.Before(opts.Since) {
			continue
		}
		if !opts.Before.IsZero() && !msg.SentDate.Before(opts.Before) {
			continue
		}
		result := *msg
		filtered = append(filtered, &result)
	}

	total := int64(len(filtered))
	limit := opts.Limit
	if limit < 1 {
		limit = 50
	}
	if opts.Offset >= len(filtered) {
		return nil, total, nil
	}
	filtered = filtered[opts.Offset:]
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, total, nil
}

func (f *fakeStore) MoveMessage(ctx context.Context, messageID, accountID int64, folder string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.getLiveMessage(messageID, accountID)
	if !ok {
		return db.ErrMessageNotFound
	}
	msg.Folder = folder
	return nil
}

func (f *fakeStore) AddMessageLabel(ctx context.Context, messageID, accountID int64, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.getLiveMessage(messageID, accountID)
	if !ok {
		return db.ErrMessageNotFound
	}
	for _, existing := range msg.Labels {
		if existing == label {
			return nil
		}
	}
	msg.Labels = append(msg.Labels, label)
	return nil
}

func (f *fakeStore) RemoveMessageLabel(ctx context.Context, messageID, accountID int64, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.getLiveMessage(messageID, accountID)
	if !ok {
		return db.ErrMessageNotFound
	}
	kept := msg.Labels[:0]
	for _, existing := range msg.Labels {
		if existing != label {
			kept = append(kept, existing)
		}
	}
	msg.Labels = kept
	return nil
}

func (f *fakeStore) SetMessageSeen(ctx context.Context, messageID, accountID int64, seen bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.getLiveMessage(messageID, accountID)
	if !ok {
		return db.ErrMessageNotFound
	}
	msg.Seen = seen
	return nil
}

func (f *fakeStore) SoftDeleteMessage(ctx context.Context, messageID, accountID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.getLiveMessage(messageID, accountID)
	if !ok {
		return db.ErrMessageNotFound
	}
	now := time.Now()
	msg.DeletedAt = &now
	return nil
}

func (f *fakeStore) CountMessages(ctx context.Context, accountID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, msg := range f.messages {
		if msg.AccountID == accountID && msg.DeletedAt == nil {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) StoreAnalysis(ctx context.Context, messageID int64, result analyzer.Result) (*db.StoredAnalysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := &db.StoredAnalysis{
		MessageID:      messageID,
		Sentiment:      result.Sentiment.Sentiment,
		SentimentScore: result.Sentiment.Score,
		Priority:       result.Priority.Priority,
		PriorityScore:  result.Priority.Score,
		Category:       result.Category,
		Keywords:       result.Keywords,
		AnalyzedAt:     time.Now(),
	}
	f.analyses[messageID] = stored
	return stored, nil
}

func (f *fakeStore) GetAnalysis(ctx context.Context, messageID, accountID int64) (*db.StoredAnalysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.getLiveMessage(messageID, accountID); !ok {
		return nil, db.ErrAnalysisNotFound
	}
	analysis, ok := f.analyses[messageID]
	if !ok {
		return nil, db.ErrAnalysisNotFound
	}
	return analysis, nil
}

func (f *fakeStore) GetCategoryDistribution(ctx context.Context, accountID int64) ([]db.CategoryCount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int64)
	for id, analysis := range f.analyses {
		if _, ok := f.getLiveMessage(id, accountID); ok {
			counts[analysis.Category]++
		}
	}
	var distribution []db.CategoryCount
	for category, count := range counts {
		distribution = append(distribution, db.CategoryCount{Category: category, Count: count})
	}
	sort.Slice(distribution, func(i, j int) bool {
		return distribution[i].Category < distribution[j].Category
	})
	return distribution, nil
}

func (f *fakeStore) CreateReportTemplate(ctx context.Context, t *db.ReportTemplate) (*db.ReportTemplate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.templates {
		if existing.AccountID == t.AccountID && existing.Name == t.Name {
			return nil, db.ErrDuplicateTemplate
		}
	}
	stored := *t
	stored.ID = f.id()
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	f.templates[stored.ID] = &stored
	return &stored, nil
}

func (f *fakeStore) GetReportTemplate(ctx context.Context, templateID, accountID int64) (*db.ReportTemplate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	template, ok := f.templates[templateID]
	if !ok || template.AccountID != accountID {
		return nil, db.ErrTemplateNotFound
	}
	return template, nil
}

func (f *fakeStore) ListReportTemplates(ctx context.Context, accountID int64) ([]*db.ReportTemplate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*db.ReportTemplate
	for _, template := range f.templates {
		if template.AccountID == accountID {
			result = append(result, template)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (f *fakeStore) UpdateReportTemplate(ctx context.Context, t *db.ReportTemplate) (*db.ReportTemplate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.templates[t.ID]
	if !ok || existing.AccountID != t.AccountID {
		return nil, db.ErrTemplateNotFound
	}
	existing.Name = t.Name
	existing.Description = t.Description
	existing.Folder = t.Folder
	existing.UpdatedAt = time.Now()
	return existing, nil
}

func (f *fakeStore) DeleteReportTemplate(ctx context.Context, templateID, accountID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	template, ok := f.templates[templateID]
	if !ok || template.AccountID != accountID {
		return db.ErrTemplateNotFound
	}
	delete(f.templates, templateID)
	for id, schedule := range f.schedules {
		if schedule.TemplateID == templateID {
			delete(f.schedules, id)
		}
	}
	return nil
}

func (f *fakeStore) CollectReportData(ctx context.Context, accountID int64, folder string, start, end time.Time) (*db.ReportData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data := db.ReportData{ByFolder: []db.FolderCount{}, ByCategory: []db.CategoryCount{}, TopSenders: []db.SenderCount{}}
	folders := make(map[string]int64)
	categories := make(map[string]int64)
	senders := make(map[string]int64)
	for id, msg := range f.messages {
		if msg.AccountID != accountID || msg.DeletedAt != nil {
			continue
		}
		if msg.SentDate.Before(start) || !msg.SentDate.Before(end) {
			continue
		}
		if folder != "" && msg.Folder != folder {
			continue
		}
		data.TotalMessages++
		if !msg.Seen {
			data.UnreadMessages++
		}
		data.TotalSize += int64(msg.Size)
		folders[msg.Folder]++
		senders[msg.Sender]++
		if analysis, ok := f.analyses[id]; ok {
			categories[analysis.Category]++
		}
	}
	for name, count := range folders {
		data.ByFolder = append(data.ByFolder, db.FolderCount{Folder: name, Count: count})
	}
	for name, count := range categories {
		data.ByCategory = append(data.ByCategory, db.CategoryCount{Category: name, Count: count})
	}
	for name, count := range senders {
		data.TopSenders = append(data.TopSenders, db.SenderCount{Sender: name, Count: count})
	}
	sort.Slice(data.TopSenders, func(i, j int) bool {
		if data.TopSenders[i].Count != data.TopSenders[j].Count {
			return data.TopSenders[i].Count > data.TopSenders[j].Count
		}
		return data.TopSenders[i].Sender < data.TopSenders[j].Sender
	})
	if len(data.TopSenders) > 5 {
		data.TopSenders = data.TopSenders[:5]
	}
	return &data, nil
}

func (f *fakeStore) InsertReport(ctx context.Context, r *db.Report) (*db.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := *r
	stored.ID = f.id()
	stored.GeneratedAt = time.Now()
	f.reports[stored.ID] = &stored
	return &stored, nil
}

func (f *fakeStore) GetReport(ctx context.Context, reportID, accountID int64) (*db.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	report, ok := f.reports[reportID]
	if !ok || report.AccountID != accountID {
		return nil, db.ErrReportNotFound
	}
	return report, nil
}

func (f *fakeStore) ListReports(ctx context.Context, accountID int64, limit int) ([]*db.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*db.Report
	for _, report := range f.reports {
		if report.AccountID == accountID {
			result = append(result, report)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (f *fakeStore) CreateReportSchedule(ctx context.Context, s *db.ReportSchedule) (*db.ReportSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	template, ok := f.templates[s.TemplateID]
	if !ok || template.AccountID != s.AccountID {
		return nil, db.ErrTemplateNotFound
	}
	stored := *s
	stored.ID = f.id()
	stored.CreatedAt = time.Now()
	f.schedules[stored.ID] = &stored
	return &stored, nil
}

func (f *fakeStore) GetReportSchedule(ctx context.Context, scheduleID, accountID int64) (*db.ReportSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	schedule, ok := f.schedules[scheduleID]
	if !ok || schedule.AccountID != accountID {
		return nil, db.ErrScheduleNotFound
	}
	return schedule, nil
}

func (f *fakeStore) ListReportSchedules(ctx context.Context, accountID int64) ([]*db.ReportSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*db.ReportSchedule
	for _, schedule := range f.schedules {
		if schedule.AccountID == accountID {
			result = append(result, schedule)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	return result, nil
}

func (f *fakeStore) TouchReportSchedule(ctx context.Context, scheduleID, accountID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	schedule, ok := f.schedules[scheduleID]
	if !ok || schedule.AccountID != accountID {
		return db.ErrScheduleNotFound
	}
	now := time.Now()
	schedule.LastRunAt = &now
	return nil
}

func (f *fakeStore) DeleteReportSchedule(ctx context.Context, scheduleID, accountID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	schedule, ok := f.schedules[scheduleID]
	if !ok || schedule.AccountID != accountID {
		return db.ErrScheduleNotFound
	}
	delete(f.schedules, scheduleID)
	return nil
}

func (f *fakeStore) ListScheduleReports(ctx context.Context, scheduleID, accountID int64, limit int) ([]*db.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	schedule, ok := f.schedules[scheduleID]
	if !ok || schedule.AccountID != accountID {
		return nil, db.ErrScheduleNotFound
	}
	var result []*db.Report
	for _, report := range f.reports {
		if report.AccountID == accountID && report.ScheduleID != nil && *report.ScheduleID == scheduleID {
			result = append(result, report)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (f *fakeStore) CheckHealth(ctx context.Context) db.HealthStatus {
	return db.HealthStatus{
		Healthy: true,
		Write:   db.PoolHealth{Healthy: true},
		Read:    db.PoolHealth{Healthy: true},
	}
}

func (f *fakeStore) CountAccounts(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.accounts)), nil
}

type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: make(map[string][]byte)}
}

func (b *fakeBlobs) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	return nil
}

func (b *fakeBlobs) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *fakeBlobs) Exists(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok, nil
}

func (b *fakeBlobs) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

func newTestServer(t *testing.T, opts ...func(*ServerOptions)) (*Server, *fakeStore, *fakeBlobs) {
	t.Helper()
	store := newFakeStore()
	blobs := newFakeBlobs()
	options := ServerOptions{
		JWTSecret:          testJWTSecret,
		AllowRegistration:  true,
		MaxRulesPerAccount: 100,
		MaxBatchMessages:   50,
	}
	for _, opt := range opts {
		opt(&options)
	}
	srv, err := New(store, blobs, analyzer.New(config.AnalyzerConfig{}), dispatcher.New(store, store), options)
	require.NoError(t, err)
	return srv, store, blobs
}

type testEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) testEnvelope {
	t.Helper()
	var env testEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func dataInto(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	env := decodeEnvelope(t, rec)
	require.True(t, env.Success, "expected success envelope, got error: %s", env.Error)
	require.NoError(t, json.Unmarshal(env.Data, dst))
}

func registerAccount(t *testing.T, srv *Server, email string) string {
	t.Helper()
	rec := doJSON(t, srv, "POST", "/api/v1/auth/register", "", map[string]string{
		"email":    email,
		"password": "password123",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var auth struct {
		Token string `json:"token"`
	}
	dataInto(t, rec, &auth)
	require.NotEmpty(t, auth.Token)
	return auth.Token
}

func TestRegisterAndLogin(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, "POST", "/api/v1/auth/register", "", map[string]string{
		"email":    "user@example.com",
		"password": "password123",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var auth struct {
		Token   string `json:"token"`
		Account struct {
			ID    int64  `json:"id"`
			Email string `json:"email"`
		} `json:"account"`
	}
	dataInto(t, rec, &auth)
	assert.NotEmpty(t, auth.Token)
	assert.Equal(t, "user@example.com", auth.Account.Email)

	// Same address again conflicts.
	rec = doJSON(t, srv, "POST", "/api/v1/auth/register", "", map[string]string{
		"email":    "user@example.com",
		"password": "password123",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, decodeEnvelope(t, rec).Success)

	rec = doJSON(t, srv, "POST", "/api/v1/auth/login", "", map[string]string{
		"email":    "user@example.com",
		"password": "password123",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	dataInto(t, rec, &auth)
	assert.NotEmpty(t, auth.Token)

	rec = doJSON(t, srv, "POST", "/api/v1/auth/login", "", map[string]string{
		"email":    "user@example.com",
		"password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, decodeEnvelope(t, rec).Success)
}

func TestRegisterDisabled(t *testing.T) {
	srv, _, _ := newTestServer(t, func(o *ServerOptions) {
		o.AllowRegistration = false
	})

	rec := doJSON(t, srv, "POST", "/api/v1/auth/register", "", map[string]string{
		"email":    "user@example.com",
		"password": "password123",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRegisterValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, "POST", "/api/v1/auth/register", "", map[string]string{
		"email":    "not-an-address",
		"password": "password123",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, "POST", "/api/v1/auth/register", "", map[string]string{
		"email":    "user@example.com",
		"password": "short",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, "GET", "/api/v1/rules", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, srv, "GET", "/api/v1/rules", "garbage-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest("GET", "/api/v1/rules", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	recorder := httptest.NewRecorder()
	srv.Handler().ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestRefreshToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	token := registerAccount(t, srv, "user@example.com")

	rec := doJSON(t, srv, "POST", "/api/v1/auth/refresh", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var auth struct {
		Token string `json:"token"`
	}
	dataInto(t, rec, &auth)
	require.NotEmpty(t, auth.Token)

	// The refreshed token authenticates subsequent requests.
	rec = doJSON(t, srv, "GET", "/api/v1/rules", auth.Token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProfileAndLogout(t *testing.T) {
	srv, _, _ := newTestServer(t)
	token := registerAccount(t, srv, "user@example.com")

	rec := doJSON(t, srv, "GET", "/api/v1/auth/profile", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var profile struct {
		ID        int64     `json:"id"`
		Email     string    `json:"email"`
		CreatedAt time.Time `json:"createdAt"`
	}
	dataInto(t, rec, &profile)
	assert.Equal(t, "user@example.com", profile.Email)
	assert.NotZero(t, profile.ID)
	assert.False(t, profile.CreatedAt.IsZero())

	rec = doJSON(t, srv, "POST", "/api/v1/auth/logout", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		LoggedOut bool `json:"loggedOut"`
	}
	dataInto(t, rec, &out)
	assert.True(t, out.LoggedOut)

	rec = doJSON(t, srv, "GET", "/api/v1/auth/profile", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func spamRuleBody() map[string]interface{} {
	return map[string]interface{}{
		"name": "spam filter",
		"conditions": []map[string]interface{}{
			{"field": "subject", "operator": "contains", "value": "spam"},
		},
		"actions": []map[string]interface{}{
			{"type": "move_to_folder", "target": "Junk"},
			{"type": "mark_read"},
		},
		"priority": 1,
	}
}

func createSpamRule(t *testing.T, srv *Server, token string) rules.Rule {
	t.Helper()
	rec := doJSON(t, srv, "POST", "/api/v1/rules", token, spamRuleBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var rule rules.Rule
	dataInto(t, rec, &rule)
	return rule
}

func TestCreateRule(t *testing.T) {
	srv, _, _ := newTestServer(t)
	token := registerAccount(t, srv, "user@example.com")

	rule := createSpamRule(t, srv, token)
	assert.NotZero(t, rule.ID)
	assert.Equal(t, "spam filter", rule.Name)
	assert.True(t, rule.Active, "rules default to active")
	assert.Equal(t, rules.LogicAnd, rule.Logic)

	// No conditions is a validation error.
	rec := doJSON(t, srv, "POST", "/api/v1/rules", token, map[string]interface{}{
		"name":    "broken",
		"actions": []map[string]interface{}{{"type": "mark_read"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown operator too.
	rec = doJSON(t, srv, "POST", "/api/v1/rules", token, map[string]interface{}{
		"name": "broken",
		"conditions": []map[string]interface{}{
			{"field": "subject", "operator": "regex", "value": "x"},
		},
		"actions": []map[string]interface{}{{"type": "mark_read"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown JSON fields are rejected rather than ignored.
	rec = doJSON(t, srv, "POST", "/api/v1/rules", token, map[string]interface{}{
		"name":     "broken",
		"nonsense": true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRuleAccountLimit(t *testing.T) {
	srv, _, _ := newTestServer(t, func(o *ServerOptions) {
		o.MaxRulesPerAccount = 1
	})
	token := registerAccount(t, srv, "user@example.com")

	createSpamRule(t, srv, token)
	rec := doJSON(t, srv, "POST", "/api/v1/rules", token, spamRuleBody())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeEnvelope(t, rec).Error, "limit")
}

func TestGetUpdateDeleteRule(t *testing.T) {
	srv, _, _ := newTestServer(t)
	token := registerAccount(t, srv, "user@example.com")
	rule := createSpamRule(t, srv, token)

	rec := doJSON(t, srv, "GET", fmt.Sprintf("/api/v1/rules/%d", rule.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var fetched rules.Rule
	dataInto(t, rec, &fetched)
	assert.Equal(t, rule.ID, fetched.ID)

	rec = doJSON(t, srv, "GET", "/api/v1/rules/999", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Partial update: only the name and active flag change.
	rec = doJSON(t, srv, "PUT", fmt.Sprintf("/api/v1/rules/%d", rule.ID), token, map[string]interface{}{
		"name":   "renamed",
		"active": false,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated rules.Rule
	dataInto(t, rec, &updated)
	assert.Equal(t, "renamed", updated.Name)
	assert.False(t, updated.Active)
	assert.Len(t, updated.Conditions, 1, "conditions survive a partial update")

	// Emptying the actions is rejected.
	rec = doJSON(t, srv, "PUT", fmt.Sprintf("/api/v1/rules/%d", rule.ID), token, map[string]interface{}{
		"actions": []map[string]interface{}{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, "DELETE", fmt.Sprintf("/api/v1/rules/%d", rule.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, "GET", fmt.Sprintf("/api/v1/rules/%d", rule.ID), token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv, "DELETE", fmt.Sprintf("/api/v1/rules/%d", rule.ID), token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRulesOrdering(t *testing.T) {
	srv, _, _ := newTestServer(t)
	token := registerAccount(t, srv, "user@example.com")

	rec := doJSON(t, srv, "GET", "/api/v1/rules", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []rules.Rule
	dataInto(t, rec, &list)
	assert.Empty(t, list)
	assert.Contains(t, rec.Body.String(), `"data":[]`, "empty list encodes as JSON array")

	second := spamRuleBody()
	second["name"] = "later"
	second["priority"] = 10
	rec = doJSON(t, srv, "POST", "/api/v1/rules", token, second)
	require.Equal(t, http.StatusCreated, rec.Code)
	createSpamRule(t, srv, token)

	rec = doJSON(t, srv, "GET", "/api/v1/rules", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dataInto(t, rec, &list)
	require.Len(t, list, 2)
	assert.Equal(t, "spam filter", list[0].Name, "lower priority value sorts first")
	assert.Equal(t, "later", list[1].Name)
}

func TestRulesAreAccountScoped(t *testing.T) {
	srv, _, _ := newTestServer(t)
	tokenA := registerAccount(t, srv, "a@example.com")
	tokenB := registerAccount(t, srv, "b@example.com")
	rule := createSpamRule(t, srv, tokenA)

	rec := doJSON(t, srv, "GET", fmt.Sprintf("/api/v1/rules/%d", rule.ID), tokenB, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv, "DELETE", fmt.Sprintf("/api/v1/rules/%d", rule.ID), tokenB, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv, "GET", "/api/v1/rules", tokenB, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []rules.Rule
	dataInto(t, rec, &list)
	assert.Empty(t, list)
}

func TestTestRuleEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	token := registerAccount(t, srv, "user@example.com")
	rule := createSpamRule(t, srv, token)

	rec := doJSON(t, srv, "POST", "/api/v1/rules/test", token, map[string]interface{}{
		"ruleId": rule.ID,
		"email":  map[string]string{"subject": "buy spam now"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var result rules.MatchResult
	dataInto(t, rec, &result)
	assert.True(t, result.Matched)
	assert.Len(t, result.Actions, 2)

	rec = doJSON(t, srv, "POST", "/api/v1/rules/test", token, map[string]interface{}{
		"ruleId": rule.ID,
		"email":  map[string]string{"subject": "weekly report"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	dataInto(t, rec, &result)
	assert.False(t, result.Matched)
	assert.Empty(t, result.Actions)

	rec = doJSON(t, srv, "POST", "/api/v1/rules/test", token, map[string]interface{}{
		"ruleId": int64(999),
		"email":  map[string]string{"subject": "spam"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func importJSONMessage(t *testing.T, srv *Server, token, messageID, subject, content string) db.Message {
	t.Helper()
	rec := doJSON(t, srv, "POST", "/api/v1/messages", token, map[string]interface{}{
		"messageId": messageID,
		"subject":   subject,
		"from":      "sender@example.com",
		"to":        "user@example.com",
		"content":   content,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var imported struct {
		Message db.Message `json:"message"`
	}
	dataInto(t, rec, &imported)
	return imported.Message
}

func TestImportMessageJSON(t *testing.T) {
	srv, _, blobs := newTestServer(t)
	token := registerAccount(t, srv, "user@example.com")

	rec := doJSON(t, srv, "POST", "/api/v1/messages", token, map[string]interface{}{
		"messageId": "<m1@example.com>",
		"subject":   "urgent meeting request",
		"from":      "ceo@example.com",
		"to":        "user@example.com",
		"content":   "Please schedule the project meeting today.",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var imported struct {
		Message  db.Message        `json:"message"`
		Analysis db.StoredAnalysis `json:"analysis"`
	}
	dataInto(t, rec, &imported)
	assert.NotZero(t, imported.Message.ID)
	assert.Equal(t, "urgent meeting request", imported.Message.Subject)
	assert.Equal(t, "INBOX", imported.Message.Folder)
	assert.Equal(t, "high", imported.Analysis.Priority, "urgent subject from the ceo")
	assert.Equal(t, "work", imported.Analysis.Category)

	blobs.mu.Lock()
	assert.Len(t, blobs.objects, 1, "body stored in the blob store")
	blobs.mu.Unlock()

	// Same messageId again conflicts.
	rec = doJSON(t, srv, "POST", "/api/v1/messages", token, map[string]interface{}{
		"messageId": "<m1@example.com>",
		"subject":   "urgent meeting request",
		"from":      "ceo@example.com",
		"to":        "user@example.com",
		"content":   "Please schedule the project meeting today.",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

const rawTestMessage = "From: Alice <alice@example.com>\r\n" +
	"To: user@example.com\r\n" +
	"Subject: lunch plans\r\n" +
	"Message-ID: <raw1@example.com>\r\n" +
	"Date: Mon, 02 Jun 2025 10:00:00 +0000\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Shall we grab lunch at noon?\r\n"

func TestImportMessageRaw(t *testing.T) {
	srv, _, _ := newTestServer(t)
	token := registerAccount(t, srv, "user@example.com")

	req := httptest.NewRequest("POST", "/api/v1/messages", strings.NewReader(rawTestMessage))
	req.Header.Set("Content-Type", "message/rfc822")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var imported struct {
		Message db.Message `json:"message"`
	}
	dataInto(t, rec, &imported)
	assert.Equal(t, "lunch plans", imported.Message.Subject)
	assert.Equal(t, "<raw1@example.com>", imported.Message.MessageID)
	assert.Contains(t, imported.Message.Snippet, "grab lunch")

	// The raw endpoint returns the stored bytes verbatim.
	rawRec := doJSON(t, srv, "GET", fmt.Sprintf("/api/v1/messages/%d/raw", imported.Message.ID), token, nil)
	require.Equal(t, http.StatusOK, rawRec.Code)
	assert.Equal(t, "message/rfc822", rawRec.Header().Get("Content-Type"))
	assert.Equal(t, rawTestMessage, rawRec.Body.String())

	// An empty raw body is rejected.
	req = httptest.NewRequest("POST", "/api/v1/messages", strings.NewReader(""))
	req.Header.Set("Content-Type", "message/rfc822")
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListMessages(t *testing.T) {
	srv, _, _ := newTestServer(t)
	token := registerAccount(t, srv, "user@example.com")

	first := importJSONMessage(t, srv, token, "<l1@example.com>", "first", "hello world")
	importJSONMessage(t, srv, token, "<l2@example.com>", "second", "more text")

	rec := doJSON(t, srv, "GET", "/api/v1/messages", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Messages []db.Message `json:"messages"`
		Total    int64        `json:"total"`
	}
	dataInto(t, rec, &listing)
	assert.Equal(t, int64(2), listing.Total)
	assert.Len(t, listing.Messages, 2)

	// Mark one read and filter on unread.
	rec = doJSON(t, srv, "POST", fmt.Sprintf("/api/v1/messages/%d/read", first.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, "GET", "/api/v1/messages?unread=true", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dataInto(t, rec, &listing)
	assert.Equal(t, int64(1), listing.Total)
	require.Len(t, listing.Messages, 1)
	assert.Equal(t, "second", listing.Messages[0].Subject)

	rec = doJSON(t, srv, "GET", "/api/v1/messages?folder=Archive", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dataInto(t, rec, &listing)
	assert.Equal(t, int64(0), listing.Total)

	rec = doJSON(t, srv, "GET", "/api/v1/messages?limit=abc", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessageOperations(t *testing.T) {
	srv, _, _ := newTestServer(t)
	token := registerAccount(t, srv, "user@example.com")
	msg := importJSONMessage(t, srv, token, "<op1@example.com>", "ops", "body text")

	rec := doJSON(t, srv, "POST", fmt.Sprintf("/api/v1/messages/%d/move", msg.ID), token,
		map[string]string{"folder": "Archive"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, "POST", fmt.Sprintf("/api/v1/messages/%d/labels", msg.ID), token,
		map[string]string{"label": "important"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, "POST", fmt.Sprintf("/api/v1/messages/%d/read", msg.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, "GET", fmt.Sprintf("/api/v1/messages/%d", msg.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var fetched db.Message
	dataInto(t, rec, &fetched)
	assert.Equal(t, "Archive", fetched.Folder)
	assert.Equal(t, []string{"important"}, fetched.Labels)
	assert.True(t, fetched.Seen)

	rec = doJSON(t, srv, "POST", fmt.Sprintf("/api/v1/messages/%d/unread", msg.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, "DELETE", fmt.Sprintf("/api/v1/messages/%d", msg.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, "GET", fmt.Sprintf("/api/v1/messages/%d", msg.ID), token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Missing folder and label payloads are rejected.
	rec = doJSON(t, srv, "POST", "/api/v1/messages/999/move", token, map[string]string{"folder": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doJSON(t, srv, "POST", "/api/v1/messages/999/move", token, map[string]string{"folder": "X"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearchAndFilterMessages(t *testing.T) {
	srv, _, _ := newTestServer(t)
	token := registerAccount(t, srv, "user@example.com")

	post := func(messageID, subject, from, content, sentDate string) {
		rec := doJSON(t, srv, "POST", "/api/v1/messages", token, map[string]interface{}{
			"messageId": messageID,
			"subject":   subject,
			"from":      from,
			"to":        "user@example.com",
			"content":   content,
			"sentDate":  sentDate,
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	post("<s1@example.com>", "Quarterly report ready", "alice@corp.example", "numbers attached", "2026-01-10T12:00:00Z")
	post("<s2@example.com>", "Lunch?", "bob@home.example", "new pizza place downtown", "2026-02-10T12:00:00Z")
	post("<s3@example.com>", "Report follow-up", "alice@corp.example", "revised numbers", "2026-03-10T12:00:00Z")

	list := func(query string) []db.Message {
		rec := doJSON(t, srv, "GET", "/api/v1/messages"+query, token, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var listing struct {
			Messages []db.Message `json:"messages"`
			Total    int64        `json:"total"`
		}
		dataInto(t, rec, &listing)
		require.Equal(t, int64(len(listing.Messages)), listing.Total)
		return listing.Messages
	}

	// Search is case-insensitive and covers subject and snippet.
	assert.Len(t, list("?search=report"), 2)
	found := list("?search=pizza")
	require.Len(t, found, 1)
	assert.Equal(t, "Lunch?", found[0].Subject)

	assert.Len(t, list("?sender=alice"), 2)
	assert.Len(t, list("?sender=home.example"), 1)

	assert.Len(t, list("?since=2026-02-01T00:00:00Z"), 2)
	assert.Len(t, list("?before=2026-02-01T00:00:00Z"), 1)
	assert.Len(t, list("?since=2026-01-20T00:00:00Z&before=2026-03-01T00:00:00Z"), 1)

	// Filters combine.
	combined := list("?sender=alice&since=2026-02-01T00:00:00Z")
	require.Len(t, combined, 1)
	assert.Equal(t, "Report follow-up", combined[0].Subject)

	rec := doJSON(t, srv, "GET", "/api/v1/messages?since=yesterday", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doJSON(t, srv, "GET", "/api/v1/messages?before=2026-13-01", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRemoveLabel(t *testing.T) {
	srv, _, _ := newTestServer(t)
	token := registerAccount(t, srv, "user@example.com")
	msg := importJSONMessage(t, srv, token, "<rl1@example.com>", "labelled", "body")

	for _, label := range []string{"work", "urgent"} {
		rec := doJSON(t, srv, "POST", fmt.Sprintf("/api/v1/messages/%d/labels", msg.ID), token,
			map[string]string{"label": label})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doJSON(t, srv, "DELETE", fmt.Sprintf("/api/v1/messages/%d/labels", msg.ID), token,
		map[string]string{"label": "work"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, "GET", fmt.Sprintf("/api/v1/messages/%d", msg.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var fetched db.Message
	dataInto(t, rec, &fetched)
	assert.Equal(t, []string{"urgent"}, fetched.Labels)

	// Removing an absent label is a noop.
	rec = doJSON(t, srv, "DELETE", fmt.Sprintf("/api/v1/messages/%d/labels", msg.ID), token,
		map[string]string{"label": "work"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, "DELETE", fmt.Sprintf("/api/v1/messages/%d/labels", msg.ID), token,
		map[string]string{"label": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doJSON(t, srv, "DELETE", "/api/v1/messages/999/labels", token,
		map[string]string{"label": "work"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBatchMessageOperations(t *testing.T) {
	srv, _, _ := newTestServer(t)
	token := registerAccount(t, srv, "user@example.com")

	first := importJSONMessage(t, srv, token, "<b1@example.com>", "one", "body one")
	second := importJSONMessage(t, srv, token, "<b2@example.com>", "two", "body two")
	third := importJSONMessage(t, srv, token, "<b3@example.com>", "three", "body three")

	var result batchResult

	rec := doJSON(t, srv, "POST", "/api/v1/messages/batch/move", token, map[string]interface{}{
		"messageIds": []int64{first.ID, second.ID},
		"folder":     "Archive",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dataInto(t, rec, &result)
	assert.Equal(t, 2, result.Updated)
	assert.Empty(t, result.Failed)

	rec = doJSON(t, srv, "POST", "/api/v1/messages/batch/read", token, map[string]interface{}{
		"messageIds": []int64{first.ID, second.ID, third.ID},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	dataInto(t, rec, &result)
	assert.Equal(t, 3, result.Updated)

	rec = doJSON(t, srv, "POST", "/api/v1/messages/batch/labels", token, map[string]interface{}{
		"messageIds": []int64{first.ID},
		"label":      "bulk",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, "GET", fmt.Sprintf("/api/v1/messages/%d", first.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var fetched db.Message
	dataInto(t, rec, &fetched)
	assert.Equal(t, "Archive", fetched.Folder)
	assert.Equal(t, []string{"bulk"}, fetched.Labels)
	assert.True(t, fetched.Seen)

	rec = doJSON(t, srv, "POST", "/api/v1/messages/batch/unread", token, map[string]interface{}{
		"messageIds": []int64{third.ID},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, srv, "GET", "/api/v1/messages?unread=true", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Unknown ids are reported, not fatal.
	rec = doJSON(t, srv, "POST", "/api/v1/messages/batch/delete", token, map[string]interface{}{
		"messageIds": []int64{second.ID, 9999},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	dataInto(t, rec, &result)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, []int64{9999}, result.Failed)

	rec = doJSON(t, srv, "GET", fmt.Sprintf("/api/v1/messages/%d", second.ID), token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv, "POST", "/api/v1/messages/batch/move", token, map[string]interface{}{
		"messageIds": []int64{first.ID},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "folder is required")
	rec = doJSON(t, srv, "POST", "/api/v1/messages/batch/labels", token, map[string]interface{}{
		"messageIds": []int64{first.ID},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "label is required")
	rec = doJSON(t, srv, "POST", "/api/v1/messages/batch/read", token, map[string]interface{}{
		"messageIds": []int64{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "empty batch is rejected")
}

func TestBatchSizeLimit(t *testing.T) {
	srv, _, _ := newTestServer(t, func(o *ServerOptions) { o.MaxBatchMessages = 2 })
	token := registerAccount(t, srv, "user@example.com")

	rec := doJSON(t, srv, "POST", "/api/v1/messages/batch/read", token, map[string]interface{}{
		"messageIds": []int64{1, 2, 3},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApplyRule(t *testing.T) {
	srv, _, _ := newTestServer(t)
	token := registerAccount(t, srv, "user@example.com")
	rule := createSpamRule(t, srv, token)

	spam := importJSONMessage(t, srv, token, "<s1@example.com>", "cheap spam offer", "buy now")
	ham := importJSONMessage(t, srv, token, "<h1@example.com>", "team standup", "notes attached")

	rec := doJSON(t, srv, "POST", "/api/v1/rules/apply", token, map[string]interface{}{
		"ruleId":     rule.ID,
		"messageIds": []int64{spam.ID, ham.ID},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report dispatcher.Report
	dataInto(t, rec, &report)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 2, report.Successful)
	assert.Equal(t, 0, report.Failed)
	require.Len(t, report.Results, 2)

	rec = doJSON(t, srv, "GET", fmt.Sprintf("/api/v1/messages/%d", spam.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var moved db.Message
	dataInto(t, rec, &moved)
	assert.Equal(t, "Junk", moved.Folder)
	assert.True(t, moved.Seen)

	rec = doJSON(t, srv, "GET", fmt.Sprintf("/api/v1/messages/%d", ham.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dataInto(t, rec, &moved)
	assert.Equal(t, "INBOX", moved.Folder, "non-matching message untouched")

	rec = doJSON(t, srv, "POST", "/api/v1/rules/apply", token, map[string]interface{}{
		"ruleId":     rule.ID,
		"messageIds": []int64{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	big := make([]int64, 51)
	rec = doJSON(t, srv, "POST", "/api/v1/rules/apply", token, map[string]interface{}{
		"ruleId":     rule.ID,
		"messageIds": big,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApplyAll(t *testing.T) {
	srv, _, _ := newTestServer(t)
	token := registerAccount(t, srv, "user@example.com")
	createSpamRule(t, srv, token)

	spam := importJSONMessage(t, srv, token, "<s2@example.com>", "spam again", "offer")
	importJSONMessage(t, srv, token, "<h2@example.com>", "minutes", "notes")

	// Without messageIds every stored message is considered.
	rec := doJSON(t, srv, "POST", "/api/v1/rules/apply-all", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report dispatcher.Report
	dataInto(t, rec, &report)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 2, report.Successful)

	rec = doJSON(t, srv, "GET", fmt.Sprintf("/api/v1/messages/%d", spam.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var moved db.Message
	dataInto(t, rec, &moved)
	assert.Equal(t, "Junk", moved.Folder)
}

func TestRuleLogsAndPerformance(t *testing.T) {
	srv, _, _ := newTestServer(t)
	token := registerAccount(t, srv, "user@example.com")
	rule := createSpamRule(t, srv, token)

	spam := importJSONMessage(t, srv, token, "<s3@example.com>", "spam spam", "offer")
	ham := importJSONMessage(t, srv, token, "<h3@example.com>", "agenda", "notes")

	rec := doJSON(t, srv, "POST", "/api/v1/rules/apply", token, map[string]interface{}{
		"ruleId":     rule.ID,
		"messageIds": []int64{spam.ID, ham.ID},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, "GET", fmt.Sprintf("/api/v1/rules/%d/logs", rule.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var logs []db.RuleExecution
	dataInto(t, rec, &logs)
	assert.Len(t, logs, 2, "both evaluations logged")

	rec = doJSON(t, srv, "GET", fmt.Sprintf("/api/v1/rules/%d/logs?limit=1", rule.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dataInto(t, rec, &logs)
	assert.Len(t, logs, 1)

	rec = doJSON(t, srv, "GET", fmt.Sprintf("/api/v1/rules/%d/logs?limit=zero", rule.ID), token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, "GET", "/api/v1/rules/999/logs", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv, "GET", fmt.Sprintf("/api/v1/rules/%d/performance", rule.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var perf db.RulePerformance
	dataInto(t, rec, &perf)
	assert.Equal(t, int64(2), perf.ExecutionCount)
	assert.Equal(t, int64(1), perf.MatchCount)
	assert.InDelta(t, 0.5, perf.MatchRate, 0.001)
	assert.Equal(t, int64(1), perf.SuccessCount)
	assert.Equal(t, int64(0), perf.FailureCount)
}

func TestRuleAnalytics(t *testing.T) {
	srv, _, _ := newTestServer(t)
	token := registerAccount(t, srv, "user@example.com")
	rule := createSpamRule(t, srv, token)
	spam := importJSONMessage(t, srv, token, "<s4@example.com>", "spam offer", "text")

	rec := doJSON(t, srv, "POST", "/api/v1/rules/apply", token, map[string]interface{}{
		"ruleId":     rule.ID,
		"messageIds": []int64{spam.ID},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, "GET", "/api/v1/rules/analytics", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var analytics db.RuleAnalytics
	dataInto(t, rec, &analytics)
	assert.Equal(t, int64(1), analytics.TotalRules)
	assert.Equal(t, int64(1), analytics.ActiveRules)
	assert.Equal(t, int64(1), analytics.TotalExecutions)
	assert.Equal(t, int64(1), analytics.TotalMatches)
	require.Len(t, analytics.TopRules, 1)
	assert.Equal(t, rule.ID, analytics.TopRules[0].ID)
}

func TestAnalyzeAndGetAnalysis(t *testing.T) {
	srv, _, _ := newTestServer(t)
	token := registerAccount(t, srv, "user@example.com")
	msg := importJSONMessage(t, srv, token, "<a1@example.com>",
		"great news about the project", "This is excellent work, really wonderful progress.")

	rec := doJSON(t, srv, "GET", fmt.Sprintf("/api/v1/messages/%d/analysis", msg.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code, "import runs the analyzer inline")
	var analysis db.StoredAnalysis
	dataInto(t, rec, &analysis)
	assert.Equal(t, "positive", analysis.Sentiment)

	rec = doJSON(t, srv, "POST", fmt.Sprintf("/api/v1/messages/%d/analyze", msg.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dataInto(t, rec, &analysis)
	assert.Equal(t, "positive", analysis.Sentiment)
	assert.Equal(t, msg.ID, analysis.MessageID)

	rec = doJSON(t, srv, "GET", "/api/v1/messages/999/analysis", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCategoryDistribution(t *testing.T) {
	srv, _, _ := newTestServer(t)
	token := registerAccount(t, srv, "user@example.com")
	importJSONMessage(t, srv, token, "<c1@example.com>", "project meeting", "about the project deadline")
	importJSONMessage(t, srv, token, "<c2@example.com>", "newsletter digest", "unsubscribe anytime")

	rec := doJSON(t, srv, "GET", "/api/v1/analytics/categories", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var distribution []db.CategoryCount
	dataInto(t, rec, &distribution)
	require.NotEmpty(t, distribution)
	var total int64
	for _, c := range distribution {
		total += c.Count
	}
	assert.Equal(t, int64(2), total)
}

func TestReportTemplateCRUD(t *testing.T) {
	srv, _, _ := newTestServer(t)
	token := registerAccount(t, srv, "user@example.com")

	rec := doJSON(t, srv, "POST", "/api/v1/reports/templates", token, map[string]string{
		"name":        "weekly-inbox",
		"description": "activity in the inbox",
		"folder":      "INBOX",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created db.ReportTemplate
	dataInto(t, rec, &created)
	assert.Equal(t, "weekly-inbox", created.Name)
	assert.Equal(t, "INBOX", created.Folder)

	// Template names are unique per account.
	rec = doJSON(t, srv, "POST", "/api/v1/reports/templates", token, map[string]string{
		"name": "weekly-inbox",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, srv, "POST", "/api/v1/reports/templates", token, map[string]string{
		"description": "nameless",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, "GET", "/api/v1/reports/templates", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []db.ReportTemplate
	dataInto(t, rec, &listed)
	require.Len(t, listed, 1)

	rec = doJSON(t, srv, "PUT", fmt.Sprintf("/api/v1/reports/templates/%d", created.ID), token, map[string]string{
		"name":        "weekly-all",
		"description": "whole account",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated db.ReportTemplate
	dataInto(t, rec, &updated)
	assert.Equal(t, "weekly-all", updated.Name)
	assert.Empty(t, updated.Folder)

	rec = doJSON(t, srv, "GET", fmt.Sprintf("/api/v1/reports/templates/%d", created.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, "DELETE", fmt.Sprintf("/api/v1/reports/templates/%d", created.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, srv, "GET", fmt.Sprintf("/api/v1/reports/templates/%d", created.ID), token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGenerateReport(t *testing.T) {
	srv, _, _ := newTestServer(t)
	token := registerAccount(t, srv, "user@example.com")

	post := func(messageID, from, folder, sentDate string) {
		rec := doJSON(t, srv, "POST", "/api/v1/messages", token, map[string]interface{}{
			"messageId": messageID,
			"subject":   "subject " + messageID,
			"from":      from,
			"to":        "user@example.com",
			"content":   "body " + messageID,
			"folder":    folder,
			"sentDate":  sentDate,
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	post("<r1@example.com>", "alice@corp.example", "INBOX", "2026-01-05T12:00:00Z")
	post("<r2@example.com>", "alice@corp.example", "INBOX", "2026-01-15T12:00:00Z")
	post("<r3@example.com>", "bob@home.example", "Archive", "2026-01-20T12:00:00Z")
	post("<r4@example.com>", "bob@home.example", "INBOX", "2026-03-01T12:00:00Z")

	rec := doJSON(t, srv, "POST", "/api/v1/reports/generate", token, map[string]interface{}{
		"rangeStart": "2026-01-01T00:00:00Z",
		"rangeEnd":   "2026-02-01T00:00:00Z",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var report db.Report
	dataInto(t, rec, &report)
	assert.Equal(t, db.ReportStatusCompleted, report.Status)
	require.NotNil(t, report.Result)
	assert.Equal(t, int64(3), report.Result.TotalMessages, "March message is outside the range")
	assert.Equal(t, int64(3), report.Result.UnreadMessages)
	assert.Len(t, report.Result.ByFolder, 2)
	require.NotEmpty(t, report.Result.TopSenders)
	assert.Equal(t, "alice@corp.example", report.Result.TopSenders[0].Sender)
	assert.Equal(t, int64(2), report.Result.TopSenders[0].Count)

	// A template narrows the report to its folder.
	rec = doJSON(t, srv, "POST", "/api/v1/reports/templates", token, map[string]string{
		"name":   "inbox-only",
		"folder": "INBOX",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var template db.ReportTemplate
	dataInto(t, rec, &template)

	rec = doJSON(t, srv, "POST", "/api/v1/reports/generate", token, map[string]interface{}{
		"templateId": template.ID,
		"rangeStart": "2026-01-01T00:00:00Z",
		"rangeEnd":   "2026-02-01T00:00:00Z",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var scoped db.Report
	dataInto(t, rec, &scoped)
	require.NotNil(t, scoped.Result)
	assert.Equal(t, int64(2), scoped.Result.TotalMessages)
	require.NotNil(t, scoped.TemplateID)
	assert.Equal(t, template.ID, *scoped.TemplateID)

	rec = doJSON(t, srv, "POST", "/api/v1/reports/generate", token, map[string]interface{}{
		"rangeStart": "2026-02-01T00:00:00Z",
		"rangeEnd":   "2026-01-01T00:00:00Z",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "inverted range is rejected")
	rec = doJSON(t, srv, "POST", "/api/v1/reports/generate", token, map[string]interface{}{
		"templateId": 9999,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv, "GET", "/api/v1/reports", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var reports []db.Report
	dataInto(t, rec, &reports)
	assert.Len(t, reports, 2)

	rec = doJSON(t, srv, "GET", fmt.Sprintf("/api/v1/reports/%d", report.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, srv, "GET", "/api/v1/reports/9999", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReportSchedules(t *testing.T) {
	srv, _, _ := newTestServer(t)
	token := registerAccount(t, srv, "user@example.com")
	importJSONMessage(t, srv, token, "<sch1@example.com>", "daily traffic", "hello")

	rec := doJSON(t, srv, "POST", "/api/v1/reports/templates", token, map[string]string{
		"name": "daily-summary",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var template db.ReportTemplate
	dataInto(t, rec, &template)

	rec = doJSON(t, srv, "POST", "/api/v1/reports/schedules", token, map[string]interface{}{
		"templateId": template.ID,
		"frequency":  "hourly",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unsupported frequency")
	rec = doJSON(t, srv, "POST", "/api/v1/reports/schedules", token, map[string]interface{}{
		"templateId": 9999,
		"frequency":  "daily",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv, "POST", "/api/v1/reports/schedules", token, map[string]interface{}{
		"templateId": template.ID,
		"frequency":  "daily",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var schedule db.ReportSchedule
	dataInto(t, rec, &schedule)
	assert.True(t, schedule.Active)
	assert.Nil(t, schedule.LastRunAt)

	rec = doJSON(t, srv, "GET", "/api/v1/reports/schedules", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var schedules []db.ReportSchedule
	dataInto(t, rec, &schedules)
	require.Len(t, schedules, 1)

	// Manual trigger records a run and stamps the schedule.
	rec = doJSON(t, srv, "POST", fmt.Sprintf("/api/v1/reports/schedules/%d/run", schedule.ID), token, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var report db.Report
	dataInto(t, rec, &report)
	assert.Equal(t, db.ReportStatusCompleted, report.Status)
	require.NotNil(t, report.ScheduleID)
	assert.Equal(t, schedule.ID, *report.ScheduleID)

	rec = doJSON(t, srv, "GET", "/api/v1/reports/schedules", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dataInto(t, rec, &schedules)
	require.Len(t, schedules, 1)
	assert.NotNil(t, schedules[0].LastRunAt)

	rec = doJSON(t, srv, "GET", fmt.Sprintf("/api/v1/reports/schedules/%d/history", schedule.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []db.Report
	dataInto(t, rec, &history)
	require.Len(t, history, 1)
	assert.Equal(t, report.ID, history[0].ID)

	// Inactive schedules cannot be triggered.
	rec = doJSON(t, srv, "POST", "/api/v1/reports/schedules", token, map[string]interface{}{
		"templateId": template.ID,
		"frequency":  "weekly",
		"active":     false,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var paused db.ReportSchedule
	dataInto(t, rec, &paused)
	rec = doJSON(t, srv, "POST", fmt.Sprintf("/api/v1/reports/schedules/%d/run", paused.ID), token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, srv, "DELETE", fmt.Sprintf("/api/v1/reports/schedules/%d", schedule.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, srv, "GET", fmt.Sprintf("/api/v1/reports/schedules/%d/history", schedule.ID), token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMonitoringEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)
	token := registerAccount(t, srv, "user@example.com")
	createSpamRule(t, srv, token)
	importJSONMessage(t, srv, token, "<mon1@example.com>", "hello", "world")

	rec := doJSON(t, srv, "GET", "/api/v1/monitoring/health", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health db.HealthStatus
	dataInto(t, rec, &health)
	assert.True(t, health.Healthy)

	rec = doJSON(t, srv, "GET", "/api/v1/monitoring/stats", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats accountStats
	dataInto(t, rec, &stats)
	assert.Equal(t, int64(1), stats.Messages)
	assert.Equal(t, int64(1), stats.Rules)
	assert.Equal(t, int64(1), stats.ActiveRules)
	assert.Equal(t, int64(1), stats.Accounts)
	assert.Equal(t, float64(1), promtestutil.ToFloat64(metrics.AccountsTotal))
}

func TestLivenessIsPublic(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeEnvelope(t, rec).Success)
}

func TestNewRequiresSecret(t *testing.T) {
	store := newFakeStore()
	_, err := New(store, newFakeBlobs(), analyzer.New(config.AnalyzerConfig{}),
		dispatcher.New(store, store), ServerOptions{})
	require.Error(t, err)
}
