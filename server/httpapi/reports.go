package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ternmail/tern/db"
	"github.com/ternmail/tern/logger"
)

type reportTemplateRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Folder      string `json:"folder"`
}

func (s *Server) handleCreateReportTemplate(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req reportTemplateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "template name is required")
		return
	}

	created, err := s.store.CreateReportTemplate(r.Context(), &db.ReportTemplate{
		AccountID:   accountID,
		Name:        req.Name,
		Description: req.Description,
		Folder:      req.Folder,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListReportTemplates(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	templates, err := s.store.ListReportTemplates(r.Context(), accountID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if templates == nil {
		templates = []*db.ReportTemplate{}
	}
	s.writeJSON(w, http.StatusOK, templates)
}

func (s *Server) handleGetReportTemplate(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	templateID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid template id")
		return
	}

	template, err := s.store.GetReportTemplate(r.Context(), templateID, accountID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, template)
}

func (s *Server) handleUpdateReportTemplate(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	templateID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid template id")
		return
	}

	var req reportTemplateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "template name is required")
		return
	}

	updated, err := s.store.UpdateReportTemplate(r.Context(), &db.ReportTemplate{
		ID:          templateID,
		AccountID:   accountID,
		Name:        req.Name,
		Description: req.Description,
		Folder:      req.Folder,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteReportTemplate(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	templateID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid template id")
		return
	}

	if err := s.store.DeleteReportTemplate(r.Context(), templateID, accountID); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type generateReportRequest struct {
	TemplateID *int64     `json:"templateId"`
	Folder     string     `json:"folder"`
	RangeStart *time.Time `json:"rangeStart"`
	RangeEnd   *time.Time `json:"rangeEnd"`
}

// generateReport aggregates message activity over the date range and
// stores the result. scheduleID is set for schedule-triggered runs.
func (s *Server) generateReport(r *http.Request, accountID int64, templateID, scheduleID *int64, folder string, start, end time.Time) (*db.Report, error) {
	report := &db.Report{
		AccountID:  accountID,
		TemplateID: templateID,
		ScheduleID: scheduleID,
		Status:     db.ReportStatusCompleted,
		RangeStart: start,
		RangeEnd:   end,
	}

	data, err := s.store.CollectReportData(r.Context(), accountID, folder, start, end)
	if err != nil {
		// Persist the failed run so schedule history shows it.
		logger.ErrorContext(r.Context(), "report aggregation failed",
			"account_id", accountID, "error", err)
		report.Status = db.ReportStatusFailed
	} else {
		report.Result = data
	}
	return s.store.InsertReport(r.Context(), report)
}

func (s *Server) handleGenerateReport(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req generateReportRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	folder := req.Folder
	if req.TemplateID != nil {
		template, err := s.store.GetReportTemplate(r.Context(), *req.TemplateID, accountID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		if folder == "" {
			folder = template.Folder
		}
	}

	// Default range is the last 30 days.
	end := time.Now().UTC()
	if req.RangeEnd != nil {
		end = *req.RangeEnd
	}
	start := end.AddDate(0, 0, -30)
	if req.RangeStart != nil {
		start = *req.RangeStart
	}
	if !start.Before(end) {
		s.writeError(w, http.StatusBadRequest, "rangeStart must be before rangeEnd")
		return
	}

	report, err := s.generateReport(r, accountID, req.TemplateID, nil, folder, start, end)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, report)
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
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

	reports, err := s.store.ListReports(r.Context(), accountID, limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if reports == nil {
		reports = []*db.Report{}
	}
	s.writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	reportID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid report id")
		return
	}

	report, err := s.store.GetReport(r.Context(), reportID, accountID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

type createScheduleRequest struct {
	TemplateID int64  `json:"templateId"`
	Frequency  string `json:"frequency"`
	Active     *bool  `json:"active"`
}

func (s *Server) handleCreateReportSchedule(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req createScheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TemplateID == 0 {
		s.writeError(w, http.StatusBadRequest, "templateId is required")
		return
	}
	if !db.ValidFrequency(req.Frequency) {
		s.writeError(w, http.StatusBadRequest, "frequency must be daily, weekly or monthly")
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	created, err := s.store.CreateReportSchedule(r.Context(), &db.ReportSchedule{
		AccountID:  accountID,
		TemplateID: req.TemplateID,
		Frequency:  req.Frequency,
		Active:     active,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListReportSchedules(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	schedules, err := s.store.ListReportSchedules(r.Context(), accountID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if schedules == nil {
		schedules = []*db.ReportSchedule{}
	}
	s.writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) handleDeleteReportSchedule(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	scheduleID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	if err := s.store.DeleteReportSchedule(r.Context(), scheduleID, accountID); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// scheduleWindow returns the date range one run of the schedule covers,
// ending now.
func scheduleWindow(frequency string, now time.Time) (time.Time, time.Time) {
	switch frequency {
	case db.FrequencyWeekly:
		return now.AddDate(0, 0, -7), now
	case db.FrequencyMonthly:
		return now.AddDate(0, -1, 0), now
	default:
		return now.AddDate(0, 0, -1), now
	}
}

// handleRunReportSchedule triggers one run of a schedule immediately.
// The covered range follows the schedule frequency.
func (s *Server) handleRunReportSchedule(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	scheduleID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	schedule, err := s.store.GetReportSchedule(r.Context(), scheduleID, accountID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if !schedule.Active {
		s.writeError(w, http.StatusConflict, "schedule is inactive")
		return
	}
	template, err := s.store.GetReportTemplate(r.Context(), schedule.TemplateID, accountID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	start, end := scheduleWindow(schedule.Frequency, time.Now().UTC())
	report, err := s.generateReport(r, accountID, &schedule.TemplateID, &schedule.ID, template.Folder, start, end)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.store.TouchReportSchedule(r.Context(), scheduleID, accountID); err != nil {
		s.respondError(w, r, err)
		return
	}

	logger.InfoContext(r.Context(), "report schedule run",
		"schedule_id", scheduleID, "report_id", report.ID, "account_id", accountID)
	s.writeJSON(w, http.StatusCreated, report)
}

func (s *Server) handleReportScheduleHistory(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	scheduleID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid schedule id")
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

	history, err := s.store.ListScheduleReports(r.Context(), scheduleID, accountID, limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if history == nil {
		history = []*db.Report{}
	}
	s.writeJSON(w, http.StatusOK, history)
}
