package db

import "errors"

// Sentinel errors for database operations
var (
	// ErrAccountNotFound indicates that an account was not found in the database
	ErrAccountNotFound = errors.New("account not found")

	// ErrRuleNotFound indicates that a filter rule was not found in the database
	ErrRuleNotFound = errors.New("rule not found")

	// ErrMessageNotFound indicates that a message was not found in the database
	ErrMessageNotFound = errors.New("message not found")

	// ErrAnalysisNotFound indicates that no stored analysis exists for a message
	ErrAnalysisNotFound = errors.New("analysis not found")

	// ErrTemplateNotFound indicates that a report template was not found in the database
	ErrTemplateNotFound = errors.New("report template not found")

	// ErrReportNotFound indicates that a generated report was not found in the database
	ErrReportNotFound = errors.New("report not found")

	// ErrScheduleNotFound indicates that a report schedule was not found in the database
	ErrScheduleNotFound = errors.New("report schedule not found")

	// ErrInvalidCredentials indicates that the provided credentials are invalid
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrDuplicateAccount indicates that an account with the given email already exists
	ErrDuplicateAccount = errors.New("account already exists")

	// ErrDuplicateMessage indicates that the message was already imported for this account
	ErrDuplicateMessage = errors.New("message already exists")

	// ErrDuplicateTemplate indicates that a template with the given name already exists
	ErrDuplicateTemplate = errors.New("report template already exists")
)
