package consts

const (
	// DefaultMessagePageSize bounds message listings when the caller does
	// not specify a limit.
	DefaultMessagePageSize = 50
	// MaxMessagePageSize is the hard cap on a single listing page.
	MaxMessagePageSize = 200

	// MaxRuleNameLength bounds rule names at creation time.
	MaxRuleNameLength = 128
	// MaxConditionsPerRule bounds the condition list of a single rule.
	MaxConditionsPerRule = 32
	// MaxActionsPerRule bounds the action list of a single rule.
	MaxActionsPerRule = 16
	// MaxBatchMessageIDs bounds how many messages one apply request may touch.
	MaxBatchMessageIDs = 500

	// TernAdvisoryLockID serializes schema migrations across admin processes.
	TernAdvisoryLockID = 127441
)
