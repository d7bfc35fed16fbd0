package rules

import "time"

// Field names an email attribute a condition inspects.
type Field string

const (
	FieldSubject Field = "subject"
	FieldFrom    Field = "from"
	FieldTo      Field = "to"
	FieldContent Field = "content"
)

// Operator is the string comparison mode of a condition.
type Operator string

const (
	OperatorContains   Operator = "contains"
	OperatorEquals     Operator = "equals"
	OperatorStartsWith Operator = "starts_with"
	OperatorEndsWith   Operator = "ends_with"
)

// Logic is the boolean combinator applied across a rule's conditions.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// ActionType identifies the kind of action a dispatcher applies on match.
type ActionType string

const (
	ActionMoveToFolder ActionType = "move_to_folder"
	ActionAddLabel     ActionType = "add_label"
	ActionMarkRead     ActionType = "mark_read"
	ActionDelete       ActionType = "delete"
)

// Condition is a single field/operator/value test contributing to a rule's
// predicate. Comparisons are case insensitive unless CaseSensitive is set.
type Condition struct {
	Field         Field    `json:"field"`
	Operator      Operator `json:"operator"`
	Value         string   `json:"value"`
	CaseSensitive bool     `json:"caseSensitive"`
}

// Action is an instruction attached to a rule. Target holds the folder or
// label name for move_to_folder and add_label; it is ignored otherwise.
type Action struct {
	Type   ActionType `json:"type"`
	Target string     `json:"target,omitempty"`
}

// Rule is a named, prioritized predicate over an email plus the ordered
// actions to take when the predicate holds. Lower Priority values execute
// first when several rules match the same email.
type Rule struct {
	ID          int64       `json:"id"`
	AccountID   int64       `json:"-"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Conditions  []Condition `json:"conditions"`
	Logic       Logic       `json:"logic"`
	Actions     []Action    `json:"actions"`
	Priority    int         `json:"priority"`
	Active      bool        `json:"active"`
	CreatedAt   time.Time   `json:"createdAt,omitempty"`
	UpdatedAt   time.Time   `json:"updatedAt,omitempty"`
}

// Email is the candidate record the engine evaluates rules against.
// Any field may be empty; evaluation never fails on partial records.
type Email struct {
	Subject string `json:"subject"`
	From    string `json:"from"`
	To      string `json:"to"`
	Content string `json:"content"`
}

// FieldValue returns the email attribute named by f, or the empty string
// when the field is absent or unknown. Unknown fields are a configuration
// error caught by Validate at rule creation, not at evaluation time.
func (e Email) FieldValue(f Field) string {
	switch f {
	case FieldSubject:
		return e.Subject
	case FieldFrom:
		return e.From
	case FieldTo:
		return e.To
	case FieldContent:
		return e.Content
	default:
		return ""
	}
}

// MatchResult is the verdict of evaluating one rule against one email.
// Actions equals the rule's declared actions, in order, when Matched is
// true, and is empty otherwise.
type MatchResult struct {
	Matched bool     `json:"matched"`
	Actions []Action `json:"actions"`
}
