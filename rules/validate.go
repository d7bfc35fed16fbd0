package rules

import (
	"errors"
	"fmt"
)

var (
	// ErrNoConditions is returned for rules defined without any condition.
	ErrNoConditions = errors.New("rule must have at least one condition")
	// ErrNoActions is returned for rules defined without any action.
	ErrNoActions = errors.New("rule must have at least one action")
)

// Validate checks a rule definition at creation or update time. Evaluation
// assumes a previously validated rule, so this is the only place unknown
// fields, operators, action types or missing targets are reported.
func Validate(rule *Rule) error {
	if rule.Name == "" {
		return errors.New("rule name is required")
	}
	if len(rule.Conditions) == 0 {
		return ErrNoConditions
	}
	if len(rule.Actions) == 0 {
		return ErrNoActions
	}

	if rule.Logic != "" && rule.Logic != LogicAnd && rule.Logic != LogicOr {
		return fmt.Errorf("unknown logic %q", rule.Logic)
	}

	for i, cond := range rule.Conditions {
		if err := validateCondition(cond); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}
	for i, action := range rule.Actions {
		if err := validateAction(action); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}

	return nil
}

func validateCondition(cond Condition) error {
	switch cond.Field {
	case FieldSubject, FieldFrom, FieldTo, FieldContent:
	default:
		return fmt.Errorf("unknown field %q", cond.Field)
	}

	switch cond.Operator {
	case OperatorContains, OperatorEquals, OperatorStartsWith, OperatorEndsWith:
	default:
		return fmt.Errorf("unknown operator %q", cond.Operator)
	}

	// An empty value is legal: "contains" of the empty string is trivially
	// true per the operator semantics.
	return nil
}

func validateAction(action Action) error {
	switch action.Type {
	case ActionMoveToFolder, ActionAddLabel:
		if action.Target == "" {
			return fmt.Errorf("action %q requires a target", action.Type)
		}
	case ActionMarkRead, ActionDelete:
	default:
		return fmt.Errorf("unknown action type %q", action.Type)
	}
	return nil
}
