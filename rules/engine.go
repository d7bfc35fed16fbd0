package rules

import (
	"sort"
	"strings"
)

// EvaluateCondition reports whether a single condition holds for the given
// email. A missing field is treated as the empty string; the function is
// total over well-formed conditions and never fails at evaluation time.
func EvaluateCondition(cond Condition, email Email) bool {
	fieldValue := email.FieldValue(cond.Field)
	pattern := cond.Value

	if !cond.CaseSensitive {
		fieldValue = strings.ToLower(fieldValue)
		pattern = strings.ToLower(pattern)
	}

	switch cond.Operator {
	case OperatorContains:
		return strings.Contains(fieldValue, pattern)
	case OperatorEquals:
		return fieldValue == pattern
	case OperatorStartsWith:
		return strings.HasPrefix(fieldValue, pattern)
	case OperatorEndsWith:
		return strings.HasSuffix(fieldValue, pattern)
	default:
		// Unknown operators are rejected by Validate at creation time.
		return false
	}
}

// EvaluateRule evaluates every condition of the rule against the email and
// combines the results with the rule's logic. Inactive rules never match.
// On match the returned actions are the rule's declared actions in their
// original order.
func EvaluateRule(rule *Rule, email Email) MatchResult {
	if !rule.Active {
		return MatchResult{Matched: false, Actions: []Action{}}
	}

	matched := evaluateConditions(rule, email)
	if !matched {
		return MatchResult{Matched: false, Actions: []Action{}}
	}

	return MatchResult{Matched: true, Actions: rule.Actions}
}

func evaluateConditions(rule *Rule, email Email) bool {
	logic := rule.Logic
	if logic == "" {
		logic = LogicAnd
	}

	switch logic {
	case LogicOr:
		for _, cond := range rule.Conditions {
			if EvaluateCondition(cond, email) {
				return true
			}
		}
		return false
	default: // AND
		for _, cond := range rule.Conditions {
			if !EvaluateCondition(cond, email) {
				return false
			}
		}
		return len(rule.Conditions) > 0
	}
}

// EvaluateMany applies EvaluateRule independently to each email. Results
// are returned in input order; per-item evaluation has no cross-item
// dependency, so callers may shard batches across workers freely.
func EvaluateMany(rule *Rule, emails []Email) []MatchResult {
	results := make([]MatchResult, len(emails))
	for i, email := range emails {
		results[i] = EvaluateRule(rule, email)
	}
	return results
}

// RankMatchingRules filters the given rules to those matching the email and
// orders them by ascending priority, lower values first. Ties keep the
// input order, so the first-declared rule wins. The returned slice is the
// execution order a dispatcher should use; conflict resolution between the
// actions of different rules stays with the dispatcher.
func RankMatchingRules(candidates []*Rule, email Email) []*Rule {
	var matched []*Rule
	for _, rule := range candidates {
		if EvaluateRule(rule, email).Matched {
			matched = append(matched, rule)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority < matched[j].Priority
	})

	return matched
}
