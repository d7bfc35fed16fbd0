// Package rules implements the email filter rule matching engine.
//
// A rule is a prioritized predicate over an email plus an ordered list of
// actions to take when the predicate holds. The engine decides whether a
// rule matches a candidate email and, if so, which actions the dispatcher
// should apply. It does not apply actions itself.
//
// # Data Model
//
//   - Condition: a single field/operator/value test (subject, from, to,
//     content x contains, equals, starts_with, ends_with)
//   - Logic: the boolean combinator (AND/OR) across a rule's conditions
//   - Action: a side-effecting instruction (move_to_folder, add_label,
//     mark_read, delete) executed by the dispatcher upon match
//   - Email: the read-only candidate record; absent fields evaluate as
//     empty strings
//
// # Execution Model
//
//  1. EvaluateCondition resolves the named field and applies the operator,
//     case-folding both sides unless the condition is case sensitive
//  2. EvaluateRule combines per-condition results with the rule's logic;
//     inactive rules never fire
//  3. RankMatchingRules orders matching rules by ascending priority for
//     the dispatcher (lower value wins, ties broken by declaration order)
//
// # Purity
//
// Every operation is a pure function over its arguments: no I/O, no shared
// state, no errors during evaluation. Malformed rule definitions are
// rejected up front by Validate; a validated rule can never fail against
// any email, including partial ones. This makes concurrent evaluation safe
// without locks and keeps all persistence, counters and retry concerns in
// the calling dispatcher.
package rules
