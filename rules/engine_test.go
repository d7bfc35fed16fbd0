package rules

import (
	"testing"
)

func TestEvaluateConditionOperators(t *testing.T) {
	email := Email{
		Subject: "IMPORTANT: Please review this document",
		From:    "manager@company.com",
		To:      "team@company.com",
		Content: "This is an important email that needs your attention.",
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{
			name: "contains case insensitive",
			cond: Condition{Field: FieldSubject, Operator: OperatorContains, Value: "important"},
			want: true,
		},
		{
			name: "contains case sensitive mismatch",
			cond: Condition{Field: FieldSubject, Operator: OperatorContains, Value: "important", CaseSensitive: true},
			want: false,
		},
		{
			name: "contains case sensitive match",
			cond: Condition{Field: FieldSubject, Operator: OperatorContains, Value: "IMPORTANT", CaseSensitive: true},
			want: true,
		},
		{
			name: "equals full field",
			cond: Condition{Field: FieldFrom, Operator: OperatorEquals, Value: "Manager@Company.com"},
			want: true,
		},
		{
			name: "equals partial is not a match",
			cond: Condition{Field: FieldFrom, Operator: OperatorEquals, Value: "manager"},
			want: false,
		},
		{
			name: "starts_with",
			cond: Condition{Field: FieldSubject, Operator: OperatorStartsWith, Value: "important:"},
			want: true,
		},
		{
			name: "ends_with",
			cond: Condition{Field: FieldFrom, Operator: OperatorEndsWith, Value: "@company.com"},
			want: true,
		},
		{
			name: "empty value contains is trivially true",
			cond: Condition{Field: FieldContent, Operator: OperatorContains, Value: ""},
			want: true,
		},
		{
			name: "empty value starts_with is trivially true",
			cond: Condition{Field: FieldTo, Operator: OperatorStartsWith, Value: ""},
			want: true,
		},
		{
			name: "empty value equals requires empty field",
			cond: Condition{Field: FieldSubject, Operator: OperatorEquals, Value: ""},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EvaluateCondition(tt.cond, email); got != tt.want {
				t.Errorf("EvaluateCondition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateConditionCaseNormalization(t *testing.T) {
	// Uppercase and lowercase variants of the same text must yield the same
	// verdict when the condition is case insensitive.
	cond := Condition{Field: FieldSubject, Operator: OperatorContains, Value: "Quarterly Report"}

	upper := Email{Subject: "QUARTERLY REPORT ATTACHED"}
	lower := Email{Subject: "quarterly report attached"}

	if EvaluateCondition(cond, upper) != EvaluateCondition(cond, lower) {
		t.Error("case-insensitive evaluation differed between uppercase and lowercase variants")
	}
	if !EvaluateCondition(cond, upper) {
		t.Error("expected case-insensitive match")
	}
}

func TestEvaluateConditionMissingField(t *testing.T) {
	// An email lacking the referenced field behaves as if the field were the
	// empty string and never panics.
	empty := Email{}

	tests := []struct {
		cond Condition
		want bool
	}{
		{Condition{Field: FieldSubject, Operator: OperatorContains, Value: "anything"}, false},
		{Condition{Field: FieldFrom, Operator: OperatorEquals, Value: ""}, true},
		{Condition{Field: FieldTo, Operator: OperatorStartsWith, Value: ""}, true},
		{Condition{Field: FieldContent, Operator: OperatorEndsWith, Value: "x"}, false},
	}

	for _, tt := range tests {
		if got := EvaluateCondition(tt.cond, empty); got != tt.want {
			t.Errorf("EvaluateCondition(%+v, empty) = %v, want %v", tt.cond, got, tt.want)
		}
	}
}

func TestEvaluateRuleSingleCondition(t *testing.T) {
	rule := &Rule{
		Name: "Important Email Filter",
		Conditions: []Condition{
			{Field: FieldSubject, Operator: OperatorContains, Value: "IMPORTANT"},
		},
		Logic:    LogicAnd,
		Actions:  []Action{{Type: ActionAddLabel, Target: "important"}},
		Priority: 1,
		Active:   true,
	}

	result := EvaluateRule(rule, Email{Subject: "IMPORTANT: Please review this document"})
	if !result.Matched {
		t.Fatal("expected rule to match")
	}
	if len(result.Actions) != 1 || result.Actions[0].Type != ActionAddLabel || result.Actions[0].Target != "important" {
		t.Errorf("unexpected actions: %+v", result.Actions)
	}

	result = EvaluateRule(rule, Email{Subject: "Please review this document"})
	if result.Matched {
		t.Error("expected rule not to match")
	}
	if len(result.Actions) != 0 {
		t.Errorf("expected empty actions on non-match, got %+v", result.Actions)
	}
}

func TestEvaluateRuleAndLogic(t *testing.T) {
	rule := &Rule{
		Name: "Urgent Internal",
		Conditions: []Condition{
			{Field: FieldSubject, Operator: OperatorContains, Value: "urgent"},
			{Field: FieldFrom, Operator: OperatorContains, Value: "@company.com"},
		},
		Logic:   LogicAnd,
		Actions: []Action{{Type: ActionAddLabel, Target: "urgent-internal"}},
		Active:  true,
	}

	tests := []struct {
		name  string
		email Email
		want  bool
	}{
		{
			name:  "both conditions match",
			email: Email{Subject: "Urgent: Please review", From: "manager@company.com"},
			want:  true,
		},
		{
			name:  "only subject matches",
			email: Email{Subject: "Urgent: Please review", From: "external@other.com"},
			want:  false,
		},
		{
			name:  "only sender matches",
			email: Email{Subject: "Weekly digest", From: "manager@company.com"},
			want:  false,
		},
		{
			name:  "neither matches",
			email: Email{Subject: "Weekly digest", From: "external@other.com"},
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EvaluateRule(rule, tt.email).Matched; got != tt.want {
				t.Errorf("matched = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateRuleOrLogic(t *testing.T) {
	rule := &Rule{
		Name: "Notifications",
		Conditions: []Condition{
			{Field: FieldFrom, Operator: OperatorContains, Value: "noreply@"},
			{Field: FieldSubject, Operator: OperatorContains, Value: "notification"},
		},
		Logic:   LogicOr,
		Actions: []Action{{Type: ActionMoveToFolder, Target: "notifications"}},
		Active:  true,
	}

	tests := []struct {
		name  string
		email Email
		want  bool
	}{
		{"first condition", Email{From: "noreply@service.com", Subject: "Welcome"}, true},
		{"second condition", Email{From: "alice@example.com", Subject: "New notification"}, true},
		{"both conditions", Email{From: "noreply@service.com", Subject: "notification"}, true},
		{"neither condition", Email{From: "alice@example.com", Subject: "Lunch?"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EvaluateRule(rule, tt.email).Matched; got != tt.want {
				t.Errorf("matched = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateRuleDefaultLogicIsAnd(t *testing.T) {
	rule := &Rule{
		Name: "Defaulted",
		Conditions: []Condition{
			{Field: FieldSubject, Operator: OperatorContains, Value: "alpha"},
			{Field: FieldSubject, Operator: OperatorContains, Value: "beta"},
		},
		Actions: []Action{{Type: ActionMarkRead}},
		Active:  true,
	}

	if !EvaluateRule(rule, Email{Subject: "alpha beta"}).Matched {
		t.Error("expected match when all conditions hold")
	}
	if EvaluateRule(rule, Email{Subject: "alpha only"}).Matched {
		t.Error("expected no match when one condition fails under default AND")
	}
}

func TestEvaluateRuleInactive(t *testing.T) {
	rule := &Rule{
		Name: "Disabled",
		Conditions: []Condition{
			{Field: FieldSubject, Operator: OperatorContains, Value: ""},
		},
		Actions: []Action{{Type: ActionDelete}},
		Active:  false,
	}

	// The condition would match any email; inactivity suppresses it anyway.
	result := EvaluateRule(rule, Email{Subject: "anything at all"})
	if result.Matched {
		t.Error("inactive rule must never match")
	}
	if len(result.Actions) != 0 {
		t.Errorf("inactive rule must return no actions, got %+v", result.Actions)
	}
}

func TestEvaluateRuleActionFidelity(t *testing.T) {
	actions := []Action{
		{Type: ActionMoveToFolder, Target: "spam"},
		{Type: ActionAddLabel, Target: "spam"},
		{Type: ActionMarkRead},
	}
	rule := &Rule{
		Name: "Spam Filter",
		Conditions: []Condition{
			{Field: FieldSubject, Operator: OperatorContains, Value: "spam"},
		},
		Actions: actions,
		Active:  true,
	}

	result := EvaluateRule(rule, Email{Subject: "SPAM offer inside"})
	if !result.Matched {
		t.Fatal("expected match")
	}
	if len(result.Actions) != len(actions) {
		t.Fatalf("expected %d actions, got %d", len(actions), len(result.Actions))
	}
	for i := range actions {
		if result.Actions[i] != actions[i] {
			t.Errorf("action %d: got %+v, want %+v", i, result.Actions[i], actions[i])
		}
	}
}

func TestEvaluateRuleIdempotent(t *testing.T) {
	rule := &Rule{
		Name: "Stable",
		Conditions: []Condition{
			{Field: FieldFrom, Operator: OperatorEndsWith, Value: "@example.com"},
		},
		Actions: []Action{{Type: ActionAddLabel, Target: "known"}},
		Active:  true,
	}
	email := Email{From: "bob@example.com"}

	first := EvaluateRule(rule, email)
	for i := 0; i < 100; i++ {
		got := EvaluateRule(rule, email)
		if got.Matched != first.Matched || len(got.Actions) != len(first.Actions) {
			t.Fatalf("iteration %d: result changed: %+v vs %+v", i, got, first)
		}
	}
}

func TestEvaluateRuleConcurrent(t *testing.T) {
	rule := &Rule{
		Name: "Concurrent",
		Conditions: []Condition{
			{Field: FieldSubject, Operator: OperatorContains, Value: "report"},
		},
		Actions: []Action{{Type: ActionAddLabel, Target: "reports"}},
		Active:  true,
	}

	done := make(chan bool)
	for i := 0; i < 16; i++ {
		go func(match bool) {
			email := Email{Subject: "no"}
			if match {
				email.Subject = "weekly report"
			}
			for j := 0; j < 1000; j++ {
				if EvaluateRule(rule, email).Matched != match {
					t.Errorf("unexpected verdict under concurrency")
					break
				}
			}
			done <- true
		}(i%2 == 0)
	}
	for i := 0; i < 16; i++ {
		<-done
	}
}

func TestEvaluateMany(t *testing.T) {
	rule := &Rule{
		Name: "Newsletter Filter",
		Conditions: []Condition{
			{Field: FieldFrom, Operator: OperatorContains, Value: "newsletter"},
		},
		Actions: []Action{{Type: ActionMoveToFolder, Target: "newsletters"}},
		Active:  true,
	}

	emails := []Email{
		{From: "newsletter@shop.com"},
		{From: "alice@example.com"},
		{From: "weekly-newsletter@news.org"},
	}

	results := EvaluateMany(rule, emails)
	if len(results) != len(emails) {
		t.Fatalf("expected %d results, got %d", len(emails), len(results))
	}

	want := []bool{true, false, true}
	for i, result := range results {
		if result.Matched != want[i] {
			t.Errorf("result %d: matched = %v, want %v", i, result.Matched, want[i])
		}
	}
}

func TestRankMatchingRules(t *testing.T) {
	mkRule := func(name string, priority int, value string, active bool) *Rule {
		return &Rule{
			Name: name,
			Conditions: []Condition{
				{Field: FieldSubject, Operator: OperatorContains, Value: value},
			},
			Actions:  []Action{{Type: ActionAddLabel, Target: name}},
			Priority: priority,
			Active:   active,
		}
	}

	email := Email{Subject: "Test email for priority"}

	t.Run("ascending priority", func(t *testing.T) {
		low := mkRule("low", 5, "test", true)
		high := mkRule("high", 1, "test", true)

		ranked := RankMatchingRules([]*Rule{low, high}, email)
		if len(ranked) != 2 {
			t.Fatalf("expected 2 matches, got %d", len(ranked))
		}
		if ranked[0] != high || ranked[1] != low {
			t.Errorf("expected [high low], got [%s %s]", ranked[0].Name, ranked[1].Name)
		}
	})

	t.Run("non-matching and inactive rules are excluded", func(t *testing.T) {
		matching := mkRule("matching", 2, "test", true)
		miss := mkRule("miss", 1, "unrelated", true)
		inactive := mkRule("inactive", 0, "test", false)

		ranked := RankMatchingRules([]*Rule{miss, inactive, matching}, email)
		if len(ranked) != 1 || ranked[0] != matching {
			t.Errorf("expected only the matching active rule, got %d rules", len(ranked))
		}
	})

	t.Run("ties keep declaration order", func(t *testing.T) {
		first := mkRule("first", 3, "test", true)
		second := mkRule("second", 3, "test", true)

		ranked := RankMatchingRules([]*Rule{first, second}, email)
		if len(ranked) != 2 || ranked[0] != first || ranked[1] != second {
			t.Error("equal priorities must preserve input order")
		}
	})

	t.Run("no matches", func(t *testing.T) {
		ranked := RankMatchingRules([]*Rule{mkRule("r", 1, "absent", true)}, email)
		if len(ranked) != 0 {
			t.Errorf("expected no matches, got %d", len(ranked))
		}
	})
}

func BenchmarkEvaluateRule(b *testing.B) {
	rule := &Rule{
		Name: "bench",
		Conditions: []Condition{
			{Field: FieldSubject, Operator: OperatorContains, Value: "urgent"},
			{Field: FieldFrom, Operator: OperatorEndsWith, Value: "@company.com"},
			{Field: FieldContent, Operator: OperatorContains, Value: "deadline"},
		},
		Logic:   LogicAnd,
		Actions: []Action{{Type: ActionAddLabel, Target: "urgent"}},
		Active:  true,
	}
	email := Email{
		Subject: "Urgent: project deadline moved",
		From:    "manager@company.com",
		Content: "The deadline for the project has moved up to Friday.",
	}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		EvaluateRule(rule, email)
	}
}
