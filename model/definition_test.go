package model

import "testing"

func lawyerGraph() WorkflowDefinition {
	return WorkflowDefinition{
		Type: "lawyer",
		Name: "Referral Lawyer Workflow",
		States: []StateDefinition{
			{ID: "referral_received", Name: "Referral Received"},
			{ID: "waiting_for_first_update", Name: "Waiting for First Update"},
			{ID: "waiting_for_consult", Name: "Waiting for Consult"},
			{ID: "engagement_completed", Name: "Engagement Completed"},
		},
		Edges: []EdgeDefinition{
			{From: "referral_received", To: "waiting_for_first_update"},
			{From: "waiting_for_first_update", To: "waiting_for_consult"},
			{From: "waiting_for_first_update", To: "engagement_completed"},
			{From: "waiting_for_consult", To: "waiting_for_consult"},
			{From: "waiting_for_consult", To: "engagement_completed"},
		},
	}
}

func TestWorkflowDefinition_StartState(t *testing.T) {
	def := lawyerGraph()
	if got := def.StartState(); got != "referral_received" {
		t.Errorf("StartState() = %q, want %q", got, "referral_received")
	}
}

func TestWorkflowDefinition_StartState_selfLoopIgnored(t *testing.T) {
	// A self-loop on the start state must not count as an inbound edge.
	def := lawyerGraph()
	def.Edges = append(def.Edges, EdgeDefinition{From: "referral_received", To: "referral_received"})
	if got := def.StartState(); got != "referral_received" {
		t.Errorf("StartState() = %q, want %q", got, "referral_received")
	}
}

func TestWorkflowDefinition_HasEdge(t *testing.T) {
	def := lawyerGraph()
	if !def.HasEdge("waiting_for_first_update", "waiting_for_consult") {
		t.Error("expected declared edge to be found")
	}
	if def.HasEdge("engagement_completed", "referral_received") {
		t.Error("expected undeclared edge to be absent")
	}
}

func TestWorkflowDefinition_AllowedNext(t *testing.T) {
	def := lawyerGraph()
	next := def.AllowedNext("waiting_for_consult")
	if len(next) != 2 {
		t.Fatalf("AllowedNext() returned %d states, want 2", len(next))
	}
	if next[0] != "waiting_for_consult" || next[1] != "engagement_completed" {
		t.Errorf("AllowedNext() = %v, want declaration order", next)
	}
}

func TestWorkflowDefinition_IsTerminal(t *testing.T) {
	def := lawyerGraph()
	if !def.IsTerminal("engagement_completed") {
		t.Error("engagement_completed should be terminal")
	}
	// A state whose only outgoing edge is a self-loop is still terminal.
	def.Edges = []EdgeDefinition{{From: "engagement_completed", To: "engagement_completed"}}
	if !def.IsTerminal("engagement_completed") {
		t.Error("self-loop-only state should be terminal")
	}
	if lawyerGraph().IsTerminal("waiting_for_consult") {
		t.Error("waiting_for_consult has outgoing edges, not terminal")
	}
}

func TestWorkflowDefinition_PrettyName(t *testing.T) {
	def := lawyerGraph()
	if got := def.PrettyName("waiting_for_consult"); got != "Waiting for Consult" {
		t.Errorf("PrettyName() = %q", got)
	}
	if got := def.PrettyName("unknown_state"); got != "unknown_state" {
		t.Errorf("PrettyName() fallback = %q, want raw id", got)
	}
}

func TestTemplateDefinition_RuleState(t *testing.T) {
	cases := []struct {
		name string
		tmpl TemplateDefinition
		want string
	}{
		{"enter state", TemplateDefinition{EnterState: &EnterStateRule{State: "a"}}, "a"},
		{"inactive for", TemplateDefinition{InactiveFor: &InactiveForRule{State: "b"}}, "b"},
		{"deadline", TemplateDefinition{Deadline: &DeadlineRule{State: "c"}}, "c"},
		{"none", TemplateDefinition{}, ""},
	}
	for _, tc := range cases {
		if got := tc.tmpl.RuleState(); got != tc.want {
			t.Errorf("%s: RuleState() = %q, want %q", tc.name, got, tc.want)
		}
	}
}
