package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/civiclegal/referralflow/internal/definition"
	"github.com/civiclegal/referralflow/internal/observability"
	"github.com/civiclegal/referralflow/model"
)

func testDefinition() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		Type: "lawyer",
		Name: "Lawyer Referral",
		States: []model.StateDefinition{
			{ID: "assigned", Name: "Referral Assigned"},
			{ID: "waiting_first", Name: "Waiting for First Update"},
			{ID: "working", Name: "Working the Matter"},
			{ID: "closed", Name: "Closed"},
		},
		Edges: []model.EdgeDefinition{
			{From: "assigned", To: "waiting_first"},
			{From: "waiting_first", To: "working"},
			{From: "working", To: "working"},
			{From: "working", To: "waiting_first"},
			{From: "working", To: "closed"},
		},
		Templates: []model.TemplateDefinition{
			{
				ID:           "assigned-notice",
				Subject:      "New referral",
				Body:         "You have a new referral.",
				Recipient:    "PROFESSIONAL_EMAIL",
				EventType:    model.EventEnterState,
				Active:       true,
				WorkflowType: "lawyer",
				EnterState:   &model.EnterStateRule{State: "waiting_first", DaysAfter: 0},
			},
			{
				ID:           "deadline-notice",
				Subject:      "Deadline approaching",
				Body:         "The filing deadline is near.",
				Recipient:    "PROFESSIONAL_EMAIL",
				EventType:    model.EventDeadline,
				Active:       true,
				WorkflowType: "lawyer",
				Deadline:     &model.DeadlineRule{State: "working", Days: 7, BeforeOrAfter: model.BeforeDeadline},
			},
			{
				ID:           "stale-matters",
				Subject:      "Matters needing updates",
				Body:         "These matters are overdue.",
				Recipient:    "PROFESSIONAL_EMAIL",
				EventType:    model.EventInactiveFor,
				Active:       true,
				WorkflowType: "lawyer",
				InactiveFor:  &model.InactiveForRule{State: "waiting_first", DaysInactive: 14},
			},
		},
	}
}

type recordingNotifier struct {
	calls []string
	err   error
}

func (n *recordingNotifier) StateEntered(_ context.Context, _ model.WorkflowInstance, tpl model.TemplateDefinition) error {
	n.calls = append(n.calls, tpl.ID)
	return n.err
}

func newTestEngine(t *testing.T) (*Engine, *MemoryInstanceStore, *recordingNotifier) {
	t.Helper()

	registry := definition.NewRegistry([]model.WorkflowDefinition{testDefinition()})
	store := NewMemoryInstanceStore()
	notifier := &recordingNotifier{}
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	return NewEngine(registry, store, notifier, zap.NewNop(), metrics), store, notifier
}

func TestEngine_Start(t *testing.T) {
	engine, store, notifier := newTestEngine(t)
	ctx := context.Background()

	inst, err := engine.Start(ctx, model.Referral{ID: "ref-1"}, "lawyer")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The instance lands past the entry state, in the first waiting state.
	if inst.CurrentState != "waiting_first" {
		t.Errorf("expected waiting_first, got %q", inst.CurrentState)
	}
	if inst.Version != 2 {
		t.Errorf("expected version 2 after auto-advance, got %d", inst.Version)
	}

	recs, err := store.Transitions(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 history records, got %d", len(recs))
	}
	if recs[0].StateName != "assigned" || recs[1].StateName != "waiting_first" {
		t.Errorf("unexpected history: %+v", recs)
	}
	if recs[0].IsHumanActivity || recs[1].IsHumanActivity {
		t.Error("start records must not count as human activity")
	}

	if len(notifier.calls) != 1 || notifier.calls[0] != "assigned-notice" {
		t.Errorf("expected assigned-notice to fire once, got %v", notifier.calls)
	}
}

func TestEngine_Start_unknownWorkflowType(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.Start(context.Background(), model.Referral{ID: "ref-1"}, "paralegal")
	if model.CodeOf(err) != model.ErrNotFound {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestEngine_Transition(t *testing.T) {
	engine, store, notifier := newTestEngine(t)
	ctx := context.Background()

	inst, err := engine.Start(ctx, model.Referral{ID: "ref-1"}, "lawyer")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	payload := model.UpdatePayload{HoursWorked: 2.5, Notes: "met with client", IsIncomeEligible: true}
	updated, err := engine.Transition(ctx, inst.ID, "working", payload)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}

	if updated.CurrentState != "working" {
		t.Errorf("expected working, got %q", updated.CurrentState)
	}
	if !updated.IsHumanActivity || updated.IsOverdue || updated.NotificationID != "" {
		t.Errorf("human update must clear overdue markers: %+v", updated)
	}
	if updated.HoursWorked != 2.5 || updated.Notes != "met with client" {
		t.Errorf("payload not applied: %+v", updated)
	}

	recs, err := store.Transitions(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	last := recs[len(recs)-1]
	if !last.IsHumanActivity || last.HoursWorked != 2.5 || !last.IsIncomeEligible {
		t.Errorf("unexpected history record: %+v", last)
	}

	// Entering working for the first time fires its deadline template.
	if len(notifier.calls) != 2 || notifier.calls[1] != "deadline-notice" {
		t.Errorf("expected deadline-notice to fire, got %v", notifier.calls)
	}
}

func TestEngine_Transition_invalidEdge(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	inst, err := engine.Start(ctx, model.Referral{ID: "ref-1"}, "lawyer")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err = engine.Transition(ctx, inst.ID, "closed", model.UpdatePayload{})
	if model.CodeOf(err) != model.ErrInvalidTransition {
		t.Errorf("expected INVALID_TRANSITION, got %v", err)
	}

	got, err := engine.AllowedNextStates(ctx, inst.ID)
	if err != nil {
		t.Fatalf("AllowedNextStates: %v", err)
	}
	if len(got) != 1 || got[0] != "working" {
		t.Errorf("expected [working], got %v", got)
	}
}

func TestEngine_Transition_rulesFireOnFirstEntryOnly(t *testing.T) {
	engine, _, notifier := newTestEngine(t)
	ctx := context.Background()

	inst, err := engine.Start(ctx, model.Referral{ID: "ref-1"}, "lawyer")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := engine.Transition(ctx, inst.ID, "working", model.UpdatePayload{}); err != nil {
		t.Fatalf("Transition to working: %v", err)
	}

	// Bounce back and forth; neither state is entered for the first time
	// again, so no further notifications fire.
	if _, err := engine.Transition(ctx, inst.ID, "waiting_first", model.UpdatePayload{}); err != nil {
		t.Fatalf("Transition back: %v", err)
	}
	if _, err := engine.Transition(ctx, inst.ID, "working", model.UpdatePayload{}); err != nil {
		t.Fatalf("Transition forward again: %v", err)
	}

	want := []string{"assigned-notice", "deadline-notice"}
	if len(notifier.calls) != len(want) {
		t.Fatalf("expected %v, got %v", want, notifier.calls)
	}
	for i := range want {
		if notifier.calls[i] != want[i] {
			t.Errorf("call %d: expected %q, got %q", i, want[i], notifier.calls[i])
		}
	}
}

func TestEngine_Transition_selfLoopRecordsUpdate(t *testing.T) {
	engine, store, notifier := newTestEngine(t)
	ctx := context.Background()

	inst, err := engine.Start(ctx, model.Referral{ID: "ref-1"}, "lawyer")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := engine.Transition(ctx, inst.ID, "working", model.UpdatePayload{HoursWorked: 1}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	before := len(notifier.calls)

	updated, err := engine.Transition(ctx, inst.ID, "working", model.UpdatePayload{HoursWorked: 3})
	if err != nil {
		t.Fatalf("self-loop Transition: %v", err)
	}
	if updated.CurrentState != "working" {
		t.Errorf("state must not change on self-loop, got %q", updated.CurrentState)
	}
	if len(notifier.calls) != before {
		t.Errorf("self-loop must not re-fire entry rules, got %v", notifier.calls)
	}

	recs, err := store.Transitions(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	if recs[len(recs)-1].HoursWorked != 3 {
		t.Errorf("self-loop update not recorded: %+v", recs[len(recs)-1])
	}
}

func TestEngine_Transition_notifierFailureIsNonFatal(t *testing.T) {
	engine, _, notifier := newTestEngine(t)
	notifier.err = errors.New("smtp down")
	ctx := context.Background()

	inst, err := engine.Start(ctx, model.Referral{ID: "ref-1"}, "lawyer")
	if err != nil {
		t.Fatalf("Start must succeed despite notifier failure: %v", err)
	}
	if _, err := engine.Transition(ctx, inst.ID, "working", model.UpdatePayload{}); err != nil {
		t.Fatalf("Transition must succeed despite notifier failure: %v", err)
	}
}

func TestEngine_SystemTouch(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()

	inst, err := engine.Start(ctx, model.Referral{ID: "ref-1"}, "lawyer")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := engine.Transition(ctx, inst.ID, "working", model.UpdatePayload{HoursWorked: 4, Notes: "drafted motion"}); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	humanAt, updated, err := engine.HumanLastUpdatedAt(ctx, inst.ID)
	if err != nil || !updated {
		t.Fatalf("HumanLastUpdatedAt: updated=%v err=%v", updated, err)
	}

	touched, err := engine.SystemTouch(ctx, inst.ID, "ntf-1")
	if err != nil {
		t.Fatalf("SystemTouch: %v", err)
	}
	if touched.IsHumanActivity || !touched.IsOverdue || touched.NotificationID != "ntf-1" {
		t.Errorf("unexpected instance after touch: %+v", touched)
	}
	if touched.HoursWorked != 0 || touched.Notes != "" {
		t.Errorf("touch must clear working fields: %+v", touched)
	}

	recs, err := store.Transitions(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	last := recs[len(recs)-1]
	if last.IsHumanActivity || last.StateName != "working" {
		t.Errorf("touch record must be non-human in the current state: %+v", last)
	}

	// The overdue baseline must not move.
	baseline, err := engine.LastHumanActivityAt(ctx, touched)
	if err != nil {
		t.Fatalf("LastHumanActivityAt: %v", err)
	}
	if !baseline.Equal(humanAt) {
		t.Errorf("baseline moved from %v to %v", humanAt, baseline)
	}
}

func TestEngine_HistoryAndReportedHours(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	inst, err := engine.Start(ctx, model.Referral{ID: "ref-1"}, "lawyer")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := engine.Transition(ctx, inst.ID, "working", model.UpdatePayload{HoursWorked: 2}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if _, err := engine.Transition(ctx, inst.ID, "working", model.UpdatePayload{HoursWorked: 1.5}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if _, err := engine.SystemTouch(ctx, inst.ID, "ntf-1"); err != nil {
		t.Fatalf("SystemTouch: %v", err)
	}

	history, err := engine.History(ctx, inst.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(history))
	}
	if history[0].PrettyName != "Referral Assigned" {
		t.Errorf("expected pretty name, got %q", history[0].PrettyName)
	}

	total, err := engine.TotalReportedHours(ctx, inst.ID)
	if err != nil {
		t.Fatalf("TotalReportedHours: %v", err)
	}
	if total != 3.5 {
		t.Errorf("expected 3.5 hours, got %v", total)
	}
}

func TestEngine_IsTerminal(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()

	inst, err := engine.Start(ctx, model.Referral{ID: "ref-1"}, "lawyer")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	terminal, err := engine.IsTerminal(ctx, inst.ID)
	if err != nil {
		t.Fatalf("IsTerminal: %v", err)
	}
	if terminal {
		t.Error("waiting_first must not be terminal")
	}

	if _, err := engine.Transition(ctx, inst.ID, "working", model.UpdatePayload{}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if _, err := engine.Transition(ctx, inst.ID, "closed", model.UpdatePayload{}); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	terminal, err = engine.IsTerminal(ctx, inst.ID)
	if err != nil {
		t.Fatalf("IsTerminal: %v", err)
	}
	if !terminal {
		t.Error("closed must be terminal")
	}

	got, err := store.Get(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CurrentState != "closed" {
		t.Errorf("expected closed, got %q", got.CurrentState)
	}
}

func TestPrettyLastUpdated(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		at      time.Time
		updated bool
		want    string
	}{
		{"never", time.Time{}, false, "Never Updated"},
		{"same day", now.Add(-2 * time.Hour), true, "Recently Updated"},
		{"two days", now.Add(-2 * 24 * time.Hour), true, "Recently Updated"},
		{"five days", now.Add(-5 * 24 * time.Hour), true, "5 days ago"},
		{"twenty nine days", now.Add(-29 * 24 * time.Hour), true, "29 days ago"},
		{"old", time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), true, "Mar 01, 2025"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := PrettyLastUpdated(tc.at, tc.updated, now)
			if got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

// contendedStore lands a rival write between a Get and the caller's Update,
// so the caller's version check loses.
type contendedStore struct {
	*MemoryInstanceStore
	contended bool
}

func (s *contendedStore) Get(ctx context.Context, id string) (model.WorkflowInstance, error) {
	inst, err := s.MemoryInstanceStore.Get(ctx, id)
	if err != nil || s.contended {
		return inst, err
	}
	s.contended = true

	rival := inst
	rival.Notes = "rival update"
	if err := s.MemoryInstanceStore.Update(ctx, rival); err != nil {
		return model.WorkflowInstance{}, err
	}
	return inst, nil
}

func TestEngine_Transition_lostRaceLeavesNoHistory(t *testing.T) {
	ctx := context.Background()
	registry := definition.NewRegistry([]model.WorkflowDefinition{testDefinition()})
	inner := NewMemoryInstanceStore()
	store := &contendedStore{MemoryInstanceStore: inner}
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	engine := NewEngine(registry, store, &recordingNotifier{}, zap.NewNop(), metrics)

	inst, err := engine.Start(ctx, model.Referral{ID: "ref-1"}, "lawyer")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	before, err := inner.Transitions(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}

	_, err = engine.Transition(ctx, inst.ID, "working", model.UpdatePayload{HoursWorked: 2})
	if model.CodeOf(err) != model.ErrConflict {
		t.Fatalf("expected CONFLICT, got %v", err)
	}

	// The losing call must leave no history row behind: a stray human row
	// would move the overdue baseline and inflate the state entry count.
	after, err := inner.Transitions(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("lost transition appended history: before %d rows, after %d", len(before), len(after))
	}
	count, err := inner.StateEntryCount(ctx, inst.ID, "working")
	if err != nil {
		t.Fatalf("StateEntryCount: %v", err)
	}
	if count != 0 {
		t.Errorf("entry count for unreached state = %d", count)
	}
}

func TestEngine_SystemTouch_lostRaceLeavesNoHistory(t *testing.T) {
	ctx := context.Background()
	registry := definition.NewRegistry([]model.WorkflowDefinition{testDefinition()})
	inner := NewMemoryInstanceStore()
	store := &contendedStore{MemoryInstanceStore: inner}
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	engine := NewEngine(registry, store, &recordingNotifier{}, zap.NewNop(), metrics)

	inst, err := engine.Start(ctx, model.Referral{ID: "ref-1"}, "lawyer")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	before, err := inner.Transitions(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}

	_, err = engine.SystemTouch(ctx, inst.ID, "ntf-1")
	if model.CodeOf(err) != model.ErrConflict {
		t.Fatalf("expected CONFLICT, got %v", err)
	}

	after, err := inner.Transitions(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("lost touch appended history: before %d rows, after %d", len(before), len(after))
	}
	got, err := inner.Get(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.NotificationID == "ntf-1" {
		t.Error("lost touch attached its notification")
	}
}
