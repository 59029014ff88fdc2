package integration

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/civiclegal/referralflow/model"
)

func TestLifecycle_assignmentSendsAndSchedules(t *testing.T) {
	h := NewHarness(t)
	ctx := context.Background()
	ref := h.AddReferral("ref-1", "pro-1", "Dana Whitfield", nil)

	inst, err := h.Engine.Start(ctx, ref, "lawyer")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if inst.CurrentState != "waiting_for_first_pre_consult_update" {
		t.Fatalf("state after start = %q", inst.CurrentState)
	}

	// The assignment notice goes out immediately.
	sent := h.MailAPI.Received()
	if len(sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(sent))
	}
	if sent[0].To != "pro-1@example.org" {
		t.Errorf("to = %q", sent[0].To)
	}
	if sent[0].Subject != "New referral: Dana Whitfield" {
		t.Errorf("subject = %q", sent[0].Subject)
	}
	if !strings.Contains(sent[0].Text, "/referrals/ref-1?token=") {
		t.Errorf("body has no referral link: %q", sent[0].Text)
	}

	notifications, err := h.Notifications.NotificationsForReferral(ctx, "ref-1")
	if err != nil {
		t.Fatalf("NotificationsForReferral: %v", err)
	}
	if len(notifications) != 1 || notifications[0].Status != model.NotificationStatusSent {
		t.Fatalf("unexpected notifications %+v", notifications)
	}

	// The seven-day nudge is parked as a scheduled job at the send hour.
	scheduled, err := h.JobStore.List(ctx, model.JobStatusScheduled)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(scheduled) != 1 {
		t.Fatalf("scheduled %d jobs, want 1", len(scheduled))
	}
	job := scheduled[0]
	if job.DueAt.Hour() != harnessSendHour {
		t.Errorf("due hour = %d", job.DueAt.Hour())
	}
	if got := job.Args["expected_state"]; got != "waiting_for_first_pre_consult_update" {
		t.Errorf("expected_state = %v", got)
	}
}

func TestLifecycle_deferredNudgeDelivers(t *testing.T) {
	h := NewHarness(t)
	ctx := context.Background()
	ref := h.AddReferral("ref-1", "pro-1", "Dana Whitfield", nil)

	if _, err := h.Engine.Start(ctx, ref, "lawyer"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// No update for over a week: the nudge comes due and is delivered.
	report, err := h.Runner.RunDue(ctx, time.Now().UTC().Add(8*24*time.Hour))
	if err != nil {
		t.Fatalf("RunDue: %v", err)
	}
	if report.Claimed != 1 || report.Delivered != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	sent := h.MailAPI.Received()
	if len(sent) != 2 {
		t.Fatalf("sent %d emails, want 2", len(sent))
	}
	if sent[1].Subject != "Reminder: first update due for Dana Whitfield" {
		t.Errorf("subject = %q", sent[1].Subject)
	}
}

func TestLifecycle_staleNudgeIsSkipped(t *testing.T) {
	h := NewHarness(t)
	ctx := context.Background()
	ref := h.AddReferral("ref-1", "pro-1", "Dana Whitfield", nil)

	inst, err := h.Engine.Start(ctx, ref, "lawyer")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The lawyer posts an update before the nudge fires.
	if _, err := h.Engine.Transition(ctx, inst.ID, "waiting_for_pre_consult_update", model.UpdatePayload{
		HoursWorked: 1.5,
		Notes:       "initial call held",
	}); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	report, err := h.Runner.RunDue(ctx, time.Now().UTC().Add(8*24*time.Hour))
	if err != nil {
		t.Fatalf("RunDue: %v", err)
	}
	if report.Claimed != 1 || report.Delivered != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	// Still only the assignment email: the nudge was obsolete.
	if sent := h.MailAPI.Received(); len(sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(sent))
	}
}

func TestLifecycle_deadlineReminderScheduledAhead(t *testing.T) {
	h := NewHarness(t)
	ctx := context.Background()
	deadline := time.Now().UTC().Add(30 * 24 * time.Hour)
	ref := h.AddReferral("ref-1", "pro-1", "Dana Whitfield", &deadline)

	inst, err := h.Engine.Start(ctx, ref, "lawyer")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := h.Engine.Transition(ctx, inst.ID, "waiting_for_post_engagement_update", model.UpdatePayload{
		HoursWorked: 2,
	}); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	scheduled, err := h.JobStore.List(ctx, model.JobStatusScheduled)
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	var deadlineJob *model.ScheduledJob
	for i := range scheduled {
		if scheduled[i].Args["template_id"] == "lawyer-deadline-approaching" {
			deadlineJob = &scheduled[i]
		}
	}
	if deadlineJob == nil {
		t.Fatalf("no deadline job among %+v", scheduled)
	}

	wantDay := deadline.Add(-7 * 24 * time.Hour)
	if deadlineJob.DueAt.Year() != wantDay.Year() || deadlineJob.DueAt.YearDay() != wantDay.YearDay() {
		t.Errorf("due %v, want seven days before %v", deadlineJob.DueAt, deadline)
	}
	if deadlineJob.DueAt.Hour() != harnessSendHour {
		t.Errorf("due hour = %d", deadlineJob.DueAt.Hour())
	}
}

func TestLifecycle_invalidTransitionRejected(t *testing.T) {
	h := NewHarness(t)
	ctx := context.Background()
	ref := h.AddReferral("ref-1", "pro-1", "Dana Whitfield", nil)

	inst, err := h.Engine.Start(ctx, ref, "lawyer")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err = h.Engine.Transition(ctx, inst.ID, "referral_received", model.UpdatePayload{})
	if model.CodeOf(err) != model.ErrInvalidTransition {
		t.Fatalf("error = %v, want INVALID_TRANSITION", err)
	}
}
