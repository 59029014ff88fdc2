package integration

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/civiclegal/referralflow/internal/notify"
	"github.com/civiclegal/referralflow/model"
)

func TestSweep_batchesOverdueMattersPerLawyer(t *testing.T) {
	h := NewHarness(t)
	ctx := context.Background()
	stale := time.Now().UTC().Add(-20 * 24 * time.Hour)

	h.AddReferral("ref-1", "pro-1", "Dana Whitfield", nil)
	h.AddReferral("ref-2", "pro-1", "Miguel Reyes", nil)
	h.AddReferral("ref-3", "pro-2", "Ana Sorenson", nil)
	h.SeedInstance("wf-1", "ref-1", "waiting_for_pre_consult_update", stale)
	h.SeedInstance("wf-2", "ref-2", "waiting_for_pre_consult_update", stale)
	h.SeedInstance("wf-3", "ref-3", "waiting_for_pre_consult_update", time.Now().UTC())

	resp, body := h.Post("/ops/sweep")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sweep status = %d, body %s", resp.StatusCode, body)
	}

	report := Decode[notify.SweepReport](t, body)
	if report.BatchesSent != 1 || report.MattersNotified != 2 {
		t.Fatalf("unexpected report %+v", report)
	}

	sent := h.MailAPI.Received()
	if len(sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(sent))
	}
	msg := sent[0]
	if msg.To != "pro-1@example.org" {
		t.Errorf("to = %q", msg.To)
	}
	if msg.Subject != "2 referrals awaiting a consult update" {
		t.Errorf("subject = %q", msg.Subject)
	}
	for _, name := range []string{"Dana Whitfield", "Miguel Reyes"} {
		if !strings.Contains(msg.Text, name) {
			t.Errorf("body missing %q", name)
		}
	}
	if !strings.Contains(msg.Text, "/professionals/pro-1/pending?token=") {
		t.Errorf("body has no magic link: %q", msg.Text)
	}

	// Each matter gets its own notification row and a system touch.
	for _, refID := range []string{"ref-1", "ref-2"} {
		rows, err := h.Notifications.NotificationsForReferral(ctx, refID)
		if err != nil {
			t.Fatalf("NotificationsForReferral(%s): %v", refID, err)
		}
		if len(rows) != 1 || rows[0].Status != model.NotificationStatusSent {
			t.Fatalf("unexpected rows for %s: %+v", refID, rows)
		}
	}
	inst, err := h.Instances.Get(ctx, "wf-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !inst.IsOverdue || inst.NotificationID == "" {
		t.Fatalf("system touch not applied: %+v", inst)
	}

	// The fresh matter stays untouched.
	if rows, _ := h.Notifications.NotificationsForReferral(ctx, "ref-3"); len(rows) != 0 {
		t.Fatalf("fresh matter was notified: %+v", rows)
	}
}

func TestSweep_reminderNotRepeatedUntilWindowElapses(t *testing.T) {
	h := NewHarness(t)
	ctx := context.Background()
	stale := time.Now().UTC().Add(-20 * 24 * time.Hour)

	h.AddReferral("ref-1", "pro-1", "Dana Whitfield", nil)
	h.SeedInstance("wf-1", "ref-1", "waiting_for_pre_consult_update", stale)

	if resp, body := h.Post("/ops/sweep"); resp.StatusCode != http.StatusOK {
		t.Fatalf("first sweep: %d %s", resp.StatusCode, body)
	}
	if len(h.MailAPI.Received()) != 1 {
		t.Fatalf("first sweep sent %d emails", len(h.MailAPI.Received()))
	}

	// Re-running right away sends nothing: the reminder's touch defers the
	// matter for a full window.
	resp, body := h.Post("/ops/sweep")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second sweep: %d %s", resp.StatusCode, body)
	}
	report := Decode[notify.SweepReport](t, body)
	if report.MattersNotified != 0 {
		t.Fatalf("repeat sweep re-notified: %+v", report)
	}
	if len(h.MailAPI.Received()) != 1 {
		t.Fatalf("repeat sweep sent %d emails total", len(h.MailAPI.Received()))
	}

	// With no human update, a sweep a full window after the reminder sends
	// exactly one more.
	later, err := h.Sweeper.RunSweep(ctx, time.Now().UTC().Add(15*24*time.Hour))
	if err != nil {
		t.Fatalf("RunSweep: %v", err)
	}
	if later.MattersNotified != 1 {
		t.Fatalf("unexpected report %+v", later)
	}
	if len(h.MailAPI.Received()) != 2 {
		t.Fatalf("later sweep sent %d emails total", len(h.MailAPI.Received()))
	}
}

func TestSweep_concurrentSweepRejected(t *testing.T) {
	h := NewHarness(t)

	ok, err := h.Lock.Acquire(context.Background(), "sweep", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire: ok=%v err=%v", ok, err)
	}

	resp, _ := h.Post("/ops/sweep")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}
