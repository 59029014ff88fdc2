package integration

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/civiclegal/referralflow/model"
)

func TestResilience_providerOutageRecordedNotFatal(t *testing.T) {
	h := NewHarness(t)
	ctx := context.Background()
	ref := h.AddReferral("ref-1", "pro-1", "Dana Whitfield", nil)

	h.MailAPI.FailNext(3)

	// The referral still starts. The failed assignment notice is recorded
	// against the referral and in the mail log.
	inst, err := h.Engine.Start(ctx, ref, "lawyer")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if inst.CurrentState != "waiting_for_first_pre_consult_update" {
		t.Fatalf("state = %q", inst.CurrentState)
	}

	rows, err := h.Notifications.NotificationsForReferral(ctx, "ref-1")
	if err != nil {
		t.Fatalf("NotificationsForReferral: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != model.NotificationStatusFailed {
		t.Fatalf("unexpected rows %+v", rows)
	}

	logs, err := h.Notifications.MailLogs(ctx, 10)
	if err != nil {
		t.Fatalf("MailLogs: %v", err)
	}
	if len(logs) != 1 || logs[0].ToEmail != "pro-1@example.org" {
		t.Fatalf("unexpected mail logs %+v", logs)
	}
	if !strings.Contains(logs[0].ErrorText, "503") {
		t.Errorf("error text = %q", logs[0].ErrorText)
	}
}

func TestResilience_transientOutageRetriedOnce(t *testing.T) {
	h := NewHarness(t)
	ref := h.AddReferral("ref-1", "pro-1", "Dana Whitfield", nil)

	// One 503, then the provider recovers. The mailer retries internally.
	h.MailAPI.FailNext(1)

	if _, err := h.Engine.Start(context.Background(), ref, "lawyer"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sent := h.MailAPI.Received(); len(sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(sent))
	}
}

func TestResilience_failedJobRequeuedOverOps(t *testing.T) {
	h := NewHarness(t)
	ctx := context.Background()

	// A job pointing at a deleted instance fails structurally.
	job, err := h.JobStore.Schedule(ctx, "notify.deferred_send", map[string]any{
		"instance_id":    "wf-gone",
		"template_id":    "lawyer-first-update-nudge",
		"expected_state": "waiting_for_first_pre_consult_update",
	}, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	resp, body := h.Post("/ops/jobs/run")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("run: %d %s", resp.StatusCode, body)
	}

	resp, body = h.Get("/ops/jobs?status=" + model.JobStatusFailed)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", resp.StatusCode, body)
	}
	failed := Decode[struct {
		Jobs []model.ScheduledJob `json:"jobs"`
	}](t, body)
	if len(failed.Jobs) != 1 || failed.Jobs[0].ID != job.ID {
		t.Fatalf("unexpected failed jobs %+v", failed.Jobs)
	}
	if failed.Jobs[0].ErrorLog == "" {
		t.Error("failed job has no error log")
	}

	resp, body = h.Post("/ops/jobs/" + job.ID + "/requeue")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("requeue: %d %s", resp.StatusCode, body)
	}
	requeued := Decode[model.ScheduledJob](t, body)
	if requeued.Status != model.JobStatusScheduled || requeued.ErrorLog != "" {
		t.Fatalf("unexpected job %+v", requeued)
	}
}
