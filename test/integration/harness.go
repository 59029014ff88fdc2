// Package integration wires a complete referralflow instance with in-memory
// stores and a mock email provider, and exercises it end to end through the
// engine API and the ops HTTP surface.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/civiclegal/referralflow/internal/config"
	"github.com/civiclegal/referralflow/internal/definition"
	"github.com/civiclegal/referralflow/internal/jobs"
	"github.com/civiclegal/referralflow/internal/notify"
	"github.com/civiclegal/referralflow/internal/observability"
	"github.com/civiclegal/referralflow/internal/sweeplock"
	"github.com/civiclegal/referralflow/internal/transport"
	"github.com/civiclegal/referralflow/internal/workflow"
	"github.com/civiclegal/referralflow/model"
)

const harnessSendHour = 10

// Harness encapsulates a fully wired referralflow instance backed by memory
// stores and a mock email provider.
type Harness struct {
	t      *testing.T
	server *httptest.Server

	// Internal components exposed for advanced test scenarios.
	Registry      *definition.Registry
	Engine        *workflow.Engine
	Dispatcher    *notify.Dispatcher
	Sweeper       *notify.Sweeper
	Runner        *jobs.Runner
	Instances     *workflow.MemoryInstanceStore
	Notifications *notify.MemoryStore
	JobStore      *jobs.MemoryStore
	Directory     *model.MemoryDirectory
	Lock          *sweeplock.MemoryLock
	MailAPI       *MockMailAPI
	Links         *notify.Links
}

// NewHarness loads the real workflow definitions shipped with the binary and
// wires every component the server wires, minus postgres and redis.
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	logger := zap.NewNop()
	metrics := observability.InitMetrics(prometheus.NewRegistry())

	loader := definition.NewLoader()
	defs, err := loader.LoadAll([]string{definitionsDir(t)})
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	if verrs := definition.NewValidator().Validate(defs); len(verrs) > 0 {
		t.Fatalf("definition validation: %v", verrs)
	}
	registry := definition.NewRegistry(defs)

	h := &Harness{
		t:             t,
		Registry:      registry,
		Instances:     workflow.NewMemoryInstanceStore(),
		Notifications: notify.NewMemoryStore(),
		JobStore:      jobs.NewMemoryStore(),
		Directory:     model.NewMemoryDirectory(),
		Lock:          sweeplock.NewMemoryLock(),
		MailAPI:       NewMockMailAPI(),
	}
	t.Cleanup(h.MailAPI.Close)

	mailer := notify.NewAPIMailer(config.MailerConfig{
		BaseURL:     h.MailAPI.URL(),
		Timeout:     5 * time.Second,
		FromAddress: "referrals@example.org",
	})
	h.Links = notify.NewLinks("https://portal.example.org", []byte("integration-signing-key"), time.Hour)

	h.Dispatcher = notify.NewDispatcher(
		h.Notifications, h.Instances, registry, h.Directory,
		mailer, h.Links, h.JobStore, harnessSendHour, logger, metrics,
	)
	h.Engine = workflow.NewEngine(registry, h.Instances, h.Dispatcher, logger, metrics)
	h.Sweeper = notify.NewSweeper(registry, h.Engine, h.Dispatcher, h.Directory, 2, logger, metrics)
	h.Runner = jobs.NewRunner(h.JobStore, 0, logger, metrics)
	h.Runner.Register(notify.DeferredSendFunction, h.Dispatcher.DeferredSend)

	router := transport.NewRouter(transport.Dependencies{
		Logger:   logger,
		Metrics:  metrics,
		Sweeper:  h.Sweeper,
		Runner:   h.Runner,
		JobStore: h.JobStore,
		Lock:     h.Lock,
		LockTTL:  time.Minute,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return registry.Count() > 0 },
		},
	})
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

func definitionsDir(t *testing.T) string {
	t.Helper()

	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("cannot locate test file")
	}
	return filepath.Join(filepath.Dir(thisFile), "..", "..", "definitions")
}

// AddReferral registers a professional and a referral with the directory.
func (h *Harness) AddReferral(refID, proID, clientName string, deadline *time.Time) model.Referral {
	h.t.Helper()

	h.Directory.PutProfessional(model.Professional{
		ID:          proID,
		DisplayName: "Pro " + proID,
		Email:       proID + "@example.org",
	})
	ref := model.Referral{
		ID:             refID,
		ProfessionalID: proID,
		ClientName:     clientName,
		Email:          refID + "@client.example.org",
		DeadlineDate:   deadline,
		CreatedAt:      time.Now().UTC(),
	}
	h.Directory.PutReferral(ref)
	return ref
}

// SeedInstance creates a workflow instance directly in the store, bypassing
// the engine, so tests can backdate activity.
func (h *Harness) SeedInstance(instID, refID, state string, createdAt time.Time) model.WorkflowInstance {
	h.t.Helper()

	inst := model.WorkflowInstance{
		ID:           instID,
		ReferralID:   refID,
		WorkflowType: "lawyer",
		CurrentState: state,
		Version:      1,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
	if err := h.Instances.Create(context.Background(), inst); err != nil {
		h.t.Fatalf("seed instance: %v", err)
	}
	return inst
}

// Post sends a bodyless POST to the running server.
func (h *Harness) Post(path string) (*http.Response, []byte) {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path)
}

// Get sends a GET to the running server.
func (h *Harness) Get(path string) (*http.Response, []byte) {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path)
}

func (h *Harness) doRequest(method, path string) (*http.Response, []byte) {
	h.t.Helper()

	req, err := http.NewRequest(method, h.server.URL+path, nil)
	if err != nil {
		h.t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		h.t.Fatalf("read response: %v", err)
	}
	return resp, body
}

// Decode unmarshals a response body, failing the test on bad JSON.
func Decode[T any](t *testing.T, body []byte) T {
	t.Helper()

	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatalf("decode %q: %v", string(body), err)
	}
	return v
}
