package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

// SentEmail is one message captured by the mock delivery provider.
type SentEmail struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
	ReplyTo string `json:"reply_to"`
}

// MockMailAPI is a stand-in for the transactional email provider. It accepts
// the same POST /messages contract the real mailer speaks and records every
// delivered message. Failures can be injected per call.
type MockMailAPI struct {
	server *httptest.Server

	mu       sync.Mutex
	received []SentEmail
	failNext int
}

func NewMockMailAPI() *MockMailAPI {
	m := &MockMailAPI{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /messages", m.handleMessages)
	m.server = httptest.NewServer(mux)
	return m
}

func (m *MockMailAPI) handleMessages(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext > 0 {
		m.failNext--
		http.Error(w, `{"error":"upstream unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	var msg SentEmail
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, `{"error":"bad payload"}`, http.StatusBadRequest)
		return
	}
	m.received = append(m.received, msg)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"id":"msg-1"}`))
}

// URL returns the provider base URL.
func (m *MockMailAPI) URL() string { return m.server.URL }

// Close shuts the mock provider down.
func (m *MockMailAPI) Close() { m.server.Close() }

// FailNext makes the next n deliveries return a 503.
func (m *MockMailAPI) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// Received returns a copy of everything delivered so far.
func (m *MockMailAPI) Received() []SentEmail {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentEmail, len(m.received))
	copy(out, m.received)
	return out
}
