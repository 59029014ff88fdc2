package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/civiclegal/referralflow/model"
)

func TestRecovery_convertsPanicTo500(t *testing.T) {
	h := Recovery(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if code := errorCode(t, rec); code != model.ErrInternalError {
		t.Fatalf("error code = %q", code)
	}
}

func TestRequestID_assignsAndEchoes(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	if seen == "" {
		t.Fatal("no correlation id assigned")
	}
	if got := rec.Header().Get("X-Correlation-Id"); got != seen {
		t.Fatalf("header %q does not match context value %q", got, seen)
	}
}

func TestRequestID_honorsCallerSupplied(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Correlation-Id", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != "abc-123" {
		t.Fatalf("correlation id = %q, want abc-123", seen)
	}
}

func TestHandlerTimeout_setsDeadline(t *testing.T) {
	var hasDeadline bool
	h := HandlerTimeout(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline = r.Context().Deadline()
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	if !hasDeadline {
		t.Fatal("request context has no deadline")
	}
}

func TestWriteError_masksUnknownErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, zap.NewNop(), errSentinel{})

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	resp := decodeBody[errorResponse](t, rec)
	if resp.Error == nil || resp.Error.Code != model.ErrInternalError {
		t.Fatalf("unexpected envelope %+v", resp.Error)
	}
}

type errSentinel struct{}

func (errSentinel) Error() string { return "database exploded: secret dsn" }
