package middleware

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/hl7inbound/internal/platform/auth"
)

func TestParseHL7Path(t *testing.T) {
	id := "7f1c8e64-3c4e-4c59-9a59-0d0e8d1f5a10"
	tests := []struct {
		path                string
		entity, entID, rest string
		ok                  bool
	}{
		{"/api/v1/hl7/queue", "queue", "", "", true},
		{"/api/v1/hl7/errors/" + id, "errors", id, "", true},
		{"/api/v1/hl7/errors/" + id + "/resubmit", "errors", id, "resubmit", true},
		{"/api/v1/hl7/process/drain", "process", "", "drain", true},
		{"/api/v1/hl7/", "", "", "", false},
		{"/health", "", "", "", false},
	}
	for _, tt := range tests {
		entity, entID, rest, ok := parseHL7Path(tt.path)
		if entity != tt.entity || entID != tt.entID || rest != tt.rest || ok != tt.ok {
			t.Errorf("parseHL7Path(%q) = %q %q %q %v", tt.path, entity, entID, rest, ok)
		}
	}
}

func TestAuditAction(t *testing.T) {
	tests := []struct {
		method, entity, id, rest string
		want                     string
	}{
		{http.MethodGet, "queue", "", "", "search"},
		{http.MethodGet, "archive", "x", "", "read"},
		{http.MethodPost, "messages", "", "", "create"},
		{http.MethodPost, "sources", "", "", "create"},
		{http.MethodPost, "process", "", "", "trigger"},
		{http.MethodPost, "process", "", "drain", "trigger"},
		{http.MethodPost, "errors", "x", "resubmit", "resubmit"},
		{http.MethodPut, "sources", "x", "", "update"},
		{http.MethodDelete, "queue", "x", "", "delete"},
	}
	for _, tt := range tests {
		if got := auditAction(tt.method, tt.entity, tt.id, tt.rest); got != tt.want {
			t.Errorf("auditAction(%s %s %s %s) = %q, want %q", tt.method, tt.entity, tt.id, tt.rest, got, tt.want)
		}
	}
}

func TestAudit_RecordsHL7Access(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	id := "7f1c8e64-3c4e-4c59-9a59-0d0e8d1f5a10"
	req := httptest.NewRequest(http.MethodPost, "/api/v1/hl7/errors/"+id+"/resubmit", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.Set("request_id", "req-123")

	var got []AuditEntry
	recorder := AuditRecorderFunc(func(entry AuditEntry) error {
		got = append(got, entry)
		return nil
	})

	err := Audit(logger, recorder)(func(c echo.Context) error {
		return c.NoContent(http.StatusAccepted)
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("recorded %d entries", len(got))
	}
	entry := got[0]
	if entry.Entity != "errors" || entry.EntityID != id || entry.Action != "resubmit" {
		t.Errorf("entry = %+v", entry)
	}
	if entry.StatusCode != http.StatusAccepted || entry.RequestID != "req-123" {
		t.Errorf("entry = %+v", entry)
	}
	if !strings.Contains(buf.String(), `"type":"hl7_audit"`) {
		t.Errorf("audit log missing: %s", buf.String())
	}
}

func TestAudit_StatusFromHTTPError(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/hl7/queue/nope", nil), httptest.NewRecorder())

	var status int
	Audit(zerolog.Nop(), AuditRecorderFunc(func(entry AuditEntry) error {
		status = entry.StatusCode
		return nil
	}))(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	})(c)

	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", status)
	}
}

func TestAudit_RecordsActorSetDownstream(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/hl7/archive", nil), httptest.NewRecorder())

	var actor string
	Audit(zerolog.New(&buf), AuditRecorderFunc(func(entry AuditEntry) error {
		actor = entry.Actor
		return nil
	}))(func(c echo.Context) error {
		ctx := context.WithValue(c.Request().Context(), auth.UserIDKey, "ops-alice")
		c.SetRequest(c.Request().WithContext(ctx))
		return c.NoContent(http.StatusOK)
	})(c)

	if actor != "ops-alice" {
		t.Errorf("actor = %q, want ops-alice", actor)
	}
	if !strings.Contains(buf.String(), `"actor":"ops-alice"`) {
		t.Errorf("audit log missing actor: %s", buf.String())
	}
}

func TestAudit_SkipsOtherPaths(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/metrics", nil), httptest.NewRecorder())

	called := false
	Audit(zerolog.Nop(), AuditRecorderFunc(func(AuditEntry) error {
		called = true
		return nil
	}))(func(c echo.Context) error { return nil })(c)

	if called {
		t.Error("non-hl7 path was audited")
	}
}
