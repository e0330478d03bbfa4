package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/hl7inbound/internal/platform/auth"
)

// AuditEntry records one access to stored HL7 payloads or one operator
// action against the queue, archive, error store or sources.
type AuditEntry struct {
	Entity     string // queue, archive, errors, sources, messages, process, sweep
	EntityID   string
	Action     string // read, search, create, update, delete, resubmit, trigger
	Actor      string // token subject; empty when auth is off
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries. The middleware always logs; a
// recorder is an additional sink.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit returns Echo middleware that logs every request under an /hl7/
// path. Message payloads are PHI, so reads of individual entries are
// audited alongside mutating operator actions.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path

			entity, entityID, rest, ok := parseHL7Path(path)
			if !ok {
				return next(c)
			}

			// Execute the handler first so we capture the response status
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			entry := AuditEntry{
				Entity:     entity,
				EntityID:   entityID,
				Action:     auditAction(req.Method, entity, entityID, rest),
				Actor:      auth.UserIDFromContext(c.Request().Context()),
				Timestamp:  time.Now().UTC(),
				Path:       path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: status,
				RequestID:  GetRequestID(c),
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "hl7_audit").
				Str("request_id", entry.RequestID).
				Str("entity", entry.Entity).
				Str("entity_id", entry.EntityID).
				Str("action", entry.Action).
				Str("actor", entry.Actor).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("hl7_access")

			return err
		}
	}
}

// parseHL7Path splits ".../hl7/<entity>[/<id>][/<rest>]". ok is false for
// paths outside the /hl7/ surface.
func parseHL7Path(path string) (entity, id, rest string, ok bool) {
	i := strings.Index(path, "/hl7/")
	if i < 0 {
		return "", "", "", false
	}
	segments := strings.Split(strings.Trim(path[i+len("/hl7/"):], "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return "", "", "", false
	}
	entity = segments[0]
	if len(segments) > 1 {
		if isUUIDLike(segments[1]) {
			id = segments[1]
			if len(segments) > 2 {
				rest = segments[2]
			}
		} else {
			rest = segments[1]
		}
	}
	return entity, id, rest, true
}

func auditAction(method, entity, id, rest string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		if id == "" {
			return "search"
		}
		return "read"
	case http.MethodPost:
		switch {
		case rest == "resubmit":
			return "resubmit"
		case id == "" && rest == "" && (entity == "messages" || entity == "sources"):
			return "create"
		}
		return "trigger"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	}
	return "read"
}

func isUUIDLike(s string) bool {
	if len(s) < 1 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
