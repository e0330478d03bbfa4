package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/labstack/echo/v4"
)

func okHandler(c echo.Context) error { return c.String(http.StatusOK, "ok") }

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})(okHandler)

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodPost, "/api/v1/hl7/messages", nil), rec)
		if err := handler(c); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit '10', got %q", i+1, got)
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})(okHandler)

	for i := 0; i < 2; i++ {
		c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), httptest.NewRecorder())
		if err := handler(c); err != nil {
			t.Fatalf("request %d: unexpected error %v", i+1, err)
		}
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
	err := handler(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if ra, err := strconv.Atoi(rec.Header().Get("Retry-After")); err != nil || ra < 1 {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
}

func TestRateLimit_BucketsPerSource(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1})(okHandler)

	send := func(source string) error {
		c := e.NewContext(httptest.NewRequest(http.MethodPost, "/api/v1/hl7/messages?source="+source, nil), httptest.NewRecorder())
		return handler(c)
	}

	if err := send("LAB"); err != nil {
		t.Fatalf("LAB first: %v", err)
	}
	if err := send("RIS"); err != nil {
		t.Fatalf("RIS should have its own bucket: %v", err)
	}
	if err := send("LAB"); err == nil {
		t.Fatal("LAB second should be limited")
	}
}

func TestRateLimit_DisabledWhenRateZero(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{})(okHandler)
	for i := 0; i < 100; i++ {
		c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), httptest.NewRecorder())
		if err := handler(c); err != nil {
			t.Fatalf("request %d limited with rate 0: %v", i, err)
		}
	}
}

func TestRateLimit_CustomKey(t *testing.T) {
	e := echo.New()
	handler := RateLimit(RateLimitConfig{
		RequestsPerSecond: 0.001,
		BurstSize:         1,
		KeyFunc:           func(c echo.Context) string { return "global" },
	})(okHandler)

	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/?source=A", nil), httptest.NewRecorder())
	if err := handler(c); err != nil {
		t.Fatal(err)
	}
	c = e.NewContext(httptest.NewRequest(http.MethodPost, "/?source=B", nil), httptest.NewRecorder())
	if err := handler(c); err == nil {
		t.Fatal("shared key should be limited")
	}
}
