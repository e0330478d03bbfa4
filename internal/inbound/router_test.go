package inbound

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/ehr/hl7inbound/internal/platform/hl7v2"
)

func acceptHandler() Handler {
	return HandlerFunc(func(context.Context, *hl7v2.Message) (AckResult, error) {
		return Accept(), nil
	})
}

func TestRouter_RegisterAndDispatch(t *testing.T) {
	r := NewRouter()
	var got *hl7v2.Message
	err := r.Register("ADT", "A28", HandlerFunc(func(_ context.Context, msg *hl7v2.Message) (AckResult, error) {
		got = msg
		return Accept(), nil
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := &hl7v2.Message{MessageType: "ADT", TriggerEvent: "A28"}
	ack, err := r.Dispatch(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ack.Code != hl7v2.AckAccept {
		t.Errorf("expected AA, got %s", ack.Code)
	}
	if got != msg {
		t.Error("expected handler to receive the dispatched message")
	}
}

func TestRouter_Unroutable(t *testing.T) {
	r := NewRouter()
	r.Register("ADT", "A28", acceptHandler())

	_, err := r.Dispatch(context.Background(), &hl7v2.Message{MessageType: "ZZZ", TriggerEvent: "Z99"})
	var ue *UnroutableError
	if !errors.As(err, &ue) {
		t.Fatalf("expected *UnroutableError, got %v", err)
	}
	if !strings.Contains(err.Error(), "ZZZ") || !strings.Contains(err.Error(), "Z99") {
		t.Errorf("expected error to name type and event, got %q", err.Error())
	}
}

func TestRouter_ExactPairOnly(t *testing.T) {
	r := NewRouter()
	r.Register("ADT", "A28", acceptHandler())

	if _, ok := r.Lookup("ADT", "A01"); ok {
		t.Error("ADT^A01 must not match an ADT^A28 registration")
	}
	if _, ok := r.Lookup("adt", " a28 "); ok {
		t.Error("lookup must not fold case or trim space")
	}
	if _, ok := r.Lookup("adt", "a28"); ok {
		t.Error("lower-case pair must not match ADT^A28")
	}
	if _, ok := r.Lookup("ADT", "A28"); !ok {
		t.Error("exact pair should match")
	}
}

func TestRouter_ReplaceOnReregister(t *testing.T) {
	r := NewRouter()
	r.Register("ADT", "A28", acceptHandler())
	r.Register("ADT", "A28", HandlerFunc(func(context.Context, *hl7v2.Message) (AckResult, error) {
		return Reject("second"), nil
	}))

	ack, _ := r.Dispatch(context.Background(), &hl7v2.Message{MessageType: "ADT", TriggerEvent: "A28"})
	if ack.Code != hl7v2.AckReject || ack.Text != "second" {
		t.Errorf("expected replacement handler, got %+v", ack)
	}
	if len(r.Routes()) != 1 {
		t.Errorf("expected 1 route, got %d", len(r.Routes()))
	}
}

func TestRouter_RegisterValidation(t *testing.T) {
	r := NewRouter()
	if err := r.Register("", "A28", acceptHandler()); err == nil {
		t.Error("expected error for empty message type")
	}
	if err := r.Register("ADT", "", acceptHandler()); err == nil {
		t.Error("expected error for empty trigger event")
	}
	if err := r.Register("ADT", "A28", nil); err == nil {
		t.Error("expected error for nil handler")
	}
}

func TestRouter_RegisterName(t *testing.T) {
	r := NewRouter()
	for _, name := range []string{"ORU_R01", "ADT^A28"} {
		if err := r.RegisterName(name, acceptHandler()); err != nil {
			t.Fatalf("RegisterName(%q): %v", name, err)
		}
	}
	if _, ok := r.Lookup("ORU", "R01"); !ok {
		t.Error("expected ORU^R01")
	}
	if _, ok := r.Lookup("ADT", "A28"); !ok {
		t.Error("expected ADT^A28")
	}
	for _, bad := range []string{"ORU", "_R01", "ORU_", ""} {
		if err := r.RegisterName(bad, acceptHandler()); err == nil {
			t.Errorf("RegisterName(%q): expected error", bad)
		}
	}
}

func TestRouter_UnregisterAndRoutes(t *testing.T) {
	r := NewRouter()
	r.RegisterAll(map[string]Handler{
		"ORU_R01": acceptHandler(),
		"ADT_A28": acceptHandler(),
		"ADT_A01": acceptHandler(),
	})

	routes := r.Routes()
	if len(routes) != 3 {
		t.Fatalf("expected 3 routes, got %d", len(routes))
	}
	want := []string{"ADT^A01", "ADT^A28", "ORU^R01"}
	for i, ri := range routes {
		if got := ri.MessageType + "^" + ri.TriggerEvent; got != want[i] {
			t.Errorf("route %d: expected %s, got %s", i, want[i], got)
		}
	}

	r.Unregister("ADT", "A01")
	if _, ok := r.Lookup("ADT", "A01"); ok {
		t.Error("expected ADT^A01 to be removed")
	}
}

func TestRouter_ConcurrentRegisterDispatch(t *testing.T) {
	r := NewRouter()
	r.Register("ADT", "A28", acceptHandler())
	msg := &hl7v2.Message{MessageType: "ADT", TriggerEvent: "A28"}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("ADT", "A28", acceptHandler())
		}()
		go func() {
			defer wg.Done()
			if _, err := r.Dispatch(context.Background(), msg); err != nil {
				t.Errorf("dispatch: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestAckResult_NormalizedCode(t *testing.T) {
	tests := []struct {
		code string
		want string
	}{
		{"", hl7v2.AckAccept},
		{"AA", hl7v2.AckAccept},
		{"ca", hl7v2.AckAccept},
		{"AE", hl7v2.AckError},
		{"CE", hl7v2.AckError},
		{"AR", hl7v2.AckReject},
		{"CR", hl7v2.AckReject},
		{"XX", hl7v2.AckError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := (AckResult{Code: tt.code}).normalizedCode(); got != tt.want {
				t.Errorf("normalizedCode(%q) = %q, want %q", tt.code, got, tt.want)
			}
		})
	}
}
