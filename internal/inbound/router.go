package inbound

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ehr/hl7inbound/internal/platform/hl7v2"
)

// AckResult is a handler's acknowledgment. Code is one of the hl7v2 Ack*
// constants; commit-level codes (CA, CE, CR) are treated like their
// application-level counterparts.
type AckResult struct {
	Code string `json:"code"`
	Text string `json:"text,omitempty"`
}

// Accept returns an AA acknowledgment.
func Accept() AckResult { return AckResult{Code: hl7v2.AckAccept} }

// Reject returns an AR acknowledgment carrying text.
func Reject(text string) AckResult { return AckResult{Code: hl7v2.AckReject, Text: text} }

// ApplicationErr returns an AE acknowledgment carrying text.
func ApplicationErr(text string) AckResult { return AckResult{Code: hl7v2.AckError, Text: text} }

// normalizedCode folds commit-level codes onto application-level ones. An
// empty code counts as acceptance.
func (a AckResult) normalizedCode() string {
	switch strings.ToUpper(a.Code) {
	case "", "AA", "CA":
		return hl7v2.AckAccept
	case "AE", "CE":
		return hl7v2.AckError
	case "AR", "CR":
		return hl7v2.AckReject
	}
	return hl7v2.AckError
}

// Handler processes one decoded message. Implementations must be safe to
// call again with the same message: an entry whose outcome could not be
// recorded is claimed again once its lease runs out.
type Handler interface {
	Process(ctx context.Context, msg *hl7v2.Message) (AckResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *hl7v2.Message) (AckResult, error)

func (f HandlerFunc) Process(ctx context.Context, msg *hl7v2.Message) (AckResult, error) {
	return f(ctx, msg)
}

type routeKey struct {
	messageType  string
	triggerEvent string
}

// RouteInfo describes one registration.
type RouteInfo struct {
	MessageType  string `json:"message_type"`
	TriggerEvent string `json:"trigger_event"`
	Handler      string `json:"handler"`
}

// Router maps (message type, trigger event) pairs to handlers. It is safe
// for concurrent registration and dispatch.
type Router struct {
	mu     sync.RWMutex
	routes map[routeKey]Handler
}

func NewRouter() *Router {
	return &Router{routes: make(map[routeKey]Handler)}
}

// keyFor keeps the pair as sent; "adt^a28" and "ADT^A28" are different routes.
func keyFor(messageType, triggerEvent string) routeKey {
	return routeKey{messageType: messageType, triggerEvent: triggerEvent}
}

// Register binds h to the pair, replacing any earlier registration.
func (r *Router) Register(messageType, triggerEvent string, h Handler) error {
	k := keyFor(messageType, triggerEvent)
	if k.messageType == "" || k.triggerEvent == "" {
		return fmt.Errorf("message type and trigger event are required")
	}
	if h == nil {
		return fmt.Errorf("handler for %s^%s is nil", k.messageType, k.triggerEvent)
	}
	r.mu.Lock()
	r.routes[k] = h
	r.mu.Unlock()
	return nil
}

// RegisterName registers h under a combined name such as "ORU_R01" or
// "ADT^A28".
func (r *Router) RegisterName(name string, h Handler) error {
	messageType, triggerEvent, ok := splitRouteName(name)
	if !ok {
		return fmt.Errorf("invalid route name %q: expected TYPE_EVENT", name)
	}
	return r.Register(messageType, triggerEvent, h)
}

// RegisterAll registers every entry of handlers keyed by combined name.
func (r *Router) RegisterAll(handlers map[string]Handler) error {
	for name, h := range handlers {
		if err := r.RegisterName(name, h); err != nil {
			return err
		}
	}
	return nil
}

func splitRouteName(name string) (string, string, bool) {
	for _, sep := range []string{"_", "^"} {
		if t, e, ok := strings.Cut(name, sep); ok && t != "" && e != "" {
			return t, e, true
		}
	}
	return "", "", false
}

// Unregister removes the handler for the pair, if any.
func (r *Router) Unregister(messageType, triggerEvent string) {
	r.mu.Lock()
	delete(r.routes, keyFor(messageType, triggerEvent))
	r.mu.Unlock()
}

// Lookup returns the handler registered for the exact pair.
func (r *Router) Lookup(messageType, triggerEvent string) (Handler, bool) {
	r.mu.RLock()
	h, ok := r.routes[keyFor(messageType, triggerEvent)]
	r.mu.RUnlock()
	return h, ok
}

// Dispatch hands msg to its handler. A message with no handler yields an
// *UnroutableError; nothing is retried.
func (r *Router) Dispatch(ctx context.Context, msg *hl7v2.Message) (AckResult, error) {
	h, ok := r.Lookup(msg.MessageType, msg.TriggerEvent)
	if !ok {
		return AckResult{}, &UnroutableError{MessageType: msg.MessageType, TriggerEvent: msg.TriggerEvent}
	}
	return h.Process(ctx, msg)
}

// Routes lists the registrations sorted by type and event.
func (r *Router) Routes() []RouteInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RouteInfo, 0, len(r.routes))
	for k, h := range r.routes {
		out = append(out, RouteInfo{
			MessageType:  k.messageType,
			TriggerEvent: k.triggerEvent,
			Handler:      fmt.Sprintf("%T", h),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MessageType != out[j].MessageType {
			return out[i].MessageType < out[j].MessageType
		}
		return out[i].TriggerEvent < out[j].TriggerEvent
	})
	return out
}
