// Package webhook implements the delegate-side webhook HTTP front-end:
// per-endpoint signature verification, payload parsing into a push event,
// and framing as mcpl/push_event toward the host.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"goa.design/mcpl/internal/observability"
	"goa.design/mcpl/telemetry"
)

// MaxBodyBytes bounds a webhook request body.
const MaxBodyBytes = 1 << 20 // 1 MB

var (
	// ErrSignatureInvalid is returned when a source-specific signature check
	// fails.
	ErrSignatureInvalid = errors.New("webhook: invalid signature")
	// ErrBodyTooLarge is returned when the request body exceeds MaxBodyBytes.
	ErrBodyTooLarge = errors.New("webhook: body too large")
)

// Endpoint configures one webhook route.
type Endpoint struct {
	Source         string // "gitlab", "github", or anything else (unverified)
	Path           string
	Secret         string
	ConversationID string
	ParticipantID  string
	Parse          Parser
}

// Parser extracts a conversational context and optional system message from
// a source's raw payload.
type Parser func(body []byte, headers http.Header) (triggerContext string, systemMessage string, err error)

// PushEvent is framed as mcpl/push_event and handed to the caller-supplied
// Publisher.
type PushEvent struct {
	TriggerID      string
	Source         string
	ConversationID string
	Context        string
	SystemMessage  string
	Timestamp      time.Time
}

// Publisher delivers a parsed push event toward the host, framed as
// mcpl/push_event over the delegate's reliable channel.
type Publisher interface {
	Publish(ctx context.Context, ev PushEvent) error
}

// TriggerIDGenerator mints a unique id for each accepted webhook delivery.
type TriggerIDGenerator func() string

// FrontEnd is an http.Handler serving one or more configured webhook
// endpoints, each with its own source-specific signature verification.
type FrontEnd struct {
	mu        sync.Mutex
	endpoints map[string]Endpoint
	publisher Publisher
	genID     TriggerIDGenerator
	obs       *observability.Recorder
}

// New constructs a FrontEnd that publishes accepted events via publisher.
func New(publisher Publisher, genID TriggerIDGenerator, logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) *FrontEnd {
	return &FrontEnd{
		endpoints: make(map[string]Endpoint),
		publisher: publisher,
		genID:     genID,
		obs:       observability.New("webhook", logger, metrics, tracer),
	}
}

// RegisterEndpoint installs ep under its Path.
func (f *FrontEnd) RegisterEndpoint(ep Endpoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoints[ep.Path] = ep
}

// ServeHTTP implements http.Handler: it looks up the endpoint for the
// request path, verifies the source-specific signature, parses the body,
// and publishes a push event.
func (f *FrontEnd) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	f.mu.Lock()
	ep, ok := f.endpoints[r.URL.Path]
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	body, err := readLimited(r.Body, MaxBodyBytes)
	if err != nil {
		f.obs.Log(ctx, observability.Event{Operation: "webhook_receive", Subject: ep.Path, Outcome: observability.OutcomeError, Error: err.Error()})
		writeJSONStatus(w, http.StatusServiceUnavailable, map[string]any{"accepted": false, "error": err.Error()})
		return
	}

	if err := VerifySignature(ep.Source, ep.Secret, body, r.Header); err != nil {
		f.obs.Log(ctx, observability.Event{Operation: "webhook_receive", Subject: ep.Path, Outcome: observability.OutcomeError, Error: err.Error()})
		writeJSONStatus(w, http.StatusUnauthorized, map[string]any{"accepted": false, "error": err.Error()})
		return
	}

	parse := ep.Parse
	if parse == nil {
		parse = defaultParser
	}
	triggerContext, systemMessage, err := parse(body, r.Header)
	if err != nil {
		writeJSONStatus(w, http.StatusServiceUnavailable, map[string]any{"accepted": false, "error": err.Error()})
		return
	}

	triggerID := ""
	if f.genID != nil {
		triggerID = f.genID()
	}
	ev := PushEvent{
		TriggerID:      triggerID,
		Source:         ep.Source,
		ConversationID: ep.ConversationID,
		Context:        triggerContext,
		SystemMessage:  systemMessage,
		Timestamp:      time.Now(),
	}

	if f.publisher != nil {
		if err := f.publisher.Publish(ctx, ev); err != nil {
			f.obs.Log(ctx, observability.Event{Operation: "webhook_publish", Subject: ep.Path, Outcome: observability.OutcomeError, Error: err.Error()})
			writeJSONStatus(w, http.StatusServiceUnavailable, map[string]any{"accepted": false, "error": err.Error()})
			return
		}
	}

	writeJSONStatus(w, http.StatusOK, map[string]any{"accepted": true, "triggerId": triggerID})
}

func defaultParser(body []byte, headers http.Header) (string, string, error) {
	return string(body), "", nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	limited := io.LimitReader(r, limit+1)
	buf, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(buf)) > limit {
		return nil, ErrBodyTooLarge
	}
	return buf, nil
}

// VerifySignature checks body against the source's signature header.
// Unknown sources pass through unverified, matching the spec's explicit
// "no verification for unknown sources" rule.
func VerifySignature(source, secret string, body []byte, headers http.Header) error {
	switch strings.ToLower(source) {
	case "gitlab":
		token := headers.Get("X-Gitlab-Token")
		if token == "" || token != secret {
			return ErrSignatureInvalid
		}
		return nil
	case "github":
		sig := headers.Get("X-Hub-Signature-256")
		const prefix = "sha256="
		if !strings.HasPrefix(sig, prefix) {
			return ErrSignatureInvalid
		}
		want, err := hex.DecodeString(strings.TrimPrefix(sig, prefix))
		if err != nil {
			return ErrSignatureInvalid
		}
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		got := mac.Sum(nil)
		if !hmac.Equal(got, want) {
			return ErrSignatureInvalid
		}
		return nil
	default:
		return nil
	}
}

func writeJSONStatus(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
