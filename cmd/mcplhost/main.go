package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"goa.design/clue/log"

	"goa.design/mcpl/delegatehandler"
	"goa.design/mcpl/delegatemgr"
	"goa.design/mcpl/eventlog"
	"goa.design/mcpl/eventqueue"
	"goa.design/mcpl/hooks"
	"goa.design/mcpl/inference"
	"goa.design/mcpl/mgmttools"
	"goa.design/mcpl/scope"
	"goa.design/mcpl/session"
	"goa.design/mcpl/statemgr"
	"goa.design/mcpl/telemetry"
	"goa.design/mcpl/toolregistry"
	"goa.design/mcpl/webhook"
	"goa.design/mcpl/wsadapter"
)

func main() {
	var (
		httpAddrF  = flag.String("http-addr", ":8080", "HTTP/WebSocket listen address")
		routingF   = flag.String("routing-config", "inference-routing.json", "path to inference-routing.json")
		eventDirF  = flag.String("event-dir", "./data/events", "directory for the UI event log shards")
		dbgF       = flag.Bool("debug", false, "enable debug-level logging")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	sessions := session.NewStore()
	tools := toolregistry.New(logger, metrics, tracer)
	delegates := delegatemgr.New(nopBroadcaster{}, logger, metrics, tracer)
	scopeMgr := scope.New(nil, scope.Policy{}, logger, metrics, tracer)
	stateMgr := statemgr.New(nil, logger, metrics, tracer)
	uiEvents := eventlog.New(*eventDirF, logger, metrics, tracer)

	hookMgr := hooks.New(sessionDiscoverer{delegates: delegates, sessions: sessions}, logger, metrics, tracer)

	queue := eventqueue.New(pushEventTrigger(hookMgr, uiEvents), logger, metrics, tracer)

	router := inference.NewRouter(*routingF)
	router.Start()
	broker := inference.NewBroker(router, stubInferenceEngine{}, func(string) inference.Route { return inference.Route{} }, logger, metrics, tracer)

	toggle := mgmttools.NewServerToggle()
	if err := mgmttools.Register(tools, delegates, scopeMgr, toggle); err != nil {
		log.Fatal(ctx, err)
	}

	mcplRoutes := &delegatehandler.MCPLRouter{Tools: tools, Delegates: delegates, Queue: queue, State: stateMgr, Scope: scopeMgr, Broker: broker}
	handler := delegatehandler.New(staticAuthenticator{}, sessions, delegates, tools, hookMgr, mcplRoutes, logger, metrics, tracer)

	front := webhook.New(pushEventPublisher{queue: queue}, triggerIDGenerator(), logger, metrics, tracer)

	mux := http.NewServeMux()
	mux.Handle("/webhooks/", front)
	mux.HandleFunc("/mcpl", websocketEndpoint(ctx, handler))

	server := &http.Server{Addr: *httpAddrF, Handler: mux}

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Print(ctx, log.KV{K: "http-addr", V: *httpAddrF})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	wg.Wait()
	log.Printf(ctx, "exited")
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func websocketEndpoint(ctx context.Context, handler *delegatehandler.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		delegateID := r.URL.Query().Get("delegateId")
		params := delegatehandler.ConnectParams{
			Token:      r.URL.Query().Get("token"),
			APIKey:     r.URL.Query().Get("apiKey"),
			DelegateID: delegateID,
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		transport := wsadapter.New(conn)
		go func() {
			_ = handler.HandleConnection(r.Context(), transport, params)
		}()
	}
}

// staticAuthenticator treats the bearer token / API key itself as the
// userId. A production deployment swaps this for a JWT validator or a user
// store lookup; the Authenticator seam exists precisely for that purpose.
type staticAuthenticator struct{}

func (staticAuthenticator) AuthenticateToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", delegatehandler.ErrAuthFailed
	}
	return token, nil
}

func (staticAuthenticator) AuthenticateAPIKey(ctx context.Context, apiKey string) (string, error) {
	if apiKey == "" {
		return "", delegatehandler.ErrAuthFailed
	}
	return apiKey, nil
}

type nopBroadcaster struct{}

func (nopBroadcaster) BroadcastDelegateStatus(ctx context.Context, userID string, status delegatemgr.DelegateStatus, delegates []delegatemgr.DelegateInfo) {
}

// sessionDiscoverer implements hooks.Discoverer over the set of currently
// connected delegates, restricted to sessions that negotiated
// context_hooks.
type sessionDiscoverer struct {
	delegates *delegatemgr.Manager
	sessions  *session.Store
}

func (d sessionDiscoverer) HookCapableServers(ctx context.Context, userID string) []hooks.Server {
	var servers []hooks.Server
	for _, info := range d.delegates.ConnectedDelegates(userID) {
		sess, err := d.sessions.Get(info.SessionID)
		if err != nil || !sess.HasCapability(session.CapContextHooks) {
			continue
		}
		delegateID := info.DelegateID
		servers = append(servers, hooks.Server{
			ServerID: delegateID,
			Send: func(ctx context.Context, requestID, conversationID, summary string) ([]hooks.Injection, error) {
				resp := d.delegates.SendHookRequest(ctx, delegateID, userID, delegatemgr.HookCallRequest{
					RequestID:      requestID,
					ConversationID: conversationID,
					Summary:        summary,
					Kind:           "beforeInference",
				}, 0)
				if resp.Error != "" {
					return nil, fmt.Errorf("%s", resp.Error)
				}
				var injections []hooks.Injection
				if len(resp.Injections) > 0 {
					if err := json.Unmarshal(resp.Injections, &injections); err != nil {
						return nil, err
					}
				}
				for i := range injections {
					injections[i].ServerID = delegateID
				}
				return injections, nil
			},
		})
	}
	return servers
}

// pushEventTrigger adapts the Event Queue's TriggerHandler to the Hook
// Manager + UI event log: it fans out beforeInference and records the
// delivery in the per-conversation UI event log.
func pushEventTrigger(hookMgr *hooks.Manager, uiEvents *eventlog.Log) eventqueue.TriggerHandler {
	return func(ctx context.Context, ev eventqueue.Event) error {
		hookMgr.BeforeInference(ctx, ev.UserID, ev.ConversationID, ev.SystemMessage, 0)
		return uiEvents.Append(ctx, eventlog.Event{
			ID:             ev.ID,
			ConversationID: ev.ConversationID,
			Type:           "push_event_processed",
			Payload:        ev.Payload,
			Timestamp:      time.Now(),
		})
	}
}

type pushEventPublisher struct {
	queue *eventqueue.Queue
}

func (p pushEventPublisher) Publish(ctx context.Context, ev webhook.PushEvent) error {
	p.queue.Push(ctx, eventqueue.Event{
		ID:             ev.TriggerID,
		Source:         ev.Source,
		ConversationID: ev.ConversationID,
		EventType:      "push_event",
		SystemMessage:  ev.SystemMessage,
	}, time.Now())
	return nil
}

func triggerIDGenerator() webhook.TriggerIDGenerator {
	var seq int
	return func() string {
		seq++
		return fmt.Sprintf("trig_%d", seq)
	}
}

// stubInferenceEngine is a placeholder Engine: it echoes the user message
// back as a single chunk. Wiring a real model provider means implementing
// inference.Engine against that provider's SDK.
type stubInferenceEngine struct{}

func (stubInferenceEngine) Infer(ctx context.Context, route inference.Route, req inference.Request, onChunk func(chunkIndex int, delta string)) (string, error) {
	if onChunk != nil {
		onChunk(0, req.UserMessage)
	}
	return req.UserMessage, nil
}
