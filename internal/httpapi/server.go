package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/loopd/internal/config"
	"github.com/ent0n29/loopd/internal/notify"
	"github.com/ent0n29/loopd/internal/observability"
	"github.com/ent0n29/loopd/internal/protocol"
	"github.com/ent0n29/loopd/internal/taskruntime"
	"github.com/ent0n29/loopd/internal/tasks"
)

type Server struct {
	cfg      config.Config
	tasks    *taskruntime.Service
	metrics  *observability.Metrics
	log      zerolog.Logger
	upgrader websocket.Upgrader
	static   http.Handler
}

func New(cfg config.Config, svc *taskruntime.Service, metrics *observability.Metrics, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		tasks:   svc,
		metrics: metrics,
		log:     log.With().Str("component", "httpapi").Logger(),
		static:  newStaticHandler(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.handleRoot)
	r.Get("/ws", s.handleTranscriptWS)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.allowedOrigins(),
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))
		r.Get("/v1/tasks", s.handleListTasks)
		r.Post("/v1/tasks", s.handleCreateTask)
		r.Get("/v1/tasks/{id}", s.handleGetTask)
		r.Post("/v1/tasks/{id}/stop", s.handleStopTask)
	})

	return r
}

func (s *Server) allowedOrigins() []string {
	if s.cfg.AllowAnyOrigin {
		return []string{"*"}
	}
	return []string{"http://localhost:*", "http://127.0.0.1:*"}
}

// handleRoot serves the control page, or the transcript channel when the
// request is a websocket upgrade.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleTranscriptWS(w, r)
		return
	}
	s.static.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"task_store_mode": s.taskStoreMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "task runtime not configured")
		return
	}
	list, err := s.tasks.List(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"task_store_mode": s.taskStoreMode(),
		"tasks":           len(list),
	})
}

func (s *Server) handleTranscriptWS(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "task runtime not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := s.tasks.Bus().Subscribe(256)
	defer sub.Close()
	direct := make(chan any, 32)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub.C():
				if !ok {
					return
				}
				msg = transcriptMessage(evt)
			case msg = <-direct:
			}
			if msg == nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.WSMessage("outbound", string(t))
			}
		}
	}()

	reply := func(msg any) {
		select {
		case direct <- msg:
		default:
			// Keep websocket writes single-threaded; drop if the queue is saturated.
		}
	}

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			reply(protocol.ErrorEvent{Type: protocol.TypeError, Code: "invalid_client_message", Message: err.Error()})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessage("inbound", string(t))
		}

		switch m := parsed.(type) {
		case protocol.StartRequest:
			if err := s.startFor(ctx, sub, inputFromStart(m)); err != nil {
				reply(protocol.ErrorEvent{Type: protocol.TypeError, Code: startErrorCode(err), Message: err.Error()})
			}
		case protocol.StopRequest:
			following := sub.TaskID() == m.TaskID
			if err := s.tasks.Stop(ctx, m.TaskID); err != nil {
				if errors.Is(err, tasks.ErrTaskNotFound) {
					reply(protocol.ErrorEvent{Type: protocol.TypeError, Code: "task_not_found", Message: err.Error()})
				}
				continue
			}
			if !following {
				reply(protocol.TaskStopped{Type: protocol.TypeTaskStopped, TaskID: m.TaskID})
			}
		}
	}

	cancel()
	<-writerDone
}

// startFor starts a task followed by sub. The observer sees the new task's
// startup logs either way; when the start fails it goes back to following
// its previous task.
func (s *Server) startFor(ctx context.Context, sub *notify.Subscription, input tasks.Input) error {
	prev := sub.TaskID()
	if _, err := s.tasks.Start(ctx, input, sub.Associate); err != nil {
		sub.Associate(prev)
		return err
	}
	return nil
}

func inputFromStart(m protocol.StartRequest) tasks.Input {
	return tasks.Input{
		ThreadID:       strings.TrimSpace(m.ThreadID),
		MessageContent: m.MessageContent,
		HatersName:     m.HatersName,
		LastHereName:   m.LastHereName,
		Delay:          int(m.Delay),
		CookieContent:  m.CookieContent,
	}
}

func startErrorCode(err error) string {
	switch {
	case errors.Is(err, tasks.ErrNoMessages):
		return "no_messages"
	case errors.Is(err, tasks.ErrCredentialWrite):
		return "credential_write_failed"
	default:
		return "start_failed"
	}
}

// transcriptMessage maps a bus event to its wire form.
func transcriptMessage(evt notify.Event) any {
	switch evt.Type {
	case notify.EventLog:
		return protocol.NewLogEvent(evt.Time.Local(), evt.Message, evt.Severity)
	case notify.EventTaskStarted:
		return protocol.TaskStarted{Type: protocol.TypeTaskStarted, TaskID: evt.TaskID}
	case notify.EventTaskStopped:
		return protocol.TaskStopped{Type: protocol.TypeTaskStopped, TaskID: evt.TaskID}
	default:
		return nil
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func (s *Server) taskStoreMode() string {
	if s.tasks == nil {
		return "disabled"
	}
	mode := strings.TrimSpace(s.tasks.StoreMode())
	if mode == "" {
		return "disabled"
	}
	return mode
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.StartRequest:
		return m.Type, true
	case protocol.StopRequest:
		return m.Type, true
	case protocol.TaskStarted:
		return m.Type, true
	case protocol.TaskStopped:
		return m.Type, true
	case protocol.LogEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
