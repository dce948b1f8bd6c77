package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/emmett/parlo/internal/audio"
	"github.com/emmett/parlo/internal/curriculum"
	"github.com/emmett/parlo/internal/observability"
	"github.com/emmett/parlo/internal/practice"
)

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 120 * time.Second
)

// Practice is the live practice surface shown and driven over the websocket
type Practice interface {
	// View returns the current practice view; false when nothing is running
	View() (View, bool)
	// Apply runs a validated client command
	Apply(ctx context.Context, msg ClientMessage) error
}

// LessonOpener is implemented by runners that can switch lessons on request
type LessonOpener interface {
	Open(lessonID string) error
}

type Options struct {
	Catalog         *curriculum.Catalog
	Practice        Practice
	Metrics         *observability.Metrics
	AllowedOrigins  []string
	RefreshInterval time.Duration
	Logger          *slog.Logger

	// Health reports dependency failures for /healthz; optional
	Health func(ctx context.Context) error
}

type Server struct {
	catalog  *curriculum.Catalog
	practice Practice
	metrics  *observability.Metrics
	refresh  time.Duration
	logger   *slog.Logger
	health   func(ctx context.Context) error
	upgrader websocket.Upgrader
}

func New(opts Options) *Server {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = audio.DefaultRefreshInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics(nil)
	}
	allowed := slices.Clone(opts.AllowedOrigins)
	return &Server{
		catalog:  opts.Catalog,
		practice: opts.Practice,
		metrics:  opts.Metrics,
		refresh:  opts.RefreshInterval,
		logger:   opts.Logger,
		health:   opts.Health,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(r, allowed)
			},
		},
	}
}

// originAllowed accepts clients without an Origin header, listed origins and
// the server's own host
func originAllowed(r *http.Request, allowed []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	r.Get("/v1/lessons", s.handleListLessons)
	r.Get("/v1/lessons/{id}", s.handleGetLesson)
	r.Get("/v1/practice", s.handlePractice)
	r.Post("/v1/practice", s.handleOpenPractice)
	r.Get("/v1/practice/ws", s.handlePracticeWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active := false
	if s.practice != nil {
		_, active = s.practice.View()
	}
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":          "degraded",
				"detail":          err.Error(),
				"practice_active": active,
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"practice_active": active,
	})
}

type lessonSummary struct {
	ID       string          `json:"id"`
	Title    string          `json:"title"`
	Section  string          `json:"section"`
	Language string          `json:"language"`
	Kind     curriculum.Kind `json:"kind"`
	Steps    int             `json:"steps"`
}

func (s *Server) handleListLessons(w http.ResponseWriter, _ *http.Request) {
	if s.catalog == nil {
		respondJSON(w, http.StatusOK, []lessonSummary{})
		return
	}
	lessons := s.catalog.Lessons()
	out := make([]lessonSummary, 0, len(lessons))
	for _, l := range lessons {
		steps := len(l.Items)
		if l.Kind == curriculum.KindRoleplay {
			steps = len(l.Prompts)
		}
		out = append(out, lessonSummary{
			ID:       l.ID,
			Title:    l.Title,
			Section:  l.Section,
			Language: l.Language,
			Kind:     l.Kind,
			Steps:    steps,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetLesson(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if s.catalog == nil {
		respondError(w, http.StatusNotFound, "lesson_not_found", "no curriculum loaded")
		return
	}
	lesson, err := s.catalog.Lesson(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "lesson_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, lesson)
}

func (s *Server) handlePractice(w http.ResponseWriter, _ *http.Request) {
	if s.practice == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "practice runner not configured")
		return
	}
	view, ok := s.practice.View()
	if !ok {
		respondError(w, http.StatusNotFound, "no_practice", "no lesson is being practiced")
		return
	}
	respondJSON(w, http.StatusOK, view)
}

type openRequest struct {
	LessonID string `json:"lesson_id"`
}

func (s *Server) handleOpenPractice(w http.ResponseWriter, r *http.Request) {
	opener, ok := s.practice.(LessonOpener)
	if !ok {
		respondError(w, http.StatusNotImplemented, "unavailable", "practice runner cannot open lessons")
		return
	}
	var req openRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LessonID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "lesson_id is required")
		return
	}
	if _, err := s.catalog.Lesson(req.LessonID); err != nil {
		respondError(w, http.StatusNotFound, "lesson_not_found", err.Error())
		return
	}
	if err := opener.Open(req.LessonID); err != nil {
		respondError(w, http.StatusInternalServerError, "open_failed", err.Error())
		return
	}
	view, _ := s.practice.View()
	respondJSON(w, http.StatusCreated, view)
}

func (s *Server) handlePracticeWS(w http.ResponseWriter, r *http.Request) {
	if s.practice == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "practice runner not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan ServerMessage, 16)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, conn, outbound)
		cancel()
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	// started is the session this client began recording, if any
	var started string
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		reply := s.handleClientMessage(ctx, data)
		if reply.Type == TypeAck && reply.Command == CommandStart {
			if view, ok := s.practice.View(); ok && view.Session != nil {
				started = view.Session.ID
			}
		}
		select {
		case outbound <- reply:
		case <-ctx.Done():
		default:
			s.metrics.WSMessages.WithLabelValues("outbound", "dropped").Inc()
		}
		if ctx.Err() != nil {
			break
		}
	}

	cancel()
	<-writerDone
	s.abandon(started)
}

// abandon cancels the recording a departed client left running
func (s *Server) abandon(sessionID string) {
	if sessionID == "" {
		return
	}
	view, ok := s.practice.View()
	if !ok || view.Session == nil || view.Session.ID != sessionID || view.Session.State != practice.StateRecording.String() {
		return
	}
	if err := s.practice.Apply(context.Background(), ClientMessage{Type: "command", Command: CommandCancel}); err != nil {
		s.logger.Debug("failed to cancel abandoned recording", "session_id", sessionID, "error", err)
		return
	}
	s.logger.Info("client disconnected, recording cancelled", "session_id", sessionID)
}

func (s *Server) handleClientMessage(ctx context.Context, data []byte) ServerMessage {
	msg, err := ParseClientMessage(data)
	if err != nil {
		s.metrics.WSMessages.WithLabelValues("inbound", "invalid").Inc()
		return errorMessage("invalid_client_message", err)
	}
	s.metrics.WSMessages.WithLabelValues("inbound", msg.Type).Inc()

	if err := s.practice.Apply(ctx, msg); err != nil {
		code := "command_failed"
		if errors.Is(err, practice.ErrInvalidState) {
			code = "invalid_state"
		}
		s.logger.Debug("practice command rejected", "command", msg.Command, "error", err)
		return errorMessage(code, err)
	}
	return ServerMessage{Type: TypeAck, Command: msg.Command}
}

// writeLoop is the only writer on conn. It pushes a snapshot whenever the
// view changed since the last refresh tick.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, outbound <-chan ServerMessage) {
	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	var last []byte
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-outbound:
			if err := s.write(conn, msg); err != nil {
				return
			}
		case <-ticker.C:
			view, ok := s.practice.View()
			msg := ServerMessage{Type: TypeIdle}
			if ok {
				msg = ServerMessage{Type: TypeSnapshot, View: &view}
			}
			encoded, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("failed to encode snapshot", "error", err)
				continue
			}
			if bytes.Equal(encoded, last) {
				continue
			}
			last = encoded
			if err := s.writeRaw(conn, msg.Type, encoded); err != nil {
				return
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, msg ServerMessage) error {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.writeRaw(conn, msg.Type, encoded)
}

func (s *Server) writeRaw(conn *websocket.Conn, msgType string, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.metrics.WSMessages.WithLabelValues("outbound", "write_error").Inc()
		return err
	}
	s.metrics.WSMessages.WithLabelValues("outbound", msgType).Inc()
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
