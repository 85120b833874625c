// Package server exposes selection, feedback and the personalization profile
// over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"framepick/internal/frame"
	"framepick/internal/logging"
	"framepick/internal/personalize"
	"framepick/internal/pipeline"
	"framepick/internal/selector"
	"framepick/internal/storage"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
	requestTimeout      = 2 * time.Minute
)

// Server wraps the HTTP API around a selection pipeline.
type Server struct {
	addr     string
	svc      *selector.Service
	pipeline *pipeline.Pipeline
	store    *storage.Store
	hub      *hub
	upgrader websocket.Upgrader
	log      *slog.Logger
	server   *http.Server
}

// New builds a Server. store may be nil, in which case /selections answers
// 503.
func New(addr string, svc *selector.Service, pipe *pipeline.Pipeline, store *storage.Store, logger *slog.Logger) *Server {
	log := logging.OrDefault(logger)
	return &Server{
		addr:     addr,
		svc:      svc,
		pipeline: pipe,
		store:    store,
		hub:      newHub(log),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.StartStreams(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// StartStreams runs the websocket hub and forwards profile changes to it
// until ctx ends. It returns immediately.
func (s *Server) StartStreams(ctx context.Context) {
	go s.hub.run(ctx)

	updates, unsubscribe := s.svc.Engine().Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case p, ok := <-updates:
				if !ok {
					return
				}
				s.hub.publish(ctx, newProfileView(p))
			}
		}
	}()
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/profile", s.handleProfile).Methods(http.MethodGet)
	r.HandleFunc("/profile/{action:reset|enable|disable}", s.handleProfileAction).Methods(http.MethodPost)
	r.HandleFunc("/select", s.handleSelect).Methods(http.MethodPost)
	r.HandleFunc("/feedback", s.handleFeedback).Methods(http.MethodPost)
	r.HandleFunc("/selections", s.handleSelections).Methods(http.MethodGet)
	r.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/ws/profile", s.handleProfileSocket).Methods(http.MethodGet)
	return r
}

// profileView is the wire form of a profile.
type profileView struct {
	Profile      personalize.Profile `json:"profile"`
	State        personalize.State   `json:"state"`
	LearningRate float64             `json:"learning_rate"`
}

func newProfileView(p personalize.Profile) profileView {
	return profileView{Profile: p, State: p.State()}
}

func (s *Server) currentProfile() profileView {
	v := newProfileView(s.svc.Profile())
	v.LearningRate = s.svc.Engine().LearningRate()
	return v
}

// resultView is the wire form of a pipeline result.
type resultView struct {
	Job        pipeline.Job         `json:"job"`
	Session    string               `json:"session,omitempty"`
	Selection  *selector.Result     `json:"selection,omitempty"`
	Profile    *personalize.Profile `json:"profile,omitempty"`
	Error      string               `json:"error,omitempty"`
	DurationMS int64                `json:"duration_ms"`
}

func newResultView(res pipeline.Result) resultView {
	v := resultView{
		Job:        res.Job,
		Session:    res.Session,
		Selection:  res.Selection,
		Profile:    res.Profile,
		DurationMS: res.Duration.Milliseconds(),
	}
	if res.Error != nil {
		v.Error = res.Error.Error()
	}
	return v
}

type selectRequest struct {
	Dir string `json:"dir"`
}

type feedbackRequest struct {
	Dir    string   `json:"dir"`
	Index  *int     `json:"index"`
	Signal *float64 `json:"signal"`
	Reason string   `json:"reason,omitempty"`
	Note   string   `json:"note,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.currentProfile())
}

func (s *Server) handleProfileAction(w http.ResponseWriter, r *http.Request) {
	switch mux.Vars(r)["action"] {
	case "reset":
		s.svc.ResetProfile()
		s.log.Info("profile reset", "remote", r.RemoteAddr)
	case "enable":
		s.svc.SetPersonalization(true)
	case "disable":
		s.svc.SetPersonalization(false)
	}
	s.writeJSON(w, http.StatusOK, s.currentProfile())
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Dir == "" {
		s.writeJSONError(w, http.StatusBadRequest, "dir is required")
		return
	}
	s.run(w, r, pipeline.NewJob(pipeline.JobSelect, req.Dir))
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Dir == "" || req.Index == nil || req.Signal == nil {
		s.writeJSONError(w, http.StatusBadRequest, "dir, index and signal are required")
		return
	}
	job := pipeline.NewJob(pipeline.JobFeedback, req.Dir)
	job.Index = *req.Index
	job.Feedback = &selector.Feedback{Signal: *req.Signal, Reason: req.Reason, Note: req.Note}
	s.run(w, r, job)
}

// run submits job and writes its result.
func (s *Server) run(w http.ResponseWriter, r *http.Request, job pipeline.Job) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	res, err := s.pipeline.SubmitAndWait(ctx, job)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "1")
		}
		s.log.Warn("request failed", "type", job.Type, "dir", job.Dir, "status", status, "error", err)
		s.writeJSONError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, newResultView(res))
}

func (s *Server) handleSelections(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, storage.ErrNotInitialized.Error())
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid 'limit' parameter")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	recs, err := s.store.RecentSelections(r.Context(), limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []storage.SelectionRecord{}
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(newResultView(res))
			if err != nil {
				s.log.Warn("failed to encode stream event", "job", res.Job.ID, "error", err)
				continue
			}
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleProfileSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	if !s.hub.add(r.Context(), conn, s.currentProfile()) {
		conn.Close()
		return
	}

	go func() {
		defer s.hub.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to write response", "error", err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps pipeline and domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, frame.ErrIndexOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, frame.ErrEmptyBundle):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
