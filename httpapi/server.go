package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"pkt.systems/pairbox/internal/logx"
	"pkt.systems/pairbox/internal/metrics"
	"pkt.systems/pairbox/internal/projectstore"
	"pkt.systems/pairbox/internal/version"
	"pkt.systems/pairbox/schema"
	"pkt.systems/pslog"
)

// Server serves the project routes, the realtime websocket and metrics.
type Server struct {
	cfg     Config
	service *projectstore.Service
	hub     *Hub
	metrics *metrics.Metrics
}

// NewServer constructs an HTTP server. hub and m may be nil.
func NewServer(cfg Config, service *projectstore.Service, hub *Hub, m *metrics.Metrics) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Server{cfg: cfg, service: service, hub: hub, metrics: m}
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(s.withRequestLogging)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(requireCaller)
		if s.hub != nil {
			r.Get("/ws", s.hub.ServeHTTP)
		}
		r.Route("/projects", func(r chi.Router) {
			r.Use(chimw.RequestSize(s.cfg.MaxBodyBytes))
			r.Post("/create", s.handleCreate)
			r.Get("/all", s.handleList)
			r.Get("/get-project/{projectID}", s.handleGetProject)
			r.Get("/get-messages/{projectID}", s.handleGetMessages)
			r.Put("/update-file-tree", s.handleUpdateFileTree)
			r.Put("/add-user", s.handleAddUser)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": version.Read()})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req projectstore.CreateProjectRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	project, err := s.service.Create(r.Context(), callerFrom(r), req.Name)
	if err != nil {
		s.fail(w, r, "project create failed", err)
		return
	}
	s.metrics.ProjectCreated()
	writeJSON(w, http.StatusCreated, projectstore.ProjectResponse{Project: project})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	projects, err := s.service.List(r.Context(), callerFrom(r))
	if err != nil {
		s.fail(w, r, "project list failed", err)
		return
	}
	if projects == nil {
		projects = []schema.Project{}
	}
	writeJSON(w, http.StatusOK, projectstore.ProjectsResponse{Projects: projects})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	projectID := schema.ProjectID(chi.URLParam(r, "projectID"))
	project, err := s.service.Get(r.Context(), callerFrom(r), projectID)
	if err != nil {
		s.fail(w, r, "project get failed", err)
		return
	}
	if project.FileTree == nil {
		project.FileTree = schema.FileTree{}
	}
	writeJSON(w, http.StatusOK, projectstore.ProjectResponse{Project: project})
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	projectID := schema.ProjectID(chi.URLParam(r, "projectID"))
	msgs, err := s.service.Messages(r.Context(), callerFrom(r), projectID)
	if err != nil {
		s.fail(w, r, "project messages failed", err)
		return
	}
	if msgs == nil {
		msgs = []schema.Message{}
	}
	writeJSON(w, http.StatusOK, projectstore.MessagesResponse{Messages: msgs})
}

func (s *Server) handleUpdateFileTree(w http.ResponseWriter, r *http.Request) {
	var req projectstore.UpdateFileTreeRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.service.UpdateFileTree(r.Context(), callerFrom(r), req.ProjectID, req.FileTree); err != nil {
		s.fail(w, r, "project tree update failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddUser(w http.ResponseWriter, r *http.Request) {
	var req projectstore.AddUsersRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.service.AddUsers(r.Context(), callerFrom(r), req.ProjectID, req.Users); err != nil {
		s.fail(w, r, "project add user failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, event string, err error) {
	status := projectstore.StatusFor(err)
	log := logx.Ctx(r.Context())
	if status >= http.StatusInternalServerError {
		log.Warn(event, "err", err)
	} else {
		log.Debug(event, "err", err, "status", status)
	}
	writeError(w, status, err)
}

type callerKey struct{}

// requireCaller reads the caller identity headers. Authentication happens
// in front of pairbox; the headers are trusted as given.
func requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := schema.User{
			ID:    schema.UserID(strings.TrimSpace(r.Header.Get(headerUser))),
			Email: strings.TrimSpace(r.Header.Get(headerEmail)),
		}
		if err := schema.ValidateUserID(caller.ID); err != nil {
			logx.Ctx(r.Context()).Debug("http caller missing", "remote", clientIP(r))
			writeError(w, http.StatusUnauthorized, errors.New("missing "+headerUser+" header"))
			return
		}
		log := logx.Ctx(r.Context()).With("user", caller.ID)
		ctx := logx.ContextWithUser(pslog.ContextWithLogger(r.Context(), log), caller.ID)
		ctx = context.WithValue(ctx, callerKey{}, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerFrom(r *http.Request) schema.User {
	caller, _ := r.Context().Value(callerKey{}).(schema.User)
	return caller
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return errors.Join(schema.ErrInvalidRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, projectstore.ErrorResponse{Error: err.Error()})
}

const (
	headerUser  = projectstore.HeaderUser
	headerEmail = projectstore.HeaderEmail
)
