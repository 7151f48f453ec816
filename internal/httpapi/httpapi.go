// Package httpapi wires the core's operations to the HTTP surface spec
// §6 names: the chi router, request/response DTOs, and the WebSocket
// upgrade for the log stream.
package httpapi

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/aureuma/botctl/core/lifecycle"
	"github.com/aureuma/botctl/core/logbroker"
	"github.com/aureuma/botctl/internal/audit"
	"github.com/aureuma/botctl/internal/authshim"
	"github.com/aureuma/botctl/internal/ratelimit"
)

const defaultStopRestartTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Server wires core/lifecycle and core/logbroker to chi routes.
type Server struct {
	manager  *lifecycle.Manager
	broker   *logbroker.Broker
	auth     *authshim.Service
	checker  authshim.SuspensionChecker
	handlers *authshim.Handlers
	audit    *audit.Handler
	limiter  *ratelimit.Limiter
	log      *log.Logger
}

func New(
	manager *lifecycle.Manager,
	broker *logbroker.Broker,
	auth *authshim.Service,
	checker authshim.SuspensionChecker,
	authHandlers *authshim.Handlers,
	auditHandler *audit.Handler,
	limiter *ratelimit.Limiter,
	logger *log.Logger,
) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		manager:  manager,
		broker:   broker,
		auth:     auth,
		checker:  checker,
		handlers: authHandlers,
		audit:    auditHandler,
		limiter:  limiter,
		log:      logger,
	}
}

// Router builds the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", s.handlers.Register)
		r.Post("/login", s.handlers.Login)
	})

	r.Get("/bots/{id}/logs", s.handleLogs)

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware(s.checker))

		r.With(s.limiter.Middleware).Post("/bots", s.handleCreate)
		r.Get("/bots", s.handleList)
		r.With(s.limiter.Middleware).Post("/bots/{id}/upload", s.handleUpload)
		r.With(s.limiter.Middleware).Post("/bots/{id}/start", s.handleStart)
		r.With(s.limiter.Middleware).Post("/bots/{id}/stop", s.handleStop)
		r.With(s.limiter.Middleware).Post("/bots/{id}/restart", s.handleRestart)
		r.With(s.limiter.Middleware).Delete("/bots/{id}", s.handleDelete)

		r.Get("/admin/audit", s.audit.List)
	})

	return r
}

func botID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := authshim.UserIDFromContext(r.Context())

	var req botCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	view, err := s.manager.Create(r.Context(), ownerID, req.planID(), req.Name, req.Runtime, req.StartCmd, r.RemoteAddr)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBotView(view))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := authshim.UserIDFromContext(r.Context())

	views, err := s.manager.List(r.Context(), ownerID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	out := make([]botView, 0, len(views))
	for _, v := range views {
		out = append(out, toBotView(v))
	}
	writeJSON(w, http.StatusOK, botListResponse{Bots: out, Total: len(out)})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := authshim.UserIDFromContext(r.Context())
	id, err := botID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid bot id"})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing multipart file field"})
		return
	}
	defer file.Close()

	filename, err := s.manager.Upload(r.Context(), ownerID, id, header.Filename, file, r.RemoteAddr)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "upload accepted", "filename": filename})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := authshim.UserIDFromContext(r.Context())
	id, err := botID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid bot id"})
		return
	}
	view, err := s.manager.Start(r.Context(), ownerID, id, r.RemoteAddr)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toBotView(view))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := authshim.UserIDFromContext(r.Context())
	id, err := botID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid bot id"})
		return
	}
	view, err := s.manager.Stop(r.Context(), ownerID, id, defaultStopRestartTimeout, r.RemoteAddr)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toBotView(view))
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := authshim.UserIDFromContext(r.Context())
	id, err := botID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid bot id"})
		return
	}
	view, err := s.manager.Restart(r.Context(), ownerID, id, defaultStopRestartTimeout, r.RemoteAddr)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toBotView(view))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := authshim.UserIDFromContext(r.Context())
	id, err := botID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid bot id"})
		return
	}
	if err := s.manager.Delete(r.Context(), ownerID, id, r.RemoteAddr); err != nil {
		writeError(w, s.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLogs upgrades the connection and hands it to the Log Broker,
// which performs its own token verification and ownership check — it
// does not sit behind the bearer-header middleware because browser
// WebSocket clients can't set custom headers, so the token travels as a
// query parameter instead.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id, err := botID(r)
	if err != nil {
		http.Error(w, "invalid bot id", http.StatusBadRequest)
		return
	}
	token := r.URL.Query().Get("token")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Printf("websocket upgrade failed: %v", err)
		return
	}
	s.broker.Serve(r.Context(), conn, token, id)
}
