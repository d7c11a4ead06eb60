// Package web exposes the operational HTTP surface: status, reports,
// dumps, ad-hoc reads, and the restart/reset controls.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"scanlogix/config"
	"scanlogix/logging"
	"scanlogix/plcman"
)

// Server wraps the chi router and the HTTP listener.
type Server struct {
	cfg      *config.WebConfig
	registry *plcman.Registry
	metrics  http.Handler
	srv      *http.Server
}

// NewServer builds the server; metrics may be nil to skip /metrics.
func NewServer(cfg *config.WebConfig, reg *plcman.Registry, metrics http.Handler) *Server {
	return &Server{cfg: cfg, registry: reg, metrics: metrics}
}

// Router builds the route tree. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/plcs", s.handlePLCs)
		r.Get("/plcs/{plc}", s.handlePLC)
		r.Get("/plcs/{plc}/tags/{tag}", s.handleTag)
		r.Get("/report", s.handleReport)
		r.Get("/dump", s.handleDump)
		r.Get("/read", s.handleRead)
		r.Post("/restart", s.handleRestart)
		r.Post("/reset-statistics", s.handleReset)
	})
	return r
}

// Start listens in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("web: listen %s: %w", addr, err)
	}
	logging.DebugLog("web", "listening on %s", addr)

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.DebugError("web", "serve", err)
		}
	}()
	return nil
}

// Stop shuts the listener down.
func (s *Server) Stop() {
	if s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Status())
}

func (s *Server) handlePLCs(w http.ResponseWriter, _ *http.Request) {
	status := s.registry.Status()
	names := make([]string, 0, len(status))
	for _, p := range status {
		names = append(names, p.Name)
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handlePLC(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "plc")
	p := s.registry.FindPLC(name)
	if p == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("no PLC named %q", name))
		return
	}
	writeJSON(w, http.StatusOK, p.Status())
}

func (s *Server) handleTag(w http.ResponseWriter, r *http.Request) {
	plcName := chi.URLParam(r, "plc")
	tagName := chi.URLParam(r, "tag")

	p := s.registry.FindPLC(plcName)
	if p == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("no PLC named %q", plcName))
		return
	}
	t := p.FindTag(tagName)
	if t == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("no tag %q on PLC %q", tagName, plcName))
		return
	}

	v := t.Snapshot()
	out := map[string]interface{}{
		"name":     t.Name(),
		"elements": t.Elements(),
		"valid":    v.Valid(),
	}
	if v.Valid() {
		out["type"] = v.TypeName()
		out["value"] = v.GoValue()
	}
	if v.Error != nil {
		out["error"] = v.Error.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	level := 1
	if raw := r.URL.Query().Get("level"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			level = n
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(s.registry.Report(level)))
}

func (s *Server) handleDump(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(s.registry.Dump()))
}

// handleRead performs a standalone read against any controller, the
// HTTP face of the ad-hoc test surface.
func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	host := q.Get("host")
	tag := q.Get("tag")
	if host == "" || tag == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("host and tag are required"))
		return
	}

	slot := 0
	if raw := q.Get("slot"); raw != "" {
		slot, _ = strconv.Atoi(raw)
	}
	elements := 1
	if raw := q.Get("elements"); raw != "" {
		elements, _ = strconv.Atoi(raw)
	}
	port := 0
	if raw := q.Get("port"); raw != "" {
		port, _ = strconv.Atoi(raw)
	}
	timeout := 5 * time.Second
	if raw := q.Get("timeout_ms"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}

	v, err := plcman.ReadTagAdhoc(host, uint16(port), byte(slot), tag, uint16(elements), timeout)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tag":   v.Name,
		"type":  v.TypeName(),
		"value": v.GoValue(),
	})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("plc")
	if err := s.registry.Restart(name); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarting"})
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.registry.ResetStatistics()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
