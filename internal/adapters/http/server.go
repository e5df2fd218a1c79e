package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"auditbuddy/internal/domain"
	"auditbuddy/internal/ports"
)

const (
	defaultWait = 30 * time.Second
	maxWait     = 5 * time.Minute
	maxBodySize = 64 << 10
)

// Server exposes the audit operations over REST and a websocket progress
// stream.
type Server struct {
	audits   ports.Audits
	profiles ports.Profiles
	limiter  ports.Admission
	log      *slog.Logger
	upgrader websocket.Upgrader
	proxies  []netip.Prefix
}

type Option func(*Server)

// WithTrustedProxies makes the server believe forwarding headers, but only on
// connections whose peer address falls in one of prefixes.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(s *Server) { s.proxies = prefixes }
}

func New(audits ports.Audits, profiles ports.Profiles, limiter ports.Admission, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		audits:   audits,
		profiles: profiles,
		limiter:  limiter,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the chi router with every endpoint mounted.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.getHealthz)
	r.Route("/audits", func(r chi.Router) {
		r.With(s.rateLimit).Post("/", s.postAudit)
		r.Get("/", s.listAudits)
		r.Get("/{id}", s.getAudit)
		r.Get("/{id}/progress", s.getProgress)
		r.Get("/{id}/events", s.streamEvents)
		r.Post("/{id}/cancel", s.cancelAudit)
		r.With(s.rateLimit).Post("/{id}/rerun", s.rerunAudit)
	})
	r.Get("/profiles/{domain}", s.getProfile)
	return r
}

func (s *Server) getHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createAuditRequest struct {
	URL string `json:"url"`
}

func (s *Server) postAudit(w http.ResponseWriter, r *http.Request) {
	var body createAuditRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&body); err != nil {
		s.writeError(w, r, &runtimeError{code: http.StatusBadRequest, msg: "invalid JSON body"})
		return
	}
	params, err := bindCreateParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	a, err := s.audits.CreateAudit(r.Context(), body.URL, requester(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !params.wait {
		writeJSON(w, http.StatusAccepted, a)
		return
	}

	// Blocking path: hold the request until the audit is terminal or the
	// timeout passes, then report whatever state it reached.
	ctx, cancel := context.WithTimeout(r.Context(), params.timeout)
	defer cancel()
	done, err := s.audits.Await(ctx, a.ID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, done)
	case errors.Is(err, context.DeadlineExceeded):
		cur, err := s.audits.GetStatus(r.Context(), a.ID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, cur)
	default:
		s.writeError(w, r, err)
	}
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	id, err := bindID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.audits.GetStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	id, err := bindID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ev, err := s.audits.Snapshot(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) cancelAudit(w http.ResponseWriter, r *http.Request) {
	id, err := bindID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ok, err := s.audits.CancelAudit(r.Context(), id, requester(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
}

func (s *Server) rerunAudit(w http.ResponseWriter, r *http.Request) {
	id, err := bindID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.audits.RerunAudit(r.Context(), id, requester(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a)
}

func (s *Server) listAudits(w http.ResponseWriter, r *http.Request) {
	limit, err := bindLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.audits.ListAudits(r.Context(), requester(r), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*domain.Audit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"audits": list})
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	name, err := bindDomain(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	prof, err := s.profiles.GetLatest(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prof)
}

// rateLimit admits requests per client IP. A failing counter lets the
// request through.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := s.limiter.Allow(r.Context(), s.clientIP(r))
		switch {
		case errors.Is(err, domain.ErrRateLimited):
			s.writeError(w, r, err)
			return
		case err != nil:
			s.log.Warn("rate limiter unavailable", "error", err, "request_id", middleware.GetReqID(r.Context()))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
			"remote", s.clientIP(r),
		)
	})
}

// requester is the caller identity used for ownership checks.
func requester(r *http.Request) string { return r.Header.Get("X-User-ID") }

// clientIP identifies the caller for rate limiting. Forwarding headers are
// only read when the socket peer is a trusted proxy; X-Forwarded-For is then
// walked right to left and the first hop not added by a trusted proxy wins.
func (s *Server) clientIP(r *http.Request) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	addr, err := netip.ParseAddr(peer)
	if err != nil {
		return peer
	}
	addr = addr.Unmap()
	if !s.trusted(addr) {
		return addr.String()
	}

	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		for _, h := range strings.Split(v, ",") {
			if h = strings.TrimSpace(h); h != "" {
				hops = append(hops, h)
			}
		}
	}
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(hops[i])
		if err != nil {
			// Anything left of a garbled hop is client-controlled.
			return addr.String()
		}
		hop = hop.Unmap()
		if !s.trusted(hop) {
			return hop.String()
		}
		addr = hop
	}
	if len(hops) == 0 {
		if xri, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
			return xri.Unmap().String()
		}
	}
	return addr.String()
}

func (s *Server) trusted(addr netip.Addr) bool {
	for _, p := range s.proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
