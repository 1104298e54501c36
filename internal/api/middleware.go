package api

import (
    "context"
    "net"
    "net/http"
    "strconv"
    "strings"
    "time"

    "github.com/google/uuid"
    "golang.org/x/time/rate"

    "github.com/123ashny/KENYASHIP/internal/auth"
    "github.com/123ashny/KENYASHIP/internal/metrics"
    "github.com/123ashny/KENYASHIP/internal/model"
)

type ctxKeyRequestID struct{}
type ctxKeyPrincipal struct{}

func requestIDFrom(ctx context.Context) string {
    if id, ok := ctx.Value(ctxKeyRequestID{}).(string); ok { return id }
    return ""
}

func principalFrom(ctx context.Context) (auth.Principal, bool) {
    p, ok := ctx.Value(ctxKeyPrincipal{}).(auth.Principal)
    return p, ok
}

// statusWriter captures the status code for the log and metrics layers.
type statusWriter struct {
    http.ResponseWriter
    status int
}

func (w *statusWriter) WriteHeader(code int) {
    w.status = code
    w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
    if w.status == 0 { w.status = http.StatusOK }
    return w.ResponseWriter.Write(b)
}

// withMiddleware wraps the mux in the full chain:
// request-id -> logging -> metrics -> CORS -> rate limit -> auth parse.
func (s *Server) withMiddleware(next http.Handler) http.Handler {
    return s.requestID(s.accessLog(s.httpMetrics(s.cors(s.rateLimit(s.parseAuth(next))))))
}

func (s *Server) requestID(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
        if id == "" || len(id) > 128 { id = uuid.New().String() }
        ctx := context.WithValue(r.Context(), ctxKeyRequestID{}, id)
        w.Header().Set("X-Request-ID", id)
        next.ServeHTTP(w, r.WithContext(ctx))
    })
}

func (s *Server) accessLog(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        start := time.Now()
        sw := &statusWriter{ResponseWriter: w}
        next.ServeHTTP(sw, r)
        if sw.status == 0 { sw.status = http.StatusOK }
        s.Log.Info(r.Context(), "http request",
            "requestId", requestIDFrom(r.Context()),
            "method", r.Method,
            "path", r.URL.Path,
            "status", sw.status,
            "durationMs", time.Since(start).Milliseconds(),
            "remote", clientIP(r),
        )
    })
}

func (s *Server) httpMetrics(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        start := time.Now()
        sw := &statusWriter{ResponseWriter: w}
        next.ServeHTTP(sw, r)
        if sw.status == 0 { sw.status = http.StatusOK }
        code := strconv.Itoa(sw.status)
        path := metricPath(r.URL.Path)
        metrics.HTTPRequests.WithLabelValues(r.Method, path, code).Inc()
        metrics.HTTPDuration.WithLabelValues(r.Method, path, code).Observe(time.Since(start).Seconds())
    })
}

// metricPath collapses the request path to its component prefix so
// per-resource ids never become label values.
func metricPath(path string) string {
    parts := strings.SplitN(strings.Trim(path, "/"), "/", 3)
    switch len(parts) {
    case 0:
        return "/"
    case 1:
        return "/" + parts[0]
    default:
        return "/" + parts[0] + "/" + parts[1]
    }
}

func (s *Server) cors(next http.Handler) http.Handler {
    origin := s.Cfg.CORSOrigin
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if origin != "" {
            w.Header().Set("Access-Control-Allow-Origin", origin)
            w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
            w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
            w.Header().Set("Access-Control-Max-Age", "600")
        }
        if r.Method == http.MethodOptions {
            w.WriteHeader(http.StatusNoContent)
            return
        }
        next.ServeHTTP(w, r)
    })
}

// rateLimit applies a per-client token bucket to the /api surface.
// Health, metrics, and docs endpoints stay unlimited.
func (s *Server) rateLimit(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if !strings.HasPrefix(r.URL.Path, "/api/") {
            next.ServeHTTP(w, r)
            return
        }
        if !s.limiter(clientIP(r)).Allow() {
            writeError(w, r, http.StatusTooManyRequests, CodeRateLimited, "too many requests", nil)
            return
        }
        next.ServeHTTP(w, r)
    })
}

func (s *Server) limiter(key string) *rate.Limiter {
    s.mu.Lock(); defer s.mu.Unlock()
    if l, ok := s.limiters[key]; ok { return l }
    window := time.Duration(s.Cfg.RateLimitWindowMS) * time.Millisecond
    max := s.Cfg.RateLimitMaxRequests
    if window <= 0 { window = time.Minute }
    if max <= 0 { max = 100 }
    l := rate.NewLimiter(rate.Every(window/time.Duration(max)), max)
    s.limiters[key] = l
    return l
}

func clientIP(r *http.Request) string {
    if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
        if i := strings.IndexByte(fwd, ','); i > 0 { return strings.TrimSpace(fwd[:i]) }
        return strings.TrimSpace(fwd)
    }
    host, _, err := net.SplitHostPort(r.RemoteAddr)
    if err != nil { return r.RemoteAddr }
    return host
}

// parseAuth resolves a bearer token when one is present. A missing
// token is not an error; the per-handler guards decide what is public.
// A token that fails verification is rejected here.
func (s *Server) parseAuth(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        authz := r.Header.Get("Authorization")
        if authz == "" {
            next.ServeHTTP(w, r)
            return
        }
        if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
            writeError(w, r, http.StatusUnauthorized, CodeInvalidToken, "malformed authorization header", nil)
            return
        }
        tok := strings.TrimSpace(authz[len("Bearer "):])
        p, err := s.Auth.Verify(tok)
        if err != nil {
            s.auditDenied(r, auth.Principal{}, "authenticate", "invalid or expired token")
            writeError(w, r, http.StatusUnauthorized, CodeInvalidToken, "invalid or expired token", nil)
            return
        }
        ctx := context.WithValue(r.Context(), ctxKeyPrincipal{}, p)
        next.ServeHTTP(w, r.WithContext(ctx))
    })
}

func (s *Server) auditDenied(r *http.Request, p auth.Principal, action, reason string) {
    _ = s.Sink.Record(r.Context(), model.AuditEntry{
        ActorID:      p.UserID,
        ActorRole:    p.Role,
        Action:       action,
        ResourceType: "http",
        ResourceID:   r.URL.Path,
        Metadata:     map[string]any{"method": r.Method, "reason": reason, "requestId": requestIDFrom(r.Context())},
        Result:       model.AuditDenied,
    })
}
