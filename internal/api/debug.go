package api

import (
    "net/http"
    "time"

    "github.com/123ashny/KENYASHIP/internal/buildinfo"
    "github.com/123ashny/KENYASHIP/internal/model"
)

// DebugHandler handles GET /api/debug (admin): build identity, loaded
// configuration shape, and live component counters. Secret values are
// reported as presence flags only.
func (s *Server) DebugHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    if _, ok := s.requireRole(w, r, model.RoleAdmin); !ok { return }
    writeData(w, r, http.StatusOK, map[string]any{
        "build": buildinfo.Info(),
        "time":  time.Now().UTC().Format(time.RFC3339),
        "config": map[string]any{
            "appEnv":                 s.Cfg.AppEnv,
            "addr":                   s.Cfg.Addr(),
            "locationGridSizeMeters": s.Cfg.LocationGridSizeMeters,
            "codeTtlMinutes":         s.Cfg.CodeTTLMinutes,
            "otpTtlSeconds":          s.Cfg.OTPTTLSeconds,
            "otpLength":              s.Cfg.OTPLength,
            "rateLimitWindowMs":      s.Cfg.RateLimitWindowMS,
            "rateLimitMaxRequests":   s.Cfg.RateLimitMaxRequests,
            "hasDatabaseUrl":         s.Cfg.DatabaseURL != "",
            "hasRedisUrl":            s.Cfg.RedisURL != "",
        },
        "realtime": s.Hub.Stats(),
        "security": s.Monitor.Stats(),
    })
}
