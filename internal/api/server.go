package api

import (
    "context"
    "net/http"
    "sync"
    "time"

    "golang.org/x/time/rate"

    "github.com/123ashny/KENYASHIP/internal/audit"
    "github.com/123ashny/KENYASHIP/internal/auth"
    "github.com/123ashny/KENYASHIP/internal/codes"
    "github.com/123ashny/KENYASHIP/internal/config"
    "github.com/123ashny/KENYASHIP/internal/cryptox"
    "github.com/123ashny/KENYASHIP/internal/emergency"
    "github.com/123ashny/KENYASHIP/internal/geo"
    "github.com/123ashny/KENYASHIP/internal/logging"
    "github.com/123ashny/KENYASHIP/internal/metrics"
    "github.com/123ashny/KENYASHIP/internal/notify"
    "github.com/123ashny/KENYASHIP/internal/realtime"
    "github.com/123ashny/KENYASHIP/internal/security"
    "github.com/123ashny/KENYASHIP/internal/verify"

    "github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wires every component behind the HTTP surface.
type Server struct {
    Cfg    *config.Config
    Log    logging.Logger
    Cipher *cryptox.Cipher
    Sink   audit.Sink
    Auth   *auth.Verifier

    Codes     *codes.Generator
    Verifier  *verify.Service
    Monitor   *security.Monitor
    Emergency *emergency.Orchestrator
    Notify    *notify.Dispatcher
    Hub       *realtime.Hub

    bus        realtime.Bus
    resolution int

    mu       sync.Mutex
    limiters map[string]*rate.Limiter
}

// NewServer builds the component graph. The audit sink is Postgres when
// DATABASE_URL is set and in-memory otherwise; REDIS_URL selects the
// cross-instance event bus.
func NewServer(cfg *config.Config, log logging.Logger) (*Server, error) {
    metrics.RegisterDefault()

    var sink audit.Sink
    if cfg.DatabaseURL != "" {
        ps, err := audit.NewPostgresSink(cfg.DatabaseURL)
        if err != nil {
            return nil, err
        }
        sink = ps
    } else {
        sink = audit.NewMemorySink()
    }

    var bus realtime.Bus
    if cfg.RedisURL != "" {
        rb, err := realtime.NewRedisBus(cfg.RedisURL, log)
        if err != nil {
            log.Warn(context.Background(), "redis bus unavailable, staying single-instance", "err", err)
        } else {
            bus = rb
        }
    }

    cipher := cryptox.NewCipher(cfg.EncryptionKey)
    verifier := auth.NewVerifier(cfg.JWTSecret, 24*time.Hour)
    hub := realtime.NewHub(verifier, bus, log)
    dispatcher := notify.NewDispatcher(cipher, sink, nil, log)

    s := &Server{
        Cfg:    cfg,
        Log:    log,
        Cipher: cipher,
        Sink:   sink,
        Auth:   verifier,

        Codes: codes.New(cfg.HMACSecret, time.Duration(cfg.CodeTTLMinutes)*time.Minute),
        Verifier: verify.New(cipher, cfg.HMACSecret, sink, hub, log, verify.Options{
            OTPTTLSeconds: cfg.OTPTTLSeconds,
            OTPLength:     cfg.OTPLength,
            MaxAttempts:   cfg.CodeMaxAttempts,
        }),
        Monitor:   security.NewMonitor(sink, hub, log),
        Emergency: emergency.NewOrchestrator(sink, hub, dispatcher, log),
        Notify:    dispatcher,
        Hub:       hub,

        bus:        bus,
        resolution: geo.ResolutionForGrid(cfg.LocationGridSizeMeters),
        limiters:   map[string]*rate.Limiter{},
    }
    return s, nil
}

// Routes builds the full handler tree wrapped in the middleware chain.
func (s *Server) Routes() http.Handler {
    mux := http.NewServeMux()

    // Location obfuscation
    mux.HandleFunc("/api/location/obfuscate", s.ObfuscateHandler)
    mux.HandleFunc("/api/location/zones/", s.ZoneCenterHandler)

    // Hand-off codes
    mux.HandleFunc("/api/codes/generate", s.GenerateCodeHandler)

    // Verification
    mux.HandleFunc("/api/verification/initialize", s.VerificationInitializeHandler)
    mux.HandleFunc("/api/verification/otp/generate", s.OTPGenerateHandler)
    mux.HandleFunc("/api/verification/otp/verify", s.OTPVerifyHandler)
    mux.HandleFunc("/api/verification/photo", s.PhotoHandler)
    mux.HandleFunc("/api/verification/signature", s.SignatureHandler)
    mux.HandleFunc("/api/verification/geofence", s.GeofenceHandler)
    mux.HandleFunc("/api/verification/fallback", s.FallbackHandler)
    mux.HandleFunc("/api/verification/status/", s.VerificationStatusHandler)
    mux.HandleFunc("/api/verification/pending/", s.VerificationPendingHandler)

    // Cargo security
    mux.HandleFunc("/api/security/location-update", s.LocationUpdateHandler)
    mux.HandleFunc("/api/security/expected-route", s.ExpectedRouteHandler)
    mux.HandleFunc("/api/security/alerts", s.AlertsHandler)
    mux.HandleFunc("/api/security/alerts/", s.AlertByIDHandler)
    mux.HandleFunc("/api/security/stats", s.SecurityStatsHandler)
    mux.HandleFunc("/api/security/history/", s.LocationHistoryHandler)

    // Emergencies
    mux.HandleFunc("/api/emergency", s.EmergenciesHandler)
    mux.HandleFunc("/api/emergency/", s.EmergencyByIDHandler)

    // Privacy
    mux.HandleFunc("/api/privacy/permissions", s.PermissionsHandler)

    // Notifications
    mux.HandleFunc("/api/notifications/send", s.NotificationSendHandler)
    mux.HandleFunc("/api/notifications/preferences", s.NotificationPreferencesHandler)
    mux.HandleFunc("/api/notifications/user/", s.NotificationsForUserHandler)
    mux.HandleFunc("/api/notifications/", s.NotificationByIDHandler)

    // Realtime
    mux.HandleFunc("/api/realtime/ws", s.RealtimeWSHandler)
    mux.HandleFunc("/api/realtime/stats", s.RealtimeStatsHandler)
    mux.HandleFunc("/api/realtime/health", s.RealtimeHealthHandler)

    // Audit trail
    mux.HandleFunc("/api/audit", s.AuditListHandler)
    mux.HandleFunc("/api/audit/verify", s.AuditVerifyHandler)

    // Operational surface
    mux.HandleFunc("/health", s.HealthHandler)
    mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
    mux.HandleFunc("/openapi.yaml", s.OpenAPIHandler)
    mux.HandleFunc("/docs", s.DocsHandler)
    mux.HandleFunc("/api/debug", s.DebugHandler)

    if !s.Cfg.Production() {
        mux.HandleFunc("/api/auth/token", s.TokenHandler)
    }

    return s.withMiddleware(mux)
}

// RunBackground starts the periodic tasks; all stop on ctx cancellation.
func (s *Server) RunBackground(ctx context.Context) {
    go notify.NewWorker(s.Notify, time.Second, s.Log).Run(ctx)
    go s.Monitor.RunSweeper(ctx, time.Minute)
    go s.runJanitor(ctx)
    if rb, ok := s.bus.(*realtime.RedisBus); ok {
        go func() {
            if err := rb.Run(ctx, s.Hub.Receive); err != nil && ctx.Err() == nil {
                s.Log.Error(ctx, "event bus stopped", "err", err)
            }
        }()
    }
}

// runJanitor prunes obfuscated location history past its retention.
func (s *Server) runJanitor(ctx context.Context) {
    retention := time.Duration(s.Cfg.RetentionDaysLocation) * 24 * time.Hour
    if retention <= 0 { return }
    t := time.NewTicker(time.Hour)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-t.C:
            if n := s.Monitor.PruneHistory(time.Now().Add(-retention)); n > 0 {
                s.Log.Info(ctx, "pruned location history", "entries", n)
            }
        }
    }
}

// Close releases the audit sink and the event bus.
func (s *Server) Close() error {
    if s.bus != nil { _ = s.bus.Close() }
    return s.Sink.Close()
}
