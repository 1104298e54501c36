package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/collectors"
)

var (
    // Registry is the dedicated Prometheus registry for the API
    Registry = prometheus.NewRegistry()
    // HTTPRequests counts requests by method, path, and status
    HTTPRequests = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
        []string{"method", "path", "status"},
    )
    // HTTPDuration records request durations in seconds
    HTTPDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
        []string{"method", "path", "status"},
    )

    // Verifications counts verification outcomes by method and outcome
    Verifications = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "delivery_verifications_total", Help: "Verification attempts by method and outcome."},
        []string{"method", "outcome"},
    )
    // SecurityAlerts counts emitted alerts by anomaly type and severity
    SecurityAlerts = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "security_alerts_total", Help: "Security alerts by anomaly type and severity."},
        []string{"type", "severity"},
    )
    // Emergencies counts triggered emergencies by type
    Emergencies = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "emergencies_total", Help: "Emergencies by trigger type."},
        []string{"type"},
    )
    // Notifications counts dispatch outcomes by channel and status
    Notifications = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "notifications_total", Help: "Notification sends by channel and status."},
        []string{"channel", "status"},
    )
    // NotificationLatency tracks adapter latencies in milliseconds
    NotificationLatency = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "notification_send_latency_ms", Help: "Notification adapter latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
        []string{"channel", "status"},
    )

    // RealtimeSessions tracks live websocket sessions
    RealtimeSessions = prometheus.NewGauge(
        prometheus.GaugeOpts{Name: "realtime_sessions", Help: "Connected realtime sessions."},
    )
    // RealtimeEvents counts delivered realtime events by type
    RealtimeEvents = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "realtime_events_total", Help: "Realtime events delivered to sessions."},
        []string{"type"},
    )
    // OfflineDropped counts events discarded from full offline queues
    OfflineDropped = prometheus.NewCounter(
        prometheus.CounterOpts{Name: "realtime_offline_dropped_total", Help: "Events dropped from full offline queues."},
    )

    // AuditEntries counts audit writes by result
    AuditEntries = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "audit_entries_total", Help: "Audit entries by result."},
        []string{"result"},
    )
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
    regOnce.Do(func() {
        Registry.MustRegister(HTTPRequests)
        Registry.MustRegister(HTTPDuration)
        Registry.MustRegister(Verifications)
        Registry.MustRegister(SecurityAlerts)
        Registry.MustRegister(Emergencies)
        Registry.MustRegister(Notifications)
        Registry.MustRegister(NotificationLatency)
        Registry.MustRegister(RealtimeSessions)
        Registry.MustRegister(RealtimeEvents)
        Registry.MustRegister(OfflineDropped)
        Registry.MustRegister(AuditEntries)
        // Go/process collectors on our registry
        Registry.MustRegister(collectors.NewGoCollector())
        Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
    })
}

var regOnce sync.Once
