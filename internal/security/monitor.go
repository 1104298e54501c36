// Package security implements the cargo-security monitor: a bounded
// per-driver history of obfuscated fixes, anomaly detectors over that
// history, and the alert acknowledge/resolve lifecycle. The monitor
// never sees raw coordinates; it works entirely on zone ids.
package security

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "time"

    "github.com/google/uuid"

    "github.com/123ashny/KENYASHIP/internal/audit"
    "github.com/123ashny/KENYASHIP/internal/auth"
    "github.com/123ashny/KENYASHIP/internal/logging"
    "github.com/123ashny/KENYASHIP/internal/metrics"
    "github.com/123ashny/KENYASHIP/internal/model"
)

const (
    historyLimit = 100

    stopWindowEntries = 10
    stopMinStationary = 3
    stopMinSpan       = 15 * time.Minute
    stopSuppression   = 30 * time.Minute

    rapidWindowEntries = 5
    rapidMinDistinct   = 5
    rapidWindow        = 5 * time.Minute

    commLossAfter       = 10 * time.Minute
    commLossHighAfter   = 30 * time.Minute
    commLossSuppression = 15 * time.Minute
)

// Resolution statuses accepted by Resolve.
const (
    ResolutionFalsePositive = "false_positive"
    ResolutionInvestigated  = "investigated"
    ResolutionEscalated     = "escalated"
    ResolutionResolved      = "resolved"
)

var (
    ErrNotFound        = errors.New("not_found")
    ErrAlreadyResolved = errors.New("alert already resolved")
    ErrInvalidStatus   = errors.New("invalid resolution status")
)

var validResolutions = map[string]bool{
    ResolutionFalsePositive: true,
    ResolutionInvestigated:  true,
    ResolutionEscalated:     true,
    ResolutionResolved:      true,
}

// HistoryEntry is one obfuscated fix in a driver's ring.
type HistoryEntry struct {
    ZoneID   string    `json:"zoneId"`
    At       time.Time `json:"at"`
    IsMoving bool      `json:"isMoving"`
}

// AlertFilter narrows List results. Zero values match everything.
type AlertFilter struct {
    Severity           string
    DeliveryID         string
    UnacknowledgedOnly bool
}

// Stats aggregates alert counts.
type Stats struct {
    Total          int            `json:"total"`
    Unacknowledged int            `json:"unacknowledged"`
    BySeverity     map[string]int `json:"bySeverity"`
    ByType         map[string]int `json:"byType"`
    DriversTracked int            `json:"driversTracked"`
}

// Broadcaster publishes realtime events; the hub satisfies this.
type Broadcaster interface {
    Broadcast(evt model.RealtimeEvent)
}

type Monitor struct {
    sink  audit.Sink
    bcast Broadcaster
    log   logging.Logger

    mu         sync.Mutex
    history    map[string][]HistoryEntry       // driverId -> ring, oldest first
    routes     map[string]map[string]bool      // deliveryId -> expected zone set
    alerts     map[string]*model.SecurityAlert // alertId -> alert
    order      []string                        // alert ids in detection order
    lastSeen   map[string]lastFix              // driverId -> most recent fix
    lastOfType map[string]time.Time            // driverId + "|" + anomalyType -> last emit
}

type lastFix struct {
    At         time.Time
    ZoneID     string
    DeliveryID string
}

func NewMonitor(sink audit.Sink, bcast Broadcaster, log logging.Logger) *Monitor {
    return &Monitor{
        sink:       sink,
        bcast:      bcast,
        log:        log,
        history:    map[string][]HistoryEntry{},
        routes:     map[string]map[string]bool{},
        alerts:     map[string]*model.SecurityAlert{},
        lastSeen:   map[string]lastFix{},
        lastOfType: map[string]time.Time{},
    }
}

// SetExpectedRoute registers the zone sequence a delivery is expected
// to traverse. Fixes landing outside this set raise route_deviation.
func (m *Monitor) SetExpectedRoute(ctx context.Context, actor auth.Principal, deliveryID string, zones []string) {
    set := make(map[string]bool, len(zones))
    for _, z := range zones {
        if z != "" {
            set[z] = true
        }
    }
    m.mu.Lock()
    m.routes[deliveryID] = set
    m.mu.Unlock()

    m.record(ctx, actor, "set_expected_route", "delivery", deliveryID,
        map[string]any{"zones": len(set)}, model.AuditSuccess)
}

// ProcessLocationUpdate appends an obfuscated fix to the driver's
// history and runs the anomaly detectors. Movement is derived from
// zone history when the fix carries unknown. Returns the alerts this
// fix raised.
func (m *Monitor) ProcessLocationUpdate(ctx context.Context, actor auth.Principal, deliveryID, driverID string, loc model.ObfuscatedLocation, vehicleID string) []model.SecurityAlert {
    at := loc.ApproxTime
    if at.IsZero() {
        at = time.Now().UTC()
    }

    m.mu.Lock()
    ring := m.history[driverID]
    moving := false
    switch loc.MovementState {
    case model.MovementMoving:
        moving = true
    case model.MovementStationary:
        moving = false
    default:
        moving = len(ring) > 0 && ring[len(ring)-1].ZoneID != loc.ZoneID
    }
    entry := HistoryEntry{ZoneID: loc.ZoneID, At: at, IsMoving: moving}
    ring = append(ring, entry)
    if len(ring) > historyLimit {
        ring = append([]HistoryEntry(nil), ring[len(ring)-historyLimit:]...)
    }
    m.history[driverID] = ring
    m.lastSeen[driverID] = lastFix{At: at, ZoneID: loc.ZoneID, DeliveryID: deliveryID}

    var raised []model.SecurityAlert
    if a := m.detectRouteDeviationLocked(deliveryID, driverID, vehicleID, entry); a != nil {
        raised = append(raised, *a)
    }
    if a := m.detectUnusualStopLocked(deliveryID, driverID, vehicleID, ring, at); a != nil {
        raised = append(raised, *a)
    }
    if a := m.detectRapidZoneChangeLocked(deliveryID, driverID, vehicleID, ring, at); a != nil {
        raised = append(raised, *a)
    }
    m.mu.Unlock()

    m.emit(ctx, raised)
    m.record(ctx, actor, "process_location_update", "delivery", deliveryID, map[string]any{
        "zoneId": loc.ZoneID, "movementState": movementLabel(moving), "alerts": len(raised),
    }, model.AuditSuccess)
    return raised
}

// CheckCommunicationLoss raises communication_lost when a driver has
// been silent for 10 minutes, high severity past 30, suppressed for
// 15 minutes after the previous such alert. Returns nil when quiet.
func (m *Monitor) CheckCommunicationLoss(ctx context.Context, deliveryID, driverID string, lastSeenAt time.Time) *model.SecurityAlert {
    now := time.Now().UTC()
    gap := now.Sub(lastSeenAt)
    if gap < commLossAfter {
        return nil
    }
    severity := model.SeverityMedium
    if gap >= commLossHighAfter {
        severity = model.SeverityHigh
    }

    m.mu.Lock()
    if last, ok := m.lastOfType[driverID+"|"+model.AnomalyCommunicationLost]; ok && now.Sub(last) < commLossSuppression {
        m.mu.Unlock()
        return nil
    }
    zone := m.lastSeen[driverID].ZoneID
    alert := m.storeAlertLocked(&model.SecurityAlert{
        DeliveryID:  deliveryID,
        DriverID:    driverID,
        AnomalyType: model.AnomalyCommunicationLost,
        Severity:    severity,
        ZoneID:      zone,
        DetectedAt:  now,
        Description: fmt.Sprintf("no location fix for %s", gap.Round(time.Minute)),
    })
    m.mu.Unlock()

    m.emit(ctx, []model.SecurityAlert{*alert})
    m.record(ctx, auth.Principal{UserID: "system", Role: model.RoleSystem},
        "communication_loss_check", "driver", driverID,
        map[string]any{"deliveryId": deliveryID, "severity": severity}, model.AuditSuccess)
    out := *alert
    return &out
}

// Sweep runs the communication-loss check over every tracked driver.
func (m *Monitor) Sweep(ctx context.Context) int {
    m.mu.Lock()
    type pending struct {
        driverID string
        fix      lastFix
    }
    var due []pending
    cutoff := time.Now().UTC().Add(-commLossAfter)
    for id, fix := range m.lastSeen {
        if fix.At.Before(cutoff) {
            due = append(due, pending{driverID: id, fix: fix})
        }
    }
    m.mu.Unlock()

    raised := 0
    for _, p := range due {
        if a := m.CheckCommunicationLoss(ctx, p.fix.DeliveryID, p.driverID, p.fix.At); a != nil {
            raised++
        }
    }
    return raised
}

// RunSweeper ticks Sweep until the context is cancelled.
func (m *Monitor) RunSweeper(ctx context.Context, interval time.Duration) {
    if interval <= 0 {
        interval = time.Minute
    }
    t := time.NewTicker(interval)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-t.C:
            m.Sweep(ctx)
        }
    }
}

// Acknowledge stamps an alert as seen. Idempotent for an already
// acknowledged alert; resolved alerts cannot move backwards.
func (m *Monitor) Acknowledge(ctx context.Context, actor auth.Principal, alertID string) (model.SecurityAlert, error) {
    m.mu.Lock()
    a, ok := m.alerts[alertID]
    if !ok {
        m.mu.Unlock()
        return model.SecurityAlert{}, ErrNotFound
    }
    if a.Resolution != nil {
        m.mu.Unlock()
        return model.SecurityAlert{}, ErrAlreadyResolved
    }
    if !a.Acknowledged {
        now := time.Now().UTC()
        a.Acknowledged = true
        a.AcknowledgedAt = &now
        a.AcknowledgedBy = actor.UserID
    }
    out := *a
    m.mu.Unlock()

    m.record(ctx, actor, "acknowledge_alert", "security_alert", alertID, nil, model.AuditSuccess)
    return out, nil
}

// Resolve terminates an alert. An unacknowledged alert is implicitly
// acknowledged by the resolver.
func (m *Monitor) Resolve(ctx context.Context, actor auth.Principal, alertID, status, notes string) (model.SecurityAlert, error) {
    if !validResolutions[status] {
        return model.SecurityAlert{}, ErrInvalidStatus
    }
    m.mu.Lock()
    a, ok := m.alerts[alertID]
    if !ok {
        m.mu.Unlock()
        return model.SecurityAlert{}, ErrNotFound
    }
    if a.Resolution != nil {
        m.mu.Unlock()
        return model.SecurityAlert{}, ErrAlreadyResolved
    }
    now := time.Now().UTC()
    if !a.Acknowledged {
        a.Acknowledged = true
        a.AcknowledgedAt = &now
        a.AcknowledgedBy = actor.UserID
    }
    a.Resolution = &model.AlertResolution{
        ResolvedBy: actor.UserID,
        ResolvedAt: now,
        Status:     status,
        Notes:      notes,
    }
    out := *a
    m.mu.Unlock()

    m.record(ctx, actor, "resolve_alert", "security_alert", alertID,
        map[string]any{"status": status}, model.AuditSuccess)
    return out, nil
}

// List returns alerts newest first.
func (m *Monitor) List(f AlertFilter) []model.SecurityAlert {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.SecurityAlert{}
    for i := len(m.order) - 1; i >= 0; i-- {
        a := m.alerts[m.order[i]]
        if f.Severity != "" && a.Severity != f.Severity {
            continue
        }
        if f.DeliveryID != "" && a.DeliveryID != f.DeliveryID {
            continue
        }
        if f.UnacknowledgedOnly && a.Acknowledged {
            continue
        }
        out = append(out, *a)
    }
    return out
}

func (m *Monitor) Stats() Stats {
    m.mu.Lock(); defer m.mu.Unlock()
    s := Stats{
        BySeverity:     map[string]int{},
        ByType:         map[string]int{},
        DriversTracked: len(m.history),
    }
    for _, a := range m.alerts {
        s.Total++
        s.BySeverity[a.Severity]++
        s.ByType[a.AnomalyType]++
        if !a.Acknowledged {
            s.Unacknowledged++
        }
    }
    return s
}

// History returns a copy of the driver's obfuscated fix ring.
func (m *Monitor) History(driverID string) []HistoryEntry {
    m.mu.Lock(); defer m.mu.Unlock()
    return append([]HistoryEntry(nil), m.history[driverID]...)
}

// PruneHistory drops fixes older than the cutoff and returns how many
// entries were removed. Drivers left with no history are forgotten.
func (m *Monitor) PruneHistory(olderThan time.Time) int {
    m.mu.Lock(); defer m.mu.Unlock()
    removed := 0
    for id, ring := range m.history {
        keep := ring[:0:0]
        for _, e := range ring {
            if !e.At.Before(olderThan) {
                keep = append(keep, e)
            }
        }
        removed += len(ring) - len(keep)
        if len(keep) == 0 {
            delete(m.history, id)
            continue
        }
        m.history[id] = keep
    }
    return removed
}

func (m *Monitor) detectRouteDeviationLocked(deliveryID, driverID, vehicleID string, e HistoryEntry) *model.SecurityAlert {
    route, ok := m.routes[deliveryID]
    if !ok || len(route) == 0 || route[e.ZoneID] {
        return nil
    }
    return m.storeAlertLocked(&model.SecurityAlert{
        DeliveryID:  deliveryID,
        DriverID:    driverID,
        VehicleID:   vehicleID,
        AnomalyType: model.AnomalyRouteDeviation,
        Severity:    model.SeverityMedium,
        ZoneID:      e.ZoneID,
        DetectedAt:  e.At,
        Description: fmt.Sprintf("zone %s is not on the expected route", e.ZoneID),
    })
}

func (m *Monitor) detectUnusualStopLocked(deliveryID, driverID, vehicleID string, ring []HistoryEntry, now time.Time) *model.SecurityAlert {
    window := ring
    if len(window) > stopWindowEntries {
        window = window[len(window)-stopWindowEntries:]
    }
    var first, last time.Time
    stationary := 0
    for _, e := range window {
        if e.IsMoving {
            continue
        }
        if stationary == 0 {
            first = e.At
        }
        last = e.At
        stationary++
    }
    if stationary < stopMinStationary || last.Sub(first) < stopMinSpan {
        return nil
    }
    if prev, ok := m.lastOfType[driverID+"|"+model.AnomalyUnusualStop]; ok && now.Sub(prev) < stopSuppression {
        return nil
    }
    return m.storeAlertLocked(&model.SecurityAlert{
        DeliveryID:  deliveryID,
        DriverID:    driverID,
        VehicleID:   vehicleID,
        AnomalyType: model.AnomalyUnusualStop,
        Severity:    model.SeverityLow,
        ZoneID:      window[len(window)-1].ZoneID,
        DetectedAt:  now,
        Description: fmt.Sprintf("stationary for %s across recent fixes", last.Sub(first).Round(time.Minute)),
    })
}

func (m *Monitor) detectRapidZoneChangeLocked(deliveryID, driverID, vehicleID string, ring []HistoryEntry, now time.Time) *model.SecurityAlert {
    if len(ring) < rapidWindowEntries {
        return nil
    }
    window := ring[len(ring)-rapidWindowEntries:]
    if window[len(window)-1].At.Sub(window[0].At) > rapidWindow {
        return nil
    }
    distinct := map[string]bool{}
    for _, e := range window {
        distinct[e.ZoneID] = true
    }
    if len(distinct) < rapidMinDistinct {
        return nil
    }
    return m.storeAlertLocked(&model.SecurityAlert{
        DeliveryID:  deliveryID,
        DriverID:    driverID,
        VehicleID:   vehicleID,
        AnomalyType: model.AnomalyTampering,
        Severity:    model.SeverityHigh,
        ZoneID:      window[len(window)-1].ZoneID,
        DetectedAt:  now,
        Description: fmt.Sprintf("%d distinct zones within %s suggests location spoofing", len(distinct), rapidWindow),
    })
}

// storeAlertLocked assigns an id, indexes the alert, and stamps the
// suppression clock. Caller holds m.mu.
func (m *Monitor) storeAlertLocked(a *model.SecurityAlert) *model.SecurityAlert {
    a.ID = uuid.New().String()
    m.alerts[a.ID] = a
    m.order = append(m.order, a.ID)
    m.lastOfType[a.DriverID+"|"+a.AnomalyType] = a.DetectedAt
    return a
}

// emit pushes alerts to metrics and the broadcaster. Called unlocked.
func (m *Monitor) emit(ctx context.Context, alerts []model.SecurityAlert) {
    for _, a := range alerts {
        metrics.SecurityAlerts.WithLabelValues(a.AnomalyType, a.Severity).Inc()
        m.log.Warn(ctx, "security alert raised",
            "alertId", a.ID, "anomalyType", a.AnomalyType, "severity", a.Severity,
            "deliveryId", a.DeliveryID, "zoneId", a.ZoneID)
        if m.bcast == nil {
            continue
        }
        m.bcast.Broadcast(model.RealtimeEvent{
            ID:   uuid.New().String(),
            Type: "alert:security",
            Payload: map[string]any{
                "alert": a,
            },
            Audience:  model.Audience{Roles: []string{model.RoleSecurityOfficer, model.RoleAdmin}},
            CreatedAt: time.Now().UTC(),
        })
    }
}

func (m *Monitor) record(ctx context.Context, actor auth.Principal, action, resourceType, resourceID string, meta map[string]any, result string) {
    if m.sink == nil {
        return
    }
    err := m.sink.Record(ctx, model.AuditEntry{
        ActorID:      actor.UserID,
        ActorRole:    actor.Role,
        Action:       action,
        ResourceType: resourceType,
        ResourceID:   resourceID,
        Metadata:     meta,
        Result:       result,
    })
    if err != nil {
        m.log.Error(ctx, "audit write failed", "action", action, "err", err.Error())
    }
}

func movementLabel(moving bool) string {
    if moving {
        return model.MovementMoving
    }
    return model.MovementStationary
}
