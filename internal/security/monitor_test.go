package security

import (
    "context"
    "errors"
    "fmt"
    "io"
    "sync"
    "testing"
    "time"

    "github.com/123ashny/KENYASHIP/internal/audit"
    "github.com/123ashny/KENYASHIP/internal/auth"
    "github.com/123ashny/KENYASHIP/internal/logging"
    "github.com/123ashny/KENYASHIP/internal/model"
)

var officer = auth.Principal{UserID: "u-sec-1", Role: model.RoleSecurityOfficer}

type captureBroadcaster struct {
    mu     sync.Mutex
    events []model.RealtimeEvent
}

func (c *captureBroadcaster) Broadcast(evt model.RealtimeEvent) {
    c.mu.Lock()
    defer c.mu.Unlock()
    c.events = append(c.events, evt)
}

func (c *captureBroadcaster) byType(t string) []model.RealtimeEvent {
    c.mu.Lock()
    defer c.mu.Unlock()
    var out []model.RealtimeEvent
    for _, e := range c.events {
        if e.Type == t {
            out = append(out, e)
        }
    }
    return out
}

func newMonitor(t *testing.T) (*Monitor, *captureBroadcaster) {
    t.Helper()
    bc := &captureBroadcaster{}
    return NewMonitor(audit.NewMemorySink(), bc, logging.New(io.Discard, "error")), bc
}

func fix(zone string, at time.Time) model.ObfuscatedLocation {
    return model.ObfuscatedLocation{ZoneID: zone, ApproxTime: at, MovementState: model.MovementUnknown, Resolution: 8}
}

func TestRapidZoneChangeRaisesTampering(t *testing.T) {
    m, bc := newMonitor(t)
    ctx := context.Background()
    base := time.Now().UTC().Add(-2 * time.Minute)

    var raised []model.SecurityAlert
    for i := 0; i < 5; i++ {
        raised = m.ProcessLocationUpdate(ctx, officer, "d-3", "u-drv-1",
            fix(fmt.Sprintf("zone-%d", i), base.Add(time.Duration(i)*20*time.Second)), "veh-1")
        if i < 4 && len(raised) != 0 {
            t.Fatalf("update %d raised %+v", i, raised)
        }
    }
    if len(raised) != 1 {
        t.Fatalf("fifth update raised %d alerts, want 1", len(raised))
    }
    a := raised[0]
    if a.AnomalyType != model.AnomalyTampering || a.Severity != model.SeverityHigh {
        t.Fatalf("alert = %+v", a)
    }
    if a.ZoneID != "zone-4" || a.DeliveryID != "d-3" || a.VehicleID != "veh-1" {
        t.Fatalf("alert fields = %+v", a)
    }

    events := bc.byType("alert:security")
    if len(events) != 1 {
        t.Fatalf("broadcasts = %d, want 1", len(events))
    }
    roles := events[0].Audience.Roles
    if len(roles) != 2 || roles[0] != model.RoleSecurityOfficer || roles[1] != model.RoleAdmin {
        t.Fatalf("audience = %+v", events[0].Audience)
    }
}

func TestRapidZoneChangeNeedsTightWindow(t *testing.T) {
    m, _ := newMonitor(t)
    ctx := context.Background()
    base := time.Now().UTC().Add(-time.Hour)

    // Five distinct zones, but spread over 20 minutes.
    for i := 0; i < 5; i++ {
        raised := m.ProcessLocationUpdate(ctx, officer, "d-3", "u-drv-2",
            fix(fmt.Sprintf("zone-%d", i), base.Add(time.Duration(i)*5*time.Minute)), "")
        if len(raised) != 0 {
            t.Fatalf("slow traversal raised %+v", raised)
        }
    }
}

func TestRouteDeviation(t *testing.T) {
    m, _ := newMonitor(t)
    ctx := context.Background()
    now := time.Now().UTC()

    m.SetExpectedRoute(ctx, officer, "d-7", []string{"z-a", "z-b", "z-c"})

    if raised := m.ProcessLocationUpdate(ctx, officer, "d-7", "u-drv-3", fix("z-b", now), ""); len(raised) != 0 {
        t.Fatalf("on-route fix raised %+v", raised)
    }
    raised := m.ProcessLocationUpdate(ctx, officer, "d-7", "u-drv-3", fix("z-x", now.Add(time.Minute)), "")
    if len(raised) != 1 {
        t.Fatalf("off-route fix raised %d alerts", len(raised))
    }
    if raised[0].AnomalyType != model.AnomalyRouteDeviation || raised[0].Severity != model.SeverityMedium {
        t.Fatalf("alert = %+v", raised[0])
    }
    // Deliveries without a registered route never deviate.
    if raised := m.ProcessLocationUpdate(ctx, officer, "d-other", "u-drv-4", fix("z-x", now), ""); len(raised) != 0 {
        t.Fatalf("routeless delivery raised %+v", raised)
    }
}

func TestUnusualStopWithSuppression(t *testing.T) {
    m, _ := newMonitor(t)
    ctx := context.Background()
    base := time.Now().UTC().Add(-time.Hour)

    // Same zone throughout: movement derives to stationary.
    if raised := m.ProcessLocationUpdate(ctx, officer, "d-9", "u-drv-5", fix("z-stop", base), ""); len(raised) != 0 {
        t.Fatalf("first fix raised %+v", raised)
    }
    if raised := m.ProcessLocationUpdate(ctx, officer, "d-9", "u-drv-5", fix("z-stop", base.Add(8*time.Minute)), ""); len(raised) != 0 {
        t.Fatalf("8 min span raised %+v", raised)
    }
    raised := m.ProcessLocationUpdate(ctx, officer, "d-9", "u-drv-5", fix("z-stop", base.Add(16*time.Minute)), "")
    if len(raised) != 1 {
        t.Fatalf("16 min stop raised %d alerts", len(raised))
    }
    if raised[0].AnomalyType != model.AnomalyUnusualStop || raised[0].Severity != model.SeverityLow {
        t.Fatalf("alert = %+v", raised[0])
    }
    // Still stopped four minutes later: suppressed.
    if raised := m.ProcessLocationUpdate(ctx, officer, "d-9", "u-drv-5", fix("z-stop", base.Add(20*time.Minute)), ""); len(raised) != 0 {
        t.Fatalf("suppression window raised %+v", raised)
    }
}

func TestExplicitMovementStateIsHonoured(t *testing.T) {
    m, _ := newMonitor(t)
    ctx := context.Background()
    base := time.Now().UTC().Add(-time.Hour)

    // Caller says moving even though the zone repeats; no stop alert.
    for i := 0; i < 4; i++ {
        loc := model.ObfuscatedLocation{ZoneID: "z-1", ApproxTime: base.Add(time.Duration(i) * 8 * time.Minute), MovementState: model.MovementMoving}
        if raised := m.ProcessLocationUpdate(ctx, officer, "d-11", "u-drv-6", loc, ""); len(raised) != 0 {
            t.Fatalf("moving fixes raised %+v", raised)
        }
    }
}

func TestHistoryBoundAndPrune(t *testing.T) {
    m, _ := newMonitor(t)
    ctx := context.Background()
    base := time.Now().UTC().Add(-3 * time.Hour)

    for i := 0; i < 120; i++ {
        m.ProcessLocationUpdate(ctx, officer, "d-12", "u-drv-7", fix("z-ring", base.Add(time.Duration(i)*time.Minute)), "")
    }
    h := m.History("u-drv-7")
    if len(h) != historyLimit {
        t.Fatalf("history length = %d, want %d", len(h), historyLimit)
    }
    if !h[0].At.Equal(base.Add(20 * time.Minute)) {
        t.Fatalf("oldest kept entry at %v", h[0].At)
    }

    removed := m.PruneHistory(base.Add(60 * time.Minute))
    if removed != 40 {
        t.Fatalf("pruned %d entries, want 40", removed)
    }
    if got := len(m.History("u-drv-7")); got != 60 {
        t.Fatalf("history after prune = %d, want 60", got)
    }

    // A driver whose whole history ages out is forgotten.
    m2, _ := newMonitor(t)
    m2.ProcessLocationUpdate(ctx, officer, "d-13", "u-drv-8", fix("z-old", base), "")
    m2.PruneHistory(time.Now().UTC())
    if got := len(m2.History("u-drv-8")); got != 0 {
        t.Fatalf("stale driver still has %d entries", got)
    }
}

func TestCommunicationLoss(t *testing.T) {
    m, _ := newMonitor(t)
    ctx := context.Background()

    if a := m.CheckCommunicationLoss(ctx, "d-20", "u-drv-9", time.Now().Add(-5*time.Minute)); a != nil {
        t.Fatalf("5 min gap raised %+v", a)
    }
    a := m.CheckCommunicationLoss(ctx, "d-20", "u-drv-9", time.Now().Add(-12*time.Minute))
    if a == nil || a.AnomalyType != model.AnomalyCommunicationLost || a.Severity != model.SeverityMedium {
        t.Fatalf("12 min gap = %+v", a)
    }
    // Second check inside the suppression window stays quiet.
    if again := m.CheckCommunicationLoss(ctx, "d-20", "u-drv-9", time.Now().Add(-13*time.Minute)); again != nil {
        t.Fatalf("suppressed check raised %+v", again)
    }

    high := m.CheckCommunicationLoss(ctx, "d-21", "u-drv-10", time.Now().Add(-40*time.Minute))
    if high == nil || high.Severity != model.SeverityHigh {
        t.Fatalf("40 min gap = %+v", high)
    }
}

func TestSweepFindsSilentDrivers(t *testing.T) {
    m, _ := newMonitor(t)
    ctx := context.Background()

    m.ProcessLocationUpdate(ctx, officer, "d-30", "u-silent", fix("z-last", time.Now().UTC().Add(-20*time.Minute)), "")
    m.ProcessLocationUpdate(ctx, officer, "d-31", "u-live", fix("z-now", time.Now().UTC()), "")

    if raised := m.Sweep(ctx); raised != 1 {
        t.Fatalf("sweep raised %d alerts, want 1", raised)
    }
    alerts := m.List(AlertFilter{DeliveryID: "d-30"})
    if len(alerts) != 1 || alerts[0].AnomalyType != model.AnomalyCommunicationLost {
        t.Fatalf("alerts = %+v", alerts)
    }
    if alerts[0].ZoneID != "z-last" {
        t.Fatalf("alert zone = %q, want last known zone", alerts[0].ZoneID)
    }
}

func TestAlertLifecycle(t *testing.T) {
    m, _ := newMonitor(t)
    ctx := context.Background()
    now := time.Now().UTC()

    m.SetExpectedRoute(ctx, officer, "d-40", []string{"z-ok"})
    raised := m.ProcessLocationUpdate(ctx, officer, "d-40", "u-drv-11", fix("z-bad", now), "")
    if len(raised) != 1 {
        t.Fatalf("setup raised %d alerts", len(raised))
    }
    id := raised[0].ID

    if _, err := m.Acknowledge(ctx, officer, "missing"); !errors.Is(err, ErrNotFound) {
        t.Fatalf("ack missing: %v", err)
    }
    acked, err := m.Acknowledge(ctx, officer, id)
    if err != nil {
        t.Fatalf("acknowledge: %v", err)
    }
    if !acked.Acknowledged || acked.AcknowledgedBy != officer.UserID || acked.AcknowledgedAt == nil {
        t.Fatalf("acked = %+v", acked)
    }

    if _, err := m.Resolve(ctx, officer, id, "bogus", ""); !errors.Is(err, ErrInvalidStatus) {
        t.Fatalf("bad status: %v", err)
    }
    resolved, err := m.Resolve(ctx, officer, id, ResolutionInvestigated, "checked with driver")
    if err != nil {
        t.Fatalf("resolve: %v", err)
    }
    if resolved.Resolution == nil || resolved.Resolution.Status != ResolutionInvestigated {
        t.Fatalf("resolution = %+v", resolved.Resolution)
    }

    if _, err := m.Resolve(ctx, officer, id, ResolutionResolved, ""); !errors.Is(err, ErrAlreadyResolved) {
        t.Fatalf("double resolve: %v", err)
    }
    if _, err := m.Acknowledge(ctx, officer, id); !errors.Is(err, ErrAlreadyResolved) {
        t.Fatalf("ack after resolve: %v", err)
    }
}

func TestResolveImplicitlyAcknowledges(t *testing.T) {
    m, _ := newMonitor(t)
    ctx := context.Background()

    m.SetExpectedRoute(ctx, officer, "d-41", []string{"z-ok"})
    raised := m.ProcessLocationUpdate(ctx, officer, "d-41", "u-drv-12", fix("z-bad", time.Now().UTC()), "")
    resolved, err := m.Resolve(ctx, officer, raised[0].ID, ResolutionFalsePositive, "")
    if err != nil {
        t.Fatalf("resolve: %v", err)
    }
    if !resolved.Acknowledged || resolved.AcknowledgedBy != officer.UserID {
        t.Fatalf("resolve did not acknowledge: %+v", resolved)
    }
}

func TestListFiltersAndStats(t *testing.T) {
    m, _ := newMonitor(t)
    ctx := context.Background()
    base := time.Now().UTC().Add(-2 * time.Minute)

    // One high tampering alert on d-50.
    for i := 0; i < 5; i++ {
        m.ProcessLocationUpdate(ctx, officer, "d-50", "u-drv-13", fix(fmt.Sprintf("za-%d", i), base.Add(time.Duration(i)*20*time.Second)), "")
    }
    // One medium route deviation on d-51.
    m.SetExpectedRoute(ctx, officer, "d-51", []string{"z-route"})
    dev := m.ProcessLocationUpdate(ctx, officer, "d-51", "u-drv-14", fix("z-off", base), "")

    if got := m.List(AlertFilter{Severity: model.SeverityHigh}); len(got) != 1 || got[0].AnomalyType != model.AnomalyTampering {
        t.Fatalf("severity filter = %+v", got)
    }
    if got := m.List(AlertFilter{DeliveryID: "d-51"}); len(got) != 1 || got[0].AnomalyType != model.AnomalyRouteDeviation {
        t.Fatalf("delivery filter = %+v", got)
    }

    if _, err := m.Acknowledge(ctx, officer, dev[0].ID); err != nil {
        t.Fatalf("acknowledge: %v", err)
    }
    unacked := m.List(AlertFilter{UnacknowledgedOnly: true})
    if len(unacked) != 1 || unacked[0].AnomalyType != model.AnomalyTampering {
        t.Fatalf("unacknowledged filter = %+v", unacked)
    }

    s := m.Stats()
    if s.Total != 2 || s.Unacknowledged != 1 {
        t.Fatalf("stats = %+v", s)
    }
    if s.BySeverity[model.SeverityHigh] != 1 || s.BySeverity[model.SeverityMedium] != 1 {
        t.Fatalf("by severity = %+v", s.BySeverity)
    }
    if s.ByType[model.AnomalyTampering] != 1 || s.ByType[model.AnomalyRouteDeviation] != 1 {
        t.Fatalf("by type = %+v", s.ByType)
    }
    if s.DriversTracked != 2 {
        t.Fatalf("drivers tracked = %d", s.DriversTracked)
    }
}
