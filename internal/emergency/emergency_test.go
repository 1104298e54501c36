package emergency

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "strings"
    "sync"
    "testing"
    "time"

    "github.com/123ashny/KENYASHIP/internal/audit"
    "github.com/123ashny/KENYASHIP/internal/auth"
    "github.com/123ashny/KENYASHIP/internal/logging"
    "github.com/123ashny/KENYASHIP/internal/model"
)

var driver = auth.Principal{UserID: "u-drv-1", Role: model.RoleDriver}

type captureBroadcaster struct {
    mu     sync.Mutex
    events []model.RealtimeEvent
}

func (c *captureBroadcaster) Broadcast(evt model.RealtimeEvent) {
    c.mu.Lock()
    defer c.mu.Unlock()
    c.events = append(c.events, evt)
}

func (c *captureBroadcaster) all() []model.RealtimeEvent {
    c.mu.Lock()
    defer c.mu.Unlock()
    return append([]model.RealtimeEvent(nil), c.events...)
}

type sentCall struct {
    recipientID, channel, templateID, content, priority string
}

type fakeNotifier struct {
    mu   sync.Mutex
    sent []sentCall
    fail bool
}

func (f *fakeNotifier) Send(ctx context.Context, actor auth.Principal, recipientID, channel, templateID, content, priority string) (model.NotificationRecord, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    if f.fail {
        return model.NotificationRecord{}, errors.New("transport down")
    }
    f.sent = append(f.sent, sentCall{recipientID, channel, templateID, content, priority})
    return model.NotificationRecord{ID: fmt.Sprintf("n-%d", len(f.sent))}, nil
}

func newOrchestrator(t *testing.T) (*Orchestrator, *audit.MemorySink, *captureBroadcaster, *fakeNotifier) {
    t.Helper()
    sink := audit.NewMemorySink()
    bc := &captureBroadcaster{}
    fn := &fakeNotifier{}
    return NewOrchestrator(sink, bc, fn, logging.New(io.Discard, "error")), sink, bc, fn
}

func TestPanicIsIdempotentWhileActive(t *testing.T) {
    o, _, _, _ := newOrchestrator(t)
    ctx := context.Background()
    loc := model.RawCoordinates{Lat: -1.300, Lon: 36.800}

    first, created := o.Panic(ctx, driver, "u-drv-1", loc, "d-3")
    if !created {
        t.Fatal("first panic should create")
    }
    if first.Type != model.EmergencyPanic || first.Status != model.EmergencyResponding {
        t.Fatalf("record = %+v", first)
    }
    if first.Location != loc {
        t.Fatalf("location = %+v, want %+v", first.Location, loc)
    }

    second, created := o.Panic(ctx, driver, "u-drv-1", loc, "d-3")
    if created || second.ID != first.ID {
        t.Fatalf("second panic: created=%v id=%s want %s", created, second.ID, first.ID)
    }

    if _, err := o.Resolve(ctx, driver, first.ID); err != nil {
        t.Fatalf("resolve: %v", err)
    }
    if _, ok := o.ActiveForDriver("u-drv-1"); ok {
        t.Fatal("active slot not cleared by resolve")
    }
    third, created := o.Panic(ctx, driver, "u-drv-1", loc, "d-3")
    if !created || third.ID == first.ID {
        t.Fatalf("post-resolve panic: created=%v id=%s", created, third.ID)
    }
}

func TestPanicNotifiesContactsAndBroadcastsRawLocation(t *testing.T) {
    o, _, bc, fn := newOrchestrator(t)
    ctx := context.Background()
    loc := model.RawCoordinates{Lat: -1.30042, Lon: 36.80011}

    o.SetContacts(ctx, driver, "u-drv-1", []model.EmergencyContact{
        {Name: "Akinyi Otieno", Phone: "+254700000001", Channels: []string{model.ChannelSMS, model.ChannelPush}},
        {Name: "Baraka Mwangi", Phone: "+254700000002"},
    })

    rec, _ := o.Panic(ctx, driver, "u-drv-1", loc, "d-3")

    fn.mu.Lock()
    sent := append([]sentCall(nil), fn.sent...)
    fn.mu.Unlock()
    if len(sent) != 3 {
        t.Fatalf("notifications sent = %d, want 3 (two channels + sms default)", len(sent))
    }
    for _, s := range sent {
        if s.priority != model.PriorityCritical || s.templateID != "emergency_alert" {
            t.Fatalf("send = %+v", s)
        }
        if !strings.Contains(s.content, "-1.30042") {
            t.Fatalf("content missing coordinates: %q", s.content)
        }
    }
    if len(rec.Notifications) != 3 {
        t.Fatalf("record notifications = %v", rec.Notifications)
    }

    events := bc.all()
    if len(events) != 1 || events[0].Type != "alert:emergency" {
        t.Fatalf("events = %+v", events)
    }
    aud := events[0].Audience.Roles
    if len(aud) != 3 || aud[0] != model.RoleSecurityOfficer || aud[1] != model.RoleAdmin || aud[2] != model.RoleDispatcher {
        t.Fatalf("audience = %+v", events[0].Audience)
    }
    payload, ok := events[0].Payload["emergency"].(model.EmergencyRecord)
    if !ok {
        t.Fatalf("payload emergency = %T", events[0].Payload["emergency"])
    }
    if payload.Location != loc {
        t.Fatalf("broadcast location = %+v, want raw %+v", payload.Location, loc)
    }
}

func TestAccelerometerImpactDetection(t *testing.T) {
    o, _, _, _ := newOrchestrator(t)
    ctx := context.Background()
    loc := model.RawCoordinates{Lat: -1.25, Lon: 36.90}
    now := time.Now().UTC()

    rec, g := o.Accelerometer(ctx, driver, "u-drv-2", model.AccelerometerReading{X: 0, Y: 0, Z: 9.81, T: now}, loc, "d-5")
    if rec != nil {
        t.Fatalf("1 g reading triggered %+v", rec)
    }
    if g < 0.99 || g > 1.01 {
        t.Fatalf("gForce = %.3f, want ~1", g)
    }

    rec, g = o.Accelerometer(ctx, driver, "u-drv-2", model.AccelerometerReading{X: 35, Y: 20, Z: 10, T: now}, loc, "d-5")
    if rec == nil || rec.Type != model.EmergencyAccident || rec.Status != model.EmergencyResponding {
        t.Fatalf("impact record = %+v", rec)
    }
    if g < impactThresholdG {
        t.Fatalf("gForce = %.3f below threshold", g)
    }

    // A second impact while the first is active reuses the record.
    again, _ := o.Accelerometer(ctx, driver, "u-drv-2", model.AccelerometerReading{X: 40, Y: 0, Z: 0, T: now}, loc, "d-5")
    if again == nil || again.ID != rec.ID {
        t.Fatalf("second impact = %+v, want id %s", again, rec.ID)
    }
}

func TestAccelerometerRingIsBounded(t *testing.T) {
    o, _, _, _ := newOrchestrator(t)
    ctx := context.Background()
    for i := 0; i < accelWindow+7; i++ {
        o.Accelerometer(ctx, driver, "u-drv-3", model.AccelerometerReading{Z: 9.81}, model.RawCoordinates{}, "")
    }
    o.mu.Lock()
    n := len(o.readings["u-drv-3"])
    o.mu.Unlock()
    if n != accelWindow {
        t.Fatalf("readings kept = %d, want %d", n, accelWindow)
    }
}

func TestEmergencyLifecycle(t *testing.T) {
    o, _, _, _ := newOrchestrator(t)
    ctx := context.Background()
    admin := auth.Principal{UserID: "u-admin", Role: model.RoleAdmin}

    rec, _ := o.Panic(ctx, driver, "u-drv-4", model.RawCoordinates{Lat: 0.1, Lon: 35.2}, "")

    if _, err := o.Acknowledge(ctx, admin, "missing"); !errors.Is(err, ErrNotFound) {
        t.Fatalf("ack missing: %v", err)
    }
    acked, err := o.Acknowledge(ctx, admin, rec.ID)
    if err != nil || acked.Status != model.EmergencyAcknowledged {
        t.Fatalf("acknowledge: %v %+v", err, acked)
    }
    resolved, err := o.Resolve(ctx, admin, rec.ID)
    if err != nil || resolved.Status != model.EmergencyResolved {
        t.Fatalf("resolve: %v %+v", err, resolved)
    }
    if _, err := o.Acknowledge(ctx, admin, rec.ID); !errors.Is(err, ErrResolved) {
        t.Fatalf("ack after resolve: %v", err)
    }
    if _, err := o.Resolve(ctx, admin, rec.ID); !errors.Is(err, ErrResolved) {
        t.Fatalf("double resolve: %v", err)
    }

    // Second emergency lists before the first.
    rec2, _ := o.Panic(ctx, driver, "u-drv-4", model.RawCoordinates{Lat: 0.2, Lon: 35.3}, "")
    list := o.List()
    if len(list) != 2 || list[0].ID != rec2.ID || list[1].ID != rec.ID {
        t.Fatalf("list order = %+v", list)
    }
}

func TestNotifierFailureDoesNotAbortResponse(t *testing.T) {
    o, _, bc, fn := newOrchestrator(t)
    fn.fail = true
    ctx := context.Background()

    o.SetContacts(ctx, driver, "u-drv-5", []model.EmergencyContact{{Name: "Chebet", Phone: "+254700000003"}})
    rec, _ := o.Panic(ctx, driver, "u-drv-5", model.RawCoordinates{Lat: -1.1, Lon: 36.7}, "")
    if rec.Status != model.EmergencyResponding {
        t.Fatalf("status = %s", rec.Status)
    }
    if len(rec.Notifications) != 0 {
        t.Fatalf("notifications = %v, want none recorded", rec.Notifications)
    }
    if events := bc.all(); len(events) != 1 {
        t.Fatalf("broadcast count = %d", len(events))
    }
}

func TestAuditEntriesCarryNoCoordinates(t *testing.T) {
    o, sink, _, _ := newOrchestrator(t)
    ctx := context.Background()

    o.SetContacts(ctx, driver, "u-drv-6", []model.EmergencyContact{{Name: "Dalila", Phone: "+254700000004"}})
    rec, _ := o.Panic(ctx, driver, "u-drv-6", model.RawCoordinates{Lat: -1.300, Lon: 36.800}, "d-9")
    if _, err := o.Resolve(ctx, driver, rec.ID); err != nil {
        t.Fatalf("resolve: %v", err)
    }

    entries, err := sink.List(ctx, audit.Filter{})
    if err != nil {
        t.Fatalf("list audit: %v", err)
    }
    if len(entries) == 0 {
        t.Fatal("no audit entries written")
    }
    for _, e := range entries {
        raw, err := json.Marshal(e.Metadata)
        if err != nil {
            t.Fatalf("marshal details: %v", err)
        }
        for _, banned := range []string{"latitude", "longitude", "lat", "lon", "36.8", "-1.3"} {
            if strings.Contains(string(raw), banned) {
                t.Fatalf("audit entry %s leaks %q: %s", e.Action, banned, raw)
            }
        }
    }
}
