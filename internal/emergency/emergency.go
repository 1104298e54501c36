// Package emergency orchestrates the panic-button and impact-detection
// paths. This is the one component allowed to carry raw coordinates in
// its records and broadcast payloads; everything else sees zones only.
package emergency

import (
    "context"
    "errors"
    "fmt"
    "math"
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
    accelWindow      = 30
    gravityMS2       = 9.81
    impactThresholdG = 4.0
)

var (
    ErrNotFound = errors.New("not_found")
    ErrResolved = errors.New("emergency already resolved")
)

// Broadcaster publishes realtime events; the hub satisfies this.
type Broadcaster interface {
    Broadcast(evt model.RealtimeEvent)
}

// Notifier sends one outbound notification; the dispatcher satisfies
// this. Failures are per-contact and never abort the response.
type Notifier interface {
    Send(ctx context.Context, actor auth.Principal, recipientID, channel, templateID, content, priority string) (model.NotificationRecord, error)
}

type Orchestrator struct {
    sink     audit.Sink
    bcast    Broadcaster
    notifier Notifier
    log      logging.Logger

    mu       sync.Mutex
    records  map[string]*model.EmergencyRecord
    order    []string
    active   map[string]string // driverId -> non-resolved emergency id
    contacts map[string][]model.EmergencyContact
    readings map[string][]model.AccelerometerReading
}

func NewOrchestrator(sink audit.Sink, bcast Broadcaster, notifier Notifier, log logging.Logger) *Orchestrator {
    return &Orchestrator{
        sink:     sink,
        bcast:    bcast,
        notifier: notifier,
        log:      log,
        records:  map[string]*model.EmergencyRecord{},
        active:   map[string]string{},
        contacts: map[string][]model.EmergencyContact{},
        readings: map[string][]model.AccelerometerReading{},
    }
}

// Panic handles the panic button. While a driver has a non-resolved
// emergency, repeated triggers return that record unchanged.
func (o *Orchestrator) Panic(ctx context.Context, actor auth.Principal, driverID string, loc model.RawCoordinates, deliveryID string) (model.EmergencyRecord, bool) {
    o.mu.Lock()
    if id, ok := o.active[driverID]; ok {
        existing := *o.records[id]
        o.mu.Unlock()
        return existing, false
    }
    rec := o.createLocked(driverID, deliveryID, model.EmergencyPanic, loc)
    out := *rec
    o.mu.Unlock()

    metrics.Emergencies.WithLabelValues(model.EmergencyPanic).Inc()
    o.record(ctx, actor, "trigger_emergency", rec.ID,
        map[string]any{"type": model.EmergencyPanic, "deliveryId": deliveryID}, model.AuditSuccess)
    o.respond(ctx, actor, rec.ID, 0)
    if final, ok := o.Get(rec.ID); ok {
        return final, true
    }
    return out, true
}

// Accelerometer ingests one reading, keeps the last 30 per driver, and
// triggers an accident_detected emergency when the g-force magnitude
// reaches the impact threshold. Returns the active record (existing or
// new) when an impact is detected, nil otherwise; gForce is always the
// magnitude of this reading in g.
func (o *Orchestrator) Accelerometer(ctx context.Context, actor auth.Principal, driverID string, reading model.AccelerometerReading, loc model.RawCoordinates, deliveryID string) (*model.EmergencyRecord, float64) {
    gForce := math.Sqrt(reading.X*reading.X+reading.Y*reading.Y+reading.Z*reading.Z) / gravityMS2

    o.mu.Lock()
    ring := append(o.readings[driverID], reading)
    if len(ring) > accelWindow {
        ring = append([]model.AccelerometerReading(nil), ring[len(ring)-accelWindow:]...)
    }
    o.readings[driverID] = ring

    if gForce < impactThresholdG {
        o.mu.Unlock()
        return nil, gForce
    }
    if id, ok := o.active[driverID]; ok {
        existing := *o.records[id]
        o.mu.Unlock()
        return &existing, gForce
    }
    rec := o.createLocked(driverID, deliveryID, model.EmergencyAccident, loc)
    o.mu.Unlock()

    metrics.Emergencies.WithLabelValues(model.EmergencyAccident).Inc()
    o.record(ctx, actor, "trigger_emergency", rec.ID,
        map[string]any{"type": model.EmergencyAccident, "deliveryId": deliveryID, "gForce": round2(gForce)}, model.AuditSuccess)
    o.respond(ctx, actor, rec.ID, gForce)
    if final, ok := o.Get(rec.ID); ok {
        return &final, gForce
    }
    out := *rec
    return &out, gForce
}

// Get returns an emergency by id.
func (o *Orchestrator) Get(id string) (model.EmergencyRecord, bool) {
    o.mu.Lock(); defer o.mu.Unlock()
    rec, ok := o.records[id]
    if !ok {
        return model.EmergencyRecord{}, false
    }
    return *rec, true
}

// ActiveForDriver returns the driver's non-resolved emergency, if any.
func (o *Orchestrator) ActiveForDriver(driverID string) (model.EmergencyRecord, bool) {
    o.mu.Lock(); defer o.mu.Unlock()
    id, ok := o.active[driverID]
    if !ok {
        return model.EmergencyRecord{}, false
    }
    return *o.records[id], true
}

// List returns all emergencies, newest first.
func (o *Orchestrator) List() []model.EmergencyRecord {
    o.mu.Lock(); defer o.mu.Unlock()
    out := make([]model.EmergencyRecord, 0, len(o.order))
    for i := len(o.order) - 1; i >= 0; i-- {
        out = append(out, *o.records[o.order[i]])
    }
    return out
}

// Acknowledge marks a responder as engaged.
func (o *Orchestrator) Acknowledge(ctx context.Context, actor auth.Principal, id string) (model.EmergencyRecord, error) {
    o.mu.Lock()
    rec, ok := o.records[id]
    if !ok {
        o.mu.Unlock()
        return model.EmergencyRecord{}, ErrNotFound
    }
    if rec.Status == model.EmergencyResolved {
        o.mu.Unlock()
        return model.EmergencyRecord{}, ErrResolved
    }
    rec.Status = model.EmergencyAcknowledged
    out := *rec
    o.mu.Unlock()

    o.record(ctx, actor, "acknowledge_emergency", id, nil, model.AuditSuccess)
    return out, nil
}

// Resolve terminates an emergency and frees the driver's active slot.
func (o *Orchestrator) Resolve(ctx context.Context, actor auth.Principal, id string) (model.EmergencyRecord, error) {
    o.mu.Lock()
    rec, ok := o.records[id]
    if !ok {
        o.mu.Unlock()
        return model.EmergencyRecord{}, ErrNotFound
    }
    if rec.Status == model.EmergencyResolved {
        o.mu.Unlock()
        return model.EmergencyRecord{}, ErrResolved
    }
    rec.Status = model.EmergencyResolved
    if o.active[rec.DriverID] == id {
        delete(o.active, rec.DriverID)
    }
    out := *rec
    o.mu.Unlock()

    o.record(ctx, actor, "resolve_emergency", id, nil, model.AuditSuccess)
    return out, nil
}

// SetContacts replaces a driver's emergency contact list. Contacts
// without channels default to sms.
func (o *Orchestrator) SetContacts(ctx context.Context, actor auth.Principal, driverID string, contacts []model.EmergencyContact) []model.EmergencyContact {
    stored := make([]model.EmergencyContact, 0, len(contacts))
    for _, c := range contacts {
        c.ID = uuid.New().String()
        c.DriverID = driverID
        if len(c.Channels) == 0 {
            c.Channels = []string{model.ChannelSMS}
        }
        stored = append(stored, c)
    }
    o.mu.Lock()
    o.contacts[driverID] = stored
    o.mu.Unlock()

    o.record(ctx, actor, "set_emergency_contacts", driverID,
        map[string]any{"count": len(stored)}, model.AuditSuccess)
    return append([]model.EmergencyContact(nil), stored...)
}

// Contacts returns a driver's contact list.
func (o *Orchestrator) Contacts(driverID string) []model.EmergencyContact {
    o.mu.Lock(); defer o.mu.Unlock()
    return append([]model.EmergencyContact(nil), o.contacts[driverID]...)
}

// createLocked builds a triggered record and claims the active slot.
// Caller holds o.mu.
func (o *Orchestrator) createLocked(driverID, deliveryID, emergencyType string, loc model.RawCoordinates) *model.EmergencyRecord {
    rec := &model.EmergencyRecord{
        ID:            uuid.New().String(),
        DriverID:      driverID,
        DeliveryID:    deliveryID,
        Type:          emergencyType,
        Location:      loc,
        TriggeredAt:   time.Now().UTC(),
        Status:        model.EmergencyTriggered,
        Notifications: []string{},
    }
    o.records[rec.ID] = rec
    o.order = append(o.order, rec.ID)
    o.active[driverID] = rec.ID
    return rec
}

// respond moves a freshly triggered emergency to responding, fans out
// critical notifications to the driver's contacts, and broadcasts the
// alert:emergency event carrying raw coordinates to responder roles.
func (o *Orchestrator) respond(ctx context.Context, actor auth.Principal, id string, gForce float64) {
    o.mu.Lock()
    rec, ok := o.records[id]
    if !ok || rec.Status != model.EmergencyTriggered {
        o.mu.Unlock()
        return
    }
    rec.Status = model.EmergencyResponding
    snapshot := *rec
    contacts := append([]model.EmergencyContact(nil), o.contacts[rec.DriverID]...)
    o.mu.Unlock()

    var notified []string
    content := fmt.Sprintf("Emergency (%s) reported by driver %s at latitude %.5f, longitude %.5f. Respond immediately.",
        snapshot.Type, snapshot.DriverID, snapshot.Location.Lat, snapshot.Location.Lon)
    for _, c := range contacts {
        if o.notifier == nil {
            break
        }
        for _, ch := range c.Channels {
            n, err := o.notifier.Send(ctx, actor, c.ID, ch, "emergency_alert", content, model.PriorityCritical)
            if err != nil {
                o.log.Warn(ctx, "emergency contact notification failed",
                    "emergencyId", id, "contactId", c.ID, "channel", ch, "err", err.Error())
                continue
            }
            notified = append(notified, n.ID)
        }
    }
    if len(notified) > 0 {
        o.mu.Lock()
        if rec, ok := o.records[id]; ok {
            rec.Notifications = append(rec.Notifications, notified...)
            snapshot = *rec
        }
        o.mu.Unlock()
    }

    payload := map[string]any{"emergency": snapshot}
    if gForce > 0 {
        payload["gForce"] = round2(gForce)
    }
    if o.bcast != nil {
        o.bcast.Broadcast(model.RealtimeEvent{
            ID:        uuid.New().String(),
            Type:      "alert:emergency",
            Payload:   payload,
            Audience:  model.Audience{Roles: []string{model.RoleSecurityOfficer, model.RoleAdmin, model.RoleDispatcher}},
            CreatedAt: time.Now().UTC(),
        })
    }
    o.record(ctx, actor, "initiate_emergency_response", id,
        map[string]any{"contactsNotified": len(notified)}, model.AuditSuccess)
}

func (o *Orchestrator) record(ctx context.Context, actor auth.Principal, action, resourceID string, meta map[string]any, result string) {
    if o.sink == nil {
        return
    }
    err := o.sink.Record(ctx, model.AuditEntry{
        ActorID:      actor.UserID,
        ActorRole:    actor.Role,
        Action:       action,
        ResourceType: "emergency",
        ResourceID:   resourceID,
        Metadata:     meta,
        Result:       result,
    })
    if err != nil {
        o.log.Error(ctx, "audit write failed", "action", action, "err", err.Error())
    }
}

func round2(v float64) float64 {
    return math.Round(v*100) / 100
}
