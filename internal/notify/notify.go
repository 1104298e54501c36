// Package notify implements the outbound notification dispatcher:
// encrypted content, per-recipient rate limits, channel preferences
// with quiet hours, and a retry worker with bounded backoff.
package notify

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "time"

    "github.com/google/uuid"
    "golang.org/x/time/rate"

    "github.com/123ashny/KENYASHIP/internal/audit"
    "github.com/123ashny/KENYASHIP/internal/auth"
    "github.com/123ashny/KENYASHIP/internal/cryptox"
    "github.com/123ashny/KENYASHIP/internal/logging"
    "github.com/123ashny/KENYASHIP/internal/metrics"
    "github.com/123ashny/KENYASHIP/internal/model"
)

const (
    // MaxRetries bounds retries after the initial attempt.
    MaxRetries = 5

    attemptTimeout = 10 * time.Second

    // Token bucket per (recipient, channel): 10 sends per 60 s.
    sendsPerWindow = 10
    window         = time.Minute
)

// retrySchedule[n] is the delay before retry n+1.
var retrySchedule = [MaxRetries]time.Duration{
    time.Second, 5 * time.Second, 30 * time.Second, time.Minute, 5 * time.Minute,
}

var (
    ErrInvalidChannel    = errors.New("invalid channel")
    ErrChannelNotAllowed = errors.New("channel_not_allowed")
    ErrRateLimited       = errors.New("rate_limited")
    ErrNotFound          = errors.New("not_found")
    ErrBadTransition     = errors.New("invalid status transition")
    ErrInvalidQuietHours = errors.New("quiet hours must be HH:MM")
)

var validChannels = map[string]bool{
    model.ChannelSMS:      true,
    model.ChannelPush:     true,
    model.ChannelWhatsApp: true,
    model.ChannelUSSD:     true,
    model.ChannelEmail:    true,
}

var validPriorities = map[string]bool{
    model.PriorityLow:      true,
    model.PriorityNormal:   true,
    model.PriorityHigh:     true,
    model.PriorityCritical: true,
}

type Dispatcher struct {
    cipher    *cryptox.Cipher
    sink      audit.Sink
    transport Transport
    log       logging.Logger

    mu       sync.Mutex
    records  map[string]*model.NotificationRecord
    byUser   map[string][]string
    prefs    map[string]model.NotificationPreferences
    limiters map[string]*rate.Limiter
    inflight map[string]bool
}

func NewDispatcher(cipher *cryptox.Cipher, sink audit.Sink, transport Transport, log logging.Logger) *Dispatcher {
    if transport == nil {
        transport = NewStubTransport(log)
    }
    return &Dispatcher{
        cipher:    cipher,
        sink:      sink,
        transport: transport,
        log:       log,
        records:   map[string]*model.NotificationRecord{},
        byUser:    map[string][]string{},
        prefs:     map[string]model.NotificationPreferences{},
        limiters:  map[string]*rate.Limiter{},
        inflight:  map[string]bool{},
    }
}

// Send enqueues one notification. Content is encrypted under the
// recipient context before anything is persisted. Preference checks
// are bypassed by critical priority; rate limits are not.
func (d *Dispatcher) Send(ctx context.Context, actor auth.Principal, recipientID, channel, templateID, content, priority string) (model.NotificationRecord, error) {
    if !validChannels[channel] {
        return model.NotificationRecord{}, ErrInvalidChannel
    }
    if !validPriorities[priority] {
        priority = model.PriorityNormal
    }

    d.mu.Lock()
    prefs, hasPrefs := d.prefs[recipientID]
    if hasPrefs && len(prefs.Channels) > 0 && priority != model.PriorityCritical && !containsString(prefs.Channels, channel) {
        d.mu.Unlock()
        d.record(ctx, actor, "send_notification", recipientID,
            map[string]any{"channel": channel, "reason": "channel_not_allowed"}, model.AuditFailure)
        return model.NotificationRecord{}, ErrChannelNotAllowed
    }
    if !d.limiterLocked(recipientID, channel).Allow() {
        d.mu.Unlock()
        metrics.Notifications.WithLabelValues(channel, "rate_limited").Inc()
        return model.NotificationRecord{}, ErrRateLimited
    }
    d.mu.Unlock()

    ct, err := d.cipher.Encrypt([]byte(content), recipientID)
    if err != nil {
        d.log.Error(ctx, "notification content seal failed", "recipientId", recipientID, "err", err.Error())
        return model.NotificationRecord{}, err
    }

    now := time.Now().UTC()
    scheduledAt := now
    if hasPrefs && prefs.Quiet != nil && priority != model.PriorityCritical {
        scheduledAt = deferForQuietHours(now, *prefs.Quiet)
    }
    rec := &model.NotificationRecord{
        ID:                uuid.New().String(),
        RecipientID:       recipientID,
        Channel:           channel,
        Priority:          priority,
        TemplateID:        templateID,
        ContentCiphertext: ct,
        ScheduledAt:       scheduledAt,
        Status:            model.NotifyPending,
        MaxRetries:        MaxRetries,
    }

    d.mu.Lock()
    d.records[rec.ID] = rec
    d.byUser[recipientID] = append(d.byUser[recipientID], rec.ID)
    out := *rec
    d.mu.Unlock()

    metrics.Notifications.WithLabelValues(channel, "queued").Inc()
    d.record(ctx, actor, "send_notification", rec.ID,
        map[string]any{"channel": channel, "priority": priority, "templateId": templateID}, model.AuditSuccess)
    return out, nil
}

// SetPreferences replaces a user's channel preferences.
func (d *Dispatcher) SetPreferences(ctx context.Context, actor auth.Principal, prefs model.NotificationPreferences) (model.NotificationPreferences, error) {
    for _, ch := range prefs.Channels {
        if !validChannels[ch] {
            return model.NotificationPreferences{}, fmt.Errorf("%w: %q", ErrInvalidChannel, ch)
        }
    }
    if prefs.Quiet != nil {
        if _, err := time.Parse("15:04", prefs.Quiet.Start); err != nil {
            return model.NotificationPreferences{}, ErrInvalidQuietHours
        }
        if _, err := time.Parse("15:04", prefs.Quiet.End); err != nil {
            return model.NotificationPreferences{}, ErrInvalidQuietHours
        }
    }
    d.mu.Lock()
    d.prefs[prefs.UserID] = prefs
    d.mu.Unlock()

    d.record(ctx, actor, "set_notification_preferences", prefs.UserID,
        map[string]any{"channels": len(prefs.Channels), "quiet": prefs.Quiet != nil}, model.AuditSuccess)
    return prefs, nil
}

// Preferences returns a user's stored preferences.
func (d *Dispatcher) Preferences(userID string) (model.NotificationPreferences, bool) {
    d.mu.Lock(); defer d.mu.Unlock()
    p, ok := d.prefs[userID]
    return p, ok
}

// Get returns one notification record.
func (d *Dispatcher) Get(id string) (model.NotificationRecord, bool) {
    d.mu.Lock(); defer d.mu.Unlock()
    rec, ok := d.records[id]
    if !ok {
        return model.NotificationRecord{}, false
    }
    return *rec, true
}

// ListForUser returns a user's notifications, newest first.
func (d *Dispatcher) ListForUser(userID string) []model.NotificationRecord {
    d.mu.Lock(); defer d.mu.Unlock()
    ids := d.byUser[userID]
    out := make([]model.NotificationRecord, 0, len(ids))
    for i := len(ids) - 1; i >= 0; i-- {
        out = append(out, *d.records[ids[i]])
    }
    return out
}

// MarkDelivered records a downstream delivery acknowledgement.
func (d *Dispatcher) MarkDelivered(ctx context.Context, actor auth.Principal, id string) (model.NotificationRecord, error) {
    d.mu.Lock()
    rec, ok := d.records[id]
    if !ok {
        d.mu.Unlock()
        return model.NotificationRecord{}, ErrNotFound
    }
    switch rec.Status {
    case model.NotifySent:
        now := time.Now().UTC()
        rec.Status = model.NotifyDelivered
        rec.DeliveredAt = &now
    case model.NotifyDelivered, model.NotifyRead:
        // Already past this point; acknowledgements are idempotent.
    default:
        d.mu.Unlock()
        return model.NotificationRecord{}, fmt.Errorf("%w: %s -> delivered", ErrBadTransition, rec.Status)
    }
    out := *rec
    d.mu.Unlock()

    metrics.Notifications.WithLabelValues(out.Channel, model.NotifyDelivered).Inc()
    d.record(ctx, actor, "notification_delivered", id, nil, model.AuditSuccess)
    return out, nil
}

// MarkRead records that the recipient opened the notification. A read
// acknowledgement implies delivery.
func (d *Dispatcher) MarkRead(ctx context.Context, actor auth.Principal, id string) (model.NotificationRecord, error) {
    d.mu.Lock()
    rec, ok := d.records[id]
    if !ok {
        d.mu.Unlock()
        return model.NotificationRecord{}, ErrNotFound
    }
    switch rec.Status {
    case model.NotifySent, model.NotifyDelivered:
        now := time.Now().UTC()
        if rec.DeliveredAt == nil {
            rec.DeliveredAt = &now
        }
        rec.Status = model.NotifyRead
        rec.ReadAt = &now
    case model.NotifyRead:
        // Idempotent.
    default:
        d.mu.Unlock()
        return model.NotificationRecord{}, fmt.Errorf("%w: %s -> read", ErrBadTransition, rec.Status)
    }
    out := *rec
    d.mu.Unlock()

    metrics.Notifications.WithLabelValues(out.Channel, model.NotifyRead).Inc()
    d.record(ctx, actor, "notification_read", id, nil, model.AuditSuccess)
    return out, nil
}

// limiterLocked returns the token bucket for (recipient, channel),
// creating it on first use. Caller holds d.mu.
func (d *Dispatcher) limiterLocked(recipientID, channel string) *rate.Limiter {
    key := recipientID + "|" + channel
    l, ok := d.limiters[key]
    if !ok {
        l = rate.NewLimiter(rate.Every(window/sendsPerWindow), sendsPerWindow)
        d.limiters[key] = l
    }
    return l
}

// deferForQuietHours pushes a send inside the quiet window to the
// window's end. Windows may wrap midnight (e.g. 22:00-06:00).
func deferForQuietHours(now time.Time, q model.QuietWindow) time.Time {
    start, err1 := time.Parse("15:04", q.Start)
    end, err2 := time.Parse("15:04", q.End)
    if err1 != nil || err2 != nil {
        return now
    }
    startMin := start.Hour()*60 + start.Minute()
    endMin := end.Hour()*60 + end.Minute()
    nowMin := now.Hour()*60 + now.Minute()

    endToday := time.Date(now.Year(), now.Month(), now.Day(), end.Hour(), end.Minute(), 0, 0, now.Location())
    switch {
    case startMin == endMin:
        return now
    case startMin < endMin: // same-day window
        if nowMin >= startMin && nowMin < endMin {
            return endToday
        }
    default: // wraps midnight
        if nowMin >= startMin {
            return endToday.Add(24 * time.Hour)
        }
        if nowMin < endMin {
            return endToday
        }
    }
    return now
}

func (d *Dispatcher) record(ctx context.Context, actor auth.Principal, action, resourceID string, meta map[string]any, result string) {
    if d.sink == nil {
        return
    }
    err := d.sink.Record(ctx, model.AuditEntry{
        ActorID:      actor.UserID,
        ActorRole:    actor.Role,
        Action:       action,
        ResourceType: "notification",
        ResourceID:   resourceID,
        Metadata:     meta,
        Result:       result,
    })
    if err != nil {
        d.log.Error(ctx, "audit write failed", "action", action, "err", err.Error())
    }
}

func containsString(list []string, s string) bool {
    for _, x := range list {
        if x == s {
            return true
        }
    }
    return false
}
