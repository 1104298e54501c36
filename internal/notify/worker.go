package notify

import (
    "context"
    "time"

    "github.com/123ashny/KENYASHIP/internal/auth"
    "github.com/123ashny/KENYASHIP/internal/logging"
    "github.com/123ashny/KENYASHIP/internal/metrics"
    "github.com/123ashny/KENYASHIP/internal/model"
)

var systemActor = auth.Principal{UserID: "system", Role: model.RoleSystem}

// ProcessDue attempts every pending notification whose schedule has
// arrived. Records claimed by an in-progress attempt are skipped.
// Returns the number delivered to a transport in this pass.
func (d *Dispatcher) ProcessDue(ctx context.Context) int {
    now := time.Now().UTC()
    d.mu.Lock()
    var due []model.NotificationRecord
    for id, rec := range d.records {
        if rec.Status != model.NotifyPending || rec.ScheduledAt.After(now) || d.inflight[id] {
            continue
        }
        d.inflight[id] = true
        due = append(due, *rec)
    }
    d.mu.Unlock()

    delivered := 0
    for i := range due {
        if d.attempt(ctx, &due[i]) {
            delivered++
        }
    }
    return delivered
}

// attempt decrypts the content, hands it to the transport under the
// per-attempt timeout, and applies the outcome.
func (d *Dispatcher) attempt(ctx context.Context, rec *model.NotificationRecord) bool {
    defer func() {
        d.mu.Lock()
        delete(d.inflight, rec.ID)
        d.mu.Unlock()
    }()

    plain, err := d.cipher.Decrypt(rec.ContentCiphertext, rec.RecipientID)
    if err != nil {
        d.log.Error(ctx, "notification ciphertext open failed", "id", rec.ID, "err", err.Error())
        d.failTerminal(ctx, rec.ID, "ciphertext unreadable")
        return false
    }

    start := time.Now()
    actx, cancel := context.WithTimeout(ctx, attemptTimeout)
    err = d.transport.Deliver(actx, rec.Channel, rec.RecipientID, string(plain))
    cancel()
    elapsedMS := float64(time.Since(start).Milliseconds())
    if err != nil {
        metrics.NotificationLatency.WithLabelValues(rec.Channel, model.NotifyFailed).Observe(elapsedMS)
        d.retryOrFail(ctx, rec.ID, err.Error())
        return false
    }

    now := time.Now().UTC()
    d.mu.Lock()
    if cur, ok := d.records[rec.ID]; ok && cur.Status == model.NotifyPending {
        cur.Status = model.NotifySent
        cur.SentAt = &now
    }
    d.mu.Unlock()

    metrics.Notifications.WithLabelValues(rec.Channel, model.NotifySent).Inc()
    metrics.NotificationLatency.WithLabelValues(rec.Channel, model.NotifySent).Observe(elapsedMS)
    return true
}

// retryOrFail reschedules a failed attempt or, once retries are spent,
// parks the record as failed.
func (d *Dispatcher) retryOrFail(ctx context.Context, id, reason string) {
    d.mu.Lock()
    rec, ok := d.records[id]
    if !ok || rec.Status != model.NotifyPending {
        d.mu.Unlock()
        return
    }
    if rec.RetryCount >= rec.MaxRetries {
        rec.Status = model.NotifyFailed
        rec.FailureReason = reason
        channel := rec.Channel
        d.mu.Unlock()
        metrics.Notifications.WithLabelValues(channel, model.NotifyFailed).Inc()
        d.log.Warn(ctx, "notification failed permanently", "id", id, "reason", reason)
        d.record(ctx, systemActor, "notification_failed", id,
            map[string]any{"reason": reason}, model.AuditFailure)
        return
    }
    delay := retrySchedule[rec.RetryCount]
    rec.RetryCount++
    rec.ScheduledAt = time.Now().UTC().Add(delay)
    retries := rec.RetryCount
    d.mu.Unlock()
    d.log.Debug(ctx, "notification retry scheduled", "id", id, "retry", retries, "delay", delay.String())
}

// failTerminal parks a record as failed without consuming retries;
// used when the stored ciphertext cannot be opened.
func (d *Dispatcher) failTerminal(ctx context.Context, id, reason string) {
    d.mu.Lock()
    rec, ok := d.records[id]
    if !ok || rec.Status != model.NotifyPending {
        d.mu.Unlock()
        return
    }
    rec.Status = model.NotifyFailed
    rec.FailureReason = reason
    channel := rec.Channel
    d.mu.Unlock()
    metrics.Notifications.WithLabelValues(channel, model.NotifyFailed).Inc()
    d.record(ctx, systemActor, "notification_failed", id,
        map[string]any{"reason": reason}, model.AuditFailure)
}

// Worker ticks ProcessDue until its context is cancelled.
type Worker struct {
    d        *Dispatcher
    interval time.Duration
    log      logging.Logger
}

func NewWorker(d *Dispatcher, interval time.Duration, log logging.Logger) *Worker {
    if interval <= 0 {
        interval = time.Second
    }
    return &Worker{d: d, interval: interval, log: log}
}

func (w *Worker) Run(ctx context.Context) {
    w.log.Info(ctx, "notification worker started", "interval", w.interval.String())
    t := time.NewTicker(w.interval)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            w.log.Info(ctx, "notification worker stopped")
            return
        case <-t.C:
            w.d.ProcessDue(ctx)
        }
    }
}
