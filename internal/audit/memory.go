package audit

import (
    "context"
    "sync"

    "github.com/123ashny/KENYASHIP/internal/metrics"
    "github.com/123ashny/KENYASHIP/internal/model"
)

// MemorySink is the in-process sink used when no DATABASE_URL is set.
type MemorySink struct {
    mu      sync.Mutex
    entries []model.AuditEntry
    last    string
}

func NewMemorySink() *MemorySink {
    return &MemorySink{}
}

func (m *MemorySink) Record(ctx context.Context, e model.AuditEntry) error {
    normalize(&e)
    m.mu.Lock(); defer m.mu.Unlock()
    e.Seq = int64(len(m.entries) + 1)
    e.Chain = chainHash(m.last, e)
    m.last = e.Chain
    m.entries = append(m.entries, e)
    metrics.AuditEntries.WithLabelValues(e.Result).Inc()
    return nil
}

// List returns matching entries in seq order; with a Limit, the most
// recent matches are kept.
func (m *MemorySink) List(ctx context.Context, f Filter) ([]model.AuditEntry, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.AuditEntry{}
    for _, e := range m.entries {
        if f.match(e) { out = append(out, e) }
    }
    if f.Limit > 0 && len(out) > f.Limit { out = out[len(out)-f.Limit:] }
    return out, nil
}

func (m *MemorySink) Close() error { return nil }
