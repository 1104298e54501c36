// Package audit provides the tamper-evident access log shared by every
// component. Entries are hash-chained; the chain over the full ordered
// log can be re-verified at any time.
package audit

import (
    "context"
    "crypto/sha256"
    "encoding/hex"
    "encoding/json"
    "errors"
    "fmt"
    "time"

    "github.com/123ashny/KENYASHIP/internal/model"
)

var ErrTampered = errors.New("audit chain broken")

// Filter narrows List results. Zero values match everything.
type Filter struct {
    ActorID      string
    Action       string
    ResourceType string
    ResourceID   string
    Result       string
    Since        time.Time
    Limit        int
}

// Sink is the append-only audit log. Record assigns Seq and Chain.
// Metadata values must survive a JSON round trip unchanged (strings,
// numbers, bools, nested maps) or chain verification will not hold
// across a durable backend.
type Sink interface {
    Record(ctx context.Context, e model.AuditEntry) error
    List(ctx context.Context, f Filter) ([]model.AuditEntry, error)
    Close() error
}

func (f Filter) match(e model.AuditEntry) bool {
    if f.ActorID != "" && e.ActorID != f.ActorID { return false }
    if f.Action != "" && e.Action != f.Action { return false }
    if f.ResourceType != "" && e.ResourceType != f.ResourceType { return false }
    if f.ResourceID != "" && e.ResourceID != f.ResourceID { return false }
    if f.Result != "" && e.Result != f.Result { return false }
    if !f.Since.IsZero() && e.At.Before(f.Since) { return false }
    return true
}

// canonical is the byte form hashed into the chain. Seq and Chain are
// excluded; At is millisecond epoch so durable backends round-trip it.
func canonical(e model.AuditEntry) []byte {
    c := struct {
        ActorID      string         `json:"actorId"`
        ActorRole    string         `json:"actorRole"`
        Action       string         `json:"action"`
        ResourceType string         `json:"resourceType"`
        ResourceID   string         `json:"resourceId"`
        Metadata     map[string]any `json:"metadata"`
        Result       string         `json:"result"`
        AtMS         int64          `json:"atMs"`
    }{e.ActorID, e.ActorRole, e.Action, e.ResourceType, e.ResourceID, e.Metadata, e.Result, e.At.UTC().UnixMilli()}
    b, _ := json.Marshal(c)
    return b
}

func chainHash(prev string, e model.AuditEntry) string {
    sum := sha256.Sum256(append([]byte(prev), canonical(e)...))
    return hex.EncodeToString(sum[:])
}

// VerifyChain replays the links over a complete, seq-ordered log and
// reports the first break. A filtered subset will not verify.
func VerifyChain(entries []model.AuditEntry) error {
    prev := ""
    for i := range entries {
        if entries[i].Chain != chainHash(prev, entries[i]) {
            return fmt.Errorf("%w at seq %d", ErrTampered, entries[i].Seq)
        }
        prev = entries[i].Chain
    }
    return nil
}

// normalize stamps time and truncates it to the chain's resolution.
func normalize(e *model.AuditEntry) {
    if e.At.IsZero() {
        e.At = time.Now()
    }
    e.At = e.At.UTC().Truncate(time.Millisecond)
}
