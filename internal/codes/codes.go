// Package codes generates deterministic, themed hand-off codes.
package codes

import (
    "crypto/subtle"
    "encoding/binary"
    "fmt"
    "strings"
    "sync"
    "time"

    "github.com/google/uuid"

    "github.com/123ashny/KENYASHIP/internal/cryptox"
    "github.com/123ashny/KENYASHIP/internal/model"
)

const (
    minTTL = 5 * time.Minute
    maxTTL = 24 * time.Hour
)

type Generator struct {
    secret string
    ttl    time.Duration

    mu    sync.Mutex
    byDel map[string]model.DeliveryCode // deliveryId -> latest issued record
}

// New builds a generator. The ttl is clamped to [5m, 24h]; zero selects
// the maximum.
func New(secret string, ttl time.Duration) *Generator {
    if ttl == 0 { ttl = maxTTL }
    if ttl < minTTL { ttl = minTTL }
    if ttl > maxTTL { ttl = maxTTL }
    return &Generator{secret: secret, ttl: ttl, byDel: map[string]model.DeliveryCode{}}
}

// Generate derives the code for (deliveryID, userID, theme). The code
// string is a pure function of those inputs and the HMAC secret, so
// regenerating yields the same string; only the record metadata is new.
func (g *Generator) Generate(deliveryID, userID, theme string) model.DeliveryCode {
    words, themeName := themeWords(theme)
    h := cryptox.HMACSum(g.secret, []byte(deliveryID+":"+userID))
    w1 := words[int(binary.BigEndian.Uint16(h[0:2]))%len(words)]
    w2 := words[int(binary.BigEndian.Uint16(h[2:4]))%len(words)]
    code := w1 + "-" + w2 + "-" + fmt.Sprintf("%04x", binary.BigEndian.Uint16(h[4:6]))
    now := time.Now().UTC()
    rec := model.DeliveryCode{
        ID:          uuid.New().String(),
        DeliveryID:  deliveryID,
        Code:        code,
        Theme:       themeName,
        ExpiresAt:   now.Add(g.ttl),
        GeneratedBy: userID,
        CreatedAt:   now,
    }
    g.mu.Lock(); defer g.mu.Unlock()
    g.byDel[deliveryID] = rec
    return rec
}

// Active returns the latest code record issued for a delivery.
func (g *Generator) Active(deliveryID string) (model.DeliveryCode, bool) {
    g.mu.Lock(); defer g.mu.Unlock()
    rec, ok := g.byDel[deliveryID]
    return rec, ok
}

// MarkUsed stamps the latest record for a delivery. Idempotent.
func (g *Generator) MarkUsed(deliveryID string, at time.Time) {
    g.mu.Lock(); defer g.mu.Unlock()
    rec, ok := g.byDel[deliveryID]
    if !ok || rec.UsedAt != nil { return }
    t := at.UTC()
    rec.UsedAt = &t
    g.byDel[deliveryID] = rec
}

// TTL reports the configured (clamped) code lifetime.
func (g *Generator) TTL() time.Duration { return g.ttl }

// Validate compares two codes after trimming and lowercasing, in
// constant time.
func Validate(a, b string) bool {
    na := strings.ToLower(strings.TrimSpace(a))
    nb := strings.ToLower(strings.TrimSpace(b))
    return subtle.ConstantTimeCompare([]byte(na), []byte(nb)) == 1
}
