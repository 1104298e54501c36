//go:build postgres_integration

package audit

import (
    "context"
    "os"
    "testing"

    "github.com/123ashny/KENYASHIP/internal/model"
)

func TestPostgresSinkAppendAndVerify(t *testing.T) {
    dsn := os.Getenv("DATABASE_URL")
    if dsn == "" { t.Skip("DATABASE_URL not set; skipping integration test") }
    s, err := NewPostgresSink(dsn)
    if err != nil { t.Fatalf("NewPostgresSink: %v", err) }
    defer s.Close()
    ctx := context.Background()

    for i := 0; i < 3; i++ {
        err := s.Record(ctx, model.AuditEntry{
            ActorID: "it-user", ActorRole: model.RoleAdmin,
            Action: "integration_probe", ResourceType: "test",
            Metadata: map[string]any{"n": float64(i)},
            Result:   model.AuditSuccess,
        })
        if err != nil { t.Fatalf("Record: %v", err) }
    }
    got, err := s.List(ctx, Filter{Action: "integration_probe", Limit: 1000})
    if err != nil { t.Fatalf("List: %v", err) }
    if len(got) < 3 { t.Fatalf("expected >= 3 entries, got %d", len(got)) }

    full, err := s.List(ctx, Filter{})
    if err != nil { t.Fatalf("List all: %v", err) }
    if err := VerifyChain(full); err != nil { t.Fatalf("VerifyChain: %v", err) }
}
