package audit

import (
    "context"
    "database/sql"
    "encoding/json"
    "errors"
    "fmt"
    "strings"

    _ "github.com/jackc/pgx/v5/stdlib"

    "github.com/123ashny/KENYASHIP/internal/metrics"
    "github.com/123ashny/KENYASHIP/internal/model"
)

// Advisory lock key serialising appends so the chain stays linear.
const appendLockKey = int64(0x4b53_4155_4449_54) // "KSAUDIT"

// PostgresSink stores the audit log in an append-only table. Selected
// when DATABASE_URL is set.
type PostgresSink struct {
    db *sql.DB
}

func NewPostgresSink(dsn string) (*PostgresSink, error) {
    db, err := sql.Open("pgx", dsn)
    if err != nil {
        return nil, err
    }
    if err := db.Ping(); err != nil {
        return nil, err
    }
    s := &PostgresSink{db: db}
    if err := s.ensureSchema(context.Background()); err != nil {
        return nil, err
    }
    return s, nil
}

func (p *PostgresSink) ensureSchema(ctx context.Context) error {
    _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS audit_entries (
        seq BIGINT PRIMARY KEY,
        actor_id TEXT NOT NULL,
        actor_role TEXT NOT NULL,
        action TEXT NOT NULL,
        resource_type TEXT NOT NULL,
        resource_id TEXT,
        metadata JSONB,
        result TEXT NOT NULL,
        at TIMESTAMPTZ NOT NULL,
        chain TEXT NOT NULL
    )`)
    return err
}

func (p *PostgresSink) Record(ctx context.Context, e model.AuditEntry) error {
    normalize(&e)
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return err }
    defer func(){ _ = tx.Rollback() }()

    if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
        return err
    }
    var prevSeq int64
    var prevChain string
    err = tx.QueryRowContext(ctx, `SELECT seq, chain FROM audit_entries ORDER BY seq DESC LIMIT 1`).Scan(&prevSeq, &prevChain)
    if err != nil && !errors.Is(err, sql.ErrNoRows) { return err }
    e.Seq = prevSeq + 1
    e.Chain = chainHash(prevChain, e)
    _, err = tx.ExecContext(ctx, `INSERT INTO audit_entries (seq, actor_id, actor_role, action, resource_type, resource_id, metadata, result, at, chain)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
        e.Seq, e.ActorID, e.ActorRole, e.Action, e.ResourceType, nullIfEmpty(e.ResourceID), toJSON(e.Metadata), e.Result, e.At, e.Chain)
    if err != nil { return err }
    if err := tx.Commit(); err != nil { return err }
    metrics.AuditEntries.WithLabelValues(e.Result).Inc()
    return nil
}

// List mirrors MemorySink semantics: seq order, and with a Limit the
// most recent matches are kept. Chain verification needs the zero-limit
// full read.
func (p *PostgresSink) List(ctx context.Context, f Filter) ([]model.AuditEntry, error) {
    where := []string{}
    args := []any{}
    add := func(cond string, v any) {
        args = append(args, v)
        where = append(where, fmt.Sprintf(cond, len(args)))
    }
    if f.ActorID != "" { add("actor_id=$%d", f.ActorID) }
    if f.Action != "" { add("action=$%d", f.Action) }
    if f.ResourceType != "" { add("resource_type=$%d", f.ResourceType) }
    if f.ResourceID != "" { add("resource_id=$%d", f.ResourceID) }
    if f.Result != "" { add("result=$%d", f.Result) }
    if !f.Since.IsZero() { add("at>=$%d", f.Since) }
    q := `SELECT seq, actor_id, actor_role, action, resource_type, COALESCE(resource_id,''), COALESCE(metadata,'{}'::jsonb)::text, result, at, chain FROM audit_entries`
    if len(where) > 0 { q += " WHERE " + strings.Join(where, " AND ") }
    q += " ORDER BY seq DESC"
    if f.Limit > 0 {
        args = append(args, f.Limit)
        q += fmt.Sprintf(" LIMIT $%d", len(args))
    }

    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.AuditEntry{}
    for rows.Next() {
        var e model.AuditEntry
        var meta string
        if err := rows.Scan(&e.Seq, &e.ActorID, &e.ActorRole, &e.Action, &e.ResourceType, &e.ResourceID, &meta, &e.Result, &e.At, &e.Chain); err != nil {
            return nil, err
        }
        if meta != "" && meta != "{}" {
            _ = json.Unmarshal([]byte(meta), &e.Metadata)
        }
        e.At = e.At.UTC()
        out = append(out, e)
    }
    if err := rows.Err(); err != nil { return nil, err }
    // rows arrive newest-first; return in seq order
    for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
        out[i], out[j] = out[j], out[i]
    }
    return out, nil
}

func (p *PostgresSink) Close() error { return p.db.Close() }

func nullIfEmpty(s string) any {
    if s == "" { return nil }
    return s
}

func toJSON(v map[string]any) any {
    if v == nil { return nil }
    b, err := json.Marshal(v)
    if err != nil { return nil }
    return string(b)
}
