package api

import (
    "net/http"
    "strconv"
    "time"

    "github.com/123ashny/KENYASHIP/internal/audit"
    "github.com/123ashny/KENYASHIP/internal/model"
)

// AuditListHandler handles GET /api/audit with the actorId, action,
// resourceType, resourceId, result, since, and limit filters.
func (s *Server) AuditListHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    if _, ok := s.requirePermission(w, r, "read:audit"); !ok { return }
    q := r.URL.Query()
    limit := 100
    if v := q.Get("limit"); v != "" {
        n, err := strconv.Atoi(v)
        if err != nil || n < 1 {
            writeError(w, r, http.StatusBadRequest, CodeValidation, "limit must be a positive integer", nil)
            return
        }
        limit = n
    }
    if limit > 1000 { limit = 1000 }
    f := audit.Filter{
        ActorID:      q.Get("actorId"),
        Action:       q.Get("action"),
        ResourceType: q.Get("resourceType"),
        ResourceID:   q.Get("resourceId"),
        Result:       q.Get("result"),
        Limit:        limit,
    }
    if v := q.Get("since"); v != "" {
        t, err := time.Parse(time.RFC3339, v)
        if err != nil {
            writeError(w, r, http.StatusBadRequest, CodeValidation, "since must be RFC3339", nil)
            return
        }
        f.Since = t
    }
    entries, err := s.Sink.List(r.Context(), f)
    if err != nil {
        s.writeInternal(w, r, err)
        return
    }
    writeData(w, r, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// AuditVerifyHandler handles GET /api/audit/verify: replays the hash
// chain over the complete log and reports the first break, if any.
func (s *Server) AuditVerifyHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    if _, ok := s.requireRole(w, r, model.RoleAdmin); !ok { return }
    entries, err := s.Sink.List(r.Context(), audit.Filter{})
    if err != nil {
        s.writeInternal(w, r, err)
        return
    }
    out := map[string]any{"entries": len(entries), "intact": true}
    if err := audit.VerifyChain(entries); err != nil {
        out["intact"] = false
        out["error"] = err.Error()
    }
    writeData(w, r, http.StatusOK, out)
}
