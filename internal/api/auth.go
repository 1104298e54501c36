// Package api implements the HTTP surface of the KENYASHIP privacy core.
package api

import (
    "net/http"
    "strings"

    "github.com/123ashny/KENYASHIP/internal/auth"
)

// requireAuth resolves the request principal or answers 401. Used by
// every handler that is not intentionally public.
func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
    p, ok := principalFrom(r.Context())
    if !ok {
        s.auditDenied(r, auth.Principal{}, "authorize", "authentication required")
        writeError(w, r, http.StatusUnauthorized, CodeUnauthorized, "authentication required", nil)
        return auth.Principal{}, false
    }
    return p, true
}

// requireRole answers 403 unless the principal holds one of the roles.
func (s *Server) requireRole(w http.ResponseWriter, r *http.Request, roles ...string) (auth.Principal, bool) {
    p, ok := s.requireAuth(w, r)
    if !ok { return auth.Principal{}, false }
    for _, role := range roles {
        if p.Role == role { return p, true }
    }
    s.auditDenied(r, p, "authorize", "role "+p.Role+" not in ["+strings.Join(roles, ", ")+"]")
    writeError(w, r, http.StatusForbidden, CodeForbidden, "insufficient role", nil)
    return auth.Principal{}, false
}

// requirePermission answers 403 unless the principal's role grants perm.
func (s *Server) requirePermission(w http.ResponseWriter, r *http.Request, perm string) (auth.Principal, bool) {
    p, ok := s.requireAuth(w, r)
    if !ok { return auth.Principal{}, false }
    if !auth.HasPermission(p.Role, perm) {
        s.auditDenied(r, p, "authorize", "missing permission "+perm)
        writeError(w, r, http.StatusForbidden, CodeForbidden, "missing permission "+perm, nil)
        return auth.Principal{}, false
    }
    return p, true
}

// TokenHandler mints a signed token for local development. Absent in
// production builds of the route table.
func (s *Server) TokenHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    var req struct {
        UserID string `json:"userId"`
        Role   string `json:"role"`
    }
    if err := decodeBody(r, &req, maxBodyBytes); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    req.Role = strings.ToLower(strings.TrimSpace(req.Role))
    if err := requireField("userId", req.UserID); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    if !auth.ValidRole(req.Role) {
        writeError(w, r, http.StatusBadRequest, CodeValidation, "unknown role "+req.Role, map[string]any{"roles": auth.Roles()})
        return
    }
    tok, err := s.Auth.IssueToken(req.UserID, req.Role)
    if err != nil {
        s.writeInternal(w, r, err)
        return
    }
    writeData(w, r, http.StatusOK, map[string]any{"token": tok, "userId": req.UserID, "role": req.Role})
}
