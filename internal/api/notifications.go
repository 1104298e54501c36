package api

import (
    "errors"
    "net/http"

    "github.com/123ashny/KENYASHIP/internal/model"
    "github.com/123ashny/KENYASHIP/internal/notify"
)

// NotificationSendHandler handles POST /api/notifications/send.
func (s *Server) NotificationSendHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p, ok := s.requireRole(w, r, model.RoleDispatcher, model.RoleAdmin, model.RoleSystem)
    if !ok { return }
    var req struct {
        RecipientID string `json:"recipientId"`
        Channel     string `json:"channel"`
        TemplateID  string `json:"templateId"`
        Content     string `json:"content"`
        Priority    string `json:"priority"`
    }
    if err := decodeBody(r, &req, maxBodyBytes); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    if err := requireField("recipientId", req.RecipientID); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    if err := requireField("content", req.Content); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    rec, err := s.Notify.Send(r.Context(), p, req.RecipientID, req.Channel, req.TemplateID, req.Content, req.Priority)
    if err != nil {
        s.writeNotifyError(w, r, err)
        return
    }
    writeData(w, r, http.StatusCreated, rec)
}

// NotificationPreferencesHandler handles GET and PUT
// /api/notifications/preferences for the caller's own record.
func (s *Server) NotificationPreferencesHandler(w http.ResponseWriter, r *http.Request) {
    p, ok := s.requireAuth(w, r)
    if !ok { return }
    switch r.Method {
    case http.MethodGet:
        prefs, found := s.Notify.Preferences(p.UserID)
        if !found { prefs = model.NotificationPreferences{UserID: p.UserID, Channels: []string{}} }
        writeData(w, r, http.StatusOK, prefs)
    case http.MethodPut:
        var req struct {
            Channels []string           `json:"channels"`
            Quiet    *model.QuietWindow `json:"quiet"`
        }
        if err := decodeBody(r, &req, maxBodyBytes); err != nil {
            writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
            return
        }
        prefs, err := s.Notify.SetPreferences(r.Context(), p, model.NotificationPreferences{
            UserID:   p.UserID,
            Channels: req.Channels,
            Quiet:    req.Quiet,
        })
        if err != nil {
            s.writeNotifyError(w, r, err)
            return
        }
        writeData(w, r, http.StatusOK, prefs)
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// NotificationsForUserHandler handles GET /api/notifications/user/{userId}.
func (s *Server) NotificationsForUserHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p, ok := s.requireAuth(w, r)
    if !ok { return }
    parts := pathTail(r.URL.Path, "/api/notifications/user/")
    if len(parts) != 1 {
        writeError(w, r, http.StatusNotFound, CodeNotFound, "not found", nil)
        return
    }
    userID := parts[0]
    if p.UserID != userID && p.Role != model.RoleAdmin && p.Role != model.RoleSystem {
        s.auditDenied(r, p, "authorize", "notifications of another user")
        writeError(w, r, http.StatusForbidden, CodeForbidden, "cannot read another user's notifications", nil)
        return
    }
    writeData(w, r, http.StatusOK, map[string]any{"userId": userID, "notifications": s.Notify.ListForUser(userID)})
}

// NotificationByIDHandler handles GET /api/notifications/{id} and the
// delivered/read receipts. Receipts come from the recipient's device.
func (s *Server) NotificationByIDHandler(w http.ResponseWriter, r *http.Request) {
    p, ok := s.requireAuth(w, r)
    if !ok { return }
    parts := pathTail(r.URL.Path, "/api/notifications/")
    if len(parts) == 0 || len(parts) > 2 {
        writeError(w, r, http.StatusNotFound, CodeNotFound, "not found", nil)
        return
    }
    id := parts[0]
    rec, found := s.Notify.Get(id)
    if !found {
        writeError(w, r, http.StatusNotFound, CodeNotFound, "notification not found", nil)
        return
    }
    if p.UserID != rec.RecipientID && p.Role != model.RoleAdmin && p.Role != model.RoleSystem {
        s.auditDenied(r, p, "authorize", "notification of another user")
        writeError(w, r, http.StatusForbidden, CodeForbidden, "not the recipient", nil)
        return
    }
    if len(parts) == 1 {
        if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
        writeData(w, r, http.StatusOK, rec)
        return
    }
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    var err error
    switch parts[1] {
    case "delivered":
        rec, err = s.Notify.MarkDelivered(r.Context(), p, id)
    case "read":
        rec, err = s.Notify.MarkRead(r.Context(), p, id)
    default:
        writeError(w, r, http.StatusNotFound, CodeNotFound, "not found", nil)
        return
    }
    if err != nil {
        s.writeNotifyError(w, r, err)
        return
    }
    writeData(w, r, http.StatusOK, rec)
}

func (s *Server) writeNotifyError(w http.ResponseWriter, r *http.Request, err error) {
    switch {
    case errors.Is(err, notify.ErrRateLimited):
        writeError(w, r, http.StatusTooManyRequests, CodeRateLimited, err.Error(), nil)
    case errors.Is(err, notify.ErrNotFound):
        writeError(w, r, http.StatusNotFound, CodeNotFound, "notification not found", nil)
    case errors.Is(err, notify.ErrInvalidChannel),
        errors.Is(err, notify.ErrChannelNotAllowed),
        errors.Is(err, notify.ErrBadTransition),
        errors.Is(err, notify.ErrInvalidQuietHours):
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
    default:
        s.writeInternal(w, r, err)
    }
}
