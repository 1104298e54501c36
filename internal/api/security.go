package api

import (
    "errors"
    "net/http"
    "strings"
    "time"

    "github.com/123ashny/KENYASHIP/internal/geo"
    "github.com/123ashny/KENYASHIP/internal/model"
    "github.com/123ashny/KENYASHIP/internal/security"
)

// LocationUpdateHandler handles POST /api/security/location-update.
// The raw fix is obfuscated at the edge; only the zone form reaches the
// monitor. Dispatchers and admins may report on behalf of a driver.
func (s *Server) LocationUpdateHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p, ok := s.requirePermission(w, r, "write:delivery_status")
    if !ok { return }
    var req struct {
        DeliveryID    string     `json:"deliveryId"`
        DriverID      string     `json:"driverId"`
        VehicleID     string     `json:"vehicleId"`
        Lat           float64    `json:"latitude"`
        Lon           float64    `json:"longitude"`
        Timestamp     *time.Time `json:"timestamp"`
        MovementState string     `json:"movementState"`
    }
    if err := decodeBody(r, &req, maxBodyBytes); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    if err := requireField("deliveryId", req.DeliveryID); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    if err := validateCoordinates(req.Lat, req.Lon); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    driverID := p.UserID
    if req.DriverID != "" && (p.Role == model.RoleDispatcher || p.Role == model.RoleAdmin || p.Role == model.RoleSystem) {
        driverID = req.DriverID
    }
    at := time.Now()
    if req.Timestamp != nil { at = *req.Timestamp }
    loc := geo.Obfuscate(model.RawCoordinates{Lat: req.Lat, Lon: req.Lon}, at, s.resolution)
    switch strings.ToLower(req.MovementState) {
    case model.MovementStationary, model.MovementMoving:
        loc.MovementState = strings.ToLower(req.MovementState)
    }
    alerts := s.Monitor.ProcessLocationUpdate(r.Context(), p, req.DeliveryID, driverID, loc, req.VehicleID)
    writeData(w, r, http.StatusOK, map[string]any{"location": loc, "alerts": alerts})
}

// ExpectedRouteHandler handles POST /api/security/expected-route.
func (s *Server) ExpectedRouteHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p, ok := s.requirePermission(w, r, "write:delivery_assignment")
    if !ok { return }
    var req struct {
        DeliveryID string   `json:"deliveryId"`
        Zones      []string `json:"zones"`
    }
    if err := decodeBody(r, &req, maxBodyBytes); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    if err := requireField("deliveryId", req.DeliveryID); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    if len(req.Zones) == 0 {
        writeError(w, r, http.StatusBadRequest, CodeValidation, "zones must not be empty", nil)
        return
    }
    s.Monitor.SetExpectedRoute(r.Context(), p, req.DeliveryID, req.Zones)
    writeData(w, r, http.StatusOK, map[string]any{"deliveryId": req.DeliveryID, "zones": len(req.Zones)})
}

// AlertsHandler handles GET /api/security/alerts with the optional
// severity, deliveryId, and unacknowledgedOnly filters.
func (s *Server) AlertsHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    if _, ok := s.requirePermission(w, r, "read:security_alert"); !ok { return }
    q := r.URL.Query()
    f := security.AlertFilter{
        Severity:           q.Get("severity"),
        DeliveryID:         q.Get("deliveryId"),
        UnacknowledgedOnly: q.Get("unacknowledgedOnly") == "true" || q.Get("unacknowledgedOnly") == "1",
    }
    writeData(w, r, http.StatusOK, map[string]any{"alerts": s.Monitor.List(f)})
}

// AlertByIDHandler handles POST /api/security/alerts/{id}/acknowledge
// and POST /api/security/alerts/{id}/resolve.
func (s *Server) AlertByIDHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p, ok := s.requirePermission(w, r, "write:security_alert")
    if !ok { return }
    parts := pathTail(r.URL.Path, "/api/security/alerts/")
    if len(parts) != 2 {
        writeError(w, r, http.StatusNotFound, CodeNotFound, "not found", nil)
        return
    }
    id := parts[0]
    switch parts[1] {
    case "acknowledge":
        a, err := s.Monitor.Acknowledge(r.Context(), p, id)
        if err != nil {
            s.writeAlertError(w, r, err)
            return
        }
        writeData(w, r, http.StatusOK, a)
    case "resolve":
        var req struct {
            Status string `json:"status"`
            Notes  string `json:"notes"`
        }
        if err := decodeBody(r, &req, maxBodyBytes); err != nil {
            writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
            return
        }
        a, err := s.Monitor.Resolve(r.Context(), p, id, req.Status, req.Notes)
        if err != nil {
            s.writeAlertError(w, r, err)
            return
        }
        writeData(w, r, http.StatusOK, a)
    default:
        writeError(w, r, http.StatusNotFound, CodeNotFound, "not found", nil)
    }
}

func (s *Server) writeAlertError(w http.ResponseWriter, r *http.Request, err error) {
    switch {
    case errors.Is(err, security.ErrNotFound):
        writeError(w, r, http.StatusNotFound, CodeNotFound, "alert not found", nil)
    case errors.Is(err, security.ErrAlreadyResolved), errors.Is(err, security.ErrInvalidStatus):
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
    default:
        s.writeInternal(w, r, err)
    }
}

// SecurityStatsHandler handles GET /api/security/stats.
func (s *Server) SecurityStatsHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    if _, ok := s.requirePermission(w, r, "read:security_alert"); !ok { return }
    writeData(w, r, http.StatusOK, s.Monitor.Stats())
}

// LocationHistoryHandler handles GET /api/security/history/{driverId}.
// Only obfuscated zone entries exist; there is nothing finer to leak.
func (s *Server) LocationHistoryHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    if _, ok := s.requirePermission(w, r, "read:location_history"); !ok { return }
    parts := pathTail(r.URL.Path, "/api/security/history/")
    if len(parts) != 1 {
        writeError(w, r, http.StatusNotFound, CodeNotFound, "not found", nil)
        return
    }
    writeData(w, r, http.StatusOK, map[string]any{"driverId": parts[0], "history": s.Monitor.History(parts[0])})
}
