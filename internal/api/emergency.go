package api

import (
    "errors"
    "net/http"
    "time"

    "github.com/123ashny/KENYASHIP/internal/emergency"
    "github.com/123ashny/KENYASHIP/internal/model"
)

// EmergenciesHandler handles GET /api/emergency (newest first).
func (s *Server) EmergenciesHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    if _, ok := s.requirePermission(w, r, "read:emergency"); !ok { return }
    writeData(w, r, http.StatusOK, map[string]any{"emergencies": s.Emergency.List()})
}

// EmergencyByIDHandler routes the /api/emergency/ subtree: panic,
// accelerometer, active/{driverId}, contacts/{driverId}, {id},
// {id}/acknowledge, {id}/resolve.
func (s *Server) EmergencyByIDHandler(w http.ResponseWriter, r *http.Request) {
    parts := pathTail(r.URL.Path, "/api/emergency/")
    if parts == nil {
        // Trailing-slash form of the collection path.
        s.EmergenciesHandler(w, r)
        return
    }
    switch parts[0] {
    case "panic":
        s.panicHandler(w, r)
    case "accelerometer":
        s.accelerometerHandler(w, r)
    case "active":
        s.activeEmergencyHandler(w, r, parts)
    case "contacts":
        s.contactsHandler(w, r, parts)
    default:
        s.emergencyRecordHandler(w, r, parts)
    }
}

// panicHandler handles POST /api/emergency/panic. This is the one path
// that accepts and keeps raw coordinates.
func (s *Server) panicHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p, ok := s.requirePermission(w, r, "write:emergency")
    if !ok { return }
    var req struct {
        Lat        float64 `json:"latitude"`
        Lon        float64 `json:"longitude"`
        DeliveryID string  `json:"deliveryId"`
    }
    if err := decodeBody(r, &req, maxBodyBytes); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    if err := validateCoordinates(req.Lat, req.Lon); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    rec, created := s.Emergency.Panic(r.Context(), p, p.UserID, model.RawCoordinates{Lat: req.Lat, Lon: req.Lon}, req.DeliveryID)
    status := http.StatusOK
    if created { status = http.StatusCreated }
    writeData(w, r, status, map[string]any{"emergency": rec, "created": created})
}

// accelerometerHandler handles POST /api/emergency/accelerometer.
func (s *Server) accelerometerHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p, ok := s.requirePermission(w, r, "write:emergency")
    if !ok { return }
    var req struct {
        X          float64    `json:"x"`
        Y          float64    `json:"y"`
        Z          float64    `json:"z"`
        T          *time.Time `json:"t"`
        Lat        float64    `json:"latitude"`
        Lon        float64    `json:"longitude"`
        DeliveryID string     `json:"deliveryId"`
    }
    if err := decodeBody(r, &req, maxBodyBytes); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    if err := validateCoordinates(req.Lat, req.Lon); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    at := time.Now()
    if req.T != nil { at = *req.T }
    reading := model.AccelerometerReading{X: req.X, Y: req.Y, Z: req.Z, T: at}
    rec, gForce := s.Emergency.Accelerometer(r.Context(), p, p.UserID, reading, model.RawCoordinates{Lat: req.Lat, Lon: req.Lon}, req.DeliveryID)
    out := map[string]any{"gForce": gForce, "triggered": rec != nil}
    if rec != nil { out["emergency"] = *rec }
    writeData(w, r, http.StatusOK, out)
}

// activeEmergencyHandler handles GET /api/emergency/active/{driverId}.
func (s *Server) activeEmergencyHandler(w http.ResponseWriter, r *http.Request, parts []string) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    if _, ok := s.requirePermission(w, r, "read:emergency"); !ok { return }
    if len(parts) != 2 {
        writeError(w, r, http.StatusNotFound, CodeNotFound, "not found", nil)
        return
    }
    rec, ok := s.Emergency.ActiveForDriver(parts[1])
    if !ok {
        writeError(w, r, http.StatusNotFound, CodeNotFound, "no active emergency for driver "+parts[1], nil)
        return
    }
    writeData(w, r, http.StatusOK, rec)
}

// contactsHandler handles GET and POST /api/emergency/contacts/{driverId}.
// Drivers manage their own list; responder roles may read it, replacing
// someone else's requires admin. Peer drivers get neither.
func (s *Server) contactsHandler(w http.ResponseWriter, r *http.Request, parts []string) {
    p, ok := s.requireAuth(w, r)
    if !ok { return }
    if len(parts) != 2 {
        writeError(w, r, http.StatusNotFound, CodeNotFound, "not found", nil)
        return
    }
    driverID := parts[1]
    own := p.UserID == driverID
    responder := p.Role == model.RoleDispatcher || p.Role == model.RoleSecurityOfficer ||
        p.Role == model.RoleAdmin || p.Role == model.RoleSystem
    switch r.Method {
    case http.MethodGet:
        if !own && !responder {
            s.auditDenied(r, p, "authorize", "contacts of another driver")
            writeError(w, r, http.StatusForbidden, CodeForbidden, "cannot read another driver's contacts", nil)
            return
        }
        writeData(w, r, http.StatusOK, map[string]any{"driverId": driverID, "contacts": s.Emergency.Contacts(driverID)})
    case http.MethodPost:
        if !own && p.Role != model.RoleAdmin {
            s.auditDenied(r, p, "authorize", "contacts of another driver")
            writeError(w, r, http.StatusForbidden, CodeForbidden, "cannot replace another driver's contacts", nil)
            return
        }
        var req struct {
            Contacts []model.EmergencyContact `json:"contacts"`
        }
        if err := decodeBody(r, &req, maxBodyBytes); err != nil {
            writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
            return
        }
        for _, c := range req.Contacts {
            if c.Name == "" || c.Phone == "" {
                writeError(w, r, http.StatusBadRequest, CodeValidation, "each contact needs name and phone", nil)
                return
            }
        }
        saved := s.Emergency.SetContacts(r.Context(), p, driverID, req.Contacts)
        writeData(w, r, http.StatusOK, map[string]any{"driverId": driverID, "contacts": saved})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// emergencyRecordHandler handles GET /api/emergency/{id} and the
// acknowledge/resolve actions.
func (s *Server) emergencyRecordHandler(w http.ResponseWriter, r *http.Request, parts []string) {
    id := parts[0]
    if len(parts) == 1 {
        if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
        if _, ok := s.requirePermission(w, r, "read:emergency"); !ok { return }
        rec, ok := s.Emergency.Get(id)
        if !ok {
            writeError(w, r, http.StatusNotFound, CodeNotFound, "emergency not found", nil)
            return
        }
        writeData(w, r, http.StatusOK, rec)
        return
    }
    if len(parts) != 2 {
        writeError(w, r, http.StatusNotFound, CodeNotFound, "not found", nil)
        return
    }
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p, ok := s.requireRole(w, r, model.RoleDispatcher, model.RoleSecurityOfficer, model.RoleAdmin)
    if !ok { return }
    var (
        rec model.EmergencyRecord
        err error
    )
    switch parts[1] {
    case "acknowledge":
        rec, err = s.Emergency.Acknowledge(r.Context(), p, id)
    case "resolve":
        rec, err = s.Emergency.Resolve(r.Context(), p, id)
    default:
        writeError(w, r, http.StatusNotFound, CodeNotFound, "not found", nil)
        return
    }
    switch {
    case errors.Is(err, emergency.ErrNotFound):
        writeError(w, r, http.StatusNotFound, CodeNotFound, "emergency not found", nil)
    case errors.Is(err, emergency.ErrResolved):
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
    case err != nil:
        s.writeInternal(w, r, err)
    default:
        writeData(w, r, http.StatusOK, rec)
    }
}
