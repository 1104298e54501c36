package api

import (
    "context"
    "encoding/base64"
    "errors"
    "net/http"
    "time"

    "github.com/123ashny/KENYASHIP/internal/auth"
    "github.com/123ashny/KENYASHIP/internal/buildinfo"
    "github.com/123ashny/KENYASHIP/internal/geo"
    "github.com/123ashny/KENYASHIP/internal/model"
    "github.com/123ashny/KENYASHIP/internal/verify"
)

// ObfuscateHandler handles POST /api/location/obfuscate. Raw coordinates
// exist only for the duration of the request.
func (s *Server) ObfuscateHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    if _, ok := s.requireAuth(w, r); !ok { return }
    var req struct {
        Lat            float64    `json:"latitude"`
        Lon            float64    `json:"longitude"`
        Timestamp      *time.Time `json:"timestamp"`
        GridSizeMeters int        `json:"gridSizeMeters"`
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
    if req.Timestamp != nil { at = *req.Timestamp }
    res := s.resolution
    if req.GridSizeMeters > 0 { res = geo.ResolutionForGrid(req.GridSizeMeters) }
    loc := geo.Obfuscate(model.RawCoordinates{Lat: req.Lat, Lon: req.Lon}, at, res)
    writeData(w, r, http.StatusOK, loc)
}

// ZoneCenterHandler handles GET /api/location/zones/{id}/center.
func (s *Server) ZoneCenterHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    if _, ok := s.requireAuth(w, r); !ok { return }
    parts := pathTail(r.URL.Path, "/api/location/zones/")
    if len(parts) != 2 || parts[1] != "center" {
        writeError(w, r, http.StatusNotFound, CodeNotFound, "not found", nil)
        return
    }
    zoneID := parts[0]
    lat, lon, err := geo.ZoneCenter(zoneID)
    if err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, "invalid zone id", nil)
        return
    }
    res, _ := geo.ZoneResolution(zoneID)
    writeData(w, r, http.StatusOK, map[string]any{
        "zoneId":     zoneID,
        "latitude":   lat,
        "longitude":  lon,
        "resolution": res,
    })
}

// GenerateCodeHandler handles POST /api/codes/generate.
func (s *Server) GenerateCodeHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p, ok := s.requireAuth(w, r)
    if !ok { return }
    var req struct {
        DeliveryID string `json:"deliveryId"`
        Theme      string `json:"theme"`
    }
    if err := decodeBody(r, &req, maxBodyBytes); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    if err := requireField("deliveryId", req.DeliveryID); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    rec := s.Codes.Generate(req.DeliveryID, p.UserID, req.Theme)
    _ = s.Sink.Record(r.Context(), model.AuditEntry{
        ActorID: p.UserID, ActorRole: p.Role,
        Action: "generate_code", ResourceType: "delivery_code", ResourceID: req.DeliveryID,
        Metadata: map[string]any{"theme": rec.Theme},
        Result:   model.AuditSuccess,
    })
    writeData(w, r, http.StatusCreated, rec)
}

// VerificationInitializeHandler handles POST /api/verification/initialize.
func (s *Server) VerificationInitializeHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p, ok := s.requirePermission(w, r, "write:delivery_status")
    if !ok { return }
    var req struct {
        DeliveryID string   `json:"deliveryId"`
        Required   []string `json:"required"`
    }
    if err := decodeBody(r, &req, maxBodyBytes); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    if err := requireField("deliveryId", req.DeliveryID); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    if len(req.Required) == 0 {
        writeError(w, r, http.StatusBadRequest, CodeValidation, "required methods must not be empty", nil)
        return
    }
    v := s.Verifier.Initialize(r.Context(), p, req.DeliveryID, req.Required)
    writeData(w, r, http.StatusCreated, v)
}

// OTPGenerateHandler handles POST /api/verification/otp/generate. The
// OTP is returned to the caller for out-of-band delivery to the
// recipient; it is stored only as ciphertext.
func (s *Server) OTPGenerateHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p, ok := s.requireAuth(w, r)
    if !ok { return }
    var req struct {
        DeliveryID  string `json:"deliveryId"`
        RecipientID string `json:"recipientId"`
    }
    if err := decodeBody(r, &req, maxBodyBytes); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    if err := requireField("deliveryId", req.DeliveryID); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    if req.RecipientID == "" { req.RecipientID = p.UserID }
    code, expiresAt, err := s.Verifier.GenerateOTP(r.Context(), p, req.DeliveryID, req.RecipientID)
    if err != nil {
        s.writeInternal(w, r, err)
        return
    }
    writeData(w, r, http.StatusOK, map[string]any{"otp": code, "expiresAt": expiresAt})
}

// OTPVerifyHandler handles POST /api/verification/otp/verify under a 2 s
// deadline.
func (s *Server) OTPVerifyHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p, ok := s.requireAuth(w, r)
    if !ok { return }
    var req struct {
        DeliveryID string `json:"deliveryId"`
        OTP        string `json:"otp"`
    }
    if err := decodeBody(r, &req, maxBodyBytes); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    if err := requireField("deliveryId", req.DeliveryID); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
    defer cancel()
    res := s.Verifier.VerifyOTP(ctx, p, req.DeliveryID, req.OTP)
    writeData(w, r, http.StatusOK, resultPayload(res))
}

// PhotoHandler handles POST /api/verification/photo. Payload photos are
// base64; oversize payloads map to 413.
func (s *Server) PhotoHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p, ok := s.requirePermission(w, r, "write:delivery_status")
    if !ok { return }
    var req struct {
        DeliveryID string `json:"deliveryId"`
        Photo      string `json:"photo"`
        Width      int    `json:"width"`
        Height     int    `json:"height"`
        MIME       string `json:"mime"`
    }
    if err := decodeBody(r, &req, maxPhotoBodyBytes); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    if err := requireField("deliveryId", req.DeliveryID); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    data, err := base64.StdEncoding.DecodeString(req.Photo)
    if err != nil || len(data) == 0 {
        writeError(w, r, http.StatusBadRequest, CodeValidation, "photo must be non-empty base64", nil)
        return
    }
    photo, err := s.Verifier.StorePhoto(r.Context(), p, req.DeliveryID, data, model.PhotoMeta{Width: req.Width, Height: req.Height, MIME: req.MIME})
    if err != nil {
        if errors.Is(err, verify.ErrPhotoTooLarge) {
            writeError(w, r, http.StatusRequestEntityTooLarge, CodePhotoTooLarge, err.Error(), map[string]any{"maxBytes": verify.MaxPhotoBytes})
            return
        }
        s.writeInternal(w, r, err)
        return
    }
    writeData(w, r, http.StatusCreated, photo)
}

// SignatureHandler handles POST /api/verification/signature.
func (s *Server) SignatureHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p, ok := s.requirePermission(w, r, "write:delivery_status")
    if !ok { return }
    var req struct {
        DeliveryID string `json:"deliveryId"`
        Signature  string `json:"signature"`
        SignerName string `json:"signerName"`
    }
    if err := decodeBody(r, &req, maxPhotoBodyBytes); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    if err := requireField("deliveryId", req.DeliveryID); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    data, err := base64.StdEncoding.DecodeString(req.Signature)
    if err != nil || len(data) == 0 {
        writeError(w, r, http.StatusBadRequest, CodeValidation, "signature must be non-empty base64", nil)
        return
    }
    sig, err := s.Verifier.StoreSignature(r.Context(), p, req.DeliveryID, data, req.SignerName)
    if err != nil {
        s.writeInternal(w, r, err)
        return
    }
    writeData(w, r, http.StatusCreated, sig)
}

// GeofenceHandler handles POST /api/verification/geofence.
func (s *Server) GeofenceHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p, ok := s.requirePermission(w, r, "write:delivery_status")
    if !ok { return }
    var req struct {
        DeliveryID       string               `json:"deliveryId"`
        DriverLocation   model.RawCoordinates `json:"driverLocation"`
        DeliveryLocation model.RawCoordinates `json:"deliveryLocation"`
        RadiusMeters     float64              `json:"radiusMeters"`
    }
    if err := decodeBody(r, &req, maxBodyBytes); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    if err := requireField("deliveryId", req.DeliveryID); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    if err := validateCoordinates(req.DriverLocation.Lat, req.DriverLocation.Lon); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    if err := validateCoordinates(req.DeliveryLocation.Lat, req.DeliveryLocation.Lon); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    within, distance := s.Verifier.VerifyGeofence(r.Context(), p, req.DeliveryID, req.DriverLocation, req.DeliveryLocation, req.RadiusMeters)
    writeData(w, r, http.StatusOK, map[string]any{"within": within, "distanceMeters": distance})
}

// FallbackHandler handles POST /api/verification/fallback. A valid code
// also stamps the themed hand-off code record as used.
func (s *Server) FallbackHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p, ok := s.requireAuth(w, r)
    if !ok { return }
    var req struct {
        DeliveryID string `json:"deliveryId"`
        Code       string `json:"code"`
    }
    if err := decodeBody(r, &req, maxBodyBytes); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    if err := requireField("deliveryId", req.DeliveryID); err != nil {
        writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
        return
    }
    res := s.Verifier.Fallback(r.Context(), p, req.DeliveryID, req.Code)
    if res.Valid { s.Codes.MarkUsed(req.DeliveryID, time.Now()) }
    writeData(w, r, http.StatusOK, resultPayload(res))
}

// VerificationStatusHandler handles GET /api/verification/status/{deliveryId}.
func (s *Server) VerificationStatusHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    if _, ok := s.requireAuth(w, r); !ok { return }
    parts := pathTail(r.URL.Path, "/api/verification/status/")
    if len(parts) != 1 {
        writeError(w, r, http.StatusNotFound, CodeNotFound, "not found", nil)
        return
    }
    v, ok := s.Verifier.Status(parts[0])
    if !ok {
        writeError(w, r, http.StatusNotFound, CodeNotFound, "no verification for delivery "+parts[0], nil)
        return
    }
    writeData(w, r, http.StatusOK, v)
}

// VerificationPendingHandler handles GET /api/verification/pending/{deliveryId}.
func (s *Server) VerificationPendingHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    if _, ok := s.requireAuth(w, r); !ok { return }
    parts := pathTail(r.URL.Path, "/api/verification/pending/")
    if len(parts) != 1 {
        writeError(w, r, http.StatusNotFound, CodeNotFound, "not found", nil)
        return
    }
    pending, ok := s.Verifier.Pending(parts[0])
    if !ok {
        writeError(w, r, http.StatusNotFound, CodeNotFound, "no verification for delivery "+parts[0], nil)
        return
    }
    writeData(w, r, http.StatusOK, map[string]any{"deliveryId": parts[0], "pending": pending})
}

// PermissionsHandler handles GET /api/privacy/permissions: the caller's
// role and its grant list.
func (s *Server) PermissionsHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p, ok := s.requireAuth(w, r)
    if !ok { return }
    writeData(w, r, http.StatusOK, map[string]any{
        "role":        p.Role,
        "permissions": auth.Permissions(p.Role),
    })
}

// HealthHandler handles GET /health. Unversioned body, no envelope, so
// load balancers can probe it without auth.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, http.StatusOK, map[string]string{
        "status":    "healthy",
        "service":   buildinfo.Service,
        "version":   buildinfo.Version,
        "timestamp": time.Now().UTC().Format(time.RFC3339),
    })
}

// resultPayload shapes a verification outcome: reason and remaining are
// present only when meaningful.
func resultPayload(res verify.Result) map[string]any {
    out := map[string]any{"valid": res.Valid}
    if res.Reason != "" { out["reason"] = res.Reason }
    if res.Remaining >= 0 { out["remaining"] = res.Remaining }
    return out
}
