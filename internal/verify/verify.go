// Package verify implements multi-factor delivery verification: OTP,
// photo, signature, geofence, and the HMAC fallback code. A delivery's
// verification completes once every required method has been satisfied;
// completion is monotone.
package verify

import (
    "context"
    "crypto/subtle"
    "errors"
    "strings"
    "sync"
    "time"

    "github.com/google/uuid"
    "github.com/pquerna/otp"
    "github.com/pquerna/otp/totp"

    "github.com/123ashny/KENYASHIP/internal/audit"
    "github.com/123ashny/KENYASHIP/internal/auth"
    "github.com/123ashny/KENYASHIP/internal/cryptox"
    "github.com/123ashny/KENYASHIP/internal/geo"
    "github.com/123ashny/KENYASHIP/internal/logging"
    "github.com/123ashny/KENYASHIP/internal/metrics"
    "github.com/123ashny/KENYASHIP/internal/model"
)

// MaxPhotoBytes caps proof photos before encryption.
const MaxPhotoBytes = 5 << 20

const DefaultGeofenceRadiusM = 100.0

var ErrPhotoTooLarge = errors.New("photo too large")

// Rejection reasons returned in Result.Reason.
const (
    ReasonNoOTPGenerated  = "no_otp_generated"
    ReasonNoPendingOTP    = "no_pending_otp"
    ReasonAlreadyVerified = "already_verified"
    ReasonOTPExpired      = "otp_expired"
    ReasonMaxAttempts     = "max_attempts_exceeded"
    ReasonInvalidOTP      = "invalid_otp"
    ReasonInvalidCode     = "invalid_code"
)

// Result is the outcome of an OTP or fallback check. Remaining is the
// attempts left after this call, or -1 when not applicable.
type Result struct {
    Valid     bool
    Reason    string
    Remaining int
}

// Broadcaster publishes realtime events; the hub satisfies this.
type Broadcaster interface {
    Broadcast(evt model.RealtimeEvent)
}

// Options bound the OTP parameters; out-of-range values are clamped.
type Options struct {
    OTPTTLSeconds int // 60..900, default 300
    OTPLength     int // 4..8, default 6
    MaxAttempts   int // default 5
}

type Service struct {
    cipher *cryptox.Cipher
    secret string // fallback-code HMAC secret
    sink   audit.Sink
    bcast  Broadcaster
    log    logging.Logger

    otpTTL      time.Duration
    otpDigits   otp.Digits
    maxAttempts int

    mu         sync.Mutex
    verifs     map[string]*model.DeliveryVerification
    otpSecrets map[string]string // deliveryId -> TOTP secret, never serialised
    otps       map[string]*model.OTPRecord
    photos     map[string][]model.DeliveryPhoto
    sigs       map[string]model.DeliverySignature
}

func New(cipher *cryptox.Cipher, hmacSecret string, sink audit.Sink, bcast Broadcaster, log logging.Logger, opts Options) *Service {
    ttl := opts.OTPTTLSeconds
    if ttl == 0 { ttl = 300 }
    if ttl < 60 { ttl = 60 }
    if ttl > 900 { ttl = 900 }
    digits := opts.OTPLength
    if digits == 0 { digits = 6 }
    if digits < 4 { digits = 4 }
    if digits > 8 { digits = 8 }
    attempts := opts.MaxAttempts
    if attempts <= 0 { attempts = 5 }
    return &Service{
        cipher:      cipher,
        secret:      hmacSecret,
        sink:        sink,
        bcast:       bcast,
        log:         log,
        otpTTL:      time.Duration(ttl) * time.Second,
        otpDigits:   otp.Digits(digits),
        maxAttempts: attempts,
        verifs:      map[string]*model.DeliveryVerification{},
        otpSecrets:  map[string]string{},
        otps:        map[string]*model.OTPRecord{},
        photos:      map[string][]model.DeliveryPhoto{},
        sigs:        map[string]model.DeliverySignature{},
    }
}

// Initialize stores the required-method set for a delivery. A delivery
// whose verification already completed keeps its completed state.
func (s *Service) Initialize(ctx context.Context, actor auth.Principal, deliveryID string, required []string) model.DeliveryVerification {
    req := normalizeMethods(required)
    s.mu.Lock()
    v, ok := s.verifs[deliveryID]
    if !ok {
        v = &model.DeliveryVerification{
            ID:         uuid.New().String(),
            DeliveryID: deliveryID,
            Required:   req,
            Completed:  []string{},
        }
        s.verifs[deliveryID] = v
    } else if !v.Complete {
        v.Required = req
        s.recheckLocked(v)
    }
    out := snapshot(v)
    s.mu.Unlock()

    s.record(ctx, actor, "initialize_verification", deliveryID, map[string]any{"required": req}, model.AuditSuccess)
    return out
}

// GenerateOTP lazily creates the per-delivery TOTP secret and emits a
// token. The secret never leaves the process; the token ciphertext is
// kept under the delivery context. Regenerating replaces any pending
// record.
func (s *Service) GenerateOTP(ctx context.Context, actor auth.Principal, deliveryID, recipientID string) (code string, expiresAt time.Time, err error) {
    now := time.Now().UTC()
    s.mu.Lock()
    secret, ok := s.otpSecrets[deliveryID]
    if !ok {
        key, kerr := totp.Generate(totp.GenerateOpts{
            Issuer:      "kenyaship",
            AccountName: deliveryID,
            Period:      uint(s.otpTTL.Seconds()),
            Digits:      s.otpDigits,
            Algorithm:   otp.AlgorithmSHA1,
        })
        if kerr != nil {
            s.mu.Unlock()
            return "", time.Time{}, kerr
        }
        secret = key.Secret()
        s.otpSecrets[deliveryID] = secret
    }
    code, err = totp.GenerateCodeCustom(secret, now, s.validateOpts())
    if err != nil {
        s.mu.Unlock()
        return "", time.Time{}, err
    }
    ct, cerr := s.cipher.Encrypt([]byte(code), deliveryID)
    if cerr != nil {
        s.mu.Unlock()
        s.log.Error(ctx, "otp ciphertext seal failed", "deliveryId", deliveryID, "err", cerr.Error())
        return "", time.Time{}, cerr
    }
    rec := &model.OTPRecord{
        ID:            uuid.New().String(),
        DeliveryID:    deliveryID,
        RecipientID:   recipientID,
        OTPCiphertext: ct,
        ExpiresAt:     now.Add(s.otpTTL),
    }
    s.otps[deliveryID] = rec
    expiresAt = rec.ExpiresAt
    s.mu.Unlock()

    s.record(ctx, actor, "generate_otp", deliveryID, map[string]any{"recipientId": recipientID}, model.AuditSuccess)
    return code, expiresAt, nil
}

// VerifyOTP checks a token against the pending record. The attempt
// counter moves on every comparison, successful ones included; a
// consumed record answers already_verified without counting.
func (s *Service) VerifyOTP(ctx context.Context, actor auth.Principal, deliveryID, token string) Result {
    now := time.Now().UTC()
    s.mu.Lock()
    secret, ok := s.otpSecrets[deliveryID]
    if !ok {
        s.mu.Unlock()
        return s.otpRejected(ctx, actor, deliveryID, ReasonNoOTPGenerated)
    }
    rec, ok := s.otps[deliveryID]
    if !ok {
        s.mu.Unlock()
        return s.otpRejected(ctx, actor, deliveryID, ReasonNoPendingOTP)
    }
    if rec.Verified {
        s.mu.Unlock()
        return s.otpRejected(ctx, actor, deliveryID, ReasonAlreadyVerified)
    }
    if now.After(rec.ExpiresAt) {
        s.mu.Unlock()
        return s.otpRejected(ctx, actor, deliveryID, ReasonOTPExpired)
    }
    if rec.AttemptCount >= s.maxAttempts {
        s.mu.Unlock()
        return s.otpRejected(ctx, actor, deliveryID, ReasonMaxAttempts)
    }
    rec.AttemptCount++
    remaining := s.maxAttempts - rec.AttemptCount
    valid, verr := totp.ValidateCustom(token, secret, now, s.validateOpts())
    if verr != nil || !valid {
        s.mu.Unlock()
        res := s.otpRejected(ctx, actor, deliveryID, ReasonInvalidOTP)
        res.Remaining = remaining
        return res
    }
    rec.Verified = true
    rec.VerifiedAt = &now
    completedNow := s.completeLocked(deliveryID, model.MethodOTP)
    s.mu.Unlock()

    metrics.Verifications.WithLabelValues(model.MethodOTP, "valid").Inc()
    s.record(ctx, actor, "verify_otp", deliveryID, map[string]any{"method": model.MethodOTP}, model.AuditSuccess)
    if completedNow {
        s.announceComplete(deliveryID)
    }
    return Result{Valid: true, Remaining: -1}
}

// StorePhoto encrypts proof-of-delivery photo bytes under the delivery
// context. Bytes beyond MaxPhotoBytes are refused before encryption.
func (s *Service) StorePhoto(ctx context.Context, actor auth.Principal, deliveryID string, data []byte, meta model.PhotoMeta) (model.DeliveryPhoto, error) {
    if len(data) > MaxPhotoBytes {
        return model.DeliveryPhoto{}, ErrPhotoTooLarge
    }
    ct, err := s.cipher.Encrypt(data, deliveryID)
    if err != nil {
        s.log.Error(ctx, "photo seal failed", "deliveryId", deliveryID, "err", err.Error())
        return model.DeliveryPhoto{}, err
    }
    meta.Bytes = len(data)
    rec := model.DeliveryPhoto{
        ID:              uuid.New().String(),
        DeliveryID:      deliveryID,
        PhotoCiphertext: ct,
        Meta:            meta,
        CapturedAt:      time.Now().UTC(),
    }
    s.mu.Lock()
    s.photos[deliveryID] = append(s.photos[deliveryID], rec)
    completedNow := s.completeLocked(deliveryID, model.MethodPhoto)
    s.mu.Unlock()

    metrics.Verifications.WithLabelValues(model.MethodPhoto, "stored").Inc()
    s.record(ctx, actor, "store_photo", deliveryID, map[string]any{"bytes": meta.Bytes, "mime": meta.MIME}, model.AuditSuccess)
    if completedNow {
        s.announceComplete(deliveryID)
    }
    return rec, nil
}

// StoreSignature hashes the plaintext, then encrypts it and the
// optional signer name under the delivery context.
func (s *Service) StoreSignature(ctx context.Context, actor auth.Principal, deliveryID string, data []byte, signerName string) (model.DeliverySignature, error) {
    ct, err := s.cipher.Encrypt(data, deliveryID)
    if err != nil {
        s.log.Error(ctx, "signature seal failed", "deliveryId", deliveryID, "err", err.Error())
        return model.DeliverySignature{}, err
    }
    rec := model.DeliverySignature{
        ID:            uuid.New().String(),
        DeliveryID:    deliveryID,
        SigCiphertext: ct,
        SigHash:       cryptox.SHA256Hex(data),
        CapturedAt:    time.Now().UTC(),
    }
    if signerName != "" {
        nameCT, nerr := s.cipher.Encrypt([]byte(signerName), deliveryID)
        if nerr != nil {
            s.log.Error(ctx, "signer name seal failed", "deliveryId", deliveryID, "err", nerr.Error())
            return model.DeliverySignature{}, nerr
        }
        rec.SignerNameCiphertext = nameCT
    }
    s.mu.Lock()
    s.sigs[deliveryID] = rec
    completedNow := s.completeLocked(deliveryID, model.MethodSignature)
    s.mu.Unlock()

    metrics.Verifications.WithLabelValues(model.MethodSignature, "stored").Inc()
    s.record(ctx, actor, "store_signature", deliveryID, map[string]any{"signerName": signerName != ""}, model.AuditSuccess)
    if completedNow {
        s.announceComplete(deliveryID)
    }
    return rec, nil
}

// VerifyGeofence checks that the driver is within radiusM of the
// delivery point. Audited win or lose.
func (s *Service) VerifyGeofence(ctx context.Context, actor auth.Principal, deliveryID string, driverLoc, deliveryLoc model.RawCoordinates, radiusM float64) (within bool, distanceM float64) {
    if radiusM <= 0 {
        radiusM = DefaultGeofenceRadiusM
    }
    distanceM = geo.Haversine(driverLoc.Lat, driverLoc.Lon, deliveryLoc.Lat, deliveryLoc.Lon)
    within = distanceM <= radiusM
    completedNow := false
    if within {
        s.mu.Lock()
        completedNow = s.completeLocked(deliveryID, model.MethodGeofence)
        s.mu.Unlock()
    }

    result := model.AuditFailure
    outcome := "outside"
    if within {
        result = model.AuditSuccess
        outcome = "within"
    }
    metrics.Verifications.WithLabelValues(model.MethodGeofence, outcome).Inc()
    s.record(ctx, actor, "verify_geofence", deliveryID, map[string]any{
        "distanceM": int(distanceM), "radiusM": int(radiusM), "within": within,
    }, result)
    if completedNow {
        s.announceComplete(deliveryID)
    }
    return within, distanceM
}

// Fallback checks the break-glass hand-off code
// upper(hex(HMAC-SHA256(secret, deliveryID))[0:8]) and, on a match,
// marks the whole verification complete with methods=[code].
func (s *Service) Fallback(ctx context.Context, actor auth.Principal, deliveryID, code string) Result {
    expected := strings.ToUpper(cryptox.SignHMAC(s.secret, []byte(deliveryID)))[:8]
    given := strings.ToUpper(strings.TrimSpace(code))
    if subtle.ConstantTimeCompare([]byte(given), []byte(expected)) != 1 {
        metrics.Verifications.WithLabelValues(model.MethodCode, "invalid").Inc()
        s.record(ctx, actor, "verify_fallback", deliveryID, nil, model.AuditFailure)
        return Result{Valid: false, Reason: ReasonInvalidCode, Remaining: -1}
    }
    now := time.Now().UTC()
    s.mu.Lock()
    v, ok := s.verifs[deliveryID]
    if !ok {
        v = &model.DeliveryVerification{ID: uuid.New().String(), DeliveryID: deliveryID}
        s.verifs[deliveryID] = v
    }
    completedNow := !v.Complete
    v.Completed = []string{model.MethodCode}
    v.Complete = true
    if v.CompletedAt == nil {
        v.CompletedAt = &now
    }
    s.mu.Unlock()

    metrics.Verifications.WithLabelValues(model.MethodCode, "valid").Inc()
    s.record(ctx, actor, "verify_fallback", deliveryID, map[string]any{"method": model.MethodCode}, model.AuditSuccess)
    if completedNow {
        s.announceComplete(deliveryID)
    }
    return Result{Valid: true, Remaining: -1}
}

// Status returns the verification record for a delivery.
func (s *Service) Status(deliveryID string) (model.DeliveryVerification, bool) {
    s.mu.Lock(); defer s.mu.Unlock()
    v, ok := s.verifs[deliveryID]
    if !ok {
        return model.DeliveryVerification{}, false
    }
    return snapshot(v), true
}

// Pending returns the required methods not yet completed.
func (s *Service) Pending(deliveryID string) ([]string, bool) {
    s.mu.Lock(); defer s.mu.Unlock()
    v, ok := s.verifs[deliveryID]
    if !ok {
        return nil, false
    }
    out := []string{}
    for _, m := range v.Required {
        if !containsMethod(v.Completed, m) {
            out = append(out, m)
        }
    }
    return out, true
}

// OTPState exposes the sanitised pending OTP record.
func (s *Service) OTPState(deliveryID string) (model.OTPRecord, bool) {
    s.mu.Lock(); defer s.mu.Unlock()
    rec, ok := s.otps[deliveryID]
    if !ok {
        return model.OTPRecord{}, false
    }
    return *rec, true
}

func (s *Service) validateOpts() totp.ValidateOpts {
    return totp.ValidateOpts{
        Period:    uint(s.otpTTL.Seconds()),
        Skew:      1,
        Digits:    s.otpDigits,
        Algorithm: otp.AlgorithmSHA1,
    }
}

// completeLocked records a satisfied method and reports whether the
// verification transitioned to complete on this call. Caller holds s.mu.
func (s *Service) completeLocked(deliveryID, method string) bool {
    v, ok := s.verifs[deliveryID]
    if !ok {
        v = &model.DeliveryVerification{
            ID:         uuid.New().String(),
            DeliveryID: deliveryID,
            Required:   []string{},
            Completed:  []string{},
        }
        s.verifs[deliveryID] = v
    }
    if !containsMethod(v.Completed, method) {
        v.Completed = append(v.Completed, method)
    }
    if v.Complete {
        return false
    }
    s.recheckLocked(v)
    return v.Complete
}

// recheckLocked sets Complete when required ⊆ completed. Never unsets.
func (s *Service) recheckLocked(v *model.DeliveryVerification) {
    if v.Complete {
        return
    }
    for _, m := range v.Required {
        if !containsMethod(v.Completed, m) {
            return
        }
    }
    v.Complete = true
    now := time.Now().UTC()
    v.CompletedAt = &now
}

func (s *Service) announceComplete(deliveryID string) {
    if s.bcast == nil {
        return
    }
    v, ok := s.Status(deliveryID)
    if !ok {
        return
    }
    s.bcast.Broadcast(model.RealtimeEvent{
        ID:   uuid.New().String(),
        Type: "verification:completed",
        Payload: map[string]any{
            "deliveryId": deliveryID,
            "completed":  v.Completed,
        },
        Audience:  model.Audience{DeliveryID: deliveryID},
        CreatedAt: time.Now().UTC(),
    })
}

func (s *Service) otpRejected(ctx context.Context, actor auth.Principal, deliveryID, reason string) Result {
    metrics.Verifications.WithLabelValues(model.MethodOTP, reason).Inc()
    s.record(ctx, actor, "verify_otp", deliveryID, map[string]any{"reason": reason}, model.AuditFailure)
    return Result{Valid: false, Reason: reason, Remaining: -1}
}

func (s *Service) record(ctx context.Context, actor auth.Principal, action, deliveryID string, meta map[string]any, result string) {
    if s.sink == nil {
        return
    }
    err := s.sink.Record(ctx, model.AuditEntry{
        ActorID:      actor.UserID,
        ActorRole:    actor.Role,
        Action:       action,
        ResourceType: "delivery_verification",
        ResourceID:   deliveryID,
        Metadata:     meta,
        Result:       result,
    })
    if err != nil {
        s.log.Error(ctx, "audit write failed", "action", action, "err", err.Error())
    }
}

func normalizeMethods(in []string) []string {
    out := []string{}
    for _, m := range in {
        m = strings.ToLower(strings.TrimSpace(m))
        if m == "" || containsMethod(out, m) {
            continue
        }
        out = append(out, m)
    }
    return out
}

func containsMethod(list []string, m string) bool {
    for _, x := range list {
        if x == m {
            return true
        }
    }
    return false
}

func snapshot(v *model.DeliveryVerification) model.DeliveryVerification {
    out := *v
    out.Required = append([]string(nil), v.Required...)
    out.Completed = append([]string(nil), v.Completed...)
    return out
}
