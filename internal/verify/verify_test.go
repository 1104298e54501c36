package verify

import (
    "bytes"
    "context"
    "errors"
    "io"
    "strings"
    "sync"
    "testing"
    "time"

    "github.com/123ashny/KENYASHIP/internal/audit"
    "github.com/123ashny/KENYASHIP/internal/auth"
    "github.com/123ashny/KENYASHIP/internal/cryptox"
    "github.com/123ashny/KENYASHIP/internal/logging"
    "github.com/123ashny/KENYASHIP/internal/model"
)

const (
    testMasterKey      = "0123456789abcdef0123456789abcdef"
    testFallbackSecret = "fallback-secret-0123456789abcdef"
)

var (
    driver    = auth.Principal{UserID: "u-driver-1", Role: model.RoleDriver}
    recipient = auth.Principal{UserID: "u-cust-1", Role: model.RoleCustomer}
)

type captureBroadcaster struct {
    mu     sync.Mutex
    events []model.RealtimeEvent
}

func (c *captureBroadcaster) Broadcast(evt model.RealtimeEvent) {
    c.mu.Lock()
    defer c.mu.Unlock()
    c.events = append(c.events, evt)
}

func (c *captureBroadcaster) completions(deliveryID string) int {
    c.mu.Lock()
    defer c.mu.Unlock()
    n := 0
    for _, e := range c.events {
        if e.Type == "verification:completed" && e.Audience.DeliveryID == deliveryID {
            n++
        }
    }
    return n
}

func newService(t *testing.T) (*Service, *audit.MemorySink, *captureBroadcaster) {
    t.Helper()
    sink := audit.NewMemorySink()
    bc := &captureBroadcaster{}
    cipher := cryptox.NewCipher(testMasterKey)
    log := logging.New(io.Discard, "error")
    return New(cipher, testFallbackSecret, sink, bc, log, Options{}), sink, bc
}

// flipDigit returns token with its last digit changed, guaranteeing a
// mismatch without depending on what the real code happens to be.
func flipDigit(token string) string {
    last := token[len(token)-1]
    return token[:len(token)-1] + string('0'+(last-'0'+1)%10)
}

func TestOTPHappyPathThenPhotoCompletes(t *testing.T) {
    svc, _, bc := newService(t)
    ctx := context.Background()

    svc.Initialize(ctx, driver, "d-1001", []string{"otp", "photo"})

    code, exp, err := svc.GenerateOTP(ctx, driver, "d-1001", recipient.UserID)
    if err != nil {
        t.Fatalf("generate otp: %v", err)
    }
    if len(code) != 6 {
        t.Fatalf("expected 6-digit code, got %q", code)
    }
    if !exp.After(time.Now()) {
        t.Fatalf("expiry %v not in the future", exp)
    }

    res := svc.VerifyOTP(ctx, recipient, "d-1001", code)
    if !res.Valid {
        t.Fatalf("expected valid otp, got %+v", res)
    }
    v, ok := svc.Status("d-1001")
    if !ok {
        t.Fatal("missing verification")
    }
    if v.Complete {
        t.Fatalf("complete before photo: %+v", v)
    }
    if len(v.Completed) != 1 || v.Completed[0] != model.MethodOTP {
        t.Fatalf("completed = %v", v.Completed)
    }
    if n := bc.completions("d-1001"); n != 0 {
        t.Fatalf("premature completion events: %d", n)
    }

    photo := bytes.Repeat([]byte{0xAB}, 1024)
    rec, err := svc.StorePhoto(ctx, driver, "d-1001", photo, model.PhotoMeta{MIME: "image/jpeg"})
    if err != nil {
        t.Fatalf("store photo: %v", err)
    }
    if rec.Meta.Bytes != len(photo) {
        t.Fatalf("meta bytes = %d, want %d", rec.Meta.Bytes, len(photo))
    }
    plain, err := cryptox.NewCipher(testMasterKey).Decrypt(rec.PhotoCiphertext, "d-1001")
    if err != nil || !bytes.Equal(plain, photo) {
        t.Fatalf("photo round trip failed: %v", err)
    }

    v, _ = svc.Status("d-1001")
    if !v.Complete || v.CompletedAt == nil {
        t.Fatalf("expected complete after photo: %+v", v)
    }
    if n := bc.completions("d-1001"); n != 1 {
        t.Fatalf("completion events = %d, want 1", n)
    }
}

func TestOTPBruteForceLockout(t *testing.T) {
    svc, _, _ := newService(t)
    ctx := context.Background()

    svc.Initialize(ctx, driver, "d-2002", []string{"otp"})
    code, _, err := svc.GenerateOTP(ctx, driver, "d-2002", recipient.UserID)
    if err != nil {
        t.Fatalf("generate otp: %v", err)
    }
    wrong := flipDigit(code)

    for i := 0; i < 5; i++ {
        res := svc.VerifyOTP(ctx, recipient, "d-2002", wrong)
        if res.Valid || res.Reason != ReasonInvalidOTP {
            t.Fatalf("attempt %d: %+v", i+1, res)
        }
        if res.Remaining != 4-i {
            t.Fatalf("attempt %d remaining = %d, want %d", i+1, res.Remaining, 4-i)
        }
    }

    res := svc.VerifyOTP(ctx, recipient, "d-2002", wrong)
    if res.Reason != ReasonMaxAttempts {
        t.Fatalf("sixth attempt: %+v", res)
    }
    // The real token is burned too once the counter is spent.
    res = svc.VerifyOTP(ctx, recipient, "d-2002", code)
    if res.Valid || res.Reason != ReasonMaxAttempts {
        t.Fatalf("correct token after lockout: %+v", res)
    }
    state, ok := svc.OTPState("d-2002")
    if !ok || state.AttemptCount != 5 {
        t.Fatalf("attempt count = %+v", state)
    }
}

func TestOTPReplayAfterSuccess(t *testing.T) {
    svc, _, _ := newService(t)
    ctx := context.Background()

    code, _, err := svc.GenerateOTP(ctx, driver, "d-2003", recipient.UserID)
    if err != nil {
        t.Fatalf("generate otp: %v", err)
    }
    if res := svc.VerifyOTP(ctx, recipient, "d-2003", code); !res.Valid {
        t.Fatalf("first verify: %+v", res)
    }
    res := svc.VerifyOTP(ctx, recipient, "d-2003", code)
    if res.Valid || res.Reason != ReasonAlreadyVerified {
        t.Fatalf("replay: %+v", res)
    }
    state, _ := svc.OTPState("d-2003")
    if state.AttemptCount != 1 {
        t.Fatalf("replay moved the counter: %d", state.AttemptCount)
    }
}

func TestOTPMissingAndExpiredStates(t *testing.T) {
    svc, _, _ := newService(t)
    ctx := context.Background()

    res := svc.VerifyOTP(ctx, recipient, "d-none", "123456")
    if res.Reason != ReasonNoOTPGenerated {
        t.Fatalf("unknown delivery: %+v", res)
    }

    code, _, err := svc.GenerateOTP(ctx, driver, "d-3003", recipient.UserID)
    if err != nil {
        t.Fatalf("generate otp: %v", err)
    }
    svc.mu.Lock()
    svc.otps["d-3003"].ExpiresAt = time.Now().Add(-time.Minute)
    svc.mu.Unlock()
    res = svc.VerifyOTP(ctx, recipient, "d-3003", code)
    if res.Reason != ReasonOTPExpired {
        t.Fatalf("expired record: %+v", res)
    }

    svc.mu.Lock()
    delete(svc.otps, "d-3003")
    svc.mu.Unlock()
    res = svc.VerifyOTP(ctx, recipient, "d-3003", code)
    if res.Reason != ReasonNoPendingOTP {
        t.Fatalf("secret without record: %+v", res)
    }
}

func TestStorePhotoRejectsOversize(t *testing.T) {
    svc, _, _ := newService(t)
    _, err := svc.StorePhoto(context.Background(), driver, "d-big", make([]byte, MaxPhotoBytes+1), model.PhotoMeta{})
    if !errors.Is(err, ErrPhotoTooLarge) {
        t.Fatalf("expected ErrPhotoTooLarge, got %v", err)
    }
}

func TestSignatureHashAndRoundTrip(t *testing.T) {
    svc, _, _ := newService(t)
    ctx := context.Background()

    svc.Initialize(ctx, driver, "d-4004", []string{"signature"})
    data := []byte("M 10 80 C 40 10, 65 10, 95 80 S 150 150, 180 80")
    rec, err := svc.StoreSignature(ctx, driver, "d-4004", data, "Wanjiku Kamau")
    if err != nil {
        t.Fatalf("store signature: %v", err)
    }
    if rec.SigHash != cryptox.SHA256Hex(data) {
        t.Fatalf("sig hash mismatch: %s", rec.SigHash)
    }
    cipher := cryptox.NewCipher(testMasterKey)
    plain, err := cipher.Decrypt(rec.SigCiphertext, "d-4004")
    if err != nil || !bytes.Equal(plain, data) {
        t.Fatalf("signature round trip: %v", err)
    }
    name, err := cipher.Decrypt(rec.SignerNameCiphertext, "d-4004")
    if err != nil || string(name) != "Wanjiku Kamau" {
        t.Fatalf("signer name round trip: %v %q", err, name)
    }
    if v, _ := svc.Status("d-4004"); !v.Complete {
        t.Fatalf("signature should complete: %+v", v)
    }
}

func TestGeofence(t *testing.T) {
    svc, sink, _ := newService(t)
    ctx := context.Background()

    dropoff := model.RawCoordinates{Lat: -1.28333, Lon: 36.81667}
    nearby := model.RawCoordinates{Lat: -1.28347, Lon: 36.81662}
    airport := model.RawCoordinates{Lat: -1.31920, Lon: 36.92780}

    svc.Initialize(ctx, driver, "d-5005", []string{"geofence"})
    within, dist := svc.VerifyGeofence(ctx, driver, "d-5005", nearby, dropoff, 0)
    if !within {
        t.Fatalf("expected within default radius, distance %.1f", dist)
    }
    if dist < 1 || dist > 100 {
        t.Fatalf("implausible distance %.1f", dist)
    }
    if v, _ := svc.Status("d-5005"); !v.Complete {
        t.Fatalf("geofence should complete: %+v", v)
    }

    within, dist = svc.VerifyGeofence(ctx, driver, "d-6006", airport, dropoff, 100)
    if within {
        t.Fatal("airport inside a 100 m fence")
    }
    if dist < 12000 || dist > 14000 {
        t.Fatalf("cbd-airport distance %.1f out of range", dist)
    }
    if _, ok := svc.Status("d-6006"); ok {
        t.Fatal("failed geofence must not create a verification")
    }

    entries, err := sink.List(ctx, audit.Filter{Action: "verify_geofence"})
    if err != nil {
        t.Fatalf("list audit: %v", err)
    }
    if len(entries) != 2 {
        t.Fatalf("audit entries = %d, want 2", len(entries))
    }
    if entries[0].Result != model.AuditSuccess || entries[1].Result != model.AuditFailure {
        t.Fatalf("audit results = %s, %s", entries[0].Result, entries[1].Result)
    }
}

func TestFallbackCode(t *testing.T) {
    svc, _, _ := newService(t)
    ctx := context.Background()
    dispatcher := auth.Principal{UserID: "u-disp-1", Role: model.RoleDispatcher}

    expected := strings.ToUpper(cryptox.SignHMAC(testFallbackSecret, []byte("d-7007")))[:8]
    res := svc.Fallback(ctx, dispatcher, "d-7007", "  "+strings.ToLower(expected)+" ")
    if !res.Valid {
        t.Fatalf("expected fallback match: %+v", res)
    }
    v, ok := svc.Status("d-7007")
    if !ok || !v.Complete {
        t.Fatalf("fallback must complete: %+v", v)
    }
    if len(v.Completed) != 1 || v.Completed[0] != model.MethodCode {
        t.Fatalf("completed = %v", v.Completed)
    }

    res = svc.Fallback(ctx, dispatcher, "d-7007", "ZZZZZZZZ")
    if res.Valid || res.Reason != ReasonInvalidCode {
        t.Fatalf("garbage code accepted: %+v", res)
    }
}

func TestFallbackOverridesPendingAndCompletionIsMonotone(t *testing.T) {
    svc, _, bc := newService(t)
    ctx := context.Background()
    dispatcher := auth.Principal{UserID: "u-disp-1", Role: model.RoleDispatcher}

    svc.Initialize(ctx, driver, "d-8008", []string{"otp", "photo", "signature"})
    expected := strings.ToUpper(cryptox.SignHMAC(testFallbackSecret, []byte("d-8008")))[:8]
    if res := svc.Fallback(ctx, dispatcher, "d-8008", expected); !res.Valid {
        t.Fatalf("fallback: %+v", res)
    }
    v, _ := svc.Status("d-8008")
    if !v.Complete || len(v.Completed) != 1 || v.Completed[0] != model.MethodCode {
        t.Fatalf("override state: %+v", v)
    }

    // Re-initialising cannot walk back a completed verification.
    svc.Initialize(ctx, driver, "d-8008", []string{"otp"})
    if v, _ = svc.Status("d-8008"); !v.Complete {
        t.Fatalf("completion reverted: %+v", v)
    }
    if n := bc.completions("d-8008"); n != 1 {
        t.Fatalf("completion events = %d, want 1", n)
    }
}

func TestVerificationAuditTrail(t *testing.T) {
    svc, sink, _ := newService(t)
    ctx := context.Background()

    svc.Initialize(ctx, driver, "d-9009", []string{"otp"})
    code, _, err := svc.GenerateOTP(ctx, driver, "d-9009", recipient.UserID)
    if err != nil {
        t.Fatalf("generate otp: %v", err)
    }
    svc.VerifyOTP(ctx, recipient, "d-9009", flipDigit(code))

    entries, err := sink.List(ctx, audit.Filter{ResourceID: "d-9009"})
    if err != nil {
        t.Fatalf("list audit: %v", err)
    }
    if len(entries) != 3 {
        t.Fatalf("audit entries = %d, want 3: %+v", len(entries), entries)
    }
    wantActions := []string{"initialize_verification", "generate_otp", "verify_otp"}
    for i, e := range entries {
        if e.Action != wantActions[i] {
            t.Fatalf("entry %d action = %s, want %s", i, e.Action, wantActions[i])
        }
        if e.ResourceType != "delivery_verification" {
            t.Fatalf("entry %d resource type = %s", i, e.ResourceType)
        }
    }
    if entries[2].Result != model.AuditFailure {
        t.Fatalf("failed verify recorded as %s", entries[2].Result)
    }
    if err := audit.VerifyChain(entries); err != nil {
        t.Fatalf("chain verify: %v", err)
    }
}
