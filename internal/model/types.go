package model

import "time"

// Shared domain types. Entities reference each other by id only.

// Roles understood by the permission matrix.
const (
    RoleCustomer        = "customer"
    RoleDriver          = "driver"
    RoleDispatcher      = "dispatcher"
    RoleSecurityOfficer = "security_officer"
    RoleAdmin           = "admin"
    RoleSystem          = "system"
)

// Movement states carried on an obfuscated fix.
const (
    MovementStationary = "stationary"
    MovementMoving     = "moving"
    MovementUnknown    = "unknown"
)

// Anomaly types emitted by the cargo monitor.
const (
    AnomalyRouteDeviation    = "route_deviation"
    AnomalyUnusualStop       = "unusual_stop"
    AnomalyTampering         = "tampering_detected"
    AnomalyCommunicationLost = "communication_lost"
)

// Alert severities.
const (
    SeverityLow    = "low"
    SeverityMedium = "medium"
    SeverityHigh   = "high"
)

// Emergency types and statuses.
const (
    EmergencyPanic    = "panic_button"
    EmergencyAccident = "accident_detected"

    EmergencyTriggered    = "triggered"
    EmergencyResponding   = "responding"
    EmergencyAcknowledged = "acknowledged"
    EmergencyResolved     = "resolved"
)

// Notification channels, priorities, and statuses.
const (
    ChannelSMS      = "sms"
    ChannelPush     = "push"
    ChannelWhatsApp = "whatsapp"
    ChannelUSSD     = "ussd"
    ChannelEmail    = "email"

    PriorityLow      = "low"
    PriorityNormal   = "normal"
    PriorityHigh     = "high"
    PriorityCritical = "critical"

    NotifyPending   = "pending"
    NotifySent      = "sent"
    NotifyDelivered = "delivered"
    NotifyRead      = "read"
    NotifyFailed    = "failed"
)

// Verification methods.
const (
    MethodOTP       = "otp"
    MethodPhoto     = "photo"
    MethodSignature = "signature"
    MethodGeofence  = "geofence"
    MethodCode      = "code"
)

// Audit results.
const (
    AuditSuccess = "success"
    AuditDenied  = "denied"
    AuditFailure = "failure"
)

// RawCoordinates live only inside emergency records and transient
// obfuscator input. They are never serialised outside the emergency path.
type RawCoordinates struct {
    Lat float64 `json:"latitude"`
    Lon float64 `json:"longitude"`
}

type ObfuscatedLocation struct {
    ZoneID        string    `json:"zoneId"`
    ApproxTime    time.Time `json:"approxTime"`
    MovementState string    `json:"movementState"` // stationary, moving, unknown
    Resolution    int       `json:"resolution"`    // 7..9
}

type DeliveryCode struct {
    ID          string     `json:"id"`
    DeliveryID  string     `json:"deliveryId"`
    Code        string     `json:"code"`
    Theme       string     `json:"theme"`
    ExpiresAt   time.Time  `json:"expiresAt"`
    UsedAt      *time.Time `json:"usedAt,omitempty"`
    GeneratedBy string     `json:"generatedBy"`
    CreatedAt   time.Time  `json:"createdAt"`
}

type OTPRecord struct {
    ID            string     `json:"id"`
    DeliveryID    string     `json:"deliveryId"`
    RecipientID   string     `json:"recipientId"`
    OTPCiphertext string     `json:"-"`
    ExpiresAt     time.Time  `json:"expiresAt"`
    AttemptCount  int        `json:"attemptCount"`
    Verified      bool       `json:"verified"`
    VerifiedAt    *time.Time `json:"verifiedAt,omitempty"`
}

type PhotoMeta struct {
    Width  int    `json:"width,omitempty"`
    Height int    `json:"height,omitempty"`
    MIME   string `json:"mime,omitempty"`
    Bytes  int    `json:"bytes"`
}

type DeliveryPhoto struct {
    ID              string    `json:"id"`
    DeliveryID      string    `json:"deliveryId"`
    PhotoCiphertext string    `json:"-"`
    Meta            PhotoMeta `json:"meta"`
    CapturedAt      time.Time `json:"capturedAt"`
}

type DeliverySignature struct {
    ID                   string    `json:"id"`
    DeliveryID           string    `json:"deliveryId"`
    SigCiphertext        string    `json:"-"`
    SigHash              string    `json:"sigHash"`
    SignerNameCiphertext string    `json:"-"`
    CapturedAt           time.Time `json:"capturedAt"`
}

type DeliveryVerification struct {
    ID          string     `json:"id"`
    DeliveryID  string     `json:"deliveryId"`
    Required    []string   `json:"required"`
    Completed   []string   `json:"completed"`
    Complete    bool       `json:"complete"`
    CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type SecurityAlert struct {
    ID             string           `json:"id"`
    DeliveryID     string           `json:"deliveryId"`
    DriverID       string           `json:"driverId"`
    VehicleID      string           `json:"vehicleId,omitempty"`
    AnomalyType    string           `json:"anomalyType"`
    Severity       string           `json:"severity"` // low, medium, high
    ZoneID         string           `json:"zoneId"`
    DetectedAt     time.Time        `json:"detectedAt"`
    Description    string           `json:"description"`
    Acknowledged   bool             `json:"acknowledged"`
    AcknowledgedAt *time.Time       `json:"acknowledgedAt,omitempty"`
    AcknowledgedBy string           `json:"acknowledgedBy,omitempty"`
    Resolution     *AlertResolution `json:"resolution,omitempty"`
}

type AlertResolution struct {
    ResolvedBy string    `json:"resolvedBy"`
    ResolvedAt time.Time `json:"resolvedAt"`
    Status     string    `json:"status"` // false_positive, investigated, escalated, resolved
    Notes      string    `json:"notes,omitempty"`
}

type EmergencyRecord struct {
    ID            string         `json:"id"`
    DriverID      string         `json:"driverId"`
    DeliveryID    string         `json:"deliveryId,omitempty"`
    Type          string         `json:"type"` // panic_button, accident_detected
    Location      RawCoordinates `json:"location"`
    TriggeredAt   time.Time      `json:"triggeredAt"`
    Status        string         `json:"status"` // triggered, responding, acknowledged, resolved
    Notifications []string       `json:"notifications"`
}

type EmergencyContact struct {
    ID           string   `json:"id"`
    DriverID     string   `json:"driverId"`
    Name         string   `json:"name"`
    Phone        string   `json:"phone"`
    Relationship string   `json:"relationship,omitempty"`
    Channels     []string `json:"channels,omitempty"`
}

// AccelerometerReading axes are m/s^2.
type AccelerometerReading struct {
    X float64   `json:"x"`
    Y float64   `json:"y"`
    Z float64   `json:"z"`
    T time.Time `json:"t"`
}

type NotificationRecord struct {
    ID                string     `json:"id"`
    RecipientID       string     `json:"recipientId"`
    Channel           string     `json:"channel"`
    Priority          string     `json:"priority"`
    TemplateID        string     `json:"templateId"`
    ContentCiphertext string     `json:"-"`
    ScheduledAt       time.Time  `json:"scheduledAt"`
    SentAt            *time.Time `json:"sentAt,omitempty"`
    DeliveredAt       *time.Time `json:"deliveredAt,omitempty"`
    ReadAt            *time.Time `json:"readAt,omitempty"`
    Status            string     `json:"status"`
    RetryCount        int        `json:"retryCount"`
    MaxRetries        int        `json:"maxRetries"`
    FailureReason     string     `json:"failureReason,omitempty"`
}

type QuietWindow struct {
    Start string `json:"start"` // "HH:MM" wall clock
    End   string `json:"end"`
}

type NotificationPreferences struct {
    UserID   string       `json:"userId"`
    Channels []string     `json:"channels"`
    Quiet    *QuietWindow `json:"quiet,omitempty"`
}

type AuditEntry struct {
    Seq          int64          `json:"seq"`
    ActorID      string         `json:"actorId"`
    ActorRole    string         `json:"actorRole"`
    Action       string         `json:"action"`
    ResourceType string         `json:"resourceType"`
    ResourceID   string         `json:"resourceId,omitempty"`
    Metadata     map[string]any `json:"metadata,omitempty"`
    Result       string         `json:"result"` // success, denied, failure
    At           time.Time      `json:"at"`
    Chain        string         `json:"chain,omitempty"`
}

// Audience selects the recipients of a realtime event. Any non-empty
// combination of the three criteria is valid.
type Audience struct {
    DeliveryID string   `json:"deliveryId,omitempty"`
    UserIDs    []string `json:"userIds,omitempty"`
    Roles      []string `json:"roles,omitempty"`
}

type RealtimeEvent struct {
    ID        string         `json:"id"`
    Type      string         `json:"type"`
    Payload   map[string]any `json:"payload,omitempty"`
    Audience  Audience       `json:"audience"`
    CreatedAt time.Time      `json:"createdAt"`
}
