// Package realtime implements the push fabric: a session registry,
// delivery rooms, audience-filtered fan-out deduplicated per call, and
// bounded per-user offline queues drained at authentication.
package realtime

import (
    "context"
    "strings"
    "sync"
    "time"

    "github.com/google/uuid"

    "github.com/123ashny/KENYASHIP/internal/auth"
    "github.com/123ashny/KENYASHIP/internal/logging"
    "github.com/123ashny/KENYASHIP/internal/metrics"
    "github.com/123ashny/KENYASHIP/internal/model"
)

const (
    pingInterval    = 25 * time.Second
    idleTimeout     = 30 * time.Second
    offlineQueueCap = 50
    sendBuffer      = 64
)

type Hub struct {
    log      logging.Logger
    verifier *auth.Verifier
    bus      Bus

    mu       sync.Mutex
    sessions map[string]*Session
    byUser   map[string]map[string]*Session
    rooms    map[string]map[string]*Session
    offline  map[string][]model.RealtimeEvent
}

// StatsSnapshot is the realtime stats endpoint payload.
type StatsSnapshot struct {
    Sessions      int `json:"sessions"`
    Authenticated int `json:"authenticated"`
    Rooms         int `json:"rooms"`
    OfflineUsers  int `json:"offlineUsers"`
    QueuedEvents  int `json:"queuedEvents"`
}

// NewHub builds the hub. verifier may be nil (token-less authenticate
// messages are then taken at face value); bus may be nil (single
// instance).
func NewHub(verifier *auth.Verifier, bus Bus, log logging.Logger) *Hub {
    if bus == nil {
        bus = NoopBus{}
    }
    return &Hub{
        log:      log,
        verifier: verifier,
        bus:      bus,
        sessions: map[string]*Session{},
        byUser:   map[string]map[string]*Session{},
        rooms:    map[string]map[string]*Session{},
        offline:  map[string][]model.RealtimeEvent{},
    }
}

// Broadcast fans an event out to its audience on this instance and
// relays it to peers through the bus.
func (h *Hub) Broadcast(evt model.RealtimeEvent) {
    if evt.ID == "" {
        evt.ID = uuid.New().String()
    }
    if evt.CreatedAt.IsZero() {
        evt.CreatedAt = time.Now().UTC()
    }
    h.fanOut(evt)
    if err := h.bus.Publish(context.Background(), evt); err != nil {
        h.log.Warn(context.Background(), "event bus publish failed", "eventType", evt.Type, "err", err.Error())
    }
}

// Receive fans out an event relayed from a peer instance.
func (h *Hub) Receive(evt model.RealtimeEvent) {
    h.fanOut(evt)
}

type target struct {
    s      *Session
    userID string
}

// fanOut resolves the audience union. Keying targets by session id
// delivers each event at most once per session regardless of how many
// criteria the session matches. Users named in the audience with no
// live session get the event queued.
func (h *Hub) fanOut(evt model.RealtimeEvent) {
    metrics.RealtimeEvents.WithLabelValues(evt.Type).Inc()
    aud := evt.Audience

    h.mu.Lock()
    targets := map[string]target{}
    if aud.DeliveryID != "" {
        for id, s := range h.rooms[aud.DeliveryID] {
            targets[id] = target{s: s, userID: s.UserID}
        }
    }
    for _, uid := range aud.UserIDs {
        live := h.byUser[uid]
        if len(live) == 0 {
            h.queueOfflineLocked(uid, evt)
            continue
        }
        for id, s := range live {
            targets[id] = target{s: s, userID: uid}
        }
    }
    if len(aud.Roles) > 0 {
        want := map[string]bool{}
        for _, r := range aud.Roles {
            want[r] = true
        }
        for id, s := range h.sessions {
            if s.Role != "" && want[s.Role] {
                targets[id] = target{s: s, userID: s.UserID}
            }
        }
    }
    h.mu.Unlock()

    for _, t := range targets {
        h.push(t, evt)
    }
}

// push hands an event to one session's write pump. A closed or full
// session routes the event to the user's offline queue so an initiated
// broadcast is not lost to a racing disconnect.
func (h *Hub) push(t target, evt model.RealtimeEvent) {
    select {
    case <-t.s.done:
        h.parkOffline(t.userID, evt)
        return
    default:
    }
    select {
    case t.s.send <- outMessage{Type: "event", Payload: evt}:
    default:
        h.parkOffline(t.userID, evt)
    }
}

func (h *Hub) parkOffline(userID string, evt model.RealtimeEvent) {
    if userID == "" {
        return
    }
    h.mu.Lock()
    h.queueOfflineLocked(userID, evt)
    h.mu.Unlock()
}

// queueOfflineLocked appends to the user's queue, discarding the
// oldest entries past the cap. Caller holds h.mu.
func (h *Hub) queueOfflineLocked(userID string, evt model.RealtimeEvent) {
    q := append(h.offline[userID], evt)
    if over := len(q) - offlineQueueCap; over > 0 {
        q = append([]model.RealtimeEvent(nil), q[over:]...)
        metrics.OfflineDropped.Add(float64(over))
        h.log.Warn(context.Background(), "offline queue full, oldest event dropped", "userId", userID)
    }
    h.offline[userID] = q
}

// register adds an unauthenticated session to the registry.
func (h *Hub) register(s *Session) {
    h.mu.Lock()
    h.sessions[s.ID] = s
    h.mu.Unlock()
    metrics.RealtimeSessions.Inc()
}

// authenticate binds a session to an identity and returns the user's
// drained offline queue, in enqueue order.
func (h *Hub) authenticate(s *Session, userID, role string) ([]model.RealtimeEvent, bool) {
    userID = strings.TrimSpace(userID)
    role = strings.ToLower(strings.TrimSpace(role))
    if userID == "" || role == "" {
        return nil, false
    }
    h.mu.Lock()
    s.UserID = userID
    s.Role = role
    if h.byUser[userID] == nil {
        h.byUser[userID] = map[string]*Session{}
    }
    h.byUser[userID][s.ID] = s
    queued := h.offline[userID]
    delete(h.offline, userID)
    h.mu.Unlock()
    return queued, true
}

func (h *Hub) subscribe(s *Session, deliveryID string) {
    h.mu.Lock()
    if h.rooms[deliveryID] == nil {
        h.rooms[deliveryID] = map[string]*Session{}
    }
    h.rooms[deliveryID][s.ID] = s
    s.rooms[deliveryID] = true
    h.mu.Unlock()
}

func (h *Hub) unsubscribe(s *Session, deliveryID string) {
    h.mu.Lock()
    if room := h.rooms[deliveryID]; room != nil {
        delete(room, s.ID)
        if len(room) == 0 {
            delete(h.rooms, deliveryID)
        }
    }
    delete(s.rooms, deliveryID)
    h.mu.Unlock()
}

// disconnect removes a session from every index. Idempotent.
func (h *Hub) disconnect(s *Session) {
    s.once.Do(func() {
        h.mu.Lock()
        delete(h.sessions, s.ID)
        if s.UserID != "" {
            if live := h.byUser[s.UserID]; live != nil {
                delete(live, s.ID)
                if len(live) == 0 {
                    delete(h.byUser, s.UserID)
                }
            }
        }
        for d := range s.rooms {
            if room := h.rooms[d]; room != nil {
                delete(room, s.ID)
                if len(room) == 0 {
                    delete(h.rooms, d)
                }
            }
        }
        h.mu.Unlock()
        close(s.done)
        metrics.RealtimeSessions.Dec()
    })
}

func (h *Hub) Stats() StatsSnapshot {
    h.mu.Lock(); defer h.mu.Unlock()
    st := StatsSnapshot{
        Sessions:     len(h.sessions),
        Rooms:        len(h.rooms),
        OfflineUsers: len(h.offline),
    }
    for _, s := range h.sessions {
        if s.UserID != "" {
            st.Authenticated++
        }
    }
    for _, q := range h.offline {
        st.QueuedEvents += len(q)
    }
    return st
}
