package realtime

import (
    "context"
    "encoding/json"
    "time"

    "github.com/google/uuid"
    redis "github.com/redis/go-redis/v9"

    "github.com/123ashny/KENYASHIP/internal/logging"
    "github.com/123ashny/KENYASHIP/internal/model"
)

const busChannel = "kenyaship:events"

// busEnvelope wraps relayed events with the publishing instance id so
// an instance can skip its own messages.
type busEnvelope struct {
    Src   string              `json:"src"`
    Event model.RealtimeEvent `json:"event"`
}

// RedisBus relays events across instances over Redis Pub/Sub.
type RedisBus struct {
    rdb *redis.Client
    id  string
    log logging.Logger
}

func NewRedisBus(url string, log logging.Logger) (*RedisBus, error) {
    opt, err := redis.ParseURL(url)
    if err != nil { return nil, err }
    return &RedisBus{rdb: redis.NewClient(opt), id: uuid.New().String(), log: log}, nil
}

func (b *RedisBus) Publish(ctx context.Context, evt model.RealtimeEvent) error {
    pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    data, err := json.Marshal(busEnvelope{Src: b.id, Event: evt})
    if err != nil { return err }
    return b.rdb.Publish(pctx, busChannel, data).Err()
}

// Run subscribes to the relay channel and hands peer events to deliver
// until the context is cancelled.
func (b *RedisBus) Run(ctx context.Context, deliver func(model.RealtimeEvent)) error {
    ps := b.rdb.Subscribe(ctx, busChannel)
    // initial receive confirms the subscription
    if _, err := ps.Receive(ctx); err != nil {
        _ = ps.Close()
        return err
    }
    ch := ps.Channel()
    for {
        select {
        case <-ctx.Done():
            _ = ps.Close()
            return ctx.Err()
        case msg, ok := <-ch:
            if !ok { return nil }
            var env busEnvelope
            if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
                b.log.Warn(ctx, "bus message unreadable", "err", err.Error())
                continue
            }
            if env.Src == b.id { continue }
            deliver(env.Event)
        }
    }
}

func (b *RedisBus) Close() error { return b.rdb.Close() }
