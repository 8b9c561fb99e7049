package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	mirrorKeyPrefix = "tavern:snapshot:"
	mirrorChannel   = "tavern:snapshots"
)

// RedisMirror keeps the latest committed snapshot of each session in Redis
// and announces new versions on a pub/sub channel.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisMirror connects and pings the server.
func NewRedisMirror(ctx context.Context, cfg RedisConfig) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisMirror{client: client, ttl: cfg.TTL}, nil
}

// Close releases the connection pool.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

// Publish stores rec as the session's latest snapshot and announces its version id.
func (m *RedisMirror) Publish(ctx context.Context, rec SnapshotRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := m.client.Set(ctx, mirrorKeyPrefix+rec.SessionID, data, m.ttl).Err(); err != nil {
		return fmt.Errorf("mirror snapshot: %w", err)
	}
	if err := m.client.Publish(ctx, mirrorChannel, rec.SessionID+"/"+rec.VersionID).Err(); err != nil {
		return fmt.Errorf("announce snapshot: %w", err)
	}
	return nil
}

// Latest reads the mirrored snapshot of a session.
func (m *RedisMirror) Latest(ctx context.Context, sessionID string) (SnapshotRecord, error) {
	raw, err := m.client.Get(ctx, mirrorKeyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return SnapshotRecord{}, fmt.Errorf("session %s: %w", sessionID, ErrNoSnapshot)
	}
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("read mirror: %w", err)
	}
	var rec SnapshotRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return SnapshotRecord{}, fmt.Errorf("unmarshal mirror: %w", err)
	}
	return rec, nil
}

// Announcement names a newly mirrored snapshot version.
type Announcement struct {
	SessionID string
	VersionID string
}

func parseAnnouncement(payload string) (Announcement, bool) {
	session, version, ok := strings.Cut(payload, "/")
	if !ok || session == "" || version == "" {
		return Announcement{}, false
	}
	return Announcement{SessionID: session, VersionID: version}, true
}

// Subscribe streams version announcements until ctx is done. It returns
// once the subscription is confirmed, so no later Publish is missed.
// Malformed payloads are dropped.
func (m *RedisMirror) Subscribe(ctx context.Context) (<-chan Announcement, error) {
	ps := m.client.Subscribe(ctx, mirrorChannel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", mirrorChannel, err)
	}

	out := make(chan Announcement)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				a, valid := parseAnnouncement(msg.Payload)
				if !valid {
					continue
				}
				select {
				case out <- a:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
