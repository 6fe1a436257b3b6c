package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kasirkantin/backend/internal/domain"
)

const maxUpdateAttempts = 5

// RedisSessionStore keeps each session as a JSON value with a TTL and fans
// updates out through Redis pub/sub, so any replica can serve a subscriber.
type RedisSessionStore struct {
	client *redis.Client
}

func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

func sessionKey(id string) string {
	return "kasirkantin:session:" + id
}

func (s *RedisSessionStore) Create(ctx context.Context, session domain.PosSession, ttl time.Duration) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, sessionKey(session.ID), payload, ttl).Err()
}

func (s *RedisSessionStore) Get(ctx context.Context, id string) (domain.PosSession, error) {
	raw, err := s.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.PosSession{}, ErrSessionNotFound
	}
	if err != nil {
		return domain.PosSession{}, err
	}
	var session domain.PosSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return domain.PosSession{}, err
	}
	return session, nil
}

// Update runs mutate under WATCH on the session key. A concurrent writer
// aborts the MULTI and the read-modify-write is retried.
func (s *RedisSessionStore) Update(ctx context.Context, id string, ttl time.Duration, mutate func(*domain.PosSession) error) (domain.PosSession, error) {
	key := sessionKey(id)
	var updated domain.PosSession

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		var session domain.PosSession
		if err := json.Unmarshal(raw, &session); err != nil {
			return err
		}
		if err := mutate(&session); err != nil {
			return err
		}
		payload, err := json.Marshal(session)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, ttl)
			pipe.Publish(ctx, SessionChannel(id), payload)
			return nil
		})
		if err == nil {
			updated = session
		}
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return domain.PosSession{}, err
	}
	return domain.PosSession{}, ErrVersionConflict
}

func (s *RedisSessionStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

// Subscribe confirms the subscription before returning so no message
// published after the call is missed.
func (s *RedisSessionStore) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pubsub := s.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
