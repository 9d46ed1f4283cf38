package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/distributed"

	"github.com/redis/go-redis/v9"
)

const (
	presencePrefix = "peercall:presence:"
	instancePrefix = "peercall:instance:"

	DefaultPresenceTTL = 24 * time.Hour

	lockTTL  = 5 * time.Second
	lockWait = 2 * time.Second
)

type presenceRecord struct {
	UserID     domain.UserID     `json:"user_id"`
	ChannelRef domain.ChannelRef `json:"channel_ref"`
	InstanceID string            `json:"instance_id"`
}

// RedisPresenceDirectory shares user → channel presence across relay
// instances. Writes for one user are serialized with a redis lock.
type RedisPresenceDirectory struct {
	client redis.Cmdable
	locks  *distributed.LockManager
	ttl    time.Duration
}

func NewRedisPresenceDirectory(client redis.Cmdable, ttl time.Duration) *RedisPresenceDirectory {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &RedisPresenceDirectory{
		client: client,
		locks:  distributed.NewLockManager(client, "peercall:lock:"),
		ttl:    ttl,
	}
}

func userKey(id domain.UserID) string        { return presencePrefix + "user:" + string(id) }
func channelKey(ref domain.ChannelRef) string { return presencePrefix + "channel:" + string(ref) }
func instanceKey(id string) string            { return instancePrefix + id + ":channels" }

func (r *RedisPresenceDirectory) Register(ctx context.Context, p ports.Presence) (*ports.Presence, error) {
	data, err := json.Marshal(presenceRecord{UserID: p.UserID, ChannelRef: p.ChannelRef, InstanceID: p.InstanceID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal presence: %w", err)
	}

	var superseded *ports.Presence
	err = r.locks.WithLock(ctx, "presence:"+string(p.UserID), lockTTL, lockWait, func() error {
		old, err := r.get(ctx, userKey(p.UserID))
		if err != nil && !errors.Is(err, domain.ErrUserOffline) {
			return err
		}
		if old != nil && old.ChannelRef != p.ChannelRef {
			superseded = old
		}

		_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, userKey(p.UserID), data, r.ttl)
			pipe.Set(ctx, channelKey(p.ChannelRef), data, r.ttl)
			pipe.SAdd(ctx, instanceKey(p.InstanceID), string(p.ChannelRef))
			pipe.Expire(ctx, instanceKey(p.InstanceID), r.ttl)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register presence: %w", err)
	}
	return superseded, nil
}

func (r *RedisPresenceDirectory) Unregister(ctx context.Context, userID domain.UserID, ref domain.ChannelRef) error {
	return r.locks.WithLock(ctx, "presence:"+string(userID), lockTTL, lockWait, func() error {
		channel, err := r.get(ctx, channelKey(ref))
		if err != nil && !errors.Is(err, domain.ErrUserOffline) {
			return err
		}
		current, err := r.get(ctx, userKey(userID))
		if err != nil && !errors.Is(err, domain.ErrUserOffline) {
			return err
		}

		_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, channelKey(ref))
			if channel != nil {
				pipe.SRem(ctx, instanceKey(channel.InstanceID), string(ref))
			}
			if current != nil && current.ChannelRef == ref {
				pipe.Del(ctx, userKey(userID))
			}
			return nil
		})
		return err
	})
}

func (r *RedisPresenceDirectory) Lookup(ctx context.Context, userID domain.UserID) (*ports.Presence, error) {
	return r.get(ctx, userKey(userID))
}

func (r *RedisPresenceDirectory) LookupChannel(ctx context.Context, ref domain.ChannelRef) (*ports.Presence, error) {
	return r.get(ctx, channelKey(ref))
}

// PurgeInstance drops presence left behind by a previous run of instanceID.
func (r *RedisPresenceDirectory) PurgeInstance(ctx context.Context, instanceID string) (int, error) {
	refs, err := r.client.SMembers(ctx, instanceKey(instanceID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list instance channels: %w", err)
	}

	purged := 0
	for _, ref := range refs {
		p, err := r.get(ctx, channelKey(domain.ChannelRef(ref)))
		if errors.Is(err, domain.ErrUserOffline) {
			continue
		}
		if err != nil {
			return purged, err
		}
		if err := r.Unregister(ctx, p.UserID, p.ChannelRef); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, r.client.Del(ctx, instanceKey(instanceID)).Err()
}

func (r *RedisPresenceDirectory) get(ctx context.Context, key string) (*ports.Presence, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrUserOffline
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}
	return decodePresence(data)
}

func decodePresence(data []byte) (*ports.Presence, error) {
	var rec presenceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal presence: %w", err)
	}
	return &ports.Presence{UserID: rec.UserID, ChannelRef: rec.ChannelRef, InstanceID: rec.InstanceID}, nil
}
