package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/fleet-tracking/internal/models"
)

// RedisIndex tracks recipient last-known positions in Redis GEO sets, one
// per role, with per-recipient metadata hashes. It lets multiple server
// instances share one candidate pool.
type RedisIndex struct {
	client *redis.Client
	prefix string
}

func NewRedisIndex(addr, password, prefix string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if prefix == "" {
		prefix = "presence"
	}
	return &RedisIndex{client: c, prefix: prefix}
}

func (r *RedisIndex) Upsert(ctx context.Context, rec models.Recipient) error {
	member := strconv.FormatInt(rec.ID, 10)
	if err := r.client.GeoAdd(ctx, r.geoKey(rec.Role), &redis.GeoLocation{
		Longitude: rec.Loc.Lon,
		Latitude:  rec.Loc.Lat,
		Name:      member,
	}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, r.metaKey(rec.ID), map[string]interface{}{
		"role":      rec.Role,
		"accuracy":  rec.Accuracy,
		"last_seen": rec.LastSeen.UTC().Format(time.RFC3339),
	}).Err()
}

func (r *RedisIndex) Remove(ctx context.Context, role string, recipientID int64) error {
	member := strconv.FormatInt(recipientID, 10)
	if err := r.client.ZRem(ctx, r.geoKey(role), member).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, r.metaKey(recipientID)).Err()
}

// ActiveRecipients returns every recipient of the role seen after the
// cutoff. Candidate pools are small (tens to low hundreds), so a full
// member scan with per-member metadata reads is adequate.
func (r *RedisIndex) ActiveRecipients(ctx context.Context, role string, seenAfter time.Time) ([]models.Recipient, error) {
	key := r.geoKey(role)
	members, err := r.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	positions, err := r.client.GeoPos(ctx, key, members...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Recipient, 0, len(members))
	for i, member := range members {
		if i >= len(positions) || positions[i] == nil {
			continue
		}
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		rec := models.Recipient{
			ID:   id,
			Role: role,
			Loc:  models.Coord{Lat: positions[i].Latitude, Lon: positions[i].Longitude},
		}
		if meta, err := r.client.HGetAll(ctx, r.metaKey(id)).Result(); err == nil {
			if v, ok := meta["last_seen"]; ok {
				if ts, err := time.Parse(time.RFC3339, v); err == nil {
					rec.LastSeen = ts
				}
			}
			if v, ok := meta["accuracy"]; ok {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					rec.Accuracy = f
				}
			}
		}
		if !seenAfter.IsZero() && rec.LastSeen.Before(seenAfter) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *RedisIndex) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisIndex) Close() error { return r.client.Close() }

func (r *RedisIndex) geoKey(role string) string { return r.prefix + ":geo:" + role }

func (r *RedisIndex) metaKey(id int64) string {
	return r.prefix + ":meta:" + strconv.FormatInt(id, 10)
}
