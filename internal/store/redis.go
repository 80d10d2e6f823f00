package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"fieldtrack/internal/config"
	"fieldtrack/internal/domain"
)

// Redis key layout:
//
//	staff:{id}:state    hash   latest ping snapshot (live map)
//	staff:{id}:zones    set    geofence IDs currently containing the user
//	staff:lastseen      zset   member=user_id score=captured_at unix
//	staff:geo           geo    latest position per user
//	staff:auth:{key}    hash   api key -> {user_id, full_name}
//	lock:{name}         string scheduler leadership locks
//	wf:fired:{rule}:{d} string once-per-day guard for time rules
//
// Pub/sub channels: staff:live, staff:events, staff:alerts, staff:notify,
// geofence:invalidate.
type RedisStore struct {
	client *redis.Client
}

const (
	ChannelLive       = "staff:live"
	ChannelEvents     = "staff:events"
	ChannelAlerts     = "staff:alerts"
	ChannelNotify     = "staff:notify"
	ChannelInvalidate = "geofence:invalidate"

	keyLastSeen = "staff:lastseen"
	keyGeo      = "staff:geo"
)

func NewRedisStore(ctx context.Context, cfg *config.Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Client() *redis.Client {
	return r.client
}

// ── Live state ──────────────────────────────────────────────

// UpdateLiveState upserts the user's latest snapshot, refreshes last-seen and
// the geo index, and publishes the snapshot for websocket fan-out. One
// round-trip via pipeline.
func (r *RedisStore) UpdateLiveState(ctx context.Context, p *domain.LocationPing) error {
	stateData := map[string]interface{}{
		"user_id":       p.UserID,
		"full_name":     p.FullName,
		"lat":           p.Latitude,
		"lng":           p.Longitude,
		"accuracy_m":    p.AccuracyM,
		"battery_level": p.BatteryLevel,
		"gps_enabled":   p.GPSEnabled,
		"captured_at":   p.CapturedAt.Unix(),
		"received_at":   p.ReceivedAt.Unix(),
	}

	pubPayload, err := json.Marshal(stateData)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	stateKey := fmt.Sprintf("staff:%s:state", p.UserID)

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, stateKey, stateData)
	pipe.ZAdd(ctx, keyLastSeen, redis.Z{
		Score:  float64(p.CapturedAt.Unix()),
		Member: p.UserID,
	})
	pipe.GeoAdd(ctx, keyGeo, &redis.GeoLocation{
		Name:      p.UserID,
		Longitude: p.Longitude,
		Latitude:  p.Latitude,
	})
	pipe.Publish(ctx, ChannelLive, pubPayload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// LiveLocations returns every known user snapshot, most recent first.
func (r *RedisStore) LiveLocations(ctx context.Context) ([]domain.LiveLocation, error) {
	userIDs, err := r.client.ZRevRange(ctx, keyLastSeen, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lastseen read failed: %w", err)
	}
	if len(userIDs) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.HGetAll(ctx, fmt.Sprintf("staff:%s:state", id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("state read failed: %w", err)
	}

	locations := make([]domain.LiveLocation, 0, len(userIDs))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		loc := domain.LiveLocation{
			UserID:   fields["user_id"],
			FullName: fields["full_name"],
		}
		loc.Latitude, _ = strconv.ParseFloat(fields["lat"], 64)
		loc.Longitude, _ = strconv.ParseFloat(fields["lng"], 64)
		loc.AccuracyM, _ = strconv.ParseFloat(fields["accuracy_m"], 64)
		loc.Battery, _ = strconv.Atoi(fields["battery_level"])
		if ts, err := strconv.ParseInt(fields["captured_at"], 10, 64); err == nil {
			loc.UpdatedAt = time.Unix(ts, 0).UTC()
		}
		locations = append(locations, loc)
	}
	return locations, nil
}

// StaleUsers returns users whose last ping is older than cutoff.
func (r *RedisStore) StaleUsers(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := r.client.ZRangeByScore(ctx, keyLastSeen, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("stale user query failed: %w", err)
	}
	return ids, nil
}

// ActiveUserCount counts users that pinged since the cutoff.
func (r *RedisStore) ActiveUserCount(ctx context.Context, since time.Time) (int, error) {
	n, err := r.client.ZCount(ctx, keyLastSeen,
		strconv.FormatInt(since.Unix(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("active user count failed: %w", err)
	}
	return int(n), nil
}

// ── Geofence containment sets ───────────────────────────────

func (r *RedisStore) Containment(ctx context.Context, userID string) (map[string]bool, error) {
	members, err := r.client.SMembers(ctx, fmt.Sprintf("staff:%s:zones", userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("containment read failed: %w", err)
	}
	set := make(map[string]bool, len(members))
	for _, m := range members {
		set[m] = true
	}
	return set, nil
}

func (r *RedisStore) ApplyContainmentDiff(ctx context.Context, userID string, entered, exited []string) error {
	key := fmt.Sprintf("staff:%s:zones", userID)
	pipe := r.client.Pipeline()
	if len(entered) > 0 {
		pipe.SAdd(ctx, key, toAnySlice(entered)...)
	}
	if len(exited) > 0 {
		pipe.SRem(ctx, key, toAnySlice(exited)...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("containment update failed: %w", err)
	}
	return nil
}

func toAnySlice(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// ── Pub/sub ─────────────────────────────────────────────────

func (r *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *RedisStore) PublishJSON(ctx context.Context, channel string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("publish marshal failed: %w", err)
	}
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *RedisStore) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return r.client.Subscribe(ctx, channel)
}

func (r *RedisStore) PublishGeofenceInvalidate(ctx context.Context) error {
	return r.client.Publish(ctx, ChannelInvalidate, "1").Err()
}

// ── Auth ────────────────────────────────────────────────────

// StaffIdentity resolves an API key to (user_id, full_name). Empty user_id
// means unknown key.
func (r *RedisStore) StaffIdentity(ctx context.Context, apiKey string) (string, string, error) {
	fields, err := r.client.HGetAll(ctx, fmt.Sprintf("staff:auth:%s", apiKey)).Result()
	if err != nil {
		return "", "", fmt.Errorf("redis auth lookup failed: %w", err)
	}
	return fields["user_id"], fields["full_name"], nil
}

// ── Scheduler coordination ──────────────────────────────────

// AcquireLock takes a named leadership lock for ttl. Periodic jobs run only on
// the instance that wins the lock; it expires on its own, so a crashed holder
// never wedges the schedule.
func (r *RedisStore) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, "lock:"+name, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock acquire failed: %w", err)
	}
	return ok, nil
}

// MarkRuleFired is the once-per-day guard for time-triggered rules. Returns
// false when the rule already fired for that date on any instance.
func (r *RedisStore) MarkRuleFired(ctx context.Context, ruleID, date string) (bool, error) {
	key := fmt.Sprintf("wf:fired:%s:%s", ruleID, date)
	ok, err := r.client.SetNX(ctx, key, "1", 48*time.Hour).Result()
	if err != nil {
		return false, fmt.Errorf("rule fired guard failed: %w", err)
	}
	return ok, nil
}
