package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/radiusdt/leadpulse/internal/models"
	"github.com/redis/go-redis/v9"
)

// Key layout, all under a configurable prefix. Every kind has its own leading
// segment and no segment is a prefix of another, so ids containing ':' cannot
// reach another kind's keys.
//
//	seq:events                  INCR counter for event sequence numbers
//	event:{id}                  event JSON
//	asset-events:{id}           ZSET of event ids scored by unix millis
//	visitor-events:{id}         ZSET of event ids scored by unix millis
//	analytics:{id}              aggregate JSON
//	lead:{id}                   lead JSON
//	asset-leads:{id}            ZSET of lead ids scored by convertedAt millis
//	asset:{id}                  directory entry JSON
//	owner-assets:{id}           SET of asset ids
//	asset-lock:{id}             lease token of the asset's writer

const mgetChunk = 500

type redisKeys struct {
	prefix string
}

func (k redisKeys) seq() string                    { return k.prefix + "seq:events" }
func (k redisKeys) event(id string) string         { return k.prefix + "event:" + id }
func (k redisKeys) assetEvents(id string) string   { return k.prefix + "asset-events:" + id }
func (k redisKeys) visitorEvents(id string) string { return k.prefix + "visitor-events:" + id }
func (k redisKeys) analytics(id string) string     { return k.prefix + "analytics:" + id }
func (k redisKeys) lead(id string) string          { return k.prefix + "lead:" + id }
func (k redisKeys) assetLeads(id string) string    { return k.prefix + "asset-leads:" + id }
func (k redisKeys) asset(id string) string         { return k.prefix + "asset:" + id }
func (k redisKeys) ownerAssets(id string) string   { return k.prefix + "owner-assets:" + id }
func (k redisKeys) assetLock(id string) string     { return k.prefix + "asset-lock:" + id }

// NewRedisStores returns Redis-backed stores sharing one client.
func NewRedisStores(client *redis.Client, prefix string, casAttempts int, lease time.Duration) Stores {
	return Stores{
		Events:     NewRedisEventStore(client, prefix),
		Aggregates: NewRedisAggregateStore(client, prefix, casAttempts),
		Leads:      NewRedisLeadStore(client, prefix),
		Assets:     NewRedisAssetDirectory(client, prefix),
		Locks:      NewRedisAssetLocker(client, prefix, lease),
	}
}

// =============================================
// Events
// =============================================

// RedisEventStore implements EventStore on JSON values plus sorted-set indexes.
type RedisEventStore struct {
	client *redis.Client
	keys   redisKeys
}

func NewRedisEventStore(client *redis.Client, prefix string) *RedisEventStore {
	return &RedisEventStore{client: client, keys: redisKeys{prefix: prefix}}
}

// appendScript writes the event body and both indexes unless the id exists.
// KEYS: event, asset-events, visitor-events. ARGV: body, score, id.
var appendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[3])
return 1
`)

func (s *RedisEventStore) Append(ctx context.Context, ev *models.TrackingEvent) error {
	exists, err := s.client.Exists(ctx, s.keys.event(ev.ID)).Result()
	if err != nil {
		return unavailable("append event", err)
	}
	if exists > 0 {
		return fmt.Errorf("event %s: %w", ev.ID, ErrDuplicateEvent)
	}

	seq, err := s.client.Incr(ctx, s.keys.seq()).Result()
	if err != nil {
		return unavailable("append event", err)
	}
	ev.Seq = seq

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	score := float64(ev.Timestamp.UnixMilli())

	// The script keeps the value and both indexes in step and settles races
	// between two writers of the same id.
	keys := []string{s.keys.event(ev.ID), s.keys.assetEvents(ev.AssetID), s.keys.visitorEvents(ev.VisitorID)}
	written, err := appendScript.Run(ctx, s.client, keys, data, score, ev.ID).Int()
	if err != nil {
		return unavailable("append event", err)
	}
	if written == 0 {
		return fmt.Errorf("event %s: %w", ev.ID, ErrDuplicateEvent)
	}
	return nil
}

func (s *RedisEventStore) QueryByAsset(ctx context.Context, assetIDs []string, since time.Time) ([]models.TrackingEvent, error) {
	ids := dedupe(assetIDs)
	if len(ids) == 0 {
		return []models.TrackingEvent{}, nil
	}

	lower := "-inf"
	if !since.IsZero() {
		lower = strconv.FormatInt(since.UnixMilli(), 10)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringSliceCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.ZRangeByScore(ctx, s.keys.assetEvents(id), &redis.ZRangeBy{Min: lower, Max: "+inf"})
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("query events by asset", err)
	}

	var eventIDs []string
	for _, cmd := range cmds {
		eventIDs = append(eventIDs, cmd.Val()...)
	}

	events, err := s.load(ctx, eventIDs)
	if err != nil {
		return nil, err
	}
	models.SortEvents(events)
	return events, nil
}

func (s *RedisEventStore) QueryByVisitor(ctx context.Context, visitorID string) ([]models.TrackingEvent, error) {
	eventIDs, err := s.client.ZRange(ctx, s.keys.visitorEvents(visitorID), 0, -1).Result()
	if err != nil {
		return nil, unavailable("query events by visitor", err)
	}
	events, err := s.load(ctx, eventIDs)
	if err != nil {
		return nil, err
	}
	models.SortEvents(events)
	return events, nil
}

func (s *RedisEventStore) FirstEventOfKind(ctx context.Context, assetID, visitorID string, kind models.EventKind) (*models.TrackingEvent, error) {
	events, err := s.QueryByVisitor(ctx, visitorID)
	if err != nil {
		return nil, err
	}
	for i := range events {
		if events[i].AssetID == assetID && events[i].Kind == kind {
			return &events[i], nil
		}
	}
	return nil, nil
}

// load fetches event bodies in MGET chunks. Ids whose body is missing are skipped.
func (s *RedisEventStore) load(ctx context.Context, ids []string) ([]models.TrackingEvent, error) {
	events := make([]models.TrackingEvent, 0, len(ids))
	for start := 0; start < len(ids); start += mgetChunk {
		end := min(start+mgetChunk, len(ids))
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, s.keys.event(id))
		}
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, unavailable("load events", err)
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			var ev models.TrackingEvent
			if err := json.Unmarshal([]byte(str), &ev); err != nil {
				return nil, fmt.Errorf("decode event %s: %w", ids[start+i], err)
			}
			events = append(events, ev)
		}
	}
	return events, nil
}

// =============================================
// Aggregates
// =============================================

// RedisAggregateStore updates records with WATCH/MULTI optimistic transactions.
type RedisAggregateStore struct {
	client      *redis.Client
	keys        redisKeys
	maxAttempts int
	onConflict  func()
}

func NewRedisAggregateStore(client *redis.Client, prefix string, maxAttempts int) *RedisAggregateStore {
	if maxAttempts <= 0 {
		maxAttempts = 16
	}
	return &RedisAggregateStore{client: client, keys: redisKeys{prefix: prefix}, maxAttempts: maxAttempts}
}

// OnConflict registers fn to run each time a watched key changed under an update.
func (s *RedisAggregateStore) OnConflict(fn func()) {
	s.onConflict = fn
}

func (s *RedisAggregateStore) Get(ctx context.Context, assetID string) (*models.AssetAnalytics, error) {
	raw, err := s.client.Get(ctx, s.keys.analytics(assetID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get analytics", err)
	}
	return decodeAnalytics(assetID, raw)
}

func (s *RedisAggregateStore) GetMany(ctx context.Context, assetIDs []string) (map[string]*models.AssetAnalytics, error) {
	ids := dedupe(assetIDs)
	result := make(map[string]*models.AssetAnalytics, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.keys.analytics(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("get analytics", err)
	}

	var firstErr error
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		a, err := decodeAnalytics(ids[i], []byte(str))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		result[ids[i]] = a
	}
	return result, firstErr
}

func (s *RedisAggregateStore) Update(ctx context.Context, assetID string, fn func(a *models.AssetAnalytics)) (*models.AssetAnalytics, error) {
	key := s.keys.analytics(assetID)

	var updated *models.AssetAnalytics
	txf := func(tx *redis.Tx) error {
		a := models.NewAssetAnalytics(assetID)
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if a, err = decodeAnalytics(assetID, raw); err != nil {
				return err
			}
		}

		fn(a)
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err == nil {
			updated = a
		}
		return err
	}

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			if s.onConflict != nil {
				s.onConflict()
			}
			continue
		}
		return nil, unavailable("update analytics", err)
	}
	return nil, fmt.Errorf("update analytics %s after %d attempts: %w", assetID, s.maxAttempts, ErrConflict)
}

func (s *RedisAggregateStore) Replace(ctx context.Context, a *models.AssetAnalytics) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return unavailable("replace analytics", s.client.Set(ctx, s.keys.analytics(a.AssetID), data, 0).Err())
}

func (s *RedisAggregateStore) Delete(ctx context.Context, assetID string) error {
	return unavailable("delete analytics", s.client.Del(ctx, s.keys.analytics(assetID)).Err())
}

// =============================================
// Leads
// =============================================

type RedisLeadStore struct {
	client *redis.Client
	keys   redisKeys
}

func NewRedisLeadStore(client *redis.Client, prefix string) *RedisLeadStore {
	return &RedisLeadStore{client: client, keys: redisKeys{prefix: prefix}}
}

func (s *RedisLeadStore) Upsert(ctx context.Context, lead *models.Lead) error {
	data, err := json.Marshal(lead)
	if err != nil {
		return fmt.Errorf("encode lead: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.keys.lead(lead.ID), data, 0)
		pipe.ZAdd(ctx, s.keys.assetLeads(lead.AssetID), redis.Z{
			Score:  float64(lead.ConvertedAt.UnixMilli()),
			Member: lead.ID,
		})
		return nil
	})
	return unavailable("upsert lead", err)
}

func (s *RedisLeadStore) ListByAssets(ctx context.Context, assetIDs []string, since time.Time, limit int) ([]models.Lead, error) {
	ids := dedupe(assetIDs)
	if len(ids) == 0 {
		return []models.Lead{}, nil
	}

	lower := "-inf"
	if !since.IsZero() {
		lower = strconv.FormatInt(since.UnixMilli(), 10)
	}

	// Each asset contributes at most limit candidates; the merge below trims.
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringSliceCmd, len(ids))
	for i, id := range ids {
		by := &redis.ZRangeBy{Min: lower, Max: "+inf"}
		if limit > 0 {
			by.Count = int64(limit)
		}
		cmds[i] = pipe.ZRevRangeByScore(ctx, s.keys.assetLeads(id), by)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("list leads", err)
	}

	var leadIDs []string
	for _, cmd := range cmds {
		leadIDs = append(leadIDs, cmd.Val()...)
	}

	leads := make([]models.Lead, 0, len(leadIDs))
	for start := 0; start < len(leadIDs); start += mgetChunk {
		end := min(start+mgetChunk, len(leadIDs))
		keys := make([]string, 0, end-start)
		for _, id := range leadIDs[start:end] {
			keys = append(keys, s.keys.lead(id))
		}
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, unavailable("load leads", err)
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			var l models.Lead
			if err := json.Unmarshal([]byte(str), &l); err != nil {
				return nil, fmt.Errorf("decode lead %s: %w", leadIDs[start+i], err)
			}
			leads = append(leads, l)
		}
	}

	SortLeadsNewestFirst(leads)
	if limit > 0 && len(leads) > limit {
		leads = leads[:limit]
	}
	return leads, nil
}

func (s *RedisLeadStore) DeleteByAsset(ctx context.Context, assetID string) error {
	setKey := s.keys.assetLeads(assetID)
	ids, err := s.client.ZRange(ctx, setKey, 0, -1).Result()
	if err != nil {
		return unavailable("delete leads", err)
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, s.keys.lead(id))
	}
	keys = append(keys, setKey)
	return unavailable("delete leads", s.client.Del(ctx, keys...).Err())
}

// =============================================
// Asset directory
// =============================================

type RedisAssetDirectory struct {
	client *redis.Client
	keys   redisKeys
}

func NewRedisAssetDirectory(client *redis.Client, prefix string) *RedisAssetDirectory {
	return &RedisAssetDirectory{client: client, keys: redisKeys{prefix: prefix}}
}

func (d *RedisAssetDirectory) Upsert(ctx context.Context, a *models.Asset) error {
	if a == nil {
		return nil
	}
	prev, err := d.Get(ctx, a.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode asset: %w", err)
	}
	_, err = d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if prev != nil && prev.OwnerID != a.OwnerID {
			pipe.SRem(ctx, d.keys.ownerAssets(prev.OwnerID), a.ID)
		}
		pipe.Set(ctx, d.keys.asset(a.ID), data, 0)
		pipe.SAdd(ctx, d.keys.ownerAssets(a.OwnerID), a.ID)
		return nil
	})
	return unavailable("upsert asset", err)
}

func (d *RedisAssetDirectory) Get(ctx context.Context, id string) (*models.Asset, error) {
	raw, err := d.client.Get(ctx, d.keys.asset(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get asset", err)
	}
	var a models.Asset
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode asset %s: %w", id, err)
	}
	return &a, nil
}

func (d *RedisAssetDirectory) ListByOwner(ctx context.Context, ownerID string) ([]models.Asset, error) {
	ids, err := d.client.SMembers(ctx, d.keys.ownerAssets(ownerID)).Result()
	if err != nil {
		return nil, unavailable("list assets", err)
	}
	res := make([]models.Asset, 0, len(ids))
	if len(ids) == 0 {
		return res, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = d.keys.asset(id)
	}
	vals, err := d.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("list assets", err)
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var a models.Asset
		if err := json.Unmarshal([]byte(str), &a); err != nil {
			return nil, fmt.Errorf("decode asset %s: %w", ids[i], err)
		}
		res = append(res, a)
	}
	sortAssets(res)
	return res, nil
}

func (d *RedisAssetDirectory) Delete(ctx context.Context, id string) error {
	a, err := d.Get(ctx, id)
	if err != nil {
		return err
	}
	_, err = d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, d.keys.asset(id))
		pipe.SRem(ctx, d.keys.ownerAssets(a.OwnerID), id)
		return nil
	})
	return unavailable("delete asset", err)
}

// =============================================
// Asset locks
// =============================================

// releaseScript deletes the lock only while it still holds our token, so an
// expired lease taken over by another writer is left alone.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisAssetLocker implements AssetLocker with SET NX PX leases. A holder
// that dies keeps the asset locked until its lease expires.
type RedisAssetLocker struct {
	client *redis.Client
	keys   redisKeys
	lease  time.Duration
}

func NewRedisAssetLocker(client *redis.Client, prefix string, lease time.Duration) *RedisAssetLocker {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	return &RedisAssetLocker{client: client, keys: redisKeys{prefix: prefix}, lease: lease}
}

func (l *RedisAssetLocker) Lock(ctx context.Context, assetID string) (func(), error) {
	key := l.keys.assetLock(assetID)
	token := uuid.NewString()

	backoff := 2 * time.Millisecond
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.lease).Result()
		if err != nil {
			return nil, unavailable("lock asset", err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, unavailable("lock asset", ctx.Err())
		case <-timer.C:
		}
		backoff = min(backoff*2, 50*time.Millisecond)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}, nil
}
