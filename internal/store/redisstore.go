package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client wraps the Redis client with the connection diagnostics the
// rest of this library expects.
type Client struct {
	*redis.Client
	log *zap.Logger
}

// ClientOptions configures a new Client.
type ClientOptions struct {
	Addr         string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
}

func (o *ClientOptions) setDefaults() {
	if o.Addr == "" {
		o.Addr = "localhost:6379"
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = 3 * time.Second
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 3 * time.Second
	}
	if o.PoolSize == 0 {
		o.PoolSize = 10
	}
	if o.MinIdleConns == 0 {
		o.MinIdleConns = 5
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
}

// NewClient creates a new Redis client with the given configuration
// and pings it once so connectivity problems surface at startup.
func NewClient(opts ClientOptions, log *zap.Logger) *Client {
	opts.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("redis")

	c := &Client{
		Client: redis.NewClient(&redis.Options{
			Addr:         opts.Addr,
			DB:           opts.DB,
			DialTimeout:  opts.DialTimeout,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
			PoolSize:     opts.PoolSize,
			MinIdleConns: opts.MinIdleConns,
			MaxRetries:   opts.MaxRetries,
		}),
		log: log,
	}
	c.ping()
	return c
}

func (c *Client) ping() {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.Client.Ping(ctx).Err()
	elapsed := time.Since(start)
	if err != nil {
		c.log.Warn("connection failed", zap.Error(err), zap.Duration("ping_rtt", elapsed))
		return
	}
	c.log.Info("connection established", zap.Duration("ping_rtt", elapsed))
}

// RedisStore implements Store atop a single Redis hash per record,
// using WATCH/MULTI/EXEC as the database's "atomic multi-op"
// primitive (spec.md's store adapter assumes such a primitive exists;
// Redis optimistic transactions play that role here).
type RedisStore struct {
	client *Client
	log    *zap.Logger

	// maxTxRetries bounds the WATCH/EXEC contention retry loop; a
	// record under heavy concurrent structural mutation can lose the
	// race a few times before winning, same shape as the lock
	// manager's own bounded retry (spec §4.1, §7).
	maxTxRetries int
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *Client, log *zap.Logger) *RedisStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisStore{client: client, log: log.Named("store"), maxTxRetries: 50}
}

func redisKey(k Key) string {
	ns := k.Namespace
	if ns == "" {
		ns = "default"
	}
	return ns + "/" + k.Set + "/" + k.UserKey
}

// record is the decoded, mutable view of a Redis hash used while a
// transaction is in flight: raw bin bytes plus a lazily-decoded map
// cache so repeated map ops against the same bin in one Operate call
// don't re-marshal on every step.
type record struct {
	bins   map[string][]byte
	maps   map[string]sortedMap
	exists bool
}

func loadRecord(raw map[string]string, exists bool) *record {
	bins := make(map[string][]byte, len(raw))
	for k, v := range raw {
		bins[k] = []byte(v)
	}
	return &record{bins: bins, maps: make(map[string]sortedMap), exists: exists}
}

func (r *record) mapBin(bin string) (sortedMap, error) {
	if m, ok := r.maps[bin]; ok {
		return m, nil
	}
	m, err := decodeSortedMap(r.bins[bin])
	if err != nil {
		return nil, err
	}
	r.maps[bin] = m
	return m, nil
}

func (r *record) setMapBin(bin string, m sortedMap) {
	r.maps[bin] = m
}

// flush serializes every touched map bin back into r.bins so the
// caller can write them out.
func (r *record) flush() error {
	for bin, m := range r.maps {
		enc, err := m.encode()
		if err != nil {
			return err
		}
		r.bins[bin] = enc
	}
	return nil
}

// Operate implements Store.
func (s *RedisStore) Operate(ctx context.Context, key Key, ops ...Op) ([]Result, error) {
	rk := redisKey(key)
	var results []Result

	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGetAll(ctx, rk).Result()
		if err != nil {
			return fmt.Errorf("hgetall: %w", err)
		}
		exists := len(raw) > 0
		if !exists {
			return ErrKeyNotFound
		}
		rec := loadRecord(raw, exists)

		results = make([]Result, len(ops))
		for i, op := range ops {
			res, err := applyOp(rec, op)
			if err != nil {
				return err
			}
			results[i] = res
		}
		if err := rec.flush(); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for bin, v := range rec.bins {
				p.HSet(ctx, rk, bin, v)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < s.maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, rk)
		if err == nil {
			return results, nil
		}
		if err == redis.TxFailedError {
			continue // optimistic-concurrency retry, same record changed under us
		}
		return nil, err
	}
	return nil, fmt.Errorf("operate %s: %w after %d retries", rk, ErrGenerationMismatch, s.maxTxRetries)
}

func applyOp(rec *record, op Op) (Result, error) {
	switch op.Kind {
	case OpBinGet:
		v, ok := rec.bins[op.Bin]
		if !ok {
			return Result{Found: false}, nil
		}
		return Result{Found: true, Value: string(v)}, nil

	case OpBinPut:
		if op.CreateOnly {
			if _, ok := rec.bins[op.Bin]; ok {
				return Result{}, ErrElementExists
			}
		}
		s, ok := op.Value.(string)
		if !ok {
			b, err := json.Marshal(op.Value)
			if err != nil {
				return Result{}, fmt.Errorf("bin put: marshal: %w", err)
			}
			s = string(b)
		}
		rec.bins[op.Bin] = []byte(s)
		return Result{}, nil

	case OpBinDelete:
		delete(rec.bins, op.Bin)
		return Result{}, nil

	default:
		m, err := rec.mapBin(op.Bin)
		if err != nil {
			return Result{}, err
		}
		newM, res, err := applyMapOp(m, op)
		if err != nil {
			return Result{}, err
		}
		rec.setMapBin(op.Bin, newM)
		if op.ReturnIndex && res.Found {
			res.Value = res.Index
		}
		return res, nil
	}
}

// CreateRecord implements Store.
func (s *RedisStore) CreateRecord(ctx context.Context, key Key, bins map[string]any, ops ...Op) ([]Result, error) {
	rk := redisKey(key)
	var results []Result

	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, rk).Result()
		if err != nil {
			return fmt.Errorf("exists: %w", err)
		}
		if n > 0 {
			return ErrKeyExists
		}

		rec := &record{bins: make(map[string][]byte), maps: make(map[string]sortedMap), exists: false}
		for bin, v := range bins {
			if s, ok := v.(string); ok {
				rec.bins[bin] = []byte(s)
				continue
			}
			b, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("create: marshal bin %s: %w", bin, err)
			}
			rec.bins[bin] = b
		}

		results = make([]Result, len(ops))
		for i, op := range ops {
			res, err := applyOp(rec, op)
			if err != nil {
				return err
			}
			results[i] = res
		}
		if err := rec.flush(); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for bin, v := range rec.bins {
				p.HSet(ctx, rk, bin, v)
			}
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, rk)
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key Key, bins ...string) (map[string]any, error) {
	rk := redisKey(key)
	var raw map[string]string
	var err error
	if len(bins) == 0 {
		raw, err = s.client.HGetAll(ctx, rk).Result()
	} else {
		vals, gerr := s.client.HMGet(ctx, rk, bins...).Result()
		err = gerr
		if err == nil {
			raw = make(map[string]string, len(bins))
			for i, v := range vals {
				if v == nil {
					continue
				}
				if str, ok := v.(string); ok {
					raw[bins[i]] = str
				}
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", rk, err)
	}
	if len(raw) == 0 {
		return nil, ErrKeyNotFound
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	return out, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, key Key, bins map[string]any, ttlSeconds int64) error {
	rk := redisKey(key)
	fields := make(map[string]any, len(bins))
	for bin, v := range bins {
		if str, ok := v.(string); ok {
			fields[bin] = str
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("put %s: marshal bin %s: %w", rk, bin, err)
		}
		fields[bin] = b
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, rk, fields)
	if ttlSeconds > 0 {
		pipe.Expire(ctx, rk, time.Duration(ttlSeconds)*time.Second)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put %s: %w", rk, err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key Key) (bool, error) {
	rk := redisKey(key)
	n, err := s.client.Del(ctx, rk).Result()
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", rk, err)
	}
	return n > 0, nil
}

// Add implements Store.
func (s *RedisStore) Add(ctx context.Context, key Key, bin string, delta int64) (int64, error) {
	rk := redisKey(key)
	v, err := s.client.HIncrBy(ctx, rk, bin, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("add %s/%s: %w", rk, bin, err)
	}
	return v, nil
}

// BatchGet implements Store.
func (s *RedisStore) BatchGet(ctx context.Context, keys []Key, bin string) ([]any, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGet(ctx, redisKey(k), bin)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("batch get: %w", err)
	}
	out := make([]any, len(keys))
	for i, cmd := range cmds {
		v, err := cmd.Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("batch get %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// NowMillis returns the current wall-clock time in epoch
// milliseconds, the unit spec.md's expiryEpochMs is expressed in.
func NowMillis() int64 { return time.Now().UnixMilli() }

// FormatInt64 and ParseInt64 are small helpers kept here so callers
// encoding block ids (which travel as map values and bin strings
// interchangeably) don't each reimplement base-10 formatting.
func FormatInt64(v int64) string { return strconv.FormatInt(v, 10) }
func ParseInt64(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) }
