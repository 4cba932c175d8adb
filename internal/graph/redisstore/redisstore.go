// Package redisstore is a graph backend that keeps nodes in Redis hashes and
// broadcasts accepted writes over Redis pub/sub, so every process attached to
// the same Redis observes each other's writes.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"feedgraph/internal/graph"
	"feedgraph/internal/observability"

	"github.com/redis/go-redis/v9"
)

const (
	nodePrefix    = "g:"
	statePrefix   = "gs:"
	channelPrefix = "gc:"
	controlChan   = "gc:__control"
)

// mergeScript applies a field set with last-write-wins semantics atomically.
// KEYS[1] holds values, KEYS[2] holds write states. ARGV[1] is "1" for an
// append-only soul, ARGV[2] the write state, then field/value pairs.
var mergeScript = redis.NewScript(`
local immutable = ARGV[1] == "1"
local state = tonumber(ARGV[2])
local accepted = {}
for i = 3, #ARGV, 2 do
  local field = ARGV[i]
  local value = ARGV[i + 1]
  local cur = redis.call("HGET", KEYS[2], field)
  local apply = false
  if not cur then
    apply = true
  elseif not immutable then
    local cs = tonumber(cur)
    if state > cs then
      apply = true
    elseif state == cs then
      local cv = redis.call("HGET", KEYS[1], field)
      if (not cv) or value > cv then
        apply = true
      end
    end
  end
  if apply then
    redis.call("HSET", KEYS[1], field, value)
    redis.call("HSET", KEYS[2], field, ARGV[2])
    table.insert(accepted, field)
  end
end
return accepted
`)

type message struct {
	Soul  string `json:"soul"`
	Key   string `json:"k"`
	Value string `json:"v"`
	State int64  `json:"s"`
}

// Store is a Redis-backed graph replica.
type Store struct {
	rdb    *redis.Client
	ps     *redis.PubSub
	hub    *graph.Hub
	logger *observability.StoreLogger

	// subMu serializes channel subscription changes with their network calls.
	subMu sync.Mutex

	mu     sync.Mutex
	refs   map[string]int
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

type metricsHook struct{}

func (metricsHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (metricsHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if err != nil && !errors.Is(err, redis.Nil) {
			observability.StoreErrors.WithLabelValues("redis", cmd.Name()).Inc()
		}
		return err
	}
}

func (metricsHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		if err != nil && !errors.Is(err, redis.Nil) {
			observability.StoreErrors.WithLabelValues("redis", "pipeline").Inc()
		}
		return err
	}
}

// Dial connects to Redis at addr, which is either host:port or a redis:// URL.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	var opts *redis.Options
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url %q: %w", addr, err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr}
	}

	client := redis.NewClient(opts)
	client.AddHook(metricsHook{})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// New attaches a Store to rdb. The caller keeps ownership of rdb.
func New(ctx context.Context, rdb *redis.Client) (*Store, error) {
	ps := rdb.Subscribe(ctx, controlChan)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		rdb:    rdb,
		ps:     ps,
		hub:    graph.NewHub(),
		logger: observability.NewStoreLogger("redis"),
		refs:   make(map[string]int),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.pump(pumpCtx)
	return s, nil
}

// Name implements graph.Backend.
func (s *Store) Name() string { return "redis" }

func nodeKey(soul string) string    { return nodePrefix + soul }
func stateKey(soul string) string   { return statePrefix + soul }
func channelKey(soul string) string { return channelPrefix + soul }

// Merge implements graph.Backend.
func (s *Store) Merge(ctx context.Context, soul string, fields map[string]any, state int64) ([]graph.Change, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	defer observability.TrackStoreOp("redis", "merge")()

	immutable := "0"
	if graph.ContentAddressed(soul) {
		immutable = "1"
	}
	args := []any{immutable, strconv.FormatInt(state, 10)}
	values := make(map[string]any, len(fields))
	encoded := make(map[string]string, len(fields))
	for _, k := range graph.SortedKeys(fields) {
		v, err := graph.Normalize(fields[k])
		if err != nil {
			return nil, err
		}
		enc, err := graph.Encode(v)
		if err != nil {
			return nil, err
		}
		values[k] = v
		encoded[k] = enc
		args = append(args, k, enc)
	}

	accepted, err := mergeScript.Run(ctx, s.rdb, []string{nodeKey(soul), stateKey(soul)}, args...).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		s.logger.LogError(ctx, err, "merge", soul)
		return nil, fmt.Errorf("redis merge: %w", err)
	}
	if len(accepted) == 0 {
		return nil, nil
	}

	changes := make([]graph.Change, 0, len(accepted))
	pipe := s.rdb.Pipeline()
	for _, k := range accepted {
		changes = append(changes, graph.Change{Soul: soul, Key: k, Value: values[k], State: state})
		payload, err := json.Marshal(message{Soul: soul, Key: k, Value: encoded[k], State: state})
		if err != nil {
			return changes, fmt.Errorf("encode change: %w", err)
		}
		pipe.Publish(ctx, channelKey(soul), payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.LogError(ctx, err, "publish", soul)
		return changes, fmt.Errorf("redis publish: %w", err)
	}
	s.logger.LogWrite(ctx, soul, len(changes))
	return changes, nil
}

// Read implements graph.Backend.
func (s *Store) Read(ctx context.Context, soul string) (graph.Node, error) {
	defer observability.TrackStoreOp("redis", "read")()

	raw, err := s.rdb.HGetAll(ctx, nodeKey(soul)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		s.logger.LogError(ctx, err, "read", soul)
		return nil, fmt.Errorf("redis read: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	node := make(graph.Node, len(raw))
	for k, enc := range raw {
		v, err := graph.Decode(enc)
		if err != nil {
			s.logger.LogError(ctx, err, "decode", soul)
			continue
		}
		node[k] = v
	}
	return node, nil
}

// ReadField implements graph.Backend.
func (s *Store) ReadField(ctx context.Context, soul, key string) (any, bool, error) {
	defer observability.TrackStoreOp("redis", "read_field")()

	enc, err := s.rdb.HGet(ctx, nodeKey(soul), key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		s.logger.LogError(ctx, err, "read_field", soul)
		return nil, false, fmt.Errorf("redis read: %w", err)
	}
	v, err := graph.Decode(enc)
	if err != nil {
		s.logger.LogError(ctx, err, "decode", soul)
		return nil, false, nil
	}
	return v, true, nil
}

// Watch implements graph.Backend. The first watcher of a soul subscribes its
// channel; the last one to stop unsubscribes it.
func (s *Store) Watch(soul string, fn func(graph.Change)) (func(), error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("redisstore: closed")
	}
	s.refs[soul]++
	first := s.refs[soul] == 1
	s.mu.Unlock()

	if first {
		if err := s.ps.Subscribe(context.Background(), channelKey(soul)); err != nil {
			s.releaseLocked(soul)
			return nil, fmt.Errorf("redis subscribe %s: %w", soul, err)
		}
	}
	stopHub := s.hub.Watch(soul, fn)

	var once sync.Once
	return func() {
		once.Do(func() {
			stopHub()
			s.release(soul)
		})
	}, nil
}

func (s *Store) release(soul string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.releaseLocked(soul)
}

// releaseLocked drops one reference to soul's channel. subMu must be held.
func (s *Store) releaseLocked(soul string) {
	s.mu.Lock()
	s.refs[soul]--
	last := s.refs[soul] <= 0
	if last {
		delete(s.refs, soul)
	}
	closed := s.closed
	s.mu.Unlock()

	if last && !closed {
		if err := s.ps.Unsubscribe(context.Background(), channelKey(soul)); err != nil {
			s.logger.LogError(context.Background(), err, "unsubscribe", soul)
		}
	}
}

func (s *Store) pump(ctx context.Context) {
	defer close(s.done)
	ch := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Channel == controlChan {
				continue
			}
			s.dispatch(msg.Payload)
		}
	}
}

func (s *Store) dispatch(payload string) {
	defer func() {
		if r := recover(); r != nil {
			observability.GlobalLogger.Error("panic in redis change pump",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	var m message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		s.logger.LogError(context.Background(), err, "decode_change", "")
		return
	}
	v, err := graph.Decode(m.Value)
	if err != nil {
		s.logger.LogError(context.Background(), err, "decode_change", m.Soul)
		return
	}
	s.hub.Publish([]graph.Change{{Soul: m.Soul, Key: m.Key, Value: v, State: m.State}})
}

// Close stops the change pump. The Redis client stays open.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	err := s.ps.Close()
	<-s.done
	return err
}
