package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrRootValue is returned when a non-node value is put at a ref without a parent.
var ErrRootValue = errors.New("graph: only nodes can be put at a root soul")

// Graph is the chain-style client over a Backend. It owns the event loop all
// listener callbacks are delivered on and every listener registered through it.
type Graph struct {
	backend Backend
	clock   *Clock
	loop    *dispatcher
	logger  *slog.Logger
	newSoul func() string
	onDelta func(int)

	mu        sync.Mutex
	nextID    uint64
	listeners map[uint64]*Listener
	closed    bool
}

// Option configures a Graph.
type Option func(*Graph)

// WithLogger sets the logger used for listener failures.
func WithLogger(l *slog.Logger) Option {
	return func(g *Graph) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithClock overrides the wall clock used for write states.
func WithClock(now func() time.Time) Option {
	return func(g *Graph) { g.clock = NewClock(now) }
}

// WithSoulGenerator overrides how Set generates fresh souls.
func WithSoulGenerator(fn func() string) Option {
	return func(g *Graph) {
		if fn != nil {
			g.newSoul = fn
		}
	}
}

// WithListenerHook is called with +1/-1 whenever a listener attaches or detaches.
func WithListenerHook(fn func(delta int)) Option {
	return func(g *Graph) { g.onDelta = fn }
}

// New returns a Graph over backend.
func New(backend Backend, opts ...Option) *Graph {
	g := &Graph{
		backend:   backend,
		clock:     NewClock(nil),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		newSoul:   func() string { return ulid.Make().String() },
		listeners: make(map[uint64]*Listener),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.loop = newDispatcher(g.logger)
	return g
}

// Backend returns the underlying replica.
func (g *Graph) Backend() Backend { return g.backend }

// Get returns a ref to the root node with the given soul.
func (g *Graph) Get(soul string) *Ref {
	return &Ref{g: g, soul: soul}
}

// ActiveListeners returns the number of listeners not yet detached.
func (g *Graph) ActiveListeners() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.listeners)
}

// Close detaches every listener, stops the event loop and closes the backend.
func (g *Graph) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	ls := make([]*Listener, 0, len(g.listeners))
	for _, l := range g.listeners {
		ls = append(ls, l)
	}
	g.mu.Unlock()

	for _, l := range ls {
		l.Off()
	}
	g.loop.close()
	return g.backend.Close()
}

func (g *Graph) merge(ctx context.Context, soul string, fields map[string]any, state int64) error {
	if _, err := g.backend.Merge(ctx, soul, fields, state); err != nil {
		return fmt.Errorf("merge %s: %w", soul, err)
	}
	return nil
}

func (g *Graph) readNode(ctx context.Context, soul string) (any, error) {
	n, err := g.backend.Read(ctx, soul)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", soul, err)
	}
	if len(n) == 0 {
		return nil, nil
	}
	return n, nil
}

func (g *Graph) newListener(soul string) *Listener {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	l := &Listener{id: g.nextID, g: g, soul: soul}
	if g.closed {
		l.off.Store(true)
		return l
	}
	g.listeners[l.id] = l
	if g.onDelta != nil {
		g.onDelta(1)
	}
	return l
}

func (g *Graph) forget(l *Listener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.listeners[l.id]; ok {
		delete(g.listeners, l.id)
		if g.onDelta != nil {
			g.onDelta(-1)
		}
	}
}

func (g *Graph) watch(l *Listener, soul string, fn func(Change)) {
	stop, err := g.backend.Watch(soul, func(c Change) {
		g.loop.enqueue(func() {
			if l.Active() {
				fn(c)
			}
		})
	})
	if err != nil {
		g.logger.Error("graph watch failed", slog.String("soul", soul), slog.String("error", err.Error()))
		return
	}
	l.addStop(stop)
}

// Ref is a path handle. Navigation never performs I/O.
type Ref struct {
	g      *Graph
	soul   string
	parent *Ref
	key    string
}

// Get navigates to the child key. The child's node soul is the parent soul
// joined with key.
func (r *Ref) Get(key string) *Ref {
	return &Ref{g: r.g, soul: r.soul + "/" + key, parent: r, key: key}
}

// Soul returns the soul of the node this ref addresses.
func (r *Ref) Soul() string { return r.soul }

// Key returns the field name of this ref in its parent.
func (r *Ref) Key() string { return r.key }

// Back returns the parent ref, or nil at a root.
func (r *Ref) Back() *Ref { return r.parent }

// Put merge-writes value. Maps become fields of this ref's node (nested maps
// become linked child nodes) and the node is linked from its parent. Any
// other value, including nil, is written into the parent's field.
func (r *Ref) Put(ctx context.Context, value any) error {
	state := r.g.clock.Next()
	switch v := value.(type) {
	case map[string]any:
		if err := r.putNode(ctx, v, state); err != nil {
			return err
		}
		return r.linkUp(ctx, state)
	case Node:
		if err := r.putNode(ctx, v, state); err != nil {
			return err
		}
		return r.linkUp(ctx, state)
	case *Ref:
		return r.putField(ctx, Link{Soul: v.soul}, state)
	default:
		return r.putField(ctx, value, state)
	}
}

func (r *Ref) putNode(ctx context.Context, fields map[string]any, state int64) error {
	flat := make(map[string]any, len(fields))
	for _, k := range SortedKeys(fields) {
		switch v := fields[k].(type) {
		case map[string]any:
			child := r.Get(k)
			if err := child.putNode(ctx, v, state); err != nil {
				return err
			}
			flat[k] = Link{Soul: child.soul}
		case Node:
			child := r.Get(k)
			if err := child.putNode(ctx, v, state); err != nil {
				return err
			}
			flat[k] = Link{Soul: child.soul}
		case *Ref:
			flat[k] = Link{Soul: v.soul}
		default:
			n, err := Normalize(v)
			if err != nil {
				return fmt.Errorf("field %s: %w", k, err)
			}
			flat[k] = n
		}
	}
	if len(flat) == 0 {
		return nil
	}
	return r.g.merge(ctx, r.soul, flat, state)
}

func (r *Ref) putField(ctx context.Context, value any, state int64) error {
	if r.parent == nil {
		return ErrRootValue
	}
	n, err := Normalize(value)
	if err != nil {
		return err
	}
	if err := r.g.merge(ctx, r.parent.soul, map[string]any{r.key: n}, state); err != nil {
		return err
	}
	return r.parent.linkUp(ctx, state)
}

// linkUp links r into its parent and so on to the root so the whole path is
// reachable by iterating from any ancestor.
func (r *Ref) linkUp(ctx context.Context, state int64) error {
	for cur := r; cur.parent != nil; cur = cur.parent {
		if err := cur.g.merge(ctx, cur.parent.soul, map[string]any{cur.key: Link{Soul: cur.soul}}, state); err != nil {
			return err
		}
	}
	return nil
}

// Set appends fields as a new node with a freshly generated soul and links it
// from this ref's node under that soul.
func (r *Ref) Set(ctx context.Context, fields map[string]any) (*Ref, error) {
	soul := r.g.newSoul()
	child := &Ref{g: r.g, soul: soul, parent: r, key: soul}
	state := r.g.clock.Next()
	if err := child.putNode(ctx, fields, state); err != nil {
		return nil, err
	}
	if err := child.linkUp(ctx, state); err != nil {
		return child, err
	}
	return child, nil
}

// Once reads the current value: the parent's field when it is a primitive,
// the linked node when it is a link, otherwise this ref's own node. Unknown
// values read as nil.
func (r *Ref) Once(ctx context.Context) (any, error) {
	if r.parent != nil {
		v, ok, err := r.Raw(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			if l, ok := AsLink(v); ok {
				return r.g.readNode(ctx, l.Soul)
			}
			return v, nil
		}
	}
	return r.g.readNode(ctx, r.soul)
}

// Raw reads the parent's field without following links. ok is false when the
// field has never been written; a tombstone reads as (nil, true).
func (r *Ref) Raw(ctx context.Context) (value any, ok bool, err error) {
	if r.parent == nil {
		return nil, false, nil
	}
	value, ok, err = r.g.backend.ReadField(ctx, r.parent.soul, r.key)
	if err != nil {
		return nil, false, fmt.Errorf("read %s.%s: %w", r.parent.soul, r.key, err)
	}
	return value, ok, nil
}

// OnceNode reads this ref's node; nil when unknown or not a node.
func (r *Ref) OnceNode(ctx context.Context) (Node, error) {
	v, err := r.Once(ctx)
	if err != nil {
		return nil, err
	}
	n, _ := AsNode(v)
	return n, nil
}

// On delivers the current value and then the value after every change to the
// parent's field or to this ref's node.
func (r *Ref) On(fn func(any)) *Listener {
	l := r.g.newListener(r.soul)
	if !l.Active() {
		return l
	}
	deliver := func() {
		v, err := r.Once(context.Background())
		if err != nil {
			r.g.logger.Warn("graph on read failed", slog.String("soul", r.soul), slog.String("error", err.Error()))
			return
		}
		if l.Active() {
			fn(v)
		}
	}
	if r.parent != nil {
		r.g.watch(l, r.parent.soul, func(c Change) {
			if c.Key == r.key {
				deliver()
			}
		})
	}
	r.g.watch(l, r.soul, func(Change) { deliver() })
	r.g.loop.enqueue(func() {
		if l.Active() {
			deliver()
		}
	})
	return l
}

// Off detaches every listener rooted at this ref.
func (r *Ref) Off() {
	r.g.mu.Lock()
	var ls []*Listener
	for _, l := range r.g.listeners {
		if l.soul == r.soul {
			ls = append(ls, l)
		}
	}
	r.g.mu.Unlock()
	for _, l := range ls {
		l.Off()
	}
}

// Map iterates the children of this ref's node.
func (r *Ref) Map() *MapRef {
	return &MapRef{ref: r}
}

// MapRef is the iteration view of a node.
type MapRef struct {
	ref *Ref
}

// On replays every current child and then every subsequent child write. The
// same child may be delivered any number of times; tombstoned children are
// delivered with a nil value.
func (m *MapRef) On(fn func(key string, value any)) *Listener {
	g := m.ref.g
	soul := m.ref.soul
	l := g.newListener(soul)
	if !l.Active() {
		return l
	}
	g.watch(l, soul, func(c Change) { fn(c.Key, c.Value) })
	g.loop.enqueue(func() {
		if !l.Active() {
			return
		}
		n, err := g.backend.Read(context.Background(), soul)
		if err != nil {
			g.logger.Warn("graph map read failed", slog.String("soul", soul), slog.String("error", err.Error()))
			return
		}
		for _, k := range SortedKeys(n) {
			if !l.Active() {
				return
			}
			fn(k, n[k])
		}
	})
	return l
}

// Once returns the live (non-tombstoned) children of the node.
func (m *MapRef) Once(ctx context.Context) (Node, error) {
	n, err := m.ref.g.backend.Read(ctx, m.ref.soul)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", m.ref.soul, err)
	}
	live := make(Node, len(n))
	for k, v := range n {
		if v != nil {
			live[k] = v
		}
	}
	return live, nil
}

// Listener is a registered callback. Off detaches it exactly once.
type Listener struct {
	id   uint64
	g    *Graph
	soul string

	mu    sync.Mutex
	stops []func()
	off   atomic.Bool
}

// Active reports whether the listener is still attached.
func (l *Listener) Active() bool {
	return !l.off.Load()
}

// Off detaches the listener. Safe to call more than once.
func (l *Listener) Off() {
	if l.off.Swap(true) {
		return
	}
	l.mu.Lock()
	stops := l.stops
	l.stops = nil
	l.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
	l.g.forget(l)
}

func (l *Listener) addStop(stop func()) {
	l.mu.Lock()
	if l.off.Load() {
		l.mu.Unlock()
		stop()
		return
	}
	l.stops = append(l.stops, stop)
	l.mu.Unlock()
}
