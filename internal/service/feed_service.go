package service

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"feedgraph/internal/graph"
	"feedgraph/internal/layout"
	"feedgraph/internal/models"
	"feedgraph/internal/observability"

	"github.com/google/uuid"
)

// RootKind names the kind of index a subscription reads.
type RootKind string

// Index kinds.
const (
	RootTimeline RootKind = "timeline"
	RootHashtag  RootKind = "hashtag"
	RootReplies  RootKind = "replies"
	RootAuthor   RootKind = "author"
)

// IndexRoot identifies one index node whose children are post hashes.
type IndexRoot struct {
	Kind RootKind
	Key  string
}

// TimelineRoot is the shard of one day (YYYY-MM-DD).
func TimelineRoot(day string) IndexRoot { return IndexRoot{Kind: RootTimeline, Key: day} }

// HashtagRoot is the post list of tag.
func HashtagRoot(tag string) IndexRoot {
	return IndexRoot{Kind: RootHashtag, Key: strings.ToLower(strings.TrimPrefix(tag, "#"))}
}

// RepliesRoot is the reply list of a post.
func RepliesRoot(id string) IndexRoot { return IndexRoot{Kind: RootReplies, Key: id} }

// AuthorRoot is the author index of pub, including its reposts.
func AuthorRoot(pub string) IndexRoot { return IndexRoot{Kind: RootAuthor, Key: pub} }

func (r IndexRoot) String() string { return string(r.Kind) + ":" + r.Key }

type subscribeConfig struct {
	grace    time.Duration
	onEmpty  func()
	onRemove func(hash string)
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeConfig)

// WithGraceWindow calls onEmpty once if nothing was emitted within d. A zero
// d uses the client's configured window.
func WithGraceWindow(d time.Duration, onEmpty func()) SubscribeOption {
	return func(c *subscribeConfig) {
		c.grace = d
		c.onEmpty = onEmpty
	}
}

// WithOnRemove reports emitted posts whose index entry was tombstoned.
func WithOnRemove(fn func(hash string)) SubscribeOption {
	return func(c *subscribeConfig) { c.onRemove = fn }
}

// FeedService turns index nodes into live, deduplicated streams of posts.
type FeedService struct {
	env      *env
	resolver *Resolver
	profiles *ProfileService

	mu   sync.Mutex
	subs map[string]*Subscription
}

// NewFeedService creates a new feed service.
func NewFeedService(e *env, resolver *Resolver, profiles *ProfileService) *FeedService {
	return &FeedService{
		env:      e,
		resolver: resolver,
		profiles: profiles,
		subs:     make(map[string]*Subscription),
	}
}

func (s *FeedService) ref(root IndexRoot) *graph.Ref {
	l := s.env.layout
	switch root.Kind {
	case RootHashtag:
		return l.HashtagPosts(root.Key)
	case RootReplies:
		return l.Replies(root.Key)
	case RootAuthor:
		return l.UserPosts(root.Key)
	default:
		return l.Timeline(root.Key)
	}
}

// Subscribe streams every post referenced from root to onPost, each at most
// once, until the subscription is cancelled.
func (s *FeedService) Subscribe(root IndexRoot, onPost func(models.Post), opts ...SubscribeOption) *Subscription {
	return s.SubscribeRoots([]IndexRoot{root}, onPost, opts...)
}

// SubscribeTimeline streams the last days day shards as one subscription. A
// non-positive days uses the configured feed span.
func (s *FeedService) SubscribeTimeline(days int, onPost func(models.Post), opts ...SubscribeOption) *Subscription {
	return s.SubscribeRoots(s.TimelineRoots(days), onPost, opts...)
}

// TimelineRoots returns the roots of the last days day shards, newest first.
func (s *FeedService) TimelineRoots(days int) []IndexRoot {
	if days <= 0 {
		days = s.env.opts.FeedDays
	}
	var roots []IndexRoot
	for _, day := range layout.Days(s.env.opts.Now(), days) {
		roots = append(roots, TimelineRoot(day))
	}
	return roots
}

// SubscribeRoots streams several roots with one shared dedup set.
func (s *FeedService) SubscribeRoots(roots []IndexRoot, onPost func(models.Post), opts ...SubscribeOption) *Subscription {
	cfg := subscribeConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.onEmpty != nil && cfg.grace <= 0 {
		cfg.grace = s.env.opts.GraceWindow
	}

	names := make([]string, len(roots))
	for i, r := range roots {
		names[i] = r.String()
	}
	sub := &Subscription{
		id:      uuid.NewString(),
		feed:    s,
		roots:   roots,
		onPost:  onPost,
		cfg:     cfg,
		seen:    make(map[string]struct{}),
		pending: make(map[string]*pendingRef),
	}
	sub.log = observability.NewSubscriptionLogger(sub.id, strings.Join(names, ","))
	sub.log.LogOpen(context.Background())

	s.mu.Lock()
	s.subs[sub.id] = sub
	s.mu.Unlock()
	observability.SubscriptionsActive.Inc()

	if cfg.onEmpty != nil {
		sub.mu.Lock()
		sub.timer = time.AfterFunc(cfg.grace, sub.expire)
		sub.mu.Unlock()
	}

	for _, root := range roots {
		root := root
		l := s.ref(root).Map().On(func(key string, value any) {
			sub.handle(root, key, value)
		})
		sub.mu.Lock()
		if sub.cancelled {
			sub.mu.Unlock()
			l.Off()
			continue
		}
		sub.listeners = append(sub.listeners, l)
		sub.mu.Unlock()
	}
	return sub
}

// Active returns the number of open subscriptions.
func (s *FeedService) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// CancelAll cancels every open subscription.
func (s *FeedService) CancelAll() {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
}

func (s *FeedService) forget(sub *Subscription) {
	s.mu.Lock()
	delete(s.subs, sub.id)
	s.mu.Unlock()
}

// CollectOptions bound a blocking read.
type CollectOptions struct {
	// Grace is how long to wait for the first post. Zero uses the client's
	// grace window.
	Grace time.Duration
	// Settle ends the read once no post arrived for this long.
	Settle time.Duration
	// Limit caps the number of posts returned; zero means no cap.
	Limit int
}

// Collect reads roots until they settle and returns the posts newest first.
// An empty result after the grace window means the index is currently empty.
func (s *FeedService) Collect(ctx context.Context, roots []IndexRoot, opts CollectOptions) ([]models.Post, error) {
	if opts.Grace <= 0 {
		opts.Grace = s.env.opts.GraceWindow
	}
	if opts.Settle <= 0 {
		opts.Settle = 200 * time.Millisecond
	}

	var mu sync.Mutex
	var posts []models.Post
	arrived := make(chan struct{}, 1)
	sub := s.SubscribeRoots(roots, func(p models.Post) {
		mu.Lock()
		posts = append(posts, p)
		mu.Unlock()
		select {
		case arrived <- struct{}{}:
		default:
		}
	})

	timer := time.NewTimer(opts.Grace)
	defer timer.Stop()

	var err error
wait:
	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break wait
		case <-arrived:
			timer.Reset(opts.Settle)
		case <-timer.C:
			break wait
		}
	}
	sub.Cancel()

	mu.Lock()
	out := slices.Clone(posts)
	mu.Unlock()
	SortNewestFirst(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, err
}

// SortNewestFirst orders posts by timestamp descending, then by id.
func SortNewestFirst(posts []models.Post) {
	slices.SortFunc(posts, func(a, b models.Post) int {
		if a.Timestamp != b.Timestamp {
			if a.Timestamp > b.Timestamp {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
}

type pendingRef struct {
	stage    string
	listener *graph.Listener
}

type entryMeta struct {
	reposted   bool
	repostedBy string
}

// Subscription is a live index read. Cancel releases every listener and
// timer it owns.
type Subscription struct {
	id     string
	feed   *FeedService
	roots  []IndexRoot
	onPost func(models.Post)
	cfg    subscribeConfig
	log    *observability.SubscriptionLogger

	mu        sync.Mutex
	seen      map[string]struct{}
	pending   map[string]*pendingRef
	listeners []*graph.Listener
	timer     *time.Timer
	emitted   int
	cancelled bool
}

// ID returns the subscription id.
func (sub *Subscription) ID() string { return sub.id }

// Roots returns the indices being read.
func (sub *Subscription) Roots() []IndexRoot { return sub.roots }

// Emitted returns how many posts were delivered.
func (sub *Subscription) Emitted() int {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.emitted
}

// Pending returns how many references are waiting for content.
func (sub *Subscription) Pending() int {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return len(sub.pending)
}

// Cancelled reports whether Cancel was called.
func (sub *Subscription) Cancelled() bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.cancelled
}

// Cancel detaches the root listeners, every nested listener and the grace
// timer. It is idempotent and safe from any goroutine.
func (sub *Subscription) Cancel() {
	sub.mu.Lock()
	if sub.cancelled {
		sub.mu.Unlock()
		return
	}
	sub.cancelled = true
	listeners := sub.listeners
	sub.listeners = nil
	pending := sub.pending
	sub.pending = make(map[string]*pendingRef)
	timer := sub.timer
	sub.timer = nil
	emitted := sub.emitted
	sub.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	for _, l := range listeners {
		l.Off()
	}
	for _, p := range pending {
		if p.listener != nil {
			p.listener.Off()
		}
	}
	sub.feed.forget(sub)
	observability.SubscriptionsActive.Dec()
	sub.log.LogCancel(context.Background(), emitted, len(pending))
}

func (sub *Subscription) expire() {
	sub.mu.Lock()
	if sub.cancelled || sub.emitted > 0 || sub.timer == nil {
		sub.mu.Unlock()
		return
	}
	sub.timer = nil
	sub.mu.Unlock()

	sub.log.LogEmpty(context.Background())
	sub.cfg.onEmpty()
}

func (sub *Subscription) handle(root IndexRoot, hash string, value any) {
	if value == nil {
		sub.removed(hash)
		return
	}
	sub.mu.Lock()
	if sub.cancelled {
		sub.mu.Unlock()
		return
	}
	if _, ok := sub.seen[hash]; ok {
		sub.mu.Unlock()
		observability.SubscriptionDuplicates.Inc()
		return
	}
	sub.mu.Unlock()

	sub.attempt(hash, sub.meta(root, value))
}

// meta reads the flags of an author-index entry.
func (sub *Subscription) meta(root IndexRoot, value any) entryMeta {
	if root.Kind != RootAuthor {
		return entryMeta{}
	}
	var n graph.Node
	if link, ok := graph.AsLink(value); ok {
		n, _ = sub.feed.env.layout.Graph().Get(link.Soul).OnceNode(context.Background())
	} else {
		n, _ = graph.AsNode(value)
	}
	if n != nil && n.Bool("reposted") {
		return entryMeta{reposted: true, repostedBy: root.Key}
	}
	return entryMeta{}
}

// attempt resolves hash and emits it, or parks a nested listener on whatever
// has not replicated yet.
func (sub *Subscription) attempt(hash string, meta entryMeta) {
	ctx := context.Background()
	l := sub.feed.env.layout

	soul, err := sub.feed.resolver.Soul(ctx, hash)
	if err != nil {
		observability.GlobalLogger.WarnContext(ctx, "resolve address failed",
			slog.String("hash", hash), slog.String("error", err.Error()))
		return
	}
	if soul == "" {
		sub.wait(hash, "address", l.Address(hash), meta)
		return
	}

	post, complete, err := sub.feed.resolver.Content(ctx, soul)
	if err != nil {
		observability.GlobalLogger.WarnContext(ctx, "resolve content failed",
			slog.String("hash", hash), slog.String("error", err.Error()))
		return
	}
	if !complete {
		sub.wait(hash, "content", l.Content(soul), meta)
		return
	}

	sub.clearPending(hash)
	post.ID = hash
	if meta.reposted {
		post.Reposted = true
		post.RepostedBy = meta.repostedBy
	}
	author := sub.feed.profiles.Lookup(post.AuthorPub)
	post.Author = &author
	sub.emit(*post)
}

func (sub *Subscription) wait(hash, stage string, ref *graph.Ref, meta entryMeta) {
	sub.mu.Lock()
	if sub.cancelled {
		sub.mu.Unlock()
		return
	}
	old, ok := sub.pending[hash]
	if ok && old.stage == stage {
		sub.mu.Unlock()
		return
	}
	p := &pendingRef{stage: stage}
	sub.pending[hash] = p
	sub.mu.Unlock()

	if old != nil && old.listener != nil {
		old.listener.Off()
	}
	sub.log.LogPending(context.Background(), hash, stage)

	listener := ref.On(func(any) { sub.retry(hash, meta) })

	sub.mu.Lock()
	if sub.cancelled || sub.pending[hash] != p {
		sub.mu.Unlock()
		listener.Off()
		return
	}
	p.listener = listener
	sub.mu.Unlock()
}

func (sub *Subscription) retry(hash string, meta entryMeta) {
	sub.mu.Lock()
	_, done := sub.seen[hash]
	_, waiting := sub.pending[hash]
	stop := sub.cancelled || done || !waiting
	sub.mu.Unlock()
	if stop {
		return
	}
	sub.attempt(hash, meta)
}

func (sub *Subscription) clearPending(hash string) {
	sub.mu.Lock()
	p := sub.pending[hash]
	delete(sub.pending, hash)
	sub.mu.Unlock()
	if p != nil && p.listener != nil {
		p.listener.Off()
	}
}

func (sub *Subscription) emit(post models.Post) {
	sub.mu.Lock()
	if sub.cancelled {
		sub.mu.Unlock()
		return
	}
	if _, ok := sub.seen[post.ID]; ok {
		sub.mu.Unlock()
		observability.SubscriptionDuplicates.Inc()
		return
	}
	sub.seen[post.ID] = struct{}{}
	sub.emitted++
	timer := sub.timer
	sub.timer = nil
	sub.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	sub.onPost(post)
}

func (sub *Subscription) removed(hash string) {
	sub.mu.Lock()
	if sub.cancelled {
		sub.mu.Unlock()
		return
	}
	_, delivered := sub.seen[hash]
	delete(sub.seen, hash)
	p := sub.pending[hash]
	delete(sub.pending, hash)
	sub.mu.Unlock()

	if p != nil && p.listener != nil {
		p.listener.Off()
	}
	if delivered && sub.cfg.onRemove != nil {
		sub.cfg.onRemove(hash)
	}
}
