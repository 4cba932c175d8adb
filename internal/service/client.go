// Package service implements the social protocol on top of the graph store:
// publishing, hashtag indexing, live index subscriptions, profiles, deletion
// cascades and the follow graph.
package service

import (
	"context"
	"time"

	"feedgraph/internal/graph"
	"feedgraph/internal/hashing"
	"feedgraph/internal/identity"
	"feedgraph/internal/layout"
	"feedgraph/internal/models"
	"feedgraph/internal/observability"
)

// Options tune protocol behavior.
type Options struct {
	// Namespace is the application root every public index lives under.
	Namespace string
	// LookbackDays bounds the timeline shards delete resolves and prunes.
	LookbackDays int
	// GraceWindow is how long a subscription waits before reporting empty.
	GraceWindow time.Duration
	// FeedDays is the number of day shards a timeline view spans.
	FeedDays int
	Now      func() time.Time
}

// DefaultOptions returns the defaults used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		Namespace:    "feedgraph",
		LookbackDays: 7,
		GraceWindow:  4 * time.Second,
		FeedDays:     3,
		Now:          time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Namespace == "" {
		o.Namespace = d.Namespace
	}
	if o.LookbackDays <= 0 {
		o.LookbackDays = d.LookbackDays
	}
	if o.GraceWindow <= 0 {
		o.GraceWindow = d.GraceWindow
	}
	if o.FeedDays <= 0 {
		o.FeedDays = d.FeedDays
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

// env is the state shared by every service of one client view.
type env struct {
	layout  *layout.Layout
	session identity.Session
	hasher  hashing.Hasher
	cache   *ProfileCache
	opts    Options
}

func (e *env) me() (string, error) {
	if e.session == nil {
		return "", models.NewUnauthenticatedError()
	}
	pub := e.session.CurrentPub()
	if pub == "" {
		return "", models.NewUnauthenticatedError()
	}
	return pub, nil
}

func (e *env) nowMillis() int64 {
	return e.opts.Now().UnixMilli()
}

// partial records a fan-out or tombstone write that did not land. The error
// is absorbed: indices are advisory and converge on the next successful write.
func (e *env) partial(ctx context.Context, index string, err error) bool {
	if err == nil {
		return false
	}
	observability.IndexWriteFailures.WithLabelValues(index).Inc()
	observability.LogAsyncOperationError(ctx, "index_write", models.NewPartialIndexError(index, err),
		map[string]interface{}{"index": index})
	return true
}

// Client is one protocol participant: a session bound to a graph with its
// own profile cache.
type Client struct {
	graph *graph.Graph
	env   *env

	Posts    *PostService
	Hashtags *HashtagIndexer
	Resolver *Resolver
	Feed     *FeedService
	Profiles *ProfileService
	Deletes  *DeleteService
	Follows  *FollowService
}

// NewClient wires every service over g for session.
func NewClient(g *graph.Graph, session identity.Session, hasher hashing.Hasher, opts Options) *Client {
	opts = opts.withDefaults()
	if session == nil {
		session = identity.Anonymous
	}
	if hasher == nil {
		hasher = &hashing.Digest{}
	}
	return newClient(g, &env{
		layout:  layout.New(g, opts.Namespace),
		session: session,
		hasher:  hasher,
		cache:   NewProfileCache(),
		opts:    opts,
	})
}

func newClient(g *graph.Graph, e *env) *Client {
	c := &Client{graph: g, env: e}
	c.Hashtags = NewHashtagIndexer(e)
	c.Resolver = NewResolver(e)
	c.Profiles = NewProfileService(e)
	c.Posts = NewPostService(e, c.Hashtags, c.Resolver)
	c.Feed = NewFeedService(e, c.Resolver, c.Profiles)
	c.Deletes = NewDeleteService(e, c.Hashtags, c.Resolver)
	c.Follows = NewFollowService(e)
	return c
}

// View returns a client bound to session that shares this client's graph and
// profile cache. Closing a view does not affect its parent.
func (c *Client) View(session identity.Session) *Client {
	if session == nil {
		session = identity.Anonymous
	}
	e := *c.env
	e.session = session
	return newClient(c.graph, &e)
}

// Graph returns the graph this client writes to.
func (c *Client) Graph() *graph.Graph { return c.graph }

// Layout returns the persisted layout of this client's namespace.
func (c *Client) Layout() *layout.Layout { return c.env.layout }

// Session returns the client's identity.
func (c *Client) Session() identity.Session { return c.env.session }

// Options returns the effective options.
func (c *Client) Options() Options { return c.env.opts }

// Close cancels every subscription opened through this client. The graph
// stays open.
func (c *Client) Close() {
	c.Feed.CancelAll()
	c.Follows.Close()
}
