// Package layout names every persisted location in the graph. All paths are
// navigation only; nothing here performs I/O.
package layout

import (
	"fmt"
	"strings"
	"time"

	"feedgraph/internal/graph"

	"github.com/araddon/dateparse"
)

// DayFormat is the timeline shard key format.
const DayFormat = "2006-01-02"

// Layout resolves paths under one application namespace.
type Layout struct {
	g   *graph.Graph
	app string
}

// New returns the layout of app inside g.
func New(g *graph.Graph, app string) *Layout {
	return &Layout{g: g, app: app}
}

// Graph returns the underlying graph.
func (l *Layout) Graph() *graph.Graph { return l.g }

// Namespace returns the application namespace.
func (l *Layout) Namespace() string { return l.app }

// Addresses is the global content-address table: #posts/{hash} -> soul.
func (l *Layout) Addresses() *graph.Ref { return l.g.Get("#posts") }

// Address is one entry of the content-address table.
func (l *Layout) Address(id string) *graph.Ref { return l.Addresses().Get(id) }

// Content is the immutable post node written by the author.
func (l *Layout) Content(soul string) *graph.Ref { return l.g.Get(soul) }

// Private is the author's private post collection ~{pub}/posts.
func (l *Layout) Private(pub string) *graph.Ref { return l.g.Get("~" + pub).Get("posts") }

// App is the namespace root.
func (l *Layout) App() *graph.Ref { return l.g.Get(l.app) }

// Timeline is the shard for one UTC day.
func (l *Layout) Timeline(day string) *graph.Ref { return l.App().Get("timeline").Get(day) }

// Hashtag is the tag metadata node {name, slug}.
func (l *Layout) Hashtag(tag string) *graph.Ref { return l.App().Get("hashtags").Get(tag) }

// HashtagPosts indexes posts carrying tag.
func (l *Layout) HashtagPosts(tag string) *graph.Ref { return l.Hashtag(tag).Get("posts") }

// Post is the public per-post node holding author, replies, replyTo and tags.
func (l *Layout) Post(id string) *graph.Ref { return l.App().Get("posts").Get(id) }

// Replies indexes direct replies of id.
func (l *Layout) Replies(id string) *graph.Ref { return l.Post(id).Get("replies") }

// Reposts records the pubs that reposted id.
func (l *Layout) Reposts(id string) *graph.Ref { return l.Post(id).Get("reposts") }

// PostTags holds the hashtag back-links of id.
func (l *Layout) PostTags(id string) *graph.Ref { return l.Post(id).Get("tags") }

// User is the public user node.
func (l *Layout) User(pub string) *graph.Ref { return l.g.Get("users").Get(pub) }

// UserPosts is the author index of pub.
func (l *Layout) UserPosts(pub string) *graph.Ref { return l.User(pub).Get("posts") }

// Authored links pub to the public nodes of its posts.
func (l *Layout) Authored(pub string) *graph.Ref { return l.User(pub).Get("authored") }

// Following is the set of pubs that pub follows.
func (l *Layout) Following(pub string) *graph.Ref { return l.User(pub).Get("following") }

// Followers is the set of pubs following pub.
func (l *Layout) Followers(pub string) *graph.Ref { return l.User(pub).Get("followers") }

// Profile is the LWW profile node of pub.
func (l *Layout) Profile(pub string) *graph.Ref { return l.User(pub).Get("profile") }

// Day returns the shard key of t in UTC.
func Day(t time.Time) string {
	return t.UTC().Format(DayFormat)
}

// DayMillis returns the shard key of a millisecond timestamp.
func DayMillis(ms int64) string {
	return Day(time.UnixMilli(ms))
}

// Days returns the n shard keys ending at now, newest first.
func Days(now time.Time, n int) []string {
	if n <= 0 {
		return nil
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Day(now.AddDate(0, 0, -i)))
	}
	return out
}

// ParseDay accepts "today", "yesterday" or any date dateparse understands and
// returns its shard key.
func ParseDay(s string, now time.Time) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "today":
		return Day(now), nil
	case "yesterday":
		return Day(now.AddDate(0, 0, -1)), nil
	}
	t, err := dateparse.ParseIn(strings.TrimSpace(s), time.UTC)
	if err != nil {
		return "", fmt.Errorf("invalid day %q: %w", s, err)
	}
	return Day(t), nil
}
