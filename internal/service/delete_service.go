package service

import (
	"context"
	"log/slog"

	"feedgraph/internal/graph"
	"feedgraph/internal/hashing"
	"feedgraph/internal/layout"
	"feedgraph/internal/models"
	"feedgraph/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

// DeleteService removes posts from every index. Content nodes and the
// content-address table are never touched, so a deleted post still resolves
// by hash.
type DeleteService struct {
	env      *env
	hashtags *HashtagIndexer
	resolver *Resolver
}

// NewDeleteService creates a new delete service.
func NewDeleteService(e *env, hashtags *HashtagIndexer, resolver *Resolver) *DeleteService {
	return &DeleteService{env: e, hashtags: hashtags, resolver: resolver}
}

// DeletePost tombstones every reference to an owned post and cascades to the
// index entries of its replies. Re-running it is safe.
func (s *DeleteService) DeletePost(ctx context.Context, id string) (*models.Result, error) {
	ctx, span := observability.StartSpan(ctx, "delete_service", "delete_post", attribute.String("post.id", id))
	defer span.End()

	pub, err := s.env.me()
	if err != nil {
		return models.Failed(err), err
	}

	post, err := s.locate(ctx, pub, id)
	if err != nil {
		return models.Failed(err), err
	}
	if post.AuthorPub != pub {
		err := models.NewForbiddenError("only the author can delete a post")
		return models.Failed(err), err
	}

	pruned := s.prune(ctx, post, true)
	pruned += s.cascade(ctx, id)

	observability.DeletePruned.Add(float64(pruned))
	span.AddAttributes(attribute.Int("delete.pruned", pruned))
	return &models.Result{Success: true, ID: id, Pruned: pruned}, nil
}

// locate finds the content of id by trying each resolution strategy in turn.
func (s *DeleteService) locate(ctx context.Context, pub, id string) (*models.Post, error) {
	strategies := []struct {
		name string
		find func(context.Context, string, string) (string, error)
	}{
		{"address", s.byAddress},
		{"timeline", s.byTimeline},
		{"author_index", s.byAuthorIndex},
		{"scan", s.byScan},
	}
	for _, st := range strategies {
		soul, err := st.find(ctx, pub, id)
		if err != nil {
			observability.GlobalLogger.WarnContext(ctx, "delete resolution step failed",
				slog.String("strategy", st.name),
				slog.String("hash", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		if soul == "" {
			continue
		}
		post, err := s.resolver.FromSoul(ctx, id, soul)
		if err != nil {
			continue
		}
		return post, nil
	}
	return nil, models.NewNotFoundError("post", id)
}

func (s *DeleteService) byAddress(ctx context.Context, _, id string) (string, error) {
	return s.resolver.Soul(ctx, id)
}

func (s *DeleteService) byTimeline(ctx context.Context, _, id string) (string, error) {
	for _, day := range layout.Days(s.env.opts.Now(), s.env.opts.LookbackDays) {
		v, _, err := s.env.layout.Timeline(day).Get(id).Raw(ctx)
		if err != nil {
			return "", err
		}
		if link, ok := graph.AsLink(v); ok {
			return link.Soul, nil
		}
	}
	return "", nil
}

func (s *DeleteService) byAuthorIndex(ctx context.Context, pub, id string) (string, error) {
	n, err := s.env.layout.UserPosts(pub).Get(id).OnceNode(ctx)
	if err != nil || n == nil {
		return "", err
	}
	return n.String("soul"), nil
}

// byScan hashes every soul of the caller's private collection.
func (s *DeleteService) byScan(ctx context.Context, pub, id string) (string, error) {
	n, err := s.env.layout.Private(pub).Map().Once(ctx)
	if err != nil {
		return "", err
	}
	for _, soul := range graph.SortedKeys(n) {
		h, err := hashing.PostID(ctx, s.env.hasher, soul)
		if err != nil {
			return "", err
		}
		if h == id {
			return soul, nil
		}
	}
	return "", nil
}

// prune tombstones the references of post and returns how many writes
// landed. The parent's reply entry is only removed for the post the caller
// deleted; cascaded replies keep theirs so a re-run can walk the tree again.
func (s *DeleteService) prune(ctx context.Context, post *models.Post, root bool) int {
	l := s.env.layout
	id := post.ID
	pruned := 0
	tombstone := func(index string, ref *graph.Ref) {
		if !s.env.partial(ctx, index, ref.Put(ctx, nil)) {
			pruned++
		}
	}

	tombstone("author", l.UserPosts(post.AuthorPub).Get(id))
	tombstone("authored", l.Authored(post.AuthorPub).Get(id))
	tombstone("post_author", l.Post(id).Get("author"))

	for _, day := range s.shards(post.Timestamp) {
		tombstone("timeline", l.Timeline(day).Get(id))
	}

	pruned += s.hashtags.Unindex(ctx, id, post.Text)

	for _, reposter := range s.reposters(ctx, id) {
		if reposter != post.AuthorPub {
			tombstone("repost", l.UserPosts(reposter).Get(id))
		}
	}

	if post.ReplyTo != "" {
		tombstone("reply_to", l.Post(id).Get("replyTo"))
		if root {
			tombstone("replies", l.Replies(post.ReplyTo).Get(id))
		}
	}
	return pruned
}

// cascade walks the reply tree of id breadth first and prunes each reply.
// Anyone can write a replies entry, so a reply is only pruned when its own
// content names the parent it was found under. Replies whose content has not
// replicated yet are left for a later run.
func (s *DeleteService) cascade(ctx context.Context, id string) int {
	type item struct{ id, parent string }

	pruned := 0
	visited := map[string]struct{}{id: {}}
	var queue []item
	for _, rid := range s.replies(ctx, id) {
		queue = append(queue, item{rid, id})
	}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if _, ok := visited[next.id]; ok {
			continue
		}
		visited[next.id] = struct{}{}

		reply, err := s.resolver.Resolve(ctx, next.id)
		if err != nil {
			s.env.partial(ctx, "cascade_resolve", err)
			continue
		}
		if reply.ReplyTo != next.parent {
			observability.GlobalLogger.WarnContext(ctx, "skipping reply entry not linked back to its parent",
				slog.String("hash", next.id),
				slog.String("parent", next.parent),
				slog.String("reply_to", reply.ReplyTo),
			)
			continue
		}
		pruned += s.prune(ctx, reply, false)
		for _, rid := range s.replies(ctx, next.id) {
			queue = append(queue, item{rid, next.id})
		}
	}
	return pruned
}

// shards returns the lookback window plus the post's own day.
func (s *DeleteService) shards(timestamp int64) []string {
	days := layout.Days(s.env.opts.Now(), s.env.opts.LookbackDays)
	if timestamp <= 0 {
		return days
	}
	own := layout.DayMillis(timestamp)
	for _, day := range days {
		if day == own {
			return days
		}
	}
	return append(days, own)
}

func (s *DeleteService) replies(ctx context.Context, id string) []string {
	n, err := s.env.layout.Replies(id).Map().Once(ctx)
	if err != nil {
		s.env.partial(ctx, "replies_read", err)
		return nil
	}
	return graph.SortedKeys(n)
}

func (s *DeleteService) reposters(ctx context.Context, id string) []string {
	n, err := s.env.layout.Reposts(id).Map().Once(ctx)
	if err != nil {
		s.env.partial(ctx, "reposts_read", err)
		return nil
	}
	return graph.SortedKeys(n)
}
