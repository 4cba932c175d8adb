package service

import (
	"context"
	"strings"

	"feedgraph/internal/graph"
	"feedgraph/internal/hashing"
	"feedgraph/internal/layout"
	"feedgraph/internal/models"
	"feedgraph/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

// PublishInput is the content of a new post.
type PublishInput struct {
	Text    string `json:"text"`
	Media   string `json:"media,omitempty"`
	ReplyTo string `json:"replyTo,omitempty"`
}

// PostService publishes posts and maintains their index fan-out.
type PostService struct {
	env      *env
	hashtags *HashtagIndexer
	resolver *Resolver
}

// NewPostService creates a new post service.
func NewPostService(e *env, hashtags *HashtagIndexer, resolver *Resolver) *PostService {
	return &PostService{env: e, hashtags: hashtags, resolver: resolver}
}

// Publish stores the post content, registers its content address and fans
// references out to every index. Only content and address writes can fail the
// call; index writes are best effort.
func (s *PostService) Publish(ctx context.Context, in PublishInput) (*models.Result, error) {
	ctx, span := observability.StartSpan(ctx, "post_service", "publish")
	defer span.End()

	pub, err := s.env.me()
	if err != nil {
		return models.Failed(err), err
	}
	if strings.TrimSpace(in.Text) == "" {
		err := models.NewValidationError("post text is required")
		return models.Failed(err), err
	}

	ts := s.env.nowMillis()
	fields := map[string]any{
		"text":      in.Text,
		"authorPub": pub,
		"timestamp": ts,
	}
	if in.Media != "" {
		fields["media"] = in.Media
	}
	if in.ReplyTo != "" {
		fields["replyTo"] = in.ReplyTo
	}

	content, err := s.env.layout.Private(pub).Set(ctx, fields)
	if err != nil {
		span.SetError(err)
		appErr := models.NewInternalError(err)
		return models.Failed(appErr), appErr
	}

	id, err := hashing.PostID(ctx, s.env.hasher, content.Soul())
	if err != nil {
		appErr := models.NewHashingUnavailableError(err)
		span.SetError(appErr)
		return models.Failed(appErr), appErr
	}
	span.AddAttributes(attribute.String("post.id", id))

	// The address entry must exist before any index references the hash.
	if err := s.env.layout.Address(id).Put(ctx, content.Soul()); err != nil {
		span.SetError(err)
		appErr := models.NewInternalError(err)
		return models.Failed(appErr), appErr
	}

	post := &models.Post{
		ID:        id,
		Soul:      content.Soul(),
		Text:      in.Text,
		Media:     in.Media,
		AuthorPub: pub,
		Timestamp: ts,
		ReplyTo:   in.ReplyTo,
	}
	s.fanOut(ctx, post)

	observability.PostsPublished.Inc()
	return &models.Result{Success: true, ID: id}, nil
}

// fanOut writes every index reference of post. Each write is independent and
// keyed by hash, so running it again is harmless.
func (s *PostService) fanOut(ctx context.Context, post *models.Post) {
	l := s.env.layout
	id := post.ID

	observability.LogAsyncOperationStart(ctx, "post_fanout", map[string]interface{}{"hash": id})
	failed := 0

	if s.env.partial(ctx, "timeline",
		l.Timeline(layout.DayMillis(post.Timestamp)).Get(id).Put(ctx, l.Content(post.Soul))) {
		failed++
	}
	if s.env.partial(ctx, "author",
		l.UserPosts(post.AuthorPub).Get(id).Put(ctx, map[string]any{
			"soul":      post.Soul,
			"hash":      id,
			"timestamp": post.Timestamp,
		})) {
		failed++
	}
	if s.env.partial(ctx, "post_author", l.Post(id).Get("author").Put(ctx, l.User(post.AuthorPub))) {
		failed++
	}
	if s.env.partial(ctx, "authored", l.Authored(post.AuthorPub).Get(id).Put(ctx, l.Post(id))) {
		failed++
	}
	if post.ReplyTo != "" {
		if s.env.partial(ctx, "replies",
			l.Replies(post.ReplyTo).Get(id).Put(ctx, map[string]any{"hash": id, "timestamp": post.Timestamp})) {
			failed++
		}
		if s.env.partial(ctx, "reply_to", l.Post(id).Get("replyTo").Put(ctx, l.Post(post.ReplyTo))) {
			failed++
		}
	}
	if err := s.hashtags.Index(ctx, id, post.Timestamp, post.Text); err != nil {
		failed++
	}

	observability.LogAsyncOperationEnd(ctx, "post_fanout", map[string]interface{}{
		"hash":   id,
		"failed": failed,
	})
}

// Reindex re-runs the fan-out of an owned post.
func (s *PostService) Reindex(ctx context.Context, id string) (*models.Result, error) {
	pub, err := s.env.me()
	if err != nil {
		return models.Failed(err), err
	}
	post, err := s.resolver.Resolve(ctx, id)
	if err != nil {
		return models.Failed(err), err
	}
	if post.AuthorPub != pub {
		err := models.NewForbiddenError("only the author can reindex a post")
		return models.Failed(err), err
	}
	s.fanOut(ctx, post)
	return &models.Result{Success: true, ID: id}, nil
}

// Repost adds someone else's post to the caller's author index and records
// the caller under the post's reposts so a delete can find the entry.
func (s *PostService) Repost(ctx context.Context, id string) (*models.Result, error) {
	ctx, span := observability.StartSpan(ctx, "post_service", "repost", attribute.String("post.id", id))
	defer span.End()

	pub, err := s.env.me()
	if err != nil {
		return models.Failed(err), err
	}
	post, err := s.resolver.Resolve(ctx, id)
	if err != nil {
		return models.Failed(err), err
	}
	if post.AuthorPub == pub {
		err := models.NewValidationError("cannot repost your own post")
		return models.Failed(err), err
	}
	if err := s.env.layout.Reposts(id).Get(pub).Put(ctx, true); err != nil {
		span.SetError(err)
		appErr := models.NewInternalError(err)
		return models.Failed(appErr), appErr
	}
	err = s.env.layout.UserPosts(pub).Get(id).Put(ctx, map[string]any{
		"hash":      id,
		"timestamp": s.env.nowMillis(),
		"reposted":  true,
	})
	if err != nil {
		span.SetError(err)
		appErr := models.NewInternalError(err)
		return models.Failed(appErr), appErr
	}
	return &models.Result{Success: true, ID: id}, nil
}

// Unrepost removes a repost entry from the caller's author index. Entries for
// the caller's own posts are left alone.
func (s *PostService) Unrepost(ctx context.Context, id string) (*models.Result, error) {
	pub, err := s.env.me()
	if err != nil {
		return models.Failed(err), err
	}
	ref := s.env.layout.UserPosts(pub).Get(id)
	v, err := ref.Once(ctx)
	if err != nil {
		appErr := models.NewInternalError(err)
		return models.Failed(appErr), appErr
	}
	entry, ok := graph.AsNode(v)
	if !ok {
		err := models.NewNotFoundError("repost", id)
		return models.Failed(err), err
	}
	if !entry.Bool("reposted") {
		err := models.NewValidationError("entry is not a repost")
		return models.Failed(err), err
	}
	if err := ref.Put(ctx, nil); err != nil {
		appErr := models.NewInternalError(err)
		return models.Failed(appErr), appErr
	}
	s.env.partial(ctx, "reposts", s.env.layout.Reposts(id).Get(pub).Put(ctx, nil))
	return &models.Result{Success: true, ID: id}, nil
}
