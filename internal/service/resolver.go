package service

import (
	"context"
	"errors"
	"log/slog"

	"feedgraph/internal/graph"
	"feedgraph/internal/hashing"
	"feedgraph/internal/models"
	"feedgraph/internal/observability"
)

var errContentMismatch = errors.New("content address mismatch")

// Resolver turns post hashes into content through the content-address table.
type Resolver struct {
	env *env
}

// NewResolver creates a new resolver.
func NewResolver(e *env) *Resolver {
	return &Resolver{env: e}
}

// Soul returns the soul registered for id, or "" when the address entry has
// not arrived yet.
func (r *Resolver) Soul(ctx context.Context, id string) (string, error) {
	v, _, err := r.env.layout.Address(id).Raw(ctx)
	if err != nil {
		return "", err
	}
	soul, _ := v.(string)
	if soul == "" {
		return "", nil
	}
	if !r.verify(ctx, id, soul) {
		return "", nil
	}
	return soul, nil
}

// verify checks that id really names soul. Entries are trusted when no
// hashing primitive is available to check them.
func (r *Resolver) verify(ctx context.Context, id, soul string) bool {
	got, err := hashing.PostID(ctx, r.env.hasher, soul)
	if err != nil {
		return true
	}
	if got != id {
		observability.GlobalLogger.WarnContext(ctx, "content address mismatch",
			slog.String("hash", id),
			slog.String("soul", soul),
		)
		return false
	}
	return true
}

// Content reads the post stored at soul. complete is false while text or
// authorPub have not replicated yet.
func (r *Resolver) Content(ctx context.Context, soul string) (post *models.Post, complete bool, err error) {
	n, err := r.env.layout.Content(soul).OnceNode(ctx)
	if err != nil {
		return nil, false, err
	}
	if n == nil {
		return nil, false, nil
	}
	post = postFromNode(soul, n)
	return post, post.Text != "" && post.AuthorPub != "", nil
}

// Resolve returns the full post named by id. It fails with NotFound when the
// address entry or a complete content node is missing.
func (r *Resolver) Resolve(ctx context.Context, id string) (*models.Post, error) {
	soul, err := r.Soul(ctx, id)
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	if soul == "" {
		return nil, models.NewNotFoundError("post", id)
	}
	post, complete, err := r.Content(ctx, soul)
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	if !complete {
		return nil, models.NewNotFoundError("post", id)
	}
	post.ID = id
	return post, nil
}

// FromSoul resolves the content at soul found through an index entry for id.
// The entry is rejected unless id is the hash of soul.
func (r *Resolver) FromSoul(ctx context.Context, id, soul string) (*models.Post, error) {
	if !r.verify(ctx, id, soul) {
		return nil, errContentMismatch
	}
	post, complete, err := r.Content(ctx, soul)
	if err != nil {
		return nil, err
	}
	if !complete {
		return nil, errors.New("content incomplete")
	}
	post.ID = id
	return post, nil
}

func postFromNode(soul string, n graph.Node) *models.Post {
	return &models.Post{
		Soul:      soul,
		Text:      n.String("text"),
		Media:     n.String("media"),
		AuthorPub: n.String("authorPub"),
		Timestamp: n.Int64("timestamp"),
		ReplyTo:   n.String("replyTo"),
	}
}
