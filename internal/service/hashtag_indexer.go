package service

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"feedgraph/internal/models"
)

// hashtagPattern matches ASCII word characters only. Tags become index node
// names, so every client has to split text into the same tags.
var hashtagPattern = regexp.MustCompile(`#\w+`)

// ExtractHashtags returns the distinct lower-cased tags of text in the order
// they first appear.
func ExtractHashtags(text string) []string {
	matches := hashtagPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	tags := make([]string, 0, len(matches))
	for _, m := range matches {
		tag := strings.ToLower(strings.TrimPrefix(m, "#"))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	return tags
}

// HashtagIndexer maintains the tag <-> post links.
type HashtagIndexer struct {
	env *env
}

// NewHashtagIndexer creates a new indexer.
func NewHashtagIndexer(e *env) *HashtagIndexer {
	return &HashtagIndexer{env: e}
}

// Index links post id to every tag in text. Every write is an idempotent
// upsert keyed by tag and hash, so re-running it adds nothing new. Failed
// writes are recorded and returned joined.
func (h *HashtagIndexer) Index(ctx context.Context, id string, timestamp int64, text string) error {
	l := h.env.layout
	var errs []error
	for _, tag := range ExtractHashtags(text) {
		if err := l.Hashtag(tag).Put(ctx, map[string]any{"name": tag, "slug": tag}); err != nil {
			h.env.partial(ctx, "hashtag_meta", err)
			errs = append(errs, err)
		}
		if err := l.HashtagPosts(tag).Get(id).Put(ctx, map[string]any{"hash": id, "timestamp": timestamp}); err != nil {
			h.env.partial(ctx, "hashtag_posts", err)
			errs = append(errs, err)
		}
		if err := l.PostTags(id).Get(tag).Put(ctx, l.Hashtag(tag)); err != nil {
			h.env.partial(ctx, "post_tags", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Unindex tombstones both directions of every tag link derived from text and
// returns how many writes landed.
func (h *HashtagIndexer) Unindex(ctx context.Context, id, text string) int {
	l := h.env.layout
	pruned := 0
	for _, tag := range ExtractHashtags(text) {
		if err := l.HashtagPosts(tag).Get(id).Put(ctx, nil); !h.env.partial(ctx, "hashtag_posts", err) {
			pruned++
		}
		if err := l.PostTags(id).Get(tag).Put(ctx, nil); !h.env.partial(ctx, "post_tags", err) {
			pruned++
		}
	}
	return pruned
}

// Tag reads the metadata node of tag.
func (h *HashtagIndexer) Tag(ctx context.Context, tag string) (*models.Tag, error) {
	n, err := h.env.layout.Hashtag(strings.ToLower(tag)).OnceNode(ctx)
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	if n == nil || n.String("slug") == "" {
		return nil, models.NewNotFoundError("hashtag", tag)
	}
	return &models.Tag{Name: n.String("name"), Slug: n.String("slug")}, nil
}
