package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"feedgraph/internal/graph"
	"feedgraph/internal/models"
	"feedgraph/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

// FollowService maintains mirrored following/followers edges and a local
// view of the caller's following set.
type FollowService struct {
	env *env

	mu        sync.RWMutex
	following map[string]struct{}
	live      *graph.Listener
}

// NewFollowService creates a new follow service.
func NewFollowService(e *env) *FollowService {
	return &FollowService{env: e, following: make(map[string]struct{})}
}

func (s *FollowService) validate(target string) (string, error) {
	pub, err := s.env.me()
	if err != nil {
		return "", err
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return "", models.NewInvalidTargetError("target is required")
	}
	if target == pub {
		return "", models.NewInvalidTargetError("cannot follow yourself")
	}
	return pub, nil
}

// Follow writes both directions of the edge. The two writes are independent;
// the call fails only when neither landed.
func (s *FollowService) Follow(ctx context.Context, target string) (*models.Result, error) {
	ctx, span := observability.StartSpan(ctx, "follow_service", "follow", attribute.String("follow.target", target))
	defer span.End()

	pub, err := s.validate(target)
	if err != nil {
		return models.Failed(err), err
	}
	target = strings.TrimSpace(target)

	l := s.env.layout
	edge := map[string]any{"timestamp": s.env.nowMillis()}
	errFollowing := l.Following(pub).Get(target).Put(ctx, edge)
	errFollowers := l.Followers(target).Get(pub).Put(ctx, edge)
	if errFollowing != nil && errFollowers != nil {
		err := models.NewInternalError(errors.Join(errFollowing, errFollowers))
		span.SetError(err)
		return models.Failed(err), err
	}
	s.env.partial(ctx, "following", errFollowing)
	s.env.partial(ctx, "followers", errFollowers)

	if errFollowing == nil {
		s.mu.Lock()
		s.following[target] = struct{}{}
		s.mu.Unlock()
	}
	return &models.Result{Success: true, ID: target}, nil
}

// Unfollow tombstones both directions of the edge.
func (s *FollowService) Unfollow(ctx context.Context, target string) (*models.Result, error) {
	ctx, span := observability.StartSpan(ctx, "follow_service", "unfollow", attribute.String("follow.target", target))
	defer span.End()

	pub, err := s.validate(target)
	if err != nil {
		return models.Failed(err), err
	}
	target = strings.TrimSpace(target)

	l := s.env.layout
	errFollowing := l.Following(pub).Get(target).Put(ctx, nil)
	errFollowers := l.Followers(target).Get(pub).Put(ctx, nil)
	if errFollowing != nil && errFollowers != nil {
		err := models.NewInternalError(errors.Join(errFollowing, errFollowers))
		span.SetError(err)
		return models.Failed(err), err
	}
	s.env.partial(ctx, "following", errFollowing)
	s.env.partial(ctx, "followers", errFollowers)

	if errFollowing == nil {
		s.mu.Lock()
		delete(s.following, target)
		s.mu.Unlock()
	}
	return &models.Result{Success: true, ID: target}, nil
}

// IsFollowing answers from the local following set without reading the graph.
func (s *FollowService) IsFollowing(target string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.following[target]
	return ok
}

// Following lists the pubs pub follows.
func (s *FollowService) Following(ctx context.Context, pub string) ([]string, error) {
	return s.list(ctx, s.env.layout.Following(pub))
}

// Followers lists the pubs following pub.
func (s *FollowService) Followers(ctx context.Context, pub string) ([]string, error) {
	return s.list(ctx, s.env.layout.Followers(pub))
}

func (s *FollowService) list(ctx context.Context, ref *graph.Ref) ([]string, error) {
	n, err := ref.Map().Once(ctx)
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	out := n.Live()
	sort.Strings(out)
	return out, nil
}

// Sync loads the caller's following set and keeps it current until Close.
func (s *FollowService) Sync(ctx context.Context) error {
	pub, err := s.env.me()
	if err != nil {
		return err
	}
	ref := s.env.layout.Following(pub)
	current, err := s.list(ctx, ref)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, p := range current {
		s.following[p] = struct{}{}
	}
	old := s.live
	s.live = nil
	s.mu.Unlock()
	if old != nil {
		old.Off()
	}

	l := ref.Map().On(func(key string, value any) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if value == nil {
			delete(s.following, key)
		} else {
			s.following[key] = struct{}{}
		}
	})
	s.mu.Lock()
	s.live = l
	s.mu.Unlock()
	return nil
}

// Close stops the live following-set subscription.
func (s *FollowService) Close() {
	s.mu.Lock()
	l := s.live
	s.live = nil
	s.mu.Unlock()
	if l != nil {
		l.Off()
	}
}
