package service

import (
	"context"
	"sync"
	"time"

	"feedgraph/internal/identity"
	"feedgraph/internal/models"
	"feedgraph/internal/observability"
)

// ProfileUpdate carries the fields to change; nil fields are preserved.
type ProfileUpdate struct {
	DisplayName *string `json:"displayName,omitempty"`
	AvatarRef   *string `json:"avatarRef,omitempty"`
	Bio         *string `json:"bio,omitempty"`
}

// ProfileService reads and writes profiles through the client's cache.
type ProfileService struct {
	env *env

	mu      sync.Mutex
	warming map[string]struct{}
}

// NewProfileService creates a new profile service.
func NewProfileService(e *env) *ProfileService {
	return &ProfileService{env: e, warming: make(map[string]struct{})}
}

// Cache exposes the client's profile cache.
func (s *ProfileService) Cache() *ProfileCache { return s.env.cache }

// Get returns the profile of pub, reading the graph on a cache miss.
func (s *ProfileService) Get(ctx context.Context, pub string) (*models.Profile, error) {
	if p, ok := s.env.cache.Get(pub); ok {
		return &p, nil
	}
	p, err := s.read(ctx, pub)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, models.NewNotFoundError("profile", pub)
	}
	s.env.cache.Put(*p)
	return p, nil
}

func (s *ProfileService) read(ctx context.Context, pub string) (*models.Profile, error) {
	n, err := s.env.layout.Profile(pub).OnceNode(ctx)
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	if n == nil {
		return nil, nil
	}
	return &models.Profile{
		Pub:         pub,
		DisplayName: n.String("displayName"),
		AvatarRef:   n.String("avatarRef"),
		Bio:         n.String("bio"),
		CreatedAt:   n.Int64("createdAt"),
	}, nil
}

// Lookup returns the cached profile of pub without blocking. On a miss it
// returns a placeholder and loads the real profile in the background.
func (s *ProfileService) Lookup(pub string) models.Profile {
	if p, ok := s.env.cache.Get(pub); ok {
		return p
	}
	s.warm(pub)
	return Placeholder(pub)
}

// Placeholder is the profile shown until the real one resolves.
func Placeholder(pub string) models.Profile {
	return models.Profile{Pub: pub, DisplayName: identity.Short(pub), Placeholder: true}
}

func (s *ProfileService) warm(pub string) {
	s.mu.Lock()
	if _, ok := s.warming[pub]; ok {
		s.mu.Unlock()
		return
	}
	s.warming[pub] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.warming, pub)
			s.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.Get(ctx, pub); err != nil && !models.IsCode(err, models.CodeNotFound) {
			observability.LogAsyncOperationError(ctx, "profile_warm", err, map[string]interface{}{"pub": pub})
		}
	}()
}

// Update merges the provided fields into the caller's profile and refreshes
// the cache before returning.
func (s *ProfileService) Update(ctx context.Context, in ProfileUpdate) (*models.Result, error) {
	ctx, span := observability.StartSpan(ctx, "profile_service", "update")
	defer span.End()

	pub, err := s.env.me()
	if err != nil {
		return models.Failed(err), err
	}

	current, err := s.read(ctx, pub)
	if err != nil {
		return models.Failed(err), err
	}
	if current == nil {
		if cached, ok := s.env.cache.Get(pub); ok {
			current = &cached
		} else {
			current = &models.Profile{Pub: pub}
		}
	}

	fields := map[string]any{}
	if in.DisplayName != nil {
		fields["displayName"] = *in.DisplayName
		current.DisplayName = *in.DisplayName
	}
	if in.AvatarRef != nil {
		fields["avatarRef"] = *in.AvatarRef
		current.AvatarRef = *in.AvatarRef
	}
	if in.Bio != nil {
		fields["bio"] = *in.Bio
		current.Bio = *in.Bio
	}
	if current.CreatedAt == 0 {
		current.CreatedAt = s.env.nowMillis()
		fields["createdAt"] = current.CreatedAt
	}
	if len(fields) == 0 {
		s.env.cache.Put(*current)
		return &models.Result{Success: true, ID: pub}, nil
	}

	if err := s.env.layout.Profile(pub).Put(ctx, fields); err != nil {
		span.SetError(err)
		appErr := models.NewInternalError(err)
		return models.Failed(appErr), appErr
	}
	current.Placeholder = false
	s.env.cache.Put(*current)
	return &models.Result{Success: true, ID: pub}, nil
}

// Invalidate drops cached profiles; with no pubs it clears the cache.
func (s *ProfileService) Invalidate(pubs ...string) {
	s.env.cache.Invalidate(pubs...)
}
