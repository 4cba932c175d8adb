package server

import (
	"strings"
	"time"

	"feedgraph/internal/identity"
	"feedgraph/internal/models"
	"feedgraph/internal/service"

	"github.com/gofiber/fiber/v2"
)

const (
	defaultPageLimit   = 50
	maxPaginationLimit = 100
)

// view returns a client bound to the caller's session. It shares the graph
// and the profile cache of the server's client.
func (s *Server) view(c *fiber.Ctx) *service.Client {
	return s.client.View(identity.FromContext(c.UserContext()))
}

// respond writes err with the status its code maps to.
func respond(c *fiber.Ctx, err error) error {
	return models.RespondWithError(c, models.StatusFor(err), err)
}

// parseLimit reads ?limit= with the default and the maximum applied.
func parseLimit(c *fiber.Ctx, defaultLimit int) int {
	limit := c.QueryInt("limit", defaultLimit)
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxPaginationLimit {
		limit = maxPaginationLimit
	}
	return limit
}

// collectOptions bounds a blocking index read. ?grace= may shorten the wait
// for an empty index but never extend it past the configured window.
func (s *Server) collectOptions(c *fiber.Ctx, view *service.Client) (service.CollectOptions, error) {
	opts := service.CollectOptions{
		Grace: view.Options().GraceWindow,
		Limit: parseLimit(c, defaultPageLimit),
	}
	if raw := c.Query("grace"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return opts, models.NewValidationError("grace must be a positive duration")
		}
		if d < opts.Grace {
			opts.Grace = d
		}
	}
	return opts, nil
}

// collect reads roots and writes the posts, newest first.
func (s *Server) collect(c *fiber.Ctx, roots []service.IndexRoot) error {
	view := s.view(c)
	defer view.Close()

	opts, err := s.collectOptions(c, view)
	if err != nil {
		return respond(c, err)
	}
	posts, err := view.Feed.Collect(c.UserContext(), roots, opts)
	if err != nil {
		return respond(c, models.NewInternalError(err))
	}
	if posts == nil {
		posts = []models.Post{}
	}
	return c.JSON(posts)
}

func trimmedParam(c *fiber.Ctx, name string) string {
	return strings.TrimSpace(c.Params(name))
}
