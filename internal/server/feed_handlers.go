package server

import (
	"feedgraph/internal/layout"
	"feedgraph/internal/models"
	"feedgraph/internal/service"

	"github.com/gofiber/fiber/v2"
)

// GetTimeline handles GET /api/timeline?days=N
//
// It reads the last N day shards, FEED_DAYS when unset.
//
// @Summary Recent timeline
// @Tags feeds
// @Produce json
// @Param days query int false "Day shards to read"
// @Param limit query int false "Maximum posts (default 50, max 100)"
// @Param grace query string false "Shorter grace window, e.g. 500ms"
// @Success 200 {array} models.Post
// @Failure 400 {object} models.ErrorResponse
// @Router /timeline [get]
func (s *Server) GetTimeline(c *fiber.Ctx) error {
	days := c.QueryInt("days", 0)
	if days < 0 {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("days must not be negative"))
	}
	return s.collect(c, s.client.Feed.TimelineRoots(days))
}

// GetTimelineDay handles GET /api/timeline/:day
// @Summary Timeline of one day
// @Tags feeds
// @Produce json
// @Param day path string true "YYYY-MM-DD, today or yesterday"
// @Success 200 {array} models.Post
// @Failure 400 {object} models.ErrorResponse
// @Router /timeline/{day} [get]
func (s *Server) GetTimelineDay(c *fiber.Ctx) error {
	day, err := layout.ParseDay(c.Params("day"), s.client.Options().Now())
	if err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError(err.Error()))
	}
	return s.collect(c, []service.IndexRoot{service.TimelineRoot(day)})
}

// GetHashtag handles GET /api/hashtags/:tag
// @Summary Posts tagged with a hashtag
// @Tags feeds
// @Produce json
// @Param tag path string true "Hashtag without #"
// @Success 200 {array} models.Post
// @Router /hashtags/{tag} [get]
func (s *Server) GetHashtag(c *fiber.Ctx) error {
	tag := trimmedParam(c, "tag")
	if tag == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("tag is required"))
	}
	return s.collect(c, []service.IndexRoot{service.HashtagRoot(tag)})
}

// GetUserPosts handles GET /api/users/:pub/posts
//
// The author index holds both authored posts and reposts.
func (s *Server) GetUserPosts(c *fiber.Ctx) error {
	return s.collect(c, []service.IndexRoot{service.AuthorRoot(trimmedParam(c, "pub"))})
}
