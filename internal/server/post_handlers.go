package server

import (
	"feedgraph/internal/models"
	"feedgraph/internal/service"

	"github.com/gofiber/fiber/v2"
)

// CreatePost handles POST /api/posts
// @Summary Publish a post
// @Description Stores the content, then fans it out to the timeline, author, reply and hashtag indexes
// @Tags posts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{text=string,media=string,replyTo=string} true "Post"
// @Success 201 {object} models.Result
// @Failure 400 {object} models.ErrorResponse
// @Failure 401 {object} models.ErrorResponse
// @Failure 429 {object} models.ErrorResponse
// @Failure 503 {object} models.ErrorResponse
// @Router /posts [post]
func (s *Server) CreatePost(c *fiber.Ctx) error {
	var req struct {
		Text    string `json:"text"`
		Media   string `json:"media,omitempty"`
		ReplyTo string `json:"replyTo,omitempty"`
	}
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	res, err := s.view(c).Posts.Publish(c.UserContext(), service.PublishInput{
		Text:    req.Text,
		Media:   req.Media,
		ReplyTo: req.ReplyTo,
	})
	if err != nil {
		return respond(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

// GetPost handles GET /api/posts/:id
// @Summary Resolve a post
// @Tags posts
// @Produce json
// @Param id path string true "Post hash"
// @Success 200 {object} models.Post
// @Failure 404 {object} models.ErrorResponse
// @Router /posts/{id} [get]
func (s *Server) GetPost(c *fiber.Ctx) error {
	view := s.view(c)
	post, err := view.Resolver.Resolve(c.UserContext(), trimmedParam(c, "id"))
	if err != nil {
		return respond(c, err)
	}
	author := view.Profiles.Lookup(post.AuthorPub)
	post.Author = &author
	return c.JSON(post)
}

// GetReplies handles GET /api/posts/:id/replies
// @Summary List replies to a post
// @Tags posts
// @Produce json
// @Param id path string true "Post hash"
// @Param limit query int false "Maximum posts (default 50, max 100)"
// @Success 200 {array} models.Post
// @Router /posts/{id}/replies [get]
func (s *Server) GetReplies(c *fiber.Ctx) error {
	return s.collect(c, []service.IndexRoot{service.RepliesRoot(trimmedParam(c, "id"))})
}

// DeletePost handles DELETE /api/posts/:id
// @Summary Delete a post
// @Description Tombstones every index reference to the post and its replies. Content stays resolvable by hash.
// @Tags posts
// @Produce json
// @Security BearerAuth
// @Param id path string true "Post hash"
// @Success 200 {object} models.Result
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /posts/{id} [delete]
func (s *Server) DeletePost(c *fiber.Ctx) error {
	res, err := s.view(c).Deletes.DeletePost(c.UserContext(), trimmedParam(c, "id"))
	if err != nil {
		return respond(c, err)
	}
	return c.JSON(res)
}

// Repost handles POST /api/posts/:id/repost
func (s *Server) Repost(c *fiber.Ctx) error {
	res, err := s.view(c).Posts.Repost(c.UserContext(), trimmedParam(c, "id"))
	if err != nil {
		return respond(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

// Unrepost handles DELETE /api/posts/:id/repost
func (s *Server) Unrepost(c *fiber.Ctx) error {
	res, err := s.view(c).Posts.Unrepost(c.UserContext(), trimmedParam(c, "id"))
	if err != nil {
		return respond(c, err)
	}
	return c.JSON(res)
}
