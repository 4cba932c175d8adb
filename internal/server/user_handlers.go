package server

import (
	"feedgraph/internal/models"
	"feedgraph/internal/service"

	"github.com/gofiber/fiber/v2"
)

// GetProfile handles GET /api/users/:pub/profile
// @Summary Get a profile
// @Tags users
// @Produce json
// @Param pub path string true "Public key"
// @Success 200 {object} models.Profile
// @Router /users/{pub}/profile [get]
func (s *Server) GetProfile(c *fiber.Ctx) error {
	profile, err := s.view(c).Profiles.Get(c.UserContext(), trimmedParam(c, "pub"))
	if err != nil {
		return respond(c, err)
	}
	return c.JSON(profile)
}

// UpdateProfile handles PUT /api/profile
//
// Omitted fields keep their current value.
//
// @Summary Update your profile
// @Tags users
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body service.ProfileUpdate true "Fields to change"
// @Success 200 {object} models.Profile
// @Failure 401 {object} models.ErrorResponse
// @Router /profile [put]
func (s *Server) UpdateProfile(c *fiber.Ctx) error {
	var req service.ProfileUpdate
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	view := s.view(c)
	res, err := view.Profiles.Update(c.UserContext(), req)
	if err != nil {
		return respond(c, err)
	}
	profile, err := view.Profiles.Get(c.UserContext(), res.ID)
	if err != nil {
		return c.JSON(res)
	}
	return c.JSON(profile)
}

// Follow handles POST /api/users/:pub/follow
// @Summary Follow a user
// @Tags users
// @Produce json
// @Security BearerAuth
// @Param pub path string true "Public key to follow"
// @Success 200 {object} models.Result
// @Failure 400 {object} models.ErrorResponse
// @Router /users/{pub}/follow [post]
func (s *Server) Follow(c *fiber.Ctx) error {
	res, err := s.view(c).Follows.Follow(c.UserContext(), trimmedParam(c, "pub"))
	if err != nil {
		return respond(c, err)
	}
	return c.JSON(res)
}

// Unfollow handles DELETE /api/users/:pub/follow
func (s *Server) Unfollow(c *fiber.Ctx) error {
	res, err := s.view(c).Follows.Unfollow(c.UserContext(), trimmedParam(c, "pub"))
	if err != nil {
		return respond(c, err)
	}
	return c.JSON(res)
}

// GetFollowing handles GET /api/users/:pub/following
func (s *Server) GetFollowing(c *fiber.Ctx) error {
	pubs, err := s.client.Follows.Following(c.UserContext(), trimmedParam(c, "pub"))
	if err != nil {
		return respond(c, err)
	}
	return c.JSON(fiber.Map{"pub": c.Params("pub"), "following": nonNil(pubs)})
}

// GetFollowers handles GET /api/users/:pub/followers
func (s *Server) GetFollowers(c *fiber.Ctx) error {
	pubs, err := s.client.Follows.Followers(c.UserContext(), trimmedParam(c, "pub"))
	if err != nil {
		return respond(c, err)
	}
	return c.JSON(fiber.Map{"pub": c.Params("pub"), "followers": nonNil(pubs)})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
