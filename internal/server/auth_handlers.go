package server

import (
	"strings"

	"feedgraph/internal/identity"
	"feedgraph/internal/models"

	"github.com/gofiber/fiber/v2"
)

// TokenResponse is returned by IssueToken.
type TokenResponse struct {
	Token string `json:"token"`
	Pub   string `json:"pub"`
}

// IssueToken handles POST /api/auth/token
//
// Development helper: signs a token for the given pub, or for a freshly
// generated keypair when none is given. Not routed in production.
//
// @Summary Issue a development token
// @Tags auth
// @Accept json
// @Produce json
// @Param request body object{pub=string} false "Existing public key"
// @Success 201 {object} TokenResponse
// @Router /auth/token [post]
func (s *Server) IssueToken(c *fiber.Ctx) error {
	var req struct {
		Pub string `json:"pub"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return models.RespondWithError(c, fiber.StatusBadRequest,
				models.NewValidationError("Invalid request body"))
		}
	}

	pub := strings.TrimSpace(req.Pub)
	if pub == "" {
		kp, err := identity.NewKeypair()
		if err != nil {
			return respond(c, models.NewInternalError(err))
		}
		pub = kp.Pub
	}

	token, err := s.tokens.Issue(pub)
	if err != nil {
		return respond(c, models.NewInternalError(err))
	}
	return c.Status(fiber.StatusCreated).JSON(TokenResponse{Token: token, Pub: pub})
}
