package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/hammerline/auction-backend/services"
)

type VerificationHandler struct {
	Verifications *services.VerificationService
}

func NewVerificationHandler(verifications *services.VerificationService) *VerificationHandler {
	return &VerificationHandler{Verifications: verifications}
}

type verifyRequest struct {
	InstrumentToken string `json:"instrument_token"`
}

func (h *VerificationHandler) Verify(c *fiber.Ctx) error {
	bidderID := c.Get("X-User-ID")
	sessionID := c.Get("X-Session-ID")
	if bidderID == "" || sessionID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"error":   "X-User-ID and X-Session-ID headers are required",
		})
	}

	var req verifyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "invalid request body",
		})
	}
	if req.InstrumentToken == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "instrument_token is required",
		})
	}

	verification, err := h.Verifications.Verify(c.Context(), bidderID, sessionID, req.InstrumentToken)
	if err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"token":      verification.Token,
			"expires_at": verification.ExpiresAt,
		},
	})
}

// Invalidate is the logout hook: every verification the bidder holds is
// revoked, regardless of session.
func (h *VerificationHandler) Invalidate(c *fiber.Ctx) error {
	bidderID := c.Get("X-User-ID")
	if bidderID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"error":   "X-User-ID header is required",
		})
	}

	if err := h.Verifications.Invalidate(c.Context(), bidderID); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "verifications invalidated",
	})
}
