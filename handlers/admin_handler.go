package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hammerline/auction-backend/models"
	"github.com/hammerline/auction-backend/services"
)

type AdminHandler struct {
	Lots        *services.LotService
	Settlements *services.SettlementService
	Bids        *services.BidService
	AdminToken  string
}

func NewAdminHandler(lots *services.LotService, settlements *services.SettlementService, bids *services.BidService, adminToken string) *AdminHandler {
	return &AdminHandler{
		Lots:        lots,
		Settlements: settlements,
		Bids:        bids,
		AdminToken:  adminToken,
	}
}

// RequireAdmin guards the admin routes with the configured token.
func (h *AdminHandler) RequireAdmin(c *fiber.Ctx) error {
	if h.AdminToken == "" || c.Get("X-Admin-Token") != h.AdminToken {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"error":   "admin authorization required",
		})
	}
	return c.Next()
}

func (h *AdminHandler) CancelLot(c *fiber.Ctx) error {
	lotID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "invalid lot id",
		})
	}

	logrus.WithField("lot_id", lotID).Info("Lot cancellation requested via admin endpoint")

	lot, err := h.Lots.CancelLot(c.Context(), lotID)
	if errors.Is(err, models.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "lot not found",
		})
	}
	if errors.Is(err, services.ErrInvalidTransition) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    lot,
	})
}

// RetrySettlement re-drives one lot's settlement ahead of the retry job.
func (h *AdminHandler) RetrySettlement(c *fiber.Ctx) error {
	lotID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "invalid lot id",
		})
	}

	logrus.WithField("lot_id", lotID).Info("Settlement retry requested via admin endpoint")

	if err := h.Settlements.Settle(c.Context(), lotID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"success": false,
				"error":   "no settlement for lot",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "settlement advanced",
	})
}

// Metrics exposes service counters for operators.
func (h *AdminHandler) Metrics(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"bids":        h.Bids.Metrics().GetSnapshot(),
			"settlements": h.Settlements.Metrics().GetSnapshot(),
			"locked_lots": h.Bids.LockedLots(),
		},
	})
}
