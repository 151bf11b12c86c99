package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hammerline/auction-backend/models"
	"github.com/hammerline/auction-backend/services"
)

type LotHandler struct {
	Lots    *services.LotService
	History *services.HistoryService
}

func NewLotHandler(lots *services.LotService, history *services.HistoryService) *LotHandler {
	return &LotHandler{Lots: lots, History: history}
}

type createLotRequest struct {
	Title              string    `json:"title"`
	Currency           string    `json:"currency"`
	StartingPrice      string    `json:"starting_price"`
	ScheduledStartTime time.Time `json:"scheduled_start_time"`
	ScheduledEndTime   time.Time `json:"scheduled_end_time"`
}

func (h *LotHandler) CreateLot(c *fiber.Ctx) error {
	sellerID := c.Get("X-User-ID")
	if sellerID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"error":   "X-User-ID header is required",
		})
	}

	var req createLotRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "invalid request body",
		})
	}

	startingPrice, err := decimal.NewFromString(req.StartingPrice)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "invalid starting_price",
		})
	}

	lot, err := h.Lots.CreateLot(c.Context(), services.CreateLotRequest{
		SellerID:           sellerID,
		Title:              req.Title,
		Currency:           req.Currency,
		StartingPrice:      startingPrice,
		ScheduledStartTime: req.ScheduledStartTime,
		ScheduledEndTime:   req.ScheduledEndTime,
	})
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    lot,
	})
}

func (h *LotHandler) GetLot(c *fiber.Ctx) error {
	lotID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "invalid lot id",
		})
	}

	lot, err := h.Lots.GetLot(c.Context(), lotID)
	if errors.Is(err, models.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "lot not found",
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

func (h *LotHandler) GetHistory(c *fiber.Ctx) error {
	lotID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "invalid lot id",
		})
	}

	entries, err := h.History.LotHistory(c.Context(), lotID)
	if errors.Is(err, models.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "lot not found",
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
		"data":    entries,
		"count":   len(entries),
	})
}
