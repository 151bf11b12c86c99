package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hammerline/auction-backend/models"
	"github.com/hammerline/auction-backend/services"
)

type BidHandler struct {
	Bids *services.BidService
}

func NewBidHandler(bids *services.BidService) *BidHandler {
	return &BidHandler{Bids: bids}
}

type submitBidRequest struct {
	Amount            string `json:"amount"`
	VerificationToken string `json:"verification_token"`
}

// rejectionStatus maps an admission rejection to its HTTP status: state
// conflicts are 409, input problems are 422 and contention is 423.
func rejectionStatus(reason models.RejectionReason) int {
	switch reason {
	case models.RejectLotNotActive, models.RejectLotClosed:
		return fiber.StatusConflict
	case models.RejectLotBusy:
		return fiber.StatusLocked
	default:
		return fiber.StatusUnprocessableEntity
	}
}

func (h *BidHandler) SubmitBid(c *fiber.Ctx) error {
	bidderID := c.Get("X-User-ID")
	sessionID := c.Get("X-Session-ID")
	if bidderID == "" || sessionID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"error":   "X-User-ID and X-Session-ID headers are required",
		})
	}

	lotID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "invalid lot id",
		})
	}

	var req submitBidRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "invalid request body",
		})
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "invalid amount",
		})
	}

	// A missing token parses to the zero UUID, which the verification gate
	// rejects as unverified rather than erroring here.
	verificationToken, _ := uuid.Parse(req.VerificationToken)

	admitted, err := h.Bids.SubmitBid(c.Context(), services.SubmitBidRequest{
		LotID:             lotID,
		BidderID:          bidderID,
		SessionScope:      sessionID,
		VerificationToken: verificationToken,
		Amount:            amount,
	})
	if err != nil {
		if rejection, ok := services.AsRejection(err); ok {
			return c.Status(rejectionStatus(rejection.Reason)).JSON(fiber.Map{
				"success": false,
				"reason":  rejection.Reason,
				"error":   rejection.Message,
			})
		}
		if errors.Is(err, models.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"success": false,
				"error":   "lot not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    admitted,
	})
}
