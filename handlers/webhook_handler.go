package handlers

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hammerline/auction-backend/models"
	"github.com/hammerline/auction-backend/payments"
	"github.com/hammerline/auction-backend/services"
)

type WebhookHandler struct {
	Settlements   *services.SettlementService
	WebhookSecret string
}

func NewWebhookHandler(settlements *services.SettlementService, webhookSecret string) *WebhookHandler {
	return &WebhookHandler{Settlements: settlements, WebhookSecret: webhookSecret}
}

type webhookBody struct {
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	LotID     string `json:"lot_id"`
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}

// HandlePayment receives processor deliveries. A bad signature is the only
// non-200 outcome; once the delivery is authenticated the processor always
// gets a 200 so it stops redelivering, even for events we cannot apply.
func (h *WebhookHandler) HandlePayment(c *fiber.Ctx) error {
	body := c.Body()
	signature := c.Get("X-Payment-Signature")
	if !payments.VerifySignature(h.WebhookSecret, body, signature) {
		logrus.WithField("component", "WebhookHandler").Warn("Webhook with invalid signature rejected")
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"error":   "invalid signature",
		})
	}

	var parsed webhookBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		logrus.WithError(err).Warn("Webhook with unparseable body acknowledged")
		return c.JSON(fiber.Map{"success": true})
	}

	lotID, err := uuid.Parse(parsed.LotID)
	if err != nil || parsed.EventID == "" {
		logrus.WithFields(logrus.Fields{
			"event_id": parsed.EventID,
			"lot_id":   parsed.LotID,
		}).Warn("Webhook with invalid identifiers acknowledged")
		return c.JSON(fiber.Map{"success": true})
	}

	err = h.Settlements.HandleWebhook(c.Context(), services.WebhookDelivery{
		ProviderEventID: parsed.EventID,
		Type:            models.WebhookEventType(parsed.Type),
		LotID:           lotID,
		Reference:       parsed.Reference,
		Reason:          parsed.Reason,
		Payload:         append([]byte(nil), body...),
	})
	if err != nil {
		// Processing failures are retried internally; the processor still
		// gets its acknowledgement.
		logrus.WithError(err).WithField("event_id", parsed.EventID).Error("Webhook processing failed")
	}

	return c.JSON(fiber.Map{"success": true})
}
