package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/splitvox/api/internal/middleware"
	"github.com/splitvox/api/internal/model"
	"github.com/splitvox/api/internal/service"
	"github.com/splitvox/api/pkg/response"
)

type BillingHandler struct {
	service *service.BillingService
}

func NewBillingHandler(svc *service.BillingService) *BillingHandler {
	return &BillingHandler{service: svc}
}

// Webhook handles POST /webhooks/payment
func (h *BillingHandler) Webhook(c *fiber.Ctx) error {
	signature := c.Get("X-Payment-Signature")

	err := h.service.HandlePaymentEvent(c.Context(), c.Body(), signature)
	if err != nil {
		if errors.Is(err, service.ErrInvalidSignature) {
			return response.Error(c, fiber.StatusBadRequest, response.CodeInvalidSignature, "Invalid webhook signature", nil)
		}
		// Signal the processor to retry delivery.
		return response.ServiceError(c, "Failed to process payment event")
	}

	return response.OK(c, fiber.Map{"received": true})
}

// Balance handles GET /api/credits/balance
func (h *BillingHandler) Balance(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)
	if userID == "" {
		return response.Unauthorized(c, "Authentication required")
	}

	balance, err := h.service.Balance(c.Context(), userID)
	if err != nil {
		return response.ServiceError(c, "Failed to fetch balance")
	}

	return response.OK(c, model.BalanceResponse{Balance: balance})
}
