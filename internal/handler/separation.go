package handler

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/splitvox/api/internal/client"
	"github.com/splitvox/api/internal/db/repos"
	"github.com/splitvox/api/internal/middleware"
	"github.com/splitvox/api/internal/model"
	"github.com/splitvox/api/internal/service"
	"github.com/splitvox/api/pkg/response"
)

// trialCookie marks a browser that already used its free trial. It is a
// deny fast path only; the authoritative record is the fingerprint row.
const trialCookie = "sv_trial_used"

type SeparationHandler struct {
	service   *service.JobService
	validator *validator.Validate
}

func NewSeparationHandler(svc *service.JobService, v *validator.Validate) *SeparationHandler {
	return &SeparationHandler{
		service:   svc,
		validator: v,
	}
}

// Submit handles POST /api/separation/submit
func (h *SeparationHandler) Submit(c *fiber.Ctx) error {
	var req model.SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	ownerID := middleware.OwnerID(c)

	// Anonymous browsers that already burned their trial are turned
	// away before any fingerprint lookup.
	if ownerID == nil && c.Cookies(trialCookie) != "" && req.TrialBypass == "" {
		return response.Forbidden(c, "Free trial already used")
	}

	result, err := h.service.Submit(c.Context(), ownerID, &req, clientFingerprint(c), c.Get("User-Agent"))
	if err != nil {
		var denied *service.DeniedError
		if errors.As(err, &denied) {
			switch denied.Reason {
			case service.ReasonInsufficientCredits:
				return response.PaymentRequired(c, response.CodeInsufficientCredits, "Not enough credits")
			case service.ReasonFreeTrialExhausted:
				return response.Error(c, fiber.StatusForbidden, response.CodeFreeTrialExhausted, "Free trial already used", nil)
			}
			return response.Forbidden(c, denied.Error())
		}
		if errors.Is(err, client.ErrValidation) {
			return response.ValidationError(c, err.Error(), nil)
		}
		return response.ServiceError(c, "Failed to submit separation job")
	}

	// Bypass submissions are granted without touching the trial, so
	// they must not mark the browser as having spent it. The
	// fingerprint row stays authoritative either way.
	if ownerID == nil && req.TrialBypass == "" {
		c.Cookie(&fiber.Cookie{
			Name:     trialCookie,
			Value:    "1",
			MaxAge:   365 * 24 * 60 * 60,
			HTTPOnly: true,
			SameSite: "Lax",
		})
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/separation/status/:processId
func (h *SeparationHandler) Status(c *fiber.Ctx) error {
	processID := c.Params("processId")
	if processID == "" {
		return response.ValidationError(c, "Process ID is required", nil)
	}

	result, err := h.service.Status(c.Context(), processID)
	if err != nil {
		if errors.Is(err, repos.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, "Failed to fetch job status")
	}

	return response.OK(c, result)
}

// clientFingerprint identifies the device behind an anonymous request.
// Behind the gateway the forwarded address is used; the UA narrows
// shared NAT addresses somewhat without pretending to be precise.
func clientFingerprint(c *fiber.Ctx) string {
	sum := sha256.Sum256([]byte(c.IP() + "|" + c.Get("User-Agent")))
	return hex.EncodeToString(sum[:])
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
