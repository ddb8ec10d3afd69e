package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/avalos-dev/gradebatch-api/internal/dto"
	"github.com/avalos-dev/gradebatch-api/internal/grading"
	"github.com/avalos-dev/gradebatch-api/internal/service"
	"github.com/avalos-dev/gradebatch-api/internal/utils"
)

// BatchHandler exposes the grading batch lifecycle over HTTP.
type BatchHandler struct {
	service service.BatchService
	logger  zerolog.Logger
}

// NewBatchHandler constructs a batch handler.
func NewBatchHandler(service service.BatchService, logger zerolog.Logger) *BatchHandler {
	return &BatchHandler{
		service: service,
		logger:  logger.With().Str("component", "batch_handler").Logger(),
	}
}

// Register wires batch routes.
func (h *BatchHandler) Register(router fiber.Router) {
	router.Post("", h.run)
	router.Post("/async", h.start)
	router.Get("", h.list)
	router.Get("/:id", h.poll)
	router.Get("/:id/results", h.results)
	router.Delete("/:id", h.cancel)
}

// run grades the whole batch before responding. Large batches should prefer
// the async endpoint and poll.
func (h *BatchHandler) run(c *fiber.Ctx) error {
	var payload dto.BatchCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	response, err := h.service.Run(c.Context(), payload)
	if err != nil {
		return h.fail(c, err, "failed to grade batch")
	}

	return utils.SendSuccess(c, "batch graded", response)
}

func (h *BatchHandler) start(c *fiber.Ctx) error {
	var payload dto.BatchCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	response, err := h.service.Start(c.Context(), payload)
	if err != nil {
		return h.fail(c, err, "failed to start batch")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "batch accepted", response)
}

func (h *BatchHandler) poll(c *fiber.Ctx) error {
	response, err := h.service.Poll(c.Context(), c.Params("id"))
	if err != nil {
		return h.fail(c, err, "failed to fetch batch")
	}

	return utils.SendSuccess(c, "batch report", response)
}

func (h *BatchHandler) list(c *fiber.Ctx) error {
	response, err := h.service.List(c.Context())
	if err != nil {
		return h.fail(c, err, "failed to list batches")
	}

	return utils.SendSuccess(c, "batches", response)
}

func (h *BatchHandler) results(c *fiber.Ctx) error {
	response, err := h.service.Results(c.Context(), c.Params("id"))
	if err != nil {
		return h.fail(c, err, "failed to fetch results")
	}

	return utils.SendSuccess(c, "batch results", response)
}

func (h *BatchHandler) cancel(c *fiber.Ctx) error {
	if err := h.service.Cancel(c.Context(), c.Params("id")); err != nil {
		return h.fail(c, err, "failed to cancel batch")
	}

	return utils.SendSuccess(c, "batch cancellation requested", nil)
}

func (h *BatchHandler) fail(c *fiber.Ctx, err error, fallback string) error {
	var validationErrs validator.ValidationErrors
	var configErr *grading.ConfigurationError

	switch {
	case errors.Is(err, service.ErrBatchNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "batch not found")
	case errors.As(err, &validationErrs):
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload: "+validationErrs.Error())
	case errors.As(err, &configErr):
		return utils.SendError(c, fiber.StatusBadRequest, configErr.Error())
	default:
		h.logger.Error().Err(err).Msg(fallback)
		return utils.SendError(c, fiber.StatusInternalServerError, fallback)
	}
}
