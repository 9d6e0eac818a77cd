package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"mailfollow/delivery"
	"mailfollow/draft"
	"mailfollow/replies"
	"mailfollow/store"
	"mailfollow/utils"
)

// currentUserID returns the id set by middleware.Protected.
func currentUserID(c *fiber.Ctx) uint {
	id, _ := c.Locals("userID").(uint)
	return id
}

// idParam parses a positive numeric route parameter.
func idParam(c *fiber.Ctx, name string) (uint, error) {
	id, err := c.ParamsInt(name)
	if err != nil || id <= 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "Invalid "+name)
	}
	return uint(id), nil
}

// respondError maps service errors to HTTP statuses.
func respondError(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	var genErr *draft.GenerationError
	switch {
	case errors.As(err, &fe):
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
	case errors.Is(err, store.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Not found"})
	case errors.Is(err, store.ErrDuplicate), errors.Is(err, replies.ErrAlreadyRecorded):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, replies.ErrNoMatch):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.As(err, &genErr):
		utils.LogError("draft_generation_failed", err, map[string]interface{}{"path": c.Path()})
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
	}

	switch delivery.KindOf(err) {
	case delivery.KindValidation, delivery.KindConfiguration:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case delivery.KindTransient, delivery.KindDraftGeneration:
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
	}

	utils.LogError("api_internal_error", err, map[string]interface{}{
		"path":    c.Path(),
		"method":  c.Method(),
		"user_id": currentUserID(c),
	})
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal server error"})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}
