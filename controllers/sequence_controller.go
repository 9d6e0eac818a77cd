package controller

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"mailfollow/models"
	"mailfollow/sequences"
	"mailfollow/utils"
)

type SequenceController struct {
	service *sequences.Service
}

func NewSequenceController(service *sequences.Service) *SequenceController {
	return &SequenceController{service: service}
}

func (sc *SequenceController) CreateSequence(c *fiber.Ctx) error {
	var req sequences.CreateInput
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	seq, err := sc.service.Create(c.UserContext(), currentUserID(c), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(seq)
}

// GetSequences lists sequences with step and enrollment counts
func (sc *SequenceController) GetSequences(c *fiber.Ctx) error {
	limit, offset := utils.Paging(c, 20, 100)
	var isActive *bool
	if v := c.Query("is_active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return badRequest(c, "Invalid is_active filter")
		}
		isActive = &b
	}

	list, err := sc.service.List(c.UserContext(), currentUserID(c), isActive, limit, offset)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(list)
}

func (sc *SequenceController) GetSequence(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	seq, err := sc.service.Get(c.UserContext(), currentUserID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(seq)
}

func (sc *SequenceController) UpdateSequence(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var req sequences.UpdateInput
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	seq, err := sc.service.Update(c.UserContext(), currentUserID(c), id, req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(seq)
}

func (sc *SequenceController) DeleteSequence(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	if err := sc.service.Delete(c.UserContext(), currentUserID(c), id); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Sequence deleted"})
}

// StartSequence enrolls a recipient; the first step goes out on the next
// sequence worker pass.
func (sc *SequenceController) StartSequence(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var req sequences.StartInput
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	enrollment, err := sc.service.Start(c.UserContext(), currentUserID(c), id, req)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(enrollment)
}

func (sc *SequenceController) GetEnrollments(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	limit, offset := utils.Paging(c, 50, 200)
	status := c.Query("status")
	switch status {
	case "", models.EnrollmentActive, models.EnrollmentCompleted, models.EnrollmentStopped, models.EnrollmentFailed:
	default:
		return badRequest(c, "Invalid status filter")
	}

	list, err := sc.service.ListEnrollments(c.UserContext(), currentUserID(c), id, status, limit, offset)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(list)
}

func (sc *SequenceController) StopEnrollment(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	enrollmentID, err := idParam(c, "enrollment_id")
	if err != nil {
		return respondError(c, err)
	}
	enrollment, err := sc.service.Stop(c.UserContext(), currentUserID(c), id, enrollmentID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(enrollment)
}
