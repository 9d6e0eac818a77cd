package controller

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"mailfollow/delivery"
	"mailfollow/models"
	"mailfollow/store"
	"mailfollow/utils"
)

type FollowUpController struct {
	service *delivery.Service
	store   store.Store
	logger  *logrus.Entry
}

func NewFollowUpController(service *delivery.Service, s store.Store) *FollowUpController {
	return &FollowUpController{
		service: service,
		store:   s,
		logger:  utils.NewLogger("followups-api"),
	}
}

// followUpView adds the display status: pending jobs not yet due read as scheduled.
type followUpView struct {
	*models.FollowUpJob
	DisplayStatus string `json:"display_status"`
}

func viewOf(j *models.FollowUpJob) followUpView {
	return followUpView{FollowUpJob: j, DisplayStatus: j.DisplayStatus(time.Now())}
}

type sendResultResponse struct {
	Job      followUpView     `json:"job"`
	Outcome  delivery.Outcome `json:"outcome"`
	Attempts int              `json:"attempts"`
	RetryAt  *time.Time       `json:"retry_at,omitempty"`
	Error    string           `json:"error,omitempty"`
}

func sendResponse(job *models.FollowUpJob, res delivery.Result) sendResultResponse {
	out := sendResultResponse{Job: viewOf(job), Outcome: res.Outcome, Attempts: res.Attempts, RetryAt: res.RetryAt}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

// CreateFollowUp schedules a new follow-up
func (fc *FollowUpController) CreateFollowUp(c *fiber.Ctx) error {
	var req delivery.CreateInput
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	job, err := fc.service.Create(c.UserContext(), currentUserID(c), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(viewOf(job))
}

// GetFollowUps lists the user's follow-ups, newest first
func (fc *FollowUpController) GetFollowUps(c *fiber.Ctx) error {
	limit, offset := utils.Paging(c, 20, 100)
	status := c.Query("status")
	if status != "" && !validStatus(status) {
		return badRequest(c, "Invalid status filter")
	}

	jobs, total, err := fc.store.ListFollowUps(c.UserContext(), store.JobFilter{
		UserID: currentUserID(c),
		Status: status,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return respondError(c, err)
	}

	views := make([]followUpView, len(jobs))
	for i := range jobs {
		views[i] = viewOf(&jobs[i])
	}
	return c.JSON(utils.PaginatedResponse{Data: views, Total: total, Limit: limit, Offset: offset})
}

func validStatus(s string) bool {
	for _, st := range models.FollowUpStatuses {
		if st == s {
			return true
		}
	}
	return false
}

// GetFollowUp returns one follow-up with its replies and delivery attempts
func (fc *FollowUpController) GetFollowUp(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	job, err := fc.store.GetUserFollowUp(c.UserContext(), currentUserID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	attempts, err := fc.store.ListAttempts(c.UserContext(), job.ID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"job":      viewOf(job),
		"attempts": attempts,
	})
}

func (fc *FollowUpController) CancelFollowUp(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	job, err := fc.service.Cancel(c.UserContext(), currentUserID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(viewOf(job))
}

// SendNow delivers a follow-up immediately, ignoring its schedule
func (fc *FollowUpController) SendNow(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	job, res, err := fc.service.SendNow(c.UserContext(), currentUserID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(sendResponse(job, res))
}

// RetryFollowUp resets the retry budget and delivers again
func (fc *FollowUpController) RetryFollowUp(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	job, res, err := fc.service.Retry(c.UserContext(), currentUserID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(sendResponse(job, res))
}

type testEmailRequest struct {
	ConnectionID uint   `json:"connection_id" validate:"required"`
	ToEmail      string `json:"to_email" validate:"required,email"`
}

// SendTestEmail sends the connection test message
func (fc *FollowUpController) SendTestEmail(c *fiber.Ctx) error {
	var req testEmailRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := utils.ValidateStruct(req); err != nil {
		return badRequest(c, err.Error())
	}

	sr, err := fc.service.SendTest(c.UserContext(), currentUserID(c), req.ConnectionID, req.ToEmail)
	if err != nil {
		return respondError(c, err)
	}
	fc.logger.WithFields(logrus.Fields{
		"connection_id": req.ConnectionID,
		"provider":      sr.Provider,
	}).Info("Test email sent")
	return c.JSON(fiber.Map{
		"success":    true,
		"message":    "Test email sent to " + req.ToEmail,
		"message_id": sr.MessageID,
		"provider":   sr.Provider,
	})
}
