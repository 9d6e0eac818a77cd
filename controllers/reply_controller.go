package controller

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"mailfollow/models"
	"mailfollow/replies"
	"mailfollow/store"
	"mailfollow/utils"
)

const dateLayout = "2006-01-02"

type ReplyController struct {
	store   store.Store
	handler *replies.Handler
	logger  *logrus.Entry
}

func NewReplyController(s store.Store, handler *replies.Handler) *ReplyController {
	return &ReplyController{
		store:   s,
		handler: handler,
		logger:  utils.NewLogger("replies-api"),
	}
}

// GetReplies lists replies, newest first. end_date is inclusive.
func (rc *ReplyController) GetReplies(c *fiber.Ctx) error {
	limit, offset := utils.Paging(c, 50, 200)
	filter := store.ReplyFilter{
		UserID: currentUserID(c),
		Search: c.Query("search"),
		Limit:  limit,
		Offset: offset,
	}

	if v := c.Query("start_date"); v != "" {
		from, err := time.Parse(dateLayout, v)
		if err != nil {
			return badRequest(c, "Invalid start_date, expected YYYY-MM-DD")
		}
		filter.From = &from
	}
	if v := c.Query("end_date"); v != "" {
		end, err := time.Parse(dateLayout, v)
		if err != nil {
			return badRequest(c, "Invalid end_date, expected YYYY-MM-DD")
		}
		to := end.AddDate(0, 0, 1)
		filter.To = &to
	}

	list, err := rc.store.ListReplies(c.UserContext(), filter)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(list)
}

func (rc *ReplyController) GetReply(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	reply, err := rc.store.GetUserReply(c.UserContext(), currentUserID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(reply)
}

// InboundReply accepts a raw inbound message from a mail webhook and
// correlates it to a follow-up.
func (rc *ReplyController) InboundReply(c *fiber.Ctx) error {
	var msg replies.Inbound
	if err := c.BodyParser(&msg); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := utils.ValidateStruct(msg); err != nil {
		return badRequest(c, err.Error())
	}
	msg.Source = models.ReplySourceWebhook

	reply, err := rc.handler.Ingest(c.UserContext(), currentUserID(c), msg)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(reply)
}

// SimulateReply records a reply against a known follow-up, as if the
// recipient had answered.
func (rc *ReplyController) SimulateReply(c *fiber.Ctx) error {
	var in replies.Input
	if err := c.BodyParser(&in); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := utils.ValidateStruct(in); err != nil {
		return badRequest(c, err.Error())
	}
	in.Source = models.ReplySourceSimulated

	reply, cancelled, err := rc.handler.Record(c.UserContext(), currentUserID(c), in)
	if err != nil {
		return respondError(c, err)
	}
	rc.logger.WithFields(logrus.Fields{
		"job_id":    in.JobID,
		"cancelled": cancelled,
	}).Info("Simulated reply recorded")

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"reply":               reply,
		"cancelled_followups": cancelled,
	})
}
