package controller

import (
	"github.com/gofiber/fiber/v2"
	"mailfollow/draft"
	"mailfollow/models"
	"mailfollow/store"
	"mailfollow/utils"
)

type DraftController struct {
	store     store.UserStore
	generator draft.Generator
}

func NewDraftController(s store.UserStore, generator draft.Generator) *DraftController {
	return &DraftController{store: s, generator: generator}
}

type generateRequest struct {
	OriginalSubject string `json:"original_subject" validate:"required"`
	OriginalBody    string `json:"original_body" validate:"required"`
	RecipientName   string `json:"recipient_name"`
	Tone            string `json:"tone" validate:"omitempty,tone"`
}

// GenerateDraft previews a draft without storing it on any job
func (dc *DraftController) GenerateDraft(c *fiber.Ctx) error {
	var req generateRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := utils.ValidateStruct(req); err != nil {
		return badRequest(c, err.Error())
	}
	if req.Tone == "" {
		req.Tone = models.ToneProfessional
	}

	settings, err := dc.store.GetUserSettings(c.UserContext(), currentUserID(c))
	if err != nil {
		return respondError(c, err)
	}

	d, err := dc.generator.Generate(c.UserContext(), draft.Request{
		OriginalSubject: req.OriginalSubject,
		OriginalBody:    req.OriginalBody,
		RecipientName:   req.RecipientName,
		Tone:            req.Tone,
		BrandVoice:      settings.BrandVoice,
		Signature:       settings.EmailSignature,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(d)
}
