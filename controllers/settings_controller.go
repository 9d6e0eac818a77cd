package controller

import (
	"github.com/gofiber/fiber/v2"
	"mailfollow/store"
	"mailfollow/utils"
)

type SettingsController struct {
	store store.UserStore
}

func NewSettingsController(s store.UserStore) *SettingsController {
	return &SettingsController{store: s}
}

type settingsRequest struct {
	EmailSignature     *string `json:"email_signature" validate:"omitempty,max=5000"`
	BrandVoice         *string `json:"brand_voice" validate:"omitempty,max=2000"`
	UnsubscribeBaseURL *string `json:"unsubscribe_base_url" validate:"omitempty,url"`
}

func (sc *SettingsController) GetSettings(c *fiber.Ctx) error {
	settings, err := sc.store.GetUserSettings(c.UserContext(), currentUserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(settings)
}

// UpdateSettings changes only the fields present in the body
func (sc *SettingsController) UpdateSettings(c *fiber.Ctx) error {
	var req settingsRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := utils.ValidateStruct(req); err != nil {
		return badRequest(c, err.Error())
	}

	userID := currentUserID(c)
	settings, err := sc.store.GetUserSettings(c.UserContext(), userID)
	if err != nil {
		return respondError(c, err)
	}
	settings.UserID = userID
	if req.EmailSignature != nil {
		settings.EmailSignature = *req.EmailSignature
	}
	if req.BrandVoice != nil {
		settings.BrandVoice = *req.BrandVoice
	}
	if req.UnsubscribeBaseURL != nil {
		settings.UnsubscribeBaseURL = *req.UnsubscribeBaseURL
	}

	if err := sc.store.SaveUserSettings(c.UserContext(), settings); err != nil {
		return respondError(c, err)
	}
	return c.JSON(settings)
}
