package controller

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"mailfollow/delivery"
	"mailfollow/models"
	"mailfollow/provider"
	"mailfollow/store"
	"mailfollow/utils"
)

// CredentialSealer encrypts credentials for storage; provider.Factory implements it.
type CredentialSealer interface {
	Seal(creds provider.Credentials) (string, error)
}

type ConnectionController struct {
	store   store.Store
	sealer  CredentialSealer
	service *delivery.Service
	logger  *logrus.Entry
}

func NewConnectionController(s store.Store, sealer CredentialSealer, service *delivery.Service) *ConnectionController {
	return &ConnectionController{
		store:   s,
		sealer:  sealer,
		service: service,
		logger:  utils.NewLogger("connections-api"),
	}
}

type connectionRequest struct {
	Provider       string               `json:"provider" validate:"required,oneof=resend gmail smtp"`
	ProviderEmail  string               `json:"provider_email" validate:"required,email"`
	FromName       string               `json:"from_name" validate:"max=100"`
	Credentials    provider.Credentials `json:"credentials"`
	IMAPHost       string               `json:"imap_host"`
	IMAPPort       int                  `json:"imap_port" validate:"omitempty,min=1,max=65535"`
	IMAPUsername   string               `json:"imap_username"`
	IMAPEncryption string               `json:"imap_encryption" validate:"omitempty,oneof=SSL TLS STARTTLS NONE"`
	IMAPMailbox    string               `json:"imap_mailbox"`
}

type connectionUpdate struct {
	FromName       *string               `json:"from_name" validate:"omitempty,max=100"`
	IsActive       *bool                 `json:"is_active"`
	Credentials    *provider.Credentials `json:"credentials"`
	IMAPHost       *string               `json:"imap_host"`
	IMAPPort       *int                  `json:"imap_port" validate:"omitempty,min=1,max=65535"`
	IMAPUsername   *string               `json:"imap_username"`
	IMAPEncryption *string               `json:"imap_encryption" validate:"omitempty,oneof=SSL TLS STARTTLS NONE"`
	IMAPMailbox    *string               `json:"imap_mailbox"`
}

// CreateConnection stores a new sending account with encrypted credentials
func (cc *ConnectionController) CreateConnection(c *fiber.Ctx) error {
	var req connectionRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	req.Provider = strings.ToLower(strings.TrimSpace(req.Provider))
	if err := utils.ValidateStruct(req); err != nil {
		return badRequest(c, err.Error())
	}

	sealed, err := cc.sealer.Seal(req.Credentials)
	if err != nil {
		return respondError(c, err)
	}

	conn := &models.Connection{
		UserID:         currentUserID(c),
		Provider:       req.Provider,
		ProviderEmail:  utils.NormalizeEmail(req.ProviderEmail),
		FromName:       req.FromName,
		Status:         models.ConnectionActive,
		IsActive:       true,
		Credentials:    sealed,
		IMAPHost:       req.IMAPHost,
		IMAPPort:       req.IMAPPort,
		IMAPUsername:   req.IMAPUsername,
		IMAPEncryption: strings.ToUpper(req.IMAPEncryption),
		IMAPMailbox:    req.IMAPMailbox,
	}
	if conn.IMAPHost != "" && conn.IMAPPort == 0 {
		conn.IMAPPort = 993
	}
	if err := cc.store.CreateConnection(c.UserContext(), conn); err != nil {
		return respondError(c, err)
	}

	cc.logger.WithFields(logrus.Fields{
		"connection_id": conn.ID,
		"provider":      conn.Provider,
	}).Info("Connection created")

	conn.Sanitize()
	return c.Status(fiber.StatusCreated).JSON(conn)
}

func (cc *ConnectionController) GetConnections(c *fiber.Ctx) error {
	conns, err := cc.store.ListConnections(c.UserContext(), currentUserID(c))
	if err != nil {
		return respondError(c, err)
	}
	for i := range conns {
		conns[i].Sanitize()
	}
	return c.JSON(conns)
}

func (cc *ConnectionController) GetConnection(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	conn, err := cc.store.GetUserConnection(c.UserContext(), currentUserID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	conn.Sanitize()
	return c.JSON(conn)
}

// UpdateConnection applies a partial update. New credentials replace the old
// ones wholesale and put the connection back to active until validated.
func (cc *ConnectionController) UpdateConnection(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var req connectionUpdate
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := utils.ValidateStruct(req); err != nil {
		return badRequest(c, err.Error())
	}

	conn, err := cc.store.GetUserConnection(c.UserContext(), currentUserID(c), id)
	if err != nil {
		return respondError(c, err)
	}

	if req.FromName != nil {
		conn.FromName = *req.FromName
	}
	if req.IsActive != nil {
		conn.IsActive = *req.IsActive
		if *req.IsActive && conn.Status == models.ConnectionDisabled {
			conn.Status = models.ConnectionActive
		}
		if !*req.IsActive {
			conn.Status = models.ConnectionDisabled
		}
	}
	if req.Credentials != nil {
		sealed, err := cc.sealer.Seal(*req.Credentials)
		if err != nil {
			return respondError(c, err)
		}
		conn.Credentials = sealed
		conn.LastError = nil
		if conn.IsActive {
			conn.Status = models.ConnectionActive
		}
	}
	if req.IMAPHost != nil {
		conn.IMAPHost = *req.IMAPHost
	}
	if req.IMAPPort != nil {
		conn.IMAPPort = *req.IMAPPort
	}
	if req.IMAPUsername != nil {
		conn.IMAPUsername = *req.IMAPUsername
	}
	if req.IMAPEncryption != nil {
		conn.IMAPEncryption = strings.ToUpper(*req.IMAPEncryption)
	}
	if req.IMAPMailbox != nil {
		conn.IMAPMailbox = *req.IMAPMailbox
	}

	if err := cc.store.SaveConnection(c.UserContext(), conn); err != nil {
		return respondError(c, err)
	}
	conn.Sanitize()
	return c.JSON(conn)
}

func (cc *ConnectionController) DeleteConnection(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	if err := cc.store.DeleteConnection(c.UserContext(), currentUserID(c), id); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Connection deleted"})
}

// ValidateConnection checks the stored credentials against the provider
func (cc *ConnectionController) ValidateConnection(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	conn, err := cc.service.Validate(c.UserContext(), currentUserID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	conn.Sanitize()
	return c.JSON(fiber.Map{"valid": true, "connection": conn})
}
