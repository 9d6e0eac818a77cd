package provider

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"mailfollow/models"
	"mailfollow/utils"
)

// Credentials is the decrypted JSON stored in Connection.Credentials.
// Which fields are required depends on the provider.
type Credentials struct {
	// resend
	APIKey string `json:"api_key,omitempty"`

	// gmail
	AccessToken  string     `json:"access_token,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ClientID     string     `json:"client_id,omitempty"`
	ClientSecret string     `json:"client_secret,omitempty"`
	TokenExpiry  *time.Time `json:"token_expiry,omitempty"`

	// smtp
	SMTPHost       string `json:"smtp_host,omitempty"`
	SMTPPort       int    `json:"smtp_port,omitempty"`
	SMTPUsername   string `json:"smtp_username,omitempty"`
	SMTPPassword   string `json:"smtp_password,omitempty"`
	SMTPEncryption string `json:"smtp_encryption,omitempty"` // SSL, TLS, NONE

	// reply polling
	IMAPPassword string `json:"imap_password,omitempty"`
}

// CredentialSaver persists re-encrypted credentials after a token refresh.
type CredentialSaver interface {
	SaveConnectionCredentials(ctx context.Context, id uint, encrypted string) error
}

// Factory builds providers from stored connections.
type Factory struct {
	Cipher     *utils.CredentialCipher
	HTTPClient *fasthttp.Client
	Saver      CredentialSaver
	Logger     *logrus.Entry

	ResendBaseURL string

	// Fallback OAuth client for gmail connections stored without one.
	GoogleClientID     string
	GoogleClientSecret string
	// Overrides for the Google token and Gmail API endpoints; empty means production.
	GoogleTokenURL string
	GmailEndpoint  string

	Timeout time.Duration
}

func (f *Factory) logger() *logrus.Entry {
	if f.Logger != nil {
		return f.Logger
	}
	return utils.NewLogger("provider")
}

// Open decrypts and decodes a connection's credentials.
func (f *Factory) Open(conn *models.Connection) (*Credentials, error) {
	if conn.Credentials == "" {
		return nil, &CredentialsError{Provider: conn.Provider, Reason: "missing"}
	}
	raw, err := f.Cipher.Decrypt(conn.Credentials)
	if err != nil {
		return nil, &CredentialsError{Provider: conn.Provider, Reason: "cannot be decrypted"}
	}
	var creds Credentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return nil, &CredentialsError{Provider: conn.Provider, Reason: "malformed JSON"}
	}
	return &creds, nil
}

// Seal encodes and encrypts credentials for storage.
func (f *Factory) Seal(creds Credentials) (string, error) {
	raw, err := json.Marshal(creds)
	if err != nil {
		return "", err
	}
	return f.Cipher.Encrypt(string(raw))
}

func (f *Factory) client() *fasthttp.Client {
	if f.HTTPClient != nil {
		return f.HTTPClient
	}
	return &fasthttp.Client{Name: "mailfollow"}
}

func (f *Factory) timeout() time.Duration {
	if f.Timeout > 0 {
		return f.Timeout
	}
	return 30 * time.Second
}

// ForConnection returns the provider for conn. Unknown providers and
// incomplete credentials yield a *CredentialsError.
func (f *Factory) ForConnection(conn *models.Connection) (Provider, error) {
	creds, err := f.Open(conn)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(conn.Provider) {
	case models.ProviderResend:
		if creds.APIKey == "" {
			return nil, &CredentialsError{Provider: conn.Provider, Reason: "api_key is required"}
		}
		return &ResendProvider{
			apiKey:  creds.APIKey,
			baseURL: strings.TrimRight(f.ResendBaseURL, "/"),
			client:  f.client(),
			timeout: f.timeout(),
		}, nil

	case models.ProviderGmail:
		if creds.ClientID == "" {
			creds.ClientID, creds.ClientSecret = f.GoogleClientID, f.GoogleClientSecret
		}
		if creds.AccessToken == "" || creds.RefreshToken == "" || creds.ClientID == "" || creds.ClientSecret == "" {
			return nil, &CredentialsError{Provider: conn.Provider, Reason: "OAuth credentials incomplete"}
		}
		endpoint := google.Endpoint
		if f.GoogleTokenURL != "" {
			endpoint.TokenURL = f.GoogleTokenURL
		}
		return &GmailProvider{
			connectionID: conn.ID,
			creds:        *creds,
			oauth: &oauth2.Config{
				ClientID:     creds.ClientID,
				ClientSecret: creds.ClientSecret,
				Endpoint:     endpoint,
			},
			endpoint: f.GmailEndpoint,
			persist:  f.persister(conn.ID),
		}, nil

	case models.ProviderSMTP:
		if creds.SMTPHost == "" || creds.SMTPPort == 0 || creds.SMTPPassword == "" {
			return nil, &CredentialsError{Provider: conn.Provider, Reason: "smtp_host, smtp_port and smtp_password are required"}
		}
		username := creds.SMTPUsername
		if username == "" {
			username = conn.ProviderEmail
		}
		return &SMTPProvider{
			host:       creds.SMTPHost,
			port:       creds.SMTPPort,
			username:   username,
			password:   creds.SMTPPassword,
			encryption: strings.ToUpper(creds.SMTPEncryption),
		}, nil
	}

	return nil, &CredentialsError{Provider: conn.Provider, Reason: "unsupported provider"}
}

func (f *Factory) persister(connectionID uint) func(context.Context, Credentials) {
	return func(ctx context.Context, creds Credentials) {
		if f.Saver == nil {
			return
		}
		sealed, err := f.Seal(creds)
		if err == nil {
			err = f.Saver.SaveConnectionCredentials(ctx, connectionID, sealed)
		}
		if err != nil {
			f.logger().WithError(err).WithField("connection_id", connectionID).Warn("Failed to persist refreshed token")
		}
	}
}
