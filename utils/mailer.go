package utils

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/badoux/checkmail"
)

const followUpLayout = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Email</title>
</head>
<body style="margin: 0; padding: 0; font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Arial, sans-serif; line-height: 1.6; color: #1f2937; background-color: #f9fafb;">
    <table role="presentation" style="width: 100%; border-collapse: collapse;">
        <tr>
            <td align="center" style="padding: 40px 0;">
                <table role="presentation" style="width: 600px; max-width: 100%; border-collapse: collapse; background-color: #ffffff; border-radius: 8px;">
                    <tr>
                        <td style="padding: 40px;">
                            <div style="font-size: 15px; line-height: 24px; color: #374151;">{{.Body}}</div>
                            {{- if .Signature}}
                            <div style="margin-top: 30px; padding-top: 20px; border-top: 1px solid #e5e7eb; color: #6b7280;">{{.Signature}}</div>
                            {{- end}}
                        </td>
                    </tr>
                </table>
                {{- if .UnsubscribeURL}}
                <div style="margin-top: 30px; text-align: center; font-size: 12px; color: #9ca3af;">
                    <p>Don't want to receive these emails? <a href="{{.UnsubscribeURL}}" style="color: #6366f1;">Unsubscribe</a></p>
                </div>
                {{- end}}
            </td>
        </tr>
    </table>
</body>
</html>`

var followUpTemplate = template.Must(template.New("followup").Parse(followUpLayout))

type followUpView struct {
	Body           template.HTML
	Signature      template.HTML
	UnsubscribeURL string
}

// textToHTML escapes plain text and keeps its line breaks.
func textToHTML(s string) template.HTML {
	escaped := template.HTMLEscapeString(s)
	escaped = strings.ReplaceAll(escaped, "\r\n", "\n")
	return template.HTML(strings.ReplaceAll(escaped, "\n", "<br>"))
}

// RenderEmailHTML wraps a plain-text body in the follow-up HTML layout.
// Signature and unsubscribe blocks are omitted when empty.
func RenderEmailHTML(body, signature, unsubscribeURL string) (string, error) {
	view := followUpView{
		Body:           textToHTML(body),
		UnsubscribeURL: strings.TrimSpace(unsubscribeURL),
	}
	if strings.TrimSpace(signature) != "" {
		view.Signature = textToHTML(signature)
	}

	var buf bytes.Buffer
	if err := followUpTemplate.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("render email: %w", err)
	}
	return buf.String(), nil
}

// UnsubscribeLink builds the per-recipient unsubscribe URL, or "" when no
// base URL is configured.
func UnsubscribeLink(baseURL, recipient string) string {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return ""
	}
	sep := "?"
	if strings.Contains(baseURL, "?") {
		sep = "&"
	}
	return baseURL + sep + "email=" + template.URLQueryEscaper(recipient)
}

// RenderTestEmail builds the subject and HTML used to verify a connection.
func RenderTestEmail(fromName string) (string, string, error) {
	if fromName == "" {
		fromName = "your account"
	}
	body := fmt.Sprintf(`Hi there!

This is a test email from %s to verify your email connection is working correctly.

If you're receiving this, your email integration is set up properly and ready to send follow-up emails.

Best regards,
Mailfollow`, fromName)

	html, err := RenderEmailHTML(body, "Sent via Mailfollow\nFollow-up automation", "")
	if err != nil {
		return "", "", err
	}
	return fmt.Sprintf("Test email (%s)", time.Now().UTC().Format("2006-01-02 15:04 MST")), html, nil
}

// NormalizeEmail lowercases and trims an address for matching.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateRecipient checks the address syntax.
func ValidateRecipient(email string) error {
	if err := checkmail.ValidateFormat(strings.TrimSpace(email)); err != nil {
		return fmt.Errorf("invalid recipient email %q: %w", email, err)
	}
	return nil
}
