package utils

import (
	"strings"
	"testing"
	"time"
)

func TestRenderEmailHTMLEscapesAndBreaksLines(t *testing.T) {
	html, err := RenderEmailHTML("Hi <b>Sam</b>\nSecond line", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(html, "Hi &lt;b&gt;Sam&lt;/b&gt;<br>Second line") {
		t.Errorf("body not escaped with line breaks:\n%s", html)
	}
	if strings.Contains(html, "Unsubscribe") {
		t.Error("unsubscribe block rendered without a URL")
	}
	if strings.Contains(html, "border-top") {
		t.Error("signature block rendered without a signature")
	}
}

func TestRenderEmailHTMLSignatureAndUnsubscribe(t *testing.T) {
	html, err := RenderEmailHTML("Body", "Jane\nAcme & Co", "https://example.com/unsub?email=a%40b.com")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(html, "Jane<br>Acme &amp; Co") {
		t.Errorf("signature missing:\n%s", html)
	}
	if !strings.Contains(html, `href="https://example.com/unsub?email=a%40b.com"`) {
		t.Errorf("unsubscribe link missing:\n%s", html)
	}
}

func TestUnsubscribeLink(t *testing.T) {
	if got := UnsubscribeLink("", "a@b.com"); got != "" {
		t.Errorf("empty base gave %q", got)
	}
	if got := UnsubscribeLink("https://x.io/u", "a@b.com"); got != "https://x.io/u?email=a%40b.com" {
		t.Errorf("got %q", got)
	}
	if got := UnsubscribeLink("https://x.io/u?t=1", "a@b.com"); got != "https://x.io/u?t=1&email=a%40b.com" {
		t.Errorf("got %q", got)
	}
}

func TestCredentialCipher(t *testing.T) {
	c, err := NewCredentialCipher("short-secret")
	if err != nil {
		t.Fatal(err)
	}
	enc, err := c.Encrypt(`{"api_key":"re_123"}`)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(enc, "re_123") {
		t.Fatal("ciphertext leaks plaintext")
	}
	dec, err := c.Decrypt(enc)
	if err != nil {
		t.Fatal(err)
	}
	if dec != `{"api_key":"re_123"}` {
		t.Errorf("decrypted %q", dec)
	}

	other, _ := NewCredentialCipher("another-secret")
	if _, err := other.Decrypt(enc); err == nil {
		t.Error("decrypt with wrong key succeeded")
	}
	if _, err := NewCredentialCipher(""); err == nil {
		t.Error("empty secret accepted")
	}
}

func TestJWTRoundTrip(t *testing.T) {
	token, err := GenerateJWTToken(42, "s3cret", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := ParseJWTToken(token, "s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if claims.UserID != 42 {
		t.Errorf("user id = %d", claims.UserID)
	}
	if _, err := ParseJWTToken(token, "wrong"); err == nil {
		t.Error("token verified with wrong secret")
	}
	expired, _ := GenerateJWTToken(42, "s3cret", -time.Minute)
	if _, err := ParseJWTToken(expired, "s3cret"); err == nil {
		t.Error("expired token accepted")
	}
}

func TestValidateStructTone(t *testing.T) {
	type input struct {
		Tone  string `validate:"required,tone"`
		Delay int    `validate:"min=1,max=168"`
	}
	if err := ValidateStruct(input{Tone: "friendly", Delay: 24}); err != nil {
		t.Errorf("valid input rejected: %v", err)
	}
	err := ValidateStruct(input{Tone: "angry", Delay: 200})
	if err == nil {
		t.Fatal("invalid input accepted")
	}
	if !strings.Contains(err.Error(), "tone must be") || !strings.Contains(err.Error(), "delay must be at most 168") {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestValidateRecipient(t *testing.T) {
	if err := ValidateRecipient("lead@example.com"); err != nil {
		t.Errorf("valid address rejected: %v", err)
	}
	if err := ValidateRecipient("not-an-email"); err == nil {
		t.Error("invalid address accepted")
	}
}
