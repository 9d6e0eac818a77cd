package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"
	"mailfollow/models"
	"mailfollow/provider"
	"mailfollow/replies"
	"mailfollow/utils"
)

// MailboxFetcher reads recent unseen messages from a connection's inbox.
type MailboxFetcher interface {
	FetchUnseen(ctx context.Context, conn *models.Connection, password string, since time.Time) ([]replies.Inbound, error)
}

// CredentialOpener decrypts a connection's stored credentials.
type CredentialOpener interface {
	Open(conn *models.Connection) (*provider.Credentials, error)
}

type PollableConnections interface {
	ListPollableConnections(ctx context.Context) ([]models.Connection, error)
}

type ReplyIngester interface {
	Ingest(ctx context.Context, userID uint, msg replies.Inbound) (*models.Reply, error)
}

// PollStats summarizes one pass over all pollable inboxes.
type PollStats struct {
	Connections int `json:"connections"`
	Fetched     int `json:"fetched"`
	Matched     int `json:"matched"`
	Duplicates  int `json:"duplicates"`
	Unmatched   int `json:"unmatched"`
	Errors      int `json:"errors"`
}

// ReplyPoller fetches inbound mail over IMAP and hands it to the reply
// handler. Messages are read with PEEK so the user's unread state is kept;
// repeats are dropped by Message-ID.
type ReplyPoller struct {
	Store       PollableConnections
	Replies     ReplyIngester
	Fetcher     MailboxFetcher
	Credentials CredentialOpener
	Interval    time.Duration
	// Lookback bounds the IMAP search to recent mail.
	Lookback time.Duration
	Now      func() time.Time
	Logger   *logrus.Entry
}

func (p *ReplyPoller) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

func (p *ReplyPoller) log() *logrus.Entry {
	if p.Logger != nil {
		return p.Logger
	}
	return utils.NewLogger("reply-poller")
}

func (p *ReplyPoller) Start(ctx context.Context) {
	p.log().WithField("interval", p.Interval).Info("Reply poller started")
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.PollOnce(ctx)
		case <-ctx.Done():
			p.log().Info("Stopping reply poller...")
			return
		}
	}
}

// PollOnce polls every active connection with an IMAP host.
func (p *ReplyPoller) PollOnce(ctx context.Context) PollStats {
	var stats PollStats

	conns, err := p.Store.ListPollableConnections(ctx)
	if err != nil {
		p.log().WithError(err).Error("Failed to load pollable connections")
		stats.Errors++
		return stats
	}

	lookback := p.Lookback
	if lookback <= 0 {
		lookback = 7 * 24 * time.Hour
	}
	since := p.now().Add(-lookback)

	for i := range conns {
		conn := &conns[i]
		stats.Connections++
		log := p.log().WithFields(logrus.Fields{"connection_id": conn.ID, "user_id": conn.UserID})

		creds, err := p.Credentials.Open(conn)
		if err != nil {
			log.WithError(err).Warn("Cannot open connection credentials for polling")
			stats.Errors++
			continue
		}
		password := creds.IMAPPassword
		if password == "" {
			password = creds.SMTPPassword
		}

		msgs, err := p.Fetcher.FetchUnseen(ctx, conn, password, since)
		if err != nil {
			log.WithError(err).Warn("Failed to fetch inbox")
			stats.Errors++
			continue
		}
		stats.Fetched += len(msgs)

		for _, msg := range msgs {
			msg.Source = models.ReplySourceIMAP
			_, err := p.Replies.Ingest(ctx, conn.UserID, msg)
			switch {
			case err == nil:
				stats.Matched++
			case errors.Is(err, replies.ErrAlreadyRecorded):
				stats.Duplicates++
			case errors.Is(err, replies.ErrNoMatch):
				stats.Unmatched++
			default:
				stats.Errors++
				log.WithError(err).WithField("message_id", msg.MessageID).Warn("Failed to record inbound reply")
			}
		}
	}

	if stats.Fetched > 0 || stats.Errors > 0 {
		p.log().WithFields(logrus.Fields{
			"connections": stats.Connections,
			"fetched":     stats.Fetched,
			"matched":     stats.Matched,
			"duplicates":  stats.Duplicates,
			"unmatched":   stats.Unmatched,
			"errors":      stats.Errors,
		}).Info("Reply poll complete")
	}
	return stats
}

// IMAPFetcher implements MailboxFetcher with go-imap.
type IMAPFetcher struct {
	Timeout time.Duration
}

func (f *IMAPFetcher) dial(conn *models.Connection) (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", conn.IMAPHost, conn.IMAPPort)
	tlsConfig := &tls.Config{ServerName: conn.IMAPHost}

	var (
		c   *client.Client
		err error
	)
	switch strings.ToUpper(conn.IMAPEncryption) {
	case "SSL", "TLS", "":
		c, err = client.DialTLS(addr, tlsConfig)
	case "STARTTLS":
		c, err = client.Dial(addr)
		if err == nil {
			err = c.StartTLS(tlsConfig)
		}
	default:
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	if f.Timeout > 0 {
		c.Timeout = f.Timeout
	}
	return c, nil
}

func (f *IMAPFetcher) FetchUnseen(ctx context.Context, conn *models.Connection, password string, since time.Time) ([]replies.Inbound, error) {
	c, err := f.dial(conn)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	username := conn.IMAPUsername
	if username == "" {
		username = conn.ProviderEmail
	}
	if err := c.Login(username, password); err != nil {
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	mailbox := conn.IMAPMailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := c.Select(mailbox, true); err != nil {
		return nil, fmt.Errorf("failed to select mailbox: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	criteria.Since = since
	ids, err := c.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}, messages)
	}()

	var out []replies.Inbound
	for msg := range messages {
		if ctx.Err() != nil {
			continue
		}
		in, err := ParseIMAPMessage(msg, section)
		if err != nil {
			utils.NewLogger("reply-poller").WithError(err).WithField("seq", msg.SeqNum).Warn("Failed to parse message")
			continue
		}
		out = append(out, in)
	}
	if err := <-done; err != nil {
		return out, fmt.Errorf("error during fetch: %w", err)
	}
	return out, ctx.Err()
}

// ParseIMAPMessage turns a fetched message into an inbound reply. Plain
// text is preferred for the body; the HTML part is kept alongside.
func ParseIMAPMessage(msg *imap.Message, section *imap.BodySectionName) (replies.Inbound, error) {
	var in replies.Inbound
	if msg.Envelope == nil {
		return in, errors.New("message envelope missing")
	}
	env := msg.Envelope
	in.MessageID = env.MessageId
	in.InReplyTo = env.InReplyTo
	in.Subject = env.Subject
	in.ReceivedAt = env.Date
	if len(env.From) > 0 {
		in.FromEmail = utils.NormalizeEmail(env.From[0].Address())
		in.FromName = env.From[0].PersonalName
	}

	literal := msg.GetBody(section)
	if literal == nil {
		return in, errors.New("message body not found")
	}
	mr, err := mail.CreateReader(literal)
	if err != nil {
		return in, fmt.Errorf("failed to create message reader: %w", err)
	}
	if refs := mr.Header.Get("References"); refs != "" {
		in.References = strings.Fields(refs)
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return in, fmt.Errorf("failed to read next part: %w", err)
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		b, err := io.ReadAll(part.Body)
		if err != nil {
			return in, fmt.Errorf("failed to read body: %w", err)
		}
		switch {
		case strings.HasPrefix(contentType, "text/plain") && in.Body == "":
			in.Body = strings.TrimSpace(string(b))
		case strings.HasPrefix(contentType, "text/html") && in.HTMLBody == "":
			in.HTMLBody = string(b)
		}
	}
	return in, nil
}
