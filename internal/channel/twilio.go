// Package channel adapts messaging channels onto the session manager. The
// Twilio adapter receives inbound WhatsApp/SMS webhooks, runs a conversation
// turn and replies through the Twilio REST API.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Sender sends an outbound message on the channel.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the Twilio client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// Option defines a configuration option for the Twilio client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the sending number, e.g. "whatsapp:+1234567890".
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// TwilioClient wraps the Twilio REST API for outbound messages.
type TwilioClient struct {
	client     *twilio.RestClient
	fromNumber string
}

// NewTwilioClient creates a Twilio client, falling back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER environment
// variables for unset options.
func NewTwilioClient(opts ...Option) (*TwilioClient, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("channel.NewTwilioClient: config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	return &TwilioClient{client: client, fromNumber: cfg.FromNumber}, nil
}

// SendMessage sends a message through the Twilio API.
func (c *TwilioClient) SendMessage(ctx context.Context, to string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.fromNumber)
	params.SetBody(body)

	if _, err := c.client.Api.CreateMessage(params); err != nil {
		slog.Error("TwilioClient.SendMessage failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("TwilioClient.SendMessage: message sent", "to", to)
	return nil
}

// sessionService is the turn surface the webhook needs. It matches
// session.Manager.
type sessionService interface {
	HandleMessage(ctx context.Context, externalID, platform, text string) (string, error)
}

// TwilioWebhook handles inbound Twilio message webhooks: each POST carries
// one user message; the reply is returned as TwiML so Twilio delivers it
// without a separate outbound API call.
type TwilioWebhook struct {
	sessions sessionService
}

// NewTwilioWebhook creates the inbound webhook handler.
func NewTwilioWebhook(sessions sessionService) *TwilioWebhook {
	return &TwilioWebhook{sessions: sessions}
}

func (h *TwilioWebhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Warn("TwilioWebhook: failed to parse form", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	from := r.PostFormValue("From")
	body := r.PostFormValue("Body")
	if from == "" || body == "" {
		slog.Warn("TwilioWebhook: missing From or Body field")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	reply, err := h.sessions.HandleMessage(r.Context(), from, "twilio", body)
	if err != nil {
		slog.Error("TwilioWebhook: turn failed", "error", err, "from", from)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprintf(w, "<?xml version=\"1.0\" encoding=\"UTF-8\"?><Response><Message>%s</Message></Response>", xmlEscape(reply))
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func xmlEscape(s string) string {
	return xmlEscaper.Replace(s)
}

// MockSender records outbound messages for tests.
type MockSender struct {
	SentMessages []SentMessage
}

// SentMessage is one recorded outbound message.
type SentMessage struct {
	To   string
	Body string
}

func NewMockSender() *MockSender {
	return &MockSender{SentMessages: []SentMessage{}}
}

func (m *MockSender) SendMessage(ctx context.Context, to string, body string) error {
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}
