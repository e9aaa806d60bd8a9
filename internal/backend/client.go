// Package backend implements the booking-backend collaborator: an HTTP JSON
// client for services, availability, booking, cancellation and rescheduling.
//
// Every operation returns a tagged result string rather than a Go error, so
// transport failures and lookup misses travel on the same wire contract the
// retry policy classifies.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/kasmartw/apptflow/internal/cache"
	"github.com/kasmartw/apptflow/internal/flow"
)

// Defaults for the HTTP client and memoization cache.
const (
	DefaultTimeout  = 10 * time.Second
	DefaultCacheTTL = 2 * time.Minute
)

// Opts holds configuration options for the booking backend client.
type Opts struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// Option defines a configuration option for the booking backend client.
type Option func(*Opts)

// WithBaseURL sets the booking backend base URL.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithAPIKey sets the booking backend API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithCacheTTL sets how long availability and validation results are memoized.
func WithCacheTTL(d time.Duration) Option {
	return func(o *Opts) { o.CacheTTL = d }
}

// Client talks to the appointment backend and implements flow.ToolExecutor.
// Availability lookups and contact validation are memoized through a TTL
// cache so repeated turns within a conversation do not re-fetch.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	cacheTTL   time.Duration

	availability *cache.Cache[string]
	validations  *cache.Cache[string]
}

// Ensure the wire contract is actually satisfied.
var _ flow.ToolExecutor = (*Client)(nil)

// NewClient creates a booking backend client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Timeout: DefaultTimeout, CacheTTL: DefaultCacheTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL not set")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid backend base URL %q: %w", cfg.BaseURL, err)
	}
	slog.Debug("backend.NewClient: creating booking backend client",
		"baseURL", cfg.BaseURL, "timeout", cfg.Timeout, "cacheTTL", cfg.CacheTTL)

	return &Client{
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		cacheTTL:     cfg.CacheTTL,
		availability: cache.New[string](0),
		validations:  cache.New[string](0),
	}, nil
}

// Execute dispatches one named tool call and returns its tagged result.
func (c *Client) Execute(ctx context.Context, name string, args json.RawMessage) string {
	slog.Debug("Client.Execute: executing backend tool", "toolName", name)
	switch name {
	case flow.ToolCheckAvailability:
		return c.checkAvailability(ctx, args)
	case flow.ToolShowAvailability:
		return c.showAvailability(ctx, args)
	case flow.ToolBookAppointment:
		return c.bookAppointment(ctx, args)
	case flow.ToolCancelAppointment:
		return c.cancelAppointment(ctx, args)
	case flow.ToolRescheduleAppointment:
		return c.rescheduleAppointment(ctx, args)
	case flow.ToolValidateContact:
		return c.validateContact(args)
	default:
		slog.Warn("Client.Execute: unknown tool requested", "toolName", name)
		return fmt.Sprintf("ERROR: unknown tool %q", name)
	}
}

type availabilityArgs struct {
	ServiceID string `json:"service_id"`
	Date      string `json:"date"`
}

func availabilityKey(serviceID, date string) string {
	return serviceID + "|" + date
}

// checkAvailability fetches open slots from the backend and loads them into
// the memoization cache.
func (c *Client) checkAvailability(ctx context.Context, args json.RawMessage) string {
	var a availabilityArgs
	if err := json.Unmarshal(args, &a); err != nil || a.ServiceID == "" || a.Date == "" {
		return "ERROR: invalid format for availability request, need service_id and date"
	}

	key := availabilityKey(a.ServiceID, a.Date)
	if cached, ok := c.availability.Get(key); ok {
		slog.Debug("Client.checkAvailability: cache hit", "serviceID", a.ServiceID, "date", a.Date)
		return cached
	}

	endpoint := fmt.Sprintf("%s/availability?service_id=%s&date=%s",
		c.baseURL, url.QueryEscape(a.ServiceID), url.QueryEscape(a.Date))
	body, errResult := c.doRequest(ctx, http.MethodGet, endpoint, nil)
	if errResult != "" {
		return errResult
	}

	var parsed struct {
		Slots []string `json:"slots"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		slog.Error("Client.checkAvailability: failed to decode availability response", "error", err)
		return "ERROR: booking service unavailable"
	}

	var result string
	if len(parsed.Slots) == 0 {
		result = fmt.Sprintf("SUCCESS: no open slots for service %s on %s", a.ServiceID, a.Date)
	} else {
		result = fmt.Sprintf("SUCCESS: open slots for service %s on %s: %s",
			a.ServiceID, a.Date, strings.Join(parsed.Slots, ", "))
	}
	c.availability.Put(key, result, c.cacheTTL)
	return result
}

// showAvailability reads the cached slots for display. It depends on
// checkAvailability having populated the cache this turn or a recent one; on
// a cold cache it fetches as a fallback rather than failing the turn.
func (c *Client) showAvailability(ctx context.Context, args json.RawMessage) string {
	var a availabilityArgs
	if err := json.Unmarshal(args, &a); err != nil || a.ServiceID == "" || a.Date == "" {
		return "ERROR: invalid format for availability request, need service_id and date"
	}

	if cached, ok := c.availability.Get(availabilityKey(a.ServiceID, a.Date)); ok {
		return cached
	}
	slog.Debug("Client.showAvailability: cache miss, fetching", "serviceID", a.ServiceID, "date", a.Date)
	return c.checkAvailability(ctx, args)
}

func (c *Client) bookAppointment(ctx context.Context, args json.RawMessage) string {
	var a struct {
		ServiceID   string `json:"service_id"`
		Date        string `json:"date"`
		Time        string `json:"time"`
		ClientName  string `json:"client_name"`
		ClientPhone string `json:"client_phone"`
	}
	if err := json.Unmarshal(args, &a); err != nil ||
		a.ServiceID == "" || a.Date == "" || a.Time == "" || a.ClientName == "" || a.ClientPhone == "" {
		return "ERROR: invalid format for booking request, all fields are required"
	}

	payload, _ := json.Marshal(a)
	body, errResult := c.doRequest(ctx, http.MethodPost, c.baseURL+"/appointments", payload)
	if errResult != "" {
		return errResult
	}

	var parsed struct {
		ConfirmationNumber string `json:"confirmation_number"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.ConfirmationNumber == "" {
		slog.Error("Client.bookAppointment: booking response missing confirmation number")
		return "ERROR: booking service unavailable"
	}

	// The slot set changed; drop the stale cached availability.
	c.availability.Delete(availabilityKey(a.ServiceID, a.Date))

	return fmt.Sprintf("SUCCESS: appointment booked for %s at %s, confirmation number %s",
		a.Date, a.Time, parsed.ConfirmationNumber)
}

func (c *Client) cancelAppointment(ctx context.Context, args json.RawMessage) string {
	var a struct {
		ConfirmationNumber string `json:"confirmation_number"`
	}
	if err := json.Unmarshal(args, &a); err != nil || a.ConfirmationNumber == "" {
		return "ERROR: invalid format for confirmation number"
	}

	endpoint := c.baseURL + "/appointments/" + url.PathEscape(a.ConfirmationNumber)
	if _, errResult := c.doRequest(ctx, http.MethodDelete, endpoint, nil); errResult != "" {
		if strings.Contains(errResult, "not found") {
			return fmt.Sprintf("ERROR: no appointment matching confirmation number %s was found", a.ConfirmationNumber)
		}
		return errResult
	}
	return fmt.Sprintf("SUCCESS: appointment %s cancelled", a.ConfirmationNumber)
}

func (c *Client) rescheduleAppointment(ctx context.Context, args json.RawMessage) string {
	var a struct {
		ConfirmationNumber string `json:"confirmation_number"`
		NewDate            string `json:"new_date"`
		NewTime            string `json:"new_time"`
	}
	if err := json.Unmarshal(args, &a); err != nil || a.ConfirmationNumber == "" {
		return "ERROR: invalid format for confirmation number"
	}
	if a.NewDate == "" || a.NewTime == "" {
		return "ERROR: invalid format for reschedule request, need new_date and new_time"
	}

	payload, _ := json.Marshal(map[string]string{"new_date": a.NewDate, "new_time": a.NewTime})
	endpoint := c.baseURL + "/appointments/" + url.PathEscape(a.ConfirmationNumber)
	if _, errResult := c.doRequest(ctx, http.MethodPut, endpoint, payload); errResult != "" {
		if strings.Contains(errResult, "not found") {
			return fmt.Sprintf("ERROR: no appointment matching confirmation number %s was found", a.ConfirmationNumber)
		}
		return errResult
	}
	return fmt.Sprintf("SUCCESS: appointment %s moved to %s at %s", a.ConfirmationNumber, a.NewDate, a.NewTime)
}

var phonePattern = regexp.MustCompile(`^\+?[0-9][0-9\s\-().]{6,18}$`)

// validateContact checks the collected contact fields locally. Results are
// memoized so re-confirmation turns do not repeat the work.
func (c *Client) validateContact(args json.RawMessage) string {
	var a struct {
		ClientName  string `json:"client_name"`
		ClientPhone string `json:"client_phone"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return "ERROR: invalid format for contact details"
	}

	key := a.ClientName + "|" + a.ClientPhone
	if cached, ok := c.validations.Get(key); ok {
		return cached
	}

	var result string
	name := strings.TrimSpace(a.ClientName)
	phone := strings.TrimSpace(a.ClientPhone)
	switch {
	case len(name) < 2:
		result = "ERROR: invalid format for client name, please provide a full name"
	case !phonePattern.MatchString(phone):
		result = fmt.Sprintf("ERROR: invalid format for phone number %q, expected digits with optional country code", phone)
	default:
		result = fmt.Sprintf("SUCCESS: contact details valid for %s", name)
	}

	c.validations.Put(key, result, c.cacheTTL)
	return result
}

// doRequest issues one HTTP call and folds every failure mode into the
// tagged error-string contract. The byte slice is the response body for 2xx
// responses; a non-empty second return is the tagged error.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, payload []byte) ([]byte, string) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		slog.Error("Client.doRequest: failed to build request", "error", err, "method", method)
		return nil, "ERROR: could not connect to booking service"
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() || errors.Is(err, context.DeadlineExceeded) {
			slog.Warn("Client.doRequest: request timed out", "method", method, "endpoint", endpoint)
			return nil, "ERROR: request to booking service timed out"
		}
		slog.Error("Client.doRequest: request failed", "error", err, "method", method, "endpoint", endpoint)
		return nil, "ERROR: could not connect to booking service"
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		slog.Error("Client.doRequest: failed to read response body", "error", err)
		return nil, "ERROR: could not connect to booking service"
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, ""
	case resp.StatusCode == http.StatusNotFound:
		return nil, "ERROR: not found"
	case resp.StatusCode == http.StatusBadRequest:
		return nil, "ERROR: invalid format in request"
	default:
		slog.Error("Client.doRequest: backend returned error status",
			"status", resp.StatusCode, "method", method, "endpoint", endpoint)
		return nil, "ERROR: booking service unavailable"
	}
}
