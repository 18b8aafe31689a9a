package emailclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"newsletter-go/internal/domain"
)

const (
	DefaultTimeout    = 10 * time.Second
	ServerTokenHeader = "X-Postmark-Server-Token"

	maxErrorBodyBytes = 1024
)

type Message struct {
	To          domain.SubscriberEmail
	Subject     string
	HTMLContent string
	TextContent string
}

type sendEmailRequest struct {
	From        string `json:"From"`
	To          string `json:"To"`
	Subject     string `json:"Subject"`
	HTMLContent string `json:"HtmlContent"`
	TextContent string `json:"TextContent"`
}

type Option func(*Client)

// WithTimeout replaces DefaultTimeout on the underlying HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client posts transactional emails to the provider. It holds no mutable
// state and is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	sender     domain.SubscriberEmail
	authToken  string
	tracer     trace.Tracer
}

func NewClient(baseURL string, sender domain.SubscriberEmail, authToken string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		sender:     sender,
		authToken:  authToken,
		tracer:     otel.Tracer("email-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Sender() domain.SubscriberEmail {
	return c.sender
}

// Send makes exactly one POST to {baseURL}/email. Failures are reported as
// *DispatchError and are never retried here.
func (c *Client) Send(ctx context.Context, msg Message) error {
	ctx, span := c.tracer.Start(ctx, "email.client.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("operation", "email.dispatch"),
			attribute.String("email.subject", msg.Subject),
		))
	defer span.End()

	body, err := json.Marshal(sendEmailRequest{
		From:        c.sender.String(),
		To:          msg.To.String(),
		Subject:     msg.Subject,
		HTMLContent: msg.HTMLContent,
		TextContent: msg.TextContent,
	})
	if err != nil {
		return c.fail(span, &DispatchError{Kind: Transport, Err: fmt.Errorf("failed to marshal email request: %w", err)})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/email", bytes.NewReader(body))
	if err != nil {
		return c.fail(span, &DispatchError{Kind: Transport, Err: fmt.Errorf("failed to build email request: %w", err)})
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ServerTokenHeader, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return c.fail(span, &DispatchError{Kind: Timeout, Err: err})
		}
		return c.fail(span, &DispatchError{Kind: Transport, Err: err})
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		var cause error
		if len(detail) > 0 {
			cause = errors.New(strings.TrimSpace(string(detail)))
		}
		return c.fail(span, &DispatchError{Kind: ProviderRejected, StatusCode: resp.StatusCode, Err: cause})
	}

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
	span.SetAttributes(attribute.Bool("success", true))
	return nil
}

func (c *Client) fail(span trace.Span, err *DispatchError) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(err.Kind))
	span.SetAttributes(attribute.String("email.failure", string(err.Kind)))
	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
