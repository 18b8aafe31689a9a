package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"

	"newsletter-go/internal/config"
	"newsletter-go/internal/emailclient"
	"newsletter-go/internal/logging"
	"newsletter-go/internal/middleware"
	"newsletter-go/internal/models"
	"newsletter-go/internal/telemetry"
)

type capturedEmail struct {
	Token string
	Body  map[string]string
}

// emailProvider stands in for the transactional email API.
type emailProvider struct {
	server *httptest.Server

	mu       sync.Mutex
	status   int
	delay    time.Duration
	received []capturedEmail
}

func newEmailProvider(t *testing.T) *emailProvider {
	p := &emailProvider{status: http.StatusOK}
	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/email" {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		raw, _ := io.ReadAll(r.Body)
		var body map[string]string
		_ = json.Unmarshal(raw, &body)

		p.mu.Lock()
		p.received = append(p.received, capturedEmail{Token: r.Header.Get("X-Postmark-Server-Token"), Body: body})
		status, delay := p.status, p.delay
		p.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(p.server.Close)
	return p
}

func (p *emailProvider) respondWith(status int, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = status
	p.delay = delay
}

func (p *emailProvider) Received() []capturedEmail {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]capturedEmail(nil), p.received...)
}

type TestApp struct {
	server      *httptest.Server
	recorder    *telemetry.TestSpanRecorder
	tp          *trace.TracerProvider
	application *Application
	provider    *emailProvider
}

type testOption func(*Config)

func SpawnTestApp(t *testing.T, opts ...testOption) *TestApp {
	recorder := telemetry.NewTestSpanRecorder()
	tp := telemetry.InitTestTracing("test-newsletter-api", "1.0.0", recorder)
	provider := newEmailProvider(t)

	settings := &config.Settings{
		Application: config.ApplicationSettings{
			Host:    "127.0.0.1",
			Port:    0,
			BaseURL: "http://newsletter.test",
			GinMode: gin.TestMode,
		},
		Database: config.DatabaseSettings{Driver: config.DriverMemory},
		EmailClient: config.EmailClientSettings{
			BaseURL:   provider.server.URL,
			Sender:    "newsletter@example.com",
			AuthToken: "test-token",
			Timeout:   200 * time.Millisecond,
		},
		Log: config.LogSettings{Level: "info"},
	}

	cfg := &Config{
		ServiceName:    "test-newsletter-api",
		ServiceVersion: "1.0.0",
		Settings:       settings,
		Logger:         logging.NewNopLogger(),
		TracerProvider: tp,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	application, err := Build(cfg)
	require.NoError(t, err)
	server := httptest.NewServer(application.GetRouter())

	app := &TestApp{
		server:      server,
		recorder:    recorder,
		tp:          tp,
		application: application,
		provider:    provider,
	}
	t.Cleanup(app.Close)
	return app
}

func (app *TestApp) Close() {
	app.server.Close()
	_ = app.application.Shutdown(context.Background())
	_ = app.tp.Shutdown(context.Background())
}

func (app *TestApp) PostSubscriptions(t *testing.T, body string) *http.Response {
	resp, err := http.Post(
		app.server.URL+"/subscriptions",
		"application/x-www-form-urlencoded",
		strings.NewReader(body),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(raw)
}

var linkPattern = regexp.MustCompile(`https?://[^\s"<>]+`)

func extractLinks(s string) []string {
	return linkPattern.FindAllString(s, -1)
}

func TestSubscribeReturns200ForValidFormData(t *testing.T) {
	app := SpawnTestApp(t)

	resp := app.PostSubscriptions(t, "name=le%20guin&email=ursula_le_guin%40gmail.com")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, readBody(t, resp))
}

func TestSubscribePersistsPendingSubscriber(t *testing.T) {
	app := SpawnTestApp(t)

	resp := app.PostSubscriptions(t, "name=jk&email=newsletter-api%40gmail.com")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	saved, err := app.application.GetRepo().GetByEmail(context.Background(), "newsletter-api@gmail.com")
	require.NoError(t, err)
	assert.Equal(t, "jk", saved.Name)
	assert.Equal(t, models.StatusPendingConfirmation, saved.Status)
	assert.Len(t, app.provider.Received(), 1)
}

func TestSubscribeSendsConfirmationEmailWithLink(t *testing.T) {
	app := SpawnTestApp(t)

	resp := app.PostSubscriptions(t, "name=le%20guin&email=ursula_le_guin%40gmail.com")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	received := app.provider.Received()
	require.Len(t, received, 1)
	email := received[0]

	assert.Equal(t, "test-token", email.Token)
	assert.Equal(t, "newsletter@example.com", email.Body["From"])
	assert.Equal(t, "ursula_le_guin@gmail.com", email.Body["To"])
	assert.NotEmpty(t, email.Body["Subject"])

	htmlLinks := extractLinks(email.Body["HtmlContent"])
	textLinks := extractLinks(email.Body["TextContent"])
	require.Len(t, htmlLinks, 1)
	require.Len(t, textLinks, 1)
	assert.Equal(t, htmlLinks[0], textLinks[0])
	assert.Equal(t, "http://newsletter.test/subscriptions/confirm", htmlLinks[0])
}

func TestSubscribeReturns400WhenDataIsMissing(t *testing.T) {
	tests := []struct {
		body        string
		description string
	}{
		{"name=le%20guin", "missing the email"},
		{"email=ursula_le_guin%40gmail.com", "missing the name"},
		{"", "missing both name and email"},
	}

	app := SpawnTestApp(t)
	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			resp := app.PostSubscriptions(t, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Empty(t, app.provider.Received())
}

func TestSubscribeReturns400WhenFieldsAreInvalid(t *testing.T) {
	tests := []struct {
		body        string
		description string
	}{
		{"name=&email=ursula_le_guin%40gmail.com", "empty name"},
		{"name=Ursula&email=", "empty email"},
		{"name=Ursula&email=definitely-not-an-email", "invalid email"},
		{"name=" + url.QueryEscape("<script>") + "&email=ursula%40gmail.com", "forbidden characters in name"},
		{"name=" + strings.Repeat("a", 257) + "&email=ursula%40gmail.com", "name too long"},
	}

	app := SpawnTestApp(t)
	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			resp := app.PostSubscriptions(t, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Empty(t, app.provider.Received())
}

func TestSubscribeReturns500WhenEmailTimesOut(t *testing.T) {
	app := SpawnTestApp(t)
	app.provider.respondWith(http.StatusOK, 2*time.Second)

	resp := app.PostSubscriptions(t, "name=jk&email=newsletter-api%40gmail.com")

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Empty(t, readBody(t, resp))

	saved, err := app.application.GetRepo().GetByEmail(context.Background(), "newsletter-api@gmail.com")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingConfirmation, saved.Status)
}

func TestSubscribeReturns500WhenProviderRejects(t *testing.T) {
	app := SpawnTestApp(t)
	app.provider.respondWith(http.StatusInternalServerError, 0)

	resp := app.PostSubscriptions(t, "name=jk&email=newsletter-api%40gmail.com")

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Len(t, app.provider.Received(), 1)
}

func TestSubscribeReturns500OnDuplicateEmail(t *testing.T) {
	app := SpawnTestApp(t)

	first := app.PostSubscriptions(t, "name=jk&email=newsletter-api%40gmail.com")
	second := app.PostSubscriptions(t, "name=jk&email=newsletter-api%40gmail.com")

	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, http.StatusInternalServerError, second.StatusCode)
	assert.Len(t, app.provider.Received(), 1)
}

func TestHealthCheckWorks(t *testing.T) {
	app := SpawnTestApp(t)

	resp, err := http.Get(app.server.URL + "/health_check")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, readBody(t, resp))
}

func TestReadyReportsStore(t *testing.T) {
	app := SpawnTestApp(t)

	resp, err := http.Get(app.server.URL + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsExposeOutcomes(t *testing.T) {
	app := SpawnTestApp(t)
	app.PostSubscriptions(t, "name=jk&email=newsletter-api%40gmail.com")
	app.PostSubscriptions(t, "")

	resp, err := http.Get(app.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body := readBody(t, resp)
	assert.Contains(t, body, `newsletter_subscription_outcomes_total{outcome="subscribed"} 1`)
	assert.Contains(t, body, `newsletter_subscription_outcomes_total{outcome="rejected"} 1`)
}

func TestRequestIDIsEchoed(t *testing.T) {
	app := SpawnTestApp(t)

	req, err := http.NewRequest(http.MethodGet, app.server.URL+"/health_check", nil)
	require.NoError(t, err)
	req.Header.Set(middleware.RequestIDHeader, "req-e2e-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "req-e2e-1", resp.Header.Get(middleware.RequestIDHeader))
}

func TestSubscriptionsAreRateLimited(t *testing.T) {
	app := SpawnTestApp(t, func(c *Config) {
		c.RateLimiter = middleware.NewLocalRateLimiter(0.001, 1)
	})

	first := app.PostSubscriptions(t, "name=jk&email=first%40gmail.com")
	second := app.PostSubscriptions(t, "name=jk&email=second%40gmail.com")

	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.Len(t, app.provider.Received(), 1)
}

func TestSubscribeIsTraced(t *testing.T) {
	app := SpawnTestApp(t)

	resp := app.PostSubscriptions(t, "name=jk&email=newsletter-api%40gmail.com")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	writeSpans := app.recorder.GetSpansByOperation("database.write")
	dispatchSpans := app.recorder.GetSpansByOperation("email.dispatch")

	assert.GreaterOrEqual(t, len(writeSpans), 1, "Expected database write spans during subscription")
	assert.Len(t, dispatchSpans, 1, "Expected exactly one email dispatch span")
}

func TestBuildRequiresSettings(t *testing.T) {
	_, err := Build(&Config{})
	assert.Error(t, err)
}

func (app *TestApp) PostSubscriptionsFrom(t *testing.T, forwardedFor, body string) *http.Response {
	req, err := http.NewRequest(http.MethodPost, app.server.URL+"/subscriptions", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Forwarded-For", forwardedFor)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	app := SpawnTestApp(t, func(c *Config) {
		c.RateLimiter = middleware.NewLocalRateLimiter(0.001, 1)
	})

	statuses := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		resp := app.PostSubscriptionsFrom(t,
			fmt.Sprintf("203.0.113.%d", i+1),
			fmt.Sprintf("name=jk&email=spoof%d%%40gmail.com", i))
		statuses = append(statuses, resp.StatusCode)
	}

	assert.Equal(t, []int{
		http.StatusOK,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
	}, statuses)
	assert.Len(t, app.provider.Received(), 1)
}

func TestRateLimitHonoursForwardedForFromTrustedProxy(t *testing.T) {
	app := SpawnTestApp(t, func(c *Config) {
		c.Settings.Application.TrustedProxies = []string{"127.0.0.1"}
		c.RateLimiter = middleware.NewLocalRateLimiter(0.001, 1)
	})

	first := app.PostSubscriptionsFrom(t, "203.0.113.1", "name=jk&email=one%40gmail.com")
	other := app.PostSubscriptionsFrom(t, "203.0.113.2", "name=jk&email=two%40gmail.com")
	repeat := app.PostSubscriptionsFrom(t, "203.0.113.1", "name=jk&email=three%40gmail.com")

	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, http.StatusOK, other.StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, repeat.StatusCode)
}

func TestBuildRejectsInvalidTrustedProxy(t *testing.T) {
	settings := &config.Settings{
		Application: config.ApplicationSettings{
			GinMode:        gin.TestMode,
			TrustedProxies: []string{"not-an-ip"},
		},
	}

	_, err := Build(&Config{Settings: settings, Logger: logging.NewNopLogger(), EmailSender: nopSender{}})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "trusted_proxies")
}

type nopSender struct{}

func (nopSender) Send(context.Context, emailclient.Message) error { return nil }

func TestConfiguredRateLimiterSweepsIdleClients(t *testing.T) {
	previous := limiterCleanupPeriod
	limiterCleanupPeriod = 10 * time.Millisecond
	t.Cleanup(func() { limiterCleanupPeriod = previous })

	app := SpawnTestApp(t, func(c *Config) {
		c.Settings.RateLimit = config.RateLimitSettings{
			Enabled: true,
			RPS:     0.001,
			Burst:   1,
			IdleTTL: time.Millisecond,
		}
	})
	first := app.PostSubscriptions(t, "name=jk&email=sweep0%40gmail.com")
	second := app.PostSubscriptions(t, "name=jk&email=sweep1%40gmail.com")
	require.Equal(t, http.StatusOK, first.StatusCode)
	require.Equal(t, http.StatusTooManyRequests, second.StatusCode)

	attempt := 1
	assert.Eventually(t, func() bool {
		attempt++
		resp, err := http.Post(
			app.server.URL+"/subscriptions",
			"application/x-www-form-urlencoded",
			strings.NewReader(fmt.Sprintf("name=jk&email=sweep%d%%40gmail.com", attempt)),
		)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 50*time.Millisecond, "idle bucket should be swept by the janitor")
}
