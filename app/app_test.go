package app

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func validConfig() *Config {
	return &Config{
		FeedClientID:     "key",
		FeedClientSecret: "secret",
		SessionSecret:    "session-secret",
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	app := &App{Config: validConfig(), logger: testLogger()}
	require.NoError(t, app.LoadConfig())

	assert.Equal(t, DefaultHost, app.Config.AppHost)
	assert.Equal(t, DefaultPort, app.Config.AppPort)
	assert.Equal(t, ProviderKite, app.Config.Provider)
	assert.Equal(t, "marketdeck_token.json", app.Config.TokenFile)
	assert.Equal(t, "marketdeck.db", app.Config.DBPath)
	assert.Equal(t, "default", app.Config.AlertChannel)
	assert.Contains(t, app.Config.FeedAuthURL, "kite")
	assert.Contains(t, app.Config.FeedRedirectURL, "/auth/callback")
}

func TestLoadConfigFyersEndpoints(t *testing.T) {
	cfg := validConfig()
	cfg.Provider = ProviderFyers
	app := &App{Config: cfg, logger: testLogger()}
	require.NoError(t, app.LoadConfig())
	assert.Contains(t, app.Config.FeedAuthURL, "fyers")
}

func TestLoadConfigRejectsMissingCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.FeedClientSecret = ""
	app := &App{Config: cfg, logger: testLogger()}
	assert.Error(t, app.LoadConfig())

	cfg = validConfig()
	cfg.SessionSecret = ""
	app = &App{Config: cfg, logger: testLogger()}
	assert.Error(t, app.LoadConfig())
}

func TestLoadConfigRejectsUnknownProvider(t *testing.T) {
	cfg := validConfig()
	cfg.Provider = "robinhood"
	app := &App{Config: cfg, logger: testLogger()}
	assert.Error(t, app.LoadConfig())
}

func TestLoadConfigKeepsExplicitEndpoints(t *testing.T) {
	cfg := validConfig()
	cfg.FeedAuthURL = "https://example.test/auth"
	cfg.FeedTokenURL = "https://example.test/token"
	app := &App{Config: cfg, logger: testLogger()}
	require.NoError(t, app.LoadConfig())
	assert.Equal(t, "https://example.test/auth", cfg.FeedAuthURL)
}

func TestDocsManagerServesPages(t *testing.T) {
	dm, err := NewDocsManager("test")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	dm.ServeDocs(rec, httptest.NewRequest(http.MethodGet, "/docs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "MarketDeck")

	rec = httptest.NewRecorder()
	dm.ServeDocs(rec, httptest.NewRequest(http.MethodGet, "/docs/api", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/api/symbols/search")

	// Trailing slashes normalize to the same page.
	rec = httptest.NewRecorder()
	dm.ServeDocs(rec, httptest.NewRequest(http.MethodGet, "/docs/api/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	dm.ServeDocs(rec, httptest.NewRequest(http.MethodGet, "/docs/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDocsNavOrdered(t *testing.T) {
	dm, err := NewDocsManager("test")
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(dm.nav), 3)
	assert.Equal(t, "Overview", dm.nav[0].Title)
	for i := 1; i < len(dm.nav); i++ {
		assert.LessOrEqual(t, dm.nav[i-1].Order, dm.nav[i].Order)
	}
}

func TestDocsFrontMatterParsed(t *testing.T) {
	dm, err := NewDocsManager("test")
	require.NoError(t, err)

	page, ok := dm.pages["/docs/getting-started"]
	require.True(t, ok)
	assert.Equal(t, "Getting started", page.Title)
	assert.NotEmpty(t, page.Description)
	assert.NotContains(t, string(page.Content), "---")
}
