package auth

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFlow(t *testing.T, tokenURL string) (*Flow, *TokenStore) {
	t.Helper()
	store, err := NewTokenStore(filepath.Join(t.TempDir(), "token.json"), "TEST01", "", testLogger())
	require.NoError(t, err)
	t.Cleanup(store.Close)

	flow := NewFlow(FlowConfig{
		ClientID:     "TEST01",
		ClientSecret: "shh",
		AuthURL:      "https://broker.example/authorize",
		TokenURL:     tokenURL,
		RedirectURL:  "http://localhost:8080/callback",
		Tokens:       store,
		Sessions:     NewSessionManager("test-secret", time.Hour, false),
		Logger:       testLogger(),
	})
	return flow, store
}

func TestLoginRedirectsToProvider(t *testing.T) {
	flow, _ := newTestFlow(t, "https://broker.example/token")

	rec := httptest.NewRecorder()
	flow.HandleLogin(rec, httptest.NewRequest(http.MethodGet, "/login", nil))

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "broker.example", loc.Host)
	assert.Equal(t, "/authorize", loc.Path)
	assert.Equal(t, "TEST01", loc.Query().Get("client_id"))
	assert.NotEmpty(t, loc.Query().Get("state"))
	assert.Equal(t, "http://localhost:8080/callback", loc.Query().Get("redirect_uri"))
}

func TestCallbackExchangesCode(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "code-42", r.FormValue("code"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-xyz","token_type":"bearer","expires_in":86400}`))
	}))
	defer provider.Close()

	flow, store := newTestFlow(t, provider.URL)

	// Start the flow to mint a state.
	login := httptest.NewRecorder()
	flow.HandleLogin(login, httptest.NewRequest(http.MethodGet, "/login", nil))
	loc, err := url.Parse(login.Header().Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")

	rec := httptest.NewRecorder()
	flow.HandleCallback(rec, httptest.NewRequest(http.MethodGet, "/callback?code=code-42&state="+state, nil))

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/dashboard", rec.Header().Get("Location"))

	token, ok := store.Token()
	require.True(t, ok)
	assert.Equal(t, "tok-xyz", token)

	// The browser got a session cookie, never the provider token.
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, SessionCookie, cookies[0].Name)
	assert.NotContains(t, cookies[0].Value, "tok-xyz")
}

func TestCallbackAcceptsAuthCodeParam(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-abc","token_type":"bearer","expires_in":3600}`))
	}))
	defer provider.Close()

	flow, store := newTestFlow(t, provider.URL)

	login := httptest.NewRecorder()
	flow.HandleLogin(login, httptest.NewRequest(http.MethodGet, "/login", nil))
	loc, _ := url.Parse(login.Header().Get("Location"))
	state := loc.Query().Get("state")

	rec := httptest.NewRecorder()
	flow.HandleCallback(rec, httptest.NewRequest(http.MethodGet, "/callback?auth_code=code-9&state="+state, nil))

	require.Equal(t, http.StatusFound, rec.Code)
	_, ok := store.Token()
	assert.True(t, ok)
}

func TestCallbackRejectsBadState(t *testing.T) {
	flow, _ := newTestFlow(t, "https://broker.example/token")

	for _, target := range []string{
		"/callback?code=code-42",                    // no state
		"/callback?code=code-42&state=never-issued", // unknown state
	} {
		rec := httptest.NewRecorder()
		flow.HandleCallback(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestCallbackStateSingleUse(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok","token_type":"bearer","expires_in":3600}`))
	}))
	defer provider.Close()

	flow, _ := newTestFlow(t, provider.URL)

	login := httptest.NewRecorder()
	flow.HandleLogin(login, httptest.NewRequest(http.MethodGet, "/login", nil))
	loc, _ := url.Parse(login.Header().Get("Location"))
	state := loc.Query().Get("state")

	first := httptest.NewRecorder()
	flow.HandleCallback(first, httptest.NewRequest(http.MethodGet, "/callback?code=c&state="+state, nil))
	require.Equal(t, http.StatusFound, first.Code)

	replay := httptest.NewRecorder()
	flow.HandleCallback(replay, httptest.NewRequest(http.MethodGet, "/callback?code=c&state="+state, nil))
	assert.Equal(t, http.StatusBadRequest, replay.Code)
}

func TestCallbackPropagatesProviderError(t *testing.T) {
	flow, _ := newTestFlow(t, "https://broker.example/token")

	rec := httptest.NewRecorder()
	flow.HandleCallback(rec, httptest.NewRequest(http.MethodGet, "/callback?error=access_denied", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestLogoutClearsEverything(t *testing.T) {
	flow, store := newTestFlow(t, "https://broker.example/token")
	require.NoError(t, store.Save("tok", 24*time.Hour))

	rec := httptest.NewRecorder()
	flow.HandleLogout(rec, httptest.NewRequest(http.MethodGet, "/logout", nil))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))
	_, ok := store.Token()
	assert.False(t, ok)
}
