package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passthrough(next http.Handler) http.Handler { return next }

func newTestMux(t *testing.T) (*http.ServeMux, *Handler) {
	t.Helper()
	h, _, _ := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux, passthrough, passthrough)
	return mux, h
}

func TestPages(t *testing.T) {
	mux, _ := newTestMux(t)

	for _, path := range []string{"/dashboard", "/backtest", "/login"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
		assert.Contains(t, rec.Body.String(), "MarketDeck")
	}
}

func TestRootRedirectsToDashboard(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/dashboard", rec.Header().Get("Location"))

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/no-such-page", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSymbolSearch(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/symbols/search?q=sbi", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Symbols []struct {
			Key string `json:"key"`
		} `json:"symbols"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Symbols, 1)
	assert.Equal(t, "NSE:SBIN", body.Symbols[0].Key)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/symbols/search", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/symbols/search?q=x", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSubscriptionsAPI(t *testing.T) {
	mux, h := newTestMux(t)

	body, _ := json.Marshal(map[string]any{
		"channel":     "desk1",
		"instruments": []string{"NSE:SBIN", "NSE:BOGUS", "NSE:TCS"},
	})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/subscriptions", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Channel  string   `json:"channel"`
		Desired  []string `json:"desired"`
		Rejected []string `json:"rejected"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "desk1", resp.Channel)
	assert.ElementsMatch(t, []string{"NSE:SBIN", "NSE:TCS"}, resp.Desired)
	assert.Equal(t, []string{"NSE:BOGUS"}, resp.Rejected)
	assert.ElementsMatch(t, []string{"NSE:SBIN", "NSE:TCS"}, h.broker.Registry().Desired("desk1"))

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/subscriptions?channel=desk1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, h.broker.Registry().Desired("desk1"))

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/subscriptions", bytes.NewReader([]byte("{"))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChannelsAPI(t *testing.T) {
	mux, h := newTestMux(t)
	require.NoError(t, h.broker.SetSubscriptions("desk1", []string{"NSE:SBIN"}))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/channels", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Channels []struct {
			Channel string   `json:"channel"`
			Desired []string `json:"desired"`
		} `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Channels, 1)
	assert.Equal(t, "desk1", body.Channels[0].Channel)
	assert.Equal(t, []string{"NSE:SBIN"}, body.Channels[0].Desired)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/channels", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestProfileAPI(t *testing.T) {
	mux, h := newTestMux(t)

	// Without a provider fetcher the feature reports itself unavailable.
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/profile", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.SetProfile(func() (UserProfile, error) {
		return UserProfile{UserID: "AB1234", UserName: "Test Trader", Email: "t@example.com", Broker: "ZERODHA"}, nil
	})

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/profile", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var profile UserProfile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &profile))
	assert.Equal(t, "AB1234", profile.UserID)
	assert.Equal(t, "Test Trader", profile.UserName)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/profile", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestProfileAPIUpstreamFailure(t *testing.T) {
	mux, h := newTestMux(t)

	// An expired token shows up here first, as a failing profile fetch.
	h.SetProfile(func() (UserProfile, error) {
		return UserProfile{}, errors.New("TokenException: invalid token")
	})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/profile", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid token")
}
