package auth

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// stateTTL bounds how long an issued login state stays redeemable.
const stateTTL = 10 * time.Minute

// FlowConfig configures the interactive login flow.
type FlowConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string

	Tokens   *TokenStore     // receives the exchanged access token
	Sessions *SessionManager // issues the browser cookie on success
	Logger   *slog.Logger
}

// Flow is the auth-code login flow: /login redirects to the provider's
// consent page, the provider calls back with a code, and the callback
// exchanges it for an access token. The token lands in the TokenStore; the
// browser only ever gets a session cookie.
type Flow struct {
	oauth    *oauth2.Config
	tokens   *TokenStore
	sessions *SessionManager
	logger   *slog.Logger

	mu     sync.Mutex
	states map[string]time.Time
}

// NewFlow creates a login flow from the provider's OAuth endpoints.
func NewFlow(cfg FlowConfig) *Flow {
	return &Flow{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		tokens:   cfg.Tokens,
		sessions: cfg.Sessions,
		logger:   cfg.Logger,
		states:   make(map[string]time.Time),
	}
}

// HandleLogin starts the flow: mint a state, remember it, and send the
// browser to the provider's consent page.
func (f *Flow) HandleLogin(w http.ResponseWriter, r *http.Request) {
	state := uuid.New().String()

	f.mu.Lock()
	f.states[state] = time.Now().Add(stateTTL)
	f.mu.Unlock()

	url := f.oauth.AuthCodeURL(state)
	f.logger.Info("Redirecting to provider login", "state", state)
	http.Redirect(w, r, url, http.StatusFound)
}

// HandleCallback completes the flow: validate state, exchange the code for
// an access token, persist it, and issue the browser session.
func (f *Flow) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if errMsg := q.Get("error"); errMsg != "" {
		f.logger.Error("Provider returned error on callback", "error", errMsg)
		http.Error(w, "login failed: "+errMsg, http.StatusBadGateway)
		return
	}

	if !f.redeemState(q.Get("state")) {
		f.logger.Warn("Callback with unknown or expired state", "state", q.Get("state"))
		http.Error(w, "invalid login state", http.StatusBadRequest)
		return
	}

	// Some brokers name the parameter auth_code instead of code.
	code := q.Get("code")
	if code == "" {
		code = q.Get("auth_code")
	}
	if code == "" {
		http.Error(w, "no authorization code in callback", http.StatusBadRequest)
		return
	}

	tok, err := f.oauth.Exchange(r.Context(), code)
	if err != nil {
		f.logger.Error("Code exchange failed", "error", err)
		http.Error(w, "token exchange failed", http.StatusBadGateway)
		return
	}

	expiresIn := 24 * time.Hour
	if !tok.Expiry.IsZero() {
		expiresIn = time.Until(tok.Expiry)
	}
	if err := f.tokens.Save(tok.AccessToken, expiresIn); err != nil {
		f.logger.Error("Failed to persist access token", "error", err)
		http.Error(w, "could not store token", http.StatusInternalServerError)
		return
	}

	if err := f.sessions.Issue(w, f.oauth.ClientID); err != nil {
		f.logger.Error("Failed to issue session", "error", err)
		http.Error(w, "could not create session", http.StatusInternalServerError)
		return
	}

	f.logger.Info("Login complete", "expires_in", expiresIn.Round(time.Second))
	http.Redirect(w, r, "/dashboard", http.StatusFound)
}

// HandleLogout clears the session cookie and the stored token.
func (f *Flow) HandleLogout(w http.ResponseWriter, r *http.Request) {
	f.sessions.ClearCookie(w)
	if err := f.tokens.Clear(); err != nil {
		f.logger.Warn("Failed to clear stored token", "error", err)
	}
	http.Redirect(w, r, "/login", http.StatusFound)
}

// redeemState consumes a pending state, pruning expired ones as it goes.
func (f *Flow) redeemState(state string) bool {
	if state == "" {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	for s, deadline := range f.states {
		if now.After(deadline) {
			delete(f.states, s)
		}
	}
	deadline, ok := f.states[state]
	if !ok || now.After(deadline) {
		return false
	}
	delete(f.states, state)
	return true
}
