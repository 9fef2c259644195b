package auth

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionCookie is the name of the browser session cookie.
const SessionCookie = "marketdeck_session"

// Claims represents the JWT claims for a browser session.
type Claims struct {
	jwt.RegisteredClaims
}

// SessionManager issues and validates the signed session cookies that gate
// browser access. A session proves "this browser completed the login flow";
// the provider token itself never leaves the server.
type SessionManager struct {
	secret []byte
	expiry time.Duration
	secure bool
}

// NewSessionManager creates a session manager. secure controls the cookie's
// Secure flag and should be true behind TLS.
func NewSessionManager(secret string, expiry time.Duration, secure bool) *SessionManager {
	return &SessionManager{
		secret: []byte(secret),
		expiry: expiry,
		secure: secure,
	}
}

// GenerateToken creates a signed session JWT for the given subject.
func (m *SessionManager) GenerateToken(subject string) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "marketdeck",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// ValidateToken parses and validates a session JWT, returning its claims.
func (m *SessionManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid session token")
	}
	return claims, nil
}

// Issue writes a fresh session cookie for the subject.
func (m *SessionManager) Issue(w http.ResponseWriter, subject string) error {
	token, err := m.GenerateToken(subject)
	if err != nil {
		return fmt.Errorf("generate session token: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(m.expiry.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// ClearCookie expires the session cookie.
func (m *SessionManager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Subject extracts the validated session subject from a request, or an
// error if the request carries no usable session.
func (m *SessionManager) Subject(r *http.Request) (string, error) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return "", fmt.Errorf("no session cookie: %w", err)
	}
	claims, err := m.ValidateToken(cookie.Value)
	if err != nil {
		return "", fmt.Errorf("invalid session: %w", err)
	}
	return claims.Subject, nil
}

// RequireAuth wraps a handler, redirecting unauthenticated page requests to
// /login.
func (m *SessionManager) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := m.Subject(r); err != nil {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAuthAPI wraps a handler, rejecting unauthenticated API requests
// with 401 instead of a redirect.
func (m *SessionManager) RequireAuthAPI(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := m.Subject(r); err != nil {
			http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
