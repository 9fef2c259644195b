// Package auth owns credentials: the provider access token cached on disk,
// the browser session cookies, and the login flow that mints new tokens.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/marketdeck/marketdeck/broker/feed"
)

// expiryBuffer is subtracted from the provider's expires_in so a token is
// treated as expired shortly before the provider would actually reject it.
const expiryBuffer = 5 * time.Minute

// ErrNoToken is returned when no valid access token is available. The caller
// must send the user through the login flow; there is no silent refresh.
var ErrNoToken = errors.New("no valid access token, login required")

// tokenFile is the on-disk persistence format. AccessToken is AES-GCM
// encrypted when the store has a key.
type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TokenStore caches one provider access token in memory and mirrors it to a
// JSON file so a restart inside the token's validity window needs no fresh
// login. External writes to the file (another process completing a login)
// are picked up by a filesystem watcher. Safe for concurrent use.
type TokenStore struct {
	path     string
	clientID string
	key      []byte // nil disables encryption at rest
	logger   *slog.Logger

	mu       sync.RWMutex
	token    string
	expiry   time.Time
	onChange func(accessToken string)

	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	done     chan struct{}
}

// NewTokenStore creates a store backed by the given file path. secret, when
// non-empty, enables encryption of the token at rest. An existing valid
// token file is loaded immediately; a missing file is not an error.
func NewTokenStore(path, clientID, secret string, logger *slog.Logger) (*TokenStore, error) {
	s := &TokenStore{
		path:     path,
		clientID: clientID,
		logger:   logger,
		done:     make(chan struct{}),
	}
	if secret != "" {
		key, err := DeriveEncryptionKey(secret)
		if err != nil {
			return nil, fmt.Errorf("derive token key: %w", err)
		}
		s.key = key
	}
	if err := s.loadFromFile(); err != nil {
		logger.Warn("Could not load token file", "path", path, "error", err)
	}
	return s, nil
}

// StartWatching begins reloading the token file when it changes on disk.
// The watch is on the parent directory so create-after-delete is seen too.
func (s *TokenStore) StartWatching() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}
	s.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != s.path {
					continue
				}
				if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
					if err := s.loadFromFile(); err != nil {
						s.logger.Warn("Token file changed but reload failed", "error", err)
					} else {
						s.logger.Info("Reloaded token from file", "path", s.path)
					}
				}
				if ev.Op.Has(fsnotify.Remove) {
					s.dropFromMemory()
					s.logger.Info("Token file removed, cleared cached token")
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("Token file watcher error", "error", err)
			case <-s.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the file watcher.
func (s *TokenStore) Close() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.watcher != nil {
			s.watcher.Close()
		}
	})
}

// OnChange registers a callback invoked with the new access token whenever
// the cached token changes: after a login-flow Save, a file reload, or a
// Clear (empty string). Lets the REST client track the streaming credential
// instead of keeping the token it saw at boot. Set once, before the login
// routes are live.
func (s *TokenStore) OnChange(fn func(accessToken string)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// notifyChange runs the OnChange hook outside the store lock.
func (s *TokenStore) notifyChange(token string) {
	s.mu.RLock()
	fn := s.onChange
	s.mu.RUnlock()
	if fn != nil {
		fn(token)
	}
}

// Save stores the token in memory and persists it to the file. The recorded
// expiry is expiresIn minus a safety buffer.
func (s *TokenStore) Save(accessToken string, expiresIn time.Duration) error {
	expiry := time.Now().Add(expiresIn - expiryBuffer)

	s.mu.Lock()
	s.token = accessToken
	s.expiry = expiry
	s.mu.Unlock()
	s.notifyChange(accessToken)

	stored := accessToken
	if s.key != nil {
		enc, err := encrypt(s.key, accessToken)
		if err != nil {
			return fmt.Errorf("encrypt token: %w", err)
		}
		stored = enc
	}
	data, err := json.Marshal(tokenFile{AccessToken: stored, ExpiresAt: expiry})
	if err != nil {
		return fmt.Errorf("marshal token file: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	s.logger.Info("Saved access token", "expires_at", expiry.Format(time.RFC3339))
	return nil
}

// Token returns the cached access token if it has not expired.
func (s *TokenStore) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" || time.Now().After(s.expiry) {
		return "", false
	}
	return s.token, true
}

// Expiry returns the recorded expiry of the current token, zero if none.
func (s *TokenStore) Expiry() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiry
}

// Clear drops the token from memory and removes the file.
func (s *TokenStore) Clear() error {
	s.dropFromMemory()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove token file: %w", err)
	}
	s.logger.Info("Cleared access token")
	return nil
}

// Credential hands the broker a streaming credential for any channel: all
// channels share the single provider token. Returns ErrNoToken when the
// token is absent or expired.
func (s *TokenStore) Credential(channel string) (feed.Credential, error) {
	token, ok := s.Token()
	if !ok {
		return feed.Credential{}, fmt.Errorf("channel %s: %w", channel, ErrNoToken)
	}
	return feed.Credential{ClientID: s.clientID, AccessToken: token}, nil
}

func (s *TokenStore) dropFromMemory() {
	s.mu.Lock()
	s.token = ""
	s.expiry = time.Time{}
	s.mu.Unlock()
	s.notifyChange("")
}

// loadFromFile reads the token file and caches its token when still valid.
func (s *TokenStore) loadFromFile() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return fmt.Errorf("parse token file: %w", err)
	}
	if time.Now().After(tf.ExpiresAt) {
		s.logger.Warn("Stored token has expired", "expired_at", tf.ExpiresAt.Format(time.RFC3339))
		return nil
	}
	token := tf.AccessToken
	if s.key != nil {
		token = decrypt(s.key, tf.AccessToken)
		if token == "" {
			return errors.New("token file could not be decrypted")
		}
	}

	s.mu.Lock()
	s.token = token
	s.expiry = tf.ExpiresAt
	s.mu.Unlock()
	s.notifyChange(token)
	return nil
}
