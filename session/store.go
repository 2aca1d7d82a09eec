package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"converse/api"
	"converse/crypto"
	"converse/models"
	"converse/storage"
)

var (
	// ErrNoGateway indicates a network-backed operation before AttachGateway.
	ErrNoGateway = errors.New("session: gateway is not attached")
)

// ValidationError is a malformed-input failure caught before any network
// call. It never reaches the HTTP gateway.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("session: invalid %s: %s", e.Field, e.Reason)
}

// AuthGateway is the slice of the HTTP gateway the session store drives.
type AuthGateway interface {
	Login(ctx context.Context, email, password string) (*api.LoginResult, error)
	Logout(ctx context.Context, refreshToken string) error
	RequestRegistrationCode(ctx context.Context, email string) (*api.CodeChallenge, error)
	CompleteRegistration(ctx context.Context, req api.RegistrationRequest) (*api.LoginResult, error)
	RequestPasswordResetCode(ctx context.Context, email string) (*api.CodeChallenge, error)
	VerifyPasswordResetCode(ctx context.Context, email, token, code string) error
	CompletePasswordReset(ctx context.Context, req api.PasswordResetRequest) error
}

// StoreOptions configures the session store.
type StoreOptions struct {
	// Storage and LocalKey enable encrypted persistence across restarts.
	// Leaving either nil keeps the session memory-only.
	Storage  *storage.Store
	LocalKey []byte

	// OnChange runs after login, logout, and forced credential clearing.
	// The realtime channel uses it to tear down or re-establish itself.
	OnChange func(models.Session)

	Logger *zap.SugaredLogger
}

// Store holds the current authenticated identity and credential pair.
//
// It is the only owner of session state; the HTTP gateway borrows credentials
// through the CredentialSource methods and the rest of the app reads identity
// through Current.
type Store struct {
	mu      sync.RWMutex
	current models.Session

	gateway AuthGateway

	storage  *storage.Store
	localKey []byte
	onChange func(models.Session)
	log      *zap.SugaredLogger

	staging stagingArea
}

// NewStore creates a session store. Call Rehydrate to restore a persisted
// session and AttachGateway before any network-backed operation.
func NewStore(options StoreOptions) *Store {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Store{
		storage:  options.Storage,
		localKey: options.LocalKey,
		onChange: options.OnChange,
		log:      logger,
		staging:  newStagingArea(),
	}
}

// AttachGateway wires the HTTP gateway after construction. The gateway needs
// the store as its credential source, so the two are bound in two steps.
func (s *Store) AttachGateway(gateway AuthGateway) {
	s.mu.Lock()
	s.gateway = gateway
	s.mu.Unlock()
}

// Current returns a copy of the session state.
func (s *Store) Current() models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Authenticated reports whether an access credential is held.
func (s *Store) Authenticated() bool {
	return s.Current().Authenticated()
}

// Rehydrate restores the persisted session. Malformed or undecryptable state
// is discarded and the store starts unauthenticated; startup never fails on
// a bad session blob.
func (s *Store) Rehydrate() {
	if s.storage == nil || len(s.localKey) == 0 {
		return
	}

	sealed, err := s.storage.LoadSessionBlob()
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		s.log.Warnw("session rehydrate failed, starting unauthenticated", "error", err)
		return
	}

	plaintext, err := crypto.Open(s.localKey, sealed)
	if err != nil {
		s.log.Warnw("persisted session is undecryptable, discarding", "error", err)
		_ = s.storage.ClearSession()
		return
	}

	var restored models.Session
	if err := json.Unmarshal(plaintext, &restored); err != nil || !restored.Authenticated() || restored.UserID == "" {
		s.log.Warnw("persisted session is malformed, discarding", "error", err)
		_ = s.storage.ClearSession()
		return
	}

	s.mu.Lock()
	s.current = restored
	s.mu.Unlock()

	if expiry, ok := AccessTokenExpiry(restored.AccessToken); ok {
		s.log.Infow("session restored", "user_id", restored.UserID, "token_expires_at", expiry)
	} else {
		s.log.Infow("session restored", "user_id", restored.UserID)
	}
}

// Login exchanges credentials for a session. On failure the prior session
// state is left untouched.
func (s *Store) Login(ctx context.Context, email, password string) error {
	if email == "" {
		return &ValidationError{Field: "email", Reason: "must not be empty"}
	}
	if password == "" {
		return &ValidationError{Field: "password", Reason: "must not be empty"}
	}

	gateway := s.gatewayRef()
	if gateway == nil {
		return ErrNoGateway
	}

	result, err := gateway.Login(ctx, email, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	s.adopt(*result)
	return nil
}

// Logout notifies the backend best-effort, then unconditionally clears all
// local session state regardless of network outcome.
func (s *Store) Logout(ctx context.Context) {
	gateway := s.gatewayRef()
	refreshToken := s.RefreshToken()

	if gateway != nil && refreshToken != "" {
		if err := gateway.Logout(ctx, refreshToken); err != nil {
			s.log.Debugw("backend logout failed, clearing local session anyway", "error", err)
		}
	}

	s.clearLocked(true)
}

// AccessToken implements api.CredentialSource.
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.AccessToken
}

// RefreshToken implements api.CredentialSource.
func (s *Store) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.RefreshToken
}

// SetTokens implements api.CredentialSource. Called by the gateway after a
// successful refresh exchange; identity attributes are unchanged.
func (s *Store) SetTokens(accessToken, refreshToken string) {
	s.mu.Lock()
	s.current.AccessToken = accessToken
	s.current.RefreshToken = refreshToken
	snapshot := s.current
	s.mu.Unlock()

	s.persist(snapshot)
}

// ClearTokens implements api.CredentialSource. Called by the gateway when the
// refresh exchange itself fails; the session is gone for good.
func (s *Store) ClearTokens() {
	s.clearLocked(true)
}

func (s *Store) gatewayRef() AuthGateway {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gateway
}

// adopt installs a fresh login result as the current session.
func (s *Store) adopt(result api.LoginResult) {
	next := models.Session{
		UserID:       result.User.UserID,
		DisplayName:  result.User.DisplayName,
		Email:        result.User.Email,
		Role:         result.User.Role,
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
	}
	if next.UserID == "" {
		// Identity endpoints may omit the user object; fall back to claims.
		if identity, ok := IdentityFromToken(result.AccessToken); ok {
			next.UserID = identity.UserID
			if next.DisplayName == "" {
				next.DisplayName = identity.DisplayName
			}
			if next.Email == "" {
				next.Email = identity.Email
			}
			if next.Role == "" {
				next.Role = identity.Role
			}
		}
	}

	s.mu.Lock()
	s.current = next
	s.mu.Unlock()

	s.persist(next)
	s.notifyChange(next)
}

func (s *Store) clearLocked(notify bool) {
	s.mu.Lock()
	wasAuthenticated := s.current.Authenticated()
	s.current = models.Session{}
	s.mu.Unlock()

	if s.storage != nil {
		if err := s.storage.ClearSession(); err != nil {
			s.log.Warnw("clear persisted session failed", "error", err)
		}
	}
	if notify && wasAuthenticated {
		s.notifyChange(models.Session{})
	}
}

func (s *Store) persist(snapshot models.Session) {
	if s.storage == nil || len(s.localKey) == 0 {
		return
	}

	plaintext, err := json.Marshal(snapshot)
	if err != nil {
		s.log.Warnw("marshal session for persistence failed", "error", err)
		return
	}
	sealed, err := crypto.Seal(s.localKey, plaintext)
	if err != nil {
		s.log.Warnw("seal session for persistence failed", "error", err)
		return
	}
	if err := s.storage.SaveSessionBlob(sealed); err != nil {
		s.log.Warnw("persist session failed", "error", err)
	}
}

func (s *Store) notifyChange(snapshot models.Session) {
	if s.onChange != nil {
		s.onChange(snapshot)
	}
}
