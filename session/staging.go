package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"converse/api"
)

const (
	// stagingTTL bounds how long a requested verification code binding stays
	// usable locally. It predates authentication, so it lives here and not in
	// the session state proper.
	stagingTTL = 10 * time.Minute

	// verificationCodeLength is the expected one-time code length.
	verificationCodeLength = 6
)

var (
	// ErrNoStagedFlow indicates a completion call without a prior code request.
	ErrNoStagedFlow = errors.New("session: no staged verification flow")
	// ErrStagedFlowExpired indicates the requested code binding aged out.
	ErrStagedFlowExpired = errors.New("session: staged verification flow expired")
	// ErrCodeNotVerified indicates password reset completion before code verification.
	ErrCodeNotVerified = errors.New("session: reset code has not been verified")
)

const (
	flowRegistration  = "registration"
	flowPasswordReset = "password_reset"
)

// stagedFlow is the short-lived local binding between an email and the opaque
// challenge token issued for it.
type stagedFlow struct {
	Email     string
	Token     string
	Verified  bool
	ExpiresAt time.Time
}

type stagingArea struct {
	mu    sync.Mutex
	flows map[string]stagedFlow
	now   func() time.Time
}

func newStagingArea() stagingArea {
	return stagingArea{
		flows: make(map[string]stagedFlow),
		now:   time.Now,
	}
}

func (a *stagingArea) put(kind string, flow stagedFlow) {
	a.mu.Lock()
	defer a.mu.Unlock()
	flow.ExpiresAt = a.now().Add(stagingTTL)
	a.flows[kind] = flow
}

func (a *stagingArea) get(kind string) (stagedFlow, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	flow, ok := a.flows[kind]
	if !ok {
		return stagedFlow{}, ErrNoStagedFlow
	}
	if a.now().After(flow.ExpiresAt) {
		delete(a.flows, kind)
		return stagedFlow{}, ErrStagedFlowExpired
	}
	return flow, nil
}

func (a *stagingArea) markVerified(kind string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if flow, ok := a.flows[kind]; ok {
		flow.Verified = true
		a.flows[kind] = flow
	}
}

func (a *stagingArea) drop(kind string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.flows, kind)
}

func validateCode(code string) error {
	if len(code) != verificationCodeLength {
		return &ValidationError{
			Field:  "code",
			Reason: fmt.Sprintf("must be %d digits", verificationCodeLength),
		}
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return &ValidationError{Field: "code", Reason: "must be numeric"}
		}
	}
	return nil
}

// RegistrationData finalizes the second phase of registration.
type RegistrationData struct {
	DisplayName     string
	Password        string
	ConfirmPassword string
	Code            string
}

// RequestRegistrationCode starts registration: exchanges the email for a
// short-lived verification code challenge and stages the binding locally.
func (s *Store) RequestRegistrationCode(ctx context.Context, email string) error {
	if email == "" {
		return &ValidationError{Field: "email", Reason: "must not be empty"}
	}
	gateway := s.gatewayRef()
	if gateway == nil {
		return ErrNoGateway
	}

	challenge, err := gateway.RequestRegistrationCode(ctx, email)
	if err != nil {
		return fmt.Errorf("request registration code: %w", err)
	}

	s.staging.put(flowRegistration, stagedFlow{Email: email, Token: challenge.Token})
	return nil
}

// CompleteRegistration submits the staged token, the emailed code, and the
// account data. On success the new account is logged in.
func (s *Store) CompleteRegistration(ctx context.Context, data RegistrationData) error {
	if data.DisplayName == "" {
		return &ValidationError{Field: "display_name", Reason: "must not be empty"}
	}
	if data.Password == "" {
		return &ValidationError{Field: "password", Reason: "must not be empty"}
	}
	if data.Password != data.ConfirmPassword {
		return &ValidationError{Field: "password", Reason: "passwords do not match"}
	}
	if err := validateCode(data.Code); err != nil {
		return err
	}

	gateway := s.gatewayRef()
	if gateway == nil {
		return ErrNoGateway
	}

	flow, err := s.staging.get(flowRegistration)
	if err != nil {
		return err
	}

	result, err := gateway.CompleteRegistration(ctx, api.RegistrationRequest{
		Email:       flow.Email,
		Token:       flow.Token,
		Code:        data.Code,
		DisplayName: data.DisplayName,
		Password:    data.Password,
	})
	if err != nil {
		return fmt.Errorf("complete registration: %w", err)
	}

	s.staging.drop(flowRegistration)
	s.adopt(*result)
	return nil
}

// RequestPasswordReset starts the reset flow for an email.
func (s *Store) RequestPasswordReset(ctx context.Context, email string) error {
	if email == "" {
		return &ValidationError{Field: "email", Reason: "must not be empty"}
	}
	gateway := s.gatewayRef()
	if gateway == nil {
		return ErrNoGateway
	}

	challenge, err := gateway.RequestPasswordResetCode(ctx, email)
	if err != nil {
		return fmt.Errorf("request password reset code: %w", err)
	}

	s.staging.put(flowPasswordReset, stagedFlow{Email: email, Token: challenge.Token})
	return nil
}

// VerifyPasswordResetCode checks the emailed code and marks the staged flow
// verified on success.
func (s *Store) VerifyPasswordResetCode(ctx context.Context, code string) error {
	if err := validateCode(code); err != nil {
		return err
	}
	gateway := s.gatewayRef()
	if gateway == nil {
		return ErrNoGateway
	}

	flow, err := s.staging.get(flowPasswordReset)
	if err != nil {
		return err
	}

	if err := gateway.VerifyPasswordResetCode(ctx, flow.Email, flow.Token, code); err != nil {
		return fmt.Errorf("verify reset code: %w", err)
	}

	s.staging.markVerified(flowPasswordReset)
	return nil
}

// CompletePasswordReset submits the new password bound to the verified code.
func (s *Store) CompletePasswordReset(ctx context.Context, code, newPassword, confirmPassword string) error {
	if newPassword == "" {
		return &ValidationError{Field: "password", Reason: "must not be empty"}
	}
	if newPassword != confirmPassword {
		return &ValidationError{Field: "password", Reason: "passwords do not match"}
	}
	if err := validateCode(code); err != nil {
		return err
	}

	gateway := s.gatewayRef()
	if gateway == nil {
		return ErrNoGateway
	}

	flow, err := s.staging.get(flowPasswordReset)
	if err != nil {
		return err
	}
	if !flow.Verified {
		return ErrCodeNotVerified
	}

	if err := gateway.CompletePasswordReset(ctx, api.PasswordResetRequest{
		Email:       flow.Email,
		Token:       flow.Token,
		Code:        code,
		NewPassword: newPassword,
	}); err != nil {
		return fmt.Errorf("complete password reset: %w", err)
	}

	s.staging.drop(flowPasswordReset)
	return nil
}
