package api

import (
	"context"

	"converse/models"
)

// LoginResult is the credential issuance response.
type LoginResult struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	User         models.User `json:"user"`
}

// CodeChallenge binds a short-lived verification code to an opaque token.
// Both registration and password reset use the same two-phase shape.
type CodeChallenge struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in,omitempty"`
}

// RegistrationRequest finalizes account creation with the emailed code.
type RegistrationRequest struct {
	Email       string `json:"email"`
	Token       string `json:"token"`
	Code        string `json:"code"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
}

// PasswordResetRequest finalizes a password reset with the verified code.
type PasswordResetRequest struct {
	Email       string `json:"email"`
	Token       string `json:"token"`
	Code        string `json:"code"`
	NewPassword string `json:"new_password"`
}

// Login exchanges credentials for a token pair plus identity attributes.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	var result LoginResult
	err := c.post(ctx, "/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Logout asks the backend to invalidate the refresh credential.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	return c.post(ctx, "/auth/logout", map[string]string{
		"refresh_token": refreshToken,
	}, nil)
}

// RequestRegistrationCode starts the two-phase registration flow.
func (c *Client) RequestRegistrationCode(ctx context.Context, email string) (*CodeChallenge, error) {
	var challenge CodeChallenge
	err := c.post(ctx, "/auth/register/request-code", map[string]string{"email": email}, &challenge)
	if err != nil {
		return nil, err
	}
	return &challenge, nil
}

// CompleteRegistration submits code, token, and account data, returning a
// logged-in session result.
func (c *Client) CompleteRegistration(ctx context.Context, req RegistrationRequest) (*LoginResult, error) {
	var result LoginResult
	if err := c.post(ctx, "/auth/register/complete", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RequestPasswordResetCode starts the two-phase password reset flow.
func (c *Client) RequestPasswordResetCode(ctx context.Context, email string) (*CodeChallenge, error) {
	var challenge CodeChallenge
	err := c.post(ctx, "/auth/password-reset/request", map[string]string{"email": email}, &challenge)
	if err != nil {
		return nil, err
	}
	return &challenge, nil
}

// VerifyPasswordResetCode checks the emailed code against the challenge token.
func (c *Client) VerifyPasswordResetCode(ctx context.Context, email, token, code string) error {
	return c.post(ctx, "/auth/password-reset/verify", map[string]string{
		"email": email,
		"token": token,
		"code":  code,
	}, nil)
}

// CompletePasswordReset submits the new secret bound to the verified code.
func (c *Client) CompletePasswordReset(ctx context.Context, req PasswordResetRequest) error {
	return c.post(ctx, "/auth/password-reset/complete", req, nil)
}
