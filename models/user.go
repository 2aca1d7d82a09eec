package models

// User represents an account known to the client, either the authenticated
// user or a counterpart found through directory search.
type User struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Role        string `json:"role"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Session is the authenticated identity plus the credential pair issued by
// the backend. AccessToken being non-empty is what "authenticated" means.
type Session struct {
	UserID       string `json:"user_id"`
	DisplayName  string `json:"display_name"`
	Email        string `json:"email"`
	Role         string `json:"role"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Authenticated reports whether the session carries an access credential.
func (s Session) Authenticated() bool {
	return s.AccessToken != ""
}

// Identity returns the user attributes of the session without credentials.
func (s Session) Identity() User {
	return User{
		UserID:      s.UserID,
		DisplayName: s.DisplayName,
		Email:       s.Email,
		Role:        s.Role,
	}
}
