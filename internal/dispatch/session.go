package dispatch

import (
	"encoding/base64"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fruitsalade/agavesync/internal/agave"
)

// State is the connection state of the dispatcher.
type State int

const (
	Uninitialized State = iota
	Ready
	Authenticating
	Connected
	Disconnecting
	Disconnected
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Ready:
		return "READY"
	case Authenticating:
		return "AUTHENTICATING"
	case Connected:
		return "CONNECTED"
	case Disconnecting:
		return "DISCONNECTING"
	case Disconnected:
		return "DISCONNECTED"
	}
	return "UNKNOWN"
}

// ShuttingDown reports whether new work is refused.
func (s State) ShuttingDown() bool {
	return s == Disconnecting || s == Disconnected
}

// Session holds the connection state and every credential. It is owned by
// the Dispatcher and only changed through its methods, which return the
// updated value.
type Session struct {
	State State

	Username       string
	Password       string
	PasswordHeader string

	ClientKey    string
	ClientSecret string
	ClientHeader string

	Token        string
	RefreshToken string
	BearerHeader string
	TokenExpiry  time.Time
}

// To moves the session to state. Entering READY, UNINITIALIZED or
// DISCONNECTED drops every credential.
func (s Session) To(state State) Session {
	switch state {
	case Ready, Uninitialized, Disconnected:
		s = Session{}
	}
	s.State = state
	return s
}

// WithPassword stores the user credentials.
func (s Session) WithPassword(user, pass string) Session {
	s.Username = user
	s.Password = pass
	s.PasswordHeader = basicAuth(user, pass)
	return s
}

// WithClient stores the client key pair.
func (s Session) WithClient(c agave.ClientCredentials) Session {
	s.ClientKey = c.Key
	s.ClientSecret = c.Secret
	s.ClientHeader = basicAuth(c.Key, c.Secret)
	return s
}

// WithToken stores the access and refresh token and builds the bearer
// header. The expiry comes from the token's exp claim when the token is a
// JWT, otherwise from expires_in.
func (s Session) WithToken(t agave.Token, now time.Time) Session {
	s.Token = t.Access
	s.RefreshToken = t.Refresh
	s.BearerHeader = "Bearer " + t.Access
	s.TokenExpiry = tokenExpiry(t, now)
	return s
}

// HasClient reports whether client credentials are present.
func (s Session) HasClient() bool {
	return s.ClientKey != "" && s.ClientSecret != ""
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func tokenExpiry(t agave.Token, now time.Time) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(t.Access, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	if t.ExpiresIn > 0 {
		return now.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	return time.Time{}
}
