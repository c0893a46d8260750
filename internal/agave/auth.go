package agave

import (
	"encoding/json"
	"strings"
)

// ProbeResult classifies a failed client probe.
type ProbeResult int

const (
	ProbeOther ProbeResult = iota
	// ProbeClientMissing means the client does not exist yet and can be
	// created directly.
	ProbeClientMissing
	// ProbeLoginFailed means the username or password was rejected.
	ProbeLoginFailed
)

// These strings are the only signal the tenant gives. They were observed
// against DesignSafe and may differ on other tenants or versions.
const (
	msgClientNotFound = "Application not found"
	msgLoginFailed    = "Login failed.Please recheck the username and password and try again."
)

// ClassifyClientProbe maps the message of a failed client probe.
func ClassifyClientProbe(message string) ProbeResult {
	switch strings.TrimSpace(message) {
	case msgClientNotFound:
		return ProbeClientMissing
	case msgLoginFailed:
		return ProbeLoginFailed
	}
	return ProbeOther
}

// ClientCredentials is the key pair issued on client creation.
type ClientCredentials struct {
	Key    string
	Secret string
}

// DecodeClientCredentials reads result.consumerKey and result.consumerSecret.
func DecodeClientCredentials(d *Document) (ClientCredentials, error) {
	raw, ok := d.Result()
	if !ok {
		return ClientCredentials{}, missing("client reply has no result")
	}
	var res struct {
		ConsumerKey    string `json:"consumerKey"`
		ConsumerSecret string `json:"consumerSecret"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return ClientCredentials{}, missing("client result: %v", err)
	}
	if res.ConsumerKey == "" || res.ConsumerSecret == "" {
		return ClientCredentials{}, missing("client result lacks key or secret")
	}
	return ClientCredentials{Key: res.ConsumerKey, Secret: res.ConsumerSecret}, nil
}

// Token is the reply of the token endpoint.
type Token struct {
	Access    string
	Refresh   string
	ExpiresIn int64
}

// DecodeToken reads access_token and refresh_token.
func DecodeToken(d *Document) (Token, error) {
	t := Token{
		Access:  d.String("access_token"),
		Refresh: d.String("refresh_token"),
	}
	if t.Access == "" || t.Refresh == "" {
		return Token{}, missing("token reply lacks access or refresh token")
	}
	if raw, ok := d.Raw("expires_in"); ok {
		var n float64
		if json.Unmarshal(raw, &n) == nil {
			t.ExpiresIn = int64(n)
		}
	}
	return t, nil
}
