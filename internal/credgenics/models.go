package credgenics

import "time"

// tokenRequest is the body sent to the access-token endpoint
type tokenRequest struct {
	ClientID            string `json:"client_id"`
	ClientSecret        string `json:"client_secret"`
	TokenExpiryDuration int    `json:"token_expiry_duration,omitempty"`
}

// tokenResponse is the body returned by the access-token endpoint
type tokenResponse struct {
	AccessToken         string `json:"access_token"`
	TokenExpiryDuration int    `json:"token_expiry_duration"`
	Message             string `json:"message"`
}

// recordingResponse is the body returned by the recording metadata endpoint.
// The data field carries the public audio URL, either directly as a string
// or wrapped in an object.
type recordingResponse struct {
	Data   any    `json:"data"`
	Detail string `json:"detail"`
}

// Token is a bearer token with its expiry instant
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token can still be presented. A safety margin
// keeps a token from being used right at its expiry boundary.
func (t Token) Valid(now time.Time, margin time.Duration) bool {
	if t.Value == "" {
		return false
	}
	return now.Add(margin).Before(t.ExpiresAt)
}
