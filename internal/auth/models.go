package auth

import "time"

// User is an authenticated caller, as asserted by a verified JWT. The email
// address is the user key throughout the pipeline: it is what the mailbox
// provider puts in push notifications.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Provider names the OAuth account kinds the auth service can vend tokens for.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// Token is a short-lived provider access credential. Refresh and expiry are
// managed entirely by the external auth service; this pipeline treats the
// access token as an opaque bearer value.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}
