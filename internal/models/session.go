// Package models defines types shared across internal packages.
package models

// WellKnown is the homeserver discovery information returned at login.
type WellKnown struct {
	HomeServer     *WellKnownServer `json:"m.homeserver,omitempty"`
	IdentityServer *WellKnownServer `json:"m.identity_server,omitempty"`
}

// WellKnownServer holds one discovered base URL.
type WellKnownServer struct {
	BaseURL string `json:"base_url"`
}

// Credentials identify an authenticated device for one user.
type Credentials struct {
	UserID      string     `json:"user_id"`
	AccessToken string     `json:"access_token"`
	DeviceID    string     `json:"device_id"`
	HomeServer  string     `json:"home_server,omitempty"`
	WellKnown   *WellKnown `json:"well_known,omitempty"`
}

// HomeServerConfig holds the endpoints a session talks to.
type HomeServerConfig struct {
	HomeServerURL     string `json:"homeserver_url"`
	IdentityServerURL string `json:"identity_server_url,omitempty"`
}

// SessionParams is everything needed to restore a session after a
// restart. One is persisted per signed-in user.
type SessionParams struct {
	Credentials Credentials      `json:"credentials"`
	HomeServer  HomeServerConfig `json:"homeserver"`
}

// UserID is shorthand for the session owner's Matrix ID.
func (p SessionParams) UserID() string {
	return p.Credentials.UserID
}
