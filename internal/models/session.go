// Package models defines types shared across internal packages.
package models

import "time"

// Credentials is the access/refresh pair issued by the API gateway.
// A pair is only meaningful when both tokens are present.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Complete reports whether both tokens are present.
func (c Credentials) Complete() bool {
	return c.AccessToken != "" && c.RefreshToken != ""
}

// LogoutRecord describes the most recent forced logout.
type LogoutRecord struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}
