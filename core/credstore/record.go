package credstore

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Record is the whole credential state of one agent. It is always written
// in full; there is no partial update on disk.
type Record struct {
	AgentID           string     `json:"agent_id"`
	User              string     `json:"user,omitempty"`
	BaseURL           string     `json:"base_url"`
	RefreshToken      string     `json:"refresh_token"`
	AccessToken       string     `json:"access_token,omitempty"`
	AccessTokenExpiry *time.Time `json:"access_token_expiry,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// LogValue renders tokens as fingerprints only.
func (r Record) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("agent_id", r.AgentID),
		slog.String("base_url", r.BaseURL),
		slog.String("refresh_token", Fingerprint(r.RefreshToken)),
	}
	if r.User != "" {
		attrs = append(attrs, slog.String("user", r.User))
	}
	return slog.GroupValue(attrs...)
}

// Fingerprint returns a short, non-reversible label for a secret so that it
// can appear in logs. Empty input yields "none".
func Fingerprint(secret string) string {
	if secret == "" {
		return "none"
	}
	sum := sha256.Sum256([]byte(secret))
	return "sha256:" + hex.EncodeToString(sum[:])[:12]
}
