package models

import (
	"time"
)

// ActiveSession is one live tunnel on the broker, keyed by
// (identity, channel). FingerprintPrefix is kept for operator diagnostics
// only; the full fingerprint never leaves the session store.
type ActiveSession struct {
	Identity          string    `json:"identity"`
	Channel           int       `json:"channel"`
	SessionID         string    `json:"session_id"`
	FingerprintPrefix string    `json:"fingerprint_prefix"`
	ConnectedAt       time.Time `json:"connected_at"`
}

// FingerprintPrefixOf returns a short diagnostic prefix of a fingerprint hash.
func FingerprintPrefixOf(fingerprint string) string {
	if len(fingerprint) <= 8 {
		return fingerprint
	}
	return fingerprint[:8]
}
