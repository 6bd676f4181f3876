package models

// Policy describes what a single identity is allowed to do on the relay.
// The policy file (users.json) is the source of truth; the in-memory copy
// is replaced wholesale on reload.
type Policy struct {
	Identity        string `json:"identity"`
	AllowedChannels []int  `json:"allowed_channels"`
	MaxSessions     int    `json:"max_sessions"`
}

// AllowsChannel reports whether the policy permits the given channel number.
func (p *Policy) AllowsChannel(channel int) bool {
	for _, c := range p.AllowedChannels {
		if c == channel {
			return true
		}
	}
	return false
}
