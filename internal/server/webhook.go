package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/wolfeidau/tunnelgate/internal/auth"
	"github.com/wolfeidau/tunnelgate/internal/policy"
	"github.com/wolfeidau/tunnelgate/internal/tracker"
)

// Webhook operations emitted by the tunnel broker.
const (
	OpLogin        = "Login"
	OpOpenChannel  = "OpenChannel"
	OpCloseChannel = "CloseChannel"
	OpHeartbeat    = "Heartbeat"
)

type metas struct {
	Token       string `json:"token"`
	Fingerprint string `json:"fingerprint"`
}

type webhookUser struct {
	Metas *metas `json:"metas"`
}

type webhookContent struct {
	Metas   *metas       `json:"metas"`
	User    *webhookUser `json:"user"`
	Channel *int         `json:"channel"`
	Name    string       `json:"name"`
}

type webhookRequest struct {
	Op      string         `json:"op"`
	Content webhookContent `json:"content"`
}

// metas returns the credential pair wherever the broker nested it; the
// placement differs per operation.
func (c *webhookContent) metas() *metas {
	if c.Metas != nil {
		return c.Metas
	}
	if c.User != nil {
		return c.User.Metas
	}
	return nil
}

// Verdict is the synchronous accept/reject decision returned to the broker.
type Verdict struct {
	Reject       bool   `json:"reject"`
	RejectReason string `json:"reject_reason,omitempty"`
	Unchange     bool   `json:"unchange"`
}

func accept() Verdict {
	return Verdict{Unchange: true}
}

func reject(reason string) Verdict {
	return Verdict{Reject: true, RejectReason: reason}
}

// Authorizer composes credential verification, policy lookup and the active
// session tracker into one verdict per broker webhook. It holds no state of
// its own.
type Authorizer struct {
	creds    *auth.CredentialService
	policies *policy.Store
	tracker  *tracker.Tracker
	log      zerolog.Logger
}

// NewAuthorizer returns a webhook authorizer over the given services.
func NewAuthorizer(creds *auth.CredentialService, policies *policy.Store, tr *tracker.Tracker, log zerolog.Logger) *Authorizer {
	return &Authorizer{
		creds:    creds,
		policies: policies,
		tracker:  tr,
		log:      log.With().Str("component", "webhook").Logger(),
	}
}

// Authorize evaluates one webhook. The check order is load-bearing: each
// later check assumes the earlier ones passed.
func (a *Authorizer) Authorize(req *webhookRequest) Verdict {
	switch req.Op {
	case OpLogin:
		return a.authorizeLogin(&req.Content)
	case OpOpenChannel:
		return a.authorizeOpenChannel(&req.Content)
	case OpCloseChannel:
		return a.authorizeCloseChannel(&req.Content)
	case OpHeartbeat:
		return accept()
	default:
		return reject("unknown operation")
	}
}

func (a *Authorizer) authorizeLogin(content *webhookContent) Verdict {
	m := content.metas()
	if m == nil || m.Token == "" || m.Fingerprint == "" {
		return reject("missing token or fingerprint")
	}

	result := a.creds.Verify(m.Token, m.Fingerprint)
	if !result.Valid {
		return reject(result.Reason)
	}

	a.log.Debug().Str("identity", result.Identity).Msg("login accepted")
	return accept()
}

func (a *Authorizer) authorizeOpenChannel(content *webhookContent) Verdict {
	m := content.metas()
	if m == nil || m.Token == "" || m.Fingerprint == "" {
		return reject("missing token or fingerprint")
	}
	if content.Channel == nil {
		return reject("missing channel")
	}
	channel := *content.Channel
	if channel < 1 || channel > 65535 {
		return reject(fmt.Sprintf("channel %d out of range", channel))
	}

	result := a.creds.Verify(m.Token, m.Fingerprint)
	if !result.Valid {
		return reject(result.Reason)
	}

	pol, ok := a.policies.Lookup(result.Identity)
	if !ok || !pol.AllowsChannel(channel) {
		allowed := []int{}
		if ok {
			allowed = pol.AllowedChannels
		}
		return reject(fmt.Sprintf("channel not allowed: %d (allowed: %v)", channel, allowed))
	}

	if a.tracker.IsChannelInUse(channel) {
		return reject(fmt.Sprintf("channel in use: %d", channel))
	}

	if a.tracker.Count(result.Identity) >= pol.MaxSessions {
		return reject(fmt.Sprintf("quota exceeded: max %d sessions", pol.MaxSessions))
	}

	// Two handlers can both pass the pre-checks; Add's own atomic
	// check-and-insert is the final authority.
	if !a.tracker.Add(result.Identity, channel, result.SessionID, m.Fingerprint) {
		return reject(fmt.Sprintf("channel in use: %d", channel))
	}

	a.log.Info().Str("identity", result.Identity).Int("channel", channel).
		Msg("channel opened")
	return accept()
}

// authorizeCloseChannel is best effort: the broker proceeds with the close
// regardless, so cleanup failures must not reject.
func (a *Authorizer) authorizeCloseChannel(content *webhookContent) Verdict {
	if content.Channel == nil {
		return accept()
	}
	channel := *content.Channel

	if m := content.metas(); m != nil && m.Token != "" && m.Fingerprint != "" {
		if result := a.creds.Verify(m.Token, m.Fingerprint); result.Valid {
			if a.tracker.Remove(result.Identity, channel) {
				a.log.Info().Str("identity", result.Identity).Int("channel", channel).
					Msg("channel closed")
			}
			return accept()
		}
	}

	// No verifiable identity (e.g. broker-side forced disconnect): fall
	// back to removing whichever session holds the channel.
	if a.tracker.RemoveByChannelOnly(channel) {
		a.log.Info().Int("channel", channel).Msg("channel closed without verifiable identity")
	}
	return accept()
}

// WebhookHandler decodes the broker's webhook POST and writes the verdict.
func (a *Authorizer) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, reject("malformed webhook body"))
		return
	}

	verdict := a.Authorize(&req)
	if verdict.Reject {
		a.log.Info().Str("op", req.Op).Str("reason", verdict.RejectReason).
			Msg("webhook rejected")
	}

	writeJSON(w, http.StatusOK, verdict)
}
