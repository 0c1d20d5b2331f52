// Package session holds the per-call identity shared by every bridge component.
package session

import (
	"strings"
	"time"
)

// InteractionMode selects the policy a call runs under.
type InteractionMode string

const (
	// ModeCustomer is the restrictive mode used for unknown callers.
	ModeCustomer InteractionMode = "customer"
	// ModeOwner is the privileged mode for the tenant's own staff.
	ModeOwner InteractionMode = "owner"
)

// ResolveMode maps a raw routing value to a mode. Anything missing or
// unrecognized resolves to ModeCustomer.
func ResolveMode(raw string) InteractionMode {
	switch InteractionMode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeOwner:
		return ModeOwner
	default:
		return ModeCustomer
	}
}

// Context is the immutable identity of a call, built once from the
// telephony start message. It is passed by value.
type Context struct {
	CallID       string
	TenantID     string
	Mode         InteractionMode
	CallerNumber string
	CalleeNumber string
	StreamSID    string
	CallSID      string
	StartedAt    time.Time
}

// Age returns how long the call has been running at now.
func (c Context) Age(now time.Time) time.Duration {
	if c.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(c.StartedAt)
}
