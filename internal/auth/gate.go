// Package auth gates execution on provider credential readiness. The check
// runs before any stream starts so a missing key fails fast with guidance
// instead of surfacing as a provider error mid-stream.
package auth

import (
	"fmt"
	"sync"
)

// NotReadyError reports a provider whose credentials are absent. Guidance
// is user-facing text telling the caller how to connect the provider.
type NotReadyError struct {
	Provider string
	Guidance string
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("provider %s is not authorized: %s", e.Provider, e.Guidance)
}

// Gate tracks which providers have usable credentials.
type Gate struct {
	mu    sync.RWMutex
	ready map[string]bool
}

// NewGate creates an empty gate; every provider starts unauthorized.
func NewGate() *Gate {
	return &Gate{ready: make(map[string]bool)}
}

// SetReady records whether a provider's credentials are present. Called at
// startup from config and again whenever credentials change.
func (g *Gate) SetReady(providerID string, ready bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ready[providerID] = ready
}

// CheckReady returns nil when the provider may be used, or a *NotReadyError
// carrying connect guidance.
func (g *Gate) CheckReady(providerID string) error {
	g.mu.RLock()
	ready := g.ready[providerID]
	g.mu.RUnlock()
	if ready {
		return nil
	}
	return &NotReadyError{
		Provider: providerID,
		Guidance: guidance(providerID),
	}
}

func guidance(providerID string) string {
	switch providerID {
	case "anthropic":
		return "Run /connect anthropic with your API key, or set ANTHROPIC_API_KEY and restart."
	case "openai":
		return "Run /connect openai with your API key, or set OPENAI_API_KEY and restart."
	default:
		return fmt.Sprintf("Run /connect %s with your API key.", providerID)
	}
}
