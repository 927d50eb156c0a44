package credential

import (
	"time"

	"github.com/yansir/kiro-relay/internal/store"
)

// AffinityTracker binds a client user to the credential that served their
// last request, for a limited time, so a multi-turn conversation keeps
// hitting the same upstream session rather than bouncing between accounts.
type AffinityTracker struct {
	bindings *store.TTLMap[string]
	ttl      time.Duration
}

func NewAffinityTracker(ttl time.Duration) *AffinityTracker {
	return &AffinityTracker{
		bindings: store.NewTTLMap[string](),
		ttl:      ttl,
	}
}

// Bind records that userKey should prefer credentialID, renewing the TTL.
func (a *AffinityTracker) Bind(userKey, credentialID string) {
	a.bindings.Set(userKey, credentialID, a.ttl)
}

// Lookup returns the bound credential ID for userKey, if the binding has
// not expired, and renews its TTL on hit.
func (a *AffinityTracker) Lookup(userKey string) (string, bool) {
	id, ok := a.bindings.Get(userKey)
	if ok {
		a.bindings.Update(userKey, func(*string) {}, a.ttl)
	}
	return id, ok
}

// Release drops a binding immediately, e.g. when the bound credential has
// become unschedulable and a client must be allowed to rebind.
func (a *AffinityTracker) Release(userKey string) {
	a.bindings.Delete(userKey)
}

// Cleanup purges expired bindings; intended to run on a periodic ticker.
func (a *AffinityTracker) Cleanup() {
	a.bindings.Cleanup()
}
