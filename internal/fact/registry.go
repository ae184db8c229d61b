package fact

import (
	"time"

	"github.com/fibersqs/telesim/internal/randstream"
)

// registryHorizon bounds how far back the registry remembers transactions.
const registryHorizon = 2 * time.Hour

// RegistryEntry is the identity slice of one observed transaction.
type RegistryEntry struct {
	EndTS         time.Time
	Region        string
	TransactionID string
	CustomerID    string
}

// Registry is the read-only identity index built once from the fact stream
// and shared by reference with every projector that needs cross-table
// identity. It keeps a rolling two-hour window of recent transactions, so
// memory stays bounded no matter the row scale. Not safe for concurrent
// use; the single fact pass owns it.
type Registry struct {
	entries  []RegistryEntry
	start    int
	observed int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Observe records a fact and evicts entries older than the horizon
// relative to it.
func (r *Registry) Observe(f *Fact) {
	r.prune(f.EndTS)
	r.entries = append(r.entries, RegistryEntry{
		EndTS:         f.EndTS,
		Region:        f.OriginRegion,
		TransactionID: f.TransactionID,
		CustomerID:    f.CustomerID,
	})
	r.observed++
}

func (r *Registry) prune(ref time.Time) {
	cutoff := ref.Add(-registryHorizon)
	for r.start < len(r.entries) && r.entries[r.start].EndTS.Before(cutoff) {
		r.start++
	}
	if r.start > len(r.entries)/2 && r.start > 1024 {
		r.entries = append(r.entries[:0], r.entries[r.start:]...)
		r.start = 0
	}
}

// Size returns the number of entries currently inside the window.
func (r *Registry) Size() int {
	return len(r.entries) - r.start
}

// Observed returns the total number of facts ever recorded.
func (r *Registry) Observed() int {
	return r.observed
}

// Decoy picks a same-region transaction belonging to a different customer,
// preferring one 30-60 minutes away from ts and falling back to 10-90
// minutes. The second return is false when no candidate qualifies, which
// callers count as a decoy fallback.
func (r *Registry) Decoy(ts time.Time, region, excludeCustomer string, s *randstream.Stream) (RegistryEntry, bool) {
	r.prune(ts)
	var preferred, fallback []RegistryEntry
	for _, e := range r.entries[r.start:] {
		if e.Region != region || e.CustomerID == excludeCustomer {
			continue
		}
		distance := ts.Sub(e.EndTS)
		if distance < 0 {
			distance = -distance
		}
		switch {
		case distance >= 30*time.Minute && distance <= 60*time.Minute:
			preferred = append(preferred, e)
		case distance >= 10*time.Minute && distance <= 90*time.Minute:
			fallback = append(fallback, e)
		}
	}
	if len(preferred) > 0 {
		return randstream.Pick(s, preferred), true
	}
	if len(fallback) > 0 {
		return randstream.Pick(s, fallback), true
	}
	return RegistryEntry{}, false
}
