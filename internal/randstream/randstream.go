package randstream

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand/v2"
	"time"
)

// Manager derives independent, seed-reproducible random sub-streams from a
// single root seed. Each stream is identified by name; the same
// (seed, name) pair always yields the same sequence no matter how many
// other streams exist, how much of them has been consumed, or how row
// counts are scaled. Derivation is pure, so a Manager carries no state
// beyond the seed.
type Manager struct {
	seed int64
}

// New returns a Manager rooted at seed.
func New(seed int64) *Manager {
	return &Manager{seed: seed}
}

// Seed returns the root seed the Manager was built with.
func (m *Manager) Seed() int64 {
	return m.seed
}

// Stream returns the named sub-stream. The sub-seed is a hash of the root
// seed and the stream name, so adding or removing streams never shifts the
// sequences of existing ones.
func (m *Manager) Stream(name string) *Stream {
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], uint64(m.seed))
	h := sha256.New()
	h.Write(seed[:])
	h.Write([]byte(name))
	sum := h.Sum(nil)
	hi := binary.BigEndian.Uint64(sum[0:8])
	lo := binary.BigEndian.Uint64(sum[8:16])
	return &Stream{
		Rand: rand.New(rand.NewPCG(hi, lo)),
		name: name,
	}
}

// Stream is a deterministic random source for one logical concern. It
// embeds *rand.Rand and adds the sampling helpers the generators share.
type Stream struct {
	*rand.Rand
	name string
}

// Name returns the stream name the Stream was derived with.
func (s *Stream) Name() string {
	return s.name
}

// Uniform returns a float64 in [a, b).
func (s *Stream) Uniform(a, b float64) float64 {
	return a + (b-a)*s.Float64()
}

// IntBetween returns an int in [a, b], both bounds inclusive.
func (s *Stream) IntBetween(a, b int) int {
	return a + s.IntN(b-a+1)
}

// DurationBetween returns a duration in [a, b).
func (s *Stream) DurationBetween(a, b time.Duration) time.Duration {
	return a + time.Duration(s.Int64N(int64(b-a)))
}

// WeightedIndex returns an index into weights chosen with probability
// proportional to each weight. Non-positive weights are treated as zero.
// Callers validate that the total is positive before sampling; a
// degenerate total falls back to the first index.
func (s *Stream) WeightedIndex(weights []float64) int {
	var total float64
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	if total <= 0 {
		return 0
	}
	r := s.Float64() * total
	var cum float64
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		cum += w
		if r <= cum {
			return i
		}
	}
	return len(weights) - 1
}

const hexDigits = "0123456789abcdef"

// HexID returns prefix followed by n random lowercase hex digits.
func (s *Stream) HexID(prefix string, n int) string {
	b := make([]byte, 0, len(prefix)+n)
	b = append(b, prefix...)
	for range n {
		b = append(b, hexDigits[s.IntN(16)])
	}
	return string(b)
}

// Pick returns a uniformly chosen element of items. It panics on an empty
// slice, matching the underlying IntN contract.
func Pick[T any](s *Stream, items []T) T {
	return items[s.IntN(len(items))]
}
