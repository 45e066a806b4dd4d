package service

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// OrderCodeGenerator issues order codes of the form <prefix><ULID>. Codes from
// one generator are strictly increasing, so they never collide within a process,
// and the random component keeps them apart across processes.
type OrderCodeGenerator struct {
	prefix  string
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func NewOrderCodeGenerator(prefix string) *OrderCodeGenerator {
	return &OrderCodeGenerator{
		prefix:  prefix,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Next returns a fresh order code.
func (g *OrderCodeGenerator) Next() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(time.Now()), g.entropy)
	if err != nil {
		return "", err
	}
	return g.prefix + id.String(), nil
}
