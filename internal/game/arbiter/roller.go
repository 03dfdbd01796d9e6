package arbiter

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
	"time"
)

// Roller produces die faces in [1,6].
type Roller interface {
	Roll() int
}

// RollerFunc adapts a function to Roller.
type RollerFunc func() int

func (f RollerFunc) Roll() int { return f() }

type pcgRoller struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRoller returns a goroutine-safe six-sided die seeded from crypto/rand.
func NewRoller() Roller {
	var b [16]byte
	if _, err := crand.Read(b[:]); err != nil {
		now := uint64(time.Now().UnixNano())
		binary.LittleEndian.PutUint64(b[:8], now)
		binary.LittleEndian.PutUint64(b[8:], now>>1|1)
	}
	seed1 := binary.LittleEndian.Uint64(b[:8])
	seed2 := binary.LittleEndian.Uint64(b[8:])
	return &pcgRoller{rng: rand.New(rand.NewPCG(seed1, seed2))}
}

func (r *pcgRoller) Roll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.IntN(6) + 1
}
