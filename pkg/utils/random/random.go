package random

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand"
)

// Source is a math/rand source drawing from crypto/rand, so shuffles cannot be predicted from a seed.
type Source struct{}

func (Source) Uint64() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("random: crypto source failed: " + err.Error())
	}
	return binary.LittleEndian.Uint64(b[:])
}

func (s Source) Int63() int64 {
	return int64(s.Uint64() & (1<<63 - 1))
}

// Seed is a no-op.
func (Source) Seed(int64) {}

// New returns a *rand.Rand over Source. Like any *rand.Rand it is not safe for concurrent use.
func New() *mrand.Rand {
	return mrand.New(Source{})
}
