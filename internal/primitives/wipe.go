package primitives

import (
	"runtime"
	"sync"
)

// Wipe overwrites data with zeros before it is released to the collector.
func Wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
}

// WipeArray wipes a fixed-size box key.
func WipeArray(data *[BoxKeySize]byte) {
	if data == nil {
		return
	}
	Wipe(data[:])
}

// Secret holds key material that is locked in memory where the platform
// allows it and zeroed on Destroy.
type Secret struct {
	mu     sync.Mutex
	data   []byte
	locked bool
}

// NewSecret copies b into a locked buffer and wipes b.
func NewSecret(b []byte) *Secret {
	s := &Secret{data: make([]byte, len(b))}
	copy(s.data, b)
	Wipe(b)
	// mlock is best effort: unprivileged processes may hit RLIMIT_MEMLOCK.
	s.locked = lockMemory(s.data) == nil
	runtime.SetFinalizer(s, func(s *Secret) { s.Destroy() })
	return s
}

// Bytes returns the secret, or nil after Destroy.
func (s *Secret) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Destroyed reports whether the secret has been wiped.
func (s *Secret) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data == nil
}

// Destroy wipes and unlocks the secret. Safe to call more than once.
func (s *Secret) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return
	}
	Wipe(s.data)
	if s.locked {
		unlockMemory(s.data)
		s.locked = false
	}
	s.data = nil
	runtime.SetFinalizer(s, nil)
}
