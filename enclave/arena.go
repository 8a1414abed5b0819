package enclave

import (
	"sync"

	"github.com/awnumar/memguard"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

// SecureArena tracks every locked buffer allocated on behalf of an enclave
// instance so that destroying the instance wipes all of them, including
// buffers a failed operation forgot to free.
type SecureArena struct {
	mu     sync.Mutex
	bufs   map[*memguard.LockedBuffer]struct{}
	closed bool
}

func NewSecureArena() *SecureArena {
	return &SecureArena{bufs: make(map[*memguard.LockedBuffer]struct{})}
}

// Alloc returns a zeroed locked buffer of n bytes.
func (a *SecureArena) Alloc(n int) (*memguard.LockedBuffer, error) {
	return a.track(memguard.NewBuffer(n))
}

// FromBytes moves b into a locked buffer. b is wiped.
func (a *SecureArena) FromBytes(b []byte) (*memguard.LockedBuffer, error) {
	return a.track(memguard.NewBufferFromBytes(b))
}

func (a *SecureArena) track(buf *memguard.LockedBuffer) (*memguard.LockedBuffer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		buf.Destroy()
		return nil, interfaces.ErrEnclaveNotReady
	}
	a.bufs[buf] = struct{}{}
	return buf, nil
}

// Free wipes and releases buf. Safe to call on nil or already freed buffers.
func (a *SecureArena) Free(buf *memguard.LockedBuffer) {
	if buf == nil {
		return
	}
	a.mu.Lock()
	delete(a.bufs, buf)
	a.mu.Unlock()
	buf.Destroy()
}

// Live returns the number of buffers not yet freed.
func (a *SecureArena) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.bufs)
}

// WipeAll destroys every tracked buffer and refuses further allocations.
func (a *SecureArena) WipeAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for buf := range a.bufs {
		buf.Destroy()
	}
	a.bufs = make(map[*memguard.LockedBuffer]struct{})
	a.closed = true
}
