package enclave

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/ruteri/tee-enclave-boundary/cryptoutils"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
	"go.uber.org/atomic"
)

// Handle is a reference to a running enclave instance. The Manager owns the
// instance; everyone else borrows it through Acquire / Release.
type Handle struct {
	id          string
	mode        interfaces.Mode
	platform    string
	measurement interfaces.Measurement
	createdAt   time.Time
	log         *slog.Logger

	state atomic.Int32

	mu       sync.Mutex
	inflight int
	drained  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	runtime      Runtime
	arena        *SecureArena
	root         *memguard.LockedBuffer
	attester     cryptoutils.AttestationProvider
	simPublicKey ed25519.PublicKey
	insecureRoot bool
	probeTimeout time.Duration
}

func (h *Handle) ID() string { return h.id }
func (h *Handle) Mode() interfaces.Mode { return h.mode }
func (h *Handle) Platform() string { return h.platform }
func (h *Handle) CreatedAt() time.Time { return h.createdAt }
func (h *Handle) InsecureRoot() bool { return h.insecureRoot }
func (h *Handle) Arena() *SecureArena { return h.arena }
func (h *Handle) Log() *slog.Logger { return h.log }
func (h *Handle) Simulated() bool { return h.mode == interfaces.ModeSimulated }
func (h *Handle) Done() <-chan struct{} { return h.ctx.Done() }
func (h *Handle) Context() context.Context { return h.ctx }

// State returns the lifecycle state of this instance.
func (h *Handle) State() interfaces.EnclaveState {
	return interfaces.EnclaveState(h.state.Load())
}

// Measurement returns a copy of the enclave measurement.
func (h *Handle) Measurement() interfaces.Measurement {
	out := make(interfaces.Measurement, len(h.measurement))
	copy(out, h.measurement)
	return out
}

// SimulationPublicKey is the verification key of simulated evidence, nil on hardware.
func (h *Handle) SimulationPublicKey() ed25519.PublicKey {
	return h.simPublicKey
}

// Acquire registers an in-flight operation. It fails with
// ErrEnclaveNotReady unless the instance is Ready; a successful Acquire
// must be paired with Release. Destroy waits for all acquired operations.
// Acquire may be nested.
func (h *Handle) Acquire() error {
	if h == nil {
		return interfaces.ErrEnclaveNotReady
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.State() != interfaces.StateReady {
		return fmt.Errorf("%w: enclave %s is %s", interfaces.ErrEnclaveNotReady, h.id, h.State())
	}
	h.inflight++
	return nil
}

func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inflight--
	if h.inflight == 0 && h.drained != nil {
		close(h.drained)
		h.drained = nil
	}
}

// WithRoot exposes the root secret to fn for the duration of the call. The
// caller must hold an Acquire.
func (h *Handle) WithRoot(fn func(root []byte) error) error {
	if h.root == nil {
		return interfaces.ErrEnclaveNotReady
	}
	if !h.root.IsAlive() {
		return fmt.Errorf("%w: root secret destroyed", interfaces.ErrEnclaveNotReady)
	}
	return fn(h.root.Bytes())
}

// Entropy returns the randomness source for key material. Hardware sources
// fail closed with ErrEntropySourceUnavailable.
func (h *Handle) Entropy() io.Reader {
	return h.runtime.Entropy()
}

// RandomBytes reads n bytes from the entropy source.
func (h *Handle) RandomBytes(n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(h.Entropy(), out); err != nil {
		return nil, err
	}
	return out, nil
}

// Attest produces platform evidence over binding. The caller must hold an Acquire.
func (h *Handle) Attest(binding [64]byte) (string, []byte, error) {
	evidence, err := h.attester.Attest(binding)
	if err != nil {
		return "", nil, err
	}
	return h.attester.AttestationType().StringID, evidence, nil
}

// markDestroyed stops new acquisitions and returns a channel closed once
// in-flight operations have drained.
func (h *Handle) markDestroyed() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.Store(int32(interfaces.StateDestroyed))
	h.cancel()
	if h.inflight == 0 {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	if h.drained == nil {
		h.drained = make(chan struct{})
	}
	return h.drained
}

// teardown wipes all secrets of the instance and closes the runtime.
func (h *Handle) teardown() error {
	if h.root != nil {
		h.root.Destroy()
	}
	h.arena.WipeAll()
	h.root = nil
	h.attester = nil
	err := h.runtime.Close()
	if err != nil {
		h.log.Error("Closing enclave runtime failed", "err", err)
	}
	h.log.Info("Enclave destroyed", slog.String("enclaveId", h.id))
	return err
}

func newHandleID() string {
	return uuid.Must(uuid.NewRandom()).String()
}
