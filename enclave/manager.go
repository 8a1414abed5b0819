package enclave

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/tee-enclave-boundary/common"
	"github.com/ruteri/tee-enclave-boundary/cryptoutils"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
	"github.com/ruteri/tee-enclave-boundary/kms"
	"go.uber.org/atomic"
)

// Manager owns at most one enclave instance at a time and drives it through
// Uninitialized -> Initializing -> Ready -> Destroyed. Managers share no
// state, so several may coexist in one process.
type Manager struct {
	log     *slog.Logger
	root    kms.RootSource
	factory RuntimeFactory

	state atomic.Int32

	mu     sync.Mutex
	handle *Handle
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithRuntimeFactory replaces the platform runtime factory.
func WithRuntimeFactory(f RuntimeFactory) ManagerOption {
	return func(m *Manager) { m.factory = f }
}

func NewManager(root kms.RootSource, log *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		log:     common.LoggerOrDiscard(log),
		root:    root,
		factory: DefaultRuntimeFactory,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the manager's lifecycle state.
func (m *Manager) State() interfaces.EnclaveState {
	return interfaces.EnclaveState(m.state.Load())
}

// RootSource returns the configured root secret source.
func (m *Manager) RootSource() kms.RootSource {
	return m.root
}

// Handle returns the Ready instance, or ErrEnclaveNotReady.
func (m *Manager) Handle() (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil || m.handle.State() != interfaces.StateReady {
		return nil, fmt.Errorf("%w: enclave is %s", interfaces.ErrEnclaveNotReady, m.State())
	}
	return m.handle, nil
}

// Initialize starts an enclave in the given mode. Initializing a Ready
// manager fails with ErrAlreadyInitialized; a runtime failure returns
// ErrInitializationFailed and leaves the manager Uninitialized. A Destroyed
// manager starts a fresh instance with a new id.
func (m *Manager) Initialize(ctx context.Context, mode interfaces.Mode, cfg Config) (*Handle, error) {
	cfg.Mode = mode
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	switch m.State() {
	case interfaces.StateReady:
		m.mu.Unlock()
		return nil, interfaces.ErrAlreadyInitialized
	case interfaces.StateInitializing:
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: initialization in progress", interfaces.ErrAlreadyInitialized)
	}
	m.state.Store(int32(interfaces.StateInitializing))
	m.mu.Unlock()

	start := time.Now()
	handle, err := m.initialize(ctx, cfg)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state.Store(int32(interfaces.StateUninitialized))
		m.handle = nil
		m.log.Error("Enclave initialization failed", slog.String("mode", string(mode)), slog.String("platform", cfg.platform()), "err", err)
		if errors.Is(err, interfaces.ErrEnclaveNotReady) {
			// A root source still waiting for shares is retryable.
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", interfaces.ErrInitializationFailed, err)
	}

	m.handle = handle
	m.state.Store(int32(interfaces.StateReady))
	m.log.Info("Enclave ready",
		slog.String("enclaveId", handle.id),
		slog.String("mode", string(mode)),
		slog.String("platform", handle.platform),
		slog.String("measurement", handle.measurement.String()),
		slog.Duration("duration", time.Since(start)))
	return handle, nil
}

func (m *Manager) initialize(ctx context.Context, cfg Config) (_ *Handle, err error) {
	if m.root == nil {
		return nil, errors.New("no root secret source configured")
	}
	if cfg.Mode == interfaces.ModeHardware && m.root.Insecure() {
		return nil, fmt.Errorf("root source %s is insecure and refused in hardware mode", m.root.Name())
	}

	runtime, err := m.factory(ctx, cfg, m.log)
	if err != nil {
		return nil, fmt.Errorf("starting %s runtime: %w", cfg.platform(), err)
	}
	arena := NewSecureArena()
	defer func() {
		if err != nil {
			arena.WipeAll()
			_ = runtime.Close()
		}
	}()

	measurement, err := runtime.Measurement(ctx)
	if err != nil {
		return nil, fmt.Errorf("measuring enclave: %w", err)
	}

	root, err := m.root.Root(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining root secret from %s: %w", m.root.Name(), err)
	}
	defer cryptoutils.Wipe(root)
	if len(root) != kms.RootSecretSize {
		return nil, fmt.Errorf("root secret has length %d", len(root))
	}

	attester, err := runtime.Attester(root, measurement, arena)
	if err != nil {
		return nil, fmt.Errorf("preparing attestation: %w", err)
	}

	var simPublicKey ed25519.PublicKey
	if sim, ok := attester.(cryptoutils.SimulatedAttestationProvider); ok {
		simPublicKey = sim.Key.Public().(ed25519.PublicKey)
	}

	rootCopy := make([]byte, len(root))
	copy(rootCopy, root)
	rootBuf, err := arena.FromBytes(rootCopy)
	if err != nil {
		return nil, err
	}
	rootBuf.Freeze()

	hctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		id:           newHandleID(),
		mode:         cfg.Mode,
		platform:     runtime.Platform(),
		measurement:  measurement,
		createdAt:    time.Now().UTC(),
		ctx:          hctx,
		cancel:       cancel,
		runtime:      runtime,
		arena:        arena,
		root:         rootBuf,
		attester:     attester,
		simPublicKey: simPublicKey,
		insecureRoot: m.root.Insecure(),
		probeTimeout: cfg.probeTimeout(),
	}
	h.log = m.log.With("enclaveId", h.id)
	h.state.Store(int32(interfaces.StateReady))
	return h, nil
}

// Destroy stops h: new operations fail immediately, running computations
// are interrupted, in-flight operations are waited for, then every secret
// of the instance is wiped and the runtime closed. If ctx ends before
// in-flight operations drain, Destroy returns ErrTimeout and teardown
// completes in the background.
func (m *Manager) Destroy(ctx context.Context, h *Handle) error {
	m.mu.Lock()
	if h == nil || m.handle != h {
		m.mu.Unlock()
		return fmt.Errorf("%w: unknown enclave handle", interfaces.ErrEnclaveNotReady)
	}
	if h.State() != interfaces.StateReady {
		m.mu.Unlock()
		return fmt.Errorf("%w: enclave already destroyed", interfaces.ErrEnclaveNotReady)
	}
	drained := h.markDestroyed()
	m.state.Store(int32(interfaces.StateDestroyed))
	m.mu.Unlock()

	select {
	case <-drained:
		return h.teardown()
	case <-ctx.Done():
		m.log.Warn("Enclave destroy still waiting for in-flight operations", slog.String("enclaveId", h.id))
		go func() {
			<-drained
			_ = h.teardown()
		}()
		return fmt.Errorf("%w: waiting for in-flight operations: %v", interfaces.ErrTimeout, ctx.Err())
	}
}

// Probe performs a round trip through the enclave with a random nonce. A
// hung enclave yields ErrTimeout; a missing or crashed one ErrEnclaveNotReady.
func (m *Manager) Probe(ctx context.Context, h *Handle) error {
	if err := h.Acquire(); err != nil {
		return err
	}
	defer h.Release()

	ctx, cancel := context.WithTimeout(ctx, h.probeTimeout)
	defer cancel()

	nonce, err := h.RandomBytes(16)
	if err != nil {
		return err
	}

	reply, err := h.runtime.Echo(ctx, nonce)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: enclave did not answer probe: %v", interfaces.ErrTimeout, err)
		}
		return fmt.Errorf("%w: probe failed: %v", interfaces.ErrEnclaveNotReady, err)
	}
	if !cryptoutils.ConstantTimeEqual(nonce, reply) {
		return fmt.Errorf("%w: probe echo mismatch", interfaces.ErrEnclaveNotReady)
	}
	return nil
}
