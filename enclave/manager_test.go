package enclave

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/tee-enclave-boundary/cryptoutils"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
	"github.com/ruteri/tee-enclave-boundary/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeRuntime is a simulated runtime whose failures and hangs are scripted.
type fakeRuntime struct {
	*simulatedRuntime

	measureErr error
	entropy    io.Reader
	hang       chan struct{}

	mu     sync.Mutex
	closed bool
}

func (f *fakeRuntime) Measurement(ctx context.Context) (interfaces.Measurement, error) {
	if f.measureErr != nil {
		return nil, f.measureErr
	}
	return f.simulatedRuntime.Measurement(ctx)
}

func (f *fakeRuntime) Entropy() io.Reader {
	if f.entropy != nil {
		return f.entropy
	}
	return f.simulatedRuntime.Entropy()
}

func (f *fakeRuntime) Echo(ctx context.Context, nonce []byte) ([]byte, error) {
	if f.hang != nil {
		select {
		case <-f.hang:
			return nil, errors.New("enclave crashed")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.simulatedRuntime.Echo(ctx, nonce)
}

func (f *fakeRuntime) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRuntime) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func fakeFactory(rt *fakeRuntime) RuntimeFactory {
	return func(ctx context.Context, cfg Config, log *slog.Logger) (Runtime, error) {
		rt.simulatedRuntime = newSimulatedRuntime(cfg)
		return rt, nil
	}
}

func simConfig(id string) Config {
	return Config{EnclaveID: id, ProbeTimeout: 200 * time.Millisecond}
}

func newTestManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	return NewManager(kms.NewPlaceholderRoot(testLogger), testLogger, opts...)
}

func TestManagerLifecycle(t *testing.T) {
	m := newTestManager(t)
	require.Equal(t, interfaces.StateUninitialized, m.State())

	_, err := m.Handle()
	require.ErrorIs(t, err, interfaces.ErrEnclaveNotReady)

	h, err := m.Initialize(context.Background(), interfaces.ModeSimulated, simConfig("enclave-a"))
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateReady, m.State())
	assert.Equal(t, interfaces.StateReady, h.State())
	assert.True(t, h.Simulated())
	assert.True(t, h.InsecureRoot())
	assert.Equal(t, SimulatedMeasurement([]byte("enclave-a")), h.Measurement())
	assert.NotEmpty(t, h.ID())
	assert.NotNil(t, h.SimulationPublicKey())

	current, err := m.Handle()
	require.NoError(t, err)
	assert.Same(t, h, current)

	_, err = m.Initialize(context.Background(), interfaces.ModeSimulated, simConfig("enclave-a"))
	require.ErrorIs(t, err, interfaces.ErrAlreadyInitialized)

	require.NoError(t, m.Probe(context.Background(), h))

	require.NoError(t, m.Destroy(context.Background(), h))
	assert.Equal(t, interfaces.StateDestroyed, m.State())
	assert.Equal(t, interfaces.StateDestroyed, h.State())
	require.ErrorIs(t, h.Acquire(), interfaces.ErrEnclaveNotReady)
	require.ErrorIs(t, m.Probe(context.Background(), h), interfaces.ErrEnclaveNotReady)
	require.ErrorIs(t, m.Destroy(context.Background(), h), interfaces.ErrEnclaveNotReady)

	// A destroyed manager starts over with a fresh instance.
	h2, err := m.Initialize(context.Background(), interfaces.ModeSimulated, simConfig("enclave-a"))
	require.NoError(t, err)
	assert.NotEqual(t, h.ID(), h2.ID())
	assert.Equal(t, h.Measurement(), h2.Measurement())
	require.NoError(t, m.Destroy(context.Background(), h2))
}

func TestManagerInitializationFailure(t *testing.T) {
	rt := &fakeRuntime{measureErr: errors.New("image not found")}
	m := newTestManager(t, WithRuntimeFactory(fakeFactory(rt)))

	_, err := m.Initialize(context.Background(), interfaces.ModeSimulated, simConfig("broken"))
	require.ErrorIs(t, err, interfaces.ErrInitializationFailed)
	assert.Equal(t, interfaces.KindInitializationFailed, interfaces.KindOf(err))
	assert.Equal(t, interfaces.StateUninitialized, m.State())
	assert.True(t, rt.isClosed())

	rt.measureErr = nil
	_, err = m.Initialize(context.Background(), interfaces.ModeSimulated, simConfig("broken"))
	require.NoError(t, err)
}

func TestManagerRejectsInvalidConfig(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Initialize(context.Background(), interfaces.ModeSimulated, Config{})
	require.ErrorIs(t, err, interfaces.ErrInvalidArgument)

	_, err = m.Initialize(context.Background(), interfaces.ModeHardware, Config{Platform: "sgx"})
	require.ErrorIs(t, err, interfaces.ErrInvalidArgument)

	_, err = m.Initialize(context.Background(), interfaces.Mode("other"), simConfig("x"))
	require.ErrorIs(t, err, interfaces.ErrInvalidArgument)
	assert.Equal(t, interfaces.StateUninitialized, m.State())
}

func TestHardwareModeRefusesInsecureRoots(t *testing.T) {
	fileRoot, err := kms.NewFileRoot(filepath.Join(t.TempDir(), "root.key"), testLogger)
	require.NoError(t, err)

	for name, root := range map[string]kms.RootSource{
		"placeholder": kms.NewPlaceholderRoot(testLogger),
		"file":        fileRoot,
	} {
		t.Run(name, func(t *testing.T) {
			rt := &fakeRuntime{}
			m := NewManager(root, testLogger, WithRuntimeFactory(fakeFactory(rt)))

			_, err := m.Initialize(context.Background(), interfaces.ModeHardware, Config{Platform: PlatformNitro})
			require.ErrorIs(t, err, interfaces.ErrInitializationFailed)
			assert.Contains(t, err.Error(), "insecure")
			assert.Equal(t, interfaces.StateUninitialized, m.State())

			h, err := m.Initialize(context.Background(), interfaces.ModeSimulated, simConfig("dev"))
			require.NoError(t, err)
			assert.True(t, h.InsecureRoot())
		})
	}
}

func TestManagerLockedShamirRootIsRetryable(t *testing.T) {
	pub1, _, err := cryptoutils.RandomP256Keypair()
	require.NoError(t, err)
	pub2, _, err := cryptoutils.RandomP256Keypair()
	require.NoError(t, err)

	root, err := kms.NewShamirRoot(kms.ShamirConfig{Threshold: 2, AdminPubKeys: [][]byte{pub1, pub2}}, testLogger)
	require.NoError(t, err)
	m := NewManager(root, testLogger)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.Initialize(ctx, interfaces.ModeSimulated, simConfig("locked"))
	require.ErrorIs(t, err, interfaces.ErrEnclaveNotReady)
	assert.NotErrorIs(t, err, interfaces.ErrInitializationFailed)
	assert.Equal(t, interfaces.StateUninitialized, m.State())
}

func TestAttestBootstrapWhileLocked(t *testing.T) {
	pub, _, err := cryptoutils.RandomP256Keypair()
	require.NoError(t, err)
	pub2, _, err := cryptoutils.RandomP256Keypair()
	require.NoError(t, err)
	root, err := kms.NewShamirRoot(kms.ShamirConfig{Threshold: 2, AdminPubKeys: [][]byte{pub, pub2}}, testLogger)
	require.NoError(t, err)

	rt := &fakeRuntime{}
	m := NewManager(root, testLogger, WithRuntimeFactory(fakeFactory(rt)))
	cfg := simConfig("locked")
	cfg.Mode = interfaces.ModeSimulated

	binding := interfaces.ReportBinding([]byte("unlock"), time.Now())
	ev, err := m.AttestBootstrap(context.Background(), cfg, binding)
	require.NoError(t, err)
	assert.Equal(t, cryptoutils.SimulatedAttestation.StringID, ev.Type)
	assert.Equal(t, SimulatedMeasurement([]byte("locked")), ev.Measurement)
	require.NotNil(t, ev.SimulationKey)

	attested, err := cryptoutils.VerifySimulatedAttestation(ev.SimulationKey, binding, ev.Evidence)
	require.NoError(t, err)
	assert.Equal(t, ev.Measurement, attested)

	// Attesting neither starts an instance nor keeps the runtime.
	assert.True(t, rt.isClosed())
	assert.Equal(t, interfaces.StateUninitialized, m.State())
	assert.False(t, root.IsUnlocked())

	failing := &fakeRuntime{measureErr: errors.New("image not found")}
	m = NewManager(root, testLogger, WithRuntimeFactory(fakeFactory(failing)))
	_, err = m.AttestBootstrap(context.Background(), cfg, binding)
	require.ErrorIs(t, err, interfaces.ErrAttestationUnavailable)
	assert.True(t, failing.isClosed())
}

func TestProbeDistinguishesHungFromCrashed(t *testing.T) {
	rt := &fakeRuntime{hang: make(chan struct{})}
	m := newTestManager(t, WithRuntimeFactory(fakeFactory(rt)))
	h, err := m.Initialize(context.Background(), interfaces.ModeSimulated, simConfig("probe"))
	require.NoError(t, err)

	start := time.Now()
	err = m.Probe(context.Background(), h)
	require.ErrorIs(t, err, interfaces.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	close(rt.hang)
	err = m.Probe(context.Background(), h)
	require.ErrorIs(t, err, interfaces.ErrEnclaveNotReady)
}

func TestProbeFailsClosedOnEntropyLoss(t *testing.T) {
	rt := &fakeRuntime{entropy: &failClosedReader{source: "/dev/missing"}}
	m := newTestManager(t, WithRuntimeFactory(fakeFactory(rt)))
	h, err := m.Initialize(context.Background(), interfaces.ModeSimulated, simConfig("entropy"))
	require.NoError(t, err)

	require.NoError(t, h.Acquire())
	_, err = h.RandomBytes(32)
	h.Release()
	require.ErrorIs(t, err, interfaces.ErrEntropySourceUnavailable)

	require.ErrorIs(t, m.Probe(context.Background(), h), interfaces.ErrEntropySourceUnavailable)
}

func TestDestroyWaitsForInFlightOperations(t *testing.T) {
	rt := &fakeRuntime{}
	m := newTestManager(t, WithRuntimeFactory(fakeFactory(rt)))
	h, err := m.Initialize(context.Background(), interfaces.ModeSimulated, simConfig("drain"))
	require.NoError(t, err)

	secret, err := h.Arena().Alloc(32)
	require.NoError(t, err)
	_, err = rand.Read(secret.Bytes())
	require.NoError(t, err)
	root := h.root
	require.True(t, root.IsAlive())

	require.NoError(t, h.Acquire())
	// Nested acquisition by a component calling another.
	require.NoError(t, h.Acquire())
	h.Release()

	destroyed := make(chan error, 1)
	go func() {
		destroyed <- m.Destroy(context.Background(), h)
	}()

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("handle context was not cancelled")
	}
	require.ErrorIs(t, h.Acquire(), interfaces.ErrEnclaveNotReady)

	select {
	case <-destroyed:
		t.Fatal("destroy returned while an operation was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, rt.isClosed())

	h.Release()
	require.NoError(t, <-destroyed)
	assert.True(t, rt.isClosed())
	assert.Equal(t, 0, h.Arena().Live())
	assert.False(t, secret.IsAlive())
	assert.False(t, root.IsAlive(), "the root secret must be destroyed with the instance")

	_, err = h.Arena().Alloc(8)
	require.ErrorIs(t, err, interfaces.ErrEnclaveNotReady)
	require.ErrorIs(t, h.WithRoot(func([]byte) error { return nil }), interfaces.ErrEnclaveNotReady)
}

func TestDestroyTimesOutAndCompletesInBackground(t *testing.T) {
	rt := &fakeRuntime{}
	m := newTestManager(t, WithRuntimeFactory(fakeFactory(rt)))
	h, err := m.Initialize(context.Background(), interfaces.ModeSimulated, simConfig("slow"))
	require.NoError(t, err)

	require.NoError(t, h.Acquire())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = m.Destroy(ctx, h)
	require.ErrorIs(t, err, interfaces.ErrTimeout)
	assert.Equal(t, interfaces.StateDestroyed, m.State())

	h.Release()
	require.Eventually(t, rt.isClosed, time.Second, 5*time.Millisecond)
}

func TestIsolatedManagers(t *testing.T) {
	a := newTestManager(t)
	b := newTestManager(t)

	ha, err := a.Initialize(context.Background(), interfaces.ModeSimulated, simConfig("a"))
	require.NoError(t, err)
	hb, err := b.Initialize(context.Background(), interfaces.ModeSimulated, simConfig("b"))
	require.NoError(t, err)
	assert.NotEqual(t, ha.Measurement(), hb.Measurement())

	require.ErrorIs(t, a.Destroy(context.Background(), hb), interfaces.ErrEnclaveNotReady)
	require.NoError(t, a.Destroy(context.Background(), ha))
	assert.Equal(t, interfaces.StateReady, b.State())
	require.NoError(t, b.Probe(context.Background(), hb))
}
