package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoHandler returns the payload, or fails with the error kind named by it.
var echoHandler = HandlerFunc(func(ctx context.Context, op interfaces.OperationID, payload []byte) ([]byte, error) {
	if strings.HasPrefix(string(payload), "fail:") {
		kind := interfaces.ErrorKind(strings.TrimPrefix(string(payload), "fail:"))
		return nil, &interfaces.EnclaveError{
			Kind:          kind,
			Op:            string(op),
			CorrelationID: "corr-1",
			Err:           fmt.Errorf("%w: secret detail", kind.Sentinel()),
		}
	}
	return append([]byte(string(op)+":"), payload...), nil
})

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &Frame{Op: interfaces.OpSeal, Payload: []byte("hello")}, 1024))

	f, err := ReadFrame(&buf, 1024)
	require.NoError(t, err)
	assert.Equal(t, interfaces.OpSeal, f.Op)
	assert.Equal(t, []byte("hello"), f.Payload)
	assert.NoError(t, f.Err())
}

func TestFrameLimits(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, &Frame{Op: interfaces.OpSeal, Payload: make([]byte, 2048)}, 1024)
	require.ErrorIs(t, err, interfaces.ErrPayloadTooLarge)
	assert.Zero(t, buf.Len(), "nothing is written for an oversized payload")

	// A declared length above the limit is rejected before the body is read.
	buf.Reset()
	buf.Write([]byte{0x7f, 0xff, 0xff, 0xff})
	_, err = ReadFrame(&buf, 1024)
	require.ErrorIs(t, err, interfaces.ErrPayloadTooLarge)

	// Truncated body.
	buf.Reset()
	require.NoError(t, WriteFrame(&buf, &Frame{Op: interfaces.OpSeal, Payload: []byte("abc")}, 1024))
	truncated := buf.Bytes()[:buf.Len()-2]
	_, err = ReadFrame(bytes.NewReader(truncated), 1024)
	require.ErrorIs(t, err, interfaces.ErrTransportUnavailable)

	_, err = DecodeFrame([]byte("{not json"), 1024)
	require.ErrorIs(t, err, interfaces.ErrInvalidArgument)
}

func TestErrorFrameSanitizes(t *testing.T) {
	err := &interfaces.EnclaveError{
		Kind:          interfaces.KindKeyNotFound,
		Op:            "Sign",
		CorrelationID: "abc",
		Err:           fmt.Errorf("%w: key /var/secret/k1 missing", interfaces.ErrKeyNotFound),
	}
	ef := NewErrorFrame(err)
	assert.Equal(t, interfaces.KindKeyNotFound, ef.Kind)
	assert.Equal(t, "abc", ef.CorrelationID)
	assert.NotContains(t, ef.Message, "/var/secret")

	f := &Frame{Op: interfaces.OpSign, Error: ef}
	back := f.Err()
	require.ErrorIs(t, back, interfaces.ErrKeyNotFound)
	var ee *interfaces.EnclaveError
	require.True(t, errors.As(back, &ee))
	assert.Equal(t, "abc", ee.CorrelationID)

	f.Error = &ErrorFrame{Kind: "SomethingNew"}
	assert.ErrorIs(t, f.Err(), interfaces.ErrInternalEnclaveFault)
}

func TestSimulatedTransport(t *testing.T) {
	tr := NewSimulatedTransport(echoHandler, 1024, testLogger())
	ctx := context.Background()

	out, err := tr.Invoke(ctx, interfaces.OpProbe, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "Probe:ping", string(out))

	_, err = tr.Invoke(ctx, interfaces.OpProbe, []byte("fail:KeyNotFound"))
	require.ErrorIs(t, err, interfaces.ErrKeyNotFound)
	assert.NotContains(t, err.Error(), "secret detail")

	_, err = tr.Invoke(ctx, "NoSuchOp", nil)
	require.ErrorIs(t, err, interfaces.ErrInvalidArgument)

	_, err = tr.Invoke(ctx, interfaces.OpSeal, make([]byte, 1025))
	require.ErrorIs(t, err, interfaces.ErrPayloadTooLarge)

	require.NoError(t, tr.Close())
	_, err = tr.Invoke(ctx, interfaces.OpProbe, nil)
	require.ErrorIs(t, err, interfaces.ErrTransportUnavailable)
}

func TestSimulatedTransportTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := HandlerFunc(func(ctx context.Context, op interfaces.OperationID, payload []byte) ([]byte, error) {
		<-release
		return nil, nil
	})
	tr := NewSimulatedTransport(slow, 0, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tr.Invoke(ctx, interfaces.OpProbe, nil)
	require.ErrorIs(t, err, interfaces.ErrTimeout)
}

func startStreamServer(t *testing.T, h Handler, maxPayload int) *Server {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(listener, h, maxPayload, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv
}

func tcpDialer(addr string) DialFunc {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
}

func TestStreamTransport(t *testing.T) {
	srv := startStreamServer(t, echoHandler, 1024)
	tr := NewStreamTransport(tcpDialer(srv.Addr().String()), StreamOptions{MaxPayload: 1024}, testLogger())
	defer tr.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		out, err := tr.Invoke(ctx, interfaces.OpSign, []byte(fmt.Sprintf("msg-%d", i)))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("Sign:msg-%d", i), string(out))
	}

	_, err := tr.Invoke(ctx, interfaces.OpSign, []byte("fail:UsageNotPermitted"))
	require.ErrorIs(t, err, interfaces.ErrUsageNotPermitted)

	_, err = tr.Invoke(ctx, interfaces.OpSign, make([]byte, 2048))
	require.ErrorIs(t, err, interfaces.ErrPayloadTooLarge)

	// The connection is still usable after a typed error.
	out, err := tr.Invoke(ctx, interfaces.OpProbe, []byte("again"))
	require.NoError(t, err)
	assert.Equal(t, "Probe:again", string(out))
}

func TestStreamTransportConcurrent(t *testing.T) {
	srv := startStreamServer(t, echoHandler, 0)
	tr := NewStreamTransport(tcpDialer(srv.Addr().String()), StreamOptions{}, testLogger())
	defer tr.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := fmt.Sprintf("m%d", i)
			out, err := tr.Invoke(context.Background(), interfaces.OpEncrypt, []byte(msg))
			if err != nil {
				errs <- err
				return
			}
			if string(out) != "Encrypt:"+msg {
				errs <- fmt.Errorf("response %q for request %q", out, msg)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestStreamTransportUnavailable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	tr := NewStreamTransport(tcpDialer(addr), StreamOptions{DialTimeout: time.Second}, testLogger())
	_, err = tr.Invoke(context.Background(), interfaces.OpProbe, nil)
	require.ErrorIs(t, err, interfaces.ErrTransportUnavailable)
	assert.True(t, interfaces.IsRetryable(err))
}

func TestStreamTransportTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := HandlerFunc(func(ctx context.Context, op interfaces.OperationID, payload []byte) ([]byte, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	})
	srv := startStreamServer(t, slow, 0)
	tr := NewStreamTransport(tcpDialer(srv.Addr().String()), StreamOptions{}, testLogger())
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tr.Invoke(ctx, interfaces.OpProbe, nil)
	require.ErrorIs(t, err, interfaces.ErrTimeout)
}

func newHostShell(t *testing.T, h Handler) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Post(InvokePath+"{op}", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		req, err := DecodeFrame(body, 1024)
		if err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		assert.Equal(t, chi.URLParam(r, "op"), string(req.Op))
		resp := &Frame{Op: req.Op}
		if out, err := h.Handle(r.Context(), req.Op, req.Payload); err != nil {
			resp.Error = NewErrorFrame(err)
		} else {
			resp.Payload = out
		}
		enc, err := EncodeFrame(resp, 1024)
		require.NoError(t, err)
		_, _ = w.Write(enc)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestRemoteTransport(t *testing.T) {
	shell := newHostShell(t, echoHandler)

	tr, err := NewRemoteTransport(RemoteOptions{BaseURLs: []string{shell.URL + "/"}, MaxPayload: 1024}, testLogger())
	require.NoError(t, err)
	defer tr.Close()
	ctx := context.Background()

	out, err := tr.Invoke(ctx, interfaces.OpGetJob, []byte("job"))
	require.NoError(t, err)
	assert.Equal(t, "GetJob:job", string(out))

	_, err = tr.Invoke(ctx, interfaces.OpGetJob, []byte("fail:Timeout"))
	require.ErrorIs(t, err, interfaces.ErrTimeout)
}

func TestRemoteTransportFailover(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	shell := newHostShell(t, echoHandler)

	tr, err := NewRemoteTransport(RemoteOptions{BaseURLs: []string{deadURL, shell.URL}}, testLogger())
	require.NoError(t, err)
	out, err := tr.Invoke(context.Background(), interfaces.OpProbe, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "Probe:x", string(out))

	tr, err = NewRemoteTransport(RemoteOptions{BaseURLs: []string{deadURL}}, testLogger())
	require.NoError(t, err)
	_, err = tr.Invoke(context.Background(), interfaces.OpProbe, nil)
	require.ErrorIs(t, err, interfaces.ErrTransportUnavailable)
}

func TestRemoteTransportStatusMapping(t *testing.T) {
	tooLarge := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	}))
	defer tooLarge.Close()
	tr, err := NewRemoteTransport(RemoteOptions{BaseURLs: []string{tooLarge.URL}}, testLogger())
	require.NoError(t, err)
	_, err = tr.Invoke(context.Background(), interfaces.OpSeal, []byte("x"))
	require.ErrorIs(t, err, interfaces.ErrPayloadTooLarge)

	draining := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer draining.Close()
	tr, err = NewRemoteTransport(RemoteOptions{BaseURLs: []string{draining.URL}}, testLogger())
	require.NoError(t, err)
	_, err = tr.Invoke(context.Background(), interfaces.OpSeal, []byte("x"))
	require.ErrorIs(t, err, interfaces.ErrTransportUnavailable)

	_, err = NewRemoteTransport(RemoteOptions{}, testLogger())
	require.ErrorIs(t, err, interfaces.ErrInvalidArgument)
}

type blockingTransport struct {
	release chan struct{}
	calls   chan struct{}
}

func (b *blockingTransport) Invoke(ctx context.Context, op interfaces.OperationID, payload []byte) ([]byte, error) {
	b.calls <- struct{}{}
	<-b.release
	return payload, nil
}

func (b *blockingTransport) Close() error { return nil }

func TestSlotPoolBoundsConcurrency(t *testing.T) {
	inner := &blockingTransport{release: make(chan struct{}), calls: make(chan struct{}, 10)}
	pool := NewSlotPool(inner, 2, time.Minute, testLogger())

	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := pool.Invoke(context.Background(), interfaces.OpProbe, nil)
			results <- err
		}()
	}
	<-inner.calls
	<-inner.calls
	select {
	case <-inner.calls:
		t.Fatal("third call entered while both slots were busy")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int64(2), pool.InUse())

	close(inner.release)
	for i := 0; i < 3; i++ {
		require.NoError(t, <-results)
	}
	assert.Zero(t, pool.InUse())
}

func TestSlotPoolAcquireTimeout(t *testing.T) {
	inner := &blockingTransport{release: make(chan struct{}), calls: make(chan struct{}, 10)}
	defer close(inner.release)
	pool := NewSlotPool(inner, 1, time.Minute, testLogger())

	go func() { _, _ = pool.Invoke(context.Background(), interfaces.OpProbe, nil) }()
	<-inner.calls

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := pool.Invoke(ctx, interfaces.OpProbe, nil)
	require.ErrorIs(t, err, interfaces.ErrTimeout)
}

func TestSlotPoolWatchdogReclaimsAbandonedSlot(t *testing.T) {
	inner := &blockingTransport{release: make(chan struct{}), calls: make(chan struct{}, 10)}
	defer close(inner.release)
	pool := NewSlotPool(inner, 1, 30*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := pool.Invoke(ctx, interfaces.OpProbe, nil)
		done <- err
	}()
	<-inner.calls
	cancel()
	require.ErrorIs(t, <-done, interfaces.ErrTimeout)
	assert.Equal(t, int64(1), pool.Abandoned())

	require.Eventually(t, func() bool { return pool.InUse() == 0 }, time.Second, 5*time.Millisecond)

	// The reclaimed slot is usable; this call also blocks in the inner
	// transport, so only check that it got in.
	go func() { _, _ = pool.Invoke(context.Background(), interfaces.OpProbe, nil) }()
	select {
	case <-inner.calls:
	case <-time.After(time.Second):
		t.Fatal("slot was not reclaimed")
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []interfaces.Event
}

func (s *recordingSink) Observe(ev interfaces.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func TestObservedTransport(t *testing.T) {
	sink := &recordingSink{}
	tr := Observed(NewSimulatedTransport(echoHandler, 0, testLogger()), sink, interfaces.ModeSimulated, testLogger())

	_, err := tr.Invoke(context.Background(), interfaces.OpSign, []byte("abc"))
	require.NoError(t, err)
	_, err = tr.Invoke(context.Background(), interfaces.OpDecrypt, []byte("fail:IntegrityCheckFailed"))
	require.ErrorIs(t, err, interfaces.ErrIntegrityCheckFailed)

	require.Len(t, sink.events, 2)
	ok := sink.events[0]
	assert.Equal(t, "Sign", ok.Operation)
	assert.Equal(t, interfaces.OutcomeSuccess, ok.Outcome)
	assert.Equal(t, 3, ok.BytesIn)
	assert.Equal(t, len("Sign:abc"), ok.BytesOut)
	assert.Equal(t, interfaces.ModeSimulated, ok.Mode)

	failed := sink.events[1]
	assert.Equal(t, interfaces.OutcomeFailure, failed.Outcome)
	assert.Equal(t, interfaces.KindIntegrityCheckFailed, failed.Kind)
}
