package enclavehandler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
	"github.com/ruteri/tee-enclave-boundary/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Invoke(ctx context.Context, op interfaces.OperationID, payload []byte) ([]byte, error) {
	args := m.Called(ctx, op, payload)
	out, _ := args.Get(0).([]byte)
	return out, args.Error(1)
}

func (m *MockTransport) Close() error {
	return m.Called().Error(0)
}

func setupRouter(t *testing.T, tr interfaces.Transport, maxPayload int) *chi.Mux {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := chi.NewRouter()
	NewHandler(tr, maxPayload, logger).RegisterRoutes(r)
	return r
}

func invokeRequest(t *testing.T, op interfaces.OperationID, payload []byte) *http.Request {
	body, err := json.Marshal(transport.Frame{Op: op, Payload: payload})
	require.NoError(t, err)
	return httptest.NewRequest(http.MethodPost, transport.InvokePath+string(op), bytes.NewReader(body))
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) *transport.Frame {
	f, err := transport.DecodeFrame(rr.Body.Bytes(), interfaces.DefaultMaxPayloadBytes)
	require.NoError(t, err)
	return f
}

func TestHandleInvoke_Success(t *testing.T) {
	tr := new(MockTransport)
	tr.On("Invoke", mock.Anything, interfaces.OpSign, []byte(`{"key_id":"k"}`)).Return([]byte(`{"signature":"AA=="}`), nil)
	router := setupRouter(t, tr, 0)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, invokeRequest(t, interfaces.OpSign, []byte(`{"key_id":"k"}`)))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	f := decodeResponse(t, rr)
	assert.Equal(t, interfaces.OpSign, f.Op)
	assert.Equal(t, []byte(`{"signature":"AA=="}`), f.Payload)
	assert.Nil(t, f.Error)
	tr.AssertExpectations(t)
}

func TestHandleInvoke_ErrorKinds(t *testing.T) {
	tests := []struct {
		kind   interfaces.ErrorKind
		status int
	}{
		{interfaces.KindKeyNotFound, http.StatusNotFound},
		{interfaces.KindKeyExists, http.StatusConflict},
		{interfaces.KindInvalidArgument, http.StatusBadRequest},
		{interfaces.KindCapabilityDenied, http.StatusForbidden},
		{interfaces.KindSignatureInvalid, http.StatusUnprocessableEntity},
		{interfaces.KindEnclaveNotReady, http.StatusServiceUnavailable},
		{interfaces.KindTimeout, http.StatusGatewayTimeout},
		{interfaces.KindInternalEnclaveFault, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			tr := new(MockTransport)
			tr.On("Invoke", mock.Anything, interfaces.OpUnseal, mock.Anything).Return(nil, &interfaces.EnclaveError{
				Kind:          tt.kind,
				Op:            string(interfaces.OpUnseal),
				CorrelationID: "corr-7",
				Err:           tt.kind.Sentinel(),
			})
			router := setupRouter(t, tr, 0)

			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, invokeRequest(t, interfaces.OpUnseal, []byte("{}")))

			assert.Equal(t, tt.status, rr.Code)
			f := decodeResponse(t, rr)
			require.NotNil(t, f.Error)
			assert.Equal(t, tt.kind, f.Error.Kind)
			assert.Equal(t, "corr-7", f.Error.CorrelationID)
			assert.ErrorIs(t, f.Err(), tt.kind.Sentinel())
		})
	}
}

func TestHandleInvoke_RejectsBadRequests(t *testing.T) {
	tr := new(MockTransport)
	router := setupRouter(t, tr, 64)

	// Operation in the frame differs from the URL.
	body, _ := json.Marshal(transport.Frame{Op: interfaces.OpSign})
	req := httptest.NewRequest(http.MethodPost, transport.InvokePath+string(interfaces.OpDecrypt), bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// Unknown operation.
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, invokeRequest(t, interfaces.OperationID("FormatDisk"), nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// Malformed envelope.
	req = httptest.NewRequest(http.MethodPost, transport.InvokePath+string(interfaces.OpSign), bytes.NewReader([]byte("{oops")))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// Payload above the limit.
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, invokeRequest(t, interfaces.OpSeal, make([]byte, 128)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Equal(t, interfaces.KindPayloadTooLarge, decodeResponse(t, rr).Error.Kind)

	// Body above the frame limit is cut off while reading.
	req = httptest.NewRequest(http.MethodPost, transport.InvokePath+string(interfaces.OpSeal), bytes.NewReader(make([]byte, transport.MaxFrameSize(64)+1)))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)

	tr.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleInvoke_RemoteRoundTrip(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	inner := transport.NewSimulatedTransport(transport.HandlerFunc(func(ctx context.Context, op interfaces.OperationID, payload []byte) ([]byte, error) {
		if op == interfaces.OpDeleteKey {
			return nil, interfaces.NewEnclaveError(interfaces.KindKeyNotFound, string(op), interfaces.ErrKeyNotFound)
		}
		return append([]byte("ok:"), payload...), nil
	}), 0, logger)

	server := httptest.NewServer(setupRouter(t, inner, 0))
	defer server.Close()

	remote, err := transport.NewRemoteTransport(transport.RemoteOptions{BaseURLs: []string{server.URL}}, logger)
	require.NoError(t, err)
	defer remote.Close()

	out, err := remote.Invoke(context.Background(), interfaces.OpGenerateRandom, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ok:x"), out)

	_, err = remote.Invoke(context.Background(), interfaces.OpDeleteKey, []byte("{}"))
	require.ErrorIs(t, err, interfaces.ErrKeyNotFound)
}

func TestStatusForKindCoversAllKinds(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, StatusForKind(interfaces.KindInitializationFailed))
	assert.Equal(t, http.StatusServiceUnavailable, StatusForKind(interfaces.KindEntropySourceUnavailable))
	assert.Equal(t, http.StatusInternalServerError, StatusForKind(interfaces.ErrorKind("bogus")))
}

func TestHandleInvoke_CallTimeout(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hung := transport.NewSimulatedTransport(transport.HandlerFunc(func(ctx context.Context, op interfaces.OperationID, payload []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), 0, logger)

	r := chi.NewRouter()
	NewHandler(hung, 0, logger, WithCallTimeout(20*time.Millisecond)).RegisterRoutes(r)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, invokeRequest(t, interfaces.OpProbe, nil))

	assert.Equal(t, http.StatusGatewayTimeout, rr.Code)
	f := decodeResponse(t, rr)
	require.NotNil(t, f.Error)
	assert.Equal(t, interfaces.KindTimeout, f.Error.Kind)
}
