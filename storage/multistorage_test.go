package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ruteri/tee-enclave-boundary/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockStorageBackend implements interfaces.BlobStore for testing
type MockStorageBackend struct {
	mock.Mock
	name string
}

func (m *MockStorageBackend) Get(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockStorageBackend) Put(ctx context.Context, key string, data []byte) error {
	args := m.Called(ctx, key, data)
	return args.Error(0)
}

func (m *MockStorageBackend) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockStorageBackend) List(ctx context.Context, prefix string) ([]string, error) {
	args := m.Called(ctx, prefix)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockStorageBackend) Available(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

func (m *MockStorageBackend) Name() string {
	return m.name
}

func (m *MockStorageBackend) LocationURI() string {
	return "mock:" + m.name
}

func TestMultiStorageBackend_Available(t *testing.T) {
	tests := []struct {
		name     string
		backends []bool
		expected bool
	}{
		{
			name:     "all backends available",
			backends: []bool{true, true, true},
			expected: true,
		},
		{
			name:     "some backends available",
			backends: []bool{false, true, false},
			expected: true,
		},
		{
			name:     "no backends available",
			backends: []bool{false, false, false},
			expected: false,
		},
		{
			name:     "no backends",
			backends: []bool{},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var backends []interfaces.BlobStore
			for i, available := range tt.backends {
				mockStorage := &MockStorageBackend{name: fmt.Sprintf("mock-A%x", i)}
				mockStorage.On("Available", mock.Anything).Return(available).Maybe()
				backends = append(backends, mockStorage)
			}

			multi := NewMultiStorageBackend(backends, testLogger)
			assert.Equal(t, tt.expected, multi.Available(context.Background()))

			for _, backend := range backends {
				backend.(*MockStorageBackend).AssertExpectations(t)
			}
		})
	}
}

func TestMultiStorageBackend_Get(t *testing.T) {
	const key = "keys/k1"
	testData := []byte("sealed blob")
	testErr := errors.New("test error")

	tests := []struct {
		name          string
		setupMocks    func() []interfaces.BlobStore
		expectedData  []byte
		expectedError error
	}{
		{
			name: "first backend successful",
			setupMocks: func() []interfaces.BlobStore {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Get", mock.Anything, key).Return(testData, nil)

				// Never consulted: the first backend answers.
				mock2 := &MockStorageBackend{name: "mock-B"}

				return []interfaces.BlobStore{mock1, mock2}
			},
			expectedData: testData,
		},
		{
			name: "first backend fails, second succeeds",
			setupMocks: func() []interfaces.BlobStore {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Get", mock.Anything, key).Return(nil, testErr)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Get", mock.Anything, key).Return(testData, nil)

				return []interfaces.BlobStore{mock1, mock2}
			},
			expectedData: testData,
		},
		{
			name: "missing everywhere",
			setupMocks: func() []interfaces.BlobStore {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Get", mock.Anything, key).Return(nil, interfaces.ErrBlobNotFound)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Get", mock.Anything, key).Return(nil, interfaces.ErrBlobNotFound)

				return []interfaces.BlobStore{mock1, mock2}
			},
			expectedError: interfaces.ErrBlobNotFound,
		},
		{
			name: "all backends fail",
			setupMocks: func() []interfaces.BlobStore {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Get", mock.Anything, key).Return(nil, testErr)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Get", mock.Anything, key).Return(nil, interfaces.ErrBlobNotFound)

				return []interfaces.BlobStore{mock1, mock2}
			},
			expectedError: interfaces.ErrBackendUnavailable,
		},
		{
			name: "unavailable backends are skipped",
			setupMocks: func() []interfaces.BlobStore {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(false)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Get", mock.Anything, key).Return(testData, nil)

				return []interfaces.BlobStore{mock1, mock2}
			},
			expectedData: testData,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backends := tt.setupMocks()
			multi := NewMultiStorageBackend(backends, testLogger)

			data, err := multi.Get(context.Background(), key)

			if tt.expectedError != nil {
				require.ErrorIs(t, err, tt.expectedError)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.expectedData, data)

			for _, backend := range backends {
				backend.(*MockStorageBackend).AssertExpectations(t)
			}
		})
	}
}

func TestMultiStorageBackend_Put(t *testing.T) {
	const key = "keys/k1"
	testData := []byte("sealed blob")
	testErr := errors.New("test error")

	tests := []struct {
		name          string
		setupMocks    func() []interfaces.BlobStore
		expectedError bool
	}{
		{
			name: "all backends successful",
			setupMocks: func() []interfaces.BlobStore {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Put", mock.Anything, key, testData).Return(nil)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Put", mock.Anything, key, testData).Return(nil)

				return []interfaces.BlobStore{mock1, mock2}
			},
		},
		{
			name: "some backends fail",
			setupMocks: func() []interfaces.BlobStore {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Put", mock.Anything, key, testData).Return(nil)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Put", mock.Anything, key, testData).Return(testErr)

				return []interfaces.BlobStore{mock1, mock2}
			},
		},
		{
			name: "all backends fail",
			setupMocks: func() []interfaces.BlobStore {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Put", mock.Anything, key, testData).Return(testErr)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(false)

				return []interfaces.BlobStore{mock1, mock2}
			},
			expectedError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backends := tt.setupMocks()
			multi := NewMultiStorageBackend(backends, testLogger)

			err := multi.Put(context.Background(), key, testData)
			if tt.expectedError {
				require.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
			} else {
				require.NoError(t, err)
			}

			for _, backend := range backends {
				backend.(*MockStorageBackend).AssertExpectations(t)
			}
		})
	}
}

func TestMultiStorageBackend_DeleteAndList(t *testing.T) {
	mock1 := &MockStorageBackend{name: "mock-A"}
	mock1.On("Available", mock.Anything).Return(true)
	mock1.On("Delete", mock.Anything, "keys/a").Return(nil)
	mock1.On("Delete", mock.Anything, "keys/none").Return(interfaces.ErrBlobNotFound)
	mock1.On("List", mock.Anything, "keys/").Return([]string{"keys/b", "keys/c"}, nil)

	mock2 := &MockStorageBackend{name: "mock-B"}
	mock2.On("Available", mock.Anything).Return(true)
	mock2.On("Delete", mock.Anything, "keys/a").Return(interfaces.ErrBlobNotFound)
	mock2.On("Delete", mock.Anything, "keys/none").Return(interfaces.ErrBlobNotFound)
	mock2.On("List", mock.Anything, "keys/").Return([]string{"keys/a", "keys/c"}, nil)

	multi := NewMultiStorageBackend([]interfaces.BlobStore{mock1, mock2}, testLogger)
	ctx := context.Background()

	require.NoError(t, multi.Delete(ctx, "keys/a"))
	require.ErrorIs(t, multi.Delete(ctx, "keys/none"), interfaces.ErrBlobNotFound)

	keys, err := multi.List(ctx, "keys/")
	require.NoError(t, err)
	assert.Equal(t, []string{"keys/a", "keys/b", "keys/c"}, keys)

	assert.Equal(t, "multi:[mock:mock-A,mock:mock-B]", multi.LocationURI())
}
