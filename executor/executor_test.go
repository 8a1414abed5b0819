package executor

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ruteri/tee-enclave-boundary/enclave"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
	"github.com/ruteri/tee-enclave-boundary/keys"
	"github.com/ruteri/tee-enclave-boundary/kms"
	"github.com/ruteri/tee-enclave-boundary/sealing"
	"github.com/ruteri/tee-enclave-boundary/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type MockSigner struct {
	mock.Mock
}

func (m *MockSigner) Sign(ctx context.Context, h *enclave.Handle, keyID string, message []byte) ([]byte, error) {
	args := m.Called(keyID, message)
	sig, _ := args.Get(0).([]byte)
	return sig, args.Error(1)
}

func newTestHandle(t *testing.T) (*enclave.Manager, *enclave.Handle) {
	t.Helper()
	m := enclave.NewManager(kms.NewPlaceholderRoot(testLogger), testLogger)
	h, err := m.Initialize(context.Background(), interfaces.ModeSimulated, enclave.Config{EnclaveID: "executor-test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Destroy(context.Background(), h) })
	return m, h
}

func execute(t *testing.T, x *Executor, h *enclave.Handle, req interfaces.ComputationRequest) *interfaces.ComputationResult {
	t.Helper()
	res, err := x.Execute(context.Background(), h, &req)
	require.NoError(t, err)
	return res
}

func TestExecuteOutputs(t *testing.T) {
	_, h := newTestHandle(t)
	x := NewExecutor(nil, Options{}, testLogger)

	tests := []struct {
		name   string
		script string
		args   string
		want   string
	}{
		{"main with args", `function main(args) { return {sum: args.a + args.b}; }`, `{"a": 2, "b": 3}`, `{"sum":5}`},
		{"main without args", `function main(args) { return args === null; }`, ``, `true`},
		{"final expression", `var x = [1, 2, 3]; x.map(function (v) { return v * 2; });`, ``, `[2,4,6]`},
		{"undefined result", `var x = 1;`, ``, `null`},
		{"string result", `function main() { return "ok"; }`, ``, `"ok"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := execute(t, x, h, interfaces.ComputationRequest{Script: tt.script, Args: json.RawMessage(tt.args)})
			require.Nil(t, res.Failure, "%+v", res.Failure)
			assert.JSONEq(t, tt.want, string(res.Output))
			assert.NotEmpty(t, res.JobID)
			assert.Len(t, res.RequestHash, 32)
			require.NoError(t, res.Err())
		})
	}
}

func TestExecuteFailures(t *testing.T) {
	_, h := newTestHandle(t)
	x := NewExecutor(nil, Options{}, testLogger)

	tests := []struct {
		name string
		req  interfaces.ComputationRequest
		kind interfaces.ErrorKind
	}{
		{"time limit", interfaces.ComputationRequest{Script: `while (true) {}`, Limits: interfaces.ComputationLimits{MaxExecutionTimeMs: 100}}, interfaces.KindTimeExceeded},
		{"stack overflow", interfaces.ComputationRequest{Script: `function f() { return f() + 1; } f();`}, interfaces.KindMemoryExceeded},
		{"thrown error", interfaces.ComputationRequest{Script: `throw new Error("boom");`}, interfaces.KindInvalidArgument},
		{"syntax error", interfaces.ComputationRequest{Script: `function (`}, interfaces.KindInvalidArgument},
		{"fs denied", interfaces.ComputationRequest{Script: `fs.readFile("/etc/passwd");`}, interfaces.KindCapabilityDenied},
		{"net denied via require", interfaces.ComputationRequest{Script: `require("net").fetch("http://example.com");`}, interfaces.KindCapabilityDenied},
		{"process denied", interfaces.ComputationRequest{Script: `process.env.HOME`}, interfaces.KindCapabilityDenied},
		{"denial survives catch", interfaces.ComputationRequest{Script: `try { fs.readFile("x"); } catch (e) {} 1;`}, interfaces.KindCapabilityDenied},
		{"eval removed", interfaces.ComputationRequest{Script: `eval("1 + 1")`}, interfaces.KindCapabilityDenied},
		{"Function removed", interfaces.ComputationRequest{Script: `Function("return 1")()`}, interfaces.KindCapabilityDenied},
		{"constructor route removed", interfaces.ComputationRequest{Script: `(function(){}).constructor("return 1")()`}, interfaces.KindCapabilityDenied},
		{"schema mismatch", interfaces.ComputationRequest{Script: `function main() { return {n: "x"}; }`, OutputSchema: json.RawMessage(`{"type":"object","properties":{"n":{"type":"number"}},"required":["n"]}`)}, interfaces.KindInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := execute(t, x, h, tt.req)
			require.NotNil(t, res.Failure)
			assert.Equal(t, tt.kind, res.Failure.Kind, res.Failure.Message)
			assert.Nil(t, res.Output)
			require.ErrorIs(t, res.Err(), tt.kind.Sentinel())

			job, err := x.Jobs().Get(res.JobID)
			require.NoError(t, err)
			assert.Equal(t, JobFailed, job.Status)
			assert.Equal(t, tt.kind, job.FailureKind)
		})
	}
}

func TestTimeLimitOvershoot(t *testing.T) {
	_, h := newTestHandle(t)
	x := NewExecutor(nil, Options{}, testLogger)

	start := time.Now()
	res := execute(t, x, h, interfaces.ComputationRequest{Script: `for (;;) { Math.sqrt(2); }`, Limits: interfaces.ComputationLimits{MaxExecutionTimeMs: 200}})
	elapsed := time.Since(start)
	require.NotNil(t, res.Failure)
	assert.Equal(t, interfaces.KindTimeExceeded, res.Failure.Kind)
	assert.Less(t, elapsed, 700*time.Millisecond)
}

func TestMemoryLimit(t *testing.T) {
	_, h := newTestHandle(t)
	x := NewExecutor(nil, Options{}, testLogger)

	res := execute(t, x, h, interfaces.ComputationRequest{
		Script: `var a = []; while (true) { a.push(new Array(1024).join("x") + a.length); }`,
		Limits: interfaces.ComputationLimits{MaxExecutionTimeMs: 20000, MaxMemoryBytes: 16 << 20},
	})
	require.NotNil(t, res.Failure)
	assert.Equal(t, interfaces.KindMemoryExceeded, res.Failure.Kind)
	assert.Greater(t, res.Usage.MemoryBytes, uint64(0))
}

func TestHostBridgeBudget(t *testing.T) {
	_, h := newTestHandle(t)
	x := NewExecutor(nil, Options{}, testLogger)

	res := execute(t, x, h, interfaces.ComputationRequest{
		Script:       `var s = new Array(4096).join("y"); for (var i = 0; ; i++) { fs.writeFile("f" + i, s); }`,
		Capabilities: []interfaces.Capability{interfaces.CapabilityFS},
		Limits:       interfaces.ComputationLimits{MaxMemoryBytes: 64 << 10},
	})
	require.NotNil(t, res.Failure)
	assert.Equal(t, interfaces.KindMemoryExceeded, res.Failure.Kind)
}

func TestGrantedCapabilities(t *testing.T) {
	_, h := newTestHandle(t)
	x := NewExecutor(nil, Options{}, testLogger)

	res := execute(t, x, h, interfaces.ComputationRequest{
		Script: `function main() {
			fs.writeFile("a.txt", "hello");
			log.info("wrote", fs.readdir().length, "file");
			return {
				file: fs.readFile("a.txt"),
				exists: require("fs").exists("b.txt"),
				hash: crypto.sha256("abc"),
				bytes: random.bytes(4).length,
				n: random.int(5, 5),
				platform: process.platform,
				dynamic: eval("2 * 21")
			};
		}`,
		Capabilities: []interfaces.Capability{
			interfaces.CapabilityFS, interfaces.CapabilityLog, interfaces.CapabilityCrypto,
			interfaces.CapabilityRandom, interfaces.CapabilityProcess, interfaces.CapabilityDynamicCode,
		},
	})
	require.Nil(t, res.Failure, "%+v", res.Failure)
	assert.JSONEq(t, `{
		"file": "hello",
		"exists": false,
		"hash": "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		"bytes": 8,
		"n": 5,
		"platform": "enclave",
		"dynamic": 42
	}`, string(res.Output))
}

func TestSecurityFindings(t *testing.T) {
	_, h := newTestHandle(t)
	x := NewExecutor(nil, Options{}, testLogger)

	res := execute(t, x, h, interfaces.ComputationRequest{Script: `var p = {}.__proto__; 1;`})
	require.Nil(t, res.Failure)
	assert.Contains(t, res.SecurityFindings, "potentially dangerous pattern: __proto__")

	assert.Empty(t, AnalyzeSecurity(`function main(a) { return a; }`))
}

func TestRequestValidation(t *testing.T) {
	_, h := newTestHandle(t)
	x := NewExecutor(nil, Options{MaxScriptBytes: 64}, testLogger)

	tests := []struct {
		name string
		req  interfaces.ComputationRequest
		err  error
	}{
		{"empty script", interfaces.ComputationRequest{Script: "  "}, interfaces.ErrInvalidArgument},
		{"script too large", interfaces.ComputationRequest{Script: string(make([]byte, 65))}, interfaces.ErrPayloadTooLarge},
		{"unknown capability", interfaces.ComputationRequest{Script: "1", Capabilities: []interfaces.Capability{"gpu"}}, interfaces.ErrInvalidArgument},
		{"invalid args", interfaces.ComputationRequest{Script: "1", Args: json.RawMessage(`{`)}, interfaces.ErrInvalidArgument},
		{"time above max", interfaces.ComputationRequest{Script: "1", Limits: interfaces.ComputationLimits{MaxExecutionTimeMs: 3600000}}, interfaces.ErrInvalidArgument},
		{"signing without signer", interfaces.ComputationRequest{Script: "1", SigningKeyID: "k"}, interfaces.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := x.Execute(context.Background(), h, &tt.req)
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestRequestHashIsCanonical(t *testing.T) {
	a := &interfaces.ComputationRequest{
		Script:       "1",
		Args:         json.RawMessage(`{ "a" : 1 }`),
		Capabilities: []interfaces.Capability{interfaces.CapabilityLog, interfaces.CapabilityCrypto, interfaces.CapabilityLog},
	}
	b := &interfaces.ComputationRequest{
		Script:       "1",
		Args:         json.RawMessage(`{"a":1}`),
		Capabilities: []interfaces.Capability{interfaces.CapabilityCrypto, interfaces.CapabilityLog},
	}
	ha, err := RequestHash(a)
	require.NoError(t, err)
	hb, err := RequestHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	b.Script = "2"
	hc, err := RequestHash(b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)

	b.Script = "1"
	b.Capabilities = []interfaces.Capability{"CRYPTO", " Log "}
	hd, err := RequestHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hd, "capability spelling must not change the hash")
}

func TestMixedCaseCapabilitiesAreGranted(t *testing.T) {
	_, h := newTestHandle(t)
	x := NewExecutor(nil, Options{}, testLogger)

	res := execute(t, x, h, interfaces.ComputationRequest{
		Script: `function main() {
			fs.writeFile("a.txt", "hi");
			return fs.readFile("a.txt");
		}`,
		Capabilities: []interfaces.Capability{"FS", " Fs "},
	})
	require.Nil(t, res.Failure, "%+v", res.Failure)
	assert.JSONEq(t, `"hi"`, string(res.Output))
}

func TestResultSigningWithMock(t *testing.T) {
	_, h := newTestHandle(t)
	signer := &MockSigner{}
	x := NewExecutor(signer, Options{}, testLogger)

	signer.On("Sign", "result-key", mock.Anything).Return([]byte("signature"), nil).Once()
	res := execute(t, x, h, interfaces.ComputationRequest{Script: `function main() { return 1; }`, SigningKeyID: "result-key"})
	assert.Equal(t, []byte("signature"), res.Signature)
	assert.Equal(t, "result-key", res.SignerKeyID)

	digest, err := ResultDigest(res)
	require.NoError(t, err)
	signer.AssertCalled(t, "Sign", "result-key", digest)

	signer.On("Sign", "missing", mock.Anything).Return(nil, interfaces.ErrKeyNotFound).Once()
	_, err = x.Execute(context.Background(), h, &interfaces.ComputationRequest{Script: "1", SigningKeyID: "missing"})
	require.ErrorIs(t, err, interfaces.ErrKeyNotFound)
	signer.AssertExpectations(t)
}

func TestResultSigningWithKeyService(t *testing.T) {
	_, h := newTestHandle(t)
	store, err := storage.NewFileBackend(t.TempDir(), testLogger)
	require.NoError(t, err)
	keyService := keys.NewService(sealing.NewEngine(store, sealing.Options{}, testLogger), testLogger)
	record, err := keyService.GenerateKey(context.Background(), h, "results", interfaces.AlgorithmEd25519, interfaces.UsageSign, keys.GenerateOptions{})
	require.NoError(t, err)

	x := NewExecutor(keyService, Options{}, testLogger)
	res := execute(t, x, h, interfaces.ComputationRequest{Script: `function main(a) { return a.x * 2; }`, Args: json.RawMessage(`{"x": 21}`), SigningKeyID: "results"})
	require.Nil(t, res.Failure)

	digest, err := ResultDigest(res)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(record.PublicKey, digest, res.Signature))
}

func TestCancelJob(t *testing.T) {
	_, h := newTestHandle(t)
	x := NewExecutor(nil, Options{}, testLogger)

	results := make(chan *interfaces.ComputationResult, 1)
	go func() {
		res, _ := x.Execute(context.Background(), h, &interfaces.ComputationRequest{Script: `while (true) {}`, Limits: interfaces.ComputationLimits{MaxExecutionTimeMs: 10000}})
		results <- res
	}()

	var jobID string
	require.Eventually(t, func() bool {
		jobs, _ := x.Jobs().List(10, 0)
		if len(jobs) == 1 && jobs[0].Status == JobRunning {
			jobID = jobs[0].ID
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	job, err := x.Jobs().Cancel(jobID)
	require.NoError(t, err)
	assert.Equal(t, JobCancelled, job.Status)

	select {
	case res := <-results:
		require.NotNil(t, res)
		require.NotNil(t, res.Failure)
		assert.Equal(t, interfaces.KindTimeout, res.Failure.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled job did not stop")
	}

	job, err = x.Jobs().Get(jobID)
	require.NoError(t, err)
	assert.Equal(t, JobCancelled, job.Status)
	assert.NotNil(t, job.FinishedAt)

	_, err = x.Jobs().Cancel(jobID)
	require.ErrorIs(t, err, interfaces.ErrInvalidArgument)
}

func TestDestroyInterruptsExecution(t *testing.T) {
	m, h := newTestHandle(t)
	x := NewExecutor(nil, Options{}, testLogger)

	errs := make(chan error, 1)
	go func() {
		_, err := x.Execute(context.Background(), h, &interfaces.ComputationRequest{Script: `while (true) {}`, Limits: interfaces.ComputationLimits{MaxExecutionTimeMs: 30000}})
		errs <- err
	}()
	require.Eventually(t, func() bool { return x.Jobs().Running() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Destroy(ctx, h))
	require.ErrorIs(t, <-errs, interfaces.ErrEnclaveNotReady)
}
