package executor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	rtmetrics "runtime/metrics"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"github.com/ruteri/tee-enclave-boundary/common"
	"github.com/ruteri/tee-enclave-boundary/enclave"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
	"go.uber.org/atomic"
)

const (
	DefaultTimeout       = 5 * time.Second
	DefaultMaxTimeout    = 60 * time.Second
	DefaultMemoryBytes   = 64 << 20
	DefaultMaxMemory     = 512 << 20
	DefaultMaxScript     = 256 << 10
	DefaultMaxOutput     = 1 << 20
	DefaultCallStackSize = 4096

	defaultSampleInterval = 5 * time.Millisecond
	maxFailureMessage     = 1024
	heapObjectsMetric     = "/memory/classes/heap/objects:bytes"
)

// Signer signs result digests with a managed key.
type Signer interface {
	Sign(ctx context.Context, h *enclave.Handle, keyID string, message []byte) ([]byte, error)
}

// Options configure an Executor. Zero values take the defaults above.
type Options struct {
	DefaultTimeout     time.Duration
	MaxTimeout         time.Duration
	DefaultMemoryBytes uint64
	MaxMemoryBytes     uint64
	MaxScriptBytes     int
	MaxOutputBytes     int
	MaxCallStackSize   int
	JobRetention       int
	// SampleInterval is how often the heap is sampled against the memory limit.
	SampleInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = DefaultTimeout
	}
	if o.MaxTimeout <= 0 {
		o.MaxTimeout = DefaultMaxTimeout
	}
	if o.DefaultMemoryBytes == 0 {
		o.DefaultMemoryBytes = DefaultMemoryBytes
	}
	if o.MaxMemoryBytes == 0 {
		o.MaxMemoryBytes = DefaultMaxMemory
	}
	if o.MaxScriptBytes <= 0 {
		o.MaxScriptBytes = DefaultMaxScript
	}
	if o.MaxOutputBytes <= 0 {
		o.MaxOutputBytes = DefaultMaxOutput
	}
	if o.MaxCallStackSize <= 0 {
		o.MaxCallStackSize = DefaultCallStackSize
	}
	if o.SampleInterval <= 0 {
		o.SampleInterval = defaultSampleInterval
	}
}

// Executor runs caller-supplied JavaScript inside the enclave. Each request
// gets a fresh runtime; nothing survives between executions.
type Executor struct {
	log    *slog.Logger
	signer Signer
	jobs   *JobRegistry
	opts   Options
}

// NewExecutor creates an executor. signer may be nil, in which case requests
// asking for a signed result are rejected.
func NewExecutor(signer Signer, opts Options, log *slog.Logger) *Executor {
	opts.setDefaults()
	return &Executor{
		log:    common.LoggerOrDiscard(log),
		signer: signer,
		jobs:   NewJobRegistry(opts.JobRetention),
		opts:   opts,
	}
}

func (x *Executor) Jobs() *JobRegistry { return x.jobs }

type limits struct {
	timeout time.Duration
	memory  uint64
}

func (x *Executor) validate(req *interfaces.ComputationRequest) (limits, error) {
	l := limits{timeout: x.opts.DefaultTimeout, memory: x.opts.DefaultMemoryBytes}
	if req == nil || strings.TrimSpace(req.Script) == "" {
		return l, fmt.Errorf("%w: empty script", interfaces.ErrInvalidArgument)
	}
	if len(req.Script) > x.opts.MaxScriptBytes {
		return l, fmt.Errorf("%w: script is %d bytes, at most %d allowed", interfaces.ErrPayloadTooLarge, len(req.Script), x.opts.MaxScriptBytes)
	}
	for _, c := range req.Capabilities {
		if _, err := interfaces.ParseCapability(string(c)); err != nil {
			return l, err
		}
	}
	if len(req.Args) > 0 && !json.Valid(req.Args) {
		return l, fmt.Errorf("%w: args are not valid JSON", interfaces.ErrInvalidArgument)
	}
	if len(req.OutputSchema) > 0 && !json.Valid(req.OutputSchema) {
		return l, fmt.Errorf("%w: output schema is not valid JSON", interfaces.ErrInvalidArgument)
	}
	if req.SigningKeyID != "" && x.signer == nil {
		return l, fmt.Errorf("%w: result signing is not available", interfaces.ErrInvalidArgument)
	}

	if t := req.Limits.MaxExecutionTime(); t != 0 {
		if t < 0 || t > x.opts.MaxTimeout {
			return l, fmt.Errorf("%w: execution time limit must be at most %s", interfaces.ErrInvalidArgument, x.opts.MaxTimeout)
		}
		l.timeout = t
	}
	if m := req.Limits.MaxMemoryBytes; m != 0 {
		if m > x.opts.MaxMemoryBytes {
			return l, fmt.Errorf("%w: memory limit must be at most %d bytes", interfaces.ErrInvalidArgument, x.opts.MaxMemoryBytes)
		}
		l.memory = m
	}
	return l, nil
}

// RequestHash is SHA-256 over the canonical JSON of req: capabilities
// sorted and deduplicated, args and schema compacted.
func RequestHash(req *interfaces.ComputationRequest) ([]byte, error) {
	canonical := *req
	canonical.Capabilities = req.CanonicalCapabilities()
	var err error
	if canonical.Args, err = compactJSON(req.Args); err != nil {
		return nil, err
	}
	if canonical.OutputSchema, err = compactJSON(req.OutputSchema); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(canonical)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidArgument, err)
	}
	sum := sha256.Sum256(encoded)
	return sum[:], nil
}

func compactJSON(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidArgument, err)
	}
	return buf.Bytes(), nil
}

// ResultDigest is the message signed for a result:
// SHA-256(requestHash || output), or the failure JSON when the execution failed.
func ResultDigest(res *interfaces.ComputationResult) ([]byte, error) {
	body := []byte(res.Output)
	if res.Failure != nil {
		var err error
		if body, err = json.Marshal(res.Failure); err != nil {
			return nil, err
		}
	}
	h := sha256.New()
	h.Write(res.RequestHash)
	h.Write(body)
	return h.Sum(nil), nil
}

// Execute runs req to completion or until a limit fires. Script failures,
// including limit violations and denied capabilities, are reported in the
// result; the returned error covers invalid requests, an enclave that is not
// ready and signing failures.
func (x *Executor) Execute(ctx context.Context, h *enclave.Handle, req *interfaces.ComputationRequest) (*interfaces.ComputationResult, error) {
	lim, err := x.validate(req)
	if err != nil {
		return nil, err
	}
	requestHash, err := RequestHash(req)
	if err != nil {
		return nil, err
	}

	if err := h.Acquire(); err != nil {
		return nil, err
	}
	defer h.Release()

	res := &interfaces.ComputationResult{
		JobID:            uuid.NewString(),
		RequestHash:      requestHash,
		SecurityFindings: AnalyzeSecurity(req.Script),
	}
	log := h.Log().With("jobId", res.JobID)

	cancelCh := make(chan struct{})
	var cancelOnce sync.Once
	x.jobs.start(Job{
		ID:          res.JobID,
		Status:      JobRunning,
		StartedAt:   time.Now().UTC(),
		RequestHash: requestHash,
		Findings:    len(res.SecurityFindings),
	}, func() { cancelOnce.Do(func() { close(cancelCh) }) })

	start := time.Now()
	output, sb, peak, runErr := x.run(ctx, h, req, lim, cancelCh, log)
	res.Usage = interfaces.ResourceUsage{
		WallTimeMs:  time.Since(start).Milliseconds(),
		MemoryBytes: max(peak, sb.used.Load()),
	}

	if runErr == nil && len(output) > x.opts.MaxOutputBytes {
		runErr = fmt.Errorf("%w: output is %d bytes, at most %d allowed", interfaces.ErrPayloadTooLarge, len(output), x.opts.MaxOutputBytes)
	}
	if runErr == nil && len(req.OutputSchema) > 0 {
		runErr = validateOutput(req.OutputSchema, output)
	}

	status := JobCompleted
	if runErr != nil {
		res.Failure = classify(runErr, sb)
		status = JobFailed
	} else {
		res.Output = output
	}

	if res.Failure != nil && res.Failure.Kind == interfaces.KindEnclaveNotReady {
		x.jobs.finish(res.JobID, JobFailed, interfaces.KindEnclaveNotReady, time.Now().UTC())
		return nil, fmt.Errorf("%w: enclave destroyed during execution", interfaces.ErrEnclaveNotReady)
	}

	if req.SigningKeyID != "" {
		digest, err := ResultDigest(res)
		if err == nil {
			res.Signature, err = x.signer.Sign(ctx, h, req.SigningKeyID, digest)
		}
		if err != nil {
			x.jobs.finish(res.JobID, JobFailed, interfaces.KindOf(err), time.Now().UTC())
			return nil, fmt.Errorf("signing computation result: %w", err)
		}
		res.SignerKeyID = req.SigningKeyID
	}

	var failureKind interfaces.ErrorKind
	if res.Failure != nil {
		failureKind = res.Failure.Kind
	}
	status = x.jobs.finish(res.JobID, status, failureKind, time.Now().UTC())

	log.Info("Computation finished",
		slog.String("status", string(status)),
		slog.String("failure", string(failureKind)),
		slog.Int64("wallTimeMs", res.Usage.WallTimeMs),
		slog.Uint64("memoryBytes", res.Usage.MemoryBytes),
		slog.Int("securityFindings", len(res.SecurityFindings)))
	return res, nil
}

func (x *Executor) run(ctx context.Context, h *enclave.Handle, req *interfaces.ComputationRequest, lim limits, cancelCh <-chan struct{}, log *slog.Logger) (json.RawMessage, *sandbox, uint64, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(x.opts.MaxCallStackSize)
	sb := newSandbox(vm, h, log, req.CanonicalCapabilities(), lim.memory)
	if err := sb.install(); err != nil {
		return nil, sb, 0, fmt.Errorf("%w: preparing script runtime: %v", interfaces.ErrInternalEnclaveFault, err)
	}

	done := make(chan struct{})
	defer close(done)

	timer := time.AfterFunc(lim.timeout, func() {
		vm.Interrupt(fmt.Errorf("%w: limit %s", interfaces.ErrTimeExceeded, lim.timeout))
	})
	defer timer.Stop()

	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(fmt.Errorf("%w: %v", interfaces.ErrTimeout, ctx.Err()))
		case <-h.Done():
			vm.Interrupt(interfaces.ErrEnclaveNotReady)
		case <-cancelCh:
			vm.Interrupt(fmt.Errorf("%w: %w", interfaces.ErrTimeout, errCancelled))
		case <-done:
		}
	}()

	peak := x.watchMemory(sb, lim.memory, done)
	output, err := runScript(vm, req)
	return output, sb, peak.Load(), err
}

func runScript(vm *goja.Runtime, req *interfaces.ComputationRequest) (output json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: script engine panic: %v", interfaces.ErrInternalEnclaveFault, r)
		}
	}()

	prog, err := goja.Compile("script.js", req.Script, false)
	if err != nil {
		return nil, err
	}
	value, err := vm.RunProgram(prog)
	if err != nil {
		return nil, err
	}

	if main, ok := goja.AssertFunction(vm.Get("main")); ok {
		args := goja.Null()
		if len(req.Args) > 0 {
			parse, _ := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("parse"))
			if args, err = parse(goja.Undefined(), vm.ToValue(string(req.Args))); err != nil {
				return nil, err
			}
		}
		if value, err = main(goja.Undefined(), args); err != nil {
			return nil, err
		}
	}

	if value == nil || goja.IsUndefined(value) {
		return json.RawMessage("null"), nil
	}
	stringify, _ := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("stringify"))
	encoded, err := stringify(goja.Undefined(), value)
	if err != nil {
		return nil, err
	}
	if goja.IsUndefined(encoded) {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(encoded.String()), nil
}

// watchMemory samples the live Go heap and stops the script once it grew
// by more than limit since the execution started. The heap is shared by
// concurrent executions, so the sample is an upper bound for any one script.
func (x *Executor) watchMemory(sb *sandbox, limit uint64, done <-chan struct{}) *atomic.Uint64 {
	peak := atomic.NewUint64(0)
	samples := []rtmetrics.Sample{{Name: heapObjectsMetric}}
	rtmetrics.Read(samples)
	if samples[0].Value.Kind() != rtmetrics.KindUint64 {
		return peak
	}
	baseline := samples[0].Value.Uint64()

	go func() {
		ticker := time.NewTicker(x.opts.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			rtmetrics.Read(samples)
			current := samples[0].Value.Uint64()
			if current <= baseline {
				continue
			}
			delta := current - baseline
			if delta > peak.Load() {
				peak.Store(delta)
			}
			if delta > limit {
				sb.fail(fmt.Errorf("%w: heap grew by %d bytes, limit %d", interfaces.ErrMemoryExceeded, delta, limit))
				return
			}
		}
	}()
	return peak
}

// classify turns an execution error into a structured failure. Errors
// thrown by the script itself are reported as InvalidArgument.
func classify(err error, sb *sandbox) *interfaces.ComputationFailure {
	if fatal := sb.fatalErr(); fatal != nil {
		return failure(interfaces.KindOf(fatal), fatal.Error())
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			return failure(interfaces.KindOf(cause), cause.Error())
		}
		return failure(interfaces.KindInternalEnclaveFault, "interrupted")
	}
	var overflow *goja.StackOverflowError
	if errors.As(err, &overflow) {
		return failure(interfaces.KindMemoryExceeded, "call stack exhausted")
	}
	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return failure(interfaces.KindInvalidArgument, "syntax error: "+syntax.Error())
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return failure(interfaces.KindInvalidArgument, "uncaught exception: "+exception.Value().String())
	}
	return failure(interfaces.KindOf(err), err.Error())
}

func failure(kind interfaces.ErrorKind, msg string) *interfaces.ComputationFailure {
	if len(msg) > maxFailureMessage {
		msg = msg[:maxFailureMessage]
	}
	return &interfaces.ComputationFailure{Kind: kind, Message: msg}
}
