package boundary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/ruteri/tee-enclave-boundary/attestation"
	"github.com/ruteri/tee-enclave-boundary/common"
	"github.com/ruteri/tee-enclave-boundary/enclave"
	"github.com/ruteri/tee-enclave-boundary/executor"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
	"github.com/ruteri/tee-enclave-boundary/keys"
	"github.com/ruteri/tee-enclave-boundary/kms"
	"github.com/ruteri/tee-enclave-boundary/sealing"
)

// Components are the enclave-side services a Dispatcher routes to.
type Components struct {
	Manager     *enclave.Manager
	Attestation *attestation.Engine
	Sealing     *sealing.Engine
	Keys        *keys.Service
	Executor    *executor.Executor
}

// Options configure a Dispatcher.
type Options struct {
	// Enclave is the configuration InitializeEnclave starts from.
	Enclave enclave.Config
	// InitializeOnUnlock starts the enclave as soon as the last root share
	// is accepted.
	InitializeOnUnlock bool
	// DefaultPolicy verifies reports whose request carries no policy. Nil
	// makes the policy mandatory.
	DefaultPolicy *attestation.VerificationPolicy
	// OnReady runs after every successful initialization. Its error is
	// logged; the enclave stays Ready.
	OnReady func(ctx context.Context, h *enclave.Handle) error
}

// Dispatcher is the enclave side of the boundary: it decodes a payload,
// runs the operation on the current enclave instance and encodes the
// result. It implements transport.Handler.
type Dispatcher struct {
	log  *slog.Logger
	c    Components
	opts Options

	handlers map[interfaces.OperationID]handlerFunc
}

type handlerFunc func(ctx context.Context, payload []byte) (any, error)

func NewDispatcher(c Components, opts Options, log *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		log:  common.LoggerOrDiscard(log),
		c:    c,
		opts: opts,
	}
	d.handlers = map[interfaces.OperationID]handlerFunc{
		interfaces.OpInitializeEnclave:   d.initializeEnclave,
		interfaces.OpDestroyEnclave:      d.destroyEnclave,
		interfaces.OpProbe:               d.probe,
		interfaces.OpGenerateAttestation: d.generateAttestation,
		interfaces.OpVerifyAttestation:   d.verifyAttestation,
		interfaces.OpSeal:                d.seal,
		interfaces.OpUnseal:              d.unseal,
		interfaces.OpGenerateKey:         d.generateKey,
		interfaces.OpSign:                d.sign,
		interfaces.OpVerify:              d.verify,
		interfaces.OpEncrypt:             d.encrypt,
		interfaces.OpDecrypt:             d.decrypt,
		interfaces.OpDeriveKey:           d.deriveKey,
		interfaces.OpDeleteKey:           d.deleteKey,
		interfaces.OpListKeys:            d.listKeys,
		interfaces.OpGetKeyMetadata:      d.getKeyMetadata,
		interfaces.OpGenerateRandom:      d.generateRandom,
		interfaces.OpExecuteComputation:  d.executeComputation,
		interfaces.OpGetJob:              d.getJob,
		interfaces.OpCancelJob:           d.cancelJob,
		interfaces.OpListJobs:            d.listJobs,
		interfaces.OpSubmitRootShare:     d.submitRootShare,
		interfaces.OpGetUnlockReport:     d.getUnlockReport,
	}
	return d
}

// Handle runs op. Every returned error is an *interfaces.EnclaveError;
// errors outside the taxonomy become InternalEnclaveFault with a fresh
// correlation id, and the original is only logged.
func (d *Dispatcher) Handle(ctx context.Context, op interfaces.OperationID, payload []byte) ([]byte, error) {
	handler, ok := d.handlers[op]
	if !ok {
		return nil, interfaces.NewEnclaveError(interfaces.KindInvalidArgument, string(op), fmt.Errorf("unknown operation %q", op))
	}

	out, err := d.call(ctx, handler, payload)
	if err != nil {
		return nil, d.sanitize(op, err)
	}
	if out == nil {
		out = empty{}
	}
	resp, err := json.Marshal(out)
	if err != nil {
		return nil, d.sanitize(op, err)
	}
	return resp, nil
}

// call converts a panic in an operation into an internal fault.
func (d *Dispatcher) call(ctx context.Context, handler handlerFunc, payload []byte) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return handler(ctx, payload)
}

func (d *Dispatcher) sanitize(op interfaces.OperationID, err error) error {
	out := &interfaces.EnclaveError{Kind: interfaces.KindOf(err), Op: string(op), Err: err}
	var ee *interfaces.EnclaveError
	if errors.As(err, &ee) {
		out.CorrelationID = ee.CorrelationID
	}
	if out.Kind != interfaces.KindInternalEnclaveFault {
		d.log.Debug("Operation failed", slog.String("op", string(op)), slog.String("kind", string(out.Kind)), "err", err)
		return out
	}

	if out.CorrelationID == "" {
		out.CorrelationID = uuid.New().String()
	}
	d.log.Error("Internal enclave fault", slog.String("op", string(op)), slog.String("correlationId", out.CorrelationID), "err", err)
	return out
}

func decode[T any](payload []byte) (*T, error) {
	var req T
	if len(bytes.TrimSpace(payload)) == 0 {
		return &req, nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: malformed request: %v", interfaces.ErrInvalidArgument, err)
	}
	return &req, nil
}

func (d *Dispatcher) handle() (*enclave.Handle, error) {
	return d.c.Manager.Handle()
}

func (d *Dispatcher) info() *EnclaveInfo {
	info := &EnclaveInfo{State: d.c.Manager.State().String()}
	if h, err := d.c.Manager.Handle(); err == nil {
		created := h.CreatedAt()
		info.EnclaveID = h.ID()
		info.Mode = h.Mode()
		info.Platform = h.Platform()
		info.Measurement = h.Measurement()
		info.CreatedAt = &created
		info.Insecure = h.InsecureRoot()
	}
	if shamir, ok := d.c.Manager.RootSource().(*kms.ShamirRoot); ok {
		received, threshold := shamir.Progress()
		info.RootShares = &RootShareStatus{Received: received, Threshold: threshold, Unlocked: shamir.IsUnlocked()}
	}
	return info
}

func (d *Dispatcher) initializeEnclave(ctx context.Context, payload []byte) (any, error) {
	req, err := decode[InitializeRequest](payload)
	if err != nil {
		return nil, err
	}
	cfg, err := d.initConfig(req)
	if err != nil {
		return nil, err
	}
	if err := d.initialize(ctx, cfg); err != nil {
		return nil, err
	}
	return d.info(), nil
}

// initConfig applies the host's overrides to the configured enclave. The mode
// is fixed by configuration, and the identity of a hardware enclave may not
// be changed by the host.
func (d *Dispatcher) initConfig(req *InitializeRequest) (enclave.Config, error) {
	cfg := d.opts.Enclave
	if req.Mode != "" && req.Mode != cfg.Mode {
		return cfg, fmt.Errorf("%w: enclave is configured for %s mode", interfaces.ErrInvalidArgument, cfg.Mode)
	}
	overrides := (req.EnclaveID != "" && req.EnclaveID != cfg.EnclaveID) ||
		(req.ImagePath != "" && req.ImagePath != cfg.ImagePath)
	if overrides && cfg.Mode != interfaces.ModeSimulated {
		return cfg, fmt.Errorf("%w: enclave identity is fixed in %s mode", interfaces.ErrInvalidArgument, cfg.Mode)
	}
	if req.EnclaveID != "" {
		cfg.EnclaveID = req.EnclaveID
	}
	if req.ImagePath != "" {
		cfg.ImagePath = req.ImagePath
	}
	return cfg, nil
}

func (d *Dispatcher) initialize(ctx context.Context, cfg enclave.Config) error {
	h, err := d.c.Manager.Initialize(ctx, cfg.Mode, cfg)
	if err != nil {
		return err
	}
	if d.opts.OnReady != nil {
		if err := d.opts.OnReady(ctx, h); err != nil {
			d.log.Error("Post-initialization step failed", slog.String("enclaveId", h.ID()), "err", err)
		}
	}
	return nil
}

// Start initializes the enclave from the configured options, as
// InitializeEnclave does.
func (d *Dispatcher) Start(ctx context.Context) error {
	return d.initialize(ctx, d.opts.Enclave)
}

func (d *Dispatcher) destroyEnclave(ctx context.Context, _ []byte) (any, error) {
	h, err := d.handle()
	if err != nil {
		return nil, err
	}
	if err := d.c.Manager.Destroy(ctx, h); err != nil {
		return nil, err
	}
	return d.info(), nil
}

func (d *Dispatcher) probe(ctx context.Context, _ []byte) (any, error) {
	h, err := d.handle()
	if err != nil {
		return nil, err
	}
	if err := d.c.Manager.Probe(ctx, h); err != nil {
		return nil, err
	}
	return d.info(), nil
}

func (d *Dispatcher) generateAttestation(ctx context.Context, payload []byte) (any, error) {
	req, err := decode[GenerateAttestationRequest](payload)
	if err != nil {
		return nil, err
	}
	h, err := d.handle()
	if err != nil {
		return nil, err
	}
	return d.c.Attestation.GenerateReport(ctx, h, req.ReportData)
}

func (d *Dispatcher) verifyAttestation(ctx context.Context, payload []byte) (any, error) {
	req, err := decode[VerifyAttestationRequest](payload)
	if err != nil {
		return nil, err
	}
	if req.Report == nil {
		return nil, fmt.Errorf("%w: missing report", interfaces.ErrInvalidArgument)
	}
	policy := req.Policy
	if policy == nil {
		policy = d.opts.DefaultPolicy
	}
	if policy == nil {
		return nil, fmt.Errorf("%w: no verification policy given or configured", interfaces.ErrInvalidArgument)
	}
	h, err := d.handle()
	if err != nil {
		return nil, err
	}
	anchor := d.c.Attestation.SelfAnchor(h)
	if len(req.SimulationKey) > 0 {
		anchor.SimulationKey = req.SimulationKey
	}
	outcome, err := d.c.Attestation.VerifyReport(req.Report, *policy, anchor)
	if err != nil {
		return nil, err
	}
	return &outcome, nil
}

func (d *Dispatcher) seal(ctx context.Context, payload []byte) (any, error) {
	req, err := decode[SealRequest](payload)
	if err != nil {
		return nil, err
	}
	h, err := d.handle()
	if err != nil {
		return nil, err
	}
	blob, err := d.c.Sealing.Seal(ctx, h, req.Context, req.Plaintext)
	if err != nil {
		return nil, err
	}
	if req.StorageKey != "" {
		if err := d.c.Sealing.StoreBlob(ctx, req.StorageKey, blob); err != nil {
			return nil, err
		}
	}
	encoded, err := blob.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &SealResponse{Blob: encoded, StorageKey: req.StorageKey}, nil
}

func (d *Dispatcher) unseal(ctx context.Context, payload []byte) (any, error) {
	req, err := decode[UnsealRequest](payload)
	if err != nil {
		return nil, err
	}
	h, err := d.handle()
	if err != nil {
		return nil, err
	}

	var blob *interfaces.SealedBlob
	switch {
	case len(req.Blob) > 0 && req.StorageKey != "":
		return nil, fmt.Errorf("%w: give either a blob or a storage key", interfaces.ErrInvalidArgument)
	case len(req.Blob) > 0:
		blob, err = interfaces.ParseSealedBlob(req.Blob)
	case req.StorageKey != "":
		blob, err = d.c.Sealing.LoadBlob(ctx, req.StorageKey)
	default:
		return nil, fmt.Errorf("%w: missing blob", interfaces.ErrInvalidArgument)
	}
	if err != nil {
		return nil, err
	}

	plaintext, err := d.c.Sealing.Unseal(ctx, h, blob)
	if err != nil {
		return nil, err
	}
	return &UnsealResponse{Plaintext: plaintext, Context: blob.Context}, nil
}

func (d *Dispatcher) generateKey(ctx context.Context, payload []byte) (any, error) {
	req, err := decode[GenerateKeyRequest](payload)
	if err != nil {
		return nil, err
	}
	h, err := d.handle()
	if err != nil {
		return nil, err
	}
	return d.c.Keys.GenerateKey(ctx, h, req.KeyID, req.Algorithm, req.Usage, keys.GenerateOptions{
		Exportable:  req.Exportable,
		Description: req.Description,
	})
}

func (d *Dispatcher) sign(ctx context.Context, payload []byte) (any, error) {
	req, err := decode[SignRequest](payload)
	if err != nil {
		return nil, err
	}
	h, err := d.handle()
	if err != nil {
		return nil, err
	}
	sig, err := d.c.Keys.Sign(ctx, h, req.KeyID, req.Message)
	if err != nil {
		return nil, err
	}
	return &SignResponse{Signature: sig}, nil
}

func (d *Dispatcher) verify(ctx context.Context, payload []byte) (any, error) {
	req, err := decode[VerifyRequest](payload)
	if err != nil {
		return nil, err
	}
	h, err := d.handle()
	if err != nil {
		return nil, err
	}
	valid, err := d.c.Keys.Verify(ctx, h, req.KeyID, req.Message, req.Signature)
	if err != nil {
		return nil, err
	}
	return &VerifyResponse{Valid: valid}, nil
}

func (d *Dispatcher) encrypt(ctx context.Context, payload []byte) (any, error) {
	req, err := decode[EncryptRequest](payload)
	if err != nil {
		return nil, err
	}
	h, err := d.handle()
	if err != nil {
		return nil, err
	}
	ct, err := d.c.Keys.Encrypt(ctx, h, req.KeyID, req.Plaintext)
	if err != nil {
		return nil, err
	}
	return &EncryptResponse{Ciphertext: ct}, nil
}

func (d *Dispatcher) decrypt(ctx context.Context, payload []byte) (any, error) {
	req, err := decode[DecryptRequest](payload)
	if err != nil {
		return nil, err
	}
	h, err := d.handle()
	if err != nil {
		return nil, err
	}
	pt, err := d.c.Keys.Decrypt(ctx, h, req.KeyID, req.Ciphertext)
	if err != nil {
		return nil, err
	}
	return &DecryptResponse{Plaintext: pt}, nil
}

func (d *Dispatcher) deriveKey(ctx context.Context, payload []byte) (any, error) {
	req, err := decode[DeriveKeyRequest](payload)
	if err != nil {
		return nil, err
	}
	h, err := d.handle()
	if err != nil {
		return nil, err
	}
	blob, err := d.c.Keys.DeriveKey(ctx, h, req.KeyID, req.Info, req.Length, req.OutputContext)
	if err != nil {
		return nil, err
	}
	encoded, err := blob.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &DeriveKeyResponse{Blob: encoded}, nil
}

func (d *Dispatcher) deleteKey(ctx context.Context, payload []byte) (any, error) {
	req, err := decode[KeyRequest](payload)
	if err != nil {
		return nil, err
	}
	h, err := d.handle()
	if err != nil {
		return nil, err
	}
	return nil, d.c.Keys.DeleteKey(ctx, h, req.KeyID)
}

func (d *Dispatcher) listKeys(ctx context.Context, _ []byte) (any, error) {
	h, err := d.handle()
	if err != nil {
		return nil, err
	}
	records, err := d.c.Keys.ListKeys(ctx, h)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []interfaces.KeyRecord{}
	}
	return &ListKeysResponse{Keys: records}, nil
}

func (d *Dispatcher) getKeyMetadata(ctx context.Context, payload []byte) (any, error) {
	req, err := decode[KeyRequest](payload)
	if err != nil {
		return nil, err
	}
	h, err := d.handle()
	if err != nil {
		return nil, err
	}
	return d.c.Keys.GetKeyMetadata(ctx, h, req.KeyID)
}

func (d *Dispatcher) generateRandom(ctx context.Context, payload []byte) (any, error) {
	req, err := decode[GenerateRandomRequest](payload)
	if err != nil {
		return nil, err
	}
	h, err := d.handle()
	if err != nil {
		return nil, err
	}
	if req.Range {
		v, err := d.c.Keys.RandomInt(ctx, h, req.Min, req.Max)
		if err != nil {
			return nil, err
		}
		return &GenerateRandomResponse{Value: &v}, nil
	}
	out, err := d.c.Keys.GenerateRandom(ctx, h, req.Length)
	if err != nil {
		return nil, err
	}
	return &GenerateRandomResponse{Bytes: out}, nil
}

func (d *Dispatcher) executeComputation(ctx context.Context, payload []byte) (any, error) {
	req, err := decode[interfaces.ComputationRequest](payload)
	if err != nil {
		return nil, err
	}
	h, err := d.handle()
	if err != nil {
		return nil, err
	}
	return d.c.Executor.Execute(ctx, h, req)
}

func (d *Dispatcher) getJob(_ context.Context, payload []byte) (any, error) {
	req, err := decode[JobRequest](payload)
	if err != nil {
		return nil, err
	}
	if _, err := d.handle(); err != nil {
		return nil, err
	}
	job, err := d.c.Executor.Jobs().Get(req.JobID)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (d *Dispatcher) cancelJob(_ context.Context, payload []byte) (any, error) {
	req, err := decode[JobRequest](payload)
	if err != nil {
		return nil, err
	}
	if _, err := d.handle(); err != nil {
		return nil, err
	}
	job, err := d.c.Executor.Jobs().Cancel(req.JobID)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (d *Dispatcher) listJobs(_ context.Context, payload []byte) (any, error) {
	req, err := decode[ListJobsRequest](payload)
	if err != nil {
		return nil, err
	}
	if _, err := d.handle(); err != nil {
		return nil, err
	}
	if req.Limit < 0 || req.Offset < 0 {
		return nil, fmt.Errorf("%w: limit and offset must not be negative", interfaces.ErrInvalidArgument)
	}
	jobs, total := d.c.Executor.Jobs().List(req.Limit, req.Offset)
	if jobs == nil {
		jobs = []executor.Job{}
	}
	return &ListJobsResponse{Jobs: jobs, Total: total}, nil
}

func (d *Dispatcher) submitRootShare(ctx context.Context, payload []byte) (any, error) {
	req, err := decode[SubmitRootShareRequest](payload)
	if err != nil {
		return nil, err
	}
	shamir, ok := d.c.Manager.RootSource().(*kms.ShamirRoot)
	if !ok {
		return nil, fmt.Errorf("%w: root source does not accept shares", interfaces.ErrInvalidArgument)
	}

	if err := shamir.SubmitEncryptedShare(req.Index, req.EncryptedShare, req.Signature, req.AdminPubKey); err != nil {
		return nil, shareError(err)
	}

	received, threshold := shamir.Progress()
	status := &RootShareStatus{Received: received, Threshold: threshold, Unlocked: shamir.IsUnlocked()}
	if status.Unlocked && d.opts.InitializeOnUnlock && d.c.Manager.State() == interfaces.StateUninitialized {
		if err := d.initialize(ctx, d.opts.Enclave); err != nil {
			return nil, err
		}
	}
	return status, nil
}

func (d *Dispatcher) getUnlockReport(ctx context.Context, payload []byte) (any, error) {
	req, err := decode[UnlockReportRequest](payload)
	if err != nil {
		return nil, err
	}
	if len(req.Nonce) < MinUnlockNonceSize || len(req.Nonce) > MaxUnlockNonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d to %d bytes", interfaces.ErrInvalidArgument, MinUnlockNonceSize, MaxUnlockNonceSize)
	}
	shamir, ok := d.c.Manager.RootSource().(*kms.ShamirRoot)
	if !ok {
		return nil, fmt.Errorf("%w: root source does not accept shares", interfaces.ErrInvalidArgument)
	}
	shareKey := shamir.ShareKey()
	if shareKey == nil {
		return nil, fmt.Errorf("%w: root secret is already unlocked", interfaces.ErrAlreadyInitialized)
	}

	report, anchor, err := d.c.Attestation.GenerateBootstrapReport(ctx, d.c.Manager, d.opts.Enclave, kms.UnlockReportData(req.Nonce, shareKey))
	if err != nil {
		return nil, err
	}
	return &UnlockReport{Report: report, ShareKey: shareKey, SimulationKey: anchor.SimulationKey}, nil
}

func shareError(err error) error {
	switch {
	case errors.Is(err, kms.ErrUnregisteredAdmin), errors.Is(err, kms.ErrInvalidShareSig):
		return fmt.Errorf("%w: %w", interfaces.ErrSignatureInvalid, err)
	case errors.Is(err, kms.ErrUndecryptableShare):
		return fmt.Errorf("%w: %w", interfaces.ErrIntegrityCheckFailed, err)
	case errors.Is(err, kms.ErrDuplicateShare), errors.Is(err, kms.ErrAlreadyUnlocked):
		return fmt.Errorf("%w: %w", interfaces.ErrInvalidArgument, err)
	default:
		return err
	}
}
