// Package enclavecommon assembles the enclave side of the boundary from
// configuration. It is shared by enclaved and by enclave-host running with
// the simulated transport.
package enclavecommon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ruteri/tee-enclave-boundary/attestation"
	"github.com/ruteri/tee-enclave-boundary/boundary"
	"github.com/ruteri/tee-enclave-boundary/config"
	"github.com/ruteri/tee-enclave-boundary/enclave"
	"github.com/ruteri/tee-enclave-boundary/executor"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
	"github.com/ruteri/tee-enclave-boundary/kms"
	"github.com/ruteri/tee-enclave-boundary/sealing"
	"github.com/ruteri/tee-enclave-boundary/storage"
)

// Enclave is an assembled, not yet started, enclave side.
type Enclave struct {
	Dispatcher *boundary.Dispatcher
	Components boundary.Components
	Root       kms.RootSource
	Store      interfaces.BlobStore

	log *slog.Logger
}

// EnclaveConfig converts the enclave section to the lifecycle manager's config.
func EnclaveConfig(cfg *config.EnclaveConfig) enclave.Config {
	return enclave.Config{
		Mode:             cfg.ParsedMode(),
		Platform:         cfg.Platform,
		EnclaveID:        cfg.EnclaveID,
		ImagePath:        cfg.ImagePath,
		RNGDevice:        cfg.RNGDevice,
		QuoteProviderURL: cfg.QuoteProviderURL,
		ProbeTimeout:     cfg.ProbeTimeout,
	}
}

// DefaultPolicy is the verification policy applied when a request names
// none, or nil when the attestation section is absent.
func DefaultPolicy(cfg *config.AttestationConfig) *attestation.VerificationPolicy {
	if cfg == nil {
		return nil
	}
	return &attestation.VerificationPolicy{
		ExpectedMeasurements: cfg.Measurements(),
		AcceptSimulation:     cfg.AcceptSimulation,
		MaxAge:               cfg.MaxAge,
	}
}

// KeySpecs parses the keys that must exist once the enclave is Ready.
func KeySpecs(cfg *config.KeysConfig) ([]boundary.KeySpec, error) {
	if cfg == nil {
		return nil, nil
	}
	specs := make([]boundary.KeySpec, 0, len(cfg.Ensure))
	for _, s := range cfg.Ensure {
		alg, err := interfaces.ParseKeyAlgorithm(s.Algorithm)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", s.KeyID, err)
		}
		usage, err := interfaces.ParseKeyUsage(s.Usage)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", s.KeyID, err)
		}
		specs = append(specs, boundary.KeySpec{KeyID: s.KeyID, Algorithm: alg, Usage: usage, Description: s.Description})
	}
	return specs, nil
}

// SetupEnclave builds the root source, the blob store and every component
// named by cfg.
func SetupEnclave(cfg *config.Config, log *slog.Logger) (*Enclave, error) {
	root, err := kms.NewRootSource(kms.Options{
		Source:       cfg.Enclave.RootSource.Source,
		Path:         cfg.Enclave.RootSource.Path,
		Threshold:    cfg.Enclave.RootSource.Threshold,
		AdminPubKeys: cfg.Enclave.RootSource.AdminPubKeys,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("root source: %w", err)
	}

	store, err := storage.NewStorageBackendFactory(log).CreateMultiBackend(cfg.Storage.Locations)
	if err != nil {
		return nil, fmt.Errorf("sealed storage: %w", err)
	}

	specs, err := KeySpecs(cfg.Keys)
	if err != nil {
		return nil, err
	}

	components := boundary.NewComponents(root, store, boundary.Settings{
		Sealing: sealing.Options{
			MigrationMeasurements: cfg.Sealing.Migrations(),
			MaxPlaintextBytes:     cfg.Sealing.MaxPlaintextBytes,
		},
		Executor: executor.Options{
			DefaultTimeout:     cfg.Executor.DefaultTimeout,
			MaxTimeout:         cfg.Executor.MaxTimeout,
			DefaultMemoryBytes: cfg.Executor.DefaultMemoryBytes,
			MaxMemoryBytes:     cfg.Executor.MaxMemoryBytes,
			MaxScriptBytes:     cfg.Executor.MaxScriptBytes,
			MaxOutputBytes:     cfg.Executor.MaxOutputBytes,
			JobRetention:       cfg.Executor.JobRetention,
		},
	}, log)

	_, shamir := root.(*kms.ShamirRoot)
	dispatcher := boundary.NewDispatcher(components, boundary.Options{
		Enclave:            EnclaveConfig(cfg.Enclave),
		DefaultPolicy:      DefaultPolicy(cfg.Attestation),
		InitializeOnUnlock: shamir,
		OnReady:            boundary.EnsureKeys(components.Keys, specs, log),
	}, log)

	return &Enclave{
		Dispatcher: dispatcher,
		Components: components,
		Root:       root,
		Store:      store,
		log:        log,
	}, nil
}

// Start initializes the enclave unless its root secret still waits for
// administrator shares, in which case the last accepted share starts it.
func (e *Enclave) Start(ctx context.Context) error {
	if shamir, ok := e.Root.(*kms.ShamirRoot); ok && !shamir.IsUnlocked() {
		received, threshold := shamir.Progress()
		e.log.Info("Root secret is locked, waiting for administrator shares",
			slog.Int("received", received), slog.Int("threshold", threshold))
		return nil
	}
	if e.Root.Insecure() {
		e.log.Warn("Root secret is readable outside the enclave: sealed data is NOT confidential", slog.String("source", e.Root.Name()))
	}
	return e.Dispatcher.Start(ctx)
}

// Close destroys the running enclave instance and closes the blob store.
func (e *Enclave) Close(ctx context.Context) error {
	var errs []error
	if h, err := e.Components.Manager.Handle(); err == nil {
		errs = append(errs, e.Components.Manager.Destroy(ctx, h))
	}
	if closer, ok := e.Store.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}
	return errors.Join(errs...)
}
