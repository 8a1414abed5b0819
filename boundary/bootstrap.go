package boundary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/tee-enclave-boundary/enclave"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
	"github.com/ruteri/tee-enclave-boundary/keys"
)

// KeySpec describes a key that must exist once the enclave is Ready.
type KeySpec struct {
	KeyID       string
	Algorithm   interfaces.KeyAlgorithm
	Usage       interfaces.KeyUsage
	Description string
}

// EnsureKeys returns an OnReady hook creating every key of specs that the
// enclave does not hold yet. Existing keys are left untouched, whatever
// their algorithm.
func EnsureKeys(svc *keys.Service, specs []KeySpec, log *slog.Logger) func(context.Context, *enclave.Handle) error {
	return func(ctx context.Context, h *enclave.Handle) error {
		var errs []error
		for _, spec := range specs {
			_, err := svc.GenerateKey(ctx, h, spec.KeyID, spec.Algorithm, spec.Usage, keys.GenerateOptions{Description: spec.Description})
			switch {
			case err == nil:
				log.Info("Created configured key", slog.String("keyId", spec.KeyID), slog.String("algorithm", string(spec.Algorithm)))
			case errors.Is(err, interfaces.ErrKeyExists):
			default:
				errs = append(errs, fmt.Errorf("key %s: %w", spec.KeyID, err))
			}
		}
		return errors.Join(errs...)
	}
}
