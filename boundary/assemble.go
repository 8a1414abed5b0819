package boundary

import (
	"log/slog"

	"github.com/ruteri/tee-enclave-boundary/attestation"
	"github.com/ruteri/tee-enclave-boundary/enclave"
	"github.com/ruteri/tee-enclave-boundary/executor"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
	"github.com/ruteri/tee-enclave-boundary/keys"
	"github.com/ruteri/tee-enclave-boundary/kms"
	"github.com/ruteri/tee-enclave-boundary/sealing"
)

// Settings are the component options NewComponents wires together.
type Settings struct {
	Sealing  sealing.Options
	Executor executor.Options
	Manager  []enclave.ManagerOption
}

// NewComponents builds the full component graph over one root source and
// blob store. The executor signs results through the key service.
func NewComponents(root kms.RootSource, store interfaces.BlobStore, s Settings, log *slog.Logger) Components {
	sealer := sealing.NewEngine(store, s.Sealing, log)
	keySvc := keys.NewService(sealer, log)
	return Components{
		Manager:     enclave.NewManager(root, log, s.Manager...),
		Attestation: attestation.NewEngine(log),
		Sealing:     sealer,
		Keys:        keySvc,
		Executor:    executor.NewExecutor(keySvc, s.Executor, log),
	}
}
