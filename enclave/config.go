package enclave

import (
	"fmt"
	"time"

	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

const (
	PlatformSimulated = "simulated"
	PlatformNitro     = "nitro"
	PlatformTDX       = "tdx"
)

// Config selects and parameterizes the enclave runtime.
type Config struct {
	Mode interfaces.Mode
	// Platform is nitro or tdx in hardware mode and ignored in simulated mode.
	Platform string
	// EnclaveID names a simulated enclave. Its measurement is derived from the
	// image at ImagePath, or from EnclaveID when no image is configured.
	EnclaveID string
	ImagePath string

	// TDX options.
	RNGDevice        string
	QuoteProviderURL string

	ProbeTimeout time.Duration
}

func (c *Config) Validate() error {
	switch c.Mode {
	case interfaces.ModeSimulated:
		if c.EnclaveID == "" && c.ImagePath == "" {
			return fmt.Errorf("%w: simulated enclave needs an enclave id or image path", interfaces.ErrInvalidArgument)
		}
	case interfaces.ModeHardware:
		switch c.Platform {
		case PlatformNitro, PlatformTDX:
		default:
			return fmt.Errorf("%w: unknown hardware platform %q", interfaces.ErrInvalidArgument, c.Platform)
		}
	default:
		return fmt.Errorf("%w: unknown enclave mode %q", interfaces.ErrInvalidArgument, c.Mode)
	}
	return nil
}

func (c *Config) platform() string {
	if c.Mode == interfaces.ModeSimulated {
		return PlatformSimulated
	}
	return c.Platform
}

func (c *Config) probeTimeout() time.Duration {
	if c.ProbeTimeout <= 0 {
		return 5 * time.Second
	}
	return c.ProbeTimeout
}
