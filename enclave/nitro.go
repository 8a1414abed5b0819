package enclave

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/hf/nsm"
	"github.com/hf/nsm/request"
	"github.com/ruteri/tee-enclave-boundary/common"
	"github.com/ruteri/tee-enclave-boundary/cryptoutils"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

// nitroRuntime talks to the Nitro Secure Module through /dev/nsm.
type nitroRuntime struct {
	sess *nsm.Session
	log  *slog.Logger
}

func newNitroRuntime(log *slog.Logger) (*nitroRuntime, error) {
	sess, err := nsm.OpenDefaultSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open NSM session: %w", err)
	}
	return &nitroRuntime{sess: sess, log: common.LoggerOrDiscard(log)}, nil
}

func (*nitroRuntime) Platform() string { return PlatformNitro }

// Measurement returns PCR0, the hash of the enclave image file.
func (r *nitroRuntime) Measurement(ctx context.Context) (interfaces.Measurement, error) {
	res, err := r.sess.Send(&request.DescribePCR{Index: 0})
	if err != nil {
		return nil, fmt.Errorf("describe PCR0: %w", err)
	}
	if res.Error != "" {
		return nil, fmt.Errorf("describe PCR0: %s", res.Error)
	}
	if res.DescribePCR == nil || len(res.DescribePCR.Data) == 0 {
		return nil, errors.New("describe PCR0: empty response")
	}
	return interfaces.Measurement(res.DescribePCR.Data), nil
}

func (r *nitroRuntime) Attester([]byte, interfaces.Measurement, *SecureArena) (cryptoutils.AttestationProvider, error) {
	return cryptoutils.NitroAttestationProvider{Session: r.sess}, nil
}

// Entropy reads from the NSM hardware RNG.
func (r *nitroRuntime) Entropy() io.Reader {
	return &failClosedReader{source: "nsm", r: r.sess}
}

func (r *nitroRuntime) Echo(ctx context.Context, nonce []byte) ([]byte, error) {
	type result struct {
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := r.sess.Send(&request.DescribeNSM{})
		if err == nil && res.Error != "" {
			err = fmt.Errorf("describe NSM: %s", res.Error)
		}
		done <- result{err: err}
	}()
	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		reply := make([]byte, len(nonce))
		copy(reply, nonce)
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *nitroRuntime) Close() error {
	return r.sess.Close()
}
