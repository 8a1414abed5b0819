package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/tee-enclave-boundary/common"
	"github.com/ruteri/tee-enclave-boundary/instanceutils/serviceresolver"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

// InvokePath is the host shell route for boundary frames; the operation id
// is appended.
const InvokePath = "/api/enclave/invoke/"

const (
	defaultDiscoveryTTL  = 30 * time.Second
	defaultRemoteTimeout = 60 * time.Second
)

// RemoteOptions configure a RemoteTransport. Either BaseURLs or SRVName
// must be set.
type RemoteOptions struct {
	BaseURLs []string
	// SRVName is resolved with Resolver; endpoints are cached for DiscoveryTTL.
	SRVName      string
	Resolver     *serviceresolver.Resolver
	Scheme       string
	DiscoveryTTL time.Duration
	Client       *http.Client
	MaxPayload   int
}

// RemoteTransport sends frames to a host shell over HTTP. Endpoints are
// tried in order; only failures to reach an endpoint move on to the next.
type RemoteTransport struct {
	log    *slog.Logger
	opts   RemoteOptions
	client *http.Client

	mu         sync.Mutex
	discovered []string
	expires    time.Time
}

func NewRemoteTransport(opts RemoteOptions, log *slog.Logger) (*RemoteTransport, error) {
	if len(opts.BaseURLs) == 0 && opts.SRVName == "" {
		return nil, fmt.Errorf("%w: remote transport needs base URLs or an SRV name", interfaces.ErrInvalidArgument)
	}
	opts.MaxPayload = payloadLimit(opts.MaxPayload)
	if opts.Scheme == "" {
		opts.Scheme = "https"
	}
	if opts.DiscoveryTTL <= 0 {
		opts.DiscoveryTTL = defaultDiscoveryTTL
	}
	if opts.Resolver == nil {
		opts.Resolver = &serviceresolver.Resolver{}
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: defaultRemoteTimeout}
	}
	for i, u := range opts.BaseURLs {
		opts.BaseURLs[i] = strings.TrimRight(u, "/")
	}
	return &RemoteTransport{log: common.LoggerOrDiscard(log), opts: opts, client: client}, nil
}

func (t *RemoteTransport) Invoke(ctx context.Context, op interfaces.OperationID, payload []byte) ([]byte, error) {
	if !op.IsValid() {
		return nil, fmt.Errorf("%w: unknown operation %q", interfaces.ErrInvalidArgument, op)
	}
	body, err := EncodeFrame(&Frame{Op: op, Payload: payload}, t.opts.MaxPayload)
	if err != nil {
		return nil, err
	}

	endpoints, err := t.endpoints(ctx)
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, base := range endpoints {
		resp, err := t.post(ctx, base+InvokePath+string(op), body)
		if err == nil {
			if err := resp.Err(); err != nil {
				return nil, err
			}
			return resp.Payload, nil
		}
		if !errors.Is(err, interfaces.ErrTransportUnavailable) {
			return nil, err
		}
		t.log.Warn("Host shell unreachable", "endpoint", base, "op", string(op), "err", err)
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

func (t *RemoteTransport) post(ctx context.Context, url string, body []byte) (*Frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidArgument, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", interfaces.ErrTransportUnavailable, err)
	}
	defer resp.Body.Close()

	limit := int64(MaxFrameSize(t.opts.MaxPayload))
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: reading response: %v", interfaces.ErrTransportUnavailable, err)
	}
	if int64(len(raw)) > limit {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", interfaces.ErrPayloadTooLarge, limit)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusRequestEntityTooLarge:
		return nil, fmt.Errorf("%w: rejected by host shell", interfaces.ErrPayloadTooLarge)
	default:
		// Boundary errors come back as an error frame; a body without one
		// means the shell itself could not serve the call.
		if f, err := DecodeFrame(raw, t.opts.MaxPayload); err == nil && f.Error != nil {
			return f, nil
		}
		return nil, fmt.Errorf("%w: host shell returned status %d", interfaces.ErrTransportUnavailable, resp.StatusCode)
	}
	return DecodeFrame(raw, t.opts.MaxPayload)
}

func (t *RemoteTransport) endpoints(ctx context.Context) ([]string, error) {
	if len(t.opts.BaseURLs) > 0 {
		return t.opts.BaseURLs, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.discovered) > 0 && time.Now().Before(t.expires) {
		return t.discovered, nil
	}

	resolved, err := t.opts.Resolver.ResolveEndpoints(ctx, t.opts.SRVName)
	if err != nil {
		if len(t.discovered) > 0 {
			t.log.Warn("Endpoint discovery failed, using stale endpoints", "name", t.opts.SRVName, "err", err)
			return t.discovered, nil
		}
		return nil, fmt.Errorf("%w: discovering %s: %v", interfaces.ErrTransportUnavailable, t.opts.SRVName, err)
	}
	urls := make([]string, 0, len(resolved))
	for _, e := range resolved {
		urls = append(urls, t.opts.Scheme+"://"+e.Address())
	}
	t.discovered = urls
	t.expires = time.Now().Add(t.opts.DiscoveryTTL)
	return urls, nil
}

func (t *RemoteTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
