package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mdlayher/vsock"
	"github.com/ruteri/tee-enclave-boundary/common"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

const (
	// DefaultVsockPort is where the enclave listens for boundary frames.
	DefaultVsockPort   = 5000
	defaultDialTimeout = 10 * time.Second
	defaultMaxIdle     = 4
)

// DialFunc opens a stream to the enclave.
type DialFunc func(ctx context.Context) (net.Conn, error)

// VsockDialer dials the enclave listener at cid:port.
func VsockDialer(cid, port uint32) DialFunc {
	return func(ctx context.Context) (net.Conn, error) {
		type result struct {
			conn net.Conn
			err  error
		}
		ch := make(chan result, 1)
		go func() {
			conn, err := vsock.Dial(cid, port, nil)
			ch <- result{conn, err}
		}()
		select {
		case r := <-ch:
			return r.conn, r.err
		case <-ctx.Done():
			go func() {
				if r := <-ch; r.conn != nil {
					_ = r.conn.Close()
				}
			}()
			return nil, ctx.Err()
		}
	}
}

// TCPDialer dials an enclave served over TCP, for development hosts
// without vsock.
func TCPDialer(addr string) DialFunc {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
}

// StreamOptions configure a StreamTransport.
type StreamOptions struct {
	MaxPayload  int
	DialTimeout time.Duration
	// MaxIdle connections are kept for reuse.
	MaxIdle int
}

// StreamTransport sends frames over stream connections, one request at a
// time per connection. Connections are pooled; a connection that saw any
// error is closed rather than reused.
type StreamTransport struct {
	log  *slog.Logger
	dial DialFunc
	opts StreamOptions

	mu     sync.Mutex
	idle   []net.Conn
	closed bool
}

func NewStreamTransport(dial DialFunc, opts StreamOptions, log *slog.Logger) *StreamTransport {
	opts.MaxPayload = payloadLimit(opts.MaxPayload)
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = defaultMaxIdle
	}
	return &StreamTransport{log: common.LoggerOrDiscard(log), dial: dial, opts: opts}
}

// NewVsockTransport is the host side of the hardware boundary.
func NewVsockTransport(cid, port uint32, opts StreamOptions, log *slog.Logger) *StreamTransport {
	return NewStreamTransport(VsockDialer(cid, port), opts, log)
}

func (t *StreamTransport) Invoke(ctx context.Context, op interfaces.OperationID, payload []byte) ([]byte, error) {
	if !op.IsValid() {
		return nil, fmt.Errorf("%w: unknown operation %q", interfaces.ErrInvalidArgument, op)
	}
	if len(payload) > t.opts.MaxPayload {
		return nil, fmt.Errorf("%w: payload is %d bytes, at most %d allowed", interfaces.ErrPayloadTooLarge, len(payload), t.opts.MaxPayload)
	}

	conn, err := t.get(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := t.roundTrip(ctx, conn, &Frame{Op: op, Payload: payload})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	t.put(conn)

	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

func (t *StreamTransport) roundTrip(ctx context.Context, conn net.Conn, req *Frame) (*Frame, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Time{})
	}
	// Unblock reads and writes when ctx is cancelled without a deadline.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	var resp *Frame
	err := WriteFrame(conn, req, t.opts.MaxPayload)
	if err == nil {
		resp, err = ReadFrame(conn, t.opts.MaxPayload)
	}
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s: %v", interfaces.ErrTimeout, req.Op, err)
		}
		return nil, err
	}
	return resp, nil
}

func (t *StreamTransport) get(ctx context.Context) (net.Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: transport closed", interfaces.ErrTransportUnavailable)
	}
	if n := len(t.idle); n > 0 {
		conn := t.idle[n-1]
		t.idle = t.idle[:n-1]
		t.mu.Unlock()
		return conn, nil
	}
	t.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, t.opts.DialTimeout)
	defer cancel()
	conn, err := t.dial(dialCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: dialing enclave: %v", interfaces.ErrTimeout, err)
		}
		t.log.Warn("Dialing enclave failed", "err", err)
		return nil, fmt.Errorf("%w: dialing enclave: %v", interfaces.ErrTransportUnavailable, err)
	}
	return conn, nil
}

func (t *StreamTransport) put(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || len(t.idle) >= t.opts.MaxIdle {
		_ = conn.Close()
		return
	}
	t.idle = append(t.idle, conn)
}

func (t *StreamTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	var errs []error
	for _, conn := range t.idle {
		errs = append(errs, conn.Close())
	}
	t.idle = nil
	return errors.Join(errs...)
}

// Server is the enclave side of a stream boundary. It reads request frames,
// dispatches them to a Handler and writes the response frames back.
type Server struct {
	log        *slog.Logger
	listener   net.Listener
	handler    Handler
	maxPayload int

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func NewServer(listener net.Listener, handler Handler, maxPayload int, log *slog.Logger) *Server {
	return &Server{
		log:        common.LoggerOrDiscard(log),
		listener:   listener,
		handler:    handler,
		maxPayload: payloadLimit(maxPayload),
		conns:      make(map[net.Conn]struct{}),
	}
}

// NewVsockServer listens on the enclave's vsock port.
func NewVsockServer(port uint32, handler Handler, maxPayload int, log *slog.Logger) (*Server, error) {
	listener, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("listening on vsock port %d: %w", port, err)
	}
	return NewServer(listener, handler, maxPayload, log), nil
}

func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts connections until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	s.log.Info("Boundary server listening", "addr", s.listener.Addr().String())
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		req, err := ReadFrame(conn, s.maxPayload)
		if err != nil {
			if errors.Is(err, interfaces.ErrPayloadTooLarge) {
				// The stream cannot be resynchronized after an oversized frame.
				_ = WriteFrame(conn, &Frame{Error: NewErrorFrame(err)}, s.maxPayload)
			} else if !errors.Is(err, interfaces.ErrTransportUnavailable) {
				s.log.Warn("Dropping connection after malformed frame", "err", err)
			}
			return
		}

		resp := &Frame{Op: req.Op}
		if !req.Op.IsValid() {
			resp.Error = NewErrorFrame(interfaces.ErrInvalidArgument)
		} else if out, err := s.handler.Handle(ctx, req.Op, req.Payload); err != nil {
			resp.Error = NewErrorFrame(err)
		} else {
			resp.Payload = out
		}

		if err := WriteFrame(conn, resp, s.maxPayload); err != nil {
			if errors.Is(err, interfaces.ErrPayloadTooLarge) {
				err = WriteFrame(conn, &Frame{Op: req.Op, Error: NewErrorFrame(err)}, s.maxPayload)
			}
			if err != nil {
				s.log.Warn("Writing response frame failed", "op", string(req.Op), "err", err)
				return
			}
		}
	}
}

// Close stops accepting, closes open connections and waits for their
// goroutines.
func (s *Server) Close() error {
	err := s.listener.Close()
	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
