package executor

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/dop251/goja"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/tee-enclave-boundary/enclave"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
	"go.uber.org/atomic"
)

const (
	maxRandomBytes  = 4096
	maxLogMessages  = 1000
	maxLogLineBytes = 4096
)

// hostModules are the capabilities exposed as globals and through require().
var hostModules = []interfaces.Capability{
	interfaces.CapabilityFS,
	interfaces.CapabilityNet,
	interfaces.CapabilityProcess,
	interfaces.CapabilityCrypto,
	interfaces.CapabilityRandom,
	interfaces.CapabilityLog,
}

// sandbox wires the host bridge into one goja runtime. It is used by a
// single execution and discarded with the runtime.
type sandbox struct {
	vm      *goja.Runtime
	h       *enclave.Handle
	log     *slog.Logger
	granted map[interfaces.Capability]bool
	started time.Time

	budget uint64
	used   atomic.Uint64
	logged atomic.Int32

	mu    sync.Mutex
	fatal error
	files map[string]string
}

func newSandbox(vm *goja.Runtime, h *enclave.Handle, log *slog.Logger, caps []interfaces.Capability, budget uint64) *sandbox {
	s := &sandbox{
		vm:      vm,
		h:       h,
		log:     log,
		granted: make(map[interfaces.Capability]bool),
		started: time.Now(),
		budget:  budget,
		files:   make(map[string]string),
	}
	for _, c := range caps {
		s.granted[c] = true
	}
	return s
}

// fail records the first fatal error and stops the script. The error wins
// over whatever the script does afterwards, including catching the throw.
func (s *sandbox) fail(err error) {
	s.mu.Lock()
	if s.fatal == nil {
		s.fatal = err
	}
	s.mu.Unlock()
	s.vm.Interrupt(err)
}

func (s *sandbox) fatalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

func (s *sandbox) deny(c interfaces.Capability) {
	err := fmt.Errorf("%w: %s", interfaces.ErrCapabilityDenied, c)
	s.fail(err)
	panic(s.vm.NewGoError(err))
}

// charge accounts bytes created through the host bridge against the budget.
func (s *sandbox) charge(n int) {
	if s.used.Add(uint64(n)) > s.budget {
		err := fmt.Errorf("%w: host allocations exceed %d bytes", interfaces.ErrMemoryExceeded, s.budget)
		s.fail(err)
		panic(s.vm.NewGoError(err))
	}
}

func (s *sandbox) throw(format string, args ...any) {
	panic(s.vm.NewGoError(fmt.Errorf(format, args...)))
}

func (s *sandbox) install() error {
	modules := make(map[string]goja.Value, len(hostModules))
	for _, c := range hostModules {
		var module *goja.Object
		if s.granted[c] {
			module = s.module(c)
		} else {
			module = s.vm.NewDynamicObject(&deniedModule{s: s, capability: c})
		}
		modules[string(c)] = module
		if err := s.vm.Set(string(c), module); err != nil {
			return err
		}
	}
	if err := s.vm.Set("console", modules[string(interfaces.CapabilityLog)]); err != nil {
		return err
	}
	if err := s.vm.Set("require", func(name string) goja.Value {
		module, ok := modules[name]
		if !ok {
			s.throw("module %q not found", name)
		}
		return module
	}); err != nil {
		return err
	}
	if !s.granted[interfaces.CapabilityDynamicCode] {
		return s.disableDynamicCode()
	}
	return nil
}

// disableDynamicCode replaces eval and every route to the Function
// constructor with functions that deny the dynamic-code capability.
func (s *sandbox) disableDynamicCode() error {
	denied := s.vm.ToValue(func(goja.FunctionCall) goja.Value {
		s.deny(interfaces.CapabilityDynamicCode)
		return nil
	})
	for _, ctor := range []string{"Function", "GeneratorFunction", "AsyncFunction"} {
		proto, err := s.vm.RunString(fmt.Sprintf(`(function(){ try { return Object.getPrototypeOf(%s); } catch (e) { return undefined; } })()`, ctorExpr(ctor)))
		if err != nil {
			// Syntax this engine version does not support.
			continue
		}
		if obj, ok := proto.(*goja.Object); ok {
			if err := obj.DefineDataProperty("constructor", denied, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE); err != nil {
				return err
			}
		}
	}
	global := s.vm.GlobalObject()
	if err := global.Set("eval", denied); err != nil {
		return err
	}
	return global.Set("Function", denied)
}

func ctorExpr(name string) string {
	switch name {
	case "GeneratorFunction":
		return "function*(){}"
	case "AsyncFunction":
		return "async function(){}"
	}
	return "function(){}"
}

func (s *sandbox) module(c interfaces.Capability) *goja.Object {
	m := s.vm.NewObject()
	set := func(name string, fn any) { _ = m.Set(name, fn) }

	switch c {
	case interfaces.CapabilityFS:
		// An ephemeral scratch file system private to this execution.
		set("readFile", func(path string) string {
			s.mu.Lock()
			data, ok := s.files[path]
			s.mu.Unlock()
			if !ok {
				s.throw("ENOENT: %s", path)
			}
			return data
		})
		set("writeFile", func(path, data string) {
			s.charge(len(path) + len(data))
			s.mu.Lock()
			s.files[path] = data
			s.mu.Unlock()
		})
		set("exists", func(path string) bool {
			s.mu.Lock()
			defer s.mu.Unlock()
			_, ok := s.files[path]
			return ok
		})
		set("readdir", func() []string {
			s.mu.Lock()
			defer s.mu.Unlock()
			names := make([]string, 0, len(s.files))
			for name := range s.files {
				names = append(names, name)
			}
			sort.Strings(names)
			return names
		})

	case interfaces.CapabilityNet:
		set("fetch", func(goja.FunctionCall) goja.Value {
			s.throw("%v: the enclave has no network access", interfaces.ErrTransportUnavailable)
			return nil
		})

	case interfaces.CapabilityProcess:
		_ = m.Set("env", s.vm.NewObject())
		_ = m.Set("platform", "enclave")
		set("uptime", func() int64 { return time.Since(s.started).Milliseconds() })

	case interfaces.CapabilityCrypto:
		set("sha256", func(data string) string {
			sum := sha256.Sum256([]byte(data))
			return hex.EncodeToString(sum[:])
		})
		set("keccak256", func(data string) string {
			return hex.EncodeToString(ethcrypto.Keccak256([]byte(data)))
		})
		set("hmacSha256", func(key, data string) string {
			mac := hmac.New(sha256.New, []byte(key))
			mac.Write([]byte(data))
			return hex.EncodeToString(mac.Sum(nil))
		})

	case interfaces.CapabilityRandom:
		set("bytes", func(n int) string {
			if n < 1 || n > maxRandomBytes {
				s.throw("random.bytes: length must be 1 to %d", maxRandomBytes)
			}
			s.charge(2 * n)
			b, err := s.h.RandomBytes(n)
			if err != nil {
				s.fail(err)
				s.throw("%v", err)
			}
			return hex.EncodeToString(b)
		})
		set("int", func(low, high int64) int64 {
			if low > high {
				s.throw("random.int: min is greater than max")
			}
			span := new(big.Int).Sub(big.NewInt(high), big.NewInt(low))
			span.Add(span, big.NewInt(1))
			n, err := rand.Int(s.h.Entropy(), span)
			if err != nil {
				s.fail(err)
				s.throw("%v", err)
			}
			return n.Add(n, big.NewInt(low)).Int64()
		})

	case interfaces.CapabilityLog:
		for _, level := range []struct {
			name  string
			level slog.Level
		}{{"debug", slog.LevelDebug}, {"info", slog.LevelInfo}, {"log", slog.LevelInfo}, {"warn", slog.LevelWarn}, {"error", slog.LevelError}} {
			level := level
			set(level.name, func(call goja.FunctionCall) goja.Value {
				s.scriptLog(level.level, call.Arguments)
				return goja.Undefined()
			})
		}
	}
	return m
}

func (s *sandbox) scriptLog(level slog.Level, args []goja.Value) {
	if s.logged.Inc() > maxLogMessages {
		return
	}
	msg := ""
	for i, arg := range args {
		if i > 0 {
			msg += " "
		}
		msg += arg.String()
		if len(msg) > maxLogLineBytes {
			msg = msg[:maxLogLineBytes]
			break
		}
	}
	s.charge(len(msg))
	s.log.Log(s.h.Context(), level, "Script log", slog.String("message", msg))
}

// deniedModule stands in for a capability the request was not granted.
// Touching any of its properties denies the capability.
type deniedModule struct {
	s          *sandbox
	capability interfaces.Capability
}

func (d *deniedModule) Get(key string) goja.Value {
	d.s.deny(d.capability)
	return nil
}

func (d *deniedModule) Set(key string, val goja.Value) bool {
	d.s.deny(d.capability)
	return false
}

func (d *deniedModule) Has(key string) bool    { return false }
func (d *deniedModule) Delete(key string) bool { return false }
func (d *deniedModule) Keys() []string         { return nil }

// errCancelled interrupts a job cancelled through the registry.
var errCancelled = errors.New("execution cancelled")
