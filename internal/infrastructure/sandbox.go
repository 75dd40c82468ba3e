package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/yourusername/downlink-go/internal/domain"
	"go.uber.org/zap"
)

var (
	// ErrSandboxClosed is returned for work submitted after Close
	ErrSandboxClosed = errors.New("sandbox closed")

	// ErrSandboxReset is returned to invocations still pending when the runtime is replaced
	ErrSandboxReset = errors.New("sandbox reset")

	errScriptTimeout = errors.New("script execution timed out")
)

// The module wrapper makes a plugin script evaluate to its exported object.
// Scripts may assign module.exports or declare a top-level handle function.
const moduleWrapperHead = `(function (module, exports) {
`

const moduleWrapperTail = `
;if (typeof handle === 'function' && typeof module.exports.handle !== 'function') {
	module.exports.handle = handle;
}
return module.exports;
})`

// invokeBridge calls plugin.handle(url), waits for the value to settle and reports
// it to done as JSON text or as an error message.
const invokeBridge = `(function (plugin, url, done) {
	var settled = false;
	function finish(json, err) {
		if (settled) return;
		settled = true;
		done(json, err);
	}
	function message(e) {
		if (e && typeof e === 'object' && e.message !== undefined) return String(e.message);
		return String(e);
	}
	try {
		Promise.resolve(plugin.handle(url)).then(function (v) {
			var s;
			try {
				s = JSON.stringify(v === undefined ? null : v);
			} catch (e) {
				finish(null, message(e));
				return;
			}
			finish(s === undefined ? 'null' : s, null);
		}, function (e) {
			finish(null, message(e));
		});
	} catch (e) {
		finish(null, message(e));
	}
})`

type settlement struct {
	json string
	err  string
	ok   bool
}

// Sandbox is the single shared JavaScript runtime all plugins are loaded into.
// Every touch of the runtime happens on the sandbox's own goroutine.
type Sandbox struct {
	config *domain.PluginsConfig
	logger *zap.Logger
	client *http.Client

	jobs      chan func()
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup

	// Loop-owned state
	rt         *goja.Runtime
	gen        uint64
	reset      chan struct{} // closed when this generation's runtime is discarded
	bridge     goja.Callable
	plugins    map[domain.ScriptHandle]*goja.Object
	names      map[domain.ScriptHandle]string
	nextHandle domain.ScriptHandle
	timers     map[int64]*hostTimer
	nextTimer  int64
}

// NewSandbox creates a sandbox with a fresh runtime and starts its loop
func NewSandbox(config *domain.PluginsConfig, logger *zap.Logger) (*Sandbox, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sandbox{
		config: config,
		logger: logger,
		client: &http.Client{Timeout: config.FetchTimeout},
		jobs:   make(chan func()),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	if err := s.initRuntime(); err != nil {
		cancel()
		return nil, err
	}

	s.wg.Add(1)
	go s.loop()
	return s, nil
}

// Close stops the loop, pending timers and in-flight fetches
func (s *Sandbox) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		s.wg.Wait()
		s.stopTimers()
	})
	return nil
}

// Load evaluates a plugin script and returns a handle to its exported object
func (s *Sandbox) Load(name, source string) (domain.ScriptHandle, error) {
	var handle domain.ScriptHandle
	err := s.exec(func() error {
		var exports goja.Value
		err := s.guarded(func() error {
			wrapped, err := s.rt.RunScript(name+".js", moduleWrapperHead+source+moduleWrapperTail)
			if err != nil {
				return err
			}
			factory, ok := goja.AssertFunction(wrapped)
			if !ok {
				return errors.New("script wrapper did not evaluate to a function")
			}
			module := s.rt.NewObject()
			exportsObj := s.rt.NewObject()
			if err := module.Set("exports", exportsObj); err != nil {
				return err
			}
			exports, err = factory(goja.Undefined(), module, exportsObj)
			return err
		})
		if err != nil {
			return err
		}

		obj, ok := exports.(*goja.Object)
		if !ok {
			return errors.New("module.exports is not an object")
		}
		if _, ok := goja.AssertFunction(obj.Get("handle")); !ok {
			return errors.New("plugin does not export a handle function")
		}

		s.nextHandle++
		handle = s.nextHandle
		s.plugins[handle] = obj
		s.names[handle] = name
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load plugin %s: %w", name, err)
	}
	return handle, nil
}

// Invoke calls the plugin's handle(url) and waits until the returned value settles
func (s *Sandbox) Invoke(ctx context.Context, handle domain.ScriptHandle, rawURL string) (domain.ScriptOutcome, error) {
	settled := make(chan settlement, 1)
	var name string
	var reset <-chan struct{}

	err := s.exec(func() error {
		obj, ok := s.plugins[handle]
		if !ok {
			return domain.ErrPluginNotFound
		}
		name = s.names[handle]
		gen := s.gen
		reset = s.reset

		done := func(call goja.FunctionCall) goja.Value {
			if gen != s.gen {
				return goja.Undefined()
			}
			var st settlement
			if v := call.Argument(0); !goja.IsNull(v) && !goja.IsUndefined(v) {
				st = settlement{json: v.String(), ok: true}
			} else {
				st = settlement{err: call.Argument(1).String()}
			}
			select {
			case settled <- st:
			default:
			}
			return goja.Undefined()
		}

		return s.guarded(func() error {
			_, err := s.bridge(goja.Undefined(), obj, s.rt.ToValue(rawURL), s.rt.ToValue(done))
			return err
		})
	})
	if err != nil {
		return domain.ScriptOutcome{}, fmt.Errorf("plugin %s: %w", name, err)
	}

	select {
	case st := <-settled:
		if !st.ok {
			return domain.ScriptOutcome{}, fmt.Errorf("plugin %s: %s", name, st.err)
		}
		var v any
		if err := json.Unmarshal([]byte(st.json), &v); err != nil {
			return domain.ScriptOutcome{}, fmt.Errorf("plugin %s: failed to decode result: %w", name, err)
		}
		return domain.DecodeScriptOutcome(v), nil
	case <-reset:
		return domain.ScriptOutcome{}, fmt.Errorf("plugin %s: %w", name, ErrSandboxReset)
	case <-ctx.Done():
		return domain.ScriptOutcome{}, fmt.Errorf("plugin %s: %w", name, ctx.Err())
	case <-s.done:
		return domain.ScriptOutcome{}, ErrSandboxClosed
	}
}

// Reset discards every loaded plugin, timer and pending callback and starts a fresh runtime
func (s *Sandbox) Reset() error {
	return s.exec(func() error {
		s.stopTimers()
		return s.initRuntime()
	})
}

// initRuntime must run on the loop, or before the loop starts
func (s *Sandbox) initRuntime() error {
	rt := goja.New()
	if s.reset != nil {
		close(s.reset)
	}
	s.reset = make(chan struct{})
	s.gen++
	s.rt = rt
	s.plugins = make(map[domain.ScriptHandle]*goja.Object)
	s.names = make(map[domain.ScriptHandle]string)
	s.timers = make(map[int64]*hostTimer)

	if err := s.installHostAPI(rt); err != nil {
		return fmt.Errorf("failed to install host API: %w", err)
	}

	v, err := rt.RunString(invokeBridge)
	if err != nil {
		return fmt.Errorf("failed to compile invoke bridge: %w", err)
	}
	bridge, ok := goja.AssertFunction(v)
	if !ok {
		return errors.New("invoke bridge is not a function")
	}
	s.bridge = bridge
	return nil
}

func (s *Sandbox) loop() {
	defer s.wg.Done()
	for {
		select {
		case fn := <-s.jobs:
			s.runJob(fn)
		case <-s.done:
			return
		}
	}
}

func (s *Sandbox) runJob(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic in sandbox job", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

// post hands fn to the loop. It must not be called from the loop.
func (s *Sandbox) post(fn func()) bool {
	select {
	case s.jobs <- fn:
		return true
	case <-s.done:
		return false
	}
}

// exec runs fn on the loop and waits for its result
func (s *Sandbox) exec(fn func() error) error {
	errCh := make(chan error, 1)
	if !s.post(func() { errCh <- fn() }) {
		return ErrSandboxClosed
	}
	select {
	case err := <-errCh:
		return err
	case <-s.done:
		return ErrSandboxClosed
	}
}

// guarded runs one synchronous stretch of script, interrupting it after the configured timeout
func (s *Sandbox) guarded(fn func() error) error {
	if s.config.Timeout <= 0 {
		return fn()
	}
	rt := s.rt
	fired := make(chan struct{})
	t := time.AfterFunc(s.config.Timeout, func() {
		rt.Interrupt(errScriptTimeout)
		close(fired)
	})
	err := fn()
	if !t.Stop() {
		<-fired
		rt.ClearInterrupt()
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return errScriptTimeout
	}
	return err
}
