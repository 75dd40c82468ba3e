package infrastructure

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

const minIntervalDelay = 10 * time.Millisecond

// fetchShim turns the host fetch primitive into a Promise returning a Response-like object
const fetchShim = `(function (hostFetch) {
	return function fetch(input, options) {
		return new Promise(function (resolve, reject) {
			hostFetch(String(input), options || {}, function (raw) {
				var headers = raw.headers;
				resolve({
					status: raw.status,
					statusText: raw.statusText,
					ok: raw.ok,
					url: raw.url,
					headers: {
						get: function (name) {
							var v = headers[String(name).toLowerCase()];
							return v === undefined ? null : v;
						},
						has: function (name) {
							return headers[String(name).toLowerCase()] !== undefined;
						}
					},
					text: function () {
						return Promise.resolve(raw.body);
					},
					json: function () {
						return new Promise(function (ok) {
							ok(JSON.parse(raw.body));
						});
					}
				});
			}, function (message) {
				reject(new TypeError(message));
			});
		});
	};
})`

type hostTimer struct {
	timer  *time.Timer
	fn     goja.Callable
	args   []goja.Value
	delay  time.Duration
	repeat bool
}

type fetchResponse struct {
	status     int
	statusText string
	url        string
	headers    map[string]string
	body       string
}

// installHostAPI exposes console, timers and fetch to scripts
func (s *Sandbox) installHostAPI(rt *goja.Runtime) error {
	console := rt.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		level := level
		if err := console.Set(level, func(call goja.FunctionCall) goja.Value {
			s.consoleLog(level, call.Arguments)
			return goja.Undefined()
		}); err != nil {
			return err
		}
	}
	if err := rt.Set("console", console); err != nil {
		return err
	}

	timers := map[string]func(goja.FunctionCall) goja.Value{
		"setTimeout":    func(call goja.FunctionCall) goja.Value { return s.setTimer(rt, call, false) },
		"setInterval":   func(call goja.FunctionCall) goja.Value { return s.setTimer(rt, call, true) },
		"clearTimeout":  s.clearTimer,
		"clearInterval": s.clearTimer,
	}
	for name, fn := range timers {
		if err := rt.Set(name, fn); err != nil {
			return err
		}
	}

	shim, err := rt.RunString(fetchShim)
	if err != nil {
		return err
	}
	makeFetch, ok := goja.AssertFunction(shim)
	if !ok {
		return fmt.Errorf("fetch shim is not a function")
	}
	fetch, err := makeFetch(goja.Undefined(), rt.ToValue(func(call goja.FunctionCall) goja.Value {
		return s.hostFetch(rt, call)
	}))
	if err != nil {
		return err
	}
	return rt.Set("fetch", fetch)
}

func (s *Sandbox) consoleLog(level string, args []goja.Value) {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, formatConsoleArg(arg))
	}
	msg := strings.Join(parts, " ")
	fields := []zap.Field{zap.String("source", "console")}

	switch level {
	case "debug":
		s.logger.Debug(msg, fields...)
	case "warn":
		s.logger.Warn(msg, fields...)
	case "error":
		s.logger.Error(msg, fields...)
	default:
		s.logger.Info(msg, fields...)
	}
}

func formatConsoleArg(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	if obj, ok := v.(*goja.Object); ok {
		if _, isFn := goja.AssertFunction(obj); !isFn {
			if data, err := json.Marshal(obj.Export()); err == nil {
				return string(data)
			}
		}
	}
	return v.String()
}

func (s *Sandbox) setTimer(rt *goja.Runtime, call goja.FunctionCall, repeat bool) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(rt.NewTypeError("callback must be a function"))
	}
	delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	if repeat && delay < minIntervalDelay {
		delay = minIntervalDelay
	}
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}

	s.nextTimer++
	id := s.nextTimer
	t := &hostTimer{fn: fn, args: args, delay: delay, repeat: repeat}
	s.timers[id] = t
	s.armTimer(id, t)
	return rt.ToValue(id)
}

func (s *Sandbox) armTimer(id int64, t *hostTimer) {
	gen := s.gen
	t.timer = time.AfterFunc(t.delay, func() {
		s.post(func() { s.fireTimer(gen, id) })
	})
}

func (s *Sandbox) fireTimer(gen uint64, id int64) {
	if gen != s.gen {
		return
	}
	t, ok := s.timers[id]
	if !ok {
		return
	}
	if !t.repeat {
		delete(s.timers, id)
	}

	err := s.guarded(func() error {
		_, err := t.fn(goja.Undefined(), t.args...)
		return err
	})
	if err != nil {
		s.logger.Warn("Timer callback failed", zap.Int64("timer", id), zap.Error(err))
	}

	if t.repeat {
		if _, still := s.timers[id]; still && gen == s.gen {
			s.armTimer(id, t)
		}
	}
}

func (s *Sandbox) clearTimer(call goja.FunctionCall) goja.Value {
	id := call.Argument(0).ToInteger()
	if t, ok := s.timers[id]; ok {
		t.timer.Stop()
		delete(s.timers, id)
	}
	return goja.Undefined()
}

func (s *Sandbox) stopTimers() {
	for id, t := range s.timers {
		if t.timer != nil {
			t.timer.Stop()
		}
		delete(s.timers, id)
	}
}

// hostFetch(url, options, resolve, reject) performs the request off the loop and
// settles through the callbacks back on the loop.
func (s *Sandbox) hostFetch(rt *goja.Runtime, call goja.FunctionCall) goja.Value {
	rawURL := call.Argument(0).String()
	resolve, okResolve := goja.AssertFunction(call.Argument(2))
	reject, okReject := goja.AssertFunction(call.Argument(3))
	if !okResolve || !okReject {
		panic(rt.NewTypeError("fetch: invalid callbacks"))
	}

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		panic(rt.NewTypeError(fmt.Sprintf("fetch: unsupported URL %q", rawURL)))
	}

	method := http.MethodGet
	headers := map[string]string{}
	var body string
	if opts, ok := call.Argument(1).Export().(map[string]interface{}); ok {
		if m, ok := opts["method"].(string); ok && m != "" {
			method = strings.ToUpper(m)
		}
		if h, ok := opts["headers"].(map[string]interface{}); ok {
			for k, v := range h {
				headers[k] = fmt.Sprint(v)
			}
		}
		if b, ok := opts["body"]; ok && b != nil {
			body = fmt.Sprint(b)
		}
	}

	gen := s.gen
	go func() {
		resp, err := s.doFetch(method, u.String(), headers, body)
		s.post(func() {
			if gen != s.gen {
				return
			}
			cbErr := s.guarded(func() error {
				if err != nil {
					_, cerr := reject(goja.Undefined(), s.rt.ToValue(err.Error()))
					return cerr
				}
				_, cerr := resolve(goja.Undefined(), s.responseObject(resp))
				return cerr
			})
			if cbErr != nil {
				s.logger.Warn("Fetch callback failed", zap.String("url", rawURL), zap.Error(cbErr))
			}
		})
	}()
	return goja.Undefined()
}

func (s *Sandbox) doFetch(method, rawURL string, headers map[string]string, body string) (*fetchResponse, error) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(s.ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	s.logger.Debug("Plugin fetch", zap.String("method", method), zap.String("url", rawURL))
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	limit := s.config.FetchMaxBytes
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("fetch: failed to read body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("fetch: response exceeds %d bytes", limit)
	}

	out := &fetchResponse{
		status:     resp.StatusCode,
		statusText: http.StatusText(resp.StatusCode),
		url:        resp.Request.URL.String(),
		headers:    make(map[string]string, len(resp.Header)),
		body:       string(data),
	}
	for k, v := range resp.Header {
		out.headers[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out, nil
}

func (s *Sandbox) responseObject(resp *fetchResponse) goja.Value {
	rt := s.rt
	headers := rt.NewObject()
	for k, v := range resp.headers {
		_ = headers.Set(k, v)
	}
	obj := rt.NewObject()
	_ = obj.Set("status", resp.status)
	_ = obj.Set("statusText", resp.statusText)
	_ = obj.Set("ok", resp.status >= 200 && resp.status < 300)
	_ = obj.Set("url", resp.url)
	_ = obj.Set("headers", headers)
	_ = obj.Set("body", resp.body)
	return obj
}
