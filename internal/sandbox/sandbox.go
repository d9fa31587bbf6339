// Package sandbox runs tenant-supplied transform functions against response
// bodies. Each run gets a fresh JavaScript runtime with no host bindings, a
// wall-clock deadline and a heap ceiling.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/api200/gateway/internal/apierr"
	"github.com/dop251/goja"
)

var (
	ErrTimeout        = errors.New("transform timed out")
	ErrMemoryLimit    = errors.New("transform exceeded memory limit")
	ErrNotFunction    = errors.New("transform source does not evaluate to a function")
	ErrPendingPromise = errors.New("transform returned a promise that never settled")
)

// allowedGlobals is everything a transform can see. The rest of the
// runtime's global object is removed before user code runs.
var allowedGlobals = map[string]bool{
	"Object": true, "Array": true, "Map": true, "Set": true, "WeakMap": true, "WeakSet": true,
	"JSON": true, "Math": true, "Date": true, "String": true, "Number": true, "Boolean": true,
	"RegExp": true, "Symbol": true, "Promise": true,
	"Error": true, "TypeError": true, "RangeError": true, "SyntaxError": true, "ReferenceError": true,
	"parseInt": true, "parseFloat": true, "isNaN": true, "isFinite": true,
	"encodeURIComponent": true, "decodeURIComponent": true, "encodeURI": true, "decodeURI": true,
	"NaN": true, "Infinity": true, "undefined": true, "globalThis": true,
}

type Config struct {
	Timeout       time.Duration
	MemoryLimitMB int
	CheckEvery    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:       1000 * time.Millisecond,
		MemoryLimitMB: 100,
		CheckEvery:    100 * time.Millisecond,
	}
}

// HeapReader reports the current heap size in bytes.
type HeapReader func() uint64

func processHeap() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

type Sandbox struct {
	cfg  Config
	heap HeapReader
}

func New(cfg Config) *Sandbox {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MemoryLimitMB <= 0 {
		cfg.MemoryLimitMB = def.MemoryLimitMB
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = def.CheckEvery
	}
	return &Sandbox{cfg: cfg, heap: processHeap}
}

// WithHeapReader replaces the heap probe; for tests.
func (s *Sandbox) WithHeapReader(h HeapReader) *Sandbox {
	s.heap = h
	return s
}

// Run applies source to data and returns the transformed value as plain Go
// data (maps, slices, strings, float64, bool, nil). Every failure is an
// apierr.KindSandbox error.
func (s *Sandbox) Run(ctx context.Context, source string, data any) (any, error) {
	input, err := json.Marshal(data)
	if err != nil {
		return nil, apierr.Sandbox(fmt.Errorf("encode input: %w", err))
	}
	out, err := s.run(ctx, source, string(input))
	if err != nil {
		return nil, err
	}
	var result any
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, apierr.Sandbox(fmt.Errorf("decode output: %w", err))
	}
	return result, nil
}

// RunJSON transforms a raw response body. A body that is not JSON reaches
// the transform as a string. The result is always JSON.
func (s *Sandbox) RunJSON(ctx context.Context, source string, body []byte) ([]byte, error) {
	if json.Valid(body) {
		return s.run(ctx, source, string(body))
	}
	quoted, err := json.Marshal(string(body))
	if err != nil {
		return nil, apierr.Sandbox(err)
	}
	return s.run(ctx, source, string(quoted))
}

type outcome struct {
	out []byte
	err error
}

func (s *Sandbox) run(ctx context.Context, source, inputJSON string) ([]byte, error) {
	vm := goja.New()
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("transform panicked: %v", r)}
			}
		}()
		out, err := execute(vm, source, inputJSON)
		done <- outcome{out: out, err: err}
	}()

	deadline := time.NewTimer(s.cfg.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.CheckEvery)
	defer ticker.Stop()

	limit := uint64(s.cfg.MemoryLimitMB) * 1024 * 1024

	// First to settle wins. An interrupted runtime finishes on its own; done
	// is buffered so it never blocks.
	for {
		select {
		case res := <-done:
			if res.err != nil {
				return nil, apierr.Sandbox(res.err)
			}
			return res.out, nil

		case <-deadline.C:
			cause := fmt.Errorf("%w after %s", ErrTimeout, s.cfg.Timeout)
			vm.Interrupt(cause)
			return nil, apierr.Sandbox(cause)

		case <-ticker.C:
			if s.heap() > limit {
				cause := fmt.Errorf("%w (%d MB)", ErrMemoryLimit, s.cfg.MemoryLimitMB)
				vm.Interrupt(cause)
				return nil, apierr.Sandbox(cause)
			}

		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
			return nil, apierr.Sandbox(ctx.Err())
		}
	}
}

func execute(vm *goja.Runtime, source, inputJSON string) ([]byte, error) {
	restrictGlobals(vm)

	fn, err := resolveFunction(vm, source)
	if err != nil {
		return nil, err
	}

	jsonObj := vm.Get("JSON").ToObject(vm)
	parse, _ := goja.AssertFunction(jsonObj.Get("parse"))
	stringify, _ := goja.AssertFunction(jsonObj.Get("stringify"))

	input, err := parse(goja.Undefined(), vm.ToValue(inputJSON))
	if err != nil {
		return nil, err
	}

	result, err := fn(goja.Undefined(), input)
	if err != nil {
		return nil, err
	}

	if p, ok := result.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			result = p.Result()
		case goja.PromiseStateRejected:
			return nil, fmt.Errorf("transform rejected: %s", p.Result().String())
		default:
			return nil, ErrPendingPromise
		}
	}

	if result == nil || goja.IsUndefined(result) {
		return []byte("null"), nil
	}

	encoded, err := stringify(goja.Undefined(), result)
	if err != nil {
		return nil, err
	}
	if goja.IsUndefined(encoded) {
		return []byte("null"), nil
	}
	return []byte(encoded.String()), nil
}

// resolveFunction evaluates source as an expression; failing that it runs
// source as a script and looks for a global named transform.
func resolveFunction(vm *goja.Runtime, source string) (goja.Callable, error) {
	if v, err := vm.RunString("(" + source + "\n)"); err == nil {
		if fn, ok := goja.AssertFunction(v); ok {
			return fn, nil
		}
	} else if isInterrupt(err) {
		return nil, err
	}

	if _, err := vm.RunString(source); err != nil {
		return nil, err
	}
	if fn, ok := goja.AssertFunction(vm.Get("transform")); ok {
		return fn, nil
	}
	return nil, ErrNotFunction
}

func restrictGlobals(vm *goja.Runtime) {
	global := vm.GlobalObject()
	for _, name := range global.GetOwnPropertyNames() {
		if !allowedGlobals[name] {
			_ = global.Delete(name)
		}
	}
}

func isInterrupt(err error) bool {
	var interrupted *goja.InterruptedError
	return errors.As(err, &interrupted)
}
