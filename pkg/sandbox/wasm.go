package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// WASMConfig caps one execution. Zero values mean unlimited, which the
// executor never passes.
type WASMConfig struct {
	MemoryLimitBytes int64
	Timeout          time.Duration
	OutputMaxBytes   int
}

// DefaultWASMConfig is used when configuration leaves sandbox limits unset.
var DefaultWASMConfig = WASMConfig{
	MemoryLimitBytes: 64 << 20, // 64 MiB
	Timeout:          5 * time.Second,
	OutputMaxBytes:   1 << 20, // 1 MiB
}

// WASMRunner executes WASI modules with no filesystem and no network. Input
// arrives on stdin as JSON; the result is whatever the module writes to
// stdout.
type WASMRunner struct {
	runtime wazero.Runtime
	config  WASMConfig
}

// NewWASMRunner builds a runner with a shared compilation runtime.
func NewWASMRunner(ctx context.Context, config WASMConfig) (*WASMRunner, error) {
	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if config.MemoryLimitBytes > 0 {
		pages := uint32(config.MemoryLimitBytes / 65536)
		if pages == 0 {
			pages = 1
		}
		rc = rc.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rc)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}
	return &WASMRunner{runtime: r, config: config}, nil
}

// Run compiles and executes a module under the configured limits.
func (w *WASMRunner) Run(ctx context.Context, wasmBytes, input []byte) ([]byte, error) {
	if w.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.config.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	moduleConfig := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithName("")

	compiled, err := w.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, &Error{Kind: KindForbidden, Message: fmt.Sprintf("compile: %v", err)}
	}
	defer func() { _ = compiled.Close(ctx) }()

	mod, err := w.runtime.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindTimeout,
				Message: fmt.Sprintf("execution exceeded %s", w.config.Timeout)}
		}
		if isMemoryError(err) {
			return nil, &Error{Kind: KindCrash,
				Message: fmt.Sprintf("memory limit %d bytes exceeded", w.config.MemoryLimitBytes)}
		}
		return nil, &Error{Kind: KindCrash, Message: err.Error()}
	}
	defer func() { _ = mod.Close(ctx) }()

	if max := w.config.OutputMaxBytes; max > 0 && stdout.Len()+stderr.Len() > max {
		return nil, &Error{Kind: KindCrash,
			Message: fmt.Sprintf("output %d bytes exceeds limit %d", stdout.Len()+stderr.Len(), max)}
	}
	return stdout.Bytes(), nil
}

// Close releases the shared runtime.
func (w *WASMRunner) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

func isMemoryError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "memory") &&
		(strings.Contains(msg, "limit") || strings.Contains(msg, "grow") || strings.Contains(msg, "exceeded"))
}
