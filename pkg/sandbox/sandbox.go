// Package sandbox executes untrusted artifact code under hard limits. Two
// engines are provided: a CEL evaluator for expression-style executables and
// contracts, and a WASI runner for compiled WASM modules. Neither engine has
// filesystem or network access; all world interaction happens through kernel
// actions.
package sandbox

import "fmt"

// Error kinds, stable across engines.
const (
	KindTimeout   = "sandbox_timeout"
	KindCrash     = "sandbox_crash"
	KindForbidden = "sandbox_forbidden"
)

// Error is a typed sandbox failure. Kind is one of the Kind* constants.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Languages an executable artifact may declare.
const (
	LangCEL  = "cel"
	LangWASM = "wasm"
)
