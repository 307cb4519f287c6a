// Package sandbox executes untrusted code snippets in a subprocess under a
// hard wall-clock timeout. A timeout is a normal result, never a turn
// failure; the process is forcibly terminated on expiry.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// Result is the outcome of one execution.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Err      string `json:"error,omitempty"`
	TimedOut bool   `json:"timed_out"`
}

// denyPatterns blocks snippets reaching for the host before they run.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bimport\s+os\b`),
	regexp.MustCompile(`\bimport\s+sys\b`),
	regexp.MustCompile(`\bimport\s+socket\b`),
	regexp.MustCompile(`\bsubprocess\b`),
	regexp.MustCompile(`__import__`),
	regexp.MustCompile(`\bopen\s*\(`),
	regexp.MustCompile(`\beval\s*\(`),
	regexp.MustCompile(`\bexec\s*\(`),
}

// Executor runs snippets through a configured interpreter.
type Executor struct {
	interpreter   []string
	timeout       time.Duration
	maxOutputSize int
	allowUnsafe   bool
}

// Option configures the executor.
type Option func(*Executor)

// WithInterpreter sets the interpreter argv; the code string is appended as
// the final argument.
func WithInterpreter(argv ...string) Option {
	return func(e *Executor) {
		e.interpreter = argv
	}
}

// WithTimeout sets the wall-clock budget.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.timeout = d
	}
}

// WithMaxOutputSize caps captured stdout/stderr bytes.
func WithMaxOutputSize(n int) Option {
	return func(e *Executor) {
		e.maxOutputSize = n
	}
}

// WithUnsafe disables the deny-pattern prefilter.
func WithUnsafe() Option {
	return func(e *Executor) {
		e.allowUnsafe = true
	}
}

// NewExecutor creates an executor with a python3 interpreter, a five second
// budget, and a 256KB output cap.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		interpreter:   []string{"python3", "-I", "-c"},
		timeout:       5 * time.Second,
		maxOutputSize: 256 * 1024,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one snippet. The context bounds the whole call in addition
// to the executor's own timeout; whichever expires first wins.
func (e *Executor) Run(ctx context.Context, code string) Result {
	if !e.allowUnsafe {
		for _, pattern := range denyPatterns {
			if pattern.MatchString(code) {
				return Result{
					Stderr: "Execution blocked by safety policy",
					Err:    "unsafe_code",
				}
			}
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	argv := append(append([]string(nil), e.interpreter...), code)
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{
		Stdout: capOutput(stdout.String(), e.maxOutputSize),
		Stderr: capOutput(stderr.String(), e.maxOutputSize),
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.TimedOut = true
		result.Err = "timeout"
	case err != nil:
		result.Err = err.Error()
	}
	return result
}

func capOutput(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... [output truncated]"
}

// Format renders a result as the text block inserted into tool context.
func Format(r Result) string {
	var b strings.Builder
	if r.Stdout != "" {
		b.WriteString(r.Stdout)
	}
	if r.Stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(r.Stderr)
	}
	if r.TimedOut {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("[execution timed out]")
	} else if r.Err != "" && r.Stderr == "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("error: " + r.Err)
	}
	if b.Len() == 0 {
		return "(no output)"
	}
	return b.String()
}
