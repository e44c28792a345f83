package process

import (
	"context"
	"fmt"
	"sync"
)

// Fake is a scripted Runner for tests. Handlers are matched by command name;
// unmatched commands succeed with empty output.
type Fake struct {
	mu       sync.Mutex
	handlers map[string]func(Command) (*Result, error)
	missing  map[string]bool
	calls    []Command
}

func NewFake() *Fake {
	return &Fake{
		handlers: make(map[string]func(Command) (*Result, error)),
		missing:  make(map[string]bool),
	}
}

// On registers the behaviour for name.
func (f *Fake) On(name string, h func(Command) (*Result, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = h
}

// Fail makes name exit with code and stderr.
func (f *Fake) Fail(name string, code int, stderr string) {
	f.On(name, func(Command) (*Result, error) {
		return &Result{ExitCode: code, Stderr: []byte(stderr)}, &ExitError{Name: name, Code: code, Stderr: stderr}
	})
}

// Missing hides name from LookPath.
func (f *Fake) Missing(names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range names {
		f.missing[n] = true
	}
}

func (f *Fake) Run(ctx context.Context, c Command) (*Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	h := f.handlers[c.Name]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", c.Name, err)
	}
	if h == nil {
		return &Result{}, nil
	}
	return h(c)
}

func (f *Fake) LookPath(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[name] {
		return "", fmt.Errorf("exec: %q: executable file not found in $PATH", name)
	}
	return "/usr/bin/" + name, nil
}

// Calls returns the commands run so far.
func (f *Fake) Calls() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.calls...)
}

// Called reports whether name was run.
func (f *Fake) Called(name string) bool {
	for _, c := range f.Calls() {
		if c.Name == name {
			return true
		}
	}
	return false
}
