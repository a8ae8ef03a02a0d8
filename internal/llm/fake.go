package llm

import (
	"context"
	"sync"
)

// Fake is a scripted completion for tests. Script, when set, decides each
// response; otherwise every call echoes a canned line mentioning the prompt
// length so assertions stay stable.
type Fake struct {
	mu     sync.Mutex
	calls  []Request
	Script func(Request) (string, error)
}

// NewFake returns an empty scripted completion.
func NewFake() *Fake {
	return &Fake{}
}

// Name returns a fixed test provider identifier.
func (f *Fake) Name() ProviderName {
	return ProviderName("fake")
}

// Complete records the call and returns the scripted response.
func (f *Fake) Complete(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, &ProviderError{Provider: f.Name(), Message: "context done", Err: err}
	}
	f.mu.Lock()
	f.calls = append(f.calls, req)
	script := f.Script
	f.mu.Unlock()

	if script != nil {
		text, err := script(req)
		if err != nil {
			return Response{}, err
		}
		return Response{Text: text, Model: "fake"}, nil
	}
	return Response{Text: "fake completion", Model: "fake"}, nil
}

// Calls returns a copy of the recorded requests.
func (f *Fake) Calls() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.calls))
	copy(out, f.calls)
	return out
}

var _ Completion = (*Fake)(nil)
