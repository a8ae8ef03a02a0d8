package evidence

import "context"

// Fake is a scripted extractor for tests.
type Fake struct {
	// Script produces the result for one call. When nil, Extract returns
	// a single-file bundle.
	Script func(bundle string, limits Limits) (Evidence, Meta, error)

	calls []string
}

var _ Extractor = (*Fake)(nil)

// NewFake returns a scripted extractor.
func NewFake(script func(bundle string, limits Limits) (Evidence, Meta, error)) *Fake {
	return &Fake{Script: script}
}

// Extract records the call and runs the script.
func (f *Fake) Extract(ctx context.Context, bundle string, limits Limits) (Evidence, Meta, error) {
	if err := ctx.Err(); err != nil {
		return Evidence{}, Meta{}, err
	}
	f.calls = append(f.calls, bundle)
	if f.Script != nil {
		return f.Script(bundle, limits)
	}
	ev := Evidence{
		Structure: "PROJECT STRUCTURE ANALYSIS\n\nTotal files: 1",
		Files:     map[string]string{"main.tf": "resource {}"},
		Combined:  "=== main.tf ===\nresource {}",
	}
	return ev, Meta{TotalFiles: 1, FullFiles: 1}, nil
}

// Calls reports the bundles extracted so far.
func (f *Fake) Calls() []string {
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}
