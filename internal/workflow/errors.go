package workflow

import "fmt"

// ConstructionError reports an invalid pipeline declaration. Construction
// failures are fatal: nothing dispatches when one is returned.
type ConstructionError struct {
	Pipeline string
	Detail   string
}

func (e *ConstructionError) Error() string {
	if e.Pipeline == "" {
		return fmt.Sprintf("workflow: %s", e.Detail)
	}
	return fmt.Sprintf("workflow %s: %s", e.Pipeline, e.Detail)
}

func constructionErrorf(pipeline, format string, args ...any) *ConstructionError {
	return &ConstructionError{Pipeline: pipeline, Detail: fmt.Sprintf(format, args...)}
}
