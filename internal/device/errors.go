package device

import "fmt"

// ResolutionKind classifies why a device could not be resolved.
type ResolutionKind string

const (
	ResolutionTimeout   ResolutionKind = "timeout"
	ResolutionBootCrash ResolutionKind = "boot_crash"
	ResolutionCancelled ResolutionKind = "cancelled"
	ResolutionNoMatch   ResolutionKind = "no_match"
)

// ResolutionError is the terminal error of a failed or cancelled Future.
type ResolutionError struct {
	Kind   ResolutionKind
	Target string
	Reason string
}

func (e *ResolutionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("device %s: resolution %s", e.Target, e.Kind)
	}
	return fmt.Sprintf("device %s: resolution %s: %s", e.Target, e.Kind, e.Reason)
}
