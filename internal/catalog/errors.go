package catalog

import (
	"fmt"
	"strings"
)

// PartialError reports that the remote side of a refresh was incomplete. Err
// is set when the remote listing failed outright; Entries lists remote keys
// that were skipped because their metadata could not be resolved.
type PartialError struct {
	Err     error
	Entries []string
}

func (e *PartialError) Error() string {
	switch {
	case e.Err != nil && len(e.Entries) > 0:
		return fmt.Sprintf("remote catalog unavailable: %v (skipped %s)", e.Err, strings.Join(e.Entries, ", "))
	case e.Err != nil:
		return fmt.Sprintf("remote catalog unavailable: %v", e.Err)
	default:
		return fmt.Sprintf("remote catalog incomplete: skipped %s", strings.Join(e.Entries, ", "))
	}
}

func (e *PartialError) Unwrap() error { return e.Err }
