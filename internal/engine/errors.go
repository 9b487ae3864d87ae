package engine

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// ErrNoCandidate means the matcher found nothing above the confidence floor
// and evolution was either attempted without success or disabled.
var ErrNoCandidate = errors.New("no workflow candidate above confidence floor")

// ErrEvolutionBusy means another evolution is in flight; registry mutations
// are globally serialized.
var ErrEvolutionBusy = errors.New("evolution already in progress")

// ErrEvolutionRejected means a human collaborator rolled back a provisional
// evolution after the fact.
var ErrEvolutionRejected = errors.New("evolution rejected")

// ErrTimeout means a collaborator call exceeded its budget. Retryable.
var ErrTimeout = errors.New("collaborator call timed out")

// ValidationError carries every failed rule explanation and schema violation
// for a candidate binding. The list is complete: validation never
// short-circuits, so a binding with N failing rules produces N entries.
type ValidationError struct {
	WorkflowKey  string
	Explanations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.WorkflowKey, strings.Join(e.Explanations, "; "))
}

// AsValidationError unwraps a ValidationError from an error chain.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
