package orchestrator

import (
	"fmt"

	"github.com/tis24dev/snapkeep/internal/types"
)

// Phase is a state of a snapshot run.
type Phase string

const (
	PhaseStart         Phase = "START"
	PhaseSpaceCheck    Phase = "SPACE_CHECK"
	PhasePrep          Phase = "PREP"
	PhaseCopy          Phase = "COPY"
	PhaseManifestWrite Phase = "MANIFEST_WRITE"
	PhaseCompleteMark  Phase = "COMPLETE_MARK"
	PhaseAgePrune      Phase = "AGE_PRUNE"
	PhaseDone          Phase = "DONE"
	PhaseError         Phase = "ERROR"
)

// String returns the phase name.
func (p Phase) String() string {
	return string(p)
}

var transitions = map[Phase][]Phase{
	PhaseStart:         {PhaseSpaceCheck, PhaseError},
	PhaseSpaceCheck:    {PhasePrep, PhaseError},
	PhasePrep:          {PhaseCopy, PhaseError},
	PhaseCopy:          {PhaseManifestWrite, PhaseError},
	PhaseManifestWrite: {PhaseCompleteMark, PhaseError},
	PhaseCompleteMark:  {PhaseAgePrune, PhaseError},
	PhaseAgePrune:      {PhaseDone},
}

// CanTransition reports whether to may follow p.
func (p Phase) CanTransition(to Phase) bool {
	for _, next := range transitions[p] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no phase may follow p.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseError
}

// rollsBack reports whether a failure in p deletes the new snapshot.
func (p Phase) rollsBack() bool {
	switch p {
	case PhaseCopy, PhaseManifestWrite, PhaseCompleteMark:
		return true
	default:
		return false
	}
}

// RunError represents a run failure with the phase it happened in and the
// exit code the process should end with.
type RunError struct {
	Phase Phase          // phase that failed
	Err   error          // underlying error
	Code  types.ExitCode // specific exit code
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s phase failed: %v", e.Phase, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}
