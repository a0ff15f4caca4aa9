package pipeline

// Phase is where an image is in its escalation lifecycle.
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseAttempting Phase = "attempting"
	PhaseReviewed   Phase = "reviewed"
	PhaseSkipped    Phase = "skipped"
	PhaseNoFaces    Phase = "no_faces"
	PhaseAllIgnored Phase = "all_ignored"
)

// Outcome is the review result of one attempt.
type Outcome string

const (
	OutcomeOK         Outcome = "ok"
	OutcomeRetry      Outcome = "retry"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeNoFaces    Outcome = "no_faces"
	OutcomeAllIgnored Outcome = "all_ignored"
)

// State tracks one image through escalation.
type State struct {
	Attempt int
	Phase   Phase
}

// Terminal reports whether no further attempts will run for this image.
func (s State) Terminal() bool {
	switch s.Phase {
	case PhaseReviewed, PhaseSkipped, PhaseNoFaces, PhaseAllIgnored:
		return true
	}
	return false
}

// Next advances the state machine after an attempt was reviewed. It is a
// pure function: feeding the same state and outcome always yields the same
// next state, so a resumed run replays to exactly where it left off.
// A retry past the last attempt terminates as skipped; every path through
// here reaches a terminal phase in at most maxAttempts steps.
func Next(s State, outcome Outcome, maxAttempts int) State {
	if s.Terminal() {
		return s
	}

	switch outcome {
	case OutcomeOK:
		s.Phase = PhaseReviewed
	case OutcomeSkipped:
		s.Phase = PhaseSkipped
	case OutcomeAllIgnored:
		s.Phase = PhaseAllIgnored
	case OutcomeNoFaces:
		s.Phase = PhaseNoFaces
	case OutcomeRetry:
		if s.Attempt+1 >= maxAttempts {
			s.Phase = PhaseSkipped
			return s
		}
		s.Attempt++
		s.Phase = PhaseAttempting
	}
	return s
}
