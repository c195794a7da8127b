package build

// Stage is a PipelineRun state.
type Stage string

const (
	StageCompiling  Stage = "compiling"
	StageRelocating Stage = "relocating"
	StageLinking    Stage = "linking"
	StageSucceeded  Stage = "succeeded"
	StageFailed     Stage = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s Stage) Terminal() bool {
	return s == StageSucceeded || s == StageFailed
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageCompiling, StageRelocating, StageLinking, StageSucceeded, StageFailed:
		return true
	default:
		return false
	}
}

// next returns the stage that follows s on success.
func (s Stage) next() Stage {
	switch s {
	case StageCompiling:
		return StageRelocating
	case StageRelocating:
		return StageLinking
	case StageLinking:
		return StageSucceeded
	default:
		return s
	}
}

// Outcome summarizes a run for callers that only care about the result.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)
