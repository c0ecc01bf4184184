package core

import "time"

// StagePhase represents where a Stage is within its lifecycle.
type StagePhase string

const (
	// StagePhaseFailed represents the state wherein a stage has run and at
	// least one of its jobs failed.
	StagePhaseFailed StagePhase = "FAILED"
	// StagePhasePending represents the state wherein a stage is awaiting the
	// successful completion of the stages it needs.
	StagePhasePending StagePhase = "PENDING"
	// StagePhaseRunnable represents the state wherein all of a stage's needed
	// stages have succeeded and its jobs are eligible for dispatch.
	StagePhaseRunnable StagePhase = "RUNNABLE"
	// StagePhaseRunning represents the state wherein at least one of a
	// stage's jobs has been dispatched to an agent.
	StagePhaseRunning StagePhase = "RUNNING"
	// StagePhaseSkipped represents the state wherein a stage will never run
	// because a stage it needs failed or was skipped, or because the build
	// was cancelled.
	StagePhaseSkipped StagePhase = "SKIPPED"
	// StagePhaseSucceeded represents the state wherein all of a stage's jobs
	// have run to completion without error.
	StagePhaseSucceeded StagePhase = "SUCCEEDED"
)

// StagePhasesAll returns a slice of StagePhases containing ALL possible
// phases. Note that instead of utilizing a package-level slice, this function
// returns ad-hoc copies of the slice in order to preclude the possibility of
// this important collection being modified at runtime.
func StagePhasesAll() []StagePhase {
	return []StagePhase{
		StagePhaseFailed,
		StagePhasePending,
		StagePhaseRunnable,
		StagePhaseRunning,
		StagePhaseSkipped,
		StagePhaseSucceeded,
	}
}

// StagePhasesTerminal returns a slice of StagePhases containing ALL phases
// that are considered terminal. Note that instead of utilizing a
// package-level slice, this function returns ad-hoc copies of the slice in
// order to preclude the possibility of this important collection being
// modified at runtime.
func StagePhasesTerminal() []StagePhase {
	return []StagePhase{
		StagePhaseFailed,
		StagePhaseSkipped,
		StagePhaseSucceeded,
	}
}

// Stage is a Build's materialized copy of one StageSpec. It is owned by
// exactly one Build and carries the live phase of that Build's progress
// through the stage.
type Stage struct {
	// Name is the stage's name, copied from the spec.
	Name string `json:"name" bson:"name"`
	// Needs names the stages that must succeed before this stage may run.
	Needs []string `json:"needs,omitempty" bson:"needs,omitempty"`
	// Phase is where the stage is within its lifecycle.
	Phase StagePhase `json:"phase" bson:"phase"`
	// Jobs are the stage's materialized jobs, in declaration order.
	Jobs []Job `json:"jobs" bson:"jobs"`
}

func stagePhaseTerminal(phase StagePhase) bool {
	for _, terminal := range StagePhasesTerminal() {
		if phase == terminal {
			return true
		}
	}
	return false
}

// advanceBuild recomputes stage phases from job phases and the dependency
// graph, then settles the build's own phase. It is invoked inside every
// mutating build update so that invariants hold before the update is
// persisted:
//
//   - a stage fails as soon as any of its jobs fails, and its remaining
//     pending and assigned jobs are cancelled;
//   - a stage succeeds when all of its jobs have succeeded;
//   - a pending stage whose needs have all succeeded becomes runnable;
//   - a stage whose needs can no longer all succeed is skipped, along with
//     all of its jobs, and skips cascade;
//   - a build whose stages are all terminal becomes FAILED if any stage
//     failed and SUCCEEDED otherwise.
//
// advanceBuild never moves a build out of PENDING; that transition belongs
// to the scheduler's first dispatch or an explicit start. The returned slice
// contains the ID of every agent whose load slot was freed by a cancellation
// applied here, once per freed slot.
func advanceBuild(build *Build, now time.Time) []string {
	var released []string

	stagesByName := make(map[string]*Stage, len(build.Stages))
	for i := range build.Stages {
		stagesByName[build.Stages[i].Name] = &build.Stages[i]
	}

	// Needs may be declared in any order, so a single pass isn't enough:
	// iterate until no stage changes phase.
	for changed := true; changed; {
		changed = false
		for i := range build.Stages {
			stage := &build.Stages[i]
			if stagePhaseTerminal(stage.Phase) {
				continue
			}

			if stage.Phase == StagePhasePending ||
				stage.Phase == StagePhaseRunnable {
				doomed := false
				satisfied := true
				for _, need := range stage.Needs {
					needed, ok := stagesByName[need]
					if !ok {
						continue
					}
					switch needed.Phase {
					case StagePhaseFailed, StagePhaseSkipped:
						doomed = true
					case StagePhaseSucceeded:
					default:
						satisfied = false
					}
				}
				if doomed {
					stage.Phase = StagePhaseSkipped
					for j := range stage.Jobs {
						if stage.Jobs[j].Phase == JobPhasePending {
							stage.Jobs[j].Phase = JobPhaseSkipped
						}
					}
					changed = true
					continue
				}
				if stage.Phase == StagePhasePending && satisfied {
					stage.Phase = StagePhaseRunnable
					changed = true
				}
			}

			if stage.Phase == StagePhaseRunnable ||
				stage.Phase == StagePhaseRunning {
				anyFailed := false
				anyActive := false
				allSucceeded := len(stage.Jobs) > 0
				for j := range stage.Jobs {
					switch stage.Jobs[j].Phase {
					case JobPhaseFailed:
						anyFailed = true
					case JobPhaseAssigned, JobPhaseRunning:
						anyActive = true
					}
					if stage.Jobs[j].Phase != JobPhaseSucceeded {
						allSucceeded = false
					}
				}
				if anyFailed {
					stage.Phase = StagePhaseFailed
					for j := range stage.Jobs {
						job := &stage.Jobs[j]
						switch job.Phase {
						case JobPhasePending:
							job.Phase = JobPhaseCancelled
						case JobPhaseAssigned:
							job.Phase = JobPhaseCancelled
							released = append(released, job.AgentID)
						}
					}
					changed = true
					continue
				}
				if allSucceeded {
					stage.Phase = StagePhaseSucceeded
					changed = true
					continue
				}
				if stage.Phase == StagePhaseRunnable && anyActive {
					stage.Phase = StagePhaseRunning
					changed = true
				}
			}
		}
	}

	if build.Phase == BuildPhasePending || build.Phase == BuildPhaseRunning {
		anyFailed := false
		allTerminal := true
		for i := range build.Stages {
			switch build.Stages[i].Phase {
			case StagePhaseFailed:
				anyFailed = true
			case StagePhaseSkipped, StagePhaseSucceeded:
			default:
				allTerminal = false
			}
		}
		if allTerminal {
			if anyFailed {
				build.Phase = BuildPhaseFailed
			} else {
				build.Phase = BuildPhaseSucceeded
			}
			build.Ended = &now
		}
	}

	return released
}
