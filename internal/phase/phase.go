// Package phase holds the static, ordered catalogue of pipeline phases and the
// pure construction of each phase's invocation context.
package phase

import (
	"fmt"

	"github.com/fyrsmithlabs/epicflow/internal/artifact"
	"github.com/fyrsmithlabs/epicflow/internal/marker"
)

// Name identifies a phase.
type Name string

const (
	Specify       Name = "specify"
	Clarify       Name = "clarify"
	ClarifyVerify Name = "clarify-verify"
	Plan          Name = "plan"
	Tasks         Name = "tasks"
	Analyze       Name = "analyze"
	AnalyzeVerify Name = "analyze-verify"
	Implement     Name = "implement"
	Review        Name = "review"
	Crystallize   Name = "crystallize"
)

// Class is a phase's retry class.
type Class string

const (
	// SingleShot phases advance after one successful invocation.
	SingleShot Class = "single-shot"
	// BoundedLoop phases re-invoke until the done marker appears or the
	// round budget is spent.
	BoundedLoop Class = "bounded-loop"
	// Verify phases run once and may force a loop-back to their loop phase.
	Verify Class = "verify"
)

// Marker names written by the pipeline.
const (
	SpecifyComplete     marker.Name = "SPECIFY_COMPLETE"
	ClarifyComplete     marker.Name = "CLARIFY_COMPLETE"
	ClarifyVerified     marker.Name = "CLARIFY_VERIFIED"
	PlanComplete        marker.Name = "PLAN_COMPLETE"
	TasksComplete       marker.Name = "TASKS_COMPLETE"
	AnalyzeComplete     marker.Name = "ANALYZE_COMPLETE"
	AnalyzeVerified     marker.Name = "ANALYZE_VERIFIED"
	ImplementComplete   marker.Name = "IMPLEMENT_COMPLETE"
	ReviewComplete      marker.Name = "REVIEW_COMPLETE"
	CrystallizeComplete marker.Name = "CRYSTALLIZE_COMPLETE"
	VerifyFindings      marker.Name = "VERIFY_FINDINGS"
)

// DefaultMaxRounds bounds the clarify and analyze loop groups.
const DefaultMaxRounds = 5

// Definition declares one pipeline phase.
type Definition struct {
	Name  Name
	Skill string
	Class Class

	// Group ties a bounded-loop phase to its verify phase. Rounds are
	// counted per group.
	Group     string
	MaxRounds int

	// Artifact holds the phase's status marker.
	Artifact       artifact.Name
	DoneMarker     marker.Name
	FindingsMarker marker.Name

	// LoopBack is the phase a verify phase re-enters on findings.
	LoopBack Name

	// Inputs are passed to the agent as paths; Produces must exist after
	// a successful invocation.
	Inputs   []artifact.Name
	Produces []artifact.Name

	// Project adds base branch and test/lint commands to the context.
	Project bool
}

// IsLoop reports whether the phase consumes group rounds.
func (d Definition) IsLoop() bool {
	return d.Class == BoundedLoop
}

// Validate checks a single definition for internal consistency.
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("phase name cannot be empty")
	}
	if d.Skill == "" {
		return fmt.Errorf("phase %s: skill cannot be empty", d.Name)
	}
	if d.Artifact == "" {
		return fmt.Errorf("phase %s: status artifact cannot be empty", d.Name)
	}
	if err := d.DoneMarker.Validate(); err != nil {
		return fmt.Errorf("phase %s: %w", d.Name, err)
	}
	switch d.Class {
	case SingleShot:
	case BoundedLoop:
		if d.MaxRounds <= 0 {
			return fmt.Errorf("phase %s: bounded loop needs max rounds > 0", d.Name)
		}
		if d.Group == "" {
			return fmt.Errorf("phase %s: bounded loop needs a group", d.Name)
		}
	case Verify:
		if d.LoopBack == "" {
			return fmt.Errorf("phase %s: verify phase needs a loop-back phase", d.Name)
		}
		if err := d.FindingsMarker.Validate(); err != nil {
			return fmt.Errorf("phase %s: findings %w", d.Name, err)
		}
	default:
		return fmt.Errorf("phase %s: unknown retry class %q", d.Name, d.Class)
	}
	return nil
}

// Default returns the standard ten-phase pipeline. maxRounds <= 0 selects
// DefaultMaxRounds.
func Default(maxRounds int) *Pipeline {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	p, err := New(
		Definition{
			Name:       Specify,
			Skill:      "speckit.specify",
			Class:      SingleShot,
			Artifact:   artifact.Spec,
			DoneMarker: SpecifyComplete,
			Produces:   []artifact.Name{artifact.Spec},
		},
		Definition{
			Name:           Clarify,
			Skill:          "speckit.clarify",
			Class:          BoundedLoop,
			Group:          "clarify",
			MaxRounds:      maxRounds,
			Artifact:       artifact.Spec,
			DoneMarker:     ClarifyComplete,
			FindingsMarker: VerifyFindings,
			Inputs:         []artifact.Name{artifact.Spec},
			Produces:       []artifact.Name{artifact.Spec},
		},
		Definition{
			Name:           ClarifyVerify,
			Skill:          "speckit.clarify-verify",
			Class:          Verify,
			Group:          "clarify",
			Artifact:       artifact.Spec,
			DoneMarker:     ClarifyVerified,
			FindingsMarker: VerifyFindings,
			LoopBack:       Clarify,
			Inputs:         []artifact.Name{artifact.Spec},
			Produces:       []artifact.Name{artifact.Spec},
		},
		Definition{
			Name:       Plan,
			Skill:      "speckit.plan",
			Class:      SingleShot,
			Artifact:   artifact.Plan,
			DoneMarker: PlanComplete,
			Inputs:     []artifact.Name{artifact.Spec},
			Produces:   []artifact.Name{artifact.Plan},
		},
		Definition{
			Name:       Tasks,
			Skill:      "speckit.tasks",
			Class:      SingleShot,
			Artifact:   artifact.Tasks,
			DoneMarker: TasksComplete,
			Inputs:     []artifact.Name{artifact.Spec, artifact.Plan},
			Produces:   []artifact.Name{artifact.Tasks},
		},
		Definition{
			Name:           Analyze,
			Skill:          "speckit.analyze",
			Class:          BoundedLoop,
			Group:          "analyze",
			MaxRounds:      maxRounds,
			Artifact:       artifact.Tasks,
			DoneMarker:     AnalyzeComplete,
			FindingsMarker: VerifyFindings,
			Inputs:         []artifact.Name{artifact.Spec, artifact.Plan, artifact.Tasks},
			Produces:       []artifact.Name{artifact.Tasks},
		},
		Definition{
			Name:           AnalyzeVerify,
			Skill:          "speckit.analyze-verify",
			Class:          Verify,
			Group:          "analyze",
			Artifact:       artifact.Tasks,
			DoneMarker:     AnalyzeVerified,
			FindingsMarker: VerifyFindings,
			LoopBack:       Analyze,
			Inputs:         []artifact.Name{artifact.Spec, artifact.Plan, artifact.Tasks},
			Produces:       []artifact.Name{artifact.Tasks},
		},
		Definition{
			Name:       Implement,
			Skill:      "speckit.implement",
			Class:      SingleShot,
			Artifact:   artifact.Tasks,
			DoneMarker: ImplementComplete,
			Inputs:     []artifact.Name{artifact.Spec, artifact.Plan, artifact.Tasks},
			Produces:   []artifact.Name{artifact.Tasks},
			Project:    true,
		},
		Definition{
			Name:       Review,
			Skill:      "speckit.review",
			Class:      SingleShot,
			Artifact:   artifact.Review,
			DoneMarker: ReviewComplete,
			Inputs:     []artifact.Name{artifact.Spec, artifact.Plan, artifact.Tasks},
			Produces:   []artifact.Name{artifact.Review},
			Project:    true,
		},
		Definition{
			Name:       Crystallize,
			Skill:      "speckit.crystallize",
			Class:      SingleShot,
			Artifact:   artifact.Context,
			DoneMarker: CrystallizeComplete,
			Inputs:     []artifact.Name{artifact.Spec, artifact.Plan, artifact.Review},
			Produces:   []artifact.Name{artifact.Context},
		},
	)
	if err != nil {
		panic(fmt.Sprintf("phase: default pipeline invalid: %v", err))
	}
	return p
}
