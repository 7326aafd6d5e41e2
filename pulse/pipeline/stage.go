// Package pipeline runs a job's stages (analyze, generate, publish) against
// the external collaborators and records progress in the run store.
package pipeline

import (
	"context"
	"encoding/json"

	"github.com/contentops/autopilot/errors"
	"github.com/contentops/autopilot/pulse/schedule"
)

// StageName identifies a pipeline stage.
type StageName = string

const (
	StageAnalyze  StageName = "analyze"
	StageGenerate StageName = "generate"
	StagePublish  StageName = "publish"
)

// Input is what a stage sees of its run. Outputs holds the JSON output of
// every stage completed so far, keyed by stage name.
type Input struct {
	RunID    string
	JobID    string
	Platform schedule.Platform
	Params   schedule.Params
	Outputs  map[string]json.RawMessage
	Attempt  int
}

// Stage is one step of the pipeline. Run must report every failure through
// its Result rather than panicking; the executor recovers panics anyway.
type Stage interface {
	Name() StageName
	Run(ctx context.Context, in Input) Result
}

// Skipper is implemented by stages that do not always apply. When Skip
// returns true the stage is not invoked and result is recorded on the run.
type Skipper interface {
	Skip(in Input) (result string, skip bool)
}

// Outcome tags a stage Result.
type Outcome int

const (
	Success Outcome = iota
	Transient
	Terminal
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Transient:
		return "transient"
	case Terminal:
		return "terminal"
	}
	return "unknown"
}

// Result is the value the retry loop acts on. Output is stored with the run
// and Ref, when set, becomes the run's result.
type Result struct {
	Outcome Outcome
	Output  any
	Ref     string
	Err     error
}

// Succeeded builds a successful result.
func Succeeded(output any, ref string) Result {
	return Result{Outcome: Success, Output: output, Ref: ref}
}

// TransientFailure builds a retry-eligible failure.
func TransientFailure(err error) Result {
	return Result{Outcome: Transient, Err: err}
}

// TerminalFailure builds a failure that ends the run.
func TerminalFailure(err error) Result {
	return Result{Outcome: Terminal, Err: err}
}

// Classify maps a collaborator error onto a failure result using its kind.
func Classify(err error) Result {
	if errors.IsTransient(err) {
		return TransientFailure(err)
	}
	return TerminalFailure(err)
}

// DecodeOutput unmarshals the recorded output of stage into v.
func DecodeOutput(in Input, stage StageName, v any) error {
	raw, ok := in.Outputs[stage]
	if !ok {
		return errors.NewValidationError("no %s output recorded for run %s", stage, in.RunID)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.NewValidationError("malformed %s output: %v", stage, err)
	}
	return nil
}

// Order is the fixed stage order of every run.
var Order = []StageName{StageAnalyze, StageGenerate, StagePublish}
