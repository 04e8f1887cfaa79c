package restrictions

import (
	"context"

	"github.com/drblury/sessionflow/internal/runtime/metadata"
	"github.com/drblury/sessionflow/internal/runtime/outcome"
	"github.com/drblury/sessionflow/internal/runtime/pipeline"
)

// KeySkipPersonProcessing is set on the decoded headers of records flagged to
// skip person processing. Downstream consumers read it from the recording.
const KeySkipPersonProcessing = "skip_person_processing"

// Evaluator is satisfied by Manager and RuleSet.
type Evaluator interface {
	Evaluate(md metadata.Metadata) Decision
}

// Step maps decisions to outcomes. Forced overflow redirects to overflowTopic
// with the original key; when overflowTopic is empty (the overflow lane
// itself) the record passes through.
func Step(eval Evaluator, overflowTopic string) pipeline.Step[pipeline.Message, pipeline.Message] {
	return func(_ context.Context, msg pipeline.Message) (outcome.Outcome[pipeline.Message], error) {
		d := eval.Evaluate(msg.Headers)
		switch d.Action {
		case Drop:
			return outcome.Drop[pipeline.Message](outcome.ReasonRestrictedDrop), nil
		case ForceOverflow:
			if overflowTopic == "" {
				return outcome.Accept(msg), nil
			}
			return outcome.Redirect[pipeline.Message](overflowTopic, outcome.ReasonForceOverflow, true, true), nil
		case SkipPersonProcessing:
			msg.Headers = msg.Headers.With(KeySkipPersonProcessing, "true")
			return outcome.Accept(msg), nil
		default:
			return outcome.Accept(msg), nil
		}
	}
}
