package runtime

import (
	"github.com/drblury/sessionflow/internal/runtime/batch"
	"github.com/drblury/sessionflow/internal/runtime/overflow"
	"github.com/drblury/sessionflow/internal/runtime/parser"
	"github.com/drblury/sessionflow/internal/runtime/pipeline"
	"github.com/drblury/sessionflow/internal/runtime/restrictions"
	"github.com/drblury/sessionflow/internal/runtime/teams"
	"github.com/drblury/sessionflow/internal/runtime/versioncheck"
	"github.com/drblury/sessionflow/transport"
)

// Stage names reported to the pipeline observer.
const (
	StageRestrictions = "restrictions"
	StageTeams        = "teams"
	StageParse        = "parse"
	StageVersionCheck = "version_check"
	StageOverflow     = "overflow"
)

// SessionStages holds the collaborators of the session pipeline.
type SessionStages struct {
	Restrictions restrictions.Evaluator
	Teams        *teams.Resolver
	Checker      *versioncheck.Checker
	Overflow     *overflow.Limiter
	Observer     pipeline.Observer

	Producer transport.Producer
	DLQTopic string
	// OverflowTopic is the redirect target for forced overflow. It is empty
	// on the overflow lane.
	OverflowTopic string
}

// BuildSessionStage composes restriction, team resolution, parsing, version
// and freshness checks and overflow admission into one stage, followed by the
// dead-letter and redirect produces. Team-scoped steps run per token group.
// Accepted records come out as batch items.
func BuildSessionStage(s SessionStages) pipeline.Stage[pipeline.Message, batch.Item] {
	restricted := pipeline.Observe(StageRestrictions,
		pipeline.FromStep(restrictions.Step(s.Restrictions, s.OverflowTopic)), s.Observer)

	scoped := pipeline.GroupBy(teams.TokenOf, func(string) pipeline.Stage[pipeline.Message, parser.Parsed] {
		resolved := pipeline.Observe(StageTeams, pipeline.FromStep(teams.Step(s.Teams)), s.Observer)
		parsed := pipeline.Observe(StageParse, pipeline.FromStep(parser.Step()), s.Observer)
		checked := pipeline.Observe(StageVersionCheck, pipeline.FromStep(s.Checker.Step()), s.Observer)
		return pipeline.Chain(pipeline.Chain(resolved, parsed), checked)
	})

	admitted := pipeline.Observe(StageOverflow, pipeline.FromBatchStep(s.Overflow.Step()), s.Observer)

	stage := pipeline.Chain(pipeline.Chain(restricted, scoped), admitted)
	stage = pipeline.Chain(stage, pipeline.HandleResults[parser.Parsed](s.Producer, s.DLQTopic))
	return pipeline.Chain(stage, pipeline.FilterMap(batch.ToItem))
}
