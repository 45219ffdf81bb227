// Package escalation tracks QA failure cycles, human override directives and
// the touchpoints that ask humans for input.
package escalation

import (
	"dispatchline/internal/decision"
	"dispatchline/internal/domain"
)

// StrategyForCycle maps a failure cycle count onto a workflow strategy. It
// depends on n alone.
func StrategyForCycle(n int) string {
	switch {
	case n <= 0:
		return decision.StrategyNormal
	case n <= 2:
		return decision.StrategyContextEnriched
	case n == 3:
		return decision.StrategyDecompose
	default:
		return decision.StrategyEscalateHuman
	}
}

// TouchpointForStrategy returns the touchpoint a failure posts when it moves
// an issue onto strategy. Escalation alerts are posted at dispatch time
// instead, so escalate-human has none here.
func TouchpointForStrategy(strategy string) (TouchpointType, bool) {
	switch strategy {
	case decision.StrategyContextEnriched:
		return TouchpointReviewRequest, true
	case decision.StrategyDecompose:
		return TouchpointDecompositionProposal, true
	}
	return "", false
}

// AutoProceedAction is what happens when a touchpoint of type t expires
// without a human reply.
func AutoProceedAction(t TouchpointType) domain.Action {
	switch t {
	case TouchpointReviewRequest:
		return domain.ActionTriggerRefinement
	case TouchpointDecompositionProposal:
		return domain.ActionDecompose
	}
	return domain.ActionNone
}
