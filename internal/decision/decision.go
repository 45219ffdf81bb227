// Package decision maps one issue snapshot plus its gathered context onto the
// action the governor should take. Decide performs no I/O: identical inputs
// always produce identical output, so it is safe to re-run on every scan and
// every event.
package decision

import (
	"fmt"

	"dispatchline/internal/config"
	"dispatchline/internal/domain"
)

// Workflow strategies produced by the escalation staircase.
const (
	StrategyNormal          = "normal"
	StrategyContextEnriched = "context-enriched"
	StrategyDecompose       = "decompose"
	StrategyEscalateHuman   = "escalate-human"
)

// Skip reasons that callers and tests match on.
const (
	ReasonHeld           = "held by human override"
	ReasonActiveSession  = "active session in progress"
	ReasonCooldown       = "cooldown after recent QA failure"
	ReasonNoTransition   = "no applicable transition for status"
	ReasonQASkipped      = "QA skipped by human override"
	ReasonResearchDone   = "research and backlog creation already completed"
	ReasonTerminalStatus = "issue is in a terminal status"
)

// Context is everything gathered about one issue before deciding.
type Context struct {
	HasActiveSession         bool
	IsHeld                   bool
	IsWithinCooldown         bool
	IsParentIssue            bool
	WorkflowStrategy         string
	ResearchCompleted        bool
	BacklogCreationCompleted bool
	SkipQA                   bool
}

// Decision is the verdict for one issue. Reason is always set when Action is
// none and is informational otherwise.
type Decision struct {
	Action   domain.Action   `json:"action"`
	WorkType domain.WorkType `json:"workType,omitempty"`
	Reason   string          `json:"reason"`
}

// Dispatches reports whether the decision produces work.
func (d Decision) Dispatches() bool {
	return d.Action != "" && d.Action != domain.ActionNone
}

func none(reason string) Decision {
	return Decision{Action: domain.ActionNone, Reason: reason}
}

func act(a domain.Action, reason string) Decision {
	return Decision{Action: a, WorkType: domain.WorkTypeFor(a), Reason: reason}
}

// Decide evaluates the rules in order; the first match wins.
func Decide(issue domain.Issue, cfg config.GovernorConfig, c Context) Decision {
	if c.IsHeld {
		return none(ReasonHeld)
	}
	if c.HasActiveSession {
		return none(ReasonActiveSession)
	}
	if c.IsWithinCooldown {
		return none(ReasonCooldown)
	}

	switch cfg.Statuses.Classify(issue.Status) {
	case config.StageIcebox:
		return decideIcebox(cfg, c)
	case config.StageBacklog:
		if !cfg.EnableAutoDevelopment {
			return none("auto development disabled")
		}
		d := act(domain.ActionTriggerDevelopment, "backlog issue ready for development")
		if c.IsParentIssue {
			d.WorkType = domain.WorkCoordination
			d.Reason = "parent issue: coordinate sub-issues"
		}
		return d
	case config.StageFinished:
		if !cfg.EnableAutoQA {
			return none("auto QA disabled")
		}
		if c.SkipQA {
			return none(ReasonQASkipped)
		}
		return act(domain.ActionTriggerQA, "finished issue awaiting QA")
	case config.StageDelivered:
		if !cfg.EnableAutoAcceptance {
			return none("auto acceptance disabled")
		}
		return act(domain.ActionTriggerAcceptance, "delivered issue awaiting acceptance")
	case config.StageRejected:
		return decideRejected(c.WorkflowStrategy)
	case config.StageTerminal:
		return none(ReasonTerminalStatus)
	}
	return none(fmt.Sprintf("%s %q", ReasonNoTransition, issue.Status))
}

func decideIcebox(cfg config.GovernorConfig, c Context) Decision {
	if !c.ResearchCompleted {
		if cfg.EnableAutoResearch {
			return act(domain.ActionTriggerResearch, "icebox issue needs research")
		}
		return none("auto research disabled")
	}
	if c.BacklogCreationCompleted {
		return none(ReasonResearchDone)
	}
	if cfg.EnableAutoBacklogCreation {
		return act(domain.ActionTriggerBacklogCreation, "research complete; backlog creation pending")
	}
	return none("auto backlog creation disabled")
}

func decideRejected(strategy string) Decision {
	switch strategy {
	case StrategyDecompose:
		return act(domain.ActionDecompose, "repeated QA failures: decompose")
	case StrategyEscalateHuman:
		return act(domain.ActionEscalateHuman, "QA failure cycle limit reached: escalate to a human")
	case StrategyContextEnriched:
		return act(domain.ActionTriggerRefinement, "QA failed: refine with enriched context")
	default:
		return act(domain.ActionTriggerRefinement, "QA failed: refine")
	}
}
