package escalation

import (
	"fmt"
	"strings"
	"time"
)

type TouchpointType string

const (
	TouchpointReviewRequest         TouchpointType = "review-request"
	TouchpointDecompositionProposal TouchpointType = "decomposition-proposal"
	TouchpointEscalationAlert       TouchpointType = "escalation-alert"
)

// NoTimeout marks a touchpoint that never auto-proceeds.
const NoTimeout time.Duration = -1

// Resolutions recorded when a touchpoint stops waiting.
const (
	ResolutionDirective     = "directive"
	ResolutionResumed       = "resumed"
	ResolutionAutoProceeded = "auto-proceeded"
)

// Touchpoint is a notification asking a human for input on one issue.
type Touchpoint struct {
	ID          string         `json:"id"`
	Type        TouchpointType `json:"type"`
	IssueID     string         `json:"issueId"`
	Body        string         `json:"body"`
	Cycle       int            `json:"cycle"`
	PostedAt    time.Time      `json:"postedAt"`
	Timeout     time.Duration  `json:"-"`
	RespondedAt *time.Time     `json:"respondedAt,omitempty"`
	Resolution  string         `json:"resolution,omitempty"`
}

// TimeoutMs is the timeout in milliseconds, or -1 when it never expires.
func (t Touchpoint) TimeoutMs() int64 {
	if t.Timeout < 0 {
		return -1
	}
	return t.Timeout.Milliseconds()
}

// Pending reports whether the touchpoint still waits for a response.
func (t Touchpoint) Pending() bool {
	return t.RespondedAt == nil
}

// TimedOut is false for answered touchpoints and for ones without a timeout,
// however much time has passed.
func (t Touchpoint) TimedOut(now time.Time) bool {
	if t.RespondedAt != nil || t.Timeout < 0 {
		return false
	}
	return !now.Before(t.PostedAt.Add(t.Timeout))
}

// Awaiting reports whether the issue should wait on this touchpoint at now.
func (t Touchpoint) Awaiting(now time.Time) bool {
	return t.Pending() && !t.TimedOut(now)
}

// RenderBody produces the comment text posted for a touchpoint.
func RenderBody(t TouchpointType, issueIdentifier string, cycle int, timeout time.Duration) string {
	var b strings.Builder
	switch t {
	case TouchpointReviewRequest:
		fmt.Fprintf(&b, "%s failed QA (cycle %d). The next attempt will run with enriched context.\n", issueIdentifier, cycle)
	case TouchpointDecompositionProposal:
		fmt.Fprintf(&b, "%s failed QA %d times. Proposing to decompose it into smaller issues.\n", issueIdentifier, cycle)
	case TouchpointEscalationAlert:
		fmt.Fprintf(&b, "%s needs a human: automated attempts stopped after %d failed cycles.\n", issueIdentifier, cycle)
	}
	if timeout < 0 {
		b.WriteString("No automatic action will be taken. Reply RESUME to restart the workflow.\n")
	} else {
		fmt.Fprintf(&b, "Without a reply within %s the governor proceeds automatically.\n", timeout)
	}
	fmt.Fprintf(&b, "Reply with one of: %s", DirectiveHelp)
	return b.String()
}
