package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedEvent is returned for payloads that do not decode into a valid
// GovernorEvent. Malformed events are dropped, never retried.
var ErrMalformedEvent = errors.New("malformed event")

// Marshal encodes e as a flat JSON object with a "type" discriminator.
func Marshal(e GovernorEvent) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil event", ErrMalformedEvent)
	}
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.Kind(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.Kind(), err)
	}
	kind, _ := json.Marshal(e.Kind())
	fields["type"] = kind
	return json.Marshal(fields)
}

// Unmarshal decodes the output of Marshal and validates the fields each kind
// needs.
func Unmarshal(data []byte) (GovernorEvent, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	var (
		ev  GovernorEvent
		err error
	)
	switch head.Type {
	case KindStatusChanged:
		var e StatusChanged
		err = json.Unmarshal(data, &e)
		if err == nil && e.NewStatus == "" {
			err = errors.New("newStatus is required")
		}
		ev = e
	case KindCommentAdded:
		var e CommentAdded
		err = json.Unmarshal(data, &e)
		if err == nil && e.CommentID == "" {
			err = errors.New("commentId is required")
		}
		ev = e
	case KindSessionCompleted:
		var e SessionCompleted
		err = json.Unmarshal(data, &e)
		if err == nil && e.SessionID == "" {
			err = errors.New("sessionId is required")
		}
		ev = e
	case KindPollSnapshot:
		var e PollSnapshot
		err = json.Unmarshal(data, &e)
		if err == nil && e.IssueID == "" {
			e.IssueID = e.Issue.ID
		}
		if err == nil && e.Issue.ID == "" {
			err = errors.New("issue.id is required")
		}
		ev = e
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, head.Type, err)
	}
	if ev.Meta().IssueID == "" {
		return nil, fmt.Errorf("%w: %s: issueId is required", ErrMalformedEvent, head.Type)
	}
	return ev, nil
}
