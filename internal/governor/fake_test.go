package governor_test

import (
	"context"
	"errors"
	"sync"

	"dispatchline/internal/domain"
	"dispatchline/internal/escalation"
	"dispatchline/internal/governor"
)

// fakeCollab is an in-memory collaborator. A dispatched issue gains an
// active session, like the real adapter.
type fakeCollab struct {
	mu          sync.Mutex
	issues      map[string][]domain.Issue
	active      map[string]bool
	held        map[string]bool
	cooldown    map[string]bool
	parents     map[string]bool
	research    map[string]bool
	backlog     map[string]bool
	strategy    map[string]string
	priority    map[string]int
	listErr     map[string]error
	dispatchErr map[string]error
	dispatched  []governor.Dispatch

	// When gate is set, ListIssues signals entered and blocks on gate.
	gate    chan struct{}
	entered chan struct{}
}

func newFakeCollab() *fakeCollab {
	return &fakeCollab{
		issues:      map[string][]domain.Issue{},
		active:      map[string]bool{},
		held:        map[string]bool{},
		cooldown:    map[string]bool{},
		parents:     map[string]bool{},
		research:    map[string]bool{},
		backlog:     map[string]bool{},
		strategy:    map[string]string{},
		priority:    map[string]int{},
		listErr:     map[string]error{},
		dispatchErr: map[string]error{},
	}
}

func (f *fakeCollab) add(project string, issues ...domain.Issue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, is := range issues {
		is.Project = project
		f.issues[project] = append(f.issues[project], is)
	}
}

func (f *fakeCollab) ListIssues(_ context.Context, project string) ([]domain.Issue, error) {
	if f.gate != nil {
		f.entered <- struct{}{}
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.listErr[project]; err != nil {
		return nil, err
	}
	return append([]domain.Issue(nil), f.issues[project]...), nil
}

func (f *fakeCollab) GetIssue(_ context.Context, issueID string) (domain.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, list := range f.issues {
		for _, is := range list {
			if is.ID == issueID {
				return is, nil
			}
		}
	}
	return domain.Issue{}, errors.New("unknown issue")
}

func (f *fakeCollab) flag(m map[string]bool, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return m[id], nil
}

func (f *fakeCollab) HasActiveSession(_ context.Context, id string) (bool, error) {
	return f.flag(f.active, id)
}

func (f *fakeCollab) IsWithinCooldown(_ context.Context, id string) (bool, error) {
	return f.flag(f.cooldown, id)
}

func (f *fakeCollab) IsParentIssue(_ context.Context, id string) (bool, error) {
	return f.flag(f.parents, id)
}

func (f *fakeCollab) IsHeld(_ context.Context, id string) (bool, error) {
	return f.flag(f.held, id)
}

func (f *fakeCollab) IsResearchCompleted(_ context.Context, id string) (bool, error) {
	return f.flag(f.research, id)
}

func (f *fakeCollab) IsBacklogCreationCompleted(_ context.Context, id string) (bool, error) {
	return f.flag(f.backlog, id)
}

func (f *fakeCollab) GetOverridePriority(_ context.Context, id string) (*int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.priority[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (f *fakeCollab) GetWorkflowStrategy(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.strategy[id], nil
}

func (f *fakeCollab) DispatchWork(_ context.Context, d governor.Dispatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.dispatchErr[d.Issue.ID]; err != nil {
		return err
	}
	f.dispatched = append(f.dispatched, d)
	f.active[d.Issue.ID] = true
	return nil
}

func (f *fakeCollab) dispatches() []governor.Dispatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]governor.Dispatch(nil), f.dispatched...)
}

// fakeEscalation records comment and failure calls and marks HOLD on the
// collaborator.
type fakeEscalation struct {
	collab   *fakeCollab
	mu       sync.Mutex
	comments []string
	failures []string
}

func (e *fakeEscalation) HandleComment(_ context.Context, issueID, body, _ string) (escalation.Directive, bool, error) {
	e.mu.Lock()
	e.comments = append(e.comments, body)
	e.mu.Unlock()
	d, ok := escalation.ParseDirective(body)
	if ok && d.Kind() == escalation.KindHold {
		e.collab.mu.Lock()
		e.collab.held[issueID] = true
		e.collab.mu.Unlock()
	}
	return d, ok, nil
}

func (e *fakeEscalation) RecordFailure(_ context.Context, issue domain.Issue) (int, *escalation.Touchpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = append(e.failures, issue.ID)
	return len(e.failures), nil, nil
}
