package escalation

import (
	"fmt"
	"strconv"
	"strings"
)

// DirectiveKind names one case of the Directive sum type.
type DirectiveKind string

const (
	KindHold      DirectiveKind = "hold"
	KindPriority  DirectiveKind = "priority"
	KindSkipQA    DirectiveKind = "skip-qa"
	KindDecompose DirectiveKind = "decompose"
	KindReassign  DirectiveKind = "reassign"
	KindResume    DirectiveKind = "resume"
)

// Directive is a parsed human instruction. The concrete types below are the
// only implementations.
type Directive interface {
	Kind() DirectiveKind
	// String renders the canonical comment form; ParseDirective(d.String())
	// yields an equal directive.
	String() string
	directive()
}

type Hold struct{}

type Priority struct {
	Level int
}

type SkipQA struct{}

type Decompose struct{}

type Reassign struct {
	Assignee string
}

type Resume struct{}

func (Hold) Kind() DirectiveKind      { return KindHold }
func (Priority) Kind() DirectiveKind  { return KindPriority }
func (SkipQA) Kind() DirectiveKind    { return KindSkipQA }
func (Decompose) Kind() DirectiveKind { return KindDecompose }
func (Reassign) Kind() DirectiveKind  { return KindReassign }
func (Resume) Kind() DirectiveKind    { return KindResume }

func (Hold) String() string       { return "HOLD" }
func (p Priority) String() string { return fmt.Sprintf("PRIORITY:%d", p.Level) }
func (SkipQA) String() string     { return "SKIP-QA" }
func (Decompose) String() string  { return "DECOMPOSE" }
func (r Reassign) String() string {
	if r.Assignee == "" {
		return "REASSIGN"
	}
	return "REASSIGN:" + r.Assignee
}
func (Resume) String() string { return "RESUME" }

func (Hold) directive()      {}
func (Priority) directive()  {}
func (SkipQA) directive()    {}
func (Decompose) directive() {}
func (Reassign) directive()  {}
func (Resume) directive()    {}

// Priority levels follow the tracker convention: 0 none, 1 urgent, 4 low.
var priorityNames = map[string]int{
	"none":   0,
	"urgent": 1,
	"high":   2,
	"medium": 3,
	"low":    4,
}

// DirectiveHelp lists the directives a human can reply with.
const DirectiveHelp = "HOLD | SKIP-QA | DECOMPOSE | REASSIGN[:who] | PRIORITY:<0-4|urgent|high|medium|low> | RESUME"

// ParseDirective scans text line by line and returns the first directive it
// recognises. Text without a directive yields (nil, false); it never errors.
func ParseDirective(text string) (Directive, bool) {
	for _, line := range strings.Split(text, "\n") {
		if d, ok := parseLine(line); ok {
			return d, true
		}
	}
	return nil, false
}

func parseLine(line string) (Directive, bool) {
	s := strings.TrimSpace(line)
	if len(s) >= len("@governor") && strings.EqualFold(s[:len("@governor")], "@governor") {
		s = strings.TrimSpace(s[len("@governor"):])
		s = strings.TrimSpace(strings.TrimPrefix(s, ":"))
	}
	s = strings.TrimPrefix(s, "/")
	if s == "" {
		return nil, false
	}
	word := strings.Fields(s)[0]
	head, arg, hasArg := strings.Cut(word, ":")
	if !hasArg && len(strings.Fields(s)) > 1 {
		// "PRIORITY high" and "REASSIGN alice" are accepted too.
		arg = strings.Fields(s)[1]
	}
	switch strings.ToUpper(head) {
	case "HOLD":
		return Hold{}, true
	case "SKIP-QA", "SKIPQA", "SKIP_QA":
		return SkipQA{}, true
	case "DECOMPOSE":
		return Decompose{}, true
	case "RESUME":
		return Resume{}, true
	case "REASSIGN":
		return Reassign{Assignee: strings.TrimPrefix(strings.TrimSpace(arg), "@")}, true
	case "PRIORITY":
		level, ok := parsePriority(arg)
		if !ok {
			return nil, false
		}
		return Priority{Level: level}, true
	}
	return nil, false
}

func parsePriority(arg string) (int, bool) {
	arg = strings.ToLower(strings.TrimSpace(arg))
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 0 || n > 4 {
			return 0, false
		}
		return n, true
	}
	n, ok := priorityNames[arg]
	return n, ok
}
