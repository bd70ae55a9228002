package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// RunContext is the immutable trigger context a pipeline executes
// against: the ref the run targets, whether that ref is a tag,
// trigger-time variable overrides, and which manual jobs were handed
// a trigger up front.
type RunContext struct {
	Ref       string
	IsTag     bool
	Variables map[string]string
	Manual    map[string]bool
}

// ActivationRule decides whether a job is eligible for one run.
// `only` admits the job when at least one of its patterns matches the
// context; `except` then vetoes it when any of its patterns match.
// A rule with neither list always elects to run.
type ActivationRule struct {
	Only   []string
	Except []string
}

type Decision int

const (
	Run Decision = iota
	Skip
)

func (d Decision) String() string {
	if d == Run {
		return "run"
	}
	return "skip"
}

// Evaluate applies the rule to a run context. Evaluation is pure and
// deterministic; callers evaluate once at plan time and carry the
// result. A malformed pattern never matches.
func (r ActivationRule) Evaluate(ctx RunContext) Decision {
	if len(r.Only) > 0 && !anyMatch(r.Only, ctx) {
		return Skip
	}
	if anyMatch(r.Except, ctx) {
		return Skip
	}
	return Run
}

// Problems reports the rule's patterns that can never match, with the
// reason.
func (r ActivationRule) Problems() []error {
	var problems []error
	for _, p := range r.Only {
		if err := checkPattern(p); err != nil {
			problems = append(problems, fmt.Errorf("only pattern %q: %w", p, err))
		}
	}
	for _, p := range r.Except {
		if err := checkPattern(p); err != nil {
			problems = append(problems, fmt.Errorf("except pattern %q: %w", p, err))
		}
	}
	return problems
}

func anyMatch(patterns []string, ctx RunContext) bool {
	for _, p := range patterns {
		if matchPattern(p, ctx) {
			return true
		}
	}
	return false
}

// The tokens `tags` and `branches` match the kind of ref rather than
// its name. A pattern wrapped in slashes is a regular expression; one
// containing glob metacharacters matches with doublestar semantics;
// anything else is an exact, case-sensitive ref name.
func matchPattern(pattern string, ctx RunContext) bool {
	switch {
	case pattern == "tags":
		return ctx.IsTag
	case pattern == "branches":
		return !ctx.IsTag
	case isRegex(pattern):
		re, err := regexp.Compile(pattern[1 : len(pattern)-1])
		if err != nil {
			return false
		}
		return re.MatchString(ctx.Ref)
	case isGlob(pattern):
		ok, err := doublestar.Match(pattern, ctx.Ref)
		if err != nil {
			return false
		}
		return ok
	default:
		return pattern == ctx.Ref
	}
}

func checkPattern(pattern string) error {
	switch {
	case isRegex(pattern):
		_, err := regexp.Compile(pattern[1 : len(pattern)-1])
		return err
	case isGlob(pattern):
		if !doublestar.ValidatePattern(pattern) {
			return doublestar.ErrBadPattern
		}
		return nil
	default:
		return nil
	}
}

func isRegex(p string) bool {
	return len(p) > 1 && strings.HasPrefix(p, "/") && strings.HasSuffix(p, "/")
}

func isGlob(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}
