package runner

import "slices"

// Registry dispatches jobs to runners by tag. A job lands on the
// first registered runner whose label set covers every tag the job
// asks for; an untagged job takes the first runner.
type Registry struct {
	runners []Runner
}

func NewRegistry(runners ...Runner) *Registry {
	return &Registry{runners: runners}
}

func (r *Registry) Register(rn Runner) {
	r.runners = append(r.runners, rn)
}

func (r *Registry) ForTags(tags []string) (Runner, error) {
	for _, rn := range r.runners {
		if covers(rn.Labels(), tags) {
			return rn, nil
		}
	}
	return nil, ErrNoRunner
}

func covers(labels, tags []string) bool {
	for _, t := range tags {
		if !slices.Contains(labels, t) {
			return false
		}
	}
	return true
}
