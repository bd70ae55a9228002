// Package gitref resolves the ref a pipeline run targets from a local
// git repository.
package gitref

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// Ref is what a run executes against: the short ref name and whether
// that ref is a tag.
type Ref struct {
	Name  string
	IsTag bool
}

type Provider interface {
	CurrentRef(ctx context.Context) (Ref, error)
}

// Static is a fixed ref, for callers that already know the target.
type Static struct {
	Ref Ref
}

func (s Static) CurrentRef(context.Context) (Ref, error) {
	return s.Ref, nil
}

// Repo resolves HEAD of a local repository. A detached HEAD sitting
// on a tag reports that tag; any other detached HEAD reports the
// commit hash as the ref name.
type Repo struct {
	Path string
}

func (r Repo) CurrentRef(ctx context.Context) (Ref, error) {
	repo, err := git.PlainOpen(r.Path)
	if err != nil {
		return Ref{}, fmt.Errorf("opening repository: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return Ref{}, fmt.Errorf("resolving HEAD: %w", err)
	}

	if name := head.Name(); name.IsBranch() {
		return Ref{Name: name.Short()}, nil
	}

	tags, err := repo.Tags()
	if err != nil {
		return Ref{}, err
	}

	// annotated tags point at a tag object; peel to the commit
	var tagName string
	tags.ForEach(func(t *plumbing.Reference) error {
		hash := t.Hash()
		if obj, err := repo.TagObject(hash); err == nil {
			hash = obj.Target
		}
		if hash == head.Hash() {
			tagName = t.Name().Short()
			return storer.ErrStop
		}
		return nil
	})
	if tagName != "" {
		return Ref{Name: tagName, IsTag: true}, nil
	}

	return Ref{Name: head.Hash().String()}, nil
}
