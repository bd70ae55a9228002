package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRunner struct {
	labels []string
}

func (s *stubRunner) Labels() []string { return s.labels }

func (s *stubRunner) Submit(context.Context, Submission) (Result, error) {
	return Result{}, nil
}

func TestRegistryForTags(t *testing.T) {
	docker := &stubRunner{labels: []string{"docker", "linux"}}
	aws := &stubRunner{labels: []string{"docker", "aws"}}

	reg := NewRegistry(docker, aws)

	// untagged jobs take the first runner
	rn, err := reg.ForTags(nil)
	require.NoError(t, err)
	assert.Same(t, docker, rn)

	// every tag must be covered by a single runner
	rn, err = reg.ForTags([]string{"docker", "aws"})
	require.NoError(t, err)
	assert.Same(t, aws, rn)

	rn, err = reg.ForTags([]string{"linux"})
	require.NoError(t, err)
	assert.Same(t, docker, rn)

	_, err = reg.ForTags([]string{"docker", "windows"})
	assert.ErrorIs(t, err, ErrNoRunner)
}

func TestRegistryRegister(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.ForTags(nil)
	assert.ErrorIs(t, err, ErrNoRunner)

	gpu := &stubRunner{labels: []string{"gpu"}}
	reg.Register(gpu)

	rn, err := reg.ForTags([]string{"gpu"})
	require.NoError(t, err)
	assert.Same(t, gpu, rn)
}
