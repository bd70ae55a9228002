package artifact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerVisibility(t *testing.T) {
	tr := NewTracker()

	require.NoError(t, tr.Publish("compile", 0, Handle{Job: "compile", Key: "r/compile"}))
	require.NoError(t, tr.Publish("lint", 0, Handle{Job: "lint", Key: "r/lint"}))
	require.NoError(t, tr.Publish("package", 1, Handle{Job: "package", Key: "r/package"}))

	// stage 0 sees nothing, not even siblings that already finished
	assert.Empty(t, tr.InputsFor(0))

	// stage 1 sees stage 0 in publish order, not its own stage
	inputs := tr.InputsFor(1)
	require.Len(t, inputs, 2)
	assert.Equal(t, "compile", inputs[0].Job)
	assert.Equal(t, "lint", inputs[1].Job)

	inputs = tr.InputsFor(2)
	require.Len(t, inputs, 3)
	assert.Equal(t, "package", inputs[2].Job)
}

func TestTrackerPublishOnce(t *testing.T) {
	tr := NewTracker()

	require.NoError(t, tr.Publish("compile", 0, Handle{Key: "a"}))

	err := tr.Publish("compile", 0, Handle{Key: "b"})
	assert.ErrorIs(t, err, ErrAlreadyPublished)

	// the original handle survives
	h, ok := tr.Resolve("compile")
	require.True(t, ok)
	assert.Equal(t, "a", h.Key)
}

func TestTrackerResolveMissing(t *testing.T) {
	tr := NewTracker()

	_, ok := tr.Resolve("ghost")
	assert.False(t, ok)
}
