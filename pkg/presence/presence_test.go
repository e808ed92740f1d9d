package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daybook/recordsync/pkg/models"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := models.Participant{SessionID: "a", ActorID: "u1", DisplayName: "Ana"}
	b := models.Participant{SessionID: "b", ActorID: "u2", DisplayName: "Ben"}

	assert.True(t, r.Join(a))
	assert.True(t, r.Join(b))
	a.DisplayName = "Ana M."
	assert.False(t, r.Join(a), "rejoin updates in place")

	assert.Equal(t, []models.Participant{a, b}, r.List())
	assert.Equal(t, "Ana M.", r.DisplayName("a"))
	assert.Equal(t, "someone else", r.DisplayName("zzz"))

	left, ok := r.Leave("a")
	require.True(t, ok)
	assert.Equal(t, a, left)
	assert.Equal(t, []models.Participant{b}, r.List())

	_, ok = r.Leave("a")
	assert.False(t, ok)

	r.Replace([]models.Participant{a, b, a})
	assert.Equal(t, 2, r.Len())
}
