package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-coldcall-trainer/pkg/training"
)

func TestNew(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		_, err := New(nil, 0)
		assert.ErrorIs(t, err, ErrEmpty)
	})

	t.Run("duplicate id", func(t *testing.T) {
		_, err := New([]Module{{ID: "a"}, {ID: "a"}}, 0)
		assert.ErrorContains(t, err, "duplicate")
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := New([]Module{{ID: ""}}, 0)
		assert.ErrorContains(t, err, "id is required")
	})

	t.Run("bad threshold", func(t *testing.T) {
		_, err := New([]Module{{ID: "a", Thresholds: map[training.Mode]float64{training.ModePractice: 5}}}, 0)
		assert.ErrorContains(t, err, "out of range")
	})

	t.Run("defaults", func(t *testing.T) {
		c, err := New(DefaultModules(), 0)
		require.NoError(t, err)
		assert.Len(t, c.Modules(), 5)
	})
}

func TestCatalog_Ordering(t *testing.T) {
	c, err := New([]Module{{ID: "a"}, {ID: "b"}, {ID: "c"}}, 0)
	require.NoError(t, err)

	assert.Equal(t, "a", c.First().ID)
	assert.True(t, c.IsFirst("a"))
	assert.False(t, c.IsFirst("b"))

	next, ok := c.Successor("a")
	require.True(t, ok)
	assert.Equal(t, "b", next.ID)

	_, ok = c.Successor("c")
	assert.False(t, ok)
	_, ok = c.Successor("missing")
	assert.False(t, ok)

	prev, ok := c.Predecessor("c")
	require.True(t, ok)
	assert.Equal(t, "b", prev.ID)
	_, ok = c.Predecessor("a")
	assert.False(t, ok)
}

func TestCatalog_Threshold(t *testing.T) {
	c, err := New([]Module{
		{ID: "a"},
		{ID: "b", Thresholds: map[training.Mode]float64{training.ModeLegend: 3.5}},
	}, 2.5)
	require.NoError(t, err)

	assert.InDelta(t, 2.5, c.Threshold("a", training.ModePractice), 0.001)
	assert.InDelta(t, 3.5, c.Threshold("b", training.ModeLegend), 0.001)
	assert.InDelta(t, 2.5, c.Threshold("b", training.ModeMarathon), 0.001)
	assert.InDelta(t, 2.5, c.Threshold("unknown", training.ModeMarathon), 0.001)
}

func TestCatalog_ModulesIsCopy(t *testing.T) {
	c, err := New([]Module{{ID: "a"}}, 0)
	require.NoError(t, err)
	mods := c.Modules()
	mods[0].ID = "changed"
	assert.Equal(t, "a", c.First().ID)
}
