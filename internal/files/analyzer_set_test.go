package files

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/filetrace/internal/analyzer"
)

func TestAnalyzerSet_QueuedUntilDrain(t *testing.T) {
	h := newHarness(t)
	s := h.file("f").Analyzers()

	ok, err := s.QueueAdd(tagRec, analyzer.Args{"name": "a"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Zero(t, s.Len())
	assert.Equal(t, 1, s.Pending())

	s.Drain()
	assert.Equal(t, 1, s.Len())
	assert.NotNil(t, s.Find(tagRec, analyzer.Args{"name": "a"}))
	assert.Nil(t, s.Find(tagRec, analyzer.Args{"name": "b"}))
}

func TestAnalyzerSet_DrainIsNoopWhileIterating(t *testing.T) {
	h := newHarness(t)
	s := h.file("f").Analyzers()
	for _, n := range []string{"a", "b", "c"} {
		_, err := s.QueueAdd(tagRec, analyzer.Args{"name": n})
		require.NoError(t, err)
	}
	s.Drain()

	var seen []string
	s.Each(func(a analyzer.Analyzer) {
		seen = append(seen, a.Args()["name"].(string))
		s.QueueRemove(tagRec, analyzer.Args{"name": "c"})
		s.Drain()
	})

	assert.Equal(t, []string{"a", "b", "c"}, seen, "snapshot is stable within a pass")
	assert.Equal(t, 3, s.Len())

	s.Drain()
	assert.Equal(t, []string{"rec(name=a)", "rec(name=b)"}, s.Tags())
	assert.True(t, h.rec("c").done)
}

func TestAnalyzerSet_RemoveThenReAdd(t *testing.T) {
	h := newHarness(t)
	s := h.file("f").Analyzers()
	args := analyzer.Args{"name": "a"}

	_, err := s.QueueAdd(tagRec, args)
	require.NoError(t, err)
	s.Drain()

	s.QueueRemove(tagRec, args)
	ok, err := s.QueueAdd(tagRec, args)
	require.NoError(t, err)
	assert.True(t, ok, "re-add after a queued removal is accepted")

	s.Drain()
	assert.Equal(t, 1, s.Len())
}

func TestAnalyzerSet_Clear(t *testing.T) {
	h := newHarness(t)
	s := h.file("f").Analyzers()

	_, err := s.QueueAdd(tagRec, analyzer.Args{"name": "live"})
	require.NoError(t, err)
	s.Drain()
	_, err = s.QueueAdd(tagRec, analyzer.Args{"name": "queued"})
	require.NoError(t, err)

	s.Clear()
	assert.Zero(t, s.Len())
	assert.Zero(t, s.Pending())
	assert.True(t, h.rec("live").done)
	assert.True(t, h.rec("queued").done)
}
