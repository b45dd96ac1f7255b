package dpath_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"crmsync/internal/dpath"
)

func doc() map[string]any {
	return map[string]any{
		"results": []any{
			map[string]any{"id": "1"},
			map[string]any{"id": "2"},
		},
		"groups": map[string]any{
			"b": map[string]any{"items": []any{"b1"}},
			"a": map[string]any{"items": []any{"a1", "a2"}},
		},
	}
}

func TestSplit(t *testing.T) {
	assert.Nil(t, dpath.Split(""))
	assert.Equal(t, []string{"a", "*", "c"}, dpath.Split("a.*.c"))
	assert.True(t, dpath.HasWildcard(dpath.Split("a.*.c")))
	assert.False(t, dpath.HasWildcard(dpath.Split("a.b")))
}

func TestGet(t *testing.T) {
	v, ok := dpath.Get(doc(), []string{"results", "1", "id"})
	assert.True(t, ok)
	assert.Equal(t, "2", v)

	_, ok = dpath.Get(doc(), []string{"results", "9"})
	assert.False(t, ok)

	_, ok = dpath.Get(doc(), []string{"missing"})
	assert.False(t, ok)

	root, ok := dpath.Get(doc(), nil)
	assert.True(t, ok)
	assert.NotNil(t, root)
}

func TestValues_Wildcard(t *testing.T) {
	ids := dpath.Values(doc(), []string{"results", "*", "id"})
	assert.Equal(t, []any{"1", "2"}, ids)

	items := dpath.Values(doc(), []string{"groups", "*", "items", "*"})
	assert.Equal(t, []any{"a1", "a2", "b1"}, items)

	assert.Empty(t, dpath.Values(doc(), []string{"nothing", "*"}))
}
