package localagent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRing_SnapshotBeforeFull(t *testing.T) {
	r := NewRing(3)
	r.Push("a")
	r.Push("b")

	assert.Equal(t, []string{"a", "b"}, r.Snapshot())
	assert.Equal(t, "b", r.Last())
}

func TestRing_EvictsOldestWhenFull(t *testing.T) {
	r := NewRing(3)
	r.Push("a")
	r.Push("b")
	r.Push("c")
	r.Push("d")

	assert.Equal(t, []string{"b", "c", "d"}, r.Snapshot())
}

func TestRing_EmptyLast(t *testing.T) {
	r := NewRing(3)
	assert.Equal(t, "", r.Last())
}
