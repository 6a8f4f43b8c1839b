package localagent

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchMkdirPaths_DedupesAndBatches(t *testing.T) {
	cache, err := newMkdirCache(100)
	require.NoError(t, err)

	paths := []string{"/a", "/b", "/a", "/c"}

	batches := batchMkdirPaths(cache, paths)
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"/a", "/b", "/c"}, batches[0])

	// Second call within the TTL window sees every path already cached.
	batches = batchMkdirPaths(cache, paths)
	assert.Empty(t, batches)
}

func TestBatchMkdirPaths_SplitsAtBatchSize(t *testing.T) {
	cache, err := newMkdirCache(1000)
	require.NoError(t, err)

	paths := make([]string, 250)
	for i := range paths {
		paths[i] = fmt.Sprintf("/out/dir-%d", i)
	}

	batches := batchMkdirPaths(cache, paths)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 100)
	assert.Len(t, batches[1], 100)
	assert.Len(t, batches[2], 50)
}
