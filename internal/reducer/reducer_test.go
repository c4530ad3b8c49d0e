package reducer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocireg/raftcore/internal/action"
	"github.com/ocireg/raftcore/internal/machine"
)

func entries(actions ...action.Action) []machine.LogEntry {
	out := make([]machine.LogEntry, len(actions))
	for i, a := range actions {
		out[i] = machine.LogEntry{Term: 1, Action: a}
	}
	return out
}

func TestBlobLifecycle(t *testing.T) {
	r := New()
	r.Apply(entries(
		action.Action{Type: action.BlobMounted, Hash: "sha256:a", Repository: "library/x"},
		action.Action{Type: action.BlobStat, Hash: "sha256:a", Size: 42},
		action.Action{Type: action.BlobStored, Hash: "sha256:a", Location: "node-a"},
	))

	assert.True(t, r.IsBlobAvailable("library/x", "sha256:a"))
	assert.False(t, r.IsBlobAvailable("library/y", "sha256:a"))

	info, err := r.GetBlob("library/x", "sha256:a")
	require.NoError(t, err)
	assert.Equal(t, int64(42), info.Size)
	assert.Equal(t, []string{"node-a"}, info.Locations)

	r.Apply(entries(action.Action{Type: action.BlobUnstored, Hash: "sha256:a", Location: "node-a"}))
	assert.False(t, r.IsBlobAvailable("library/x", "sha256:a"), "blob with no locations must be removed")
	_, err = r.GetBlob("library/x", "sha256:a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManifestInfoDependenciesAreClearedOnRead(t *testing.T) {
	r := New()
	r.Apply(entries(
		action.Action{Type: action.ManifestMounted, Hash: "sha256:m", Repository: "library/x"},
		action.Action{Type: action.ManifestInfo, Hash: "sha256:m", ContentType: "application/vnd.oci.image.manifest.v1+json", Dependencies: []string{"sha256:a", "sha256:b"}},
	))

	m, err := r.GetManifest("library/x", "sha256:m")
	require.NoError(t, err)
	assert.Equal(t, "application/vnd.oci.image.manifest.v1+json", m.ContentType)
	assert.Empty(t, m.Dependencies)
	assert.True(t, r.IsManifestAvailable("library/x", "sha256:m"))
}

func TestHashTaggedAndGetTag(t *testing.T) {
	r := New()
	r.Apply(entries(
		action.Action{Type: action.ManifestMounted, Hash: "sha256:m1", Repository: "library/x"},
		action.Action{Type: action.ManifestInfo, Hash: "sha256:m1", ContentType: "application/json"},
		action.Action{Type: action.HashTagged, Repository: "library/x", Tag: "latest", Hash: "sha256:m1"},
	))

	hash, err := r.GetTag("library/x", "latest")
	require.NoError(t, err)
	assert.Equal(t, "sha256:m1", hash)

	tags, err := r.GetTags("library/x")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"latest"}, tags)

	_, err = r.GetTags("library/does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)

	// Retagging replaces the old tag node rather than leaving it behind.
	r.Apply(entries(
		action.Action{Type: action.ManifestMounted, Hash: "sha256:m2", Repository: "library/x"},
		action.Action{Type: action.HashTagged, Repository: "library/x", Tag: "latest", Hash: "sha256:m2"},
	))
	hash, err = r.GetTag("library/x", "latest")
	require.NoError(t, err)
	assert.Equal(t, "sha256:m2", hash)
}

func TestManifestUnmountedRemovesRepositoryTags(t *testing.T) {
	r := New()
	r.Apply(entries(
		action.Action{Type: action.ManifestMounted, Hash: "sha256:m1", Repository: "library/x"},
		action.Action{Type: action.HashTagged, Repository: "library/x", Tag: "latest", Hash: "sha256:m1"},
		action.Action{Type: action.HashTagged, Repository: "library/x", Tag: "v1", Hash: "sha256:m1"},
	))

	r.Apply(entries(action.Action{Type: action.ManifestUnmounted, Hash: "sha256:m1", Repository: "library/x"}))

	_, err := r.GetTag("library/x", "latest")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.GetTag("library/x", "v1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.GetTags("library/x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOrphanedObjects(t *testing.T) {
	r := New()
	r.Apply(entries(
		action.Action{Type: action.BlobMounted, Hash: "sha256:base", Repository: "library/x"},
		action.Action{Type: action.ManifestMounted, Hash: "sha256:m", Repository: "library/x"},
		action.Action{Type: action.ManifestInfo, Hash: "sha256:m", ContentType: "application/json", Dependencies: []string{"sha256:base"}},
	))

	// sha256:base has an incoming edge from the manifest, so it is not
	// orphaned; the manifest itself has no incoming edges yet.
	orphans := r.GetOrphanedObjects()
	assert.Contains(t, orphans, "sha256:m")
	assert.NotContains(t, orphans, "sha256:base")

	r.Apply(entries(action.Action{Type: action.HashTagged, Repository: "library/x", Tag: "latest", Hash: "sha256:m"}))
	orphans = r.GetOrphanedObjects()
	assert.NotContains(t, orphans, "sha256:m", "a tagged manifest has an incoming edge from its tag")
}

func TestApplySkipsNoopEntries(t *testing.T) {
	r := New()
	r.Apply([]machine.LogEntry{
		{Term: 1, Action: action.Action{}},
		{Term: 1, Action: action.Action{Type: action.BlobMounted, Hash: "sha256:a", Repository: "library/x"}},
	})
	assert.True(t, r.IsBlobAvailable("library/x", "sha256:a"))
}

func TestGetStats(t *testing.T) {
	r := New()
	r.Apply(entries(
		action.Action{Type: action.BlobMounted, Hash: "sha256:a", Repository: "library/x"},
		action.Action{Type: action.ManifestMounted, Hash: "sha256:m", Repository: "library/x"},
		action.Action{Type: action.HashTagged, Repository: "library/x", Tag: "latest", Hash: "sha256:m"},
	))
	stats := r.GetStats()
	assert.Equal(t, 1, stats.Blobs)
	assert.Equal(t, 1, stats.Manifests)
	assert.Equal(t, 1, stats.Tags)
}
