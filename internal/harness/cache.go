package harness

import "github.com/ocireg/raftcore/internal/reducer"

func blobCacheKey(repository, hash string) string     { return repository + "\x00" + hash }
func manifestCacheKey(repository, hash string) string { return repository + "\x00" + hash }

// GetBlob serves a repository+hash lookup from the read-path cache
// when possible, falling back to the Reducer and populating the
// cache on a miss. The cache is purged on every applied batch (see
// invalidateCache), so it never serves a value older than the last
// commit this node has applied.
func (h *Harness) GetBlob(repository, hash string) (reducer.BlobInfo, error) {
	key := blobCacheKey(repository, hash)

	// cacheMu is held across the Reducer read so a purge cannot land
	// between that read and the Add that caches its result.
	h.cacheMu.Lock()
	defer h.cacheMu.Unlock()
	if v, ok := h.blobCache.Get(key); ok {
		return v, nil
	}

	info, err := h.red.GetBlob(repository, hash)
	if err != nil {
		return reducer.BlobInfo{}, err
	}

	h.blobCache.Add(key, info)
	return info, nil
}

// GetManifest mirrors GetBlob for manifests.
func (h *Harness) GetManifest(repository, hash string) (reducer.ManifestInfo, error) {
	key := manifestCacheKey(repository, hash)

	h.cacheMu.Lock()
	defer h.cacheMu.Unlock()
	if v, ok := h.manifestCache.Get(key); ok {
		return v, nil
	}

	info, err := h.red.GetManifest(repository, hash)
	if err != nil {
		return reducer.ManifestInfo{}, err
	}

	h.manifestCache.Add(key, info)
	return info, nil
}
