package reducer

// BlobInfo is a snapshot of a blob node's attributes, safe to retain
// after the call returns (it shares no state with the graph).
type BlobInfo struct {
	ContentType string
	Size        int64
	Repositories []string
	Locations    []string
}

// ManifestInfo mirrors BlobInfo. Dependencies is always empty: the
// original clears it on read too, since a manifest's dependency edges
// exist for orphan tracking, not for returning to callers.
type ManifestInfo struct {
	ContentType  string
	Size         int64
	Repositories []string
	Locations    []string
	Dependencies []string
}

func setToSlice(s map[string]struct{}) []string {
	if len(s) == 0 {
		return nil
	}
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

// IsBlobAvailable reports whether hash is a known blob mounted into repository.
func (r *Reducer) IsBlobAvailable(repository, hash string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.graph[hash]
	if !ok || n.kind != kindBlob {
		return false
	}
	_, mounted := n.repositories[repository]
	return mounted
}

// GetBlob returns the attributes of hash within repository, or
// ErrNotFound if it is not a blob mounted into that repository.
func (r *Reducer) GetBlob(repository, hash string) (BlobInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.graph[hash]
	if !ok || n.kind != kindBlob {
		return BlobInfo{}, ErrNotFound
	}
	if _, mounted := n.repositories[repository]; !mounted {
		return BlobInfo{}, ErrNotFound
	}
	return BlobInfo{
		ContentType:  n.contentType,
		Size:         n.size,
		Repositories: setToSlice(n.repositories),
		Locations:    setToSlice(n.locations),
	}, nil
}

// IsManifestAvailable reports whether hash is a known manifest with
// content type information, mounted into repository.
func (r *Reducer) IsManifestAvailable(repository, hash string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.graph[hash]
	if !ok || n.kind != kindManifest {
		return false
	}
	if n.contentType == "" {
		return false
	}
	_, mounted := n.repositories[repository]
	return mounted
}

// GetManifest returns the attributes of hash within repository, or
// ErrNotFound if it is not a manifest mounted into that repository.
func (r *Reducer) GetManifest(repository, hash string) (ManifestInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.graph[hash]
	if !ok || n.kind != kindManifest {
		return ManifestInfo{}, ErrNotFound
	}
	if _, mounted := n.repositories[repository]; !mounted {
		return ManifestInfo{}, ErrNotFound
	}
	return ManifestInfo{
		ContentType:  n.contentType,
		Size:         n.size,
		Repositories: setToSlice(n.repositories),
		Locations:    setToSlice(n.locations),
	}, nil
}

// GetTags returns every tag name defined in repository, or
// ErrNotFound if it has none.
func (r *Reducer) GetTags(repository string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	prefix := []byte("tag:" + repository + ":")
	var tags []string
	r.tags.Root().WalkPrefix(prefix, func(key []byte, _ interface{}) bool {
		tn := r.graph[string(key)]
		if tn != nil && tn.kind == kindTag {
			tags = append(tags, tn.tag)
		}
		return false
	})
	if len(tags) == 0 {
		return nil, ErrNotFound
	}
	return tags, nil
}

// GetTag resolves repository:tag to the hash it currently points at,
// or ErrNotFound if the tag does not exist. The returned hash may no
// longer be present in the graph (a dangling pointer) if the blob or
// manifest it named has since been unstored — callers that need the
// object itself must follow up with GetBlob/GetManifest and handle
// ErrNotFound there too.
func (r *Reducer) GetTag(repository, tag string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := tagKey(repository, tag)
	n, ok := r.graph[key]
	if !ok || n.kind != kindTag {
		return "", ErrNotFound
	}
	for hash := range n.edges {
		return hash, nil
	}
	return "", ErrNotFound
}

// GetOrphanedObjects returns every blob/manifest hash with no
// incoming edges — nothing tags it and nothing depends on it — which
// a mirror should garbage collect.
func (r *Reducer) GetOrphanedObjects() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var orphans []string
	for key, n := range r.graph {
		if n.kind == kindTag {
			continue
		}
		if r.inDegree[key] == 0 {
			orphans = append(orphans, key)
		}
	}
	return orphans
}

// Stats summarizes graph size for operational visibility (the
// `/status` endpoint and post-apply logging), without exposing the
// graph itself.
type Stats struct {
	Blobs     int
	Manifests int
	Tags      int
	Orphans   int
}

// GetStats returns a point-in-time size summary of the graph.
func (r *Reducer) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var s Stats
	for key, n := range r.graph {
		switch n.kind {
		case kindBlob:
			s.Blobs++
		case kindManifest:
			s.Manifests++
		case kindTag:
			s.Tags++
			continue
		}
		if r.inDegree[key] == 0 {
			s.Orphans++
		}
	}
	return s
}
