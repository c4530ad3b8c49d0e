// Package reducer folds the replicated action log into the registry's
// metadata graph: blobs, manifests and the tags that point at them.
// Apply is idempotent and deterministic — replaying the same action
// sequence from an empty Reducer always reaches the same graph, which
// is what lets every node in the cluster derive identical state from
// the same committed log.
package reducer

import (
	"errors"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/ocireg/raftcore/internal/action"
	"github.com/ocireg/raftcore/internal/machine"
)

// ErrNotFound is returned by the query methods when the requested
// blob, manifest or tag is not present (or not visible to the given
// repository), mirroring the original's bare KeyError.
var ErrNotFound = errors.New("reducer: not found")

type kind int

const (
	kindBlob kind = iota
	kindManifest
	kindTag
)

type node struct {
	kind kind

	// Blob/manifest fields.
	repositories map[string]struct{}
	locations    map[string]struct{}
	contentType  string
	size         int64
	edges        map[string]struct{} // dependency hashes, or the single tag->hash pointer

	// Tag fields.
	tag        string
	repository string
}

// Reducer holds the folded registry graph. All exported methods are
// safe for concurrent use: queries take the read lock, Apply takes
// the write lock, matching the harness's single-applier/many-readers
// concurrency model.
type Reducer struct {
	mu       sync.RWMutex
	graph    map[string]*node
	inDegree map[string]int
	tags     *iradix.Tree
}

// New returns an empty Reducer.
func New() *Reducer {
	return &Reducer{
		graph:    make(map[string]*node),
		inDegree: make(map[string]int),
		tags:     iradix.New(),
	}
}

func tagKey(repository, tag string) string {
	return "tag:" + repository + ":" + tag
}

// Apply folds a contiguous, already-committed batch of log entries
// into the graph, in order. Entries whose Action is the leader's
// no-op (IsNoop) are skipped, exactly as the original ignores entries
// with no "type" field.
func (r *Reducer) Apply(entries []machine.LogEntry) {
	if len(entries) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		if e.Action.IsNoop() {
			continue
		}
		r.dispatch(e.Action)
	}
}

func (r *Reducer) getOrCreate(hash string, k kind) *node {
	n, ok := r.graph[hash]
	if !ok {
		n = &node{
			kind:         k,
			repositories: make(map[string]struct{}),
			locations:    make(map[string]struct{}),
			edges:        make(map[string]struct{}),
		}
		r.graph[hash] = n
	}
	return n
}

// addEdge records src->dst, incrementing dst's in-degree only the
// first time the edge is added (set semantics, matching the
// original's add_edge idempotency).
func (r *Reducer) addEdge(src *node, dst string) {
	if _, exists := src.edges[dst]; exists {
		return
	}
	src.edges[dst] = struct{}{}
	r.inDegree[dst]++
}

// removeNode deletes key and every edge it owns, decrementing the
// in-degree of whatever it pointed at. Matches networkx's
// remove_node: edges pointing INTO key are not individually cleaned
// up in the callers that still reference it (they become dangling),
// which is the accepted "get_tag may return a dangling hash" behavior.
func (r *Reducer) removeNode(key string) {
	n, ok := r.graph[key]
	if !ok {
		return
	}
	for dst := range n.edges {
		if r.inDegree[dst] > 0 {
			r.inDegree[dst]--
		}
	}
	delete(r.graph, key)
	delete(r.inDegree, key)
}

func (r *Reducer) dispatch(a action.Action) {
	switch a.Type {
	case action.HashTagged:
		key := tagKey(a.Repository, a.Tag)
		r.removeNode(key)
		r.graph[key] = &node{kind: kindTag, tag: a.Tag, repository: a.Repository, edges: map[string]struct{}{}}
		r.addEdge(r.graph[key], a.Hash)

		txn := r.tags.Txn()
		txn.Insert([]byte(key), a.Hash)
		r.tags = txn.Commit()

	case action.BlobMounted:
		n := r.getOrCreate(a.Hash, kindBlob)
		n.repositories[a.Repository] = struct{}{}

	case action.BlobUnmounted:
		if n, ok := r.graph[a.Hash]; ok {
			delete(n.repositories, a.Repository)
		}

	case action.BlobInfo:
		n := r.getOrCreate(a.Hash, kindBlob)
		for _, dep := range a.Dependencies {
			r.addEdge(n, dep)
		}
		n.contentType = a.ContentType

	case action.BlobStat:
		if n, ok := r.graph[a.Hash]; ok {
			n.size = a.Size
		}

	case action.BlobStored:
		n := r.getOrCreate(a.Hash, kindBlob)
		n.locations[a.Location] = struct{}{}

	case action.BlobUnstored:
		n, ok := r.graph[a.Hash]
		if !ok {
			return
		}
		delete(n.locations, a.Location)
		if len(n.locations) == 0 {
			r.removeNode(a.Hash)
		}

	case action.ManifestMounted:
		n := r.getOrCreate(a.Hash, kindManifest)
		n.repositories[a.Repository] = struct{}{}

	case action.ManifestUnmounted:
		n, ok := r.graph[a.Hash]
		if ok {
			delete(n.repositories, a.Repository)
		}
		// Every tag in this repository pointing at the manifest is
		// removed along with it, matching the original's predecessor walk.
		var toRemove []string
		for key, tn := range r.graph {
			if tn.kind != kindTag {
				continue
			}
			if _, points := tn.edges[a.Hash]; !points {
				continue
			}
			if tn.repository == a.Repository {
				toRemove = append(toRemove, key)
			}
		}
		if len(toRemove) > 0 {
			txn := r.tags.Txn()
			for _, key := range toRemove {
				r.removeNode(key)
				txn.Delete([]byte(key))
			}
			r.tags = txn.Commit()
		}

	case action.ManifestInfo:
		n := r.getOrCreate(a.Hash, kindManifest)
		for _, dep := range a.Dependencies {
			r.addEdge(n, dep)
		}
		n.contentType = a.ContentType

	case action.ManifestStat:
		if n, ok := r.graph[a.Hash]; ok {
			n.size = a.Size
		}

	case action.ManifestStored:
		n := r.getOrCreate(a.Hash, kindManifest)
		n.locations[a.Location] = struct{}{}

	case action.ManifestUnstored:
		n, ok := r.graph[a.Hash]
		if !ok {
			return
		}
		delete(n.locations, a.Location)
		if len(n.locations) == 0 {
			r.removeNode(a.Hash)
		}
	}
}
