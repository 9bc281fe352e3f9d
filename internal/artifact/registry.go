// Package artifact implements the in-memory, content-addressed store of
// worker outputs (the Artifact Registry, C1).
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// ContentCap is the per-artifact character cap content is truncated to
	// before hashing and storage.
	ContentCap = 200_000
	// MaxCount is the registry-wide artifact count cap before eviction begins.
	MaxCount = 200
	// MaxTotalChars is the registry-wide stored-character cap before eviction begins.
	MaxTotalChars = 10_000_000
)

// Artifact is a single worker output, content-addressed and size-capped.
type Artifact struct {
	ArtifactID    string
	PackageID     string
	ModelID       string
	Content       string
	Hash          string
	CreatedAtISO  string
	ContentLength int
	IsEvicted     bool

	createdAt time.Time
}

// Excerpt is a bounded view of an artifact's content for prompt assembly.
type Excerpt struct {
	Head        string
	Tail        string
	TotalLength int
	IsEvicted   bool
}

// Registry is the in-memory, per-run artifact store.
type Registry struct {
	mu sync.Mutex

	order      []string // artifactIds in creation order, oldest first
	byID       map[string]*Artifact
	byPackage  map[string][]string // packageId -> artifactIds in creation order
	totalChars int
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byID:      make(map[string]*Artifact),
		byPackage: make(map[string][]string),
	}
}

// Create stores content for packageId/modelId, truncating to ContentCap
// before hashing, then runs the eviction pass. Returns the new artifact id
// and the sha-256 hex digest of the stored (possibly truncated) content.
func (r *Registry) Create(packageID, modelID, content, createdAtISO string) (artifactID string, hash string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(content) > ContentCap {
		content = content[:ContentCap]
	}
	sum := sha256.Sum256([]byte(content))
	hash = hex.EncodeToString(sum[:])

	id := uuid.NewString()
	createdAt, err := time.Parse(time.RFC3339, createdAtISO)
	if err != nil {
		createdAt = time.Now().UTC()
	}
	a := &Artifact{
		ArtifactID:    id,
		PackageID:     packageID,
		ModelID:       modelID,
		Content:       content,
		Hash:          hash,
		CreatedAtISO:  createdAtISO,
		ContentLength: len(content),
		createdAt:     createdAt,
	}

	r.byID[id] = a
	r.order = append(r.order, id)
	r.byPackage[packageID] = append(r.byPackage[packageID], id)
	r.totalChars += len(content)

	r.evict()
	return id, hash
}

// GetByPackageID returns the most recently created artifact for packageId, or
// nil if none exists.
func (r *Registry) GetByPackageID(packageID string) *Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.byPackage[packageID]
	if len(ids) == 0 {
		return nil
	}
	a := r.byID[ids[len(ids)-1]]
	cp := *a
	return &cp
}

// GetExcerptByPackageID returns the head/tail slices of the most recent
// artifact for packageId. If the content is no longer than headLimit+tailLimit
// the whole thing is returned in Head with an empty Tail.
func (r *Registry) GetExcerptByPackageID(packageID string, headLimit, tailLimit int) *Excerpt {
	a := r.GetByPackageID(packageID)
	if a == nil {
		return nil
	}
	if headLimit <= 0 {
		headLimit = 8000
	}
	if tailLimit <= 0 {
		tailLimit = 2000
	}
	content := a.Content
	if len(content) <= headLimit+tailLimit {
		return &Excerpt{Head: content, Tail: "", TotalLength: a.ContentLength, IsEvicted: a.IsEvicted}
	}
	return &Excerpt{
		Head:        content[:headLimit],
		Tail:        content[len(content)-tailLimit:],
		TotalLength: a.ContentLength,
		IsEvicted:   a.IsEvicted,
	}
}

// evict clears content from the oldest non-evicted entries while the
// registry exceeds MaxCount artifacts or MaxTotalChars stored characters.
// Must be called with r.mu held.
func (r *Registry) evict() {
	liveCount := func() int {
		n := 0
		for _, id := range r.order {
			if !r.byID[id].IsEvicted {
				n++
			}
		}
		return n
	}

	for liveCount() > MaxCount || r.totalChars > MaxTotalChars {
		evicted := false
		for _, id := range r.order {
			a := r.byID[id]
			if a.IsEvicted {
				continue
			}
			r.totalChars -= len(a.Content)
			a.Content = ""
			a.IsEvicted = true
			evicted = true
			break
		}
		if !evicted {
			break
		}
	}
}

// Count returns the number of non-evicted artifacts, for tests.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range r.order {
		if !r.byID[id].IsEvicted {
			n++
		}
	}
	return n
}
