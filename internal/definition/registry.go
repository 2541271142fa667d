package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/objectql/flowcore/model"
)

// snapshot is an immutable collection of all definitions, indexed both by
// bare id (latest wins, in load order) and by id@version.
type snapshot struct {
	latest   map[string]model.Definition
	versions map[string]model.Definition
	checksum string
}

// Registry is a read-optimized, thread-safe store of all loaded definitions.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definitions.
func NewRegistry(defs []model.Definition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given definitions.
func (r *Registry) Replace(defs []model.Definition) {
	s := &snapshot{
		latest:   make(map[string]model.Definition, len(defs)),
		versions: make(map[string]model.Definition, len(defs)),
	}

	var checksumParts []string
	for _, def := range defs {
		s.latest[def.ID] = def
		s.versions[def.Key()] = def
		checksumParts = append(checksumParts, def.Checksum)
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Get returns a definition by id and version. An empty version selects the
// most recently loaded definition with that id.
func (r *Registry) Get(id, version string) (model.Definition, bool) {
	s := r.current()
	if version == "" {
		d, ok := s.latest[id]
		return d, ok
	}
	d, ok := s.versions[id+"@"+version]
	return d, ok
}

// All returns every loaded definition (latest versions), sorted by id.
func (r *Registry) All() []model.Definition {
	s := r.current()
	defs := make([]model.Definition, 0, len(s.latest))
	for _, d := range s.latest {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// Len returns the number of distinct definition ids loaded.
func (r *Registry) Len() int {
	return len(r.current().latest)
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
