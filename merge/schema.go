package merge

import (
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/warp/budget-engine/budget"
)

// =============================================================================
// SCHEMA CACHE - Which division archives are known to exist
// =============================================================================

// SchemaCache remembers which per-division archive relations have been
// provisioned, so merges skip the create-if-absent statement after the
// first one. Keys embed the schema version: bumping the version makes every
// division unknown again.
//
// A division is only marked ready after the transaction that created its
// archive committed. A rolled-back create never poisons the cache.
type SchemaCache struct {
	c       *cache.Cache
	version int
}

// NewSchemaCache creates a cache for a schema version. A zero ttl keeps
// entries until they are invalidated.
func NewSchemaCache(version int, ttl time.Duration) *SchemaCache {
	exp := ttl
	if exp <= 0 {
		exp = cache.NoExpiration
	}
	return &SchemaCache{c: cache.New(exp, 10*time.Minute), version: version}
}

// Ready reports whether the division's archive is known to exist.
func (s *SchemaCache) Ready(division string) bool {
	if s == nil {
		return false
	}
	_, ok := s.c.Get(s.key(division))
	return ok
}

// MarkReady records that the division's archive exists.
func (s *SchemaCache) MarkReady(division string) {
	if s == nil {
		return
	}
	s.c.Set(s.key(division), true, cache.DefaultExpiration)
}

// Invalidate forgets one division.
func (s *SchemaCache) Invalidate(division string) {
	if s == nil {
		return
	}
	s.c.Delete(s.key(division))
}

// Flush forgets every division.
func (s *SchemaCache) Flush() {
	if s == nil {
		return
	}
	s.c.Flush()
}

// Version is the schema version the cache answers for.
func (s *SchemaCache) Version() int {
	return s.version
}

func (s *SchemaCache) key(division string) string {
	return budget.CanonicalDivision(division) + "@" + strconv.Itoa(s.version)
}
