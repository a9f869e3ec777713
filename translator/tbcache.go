package translator

import (
	akitacache "github.com/sarchlab/akita/v4/mem/cache"

	"github.com/sarchlab/tbprof/insts"
	"github.com/sarchlab/tbprof/plugin"
)

// CacheConfig holds the geometry of the translated-block cache.
type CacheConfig struct {
	// Sets is the number of sets, indexed by block start address.
	Sets int
	// Ways is the number of blocks per set.
	Ways int
}

// DefaultCacheConfig returns a cache large enough that ordinary programs
// never evict.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Sets: 4096,
		Ways: 8,
	}
}

// tbCache is a set-associative cache of translated blocks. Tags are block
// start addresses; replacement is LRU within a set.
type tbCache struct {
	config CacheConfig

	directory *akitacache.DirectoryImpl

	// indexed by (setID * ways + wayID)
	entries []*plugin.TB
}

func newTBCache(config CacheConfig) *tbCache {
	return &tbCache{
		config: config,
		directory: akitacache.NewDirectory(
			config.Sets,
			config.Ways,
			insts.InstructionSize,
			akitacache.NewLRUVictimFinder(),
		),
		entries: make([]*plugin.TB, config.Sets*config.Ways),
	}
}

func (c *tbCache) index(block *akitacache.Block) int {
	return block.SetID*c.config.Ways + block.WayID
}

// lookup returns the cached block starting at pc, or nil.
func (c *tbCache) lookup(pc uint64) *plugin.TB {
	block := c.directory.Lookup(0, pc)
	if block == nil || !block.IsValid {
		return nil
	}

	c.directory.Visit(block)
	return c.entries[c.index(block)]
}

// insert caches tb and returns the block it displaced, if any.
func (c *tbCache) insert(tb *plugin.TB) *plugin.TB {
	victim := c.directory.FindVictim(tb.Vaddr())
	if victim == nil {
		return nil
	}

	idx := c.index(victim)
	var evicted *plugin.TB
	if victim.IsValid {
		evicted = c.entries[idx]
	}

	victim.Tag = tb.Vaddr()
	victim.IsValid = true
	victim.IsDirty = false
	c.entries[idx] = tb
	c.directory.Visit(victim)

	return evicted
}

// flush drops every cached block.
func (c *tbCache) flush() {
	for _, set := range c.directory.GetSets() {
		for _, block := range set.Blocks {
			block.IsValid = false
			block.IsDirty = false
			c.entries[c.index(block)] = nil
		}
	}
}
