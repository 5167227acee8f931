package flow

import (
	"fmt"
	"time"

	c "github.com/patrickmn/go-cache"
)

// GraphCache keeps compiled graphs. Graphs are immutable per (flow, variant,
// version) so entries never need invalidation, only expiry.
type GraphCache struct {
	cache *c.Cache
}

func NewGraphCache(ttl time.Duration) *GraphCache {
	return &GraphCache{
		cache: c.New(ttl, 2*ttl),
	}
}

func graphKey(flowId string, variantId string, version int) string {
	return fmt.Sprintf("%s:%s:%d", flowId, variantId, version)
}

func (gc *GraphCache) Get(flowId string, variantId string, version int) (*Graph, bool) {
	v, found := gc.cache.Get(graphKey(flowId, variantId, version))
	if !found {
		return nil, false
	}
	return v.(*Graph), true
}

func (gc *GraphCache) Put(g *Graph) {
	gc.cache.SetDefault(graphKey(g.FlowId, g.VariantId, g.Version), g)
}
