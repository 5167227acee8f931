package dispatch

import (
	"fmt"

	"github.com/buraksezer/consistent"
	"github.com/spaolacci/murmur3"
)

type hasher struct{}

func (h hasher) Sum64(data []byte) uint64 {
	return murmur3.Sum64(data)
}

type lane string

func (l lane) String() string {
	return string(l)
}

// laneRing spreads channels over a fixed set of in-process lanes. A channel
// always maps to the same lane, and each lane works its channels one at a
// time.
type laneRing struct {
	hring *consistent.Consistent
	names []string
}

func newLaneRing(count int) *laneRing {
	if count < 1 {
		count = 1
	}
	cfg := consistent.Config{
		PartitionCount:    71,
		ReplicationFactor: 20,
		Load:              1.25,
		Hasher:            hasher{},
	}
	hr := consistent.New(nil, cfg)
	names := make([]string, 0, count)
	for i := 0; i < count; i++ {
		name := fmt.Sprintf("lane-%d", i)
		hr.Add(lane(name))
		names = append(names, name)
	}
	return &laneRing{hring: hr, names: names}
}

func (r *laneRing) LaneFor(channelId string) string {
	return r.hring.LocateKey([]byte(channelId)).String()
}

// Group buckets channels by lane, keeping their relative order.
func (r *laneRing) Group(channels []string) map[string][]string {
	out := make(map[string][]string, len(r.names))
	for _, ch := range channels {
		l := r.LaneFor(ch)
		out[l] = append(out[l], ch)
	}
	return out
}
