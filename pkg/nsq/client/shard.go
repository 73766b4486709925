package client

import (
	"encoding/binary"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/spaolacci/murmur3"

	"github.com/AutoMQ/nsq-client/pkg/nsq/address"
)

// shardRouter pins sharding ids to data nodes.
// A pin is chosen by rendezvous hashing and kept until its node leaves the topic, so that
// nodes joining later do not move existing shards. At most size pins are kept; the least
// recently routed ones are evicted and routed by rendezvous hashing again.
type shardRouter struct {
	mu   sync.Mutex
	pins *simplelru.LRU[string, address.Address]
}

func newShardRouter(size int) *shardRouter {
	pins, err := simplelru.NewLRU[string, address.Address](size, nil)
	if err != nil {
		panic(err)
	}
	return &shardRouter{
		pins: pins,
	}
}

// route returns the node the sharding id of the topic is pinned to. nodes must be sorted and not
// empty.
func (r *shardRouter) route(topic string, shardingID int64, nodes []address.Address) address.Address {
	key := pinKey(topic, shardingID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if pinned, ok := r.pins.Get(key); ok && address.Contains(nodes, pinned) {
		return pinned
	}
	pinned := rendezvous(shardingID, nodes)
	r.pins.Add(key, pinned)
	return pinned
}

// unpin removes pins to addr in the topic.
func (r *shardRouter) unpin(topic string, addr address.Address) int {
	prefix := topic + "/"
	return r.unpinIf(addr, func(key string) bool { return strings.HasPrefix(key, prefix) })
}

// unpinAll removes pins to addr in all topics.
func (r *shardRouter) unpinAll(addr address.Address) int {
	return r.unpinIf(addr, func(string) bool { return true })
}

func (r *shardRouter) unpinIf(addr address.Address, match func(key string) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for _, key := range r.pins.Keys() {
		if pinned, ok := r.pins.Peek(key); ok && pinned == addr && match(key) {
			r.pins.Remove(key)
			removed++
		}
	}
	return removed
}

// rendezvous returns the node with the highest hash of (shardingID, node).
// Ties go to the node sorting first.
func rendezvous(shardingID int64, nodes []address.Address) address.Address {
	buf := make([]byte, 8, 64)
	binary.BigEndian.PutUint64(buf, uint64(shardingID))

	var best address.Address
	var bestScore uint64
	for i, node := range nodes {
		score := murmur3.Sum64(append(buf[:8], node.String()...))
		if i == 0 || score > bestScore {
			best, bestScore = node, score
		}
	}
	return best
}

func pinKey(topic string, shardingID int64) string {
	return topic + "/" + strconv.FormatInt(shardingID, 10)
}
