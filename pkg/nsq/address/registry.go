package address

import (
	"sort"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Registry keeps an ordered set of data node addresses for every topic.
// It is safe for concurrent use by multiple goroutines. Topics are spread over the shards of a
// concurrent map and each topic has its own lock, so mutating one topic never blocks readers of
// another.
type Registry struct {
	topics cmap.ConcurrentMap[string, *set]
}

// set is a sorted, duplicate-free slice of addresses.
type set struct {
	mu    sync.RWMutex
	addrs []Address
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		topics: cmap.New[*set](),
	}
}

// Get returns the addresses of the topic, sorted.
// The returned slice is never nil and is owned by the caller; later mutations of the registry
// are not reflected in it.
func (r *Registry) Get(topic string) []Address {
	s := r.getOrCreate(topic)

	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]Address, len(s.addrs))
	copy(res, s.addrs)
	return res
}

// Add adds addr to the topic. It returns false if addr is already present.
func (r *Registry) Add(topic string, addr Address) bool {
	s := r.getOrCreate(topic)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(addr)
}

// Remove removes addr from the topic. It returns false if addr is not present.
func (r *Registry) Remove(topic string, addr Address) bool {
	s, ok := r.topics.Get(topic)
	if !ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(addr)
}

// Reset replaces all addresses of the topic with addrs.
// It returns the addresses that were added and removed.
func (r *Registry) Reset(topic string, addrs []Address) (added, removed []Address) {
	s := r.getOrCreate(topic)

	next := &set{}
	for _, addr := range addrs {
		next.addLocked(addr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, addr := range next.addrs {
		if !Contains(s.addrs, addr) {
			added = append(added, addr)
		}
	}
	for _, addr := range s.addrs {
		if !Contains(next.addrs, addr) {
			removed = append(removed, addr)
		}
	}
	s.addrs = next.addrs
	return
}

// RemoveAll removes addr from every topic and returns the topics it was removed from.
func (r *Registry) RemoveAll(addr Address) []string {
	var topics []string
	for _, topic := range r.topics.Keys() {
		if r.Remove(topic, addr) {
			topics = append(topics, topic)
		}
	}
	sort.Strings(topics)
	return topics
}

// Topics returns the names of all known topics, sorted.
func (r *Registry) Topics() []string {
	topics := r.topics.Keys()
	sort.Strings(topics)
	return topics
}

// Clear removes all topics.
func (r *Registry) Clear() {
	r.topics.Clear()
}

func (r *Registry) getOrCreate(topic string) *set {
	if s, ok := r.topics.Get(topic); ok {
		return s
	}
	return r.topics.Upsert(topic, nil, func(exist bool, valueInMap *set, _ *set) *set {
		if exist {
			return valueInMap
		}
		return &set{}
	})
}

func (s *set) addLocked(addr Address) bool {
	i, found := search(s.addrs, addr)
	if found {
		return false
	}
	s.addrs = append(s.addrs, Address{})
	copy(s.addrs[i+1:], s.addrs[i:])
	s.addrs[i] = addr
	return true
}

func (s *set) removeLocked(addr Address) bool {
	i, found := search(s.addrs, addr)
	if !found {
		return false
	}
	s.addrs = append(s.addrs[:i], s.addrs[i+1:]...)
	return true
}
