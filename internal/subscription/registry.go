// Package subscription tracks which live observers are watching which
// orders and fans status updates out to them.
package subscription

import (
	"hash/fnv"
	"sync"
)

const shardCount = 32

// Observer is a live connection interested in order updates. Send must not
// block; it reports false when the payload was dropped because the observer
// is closed or its buffer is full.
type Observer interface {
	ID() string
	Send(payload []byte) bool
}

type shard struct {
	mu   sync.RWMutex
	subs map[string]map[string]Observer // order id -> observer id -> observer
}

// Registry maps order ids to observers. It is safe for concurrent use; the
// zero value is not, use NewRegistry.
type Registry struct {
	shards [shardCount]*shard

	idxMu sync.Mutex
	index map[string]map[string]struct{} // observer id -> order ids
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{index: make(map[string]map[string]struct{})}
	for i := range r.shards {
		r.shards[i] = &shard{subs: make(map[string]map[string]Observer)}
	}
	return r
}

func (r *Registry) shardFor(orderID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(orderID))
	return r.shards[h.Sum32()%shardCount]
}

// Subscribe adds obs to the watchers of orderID. Subscribing twice is a
// no-op.
func (r *Registry) Subscribe(orderID string, obs Observer) {
	// idxMu is always taken before a shard lock.
	r.idxMu.Lock()
	defer r.idxMu.Unlock()

	orders, ok := r.index[obs.ID()]
	if !ok {
		orders = make(map[string]struct{})
		r.index[obs.ID()] = orders
	}
	orders[orderID] = struct{}{}

	s := r.shardFor(orderID)
	s.mu.Lock()
	set, ok := s.subs[orderID]
	if !ok {
		set = make(map[string]Observer)
		s.subs[orderID] = set
	}
	set[obs.ID()] = obs
	s.mu.Unlock()
}

// Unsubscribe removes obs from orderID only.
func (r *Registry) Unsubscribe(orderID string, obs Observer) {
	r.idxMu.Lock()
	defer r.idxMu.Unlock()

	if orders, ok := r.index[obs.ID()]; ok {
		delete(orders, orderID)
		if len(orders) == 0 {
			delete(r.index, obs.ID())
		}
	}
	r.remove(orderID, obs.ID())
}

// UnsubscribeAll removes obs from every order it watches. It is called when
// the observer's connection closes.
func (r *Registry) UnsubscribeAll(obs Observer) {
	r.idxMu.Lock()
	defer r.idxMu.Unlock()

	for orderID := range r.index[obs.ID()] {
		r.remove(orderID, obs.ID())
	}
	delete(r.index, obs.ID())
}

func (r *Registry) remove(orderID, observerID string) {
	s := r.shardFor(orderID)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subs[orderID]
	if !ok {
		return
	}
	delete(set, observerID)
	if len(set) == 0 {
		delete(s.subs, orderID)
	}
}

// Broadcast sends payload to every current observer of orderID and returns
// how many accepted it. Observers that drop the payload are skipped; nothing
// is queued for observers that subscribe later.
func (r *Registry) Broadcast(orderID string, payload []byte) int {
	s := r.shardFor(orderID)
	s.mu.RLock()
	set := s.subs[orderID]
	targets := make([]Observer, 0, len(set))
	for _, obs := range set {
		targets = append(targets, obs)
	}
	s.mu.RUnlock()

	delivered := 0
	for _, obs := range targets {
		if obs.Send(payload) {
			delivered++
		}
	}
	return delivered
}

// Count returns the number of observers watching orderID.
func (r *Registry) Count(orderID string) int {
	s := r.shardFor(orderID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[orderID])
}

// Observers returns the number of distinct observers holding at least one
// subscription.
func (r *Registry) Observers() int {
	r.idxMu.Lock()
	defer r.idxMu.Unlock()
	return len(r.index)
}
