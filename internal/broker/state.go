// internal/broker/state.go
package broker

import (
	"sort"
	"sync"

	"github.com/tamzrod/tagbridge/internal/controller"
)

// key is a SubscriptionKey: one controller symbol.
type key struct {
	controller string
	symbol     string
}

// route is the live controller subscription behind one key and the
// subscribers that currently receive its samples.
type route struct {
	handle controller.Handle
	live   bool // false while the controller subscribe call is in flight
	subs   map[string]Subscriber
}

// state holds the SubscriptionKey map and the SubscriberIndex.
// Both maps are only ever mutated together under mu.
//
// Invariant: keys[k] exists iff len(keys[k].subs) > 0, and
// index[id][c][s] exists iff keys[{c,s}].subs[id] exists.
type state struct {
	mu    sync.RWMutex
	keys  map[key]*route
	index map[string]map[string]map[string]struct{}
}

func newState() *state {
	return &state{
		keys:  make(map[key]*route),
		index: make(map[string]map[string]map[string]struct{}),
	}
}

// addLocked adds sub to k, creating the route if needed.
// It reports whether the route was created.
func (s *state) addLocked(k key, sub Subscriber) (created bool) {
	r, ok := s.keys[k]
	if !ok {
		r = &route{subs: make(map[string]Subscriber)}
		s.keys[k] = r
		created = true
	}
	r.subs[sub.ID()] = sub

	byCtrl, ok := s.index[sub.ID()]
	if !ok {
		byCtrl = make(map[string]map[string]struct{})
		s.index[sub.ID()] = byCtrl
	}
	syms, ok := byCtrl[k.controller]
	if !ok {
		syms = make(map[string]struct{})
		byCtrl[k.controller] = syms
	}
	syms[k.symbol] = struct{}{}
	return created
}

// removeLocked removes id from k. It reports whether id was present
// and whether the key became empty (the route is then deleted).
func (s *state) removeLocked(id string, k key) (found, emptied bool) {
	r, ok := s.keys[k]
	if !ok {
		return false, false
	}
	if _, ok := r.subs[id]; !ok {
		return false, false
	}
	delete(r.subs, id)

	if byCtrl, ok := s.index[id]; ok {
		if syms, ok := byCtrl[k.controller]; ok {
			delete(syms, k.symbol)
			if len(syms) == 0 {
				delete(byCtrl, k.controller)
			}
		}
		if len(byCtrl) == 0 {
			delete(s.index, id)
		}
	}

	if len(r.subs) == 0 {
		delete(s.keys, k)
		return true, true
	}
	return true, false
}

// keysOfLocked lists every key held by id (O(k) via the index).
func (s *state) keysOfLocked(id string) []key {
	var out []key
	for c, syms := range s.index[id] {
		for sym := range syms {
			out = append(out, key{controller: c, symbol: sym})
		}
	}
	return out
}

// targets returns the subscribers of k, or ok=false if k has no route.
func (s *state) targets(k key) (subs []Subscriber, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.keys[k]
	if !ok {
		return nil, false
	}
	subs = make([]Subscriber, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	return subs, true
}

// ---- introspection ----

func (s *state) subscribers(k key) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.keys[k]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(r.subs))
	for id := range r.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *state) subscriptionsOf(id string) map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]string, len(s.index[id]))
	for c, syms := range s.index[id] {
		list := make([]string, 0, len(syms))
		for sym := range syms {
			list = append(list, sym)
		}
		sort.Strings(list)
		out[c] = list
	}
	return out
}

func (s *state) liveKeys() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}
