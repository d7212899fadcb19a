package network

import (
	"strings"
	"sync"
)

// matchPattern tests an event name against a subscription pattern.
// A trailing '*' makes the pattern a prefix wildcard ("system.*"
// matches "system.shutdown"); anything else is an exact match.
func matchPattern(pattern, name string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, pattern[:len(pattern)-1])
	}
	return pattern == name
}

// subscriptionRegistry maps each connection to its set of subscribed
// patterns. Mutations come from subscribe/unsubscribe dispatch and from
// connection teardown; broadcasts walk a snapshot taken at call time.
type subscriptionRegistry struct {
	mu   sync.RWMutex
	subs map[*Connection]map[string]struct{}
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{
		subs: make(map[*Connection]map[string]struct{}),
	}
}

func (r *subscriptionRegistry) subscribe(c *Connection, pattern string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.subs[c]
	if !ok {
		set = make(map[string]struct{})
		r.subs[c] = set
	}
	set[pattern] = struct{}{}
}

func (r *subscriptionRegistry) unsubscribe(c *Connection, pattern string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.subs[c]; ok {
		delete(set, pattern)
		if len(set) == 0 {
			delete(r.subs, c)
		}
	}
}

func (r *subscriptionRegistry) dropConnection(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, c)
}

func (r *subscriptionRegistry) patternCount(c *Connection) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[c])
}

// match returns the connections with at least one pattern matching
// name. Each connection appears once no matter how many of its patterns
// match. The result is a snapshot: subscriptions added afterwards do
// not see the event being broadcast.
func (r *subscriptionRegistry) match(name string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Connection
	for conn, patterns := range r.subs {
		for pattern := range patterns {
			if matchPattern(pattern, name) {
				out = append(out, conn)
				break
			}
		}
	}
	return out
}
