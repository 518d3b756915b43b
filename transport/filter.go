package transport

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

type topicMode uint8

const (
	topicAny topicMode = iota
	topicExact
	topicPrefix
)

// TopicFilter selects which topics a reader accepts. The zero value accepts
// every topic.
type TopicFilter struct {
	mode  topicMode
	value string
}

// SourceID accepts only the topic id.
func SourceID(id string) TopicFilter { return TopicFilter{mode: topicExact, value: id} }

// Prefix accepts topics starting with p.
func Prefix(p string) TopicFilter { return TopicFilter{mode: topicPrefix, value: p} }

// AnyTopic accepts every topic.
func AnyTopic() TopicFilter { return TopicFilter{} }

func (f TopicFilter) Match(topic string) bool {
	switch f.mode {
	case topicExact:
		return topic == f.value
	case topicPrefix:
		return strings.HasPrefix(topic, f.value)
	}
	return true
}

// Subscription is the prefix to subscribe with on transports that filter by
// prefix. Exact filters subscribe with the id and re-check with Match.
func (f TopicFilter) Subscription() string { return f.value }

// Exact returns the id of a SourceID filter.
func (f TopicFilter) Exact() (string, bool) { return f.value, f.mode == topicExact }

func (f TopicFilter) String() string {
	switch f.mode {
	case topicExact:
		return "source:" + f.value
	case topicPrefix:
		return "prefix:" + f.value
	}
	return "any"
}

// RoutingIDFilter drops messages from producers that were superseded on a
// topic. When a new routing id starts sending on a topic, the previous one
// is marked expired for that topic and anything it still sends there is
// rejected. Both tables are bounded LRUs.
type RoutingIDFilter struct {
	mu      sync.Mutex
	current *lru.Cache[string, string]
	expired *lru.Cache[string, struct{}]
}

func NewRoutingIDFilter(size int) *RoutingIDFilter {
	if size <= 0 {
		size = DefaultRoutingIDCacheSize
	}
	current, _ := lru.New[string, string](size)
	expired, _ := lru.New[string, struct{}](size)
	return &RoutingIDFilter{current: current, expired: expired}
}

// Allow reports whether a message on topic from routingID is accepted.
func (f *RoutingIDFilter) Allow(topic string, routingID []byte) bool {
	if len(routingID) == 0 {
		return true
	}
	id := string(routingID)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.expired.Contains(expiredKey(topic, id)) {
		return false
	}
	prev, ok := f.current.Get(topic)
	if ok && prev != id {
		f.expired.Add(expiredKey(topic, prev), struct{}{})
	}
	f.current.Add(topic, id)
	return true
}

func expiredKey(topic, id string) string { return topic + "\x00" + id }
