package graph

import "sync"

// LabelID references an interned string. Zero is the empty string.
type LabelID uint32

// Labels interns creator and label names so objects carry small ids instead
// of text. Safe for concurrent use; ids are only meaningful within one
// table, so envelopes carry their own dictionary.
type Labels struct {
	mu    sync.RWMutex
	ids   map[string]LabelID
	names []string
}

func NewLabels() *Labels {
	return &Labels{ids: map[string]LabelID{"": 0}, names: []string{""}}
}

// Intern returns the id for name, assigning one on first use.
func (l *Labels) Intern(name string) LabelID {
	l.mu.RLock()
	id, ok := l.ids[name]
	l.mu.RUnlock()
	if ok {
		return id
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if id, ok := l.ids[name]; ok {
		return id
	}
	id = LabelID(len(l.names))
	l.names = append(l.names, name)
	l.ids[name] = id
	return id
}

// Lookup returns the id for name without interning it.
func (l *Labels) Lookup(name string) (LabelID, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.ids[name]
	return id, ok
}

// Name resolves id; unknown ids resolve to "".
func (l *Labels) Name(id LabelID) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if int(id) < len(l.names) {
		return l.names[id]
	}
	return ""
}

func (l *Labels) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.names)
}
