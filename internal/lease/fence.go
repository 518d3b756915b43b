package lease

import (
	"sync"

	"github.com/drblury/frameflow/internal/runtime/logging"
)

// Fence remembers the newest fencing token seen per stream and rejects
// anything older. Token 0 marks an unfenced envelope and always passes.
type Fence struct {
	mu   sync.Mutex
	last map[string]uint64

	opts options
	log  logging.ServiceLogger
}

func NewFence(opts ...Option) *Fence {
	o := newOptions(opts)
	return &Fence{
		last: make(map[string]uint64),
		opts: o,
		log:  logging.Component(o.logger, "fence"),
	}
}

// Admit reports whether an envelope of stream tagged with token may be
// consumed, and records token when it is the newest so far.
func (f *Fence) Admit(stream string, token uint64) bool {
	if token == 0 {
		return true
	}
	f.mu.Lock()
	last := f.last[stream]
	if token >= last {
		f.last[stream] = token
		f.mu.Unlock()
		return true
	}
	f.mu.Unlock()

	f.opts.recorder.StaleDiscarded(stream)
	f.log.Debug("Discarding stale envelope", logging.LogFields{"stream": stream, "token": token, "last_token": last})
	return false
}

// Last returns the newest token admitted for stream.
func (f *Fence) Last(stream string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last[stream]
}

// Forget drops the state kept for stream.
func (f *Fence) Forget(stream string) {
	f.mu.Lock()
	delete(f.last, stream)
	f.mu.Unlock()
}
