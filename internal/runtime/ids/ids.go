package ids

import (
	"crypto/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewFrameID returns a time-sortable ULID. Identifiers minted by one process
// are strictly increasing.
func NewFrameID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// FrameIDTime extracts the creation time encoded in a frame id.
func FrameIDTime(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}

// NewOwnerID returns an identifier for a lease holder: the host name followed
// by a random UUID, so two replicas on one host never collide.
func NewOwnerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "frameflow"
	}
	return host + "-" + uuid.NewString()
}

// Sequence hands out increasing message sequence numbers starting at 1.
type Sequence struct {
	n atomic.Uint64
}

// Next returns the next sequence number.
func (s *Sequence) Next() uint64 {
	return s.n.Add(1)
}
