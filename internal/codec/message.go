package codec

import (
	"github.com/drblury/frameflow/internal/graph"
)

// Schema versions understood by Decode. Version 2 adds the trace parent to
// the message meta.
const (
	MinVersion     uint32 = 1
	CurrentVersion uint32 = 2
)

// Meta travels with every message.
type Meta struct {
	// Seq numbers messages per writer.
	Seq      uint64
	StreamID string
	// FencingToken is the lease token held when the message was encoded.
	// Zero means the producer does not fence.
	FencingToken uint64
	// Routing carries opaque labels for downstream routing.
	Routing []string
	// TraceParent is a W3C trace context header. Dropped by version 1.
	TraceParent string
}

// EndOfStream tells consumers that a source has finished.
type EndOfStream struct {
	SourceID string
}

// UserData carries application attributes outside any frame.
type UserData struct {
	SourceID   string
	Attributes graph.Attributes
}

// Message is the unit carried by one logical envelope. Exactly one of
// Frame, EndOfStream and UserData is set.
type Message struct {
	// Version selects the schema; zero encodes CurrentVersion.
	Version uint32
	Meta    Meta

	Frame       *graph.FrameData
	EndOfStream *EndOfStream
	UserData    *UserData
}

// Kind names the payload variant.
func (m Message) Kind() string {
	switch {
	case m.Frame != nil:
		return "frame"
	case m.EndOfStream != nil:
		return "end_of_stream"
	case m.UserData != nil:
		return "user_data"
	}
	return "empty"
}

// SourceID returns the source of whichever variant is set.
func (m Message) SourceID() string {
	switch {
	case m.Frame != nil:
		return m.Frame.SourceID
	case m.EndOfStream != nil:
		return m.EndOfStream.SourceID
	case m.UserData != nil:
		return m.UserData.SourceID
	}
	return ""
}

func (m Message) variants() int {
	n := 0
	if m.Frame != nil {
		n++
	}
	if m.EndOfStream != nil {
		n++
	}
	if m.UserData != nil {
		n++
	}
	return n
}
