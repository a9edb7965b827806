package diagnostics

import "strings"

// Stream identifies one diagnostics channel.
type Stream int

const (
	Whisper Stream = iota
	Theme

	numStreams
)

// DefaultStream is used when a request names no stream or an unknown one.
const DefaultStream = Whisper

// Streams returns every declared stream in order.
func Streams() []Stream {
	return []Stream{Whisper, Theme}
}

// Valid reports whether s is a declared stream.
func (s Stream) Valid() bool {
	return s >= 0 && s < numStreams
}

func (s Stream) String() string {
	switch s {
	case Whisper:
		return "WHISPER"
	case Theme:
		return "THEME"
	default:
		return "UNKNOWN"
	}
}

// ParseStream looks a stream up by name, ignoring case and surrounding
// space. Blank and unknown names report false.
func ParseStream(name string) (Stream, bool) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "WHISPER":
		return Whisper, true
	case "THEME":
		return Theme, true
	default:
		return DefaultStream, false
	}
}
