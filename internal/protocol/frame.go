package protocol

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// Frame is one unit of the wire protocol as read off the stream.
type Frame struct {
	ID    int64
	Event string
	Data  []byte
}

// FrameReader parses the newline-delimited frame format produced by Encoder:
// "id:", "event:", "data:" fields followed by a blank line. It is the decode
// half of the framing; Decode turns the frame payload back into a Message.
type FrameReader struct {
	scanner *bufio.Scanner
	lastID  int64
}

// NewFrameReader reads frames from r. Session streams carry single-line JSON
// payloads that can be large; the scanner buffer is sized accordingly.
func NewFrameReader(r io.Reader) *FrameReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &FrameReader{scanner: scanner}
}

// Next returns the next complete frame, or io.EOF when the stream ends.
// Lines that fit no field are ignored (SSE comments, keepalives).
func (fr *FrameReader) Next() (*Frame, error) {
	frame := &Frame{ID: -1}
	sawData := false

	for fr.scanner.Scan() {
		line := fr.scanner.Text()
		switch {
		case strings.HasPrefix(line, "id:"):
			if id, err := strconv.ParseInt(strings.TrimSpace(line[len("id:"):]), 10, 64); err == nil {
				frame.ID = id
				fr.lastID = id
			}
		case strings.HasPrefix(line, "event:"):
			frame.Event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			frame.Data = []byte(strings.TrimSpace(line[len("data:"):]))
			sawData = true
		case line == "":
			// Blank line ends the frame; skip leading blanks before any field
			if sawData || frame.Event != "" {
				return frame, nil
			}
		}
	}

	if err := fr.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// LastID reports the most recent frame id seen, for reconnection support.
func (fr *FrameReader) LastID() int64 {
	return fr.lastID
}
