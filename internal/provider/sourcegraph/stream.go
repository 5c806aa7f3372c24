package sourcegraph

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/felipepmaragno/cookie-gateway/internal/domain"
)

const (
	maxFrameSize = 1 << 20

	eventCompletion = "completion"
	eventDone       = "done"
	eventError      = "error"
	dataDone        = "[DONE]"
)

var frameSeparator = []byte("\n\n")

// ErrFrameTooLarge is returned when a single frame exceeds the decoder's buffer.
var ErrFrameTooLarge = errors.New("event frame too large")

// Event is one blank-line delimited frame of the upstream event stream.
type Event struct {
	Type string
	Data string
}

// Decoder pulls completion payloads out of an upstream event stream.
// It holds at most one incomplete frame in memory.
type Decoder struct {
	scanner *bufio.Scanner
	done    bool
}

func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameSize)
	scanner.Split(splitFrames)
	return &Decoder{scanner: scanner}
}

// splitFrames yields one frame per "\n\n" boundary. Bytes left without a
// boundary at EOF are discarded.
func splitFrames(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.Index(data, frameSeparator); i >= 0 {
		return i + len(frameSeparator), data[:i], nil
	}
	if atEOF {
		return len(data), nil, nil
	}
	return 0, nil, nil
}

// ReadEvent returns the next parsed frame, or io.EOF once the stream is exhausted.
func (d *Decoder) ReadEvent() (Event, error) {
	if d.scanner.Scan() {
		return parseFrame(d.scanner.Text()), nil
	}

	err := d.scanner.Err()
	switch {
	case err == nil:
		return Event{}, io.EOF
	case errors.Is(err, bufio.ErrTooLong):
		return Event{}, &domain.UpstreamError{
			Kind:   domain.UpstreamTransport,
			Detail: fmt.Sprintf("frame exceeds %d bytes", maxFrameSize),
			Err:    ErrFrameTooLarge,
		}
	default:
		return Event{}, &domain.UpstreamError{
			Kind:   domain.UpstreamTransport,
			Detail: "stream read failed",
			Err:    err,
		}
	}
}

// Next returns the data of the next non-empty completion frame. It returns
// io.EOF on a terminal marker or at end of stream, and keeps returning io.EOF
// afterwards.
func (d *Decoder) Next() (string, error) {
	if d.done {
		return "", io.EOF
	}

	for {
		ev, err := d.ReadEvent()
		if err != nil {
			d.done = true
			return "", err
		}

		switch {
		case ev.Type == eventDone || ev.Data == dataDone:
			d.done = true
			return "", io.EOF
		case ev.Type == eventError:
			d.done = true
			return "", &domain.UpstreamError{
				Kind:   domain.UpstreamProtocol,
				Detail: ev.Data,
			}
		case ev.Type == eventCompletion && ev.Data != "":
			return ev.Data, nil
		}
	}
}

func parseFrame(frame string) Event {
	var ev Event
	var data strings.Builder
	for _, line := range strings.Split(frame, "\n") {
		switch {
		case strings.HasPrefix(line, "event:"):
			ev.Type = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(line[len("data:"):]))
		}
	}
	ev.Data = data.String()
	return ev
}
