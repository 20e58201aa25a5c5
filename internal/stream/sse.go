package stream

import (
	"bytes"
)

// Frame is one dispatched server-sent event. Raw holds the exact bytes the
// event occupied on the wire, blank terminator line included.
type Frame struct {
	Event string
	Data  []byte
	Raw   []byte
}

// Framer splits an SSE byte stream into frames. Only the trailing partial
// line is buffered between Feed calls.
type Framer struct {
	partial []byte
	event   string
	data    [][]byte
	raw     bytes.Buffer
}

func NewFramer() *Framer {
	return &Framer{}
}

// Feed consumes the next chunk of upstream bytes and returns the frames it
// completed.
func (f *Framer) Feed(chunk []byte) []Frame {
	var frames []Frame
	for len(chunk) > 0 {
		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			f.partial = append(f.partial, chunk...)
			return frames
		}

		var line []byte
		if len(f.partial) > 0 {
			f.partial = append(f.partial, chunk[:idx+1]...)
			line = f.partial
		} else {
			line = chunk[:idx+1]
		}
		chunk = chunk[idx+1:]

		if frame, ok := f.line(line); ok {
			frames = append(frames, frame)
		}
		f.partial = f.partial[:0]
	}
	return frames
}

// Flush dispatches whatever is pending at end of stream, including an
// unterminated last line.
func (f *Framer) Flush() []Frame {
	if len(f.partial) > 0 {
		line := append(f.partial, '\n')
		f.partial = nil
		if frame, ok := f.line(line); ok {
			return []Frame{frame}
		}
	}
	if frame, ok := f.dispatch(); ok {
		return []Frame{frame}
	}
	return nil
}

func (f *Framer) line(line []byte) (Frame, bool) {
	content := bytes.TrimRight(line, "\r\n")
	if len(content) == 0 {
		f.raw.Write(line)
		return f.dispatch()
	}
	f.raw.Write(line)

	if content[0] == ':' {
		return Frame{}, false
	}

	field, value := content, []byte(nil)
	if colon := bytes.IndexByte(content, ':'); colon >= 0 {
		field = content[:colon]
		value = content[colon+1:]
		if len(value) > 0 && value[0] == ' ' {
			value = value[1:]
		}
	}

	switch string(field) {
	case "event":
		f.event = string(value)
	case "data":
		f.data = append(f.data, append([]byte(nil), value...))
	}
	return Frame{}, false
}

func (f *Framer) dispatch() (Frame, bool) {
	defer func() {
		f.event = ""
		f.data = f.data[:0]
		f.raw.Reset()
	}()

	if len(f.data) == 0 && f.event == "" {
		return Frame{}, false
	}
	frame := Frame{
		Event: f.event,
		Data:  bytes.Join(f.data, []byte("\n")),
		Raw:   append([]byte(nil), f.raw.Bytes()...),
	}
	if len(frame.Raw) > 0 && !bytes.HasSuffix(frame.Raw, []byte("\n\n")) && !bytes.HasSuffix(frame.Raw, []byte("\r\n\r\n")) {
		frame.Raw = append(frame.Raw, '\n')
	}
	return frame, true
}
