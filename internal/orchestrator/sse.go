package orchestrator

import (
	"bufio"
	"io"
	"strings"
)

// Frame is one server-sent event.
type Frame struct {
	Event string
	Data  []byte
}

// Stream reads server-sent events from a streamed run.
type Stream struct {
	body   io.ReadCloser
	reader *bufio.Reader
}

func newStream(body io.ReadCloser) *Stream {
	return &Stream{body: body, reader: bufio.NewReaderSize(body, 64*1024)}
}

// Next returns the next frame, or io.EOF when the server closed the stream.
// Comment lines and frames without data are skipped.
func (s *Stream) Next() (Frame, error) {
	var (
		event string
		data  strings.Builder
		has   bool
	)
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			if err == io.EOF && has {
				return Frame{Event: event, Data: []byte(data.String())}, nil
			}
			return Frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if has {
				return Frame{Event: event, Data: []byte(data.String())}, nil
			}
			event = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			if has {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			has = true
		}
		if err == io.EOF {
			if has {
				return Frame{Event: event, Data: []byte(data.String())}, nil
			}
			return Frame{}, io.EOF
		}
	}
}

// Close releases the underlying connection.
func (s *Stream) Close() error {
	return s.body.Close()
}
