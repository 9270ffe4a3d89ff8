package agent

import "bytes"

// LineSplitter turns arbitrary chunks of a byte stream into complete lines.
// A partial trailing line is carried over to the next Push.
type LineSplitter struct {
	buf []byte
	max int
}

// NewLineSplitter limits a single buffered line to maxLine bytes; a longer
// line is emitted as-is once the limit is reached. maxLine <= 0 means 16 MiB.
func NewLineSplitter(maxLine int) *LineSplitter {
	if maxLine <= 0 {
		maxLine = 16 * 1024 * 1024
	}
	return &LineSplitter{max: maxLine}
}

// Push appends chunk and returns every line it completed, without the
// trailing newline or carriage return. Empty lines are dropped.
func (s *LineSplitter) Push(chunk []byte) []string {
	s.buf = append(s.buf, chunk...)

	var lines []string
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimRight(s.buf[:i], "\r"); len(line) > 0 {
			lines = append(lines, string(line))
		}
		s.buf = s.buf[i+1:]
	}

	if len(s.buf) >= s.max {
		lines = append(lines, string(s.buf))
		s.buf = nil
	}
	if len(s.buf) == 0 {
		s.buf = nil
	}
	return lines
}

// Flush returns whatever partial line is left and resets the splitter.
func (s *LineSplitter) Flush() string {
	rest := string(bytes.TrimRight(s.buf, "\r"))
	s.buf = nil
	return rest
}
