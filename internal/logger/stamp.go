package logger

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"time"
)

// Stamper prefixes log lines with the current time. With an empty format
// lines pass through unchanged.
type Stamper struct {
	format DateFormat
	now    func() time.Time
}

// NewStamper builds a Stamper for a moment.js style pattern.
func NewStamper(pattern string) Stamper {
	return Stamper{format: CompileDateFormat(pattern), now: time.Now}
}

// WithClock returns a copy using now as its time source.
func (s Stamper) WithClock(now func() time.Time) Stamper {
	if now != nil {
		s.now = now
	}
	return s
}

// Stamp renders "<timestamp><line>\n". line must not contain the newline.
func (s Stamper) Stamp(line []byte) []byte {
	out := make([]byte, 0, len(line)+32)
	if !s.format.Empty() {
		now := s.now
		if now == nil {
			now = time.Now
		}
		out = s.format.Append(out, now())
	}
	out = append(out, line...)
	return append(out, '\n')
}

// CopyLines reads r line by line and writes each stamped line to w with a
// single Write call. A failed write is handed to onWriteErr and copying
// continues, so the producer is never blocked by a broken sink. It returns
// nil at EOF or the read error otherwise.
func CopyLines(r io.Reader, w io.Writer, st Stamper, onWriteErr func(error)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			line = bytes.TrimSuffix(line, []byte("\n"))
			line = bytes.TrimSuffix(line, []byte("\r"))
			if _, werr := w.Write(st.Stamp(line)); werr != nil && onWriteErr != nil {
				onWriteErr(werr)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
