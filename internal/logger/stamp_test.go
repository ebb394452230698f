package logger

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"
)

var fixed = time.Date(2024, time.March, 5, 7, 8, 9, 123456789, time.UTC)

func TestDateFormatTokens(t *testing.T) {
	cases := []struct {
		pattern string
		want    string
	}{
		{"YYYY-MM-DDTHH:mm:ss", "2024-03-05T07:08:09"},
		{"YY/M/D H:m:s", "24/3/5 7:8:9"},
		{"DD MMM YYYY hh:mm A", "05 Mar 2024 07:08 AM"},
		{"dddd, MMMM D", "Tuesday, March 5"},
		{"HH:mm:ss.SSS", "07:08:09.123"},
		{"[Today is] ddd", "Today is Tue"},
		{"YYYY-MM-DD HH:mm:ss Z", "2024-03-05 07:08:09 +00:00"},
		{"X", fmt.Sprint(fixed.Unix())},
		{"", ""},
	}
	for _, c := range cases {
		if got := CompileDateFormat(c.pattern).Format(fixed); got != c.want {
			t.Errorf("%q: got %q want %q", c.pattern, got, c.want)
		}
	}
}

func TestDateFormatAfternoon(t *testing.T) {
	pm := time.Date(2024, 1, 1, 0, 30, 0, 0, time.UTC)
	if got := CompileDateFormat("h:mm a").Format(pm); got != "12:30 am" {
		t.Fatalf("midnight: got %q", got)
	}
	pm = pm.Add(13 * time.Hour)
	if got := CompileDateFormat("h:mm A").Format(pm); got != "1:30 PM" {
		t.Fatalf("afternoon: got %q", got)
	}
}

func TestStamperPrefixesWithoutSeparator(t *testing.T) {
	st := NewStamper("YYYY-MM-DDTHH:mm:ss").WithClock(func() time.Time { return fixed })
	if got := string(st.Stamp([]byte("Server listening on 0.0.0.0 port 22."))); got != "2024-03-05T07:08:09Server listening on 0.0.0.0 port 22.\n" {
		t.Fatalf("stamp = %q", got)
	}
	if got := string(NewStamper("").Stamp([]byte("raw"))); got != "raw\n" {
		t.Fatalf("empty format should not prefix: %q", got)
	}
}

func TestCopyLinesKeepsOrderAndTrailingLine(t *testing.T) {
	st := NewStamper("[x]")
	in := strings.NewReader("a\r\nb\n\nlast")
	var out bytes.Buffer
	if err := CopyLines(in, &out, st, nil); err != nil {
		t.Fatalf("CopyLines: %v", err)
	}
	if got := out.String(); got != "xa\nxb\nx\nxlast\n" {
		t.Fatalf("got %q", got)
	}
}

type flakyWriter struct {
	n     int
	lines []string
}

func (f *flakyWriter) Write(p []byte) (int, error) {
	f.n++
	if f.n%2 == 0 {
		return 0, errors.New("disk full")
	}
	f.lines = append(f.lines, string(p))
	return len(p), nil
}

func TestCopyLinesContinuesPastSinkErrors(t *testing.T) {
	var errs int
	w := &flakyWriter{}
	err := CopyLines(strings.NewReader("1\n2\n3\n4\n5\n"), w, NewStamper(""), func(error) { errs++ })
	if err != nil {
		t.Fatalf("CopyLines: %v", err)
	}
	if errs != 2 {
		t.Fatalf("expected 2 sink errors, got %d", errs)
	}
	if strings.Join(w.lines, "") != "1\n3\n5\n" {
		t.Fatalf("lines = %q", w.lines)
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestCopyLinesReturnsReadError(t *testing.T) {
	if err := CopyLines(errReader{}, io.Discard, NewStamper(""), nil); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected read error, got %v", err)
	}
}
