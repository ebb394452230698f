package logger

import (
	"strconv"
	"strings"
	"time"
)

// DateFormat renders times using a moment.js style pattern such as
// "YYYY-MM-DDTHH:mm:ss". Text inside [brackets] is copied literally, and so
// is any character that is not part of a token.
type DateFormat struct {
	pattern string
	parts   []func(b []byte, t time.Time) []byte
}

// token table, longest tokens first so that "YYYY" wins over "YY".
var dateTokens = []struct {
	tok string
	fn  func(b []byte, t time.Time) []byte
}{
	{"YYYY", func(b []byte, t time.Time) []byte { return pad(b, t.Year(), 4) }},
	{"YY", func(b []byte, t time.Time) []byte { return pad(b, t.Year()%100, 2) }},
	{"MMMM", func(b []byte, t time.Time) []byte { return append(b, t.Month().String()...) }},
	{"MMM", func(b []byte, t time.Time) []byte { return append(b, t.Month().String()[:3]...) }},
	{"MM", func(b []byte, t time.Time) []byte { return pad(b, int(t.Month()), 2) }},
	{"M", func(b []byte, t time.Time) []byte { return strconv.AppendInt(b, int64(t.Month()), 10) }},
	{"DDDD", func(b []byte, t time.Time) []byte { return pad(b, t.YearDay(), 3) }},
	{"DDD", func(b []byte, t time.Time) []byte { return strconv.AppendInt(b, int64(t.YearDay()), 10) }},
	{"DD", func(b []byte, t time.Time) []byte { return pad(b, t.Day(), 2) }},
	{"D", func(b []byte, t time.Time) []byte { return strconv.AppendInt(b, int64(t.Day()), 10) }},
	{"dddd", func(b []byte, t time.Time) []byte { return append(b, t.Weekday().String()...) }},
	{"ddd", func(b []byte, t time.Time) []byte { return append(b, t.Weekday().String()[:3]...) }},
	{"dd", func(b []byte, t time.Time) []byte { return append(b, t.Weekday().String()[:2]...) }},
	{"d", func(b []byte, t time.Time) []byte { return strconv.AppendInt(b, int64(t.Weekday()), 10) }},
	{"HH", func(b []byte, t time.Time) []byte { return pad(b, t.Hour(), 2) }},
	{"H", func(b []byte, t time.Time) []byte { return strconv.AppendInt(b, int64(t.Hour()), 10) }},
	{"hh", func(b []byte, t time.Time) []byte { return pad(b, hour12(t), 2) }},
	{"h", func(b []byte, t time.Time) []byte { return strconv.AppendInt(b, int64(hour12(t)), 10) }},
	{"mm", func(b []byte, t time.Time) []byte { return pad(b, t.Minute(), 2) }},
	{"m", func(b []byte, t time.Time) []byte { return strconv.AppendInt(b, int64(t.Minute()), 10) }},
	{"ss", func(b []byte, t time.Time) []byte { return pad(b, t.Second(), 2) }},
	{"s", func(b []byte, t time.Time) []byte { return strconv.AppendInt(b, int64(t.Second()), 10) }},
	{"SSS", func(b []byte, t time.Time) []byte { return pad(b, t.Nanosecond()/1e6, 3) }},
	{"SS", func(b []byte, t time.Time) []byte { return pad(b, t.Nanosecond()/1e7, 2) }},
	{"S", func(b []byte, t time.Time) []byte { return strconv.AppendInt(b, int64(t.Nanosecond()/1e8), 10) }},
	{"A", func(b []byte, t time.Time) []byte { return append(b, t.Format("PM")...) }},
	{"a", func(b []byte, t time.Time) []byte { return append(b, t.Format("pm")...) }},
	{"ZZ", func(b []byte, t time.Time) []byte { return append(b, t.Format("-0700")...) }},
	{"Z", func(b []byte, t time.Time) []byte { return append(b, t.Format("-07:00")...) }},
	{"X", func(b []byte, t time.Time) []byte { return strconv.AppendInt(b, t.Unix(), 10) }},
	{"x", func(b []byte, t time.Time) []byte { return strconv.AppendInt(b, t.UnixMilli(), 10) }},
}

// CompileDateFormat parses pattern once so that Append is cheap per line.
func CompileDateFormat(pattern string) DateFormat {
	df := DateFormat{pattern: pattern}
	var lit strings.Builder
	flush := func() {
		if lit.Len() == 0 {
			return
		}
		s := lit.String()
		df.parts = append(df.parts, func(b []byte, _ time.Time) []byte { return append(b, s...) })
		lit.Reset()
	}
	for i := 0; i < len(pattern); {
		if pattern[i] == '[' {
			if end := strings.IndexByte(pattern[i+1:], ']'); end >= 0 {
				lit.WriteString(pattern[i+1 : i+1+end])
				i += end + 2
				continue
			}
		}
		matched := false
		for _, dt := range dateTokens {
			if strings.HasPrefix(pattern[i:], dt.tok) {
				flush()
				df.parts = append(df.parts, dt.fn)
				i += len(dt.tok)
				matched = true
				break
			}
		}
		if !matched {
			lit.WriteByte(pattern[i])
			i++
		}
	}
	flush()
	return df
}

// Pattern returns the source pattern.
func (f DateFormat) Pattern() string { return f.pattern }

// Empty reports whether the format renders nothing.
func (f DateFormat) Empty() bool { return len(f.parts) == 0 }

// Append renders t onto b.
func (f DateFormat) Append(b []byte, t time.Time) []byte {
	for _, p := range f.parts {
		b = p(b, t)
	}
	return b
}

// Format renders t as a string.
func (f DateFormat) Format(t time.Time) string { return string(f.Append(nil, t)) }

func pad(b []byte, v, width int) []byte {
	s := strconv.Itoa(v)
	for i := len(s); i < width; i++ {
		b = append(b, '0')
	}
	return append(b, s...)
}

func hour12(t time.Time) int {
	h := t.Hour() % 12
	if h == 0 {
		return 12
	}
	return h
}
