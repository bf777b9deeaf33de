package csvsource

// reader.go prepares raw upload bytes for the CSV reader.
//
//   - The UTF-8 BOM that Windows programs add is dropped.
//   - Files that are not valid UTF-8 are decoded with the fallback charset
//     (Windows-1251 by default, the usual export charset for Cyrillic
//     accounting software).
//   - Without a fallback charset, invalid bytes are replaced with '?' on the fly.

import (
	"bytes"
	"io"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decode returns a reader yielding valid UTF-8 for content.
func decode(content []byte, fallback encoding.Encoding) io.Reader {
	content = bytes.TrimPrefix(content, utf8BOM)
	if utf8.Valid(content) {
		return bytes.NewReader(content)
	}
	if fallback != nil {
		return transform.NewReader(bytes.NewReader(content), fallback.NewDecoder())
	}
	return newSanitizer(bytes.NewReader(content))
}

// sanitizer wraps an io.Reader and replaces invalid UTF-8 bytes with '?'.
// Multi-byte sequences split across reads are carried over.
type sanitizer struct {
	reader  io.Reader
	pending []byte
}

func newSanitizer(r io.Reader) *sanitizer {
	return &sanitizer{reader: r, pending: make([]byte, 0, utf8.UTFMax)}
}

// Read implements io.Reader.
func (s *sanitizer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	offset := 0
	if len(s.pending) > 0 {
		offset = copy(p, s.pending)
		s.pending = s.pending[:0]
	}

	n, err := s.reader.Read(p[offset:])
	n += offset
	if n == 0 {
		return 0, err
	}
	if isASCII(p[:n]) {
		return n, err
	}
	return s.sanitize(p[:n], err == io.EOF), err
}

func isASCII(data []byte) bool {
	for _, b := range data {
		if b >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// sanitize rewrites data in place and returns the number of bytes to emit.
// Unless atEOF, an incomplete trailing sequence is held back in pending.
func (s *sanitizer) sanitize(data []byte, atEOF bool) int {
	write := 0
	for read := 0; read < len(data); {
		if !atEOF && !utf8.FullRune(data[read:]) {
			s.pending = append(s.pending, data[read:]...)
			return write
		}
		r, size := utf8.DecodeRune(data[read:])
		if r == utf8.RuneError && size == 1 {
			data[write] = '?'
			write++
			read++
			continue
		}
		copy(data[write:], data[read:read+size])
		write += size
		read += size
	}
	return write
}
