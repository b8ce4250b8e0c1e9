// Package proxy implements the streaming transport: RFC 7233 range
// handling, size-based chunk policy, response header composition, and
// the synchronous byte pump.
package proxy

import (
	"errors"
	"strconv"
	"strings"
)

// ErrUnsatisfiable marks a syntactically valid but unservable range.
var ErrUnsatisfiable = errors.New("range not satisfiable")

// ByteRange is an inclusive byte window.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the window length.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ParseRange interprets a Range header against a known size.
// A nil result with nil error means serve the full object: absent
// header, multiple ranges, or unparseable syntax all fall back to full
// content. ErrUnsatisfiable means respond 416.
func ParseRange(header string, size int64) (*ByteRange, error) {
	if header == "" || size < 0 {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, nil
	}
	if strings.Contains(spec, ",") {
		// Multiple ranges are not supported; serve the whole object.
		return nil, nil
	}

	spec = strings.TrimSpace(spec)
	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return nil, nil
	}
	startStr, endStr := spec[:dash], spec[dash+1:]

	if startStr == "" {
		// Suffix form: bytes=-N, the final N bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return nil, nil
		}
		if n <= 0 {
			return nil, ErrUnsatisfiable
		}
		if n > size {
			n = size
		}
		return &ByteRange{Start: size - n, End: size - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return nil, nil
	}

	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return nil, nil
		}
		if end > size-1 {
			end = size - 1
		}
	}

	if start > end || start >= size {
		return nil, ErrUnsatisfiable
	}
	return &ByteRange{Start: start, End: end}, nil
}
