package server

import (
	"errors"
	"strconv"
	"strings"
)

var errUnsatisfiableRange = errors.New("unsatisfiable byte range")

// parseRange interprets a Range request header against a resource of the
// given size and returns the offset and length to serve. Only the first
// range of a multi-range request is honored. Supported forms are "a-b",
// "a-" and "-n", all in bytes.
func parseRange(header string, size int64) (start, length int64, err error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, errUnsatisfiableRange
	}
	if i := strings.IndexByte(spec, ','); i >= 0 {
		spec = spec[:i]
	}
	spec = strings.TrimSpace(spec)

	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, errUnsatisfiableRange
	}

	// Suffix form: the final n bytes.
	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, errUnsatisfiableRange
		}
		if n > size {
			n = size
		}
		return size - n, n, nil
	}

	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, errUnsatisfiableRange
	}

	// Open-ended form: everything from start.
	if last == "" {
		return start, size - start, nil
	}

	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return 0, 0, errUnsatisfiableRange
	}
	if end >= size {
		end = size - 1
	}
	return start, end - start + 1, nil
}
