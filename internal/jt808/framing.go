package jt808

import "bytes"

// ScanFrame looks for one complete delimited frame in buf, honoring the
// escape sequence so a 0x7D 0x02 (escaped 0x7E) inside the body never
// terminates the scan early. Returns the frame (inclusive of both
// delimiters), the remaining unconsumed bytes, and whether a frame was
// found. When ok is false, rest equals the tail of buf starting at the
// first delimiter found (or all of buf if none), ready to be fed more
// bytes on the next read.
func ScanFrame(buf []byte) (frame []byte, rest []byte, ok bool) {
	start := bytes.IndexByte(buf, frameDelimiter)
	if start == -1 {
		return nil, buf, false
	}
	i := start + 1
	for i < len(buf) {
		switch buf[i] {
		case escapeLeader:
			i += 2
		case frameDelimiter:
			return buf[start : i+1], buf[i+1:], true
		default:
			i++
		}
	}
	return nil, buf[start:], false
}
