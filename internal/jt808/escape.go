package jt808

import "fmt"

const (
	frameDelimiter = 0x7E
	escapeLeader   = 0x7D
	escapedSign    = 0x02
	escapedEscape  = 0x01
)

// Escape maps every 0x7E to 0x7D 0x02 and every 0x7D to 0x7D 0x01. Applied
// to the header+body+bcc region before a frame is wrapped in delimiters.
func Escape(in []byte) []byte {
	out := make([]byte, 0, len(in))
	for _, b := range in {
		switch b {
		case frameDelimiter:
			out = append(out, escapeLeader, escapedSign)
		case escapeLeader:
			out = append(out, escapeLeader, escapedEscape)
		default:
			out = append(out, b)
		}
	}
	return out
}

// ReverseEscape collapses 0x7D 0x02 back to 0x7E and 0x7D 0x01 back to
// 0x7D. A trailing or unrecognized escape pair is malformed.
func ReverseEscape(in []byte) ([]byte, error) {
	out := make([]byte, 0, len(in))
	for i := 0; i < len(in); i++ {
		b := in[i]
		if b != escapeLeader {
			out = append(out, b)
			continue
		}
		if i+1 >= len(in) {
			return nil, fmt.Errorf("%w: trailing 0x7D", ErrMalformedEscape)
		}
		switch in[i+1] {
		case escapedSign:
			out = append(out, frameDelimiter)
		case escapedEscape:
			out = append(out, escapeLeader)
		default:
			return nil, fmt.Errorf("%w: 0x7D followed by 0x%02x", ErrMalformedEscape, in[i+1])
		}
		i++
	}
	return out, nil
}
