package jt808

import "errors"

// Sentinel errors for the frame/protocol/semantic taxonomy. Callers use
// errors.Is against these rather than matching on message text.
var (
	ErrMalformedEscape    = errors.New("jt808: malformed escape sequence")
	ErrChecksumMismatch   = errors.New("jt808: bcc checksum mismatch")
	ErrShortBuffer        = errors.New("jt808: buffer shorter than declared length")
	ErrUnsupportedMessage = errors.New("jt808: unsupported message id")
	ErrMissingDelimiter   = errors.New("jt808: frame missing 0x7E delimiter")
	ErrInvalidBCDDigit    = errors.New("jt808: bcd nibble is not a decimal digit")
	ErrFillPacketTimeout  = errors.New("jt808: timed out waiting for requested fragments")
	ErrAreaAlreadyExists  = errors.New("jt808: polygon area id already exists")
	ErrAreaNotFound       = errors.New("jt808: polygon area id not found")
)
