package jt808

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScanFrame_SimpleFrame(t *testing.T) {
	t.Parallel()

	buf := []byte{0x7E, 0x01, 0x02, 0x7E, 0xAA}
	frame, rest, ok := ScanFrame(buf)
	require.True(t, ok)
	require.Equal(t, []byte{0x7E, 0x01, 0x02, 0x7E}, frame)
	require.Equal(t, []byte{0xAA}, rest)
}

func TestScanFrame_EscapedDelimiterDoesNotTerminate(t *testing.T) {
	t.Parallel()

	// 0x7D 0x02 is an escaped 0x7E inside the body and must not end the frame.
	buf := []byte{0x7E, 0x01, 0x7D, 0x02, 0x03, 0x7E}
	frame, rest, ok := ScanFrame(buf)
	require.True(t, ok)
	require.Equal(t, buf, frame)
	require.Empty(t, rest)
}

func TestScanFrame_BackToBackFrames(t *testing.T) {
	t.Parallel()

	// Two back-to-back frames, each with its own delimiters: 7E F1 7E 7E F2 7E.
	buf := []byte{0x7E, 0xF1, 0x7E, 0x7E, 0xF2, 0x7E}
	first, rest, ok := ScanFrame(buf)
	require.True(t, ok)
	require.Equal(t, []byte{0x7E, 0xF1, 0x7E}, first)

	second, rest2, ok := ScanFrame(rest)
	require.True(t, ok)
	require.Equal(t, []byte{0x7E, 0xF2, 0x7E}, second)
	require.Empty(t, rest2)
}

func TestScanFrame_IncompleteFrameWaitsForMoreData(t *testing.T) {
	t.Parallel()

	buf := []byte{0x7E, 0x01, 0x02}
	frame, rest, ok := ScanFrame(buf)
	require.False(t, ok)
	require.Nil(t, frame)
	require.Equal(t, buf, rest)
}

func TestScanFrame_NoDelimiterDiscardsNothingButReturnsNotOK(t *testing.T) {
	t.Parallel()

	buf := []byte{0x01, 0x02, 0x03}
	frame, rest, ok := ScanFrame(buf)
	require.False(t, ok)
	require.Nil(t, frame)
	require.Equal(t, buf, rest)
}
