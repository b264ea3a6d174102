package jt808

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBCD_PhoneNumberRoundTrip(t *testing.T) {
	t.Parallel()

	encoded, err := StringToBCD("013912345678")
	require.NoError(t, err)
	require.Len(t, encoded, 6)

	decoded, err := BCDToString(encoded)
	require.NoError(t, err)
	require.Equal(t, "13912345678", decoded, "a single leading zero nibble is stripped on decode")
}

func TestBCD_TimestampRoundTrip(t *testing.T) {
	t.Parallel()

	encoded, err := StringToBCD("070101120000")
	require.NoError(t, err)
	require.Len(t, encoded, 6)

	decoded, err := BCDToStringFillZero(encoded)
	require.NoError(t, err)
	require.Equal(t, "070101120000", decoded, "timestamps keep every digit, including leading zeros")
}

func TestBCD_OddLength(t *testing.T) {
	t.Parallel()

	encoded, err := StringToBCD("5")
	require.NoError(t, err)
	require.Equal(t, []byte{0x05}, encoded)
}

func TestBCD_RejectsNonDigit(t *testing.T) {
	t.Parallel()

	_, err := StringToBCD("13a912345678")
	require.Error(t, err)
}

func TestBCD_RejectsInvalidNibble(t *testing.T) {
	t.Parallel()

	_, err := BCDToString([]byte{0xFA})
	require.ErrorIs(t, err, ErrInvalidBCDDigit)
}

func TestBCC(t *testing.T) {
	t.Parallel()

	require.Equal(t, byte(0x00), bcc([]byte{0x01, 0x01}))
	require.Equal(t, byte(0x0F), bcc([]byte{0x0F}))
	require.Equal(t, byte(0x05), bcc([]byte{0x01, 0x02, 0x06}))
}
