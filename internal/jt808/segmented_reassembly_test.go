package jt808

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Splits data into fragments of at most fragSize bytes each, the last one
// shorter unless the length happens to divide evenly.
func splitFragments(data []byte, fragSize int) [][]byte {
	var frags [][]byte
	for i := 0; i < len(data); i += fragSize {
		end := i + fragSize
		if end > len(data) {
			end = len(data)
		}
		frags = append(frags, data[i:end])
	}
	return frags
}

func TestPlatformClient_MultimediaReassembly_UnevenFinalFragment(t *testing.T) {
	t.Parallel()

	data := make([]byte, 2300) // not a multiple of fragSize below
	for i := range data {
		data[i] = byte(i)
	}
	fragSize := 1000
	frags := splitFragments(data, fragSize)
	require.Len(t, frags, 3)
	require.Len(t, frags[2], 300)

	client := NewPlatformClient("13395279527")
	packager := NewPackager()

	var uploaded MultimediaUpload
	client.OnMultimediaUploaded = func(m MultimediaUpload) { uploaded = m }

	for i, frag := range frags {
		head := MsgHead{
			MsgID:        MsgMultimediaUpload,
			PhoneNum:     client.PhoneNumber,
			FlowNum:      uint16(i + 1),
			BodyAttr:     BodyAttr{Packet: true},
			TotalPackets: uint16(len(frags)),
			PacketSeq:    uint16(i + 1),
		}
		parse := &ParseResult{
			Head:  head,
			Media: MultimediaUpload{MediaID: 9, Data: frag},
		}
		_, err := client.Dispatch(packager, parse)
		require.NoError(t, err)
	}

	require.Equal(t, data, uploaded.Data, "reassembled data must match the original byte for byte, with no zero padding")
}

func TestTerminalSession_UpgradeReassembly_UnevenFinalFragment(t *testing.T) {
	t.Parallel()

	data := make([]byte, 2300)
	for i := range data {
		data[i] = byte(i)
	}
	fragSize := 1000
	frags := splitFragments(data, fragSize)
	require.Len(t, frags, 3)
	require.Len(t, frags[2], 300)

	session := NewTerminalSession(TerminalConfig{PhoneNumber: "13395279527"})

	var upgraded []byte
	session.OnUpgrade = func(upgradeType uint8, d []byte) { upgraded = d }

	for i, frag := range frags {
		head := MsgHead{
			MsgID:        MsgTerminalUpgrade,
			PhoneNum:     session.cfg.PhoneNumber,
			FlowNum:      uint16(i + 1),
			BodyAttr:     BodyAttr{Packet: true},
			TotalPackets: uint16(len(frags)),
			PacketSeq:    uint16(i + 1),
		}
		parse := &ParseResult{
			Head:    head,
			Upgrade: UpgradeInfo{Type: 0, Data: frag},
		}
		session.handleUpgrade(head, parse)
	}

	require.Equal(t, data, upgraded, "reassembled firmware must match the original byte for byte, with no zero padding")
}
