package jt808

// Message ids this package's packager/parser tables support out of the
// box. Matches SupportedCommands in the reference protocol_parameter.h.
const (
	MsgTerminalGeneralResponse   uint16 = 0x0001
	MsgPlatformGeneralResponse   uint16 = 0x8001
	MsgTerminalHeartbeat         uint16 = 0x0002
	MsgTerminalLogout            uint16 = 0x0003
	MsgFillPacketRequest         uint16 = 0x8003
	MsgTerminalRegister          uint16 = 0x0100
	MsgRegisterResponse          uint16 = 0x8100
	MsgTerminalAuth              uint16 = 0x0102
	MsgSetTerminalParams         uint16 = 0x8103
	MsgGetTerminalParams         uint16 = 0x8104
	MsgGetTerminalParamsResponse uint16 = 0x0104
	MsgGetSpecificTerminalParams uint16 = 0x8106
	MsgTerminalUpgrade           uint16 = 0x8108
	MsgUpgradeResult             uint16 = 0x0108
	MsgLocationReport            uint16 = 0x0200
	MsgGetLocation               uint16 = 0x8201
	MsgGetLocationResponse       uint16 = 0x0201
	MsgTrackingControl           uint16 = 0x8202
	MsgSetPolygonArea            uint16 = 0x8604
	MsgDeletePolygonArea         uint16 = 0x8605
	MsgMultimediaUpload          uint16 = 0x0801
	MsgMultimediaUploadResponse  uint16 = 0x8800
)

// respondOnlyIDs lists message ids that are never auto-acknowledged by a
// receiver's default "enqueue a success general-respond" fallback.
var respondOnlyIDs = map[uint16]bool{
	MsgTerminalGeneralResponse:   true,
	MsgPlatformGeneralResponse:   true,
	MsgRegisterResponse:          true,
	MsgGetTerminalParamsResponse: true,
	MsgGetLocationResponse:       true,
}

// IsRespondOnly reports whether msgID is in the respond-only set and
// therefore must never be auto-acknowledged.
func IsRespondOnly(msgID uint16) bool {
	return respondOnlyIDs[msgID]
}
