package jt808

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, p *Packager, parser *Parser, req *PackageRequest) *ParseResult {
	t.Helper()
	frame, err := p.Package(req)
	require.NoError(t, err)
	require.Equal(t, byte(frameDelimiter), frame[0])
	require.Equal(t, byte(frameDelimiter), frame[len(frame)-1])

	parse, err := parser.Parse(frame)
	require.NoError(t, err)
	require.Equal(t, req.Head.MsgID, parse.Head.MsgID)
	require.Equal(t, req.Head.PhoneNum, parse.Head.PhoneNum)
	require.Equal(t, req.Head.FlowNum, parse.Head.FlowNum)
	return parse
}

func TestPackageParse_RegisterHandshake(t *testing.T) {
	t.Parallel()
	p, parser := NewPackager(), NewParser()

	reg := RegisterInfo{
		Province:     31,
		City:         115,
		Manufacturer: "ACME1",
		Model:        "Model-X-Tracker-2000",
		TerminalID:   "TID0001",
		PlateColor:   PlateBlue,
		PlateNumber:  "沪A12345",
	}
	registerReq := &PackageRequest{
		Head:     MsgHead{MsgID: MsgTerminalRegister, PhoneNum: "13395279527", FlowNum: 1},
		Snapshot: Snapshot{Register: reg},
	}
	parse := roundTrip(t, p, parser, registerReq)
	require.Equal(t, reg, parse.Register)

	respReq := &PackageRequest{
		Head:           MsgHead{MsgID: MsgRegisterResponse, PhoneNum: "13395279527", FlowNum: 2},
		RespondFlowNum: 1,
		RegisterResult: RegisterSuccess,
		AuthCode:       "AUTHCODE123",
	}
	parse = roundTrip(t, p, parser, respReq)
	require.Equal(t, uint16(1), parse.RespondFlowNum)
	require.Equal(t, RegisterSuccess, parse.RegisterResult)
	require.Equal(t, "AUTHCODE123", parse.AuthCode)

	authReq := &PackageRequest{
		Head:     MsgHead{MsgID: MsgTerminalAuth, PhoneNum: "13395279527", FlowNum: 3},
		AuthCode: "AUTHCODE123",
	}
	parse = roundTrip(t, p, parser, authReq)
	require.Equal(t, "AUTHCODE123", parse.AuthCode)

	ackReq := &PackageRequest{
		Head:           MsgHead{MsgID: MsgPlatformGeneralResponse, PhoneNum: "13395279527", FlowNum: 4},
		RespondFlowNum: 3,
		RespondMsgID:   MsgTerminalAuth,
		RespondResult:  ResultSuccess,
	}
	parse = roundTrip(t, p, parser, ackReq)
	require.Equal(t, uint16(3), parse.RespondFlowNum)
	require.Equal(t, MsgTerminalAuth, parse.RespondMsgID)
	require.Equal(t, ResultSuccess, parse.RespondResult)
}

func TestPackageParse_LocationReportWithExtensions(t *testing.T) {
	t.Parallel()
	p, parser := NewPackager(), NewParser()

	loc := LocationBasicInfo{
		Status:      StatusACCOn | StatusPositioned,
		LatitudeE6:  31_230_000,
		LongitudeE6: 121_470_000,
		AltitudeM:   12,
		Bearing:     180,
		Timestamp:   "260730120000",
	}
	loc.SetSpeedKMH(42.0)
	ext := map[uint8][]byte{
		ExtMileage: {0x00, 0x00, 0x00, 0x64},
		ExtOilMass: {0x00, 0x32},
	}

	req := &PackageRequest{
		Head:     MsgHead{MsgID: MsgLocationReport, PhoneNum: "13395279527", FlowNum: 10},
		Snapshot: Snapshot{Location: loc, Extensions: ext},
	}
	parse := roundTrip(t, p, parser, req)
	require.Equal(t, loc.LatitudeE6, parse.Location.LatitudeE6)
	require.Equal(t, loc.LongitudeE6, parse.Location.LongitudeE6)
	require.InDelta(t, 42.0, parse.Location.SpeedKMH(), 0.05)
	require.Equal(t, ext, parse.Extensions)
}

func TestPackageParse_SetAndGetTerminalParams(t *testing.T) {
	t.Parallel()
	p, parser := NewPackager(), NewParser()

	setReq := &PackageRequest{
		Head:      MsgHead{MsgID: MsgSetTerminalParams, PhoneNum: "13395279527", FlowNum: 20},
		SetParams: map[uint32][]byte{0x0001: {0x00, 0x00, 0x00, 0x0A}, 0x0013: []byte("server.example.com")},
	}
	parse := roundTrip(t, p, parser, setReq)
	require.Equal(t, setReq.SetParams, parse.TerminalParams)

	getReq := &PackageRequest{
		Head:        MsgHead{MsgID: MsgGetSpecificTerminalParams, PhoneNum: "13395279527", FlowNum: 21},
		GetParamIDs: []uint32{0x0001, 0x0013},
	}
	parse = roundTrip(t, p, parser, getReq)
	require.Equal(t, getReq.GetParamIDs, parse.RequestedParams)

	respReq := &PackageRequest{
		Head:           MsgHead{MsgID: MsgGetTerminalParamsResponse, PhoneNum: "13395279527", FlowNum: 22},
		RespondFlowNum: 21,
		Snapshot:       Snapshot{TerminalParams: setReq.SetParams},
		GetParamIDs:    []uint32{0x0001, 0x0013},
	}
	parse = roundTrip(t, p, parser, respReq)
	require.Equal(t, uint16(21), parse.RespondFlowNum)
	require.Equal(t, setReq.SetParams, parse.TerminalParams)
}

func TestPackageParse_GetAllTerminalParamsReturnsWholeStore(t *testing.T) {
	t.Parallel()
	p, parser := NewPackager(), NewParser()

	store := map[uint32][]byte{0x0001: {0x01}, 0x0002: {0x02}}
	respReq := &PackageRequest{
		Head:           MsgHead{MsgID: MsgGetTerminalParamsResponse, PhoneNum: "13395279527", FlowNum: 30},
		RespondFlowNum: 29,
		Snapshot:       Snapshot{TerminalParams: store},
		GetParamIDs:    nil,
	}
	parse := roundTrip(t, p, parser, respReq)
	require.Equal(t, store, parse.TerminalParams)
}

func TestPackageParse_PolygonAreaSetAndDelete(t *testing.T) {
	t.Parallel()
	p, parser := NewPackager(), NewParser()

	area := PolygonArea{
		AreaID:    7,
		Attribute: AreaAttribute{SpeedLimit: true},
		MaxSpeedKMH: 80,
		OverSpeedTimeS: 5,
		Vertices: []Vertex{
			{LatitudeE6: 0, LongitudeE6: 0},
			{LatitudeE6: 0, LongitudeE6: 10_000_000},
			{LatitudeE6: 10_000_000, LongitudeE6: 10_000_000},
		},
	}
	setReq := &PackageRequest{
		Head: MsgHead{MsgID: MsgSetPolygonArea, PhoneNum: "13395279527", FlowNum: 40},
		Area: area,
	}
	parse := roundTrip(t, p, parser, setReq)
	require.Equal(t, area.AreaID, parse.Area.AreaID)
	require.Equal(t, area.Attribute, parse.Area.Attribute)
	require.Equal(t, area.MaxSpeedKMH, parse.Area.MaxSpeedKMH)
	require.Equal(t, area.OverSpeedTimeS, parse.Area.OverSpeedTimeS)
	require.Equal(t, area.Vertices, parse.Area.Vertices)

	deleteAllReq := &PackageRequest{
		Head:    MsgHead{MsgID: MsgDeletePolygonArea, PhoneNum: "13395279527", FlowNum: 41},
		AreaIDs: nil,
	}
	parse = roundTrip(t, p, parser, deleteAllReq)
	require.Empty(t, parse.AreaIDs)

	deleteSomeReq := &PackageRequest{
		Head:    MsgHead{MsgID: MsgDeletePolygonArea, PhoneNum: "13395279527", FlowNum: 42},
		AreaIDs: []uint32{7, 9},
	}
	parse = roundTrip(t, p, parser, deleteSomeReq)
	require.Equal(t, []uint32{7, 9}, parse.AreaIDs)
}

func TestPackageParse_PolygonAreaByTimeWindow(t *testing.T) {
	t.Parallel()
	p, parser := NewPackager(), NewParser()

	area := PolygonArea{
		AreaID:    1,
		Attribute: AreaAttribute{ByTime: true},
		StartTime: "260730000000",
		StopTime:  "260731000000",
		Vertices: []Vertex{
			{LatitudeE6: 0, LongitudeE6: 0},
			{LatitudeE6: 0, LongitudeE6: 1},
			{LatitudeE6: 1, LongitudeE6: 1},
		},
	}
	req := &PackageRequest{
		Head: MsgHead{MsgID: MsgSetPolygonArea, PhoneNum: "13395279527", FlowNum: 50},
		Area: area,
	}
	parse := roundTrip(t, p, parser, req)
	require.Equal(t, area.StartTime, parse.Area.StartTime)
	require.Equal(t, area.StopTime, parse.Area.StopTime)
}

func TestPackageParse_MultimediaUploadAndResponse(t *testing.T) {
	t.Parallel()
	p, parser := NewPackager(), NewParser()

	media := MultimediaUpload{
		MediaID:  5,
		Type:     0,
		Format:   0,
		Event:    0,
		Channel:  1,
		Location: LocationBasicInfo{LatitudeE6: 1, LongitudeE6: 2, Timestamp: "260730000000"},
		Data:     []byte{0xDE, 0xAD, 0xBE, 0xEF},
	}
	uploadReq := &PackageRequest{
		Head:  MsgHead{MsgID: MsgMultimediaUpload, PhoneNum: "13395279527", FlowNum: 60},
		Media: media,
	}
	parse := roundTrip(t, p, parser, uploadReq)
	require.Equal(t, media.MediaID, parse.Media.MediaID)
	require.Equal(t, media.Data, parse.Media.Data)

	respReq := &PackageRequest{
		Head:          MsgHead{MsgID: MsgMultimediaUploadResponse, PhoneNum: "13395279527", FlowNum: 61},
		Media:         MultimediaUpload{MediaID: 5},
		RetransmitIDs: []uint16{1, 3},
	}
	parse = roundTrip(t, p, parser, respReq)
	require.Equal(t, uint32(5), parse.Media.MediaID)
	require.Equal(t, []uint16{1, 3}, parse.RetransmitIDs)
}

func TestPackageParse_FillPacketRequest(t *testing.T) {
	t.Parallel()
	p, parser := NewPackager(), NewParser()

	req := &PackageRequest{
		Head:       MsgHead{MsgID: MsgFillPacketRequest, PhoneNum: "13395279527", FlowNum: 70},
		FillPacket: FillPacket{FirstPacketFlowNum: 5, PacketIDs: []uint16{2, 3, 4}},
	}
	parse := roundTrip(t, p, parser, req)
	require.Equal(t, uint16(5), parse.FillPkt.FirstPacketFlowNum)
	require.Equal(t, []uint16{2, 3, 4}, parse.FillPkt.PacketIDs)
}

func TestPackageParse_SegmentedHeaderRoundTrip(t *testing.T) {
	t.Parallel()
	p, parser := NewPackager(), NewParser()

	req := &PackageRequest{
		Head: MsgHead{
			MsgID:        MsgTerminalUpgrade,
			PhoneNum:     "13395279527",
			FlowNum:      80,
			BodyAttr:     BodyAttr{Packet: true},
			TotalPackets: 3,
			PacketSeq:    2,
		},
		UpgradeInfo: UpgradeInfo{Type: 0, Manufacturer: "ACME1", Version: "1.0.0", Data: []byte{0x01, 0x02}},
	}
	parse := roundTrip(t, p, parser, req)
	require.True(t, parse.Head.BodyAttr.Packet)
	require.Equal(t, uint16(3), parse.Head.TotalPackets)
	require.Equal(t, uint16(2), parse.Head.PacketSeq)
	require.Equal(t, req.UpgradeInfo.Version, parse.Upgrade.Version)
	require.Equal(t, req.UpgradeInfo.Data, parse.Upgrade.Data)
}

func TestParse_RejectsBadChecksum(t *testing.T) {
	t.Parallel()
	p, parser := NewPackager(), NewParser()

	req := &PackageRequest{Head: MsgHead{MsgID: MsgTerminalHeartbeat, PhoneNum: "13395279527", FlowNum: 1}}
	frame, err := p.Package(req)
	require.NoError(t, err)

	corrupt := append([]byte(nil), frame...)
	corrupt[len(corrupt)-2] ^= 0xFF
	_, err = parser.Parse(corrupt)
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestParse_RejectsMissingDelimiter(t *testing.T) {
	t.Parallel()
	_, parser := NewPackager(), NewParser()
	_, err := parser.Parse([]byte{0x01, 0x02})
	require.ErrorIs(t, err, ErrMissingDelimiter)
}

func TestPackager_AppendRejectsDuplicate(t *testing.T) {
	t.Parallel()
	p := NewPackager()
	err := p.Append(MsgTerminalHeartbeat, packEmptyBody)
	require.Error(t, err)
}

func TestPackager_UnsupportedMessageFails(t *testing.T) {
	t.Parallel()
	p := NewPackager()
	_, err := p.Package(&PackageRequest{Head: MsgHead{MsgID: 0xFFFF, PhoneNum: "1"}})
	require.ErrorIs(t, err, ErrUnsupportedMessage)
}
