package jt808

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

// PackageRequest carries everything a single encode call might need: the
// header skeleton (msg id, phone number, flow number, and segmentation
// fields the caller has already decided), a read-only snapshot of
// persistent session state, and per-message outgoing arguments that are
// not part of persistent state (a response being built, a command being
// issued). Handlers read only the fields relevant to their message id,
// mirroring how the reference packager's handlers all take the same
// parameter aggregate and pick out what they need.
type PackageRequest struct {
	Head     MsgHead
	Snapshot Snapshot

	RespondFlowNum uint16
	RespondMsgID   uint16
	RespondResult  GeneralResult

	RegisterResult RegisterResult
	AuthCode       string // outgoing auth code for 0x8100 or 0x0102

	SetParams   map[uint32][]byte
	GetParamIDs []uint32 // nil means "all ids in the store"

	UpgradeInfo       UpgradeInfo
	UpgradeResultType uint8
	UpgradeResult     GeneralResult

	TrackingIntervalS uint16
	TrackingSecondsS  uint32

	Area    PolygonArea
	AreaIDs []uint32

	Media         MultimediaUpload
	RetransmitIDs []uint16

	FillPacket FillPacket
}

// PackagerFunc encodes a message body (without header, bcc, or framing)
// from a PackageRequest.
type PackagerFunc func(req *PackageRequest) ([]byte, error)

// Packager is a message-id indexed set of body encoders plus the
// orchestration that turns a produced body into a complete wire frame.
type Packager struct {
	mu       sync.RWMutex
	handlers map[uint16]PackagerFunc
}

// NewPackager builds a packager preloaded with the standard message table.
func NewPackager() *Packager {
	p := &Packager{handlers: make(map[uint16]PackagerFunc)}
	for id, fn := range defaultPackagerHandlers() {
		p.handlers[id] = fn
	}
	return p
}

// Append registers an additional encoder, failing if msgID already has one.
func (p *Packager) Append(msgID uint16, fn PackagerFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.handlers[msgID]; exists {
		return fmt.Errorf("jt808: packager already has a handler for msg id 0x%04x", msgID)
	}
	p.handlers[msgID] = fn
	return nil
}

// Override replaces (or installs) the encoder for msgID unconditionally.
func (p *Packager) Override(msgID uint16, fn PackagerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[msgID] = fn
}

// Package runs the full six-step encode pipeline: lookup, header
// skeleton, body, msglen patch, bcc, escape+wrap.
func (p *Packager) Package(req *PackageRequest) ([]byte, error) {
	p.mu.RLock()
	fn, ok := p.handlers[req.Head.MsgID]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: 0x%04x", ErrUnsupportedMessage, req.Head.MsgID)
	}

	body, err := fn(req)
	if err != nil {
		return nil, fmt.Errorf("jt808: encode 0x%04x: %w", req.Head.MsgID, err)
	}

	head := req.Head
	head.BodyAttr.MsgLen = uint16(len(body))
	headerBytes, err := encodeHeader(head)
	if err != nil {
		return nil, err
	}

	frame := make([]byte, 0, len(headerBytes)+len(body)+1)
	frame = append(frame, headerBytes...)
	frame = append(frame, body...)
	frame = append(frame, bcc(frame))

	escaped := Escape(frame)
	out := make([]byte, 0, len(escaped)+2)
	out = append(out, frameDelimiter)
	out = append(out, escaped...)
	out = append(out, frameDelimiter)
	return out, nil
}

func encodeHeader(h MsgHead) ([]byte, error) {
	if len(h.PhoneNum) > 12 {
		return nil, fmt.Errorf("jt808: phone number %q must be at most 12 digits", h.PhoneNum)
	}
	phone := padLeft(h.PhoneNum, 12, '0')
	phoneBCD, err := StringToBCD(phone)
	if err != nil {
		return nil, fmt.Errorf("jt808: encode phone number %q: %w", h.PhoneNum, err)
	}
	if len(phoneBCD) != 6 {
		return nil, fmt.Errorf("jt808: phone number %q must be at most 12 digits", h.PhoneNum)
	}

	size := 2 + 2 + 6 + 2
	if h.BodyAttr.Packet {
		size += 4
	}
	out := make([]byte, 0, size)

	buf2 := make([]byte, 2)
	binary.BigEndian.PutUint16(buf2, h.MsgID)
	out = append(out, buf2...)

	binary.BigEndian.PutUint16(buf2, h.BodyAttr.encode())
	out = append(out, buf2...)

	out = append(out, phoneBCD...)

	binary.BigEndian.PutUint16(buf2, h.FlowNum)
	out = append(out, buf2...)

	if h.BodyAttr.Packet {
		binary.BigEndian.PutUint16(buf2, h.TotalPackets)
		out = append(out, buf2...)
		binary.BigEndian.PutUint16(buf2, h.PacketSeq)
		out = append(out, buf2...)
	}
	return out, nil
}

func padLeft(s string, n int, pad byte) string {
	if len(s) >= n {
		return s[len(s)-n:]
	}
	b := make([]byte, n-len(s))
	for i := range b {
		b[i] = pad
	}
	return string(b) + s
}

func fixedBytes(s string, n int) []byte {
	out := make([]byte, n)
	copy(out, s)
	return out
}

func defaultPackagerHandlers() map[uint16]PackagerFunc {
	return map[uint16]PackagerFunc{
		MsgTerminalGeneralResponse:   packGeneralResponse,
		MsgPlatformGeneralResponse:   packGeneralResponse,
		MsgTerminalHeartbeat:         packEmptyBody,
		MsgTerminalLogout:            packEmptyBody,
		MsgFillPacketRequest:         packFillPacketRequest,
		MsgTerminalRegister:          packTerminalRegister,
		MsgRegisterResponse:          packRegisterResponse,
		MsgTerminalAuth:              packAuth,
		MsgSetTerminalParams:         packSetTerminalParams,
		MsgGetTerminalParams:         packEmptyBody,
		MsgGetSpecificTerminalParams: packGetSpecificTerminalParams,
		MsgGetTerminalParamsResponse: packGetTerminalParamsResponse,
		MsgTerminalUpgrade:           packTerminalUpgrade,
		MsgUpgradeResult:             packUpgradeResult,
		MsgLocationReport:            packLocationReport,
		MsgGetLocation:               packEmptyBody,
		MsgGetLocationResponse:       packGetLocationResponse,
		MsgTrackingControl:           packTrackingControl,
		MsgSetPolygonArea:            packSetPolygonArea,
		MsgDeletePolygonArea:         packDeletePolygonArea,
		MsgMultimediaUpload:          packMultimediaUpload,
		MsgMultimediaUploadResponse:  packMultimediaUploadResponse,
	}
}

func packEmptyBody(*PackageRequest) ([]byte, error) { return nil, nil }

func packGeneralResponse(req *PackageRequest) ([]byte, error) {
	out := make([]byte, 5)
	binary.BigEndian.PutUint16(out[0:2], req.RespondFlowNum)
	binary.BigEndian.PutUint16(out[2:4], req.RespondMsgID)
	out[4] = byte(req.RespondResult)
	return out, nil
}

func packFillPacketRequest(req *PackageRequest) ([]byte, error) {
	fp := req.FillPacket
	out := make([]byte, 0, 3+2*len(fp.PacketIDs))
	buf2 := make([]byte, 2)
	binary.BigEndian.PutUint16(buf2, fp.FirstPacketFlowNum)
	out = append(out, buf2...)
	out = append(out, uint8(len(fp.PacketIDs)))
	for _, id := range fp.PacketIDs {
		binary.BigEndian.PutUint16(buf2, id)
		out = append(out, buf2...)
	}
	return out, nil
}

func packTerminalRegister(req *PackageRequest) ([]byte, error) {
	r := req.Snapshot.Register
	out := make([]byte, 0, 4+5+20+7+1+len(r.PlateNumber))
	buf2 := make([]byte, 2)
	binary.BigEndian.PutUint16(buf2, r.Province)
	out = append(out, buf2...)
	binary.BigEndian.PutUint16(buf2, r.City)
	out = append(out, buf2...)
	out = append(out, fixedBytes(r.Manufacturer, 5)...)
	out = append(out, fixedBytes(r.Model, 20)...)
	out = append(out, fixedBytes(r.TerminalID, 7)...)
	out = append(out, byte(r.PlateColor))
	out = append(out, []byte(r.PlateNumber)...)
	return out, nil
}

func packRegisterResponse(req *PackageRequest) ([]byte, error) {
	out := make([]byte, 3)
	binary.BigEndian.PutUint16(out[0:2], req.RespondFlowNum)
	out[2] = byte(req.RegisterResult)
	if req.RegisterResult == RegisterSuccess {
		out = append(out, []byte(req.AuthCode)...)
	}
	return out, nil
}

func packAuth(req *PackageRequest) ([]byte, error) {
	return []byte(req.AuthCode), nil
}

func sortedParamIDs(m map[uint32][]byte) []uint32 {
	ids := make([]uint32, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func packSetTerminalParams(req *PackageRequest) ([]byte, error) {
	ids := sortedParamIDs(req.SetParams)
	out := make([]byte, 0, 1+len(ids)*5)
	out = append(out, uint8(len(ids)))
	buf4 := make([]byte, 4)
	for _, id := range ids {
		v := req.SetParams[id]
		binary.BigEndian.PutUint32(buf4, id)
		out = append(out, buf4...)
		out = append(out, uint8(len(v)))
		out = append(out, v...)
	}
	return out, nil
}

func packGetSpecificTerminalParams(req *PackageRequest) ([]byte, error) {
	out := make([]byte, 0, 1+4*len(req.GetParamIDs))
	out = append(out, uint8(len(req.GetParamIDs)))
	buf4 := make([]byte, 4)
	for _, id := range req.GetParamIDs {
		binary.BigEndian.PutUint32(buf4, id)
		out = append(out, buf4...)
	}
	return out, nil
}

// packGetTerminalParamsResponse builds the 0x0104 body: respond-flow-num
// then the 0x8103 shape, restricted to the requested ids when the
// request was "specific" (any id absent from the store is simply
// omitted, which is what "decrement count for missing ids" amounts to
// once count is computed from what actually got written).
func packGetTerminalParamsResponse(req *PackageRequest) ([]byte, error) {
	store := req.Snapshot.TerminalParams
	var ids []uint32
	if req.GetParamIDs == nil {
		ids = sortedParamIDs(store)
	} else {
		for _, id := range req.GetParamIDs {
			if _, ok := store[id]; ok {
				ids = append(ids, id)
			}
		}
	}
	out := make([]byte, 2, 2+1+len(ids)*5)
	binary.BigEndian.PutUint16(out[0:2], req.RespondFlowNum)
	out = append(out, uint8(len(ids)))
	buf4 := make([]byte, 4)
	for _, id := range ids {
		v := store[id]
		binary.BigEndian.PutUint32(buf4, id)
		out = append(out, buf4...)
		out = append(out, uint8(len(v)))
		out = append(out, v...)
	}
	return out, nil
}

func packTerminalUpgrade(req *PackageRequest) ([]byte, error) {
	u := req.UpgradeInfo
	out := make([]byte, 0, 1+5+1+len(u.Version)+4+len(u.Data))
	out = append(out, u.Type)
	out = append(out, fixedBytes(u.Manufacturer, 5)...)
	out = append(out, uint8(len(u.Version)))
	out = append(out, []byte(u.Version)...)
	buf4 := make([]byte, 4)
	binary.BigEndian.PutUint32(buf4, uint32(len(u.Data)))
	out = append(out, buf4...)
	out = append(out, u.Data...)
	return out, nil
}

func packUpgradeResult(req *PackageRequest) ([]byte, error) {
	return []byte{req.UpgradeResultType, byte(req.UpgradeResult)}, nil
}

func packLocationBody(loc LocationBasicInfo, ext map[uint8][]byte) ([]byte, error) {
	basic, err := encodeLocationBasic(loc)
	if err != nil {
		return nil, err
	}
	return append(basic, encodeExtensions(ext)...), nil
}

func packLocationReport(req *PackageRequest) ([]byte, error) {
	return packLocationBody(req.Snapshot.Location, req.Snapshot.Extensions)
}

func packGetLocationResponse(req *PackageRequest) ([]byte, error) {
	body, err := packLocationBody(req.Snapshot.Location, req.Snapshot.Extensions)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 2, 2+len(body))
	binary.BigEndian.PutUint16(out[0:2], req.RespondFlowNum)
	return append(out, body...), nil
}

func packTrackingControl(req *PackageRequest) ([]byte, error) {
	out := make([]byte, 6)
	binary.BigEndian.PutUint16(out[0:2], req.TrackingIntervalS)
	binary.BigEndian.PutUint32(out[2:6], req.TrackingSecondsS)
	return out, nil
}

func packSetPolygonArea(req *PackageRequest) ([]byte, error) {
	a := req.Area
	out := make([]byte, 0, 6+12+3+2+8*len(a.Vertices))
	buf4 := make([]byte, 4)
	binary.BigEndian.PutUint32(buf4, a.AreaID)
	out = append(out, buf4...)
	buf2 := make([]byte, 2)
	binary.BigEndian.PutUint16(buf2, a.Attribute.encode())
	out = append(out, buf2...)
	if a.Attribute.ByTime {
		start, err := StringToBCD(a.StartTime)
		if err != nil {
			return nil, fmt.Errorf("jt808: encode area start time: %w", err)
		}
		stop, err := StringToBCD(a.StopTime)
		if err != nil {
			return nil, fmt.Errorf("jt808: encode area stop time: %w", err)
		}
		out = append(out, start...)
		out = append(out, stop...)
	}
	if a.Attribute.SpeedLimit {
		binary.BigEndian.PutUint16(buf2, a.MaxSpeedKMH)
		out = append(out, buf2...)
		out = append(out, a.OverSpeedTimeS)
	}
	binary.BigEndian.PutUint16(buf2, uint16(len(a.Vertices)))
	out = append(out, buf2...)
	for _, v := range a.Vertices {
		binary.BigEndian.PutUint32(buf4, v.LatitudeE6)
		out = append(out, buf4...)
		binary.BigEndian.PutUint32(buf4, v.LongitudeE6)
		out = append(out, buf4...)
	}
	return out, nil
}

func packDeletePolygonArea(req *PackageRequest) ([]byte, error) {
	out := make([]byte, 0, 1+4*len(req.AreaIDs))
	out = append(out, uint8(len(req.AreaIDs)))
	buf4 := make([]byte, 4)
	for _, id := range req.AreaIDs {
		binary.BigEndian.PutUint32(buf4, id)
		out = append(out, buf4...)
	}
	return out, nil
}

func packMultimediaUpload(req *PackageRequest) ([]byte, error) {
	m := req.Media
	basic, err := encodeLocationBasic(m.Location)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 8+28+len(m.Data))
	buf4 := make([]byte, 4)
	binary.BigEndian.PutUint32(buf4, m.MediaID)
	out = append(out, buf4...)
	out = append(out, m.Type, m.Format, m.Event, m.Channel)
	out = append(out, basic...)
	out = append(out, m.Data...)
	return out, nil
}

func packMultimediaUploadResponse(req *PackageRequest) ([]byte, error) {
	out := make([]byte, 4, 5+2*len(req.RetransmitIDs))
	binary.BigEndian.PutUint32(out[0:4], req.Media.MediaID)
	out = append(out, uint8(len(req.RetransmitIDs)))
	buf2 := make([]byte, 2)
	for _, id := range req.RetransmitIDs {
		binary.BigEndian.PutUint16(buf2, id)
		out = append(out, buf2...)
	}
	return out, nil
}
