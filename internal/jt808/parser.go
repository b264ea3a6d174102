package jt808

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
)

// ParserFunc decodes a message body into the shared ParseResult. Only the
// fields relevant to its message id are populated.
type ParserFunc func(parse *ParseResult, body []byte) error

// Parser is a message-id indexed set of body decoders plus the
// orchestration that turns a raw wire frame into a ParseResult.
type Parser struct {
	mu       sync.RWMutex
	handlers map[uint16]ParserFunc
}

// NewParser builds a parser preloaded with the standard message table.
func NewParser() *Parser {
	p := &Parser{handlers: make(map[uint16]ParserFunc)}
	for id, fn := range defaultParserHandlers() {
		p.handlers[id] = fn
	}
	return p
}

// Append registers an additional decoder, failing if msgID already has one.
func (p *Parser) Append(msgID uint16, fn ParserFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.handlers[msgID]; exists {
		return fmt.Errorf("jt808: parser already has a handler for msg id 0x%04x", msgID)
	}
	p.handlers[msgID] = fn
	return nil
}

// Override replaces (or installs) the decoder for msgID unconditionally.
func (p *Parser) Override(msgID uint16, fn ParserFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[msgID] = fn
}

// Parse runs the full five-step decode pipeline: reverse-escape, bcc
// verify, header parse, dispatch, decode.
func (p *Parser) Parse(frame []byte) (*ParseResult, error) {
	if len(frame) < 2 || frame[0] != frameDelimiter || frame[len(frame)-1] != frameDelimiter {
		return nil, ErrMissingDelimiter
	}
	interior := frame[1 : len(frame)-1]
	unescaped, err := ReverseEscape(interior)
	if err != nil {
		return nil, err
	}
	if len(unescaped) < 1 {
		return nil, fmt.Errorf("%w: empty frame interior", ErrShortBuffer)
	}
	region, wireBCC := unescaped[:len(unescaped)-1], unescaped[len(unescaped)-1]
	if computed := bcc(region); computed != wireBCC {
		return nil, fmt.Errorf("%w: computed 0x%02x, wire 0x%02x", ErrChecksumMismatch, computed, wireBCC)
	}

	head, bodyStart, err := decodeHeader(region)
	if err != nil {
		return nil, err
	}
	bodyEnd := bodyStart + int(head.BodyAttr.MsgLen)
	if bodyEnd > len(region) {
		return nil, fmt.Errorf("%w: declared body length %d overruns frame", ErrShortBuffer, head.BodyAttr.MsgLen)
	}
	body := region[bodyStart:bodyEnd]

	p.mu.RLock()
	fn, ok := p.handlers[head.MsgID]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: 0x%04x", ErrUnsupportedMessage, head.MsgID)
	}

	parse := &ParseResult{Head: head}
	if err := fn(parse, body); err != nil {
		return nil, fmt.Errorf("jt808: decode 0x%04x: %w", head.MsgID, err)
	}
	return parse, nil
}

func decodeHeader(data []byte) (MsgHead, int, error) {
	const fixedLen = 2 + 2 + 6 + 2
	if len(data) < fixedLen {
		return MsgHead{}, 0, fmt.Errorf("%w: header needs %d bytes, got %d", ErrShortBuffer, fixedLen, len(data))
	}
	msgID := binary.BigEndian.Uint16(data[0:2])
	attr := decodeBodyAttr(binary.BigEndian.Uint16(data[2:4]))
	phone, err := BCDToString(data[4:10])
	if err != nil {
		return MsgHead{}, 0, err
	}
	flow := binary.BigEndian.Uint16(data[10:12])

	head := MsgHead{MsgID: msgID, BodyAttr: attr, PhoneNum: phone, FlowNum: flow}
	pos := fixedLen
	if attr.Packet {
		if len(data) < pos+4 {
			return MsgHead{}, 0, fmt.Errorf("%w: segmented header needs 4 more bytes", ErrShortBuffer)
		}
		head.TotalPackets = binary.BigEndian.Uint16(data[pos : pos+2])
		head.PacketSeq = binary.BigEndian.Uint16(data[pos+2 : pos+4])
		pos += 4
	}
	return head, pos, nil
}

func needLen(body []byte, n int, what string) error {
	if len(body) < n {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrShortBuffer, what, n, len(body))
	}
	return nil
}

func defaultParserHandlers() map[uint16]ParserFunc {
	return map[uint16]ParserFunc{
		MsgTerminalGeneralResponse:   parseGeneralResponse,
		MsgPlatformGeneralResponse:   parseGeneralResponse,
		MsgTerminalHeartbeat:         parseEmptyBody,
		MsgTerminalLogout:            parseEmptyBody,
		MsgFillPacketRequest:         parseFillPacketRequest,
		MsgTerminalRegister:          parseTerminalRegister,
		MsgRegisterResponse:          parseRegisterResponse,
		MsgTerminalAuth:              parseAuth,
		MsgSetTerminalParams:         parseSetTerminalParams,
		MsgGetTerminalParams:         parseGetTerminalParams,
		MsgGetSpecificTerminalParams: parseGetSpecificTerminalParams,
		MsgGetTerminalParamsResponse: parseGetTerminalParamsResponse,
		MsgTerminalUpgrade:           parseTerminalUpgrade,
		MsgUpgradeResult:             parseUpgradeResult,
		MsgLocationReport:            parseLocationReport,
		MsgGetLocation:               parseEmptyBody,
		MsgGetLocationResponse:       parseGetLocationResponse,
		MsgTrackingControl:           parseTrackingControl,
		MsgSetPolygonArea:            parseSetPolygonArea,
		MsgDeletePolygonArea:         parseDeletePolygonArea,
		MsgMultimediaUpload:          parseMultimediaUpload,
		MsgMultimediaUploadResponse:  parseMultimediaUploadResponse,
	}
}

func parseEmptyBody(*ParseResult, []byte) error { return nil }

func parseGeneralResponse(p *ParseResult, body []byte) error {
	if err := needLen(body, 5, "general response"); err != nil {
		return err
	}
	p.RespondFlowNum = binary.BigEndian.Uint16(body[0:2])
	p.RespondMsgID = binary.BigEndian.Uint16(body[2:4])
	p.RespondResult = GeneralResult(body[4])
	return nil
}

func parseFillPacketRequest(p *ParseResult, body []byte) error {
	if err := needLen(body, 3, "fill packet request"); err != nil {
		return err
	}
	flow := binary.BigEndian.Uint16(body[0:2])
	count := int(body[2])
	if err := needLen(body, 3+2*count, "fill packet request ids"); err != nil {
		return err
	}
	ids := make([]uint16, count)
	for i := 0; i < count; i++ {
		ids[i] = binary.BigEndian.Uint16(body[3+2*i : 5+2*i])
	}
	p.FillPkt = FillPacket{FirstPacketFlowNum: flow, PacketIDs: ids}
	return nil
}

func trimNUL(b []byte) string {
	return string(bytes.TrimRight(b, "\x00"))
}

func parseTerminalRegister(p *ParseResult, body []byte) error {
	if err := needLen(body, 4+5+20+7+1, "terminal register"); err != nil {
		return err
	}
	r := RegisterInfo{
		Province:     binary.BigEndian.Uint16(body[0:2]),
		City:         binary.BigEndian.Uint16(body[2:4]),
		Manufacturer: trimNUL(body[4:9]),
		Model:        trimNUL(body[9:29]),
		TerminalID:   trimNUL(body[29:36]),
		PlateColor:   PlateColor(body[36]),
		PlateNumber:  string(body[37:]),
	}
	p.Register = r
	return nil
}

func parseRegisterResponse(p *ParseResult, body []byte) error {
	if err := needLen(body, 3, "register response"); err != nil {
		return err
	}
	p.RespondFlowNum = binary.BigEndian.Uint16(body[0:2])
	p.RegisterResult = RegisterResult(body[2])
	if p.RegisterResult == RegisterSuccess && len(body) > 3 {
		p.AuthCode = string(body[3:])
	}
	return nil
}

func parseAuth(p *ParseResult, body []byte) error {
	p.AuthCode = string(body)
	return nil
}

func parseParamEntries(body []byte, countOffset int) (map[uint32][]byte, error) {
	if err := needLen(body, countOffset+1, "param count"); err != nil {
		return nil, err
	}
	count := int(body[countOffset])
	pos := countOffset + 1
	out := make(map[uint32][]byte, count)
	for i := 0; i < count; i++ {
		if err := needLen(body, pos+5, "param entry"); err != nil {
			return nil, err
		}
		id := binary.BigEndian.Uint32(body[pos : pos+4])
		l := int(body[pos+4])
		pos += 5
		if err := needLen(body, pos+l, "param value"); err != nil {
			return nil, err
		}
		out[id] = append([]byte(nil), body[pos:pos+l]...)
		pos += l
	}
	return out, nil
}

func parseSetTerminalParams(p *ParseResult, body []byte) error {
	m, err := parseParamEntries(body, 0)
	if err != nil {
		return err
	}
	p.TerminalParams = m
	return nil
}

func parseGetTerminalParams(p *ParseResult, body []byte) error {
	p.RequestedParams = nil
	return nil
}

func parseGetSpecificTerminalParams(p *ParseResult, body []byte) error {
	if err := needLen(body, 1, "get specific param count"); err != nil {
		return err
	}
	count := int(body[0])
	if err := needLen(body, 1+4*count, "get specific param ids"); err != nil {
		return err
	}
	ids := make([]uint32, count)
	for i := 0; i < count; i++ {
		ids[i] = binary.BigEndian.Uint32(body[1+4*i : 5+4*i])
	}
	p.RequestedParams = ids
	return nil
}

func parseGetTerminalParamsResponse(p *ParseResult, body []byte) error {
	if err := needLen(body, 2, "get params response flow"); err != nil {
		return err
	}
	p.RespondFlowNum = binary.BigEndian.Uint16(body[0:2])
	m, err := parseParamEntries(body, 2)
	if err != nil {
		return err
	}
	p.TerminalParams = m
	return nil
}

func parseTerminalUpgrade(p *ParseResult, body []byte) error {
	if err := needLen(body, 1+5+1, "terminal upgrade"); err != nil {
		return err
	}
	typ := body[0]
	manufacturer := trimNUL(body[1:6])
	verLen := int(body[6])
	if err := needLen(body, 7+verLen+4, "terminal upgrade version/datalen"); err != nil {
		return err
	}
	version := string(body[7 : 7+verLen])
	dataLen := binary.BigEndian.Uint32(body[7+verLen : 11+verLen])
	if err := needLen(body, 11+verLen+int(dataLen), "terminal upgrade data"); err != nil {
		return err
	}
	data := append([]byte(nil), body[11+verLen:11+verLen+int(dataLen)]...)
	p.Upgrade = UpgradeInfo{Type: typ, Manufacturer: manufacturer, Version: version, Data: data}
	return nil
}

func parseUpgradeResult(p *ParseResult, body []byte) error {
	if err := needLen(body, 2, "upgrade result"); err != nil {
		return err
	}
	p.Upgrade.Type = body[0]
	p.RespondResult = GeneralResult(body[1])
	return nil
}

func parseLocationBody(body []byte) (LocationBasicInfo, map[uint8][]byte, error) {
	if err := needLen(body, 28, "location basic info"); err != nil {
		return LocationBasicInfo{}, nil, err
	}
	basic, err := decodeLocationBasic(body[:28])
	if err != nil {
		return LocationBasicInfo{}, nil, err
	}
	ext, err := decodeExtensions(body[28:])
	if err != nil {
		return LocationBasicInfo{}, nil, err
	}
	return basic, ext, nil
}

func parseLocationReport(p *ParseResult, body []byte) error {
	basic, ext, err := parseLocationBody(body)
	if err != nil {
		return err
	}
	p.Location, p.Extensions = basic, ext
	return nil
}

func parseGetLocationResponse(p *ParseResult, body []byte) error {
	if err := needLen(body, 2, "get location response flow"); err != nil {
		return err
	}
	p.RespondFlowNum = binary.BigEndian.Uint16(body[0:2])
	basic, ext, err := parseLocationBody(body[2:])
	if err != nil {
		return err
	}
	p.Location, p.Extensions = basic, ext
	return nil
}

func parseTrackingControl(p *ParseResult, body []byte) error {
	if err := needLen(body, 6, "tracking control"); err != nil {
		return err
	}
	p.TrackingIntervalS = binary.BigEndian.Uint16(body[0:2])
	p.TrackingSecondsS = binary.BigEndian.Uint32(body[2:6])
	return nil
}

func parseSetPolygonArea(p *ParseResult, body []byte) error {
	if err := needLen(body, 6, "set polygon area head"); err != nil {
		return err
	}
	a := PolygonArea{
		AreaID:    binary.BigEndian.Uint32(body[0:4]),
		Attribute: decodeAreaAttribute(binary.BigEndian.Uint16(body[4:6])),
	}
	pos := 6
	if a.Attribute.ByTime {
		if err := needLen(body, pos+12, "area by-time window"); err != nil {
			return err
		}
		start, err := BCDToStringFillZero(body[pos : pos+6])
		if err != nil {
			return err
		}
		stop, err := BCDToStringFillZero(body[pos+6 : pos+12])
		if err != nil {
			return err
		}
		a.StartTime, a.StopTime = start, stop
		pos += 12
	}
	if a.Attribute.SpeedLimit {
		if err := needLen(body, pos+3, "area speed limit"); err != nil {
			return err
		}
		a.MaxSpeedKMH = binary.BigEndian.Uint16(body[pos : pos+2])
		a.OverSpeedTimeS = body[pos+2]
		pos += 3
	}
	if err := needLen(body, pos+2, "area vertex count"); err != nil {
		return err
	}
	count := int(binary.BigEndian.Uint16(body[pos : pos+2]))
	pos += 2
	if err := needLen(body, pos+8*count, "area vertices"); err != nil {
		return err
	}
	vertices := make([]Vertex, count)
	for i := 0; i < count; i++ {
		vertices[i] = Vertex{
			LatitudeE6:  binary.BigEndian.Uint32(body[pos : pos+4]),
			LongitudeE6: binary.BigEndian.Uint32(body[pos+4 : pos+8]),
		}
		pos += 8
	}
	a.Vertices = vertices
	p.Area = a
	return nil
}

func parseDeletePolygonArea(p *ParseResult, body []byte) error {
	if err := needLen(body, 1, "delete polygon area count"); err != nil {
		return err
	}
	count := int(body[0])
	if err := needLen(body, 1+4*count, "delete polygon area ids"); err != nil {
		return err
	}
	ids := make([]uint32, count)
	for i := 0; i < count; i++ {
		ids[i] = binary.BigEndian.Uint32(body[1+4*i : 5+4*i])
	}
	p.AreaIDs = ids
	return nil
}

func parseMultimediaUpload(p *ParseResult, body []byte) error {
	if err := needLen(body, 8+28, "multimedia upload head"); err != nil {
		return err
	}
	m := MultimediaUpload{
		MediaID: binary.BigEndian.Uint32(body[0:4]),
		Type:    body[4],
		Format:  body[5],
		Event:   body[6],
		Channel: body[7],
	}
	loc, err := decodeLocationBasic(body[8:36])
	if err != nil {
		return err
	}
	m.Location = loc
	m.Data = append([]byte(nil), body[36:]...)
	p.Media = m
	return nil
}

func parseMultimediaUploadResponse(p *ParseResult, body []byte) error {
	if err := needLen(body, 5, "multimedia upload response"); err != nil {
		return err
	}
	mediaID := binary.BigEndian.Uint32(body[0:4])
	count := int(body[4])
	if err := needLen(body, 5+2*count, "multimedia retransmit ids"); err != nil {
		return err
	}
	ids := make([]uint16, count)
	for i := 0; i < count; i++ {
		ids[i] = binary.BigEndian.Uint16(body[5+2*i : 7+2*i])
	}
	p.Media.MediaID = mediaID
	p.RetransmitIDs = ids
	return nil
}
