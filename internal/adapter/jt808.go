package adapter

import (
	"encoding/binary"
	"fmt"
	"time"

	"openfms/gateway/internal/jt808"
	"openfms/gateway/internal/protocol"
)

// JT808Adapter translates between the JT/T 808-2011 wire format and the
// gateway's protocol-neutral StandardMessage/StandardCommand envelope. The
// framing, escaping, checksum, and message-body codec themselves live in
// internal/jt808; this adapter only maps that richer model onto the
// narrower envelope the NATS/HTTP plumbing speaks.
type JT808Adapter struct {
	packager *jt808.Packager
	parser   *jt808.Parser
}

// NewJT808Adapter creates a new JT808 adapter.
func NewJT808Adapter() *JT808Adapter {
	return &JT808Adapter{
		packager: jt808.NewPackager(),
		parser:   jt808.NewParser(),
	}
}

// Protocol returns protocol identifier.
func (j *JT808Adapter) Protocol() string {
	return "JT808"
}

// Decode translates a JT808 frame to a standard message.
func (j *JT808Adapter) Decode(packet []byte) (*protocol.StandardMessage, error) {
	result, err := j.parser.Parse(packet)
	if err != nil {
		return nil, err
	}

	msg := &protocol.StandardMessage{
		DeviceID:  result.Head.PhoneNum,
		Timestamp: time.Now().Unix(),
		Extras:    make(map[string]interface{}),
	}

	switch result.Head.MsgID {
	case jt808.MsgTerminalAuth:
		msg.Type = protocol.MsgTypeAuth
		msg.Extras["auth_code"] = result.AuthCode

	case jt808.MsgLocationReport:
		msg.Type = protocol.MsgTypeLocation
		msg.Lat = float64(result.Location.LatitudeE6) / 1000000.0
		msg.Lon = float64(result.Location.LongitudeE6) / 1000000.0
		msg.Speed = result.Location.SpeedKMH()
		msg.Direction = float64(result.Location.Bearing)
		msg.Extras["alarm_flag"] = result.Location.Alarm
		msg.Extras["status"] = result.Location.Status
		msg.Extras["acc_on"] = result.Location.Status&jt808.StatusACCOn != 0
		msg.Extras["location_valid"] = result.Location.Positioned()
		msg.Extras["altitude"] = result.Location.AltitudeM
		msg.Extras["gps_time"] = result.Location.Timestamp
		for id, raw := range result.Extensions {
			decodeLocationExtra(id, raw, msg)
		}

	case jt808.MsgTerminalHeartbeat:
		msg.Type = protocol.MsgTypeHeartbeat

	case jt808.MsgTerminalGeneralResponse, jt808.MsgPlatformGeneralResponse:
		msg.Type = "GENERAL_RESPONSE"
		msg.Extras["respond_msg_id"] = result.RespondMsgID
		msg.Extras["respond_result"] = result.RespondResult

	case jt808.MsgTerminalRegister:
		msg.Type = "REGISTER"
		msg.Extras["province_id"] = result.Register.Province
		msg.Extras["city_id"] = result.Register.City
		msg.Extras["manufacturer_id"] = result.Register.Manufacturer
		msg.Extras["terminal_model"] = result.Register.Model
		msg.Extras["plate_number"] = result.Register.PlateNumber

	case jt808.MsgMultimediaUpload:
		msg.Type = protocol.MsgTypeMedia
		msg.Extras["media_id"] = result.Media.MediaID
		msg.Extras["media_type"] = result.Media.Type
		msg.Extras["media_format"] = result.Media.Format

	default:
		msg.Type = fmt.Sprintf("UNKNOWN_0x%04X", result.Head.MsgID)
	}

	return msg, nil
}

func decodeLocationExtra(id uint8, raw []byte, msg *protocol.StandardMessage) {
	switch id {
	case jt808.ExtMileage:
		if len(raw) >= 4 {
			msg.Extras["mileage"] = float64(binary.BigEndian.Uint32(raw)) / 10.0
		}
	case jt808.ExtOilMass:
		if len(raw) >= 2 {
			msg.Extras["fuel"] = float64(binary.BigEndian.Uint16(raw)) / 10.0
		}
	case jt808.ExtTachographSpeed:
		if len(raw) >= 2 {
			msg.Extras["sensor_speed"] = float64(binary.BigEndian.Uint16(raw)) / 10.0
		}
	}
}

// Encode translates a standard command to a JT808 binary frame. cmd.Params
// carries the message-specific arguments the packager needs; the phone
// number, absent from StandardCommand, is looked up by the caller and
// supplied as "phone".
func (j *JT808Adapter) Encode(cmd protocol.StandardCommand) ([]byte, error) {
	phone, _ := cmd.Params["phone"].(string)
	req := &jt808.PackageRequest{Head: jt808.MsgHead{PhoneNum: phone}}

	switch cmd.Type {
	case "GENERAL_ACK":
		req.Head.MsgID = jt808.MsgPlatformGeneralResponse
		if v, ok := cmd.Params["msg_id"].(uint16); ok {
			req.RespondMsgID = v
		}
		req.RespondResult = jt808.ResultSuccess

	case "SET_TERMINAL_PARAMS":
		req.Head.MsgID = jt808.MsgSetTerminalParams
		if v, ok := cmd.Params["params"].(map[uint32][]byte); ok {
			req.SetParams = v
		}

	case "TRACKING_CONTROL":
		req.Head.MsgID = jt808.MsgTrackingControl
		if v, ok := cmd.Params["interval_s"].(uint16); ok {
			req.TrackingIntervalS = v
		}
		if v, ok := cmd.Params["seconds_s"].(uint32); ok {
			req.TrackingSecondsS = v
		}

	default:
		return nil, fmt.Errorf("unsupported command type: %s", cmd.Type)
	}

	return j.packager.Package(req)
}

// IsHeartbeat checks if the frame is a terminal heartbeat (an empty-body
// 0x0002 report, distinct from the 0x0001/0x8001 general-response pair).
func (j *JT808Adapter) IsHeartbeat(packet []byte) bool {
	result, err := j.parser.Parse(packet)
	if err != nil {
		return false
	}
	return result.Head.MsgID == 0x0002
}

// GenerateHeartbeatAck creates a platform general-response acknowledging a
// heartbeat.
func (j *JT808Adapter) GenerateHeartbeatAck(packet []byte) ([]byte, error) {
	result, err := j.parser.Parse(packet)
	if err != nil {
		return nil, err
	}
	return j.packager.Package(&jt808.PackageRequest{
		Head:           jt808.MsgHead{MsgID: jt808.MsgPlatformGeneralResponse, PhoneNum: result.Head.PhoneNum},
		RespondFlowNum: result.Head.FlowNum,
		RespondMsgID:   result.Head.MsgID,
		RespondResult:  jt808.ResultSuccess,
	})
}

// JT808Detector implements protocol detection for JT808.
type JT808Detector struct {
	adapter *JT808Adapter
}

// NewJT808Detector creates a new JT808 detector.
func NewJT808Detector() *JT808Detector {
	return &JT808Detector{adapter: NewJT808Adapter()}
}

// Match detects the JT808 protocol from the leading frame delimiter.
func (d *JT808Detector) Match(headerBytes []byte) (protocol.ProtocolAdapter, bool) {
	if len(headerBytes) < 1 || headerBytes[0] != 0x7E {
		return nil, false
	}
	return d.adapter, true
}

// Parser exposes the underlying parser so the server's richer session path
// (register/auth handshake, per-connection dispatch) can parse frames
// without re-detecting the protocol on every packet.
func (d *JT808Detector) Parser() *jt808.Parser { return d.adapter.parser }

// Packager exposes the underlying packager for the same reason.
func (d *JT808Detector) Packager() *jt808.Packager { return d.adapter.packager }
