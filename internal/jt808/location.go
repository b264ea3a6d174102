package jt808

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Alarm bit positions within LocationBasicInfo.Alarm (32-bit field), the
// subset the gateway reasons about directly; the remaining standard bits
// pass through untouched for callers that set the raw word.
const (
	AlarmEmergency       uint32 = 1 << 0
	AlarmOverSpeed       uint32 = 1 << 1
	AlarmFatigueDriving  uint32 = 1 << 2
	AlarmGNSSFault       uint32 = 1 << 5
	AlarmInOutArea       uint32 = 1 << 18 // access-area alarm, set/cleared around 0x0200 acks
	AlarmInOutRoute      uint32 = 1 << 19
	AlarmVSSFault        uint32 = 1 << 25
)

// Status bit positions within LocationBasicInfo.Status.
const (
	StatusACCOn         uint32 = 1 << 0
	StatusPositioned    uint32 = 1 << 1
	StatusSouthLatitude uint32 = 1 << 2
	StatusWestLongitude uint32 = 1 << 3
	StatusLoaded        uint32 = 1 << 9
)

// LocationBasicInfo is the fixed 28-byte prefix of a location report.
type LocationBasicInfo struct {
	Alarm       uint32
	Status      uint32
	LatitudeE6  uint32 // degrees * 1e6
	LongitudeE6 uint32 // degrees * 1e6
	AltitudeM   uint16
	SpeedE1     uint16 // 0.1 km/h units
	Bearing     uint16
	Timestamp   string // "YYMMDDhhmmss"
}

// SpeedKMH decodes the wire speed field into km/h.
func (l LocationBasicInfo) SpeedKMH() float64 {
	return float64(l.SpeedE1) / 10.0
}

// SetSpeedKMH encodes a km/h speed into the wire's 0.1 km/h unit.
func (l *LocationBasicInfo) SetSpeedKMH(kmh float64) {
	l.SpeedE1 = uint16(kmh*10 + 0.5)
}

// Positioned reports whether the GNSS-fix status bit is set.
func (l LocationBasicInfo) Positioned() bool {
	return l.Status&StatusPositioned != 0
}

func encodeLocationBasic(l LocationBasicInfo) ([]byte, error) {
	ts, err := StringToBCD(l.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("jt808: encode location timestamp: %w", err)
	}
	if len(ts) != 6 {
		return nil, fmt.Errorf("jt808: location timestamp must be 12 digits, got %q", l.Timestamp)
	}
	out := make([]byte, 28)
	binary.BigEndian.PutUint32(out[0:4], l.Alarm)
	binary.BigEndian.PutUint32(out[4:8], l.Status)
	binary.BigEndian.PutUint32(out[8:12], l.LatitudeE6)
	binary.BigEndian.PutUint32(out[12:16], l.LongitudeE6)
	binary.BigEndian.PutUint16(out[16:18], l.AltitudeM)
	binary.BigEndian.PutUint16(out[18:20], l.SpeedE1)
	binary.BigEndian.PutUint16(out[20:22], l.Bearing)
	copy(out[22:28], ts)
	return out, nil
}

func decodeLocationBasic(body []byte) (LocationBasicInfo, error) {
	if len(body) < 28 {
		return LocationBasicInfo{}, fmt.Errorf("%w: location basic info needs 28 bytes, got %d", ErrShortBuffer, len(body))
	}
	ts, err := BCDToStringFillZero(body[22:28])
	if err != nil {
		return LocationBasicInfo{}, err
	}
	return LocationBasicInfo{
		Alarm:       binary.BigEndian.Uint32(body[0:4]),
		Status:      binary.BigEndian.Uint32(body[4:8]),
		LatitudeE6:  binary.BigEndian.Uint32(body[8:12]),
		LongitudeE6: binary.BigEndian.Uint32(body[12:16]),
		AltitudeM:   binary.BigEndian.Uint16(body[16:18]),
		SpeedE1:     binary.BigEndian.Uint16(body[18:20]),
		Bearing:     binary.BigEndian.Uint16(body[20:22]),
		Timestamp:   ts,
	}, nil
}

// Standardized location-extension ids (LocationExtensionId in the
// reference), per the id < 0xE0 table.
const (
	ExtMileage             uint8 = 0x01
	ExtOilMass             uint8 = 0x02
	ExtTachographSpeed     uint8 = 0x03
	ExtAlarmEventCount     uint8 = 0x04
	ExtOverSpeedAlarm      uint8 = 0x11
	ExtAccessAreaAlarm     uint8 = 0x12
	ExtDrivingTimeAlarm    uint8 = 0x13
	ExtVehicleSignalStatus uint8 = 0x25
	ExtIOStatus            uint8 = 0x2A
	ExtAnalogQuantity      uint8 = 0x2B
	ExtNetworkSignal       uint8 = 0x30
	ExtGNSSSatellites      uint8 = 0x31
	ExtCustomInfoLength    uint8 = 0xE0
	ExtPositioningStatus   uint8 = 0xEE
)

// Location-type and direction bytes for extension 0x12 (access-area alarm).
const (
	AccessAreaCircular  uint8 = 0x0
	AccessAreaRectangle uint8 = 0x1
	AccessAreaPolygon   uint8 = 0x2

	AccessAreaDirectionIn  uint8 = 0x0
	AccessAreaDirectionOut uint8 = 0x1
)

// AccessAreaAlarmBody builds the body of extension 0x12/0x13: a location
// type byte, a 4-byte area/route id, and (for the access-area variant) a
// direction byte.
func AccessAreaAlarmBody(locationType uint8, areaID uint32, direction *uint8) []byte {
	if direction == nil {
		out := make([]byte, 5)
		out[0] = locationType
		binary.BigEndian.PutUint32(out[1:5], areaID)
		return out
	}
	out := make([]byte, 6)
	out[0] = locationType
	binary.BigEndian.PutUint32(out[1:5], areaID)
	out[5] = *direction
	return out
}

// encodeExtensions serializes the extension map in wire order: standard
// ids (< 0xE0) ascending, then an 0xE0 marker carrying every id > 0xE0 as
// nested id/len/value entries, with a 1-byte length if that nested blob is
// under 256 bytes else a 2-byte length. Absent any vendor entries, 0xE0 is
// omitted entirely.
func encodeExtensions(ext map[uint8][]byte) []byte {
	var standardIDs, vendorIDs []uint8
	for id := range ext {
		if id == ExtCustomInfoLength {
			continue // 0xE0 is a computed marker, never a caller-supplied entry
		}
		if id < ExtCustomInfoLength {
			standardIDs = append(standardIDs, id)
		} else {
			vendorIDs = append(vendorIDs, id)
		}
	}
	sort.Slice(standardIDs, func(i, j int) bool { return standardIDs[i] < standardIDs[j] })
	sort.Slice(vendorIDs, func(i, j int) bool { return vendorIDs[i] < vendorIDs[j] })

	var out []byte
	for _, id := range standardIDs {
		v := ext[id]
		out = append(out, id, uint8(len(v)))
		out = append(out, v...)
	}

	var custom []byte
	for _, id := range vendorIDs {
		v := ext[id]
		custom = append(custom, id, uint8(len(v)))
		custom = append(custom, v...)
	}
	if len(custom) > 0 {
		out = append(out, ExtCustomInfoLength)
		if len(custom) < 256 {
			out = append(out, uint8(len(custom)))
		} else {
			lenBuf := make([]byte, 2)
			binary.BigEndian.PutUint16(lenBuf, uint16(len(custom)))
			out = append(out, lenBuf...)
		}
		out = append(out, custom...)
	}
	return out
}

// decodeExtensions walks id/len/value triples until body end. Encountering
// id 0xE0, the remaining byte count after the id byte disambiguates a
// 1-byte from a 2-byte length: the encoder only ever chooses 2 bytes when
// the nested blob is >= 256 bytes, so a remaining count of 256 or fewer
// can only be a 1-byte length (nested blob 0-255 bytes), and a remaining
// count of 258 or more can only be a 2-byte length (nested blob >= 256
// bytes); 257 never occurs under that rule. The nested blob is then
// re-walked as further id/len/value entries for vendor ids.
func decodeExtensions(body []byte) (map[uint8][]byte, error) {
	out := make(map[uint8][]byte)
	pos := 0
	for pos < len(body) {
		id := body[pos]
		pos++
		if id == ExtCustomInfoLength {
			remaining := len(body) - pos
			var customLen int
			var lenFieldSize int
			if remaining <= 256 {
				if pos >= len(body) {
					return nil, fmt.Errorf("%w: truncated 0xE0 length", ErrShortBuffer)
				}
				customLen = int(body[pos])
				lenFieldSize = 1
			} else {
				if pos+2 > len(body) {
					return nil, fmt.Errorf("%w: truncated 0xE0 length", ErrShortBuffer)
				}
				customLen = int(binary.BigEndian.Uint16(body[pos : pos+2]))
				lenFieldSize = 2
			}
			pos += lenFieldSize
			if pos+customLen > len(body) {
				return nil, fmt.Errorf("%w: 0xE0 custom section overruns body", ErrShortBuffer)
			}
			nested, err := decodeExtensions(body[pos : pos+customLen])
			if err != nil {
				return nil, err
			}
			for k, v := range nested {
				out[k] = v
			}
			pos += customLen
			continue
		}
		if pos >= len(body) {
			return nil, fmt.Errorf("%w: truncated extension length for id 0x%02x", ErrShortBuffer, id)
		}
		l := int(body[pos])
		pos++
		if pos+l > len(body) {
			return nil, fmt.Errorf("%w: extension id 0x%02x value overruns body", ErrShortBuffer, id)
		}
		out[id] = append([]byte(nil), body[pos:pos+l]...)
		pos += l
	}
	return out, nil
}
