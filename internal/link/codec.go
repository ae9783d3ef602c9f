package link

import (
	"encoding/binary"
	"math"
)

// Indoor Bike Data flag bit positions (FTMS 1.0 spec)
const (
	IBDFlagMoreData             uint16 = 1 << 0 // inverted: 0 means Instantaneous Speed IS present
	IBDFlagAverageSpeed         uint16 = 1 << 1
	IBDFlagInstantaneousCadence uint16 = 1 << 2
	IBDFlagAverageCadence       uint16 = 1 << 3
	IBDFlagTotalDistance        uint16 = 1 << 4
	IBDFlagResistanceLevel      uint16 = 1 << 5
	IBDFlagInstantaneousPower   uint16 = 1 << 6
	IBDFlagAveragePower         uint16 = 1 << 7
	IBDFlagExpendedEnergy       uint16 = 1 << 8
	IBDFlagHeartRate            uint16 = 1 << 9
	IBDFlagMetabolicEquivalent  uint16 = 1 << 10
	IBDFlagElapsedTime          uint16 = 1 << 11
	IBDFlagRemainingTime        uint16 = 1 << 12
)

// IndoorBikeData holds the fields this layer extracts from the FTMS Indoor
// Bike Data characteristic. Absent fields have their Has flag false.
type IndoorBikeData struct {
	HasCadence bool
	CadenceRpm float64

	HasPower   bool
	PowerWatts int

	HasHeartRate bool
	HeartRateBpm int
}

// ibdField is one entry of the Indoor Bike Data layout: which flag bit gates
// it, how many bytes it occupies, and how to decode/encode it. Fields this
// layer does not use carry nil decode/encode and are cursor-skipped
// (zero-filled on encode).
type ibdField struct {
	flag             uint16
	presentWhenClear bool // bit 0 is inverted in the spec
	width            int
	decode           func(d *IndoorBikeData, b []byte)
	encode           func(d IndoorBikeData, b []byte)
}

// ibdLayout is the Indoor Bike Data field order from the FTMS spec, walked
// once per payload in ascending flag-bit order.
var ibdLayout = []ibdField{
	{flag: IBDFlagMoreData, presentWhenClear: true, width: 2}, // instantaneous speed, u16 0.01 km/h
	{flag: IBDFlagAverageSpeed, width: 2},
	{
		flag:  IBDFlagInstantaneousCadence,
		width: 2,
		decode: func(d *IndoorBikeData, b []byte) {
			// wire value is in half-rpm units
			d.HasCadence = true
			d.CadenceRpm = float64(binary.LittleEndian.Uint16(b)) * 0.5
		},
		encode: func(d IndoorBikeData, b []byte) {
			binary.LittleEndian.PutUint16(b, uint16(math.Round(d.CadenceRpm*2)))
		},
	},
	{flag: IBDFlagAverageCadence, width: 2},
	{flag: IBDFlagTotalDistance, width: 3}, // u24 meters
	{flag: IBDFlagResistanceLevel, width: 2},
	{
		flag:  IBDFlagInstantaneousPower,
		width: 2,
		decode: func(d *IndoorBikeData, b []byte) {
			d.HasPower = true
			d.PowerWatts = int(int16(binary.LittleEndian.Uint16(b)))
		},
		encode: func(d IndoorBikeData, b []byte) {
			binary.LittleEndian.PutUint16(b, uint16(int16(d.PowerWatts)))
		},
	},
	{flag: IBDFlagAveragePower, width: 2},
	{flag: IBDFlagExpendedEnergy, width: 5}, // u16 total + u16 per hour + u8 per minute
	{
		flag:  IBDFlagHeartRate,
		width: 1,
		decode: func(d *IndoorBikeData, b []byte) {
			d.HasHeartRate = true
			d.HeartRateBpm = int(b[0])
		},
		encode: func(d IndoorBikeData, b []byte) {
			b[0] = byte(d.HeartRateBpm)
		},
	},
	{flag: IBDFlagMetabolicEquivalent, width: 1},
	{flag: IBDFlagElapsedTime, width: 2},
	{flag: IBDFlagRemainingTime, width: 2},
}

func (f ibdField) present(flags uint16) bool {
	if f.presentWhenClear {
		return flags&f.flag == 0
	}
	return flags&f.flag != 0
}

// DecodeIndoorBikeData parses an Indoor Bike Data notification. It never
// panics: a payload truncated mid-field yields whatever fields were already
// parsed, with the incomplete field and everything after it absent. Wireless
// links drop bytes routinely, so this is not an error condition.
func DecodeIndoorBikeData(buf []byte) IndoorBikeData {
	var data IndoorBikeData
	if len(buf) < 2 {
		return data
	}

	flags := binary.LittleEndian.Uint16(buf)
	cursor := 2
	for _, field := range ibdLayout {
		if !field.present(flags) {
			continue
		}
		if cursor+field.width > len(buf) {
			break
		}
		if field.decode != nil {
			field.decode(&data, buf[cursor:cursor+field.width])
		}
		cursor += field.width
	}
	return data
}

// EncodeIndoorBikeData builds a payload with the given flags. Gated fields
// this layer does not model are zero-filled. Used by the mock trainer and
// the round-trip tests; it is the exact inverse of DecodeIndoorBikeData for
// the modeled fields.
func EncodeIndoorBikeData(flags uint16, data IndoorBikeData) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, flags)
	for _, field := range ibdLayout {
		if !field.present(flags) {
			continue
		}
		chunk := make([]byte, field.width)
		if field.encode != nil {
			field.encode(data, chunk)
		}
		buf = append(buf, chunk...)
	}
	return buf
}

// DecodeHeartRate parses a Heart Rate Measurement notification. Flag bit 0
// selects an 8-bit or 16-bit little-endian value. ok is false when the
// buffer is shorter than the selected width requires.
func DecodeHeartRate(buf []byte) (bpm int, ok bool) {
	if len(buf) < 2 {
		return 0, false
	}
	if buf[0]&0x01 != 0 {
		if len(buf) < 3 {
			return 0, false
		}
		return int(binary.LittleEndian.Uint16(buf[1:3])), true
	}
	return int(buf[1]), true
}

// EncodeHeartRate builds a Heart Rate Measurement payload. sixteenBit forces
// the u16 encoding regardless of value.
func EncodeHeartRate(bpm int, sixteenBit bool) []byte {
	if sixteenBit || bpm > 0xFF {
		buf := []byte{0x01, 0, 0}
		binary.LittleEndian.PutUint16(buf[1:3], uint16(bpm))
		return buf
	}
	return []byte{0x00, byte(bpm)}
}
