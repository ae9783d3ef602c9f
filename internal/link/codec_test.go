package link

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeIndoorBikeData_CadenceAndPower(t *testing.T) {
	// flags: speed absent (bit 0 set), cadence + power present
	flags := IBDFlagMoreData | IBDFlagInstantaneousCadence | IBDFlagInstantaneousPower
	buf := []byte{
		byte(flags), byte(flags >> 8),
		0xAA, 0x00, // cadence 170 half-rpm = 85 rpm
		0xC8, 0x00, // power 200 W
	}

	data := DecodeIndoorBikeData(buf)
	assert.True(t, data.HasCadence)
	assert.Equal(t, 85.0, data.CadenceRpm)
	assert.True(t, data.HasPower)
	assert.Equal(t, 200, data.PowerWatts)
	assert.False(t, data.HasHeartRate)
}

func TestDecodeIndoorBikeData_SpeedFieldShiftsOffsets(t *testing.T) {
	// bit 0 clear: a 2-byte instantaneous speed precedes everything else
	flags := IBDFlagInstantaneousPower
	buf := []byte{
		byte(flags), byte(flags >> 8),
		0xC4, 0x09, // speed 25.00 km/h, skipped
		0x2C, 0x01, // power 300 W
	}

	data := DecodeIndoorBikeData(buf)
	assert.True(t, data.HasPower)
	assert.Equal(t, 300, data.PowerWatts)
}

func TestDecodeIndoorBikeData_NegativePower(t *testing.T) {
	flags := IBDFlagMoreData | IBDFlagInstantaneousPower
	buf := []byte{
		byte(flags), byte(flags >> 8),
		0xFB, 0xFF, // -5 W
	}

	data := DecodeIndoorBikeData(buf)
	assert.True(t, data.HasPower)
	assert.Equal(t, -5, data.PowerWatts)
}

func TestDecodeIndoorBikeData_HeartRateAfterSkippedFields(t *testing.T) {
	// expended energy (5 bytes, unused) sits between power and heart rate
	flags := IBDFlagMoreData | IBDFlagInstantaneousPower | IBDFlagExpendedEnergy | IBDFlagHeartRate
	buf := []byte{
		byte(flags), byte(flags >> 8),
		0xC8, 0x00, // power 200 W
		0x10, 0x00, 0x20, 0x00, 0x05, // energy, skipped
		0x98, // heart rate 152 bpm
	}

	data := DecodeIndoorBikeData(buf)
	assert.True(t, data.HasPower)
	assert.Equal(t, 200, data.PowerWatts)
	assert.True(t, data.HasHeartRate)
	assert.Equal(t, 152, data.HeartRateBpm)
}

func TestDecodeIndoorBikeData_TruncatedPayloadKeepsParsedFields(t *testing.T) {
	flags := IBDFlagMoreData | IBDFlagInstantaneousCadence | IBDFlagInstantaneousPower
	buf := []byte{
		byte(flags), byte(flags >> 8),
		0xA0, 0x00, // cadence 80 rpm
		0xC8, // power truncated mid-field
	}

	data := DecodeIndoorBikeData(buf)
	assert.True(t, data.HasCadence)
	assert.Equal(t, 80.0, data.CadenceRpm)
	assert.False(t, data.HasPower)
}

func TestDecodeIndoorBikeData_ShortBuffers(t *testing.T) {
	assert.Equal(t, IndoorBikeData{}, DecodeIndoorBikeData(nil))
	assert.Equal(t, IndoorBikeData{}, DecodeIndoorBikeData([]byte{}))
	assert.Equal(t, IndoorBikeData{}, DecodeIndoorBikeData([]byte{0x44}))
}

func TestDecodeIndoorBikeData_FlagsOnly(t *testing.T) {
	// flags promise power but no field bytes follow
	flags := IBDFlagMoreData | IBDFlagInstantaneousPower
	data := DecodeIndoorBikeData([]byte{byte(flags), byte(flags >> 8)})
	assert.Equal(t, IndoorBikeData{}, data)
}

func TestEncodeIndoorBikeData_RoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		flags uint16
		data  IndoorBikeData
	}{
		{
			name:  "cadence and power",
			flags: IBDFlagMoreData | IBDFlagInstantaneousCadence | IBDFlagInstantaneousPower,
			data:  IndoorBikeData{HasCadence: true, CadenceRpm: 92.5, HasPower: true, PowerWatts: 250},
		},
		{
			name:  "power only with speed present",
			flags: IBDFlagInstantaneousPower,
			data:  IndoorBikeData{HasPower: true, PowerWatts: 180},
		},
		{
			name:  "all modeled fields",
			flags: IBDFlagMoreData | IBDFlagInstantaneousCadence | IBDFlagInstantaneousPower | IBDFlagHeartRate,
			data:  IndoorBikeData{HasCadence: true, CadenceRpm: 60, HasPower: true, PowerWatts: 145, HasHeartRate: true, HeartRateBpm: 155},
		},
		{
			name:  "skipped fields between modeled ones",
			flags: IBDFlagMoreData | IBDFlagTotalDistance | IBDFlagInstantaneousPower | IBDFlagHeartRate,
			data:  IndoorBikeData{HasPower: true, PowerWatts: 310, HasHeartRate: true, HeartRateBpm: 140},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decoded := DecodeIndoorBikeData(EncodeIndoorBikeData(tc.flags, tc.data))
			assert.Equal(t, tc.data, decoded)
		})
	}
}

func TestDecodeHeartRate(t *testing.T) {
	bpm, ok := DecodeHeartRate([]byte{0x00, 0x48})
	assert.True(t, ok)
	assert.Equal(t, 72, bpm)

	bpm, ok = DecodeHeartRate([]byte{0x01, 0x2C, 0x01})
	assert.True(t, ok)
	assert.Equal(t, 300, bpm)

	_, ok = DecodeHeartRate([]byte{0x00})
	assert.False(t, ok)

	// sixteen-bit flag with only one value byte
	_, ok = DecodeHeartRate([]byte{0x01, 0x48})
	assert.False(t, ok)

	_, ok = DecodeHeartRate(nil)
	assert.False(t, ok)
}

func TestEncodeHeartRate(t *testing.T) {
	assert.Equal(t, []byte{0x00, 0x48}, EncodeHeartRate(72, false))
	assert.Equal(t, []byte{0x01, 0x48, 0x00}, EncodeHeartRate(72, true))

	bpm, ok := DecodeHeartRate(EncodeHeartRate(300, false))
	assert.True(t, ok)
	assert.Equal(t, 300, bpm)
}
