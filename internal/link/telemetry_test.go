package link

import (
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func ibdPayload(cadenceRpm float64, powerWatts int) []byte {
	return EncodeIndoorBikeData(
		IBDFlagMoreData|IBDFlagInstantaneousCadence|IBDFlagInstantaneousPower,
		IndoorBikeData{HasCadence: true, CadenceRpm: cadenceRpm, HasPower: true, PowerWatts: powerWatts},
	)
}

func TestTelemetryStream_MergesPartialUpdates(t *testing.T) {
	stream := NewTelemetryStream(testLogger(), nil)
	stream.Reset()

	// power only
	stream.HandleIndoorBikeData(EncodeIndoorBikeData(
		IBDFlagMoreData|IBDFlagInstantaneousPower,
		IndoorBikeData{HasPower: true, PowerWatts: 210},
	))
	snap := stream.Snapshot()
	require.NotNil(t, snap.PowerWatts)
	assert.Equal(t, 210, *snap.PowerWatts)
	assert.Nil(t, snap.CadenceRpm)
	assert.Nil(t, snap.HrBpm)

	// cadence only must not clobber the known power
	stream.HandleIndoorBikeData(EncodeIndoorBikeData(
		IBDFlagMoreData|IBDFlagInstantaneousCadence,
		IndoorBikeData{HasCadence: true, CadenceRpm: 88},
	))
	snap = stream.Snapshot()
	require.NotNil(t, snap.PowerWatts)
	assert.Equal(t, 210, *snap.PowerWatts)
	require.NotNil(t, snap.CadenceRpm)
	assert.Equal(t, 88.0, *snap.CadenceRpm)
}

func TestTelemetryStream_HeartRateSensorWins(t *testing.T) {
	stream := NewTelemetryStream(testLogger(), nil)
	stream.Reset()

	sensorConnected := false
	stream.SetHeartRateSensorCheck(func() bool { return sensorConnected })

	trainerPayload := EncodeIndoorBikeData(
		IBDFlagMoreData|IBDFlagInstantaneousPower|IBDFlagHeartRate,
		IndoorBikeData{HasPower: true, PowerWatts: 150, HasHeartRate: true, HeartRateBpm: 120},
	)

	// no dedicated sensor: trainer HR is used
	stream.HandleIndoorBikeData(trainerPayload)
	snap := stream.Snapshot()
	require.NotNil(t, snap.HrBpm)
	assert.Equal(t, 120, *snap.HrBpm)

	// sensor connects: its value wins and trainer HR is ignored
	sensorConnected = true
	stream.HandleHeartRate(EncodeHeartRate(158, false))
	stream.HandleIndoorBikeData(trainerPayload)
	snap = stream.Snapshot()
	require.NotNil(t, snap.HrBpm)
	assert.Equal(t, 158, *snap.HrBpm)

	// sensor drops: trainer HR becomes authoritative again
	sensorConnected = false
	stream.HandleIndoorBikeData(trainerPayload)
	snap = stream.Snapshot()
	require.NotNil(t, snap.HrBpm)
	assert.Equal(t, 120, *snap.HrBpm)
}

func TestTelemetryStream_RecordingGate(t *testing.T) {
	elapsed := 0.0
	stream := NewTelemetryStream(testLogger(), func() float64 { return elapsed })
	stream.Reset()

	samples := make(chan TelemetrySample, 10)
	defer stream.ListenToSamples(samples)()

	stream.HandleIndoorBikeData(ibdPayload(90, 200))
	assert.Empty(t, samples)

	stream.SetRecording(true)
	assert.True(t, stream.IsRecording())

	elapsed = 12.5
	stream.HandleIndoorBikeData(ibdPayload(91, 205))
	require.Len(t, samples, 1)
	sample := <-samples
	assert.Equal(t, 12.5, sample.TimeSec)
	assert.Equal(t, 205.0, sample.PowerWatts)
	assert.Equal(t, 91.0, sample.CadenceRpm)
	assert.Equal(t, 0.0, sample.HrBpm) // unknown metric is zero-filled

	stream.SetRecording(false)
	stream.HandleIndoorBikeData(ibdPayload(92, 210))
	assert.Empty(t, samples)
}

func TestTelemetryStream_SnapshotUpdatesWhileNotRecording(t *testing.T) {
	stream := NewTelemetryStream(testLogger(), nil)
	stream.Reset()

	stream.HandleIndoorBikeData(ibdPayload(80, 190))
	snap := stream.Snapshot()
	require.NotNil(t, snap.PowerWatts)
	assert.Equal(t, 190, *snap.PowerWatts)
}

func TestTelemetryStream_ResetClearsSnapshot(t *testing.T) {
	stream := NewTelemetryStream(testLogger(), nil)
	stream.Reset()
	stream.HandleIndoorBikeData(ibdPayload(85, 220))
	require.NotNil(t, stream.Snapshot().PowerWatts)

	stream.Reset()
	snap := stream.Snapshot()
	assert.Nil(t, snap.PowerWatts)
	assert.Nil(t, snap.CadenceRpm)
	assert.Nil(t, snap.HrBpm)
}

func TestTelemetryStream_MalformedPayloadsAreHarmless(t *testing.T) {
	stream := NewTelemetryStream(testLogger(), nil)
	stream.Reset()

	stream.HandleIndoorBikeData(nil)
	stream.HandleIndoorBikeData([]byte{0x44})
	stream.HandleHeartRate(nil)
	stream.HandleHeartRate([]byte{0x00})

	snap := stream.Snapshot()
	assert.Nil(t, snap.PowerWatts)
	assert.Nil(t, snap.HrBpm)
}

func TestTelemetryStream_SnapshotListener(t *testing.T) {
	stream := NewTelemetryStream(testLogger(), nil)
	stream.Reset()

	snapshots := make(chan TelemetrySnapshot, 10)
	defer stream.ListenToSnapshot(snapshots)()
	<-snapshots // replayed reset snapshot

	stream.HandleIndoorBikeData(ibdPayload(75, 160))
	snap := <-snapshots
	require.NotNil(t, snap.PowerWatts)
	assert.Equal(t, 160, *snap.PowerWatts)
}
