package link

import (
	"log"
	"sync"

	"github.com/lowaak/trainer-link/trainer-link-app/internal/events"
)

// TelemetrySnapshot is the last known value per metric, independent of
// whether anything is being recorded. A nil field has never been reported on
// the current session.
type TelemetrySnapshot struct {
	PowerWatts *int
	CadenceRpm *float64
	HrBpm      *int
}

// TelemetrySample is one recorded tick. Fields that were still unknown at
// the tick are zero-filled, never interpolated; gap handling belongs to the
// consuming pipeline.
type TelemetrySample struct {
	TimeSec    float64
	PowerWatts float64
	CadenceRpm float64
	HrBpm      float64
}

// TelemetryStream bridges raw characteristic notifications into a merged
// snapshot plus a recording-gated sample feed. All notification handling is
// serialized per characteristic by the BLE stack; the mutex covers the
// cross-characteristic merge.
type TelemetryStream struct {
	logger *log.Logger

	mu        sync.Mutex
	snapshot  TelemetrySnapshot
	recording bool
	epoch     uint64

	// elapsedFn supplies the session-relative timestamp for samples. Owned
	// by the external session controller.
	elapsedFn func() float64

	// hrSensorActive reports whether a dedicated heart-rate link is
	// currently open. While it is, the trainer's own embedded HR field is
	// ignored so two sources never fight over the same metric. Re-evaluated
	// on every notification, so the trainer becomes authoritative again the
	// moment the sensor drops.
	hrSensorActive func() bool

	snapshotEvent *events.ChannelEvent[TelemetrySnapshot]
	sampleEvent   *events.ChannelEvent[TelemetrySample]
}

func NewTelemetryStream(logger *log.Logger, elapsedFn func() float64) *TelemetryStream {
	if logger == nil {
		panic("TelemetryStream: logger cannot be nil")
	}
	if elapsedFn == nil {
		elapsedFn = func() float64 { return 0 }
	}
	return &TelemetryStream{
		logger:        logger,
		elapsedFn:     elapsedFn,
		snapshotEvent: events.NewChannelEvent[TelemetrySnapshot](true),
		sampleEvent:   events.NewChannelEvent[TelemetrySample](false),
	}
}

// SetHeartRateSensorCheck installs the predicate used to suppress the
// trainer-embedded heart-rate field while a dedicated sensor is connected.
func (s *TelemetryStream) SetHeartRateSensorCheck(fn func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hrSensorActive = fn
}

// SetRecording toggles sample emission. The snapshot keeps updating either
// way.
func (s *TelemetryStream) SetRecording(recording bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recording = recording
}

// IsRecording returns whether samples are currently being emitted.
func (s *TelemetryStream) IsRecording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// Reset clears the snapshot and starts a new epoch. Callers that own a
// boundary use it: the link layer on a fresh trainer connection, the session
// controller at the start of a workout. Any notification that started
// processing against an earlier epoch is dropped before merge, so a
// mid-flight payload cannot leak past a reset.
func (s *TelemetryStream) Reset() {
	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.snapshot = TelemetrySnapshot{}
	snap := s.snapshot
	s.mu.Unlock()

	s.logger.Printf("TelemetryStream: epoch %d, snapshot cleared", epoch)
	s.snapshotEvent.Notify(snap)
}

// Snapshot returns a copy of the current last-known values.
func (s *TelemetryStream) Snapshot() TelemetrySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneSnapshot(s.snapshot)
}

// ListenToSnapshot registers a channel for snapshot updates (one per
// processed notification). Returns a deregistration function.
func (s *TelemetryStream) ListenToSnapshot(ch chan<- TelemetrySnapshot) func() {
	return s.snapshotEvent.Listen(ch)
}

// ListenToSamples registers a channel for recorded samples. Returns a
// deregistration function.
func (s *TelemetryStream) ListenToSamples(ch chan<- TelemetrySample) func() {
	return s.sampleEvent.Listen(ch)
}

// HandleIndoorBikeData is the notification callback for the trainer's Indoor
// Bike Data characteristic.
func (s *TelemetryStream) HandleIndoorBikeData(buf []byte) {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	data := DecodeIndoorBikeData(buf)

	s.mu.Lock()
	if epoch != s.epoch {
		// notification raced a reset; belongs to the old epoch
		s.mu.Unlock()
		return
	}
	if data.HasPower {
		s.snapshot.PowerWatts = intPtr(data.PowerWatts)
	}
	if data.HasCadence {
		s.snapshot.CadenceRpm = floatPtr(data.CadenceRpm)
	}
	if data.HasHeartRate && !s.dedicatedHRActive() {
		s.snapshot.HrBpm = intPtr(data.HeartRateBpm)
	}
	s.finishTickLocked()
}

// HandleHeartRate is the notification callback for the heart-rate sensor's
// Heart Rate Measurement characteristic.
func (s *TelemetryStream) HandleHeartRate(buf []byte) {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	bpm, ok := DecodeHeartRate(buf)
	if !ok {
		return
	}

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	s.snapshot.HrBpm = intPtr(bpm)
	s.finishTickLocked()
}

// dedicatedHRActive must be called with mu held.
func (s *TelemetryStream) dedicatedHRActive() bool {
	return s.hrSensorActive != nil && s.hrSensorActive()
}

// finishTickLocked publishes the updated snapshot and, while recording,
// emits a sample when the merged snapshot carries at least one value. It
// releases mu.
func (s *TelemetryStream) finishTickLocked() {
	snap := cloneSnapshot(s.snapshot)
	recording := s.recording
	s.mu.Unlock()

	s.snapshotEvent.Notify(snap)

	if !recording {
		return
	}
	if snap.PowerWatts == nil && snap.CadenceRpm == nil && snap.HrBpm == nil {
		return
	}

	sample := TelemetrySample{TimeSec: s.elapsedFn()}
	if snap.PowerWatts != nil {
		sample.PowerWatts = float64(*snap.PowerWatts)
	}
	if snap.CadenceRpm != nil {
		sample.CadenceRpm = *snap.CadenceRpm
	}
	if snap.HrBpm != nil {
		sample.HrBpm = float64(*snap.HrBpm)
	}
	s.sampleEvent.Notify(sample)
}

func cloneSnapshot(snap TelemetrySnapshot) TelemetrySnapshot {
	out := TelemetrySnapshot{}
	if snap.PowerWatts != nil {
		out.PowerWatts = intPtr(*snap.PowerWatts)
	}
	if snap.CadenceRpm != nil {
		out.CadenceRpm = floatPtr(*snap.CadenceRpm)
	}
	if snap.HrBpm != nil {
		out.HrBpm = intPtr(*snap.HrBpm)
	}
	return out
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }
