package link

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/trainer-link/trainer-link-app/internal/clock"
)

func newTestTrainer(t *testing.T) *MockPeripheral {
	t.Helper()
	mock := NewMockPeripheral(testLogger(), MockPeripheralConfig{
		Address:      "00:11:22:33:44:01",
		LocalName:    "Test Trainer",
		ServiceUUIDs: []string{ServiceUUIDFTMS, ServiceUUIDBattery, ServiceUUIDDeviceInfo},
	})
	mock.SetConnected(true)
	return mock
}

// controlPointWrites filters the mock's write log down to control point
// frames, decoded from hex.
func controlPointWrites(mock *MockPeripheral) []string {
	var frames []string
	for _, w := range mock.RecordedWrites() {
		if w.CharacteristicUUID == CharUUIDFTMSControlPoint {
			frames = append(frames, w.DataHex)
		}
	}
	return frames
}

func TestControlProtocol_AcquiresControl(t *testing.T) {
	mock := newTestTrainer(t)
	control := NewControlProtocol(clock.NewFakeClock(), testLogger())

	require.NoError(t, control.Activate(mock))

	state := control.GetState()
	assert.Equal(t, ControlReady, state.Status)
	assert.True(t, state.HasControl)
	assert.Equal(t, []string{"00"}, controlPointWrites(mock))
}

func TestControlProtocol_ControlDenied(t *testing.T) {
	mock := newTestTrainer(t)
	mock.SetDenyControl(true)
	control := NewControlProtocol(clock.NewFakeClock(), testLogger())

	require.NoError(t, control.Activate(mock))

	state := control.GetState()
	assert.Equal(t, ControlError, state.Status)
	assert.False(t, state.HasControl)
	assert.Contains(t, state.LastError, "denied")

	// commands must be dropped silently while control is not held
	control.Start()
	control.SetTargetPower(200)
	control.Stop()
	assert.Equal(t, []string{"00"}, controlPointWrites(mock))
}

func TestControlProtocol_CommandsBeforeActivateAreDropped(t *testing.T) {
	mock := newTestTrainer(t)
	control := NewControlProtocol(clock.NewFakeClock(), testLogger())

	control.Start()
	control.SetTargetPower(150)

	assert.Empty(t, controlPointWrites(mock))
	assert.Equal(t, ControlIdle, control.GetState().Status)
}

func TestControlProtocol_SessionCommands(t *testing.T) {
	mock := newTestTrainer(t)
	control := NewControlProtocol(clock.NewFakeClock(), testLogger())
	require.NoError(t, control.Activate(mock))

	control.Start()
	control.Pause()
	control.Stop()

	assert.Equal(t, []string{
		"00",   // request control
		"07",   // start/resume
		"0802", // pause
		"0801", // stop
	}, controlPointWrites(mock))
	assert.Equal(t, ControlReady, control.GetState().Status)
}

func TestControlProtocol_TargetPowerGovernor(t *testing.T) {
	mock := newTestTrainer(t)
	clk := clock.NewFakeClock()
	control := NewControlProtocol(clk, testLogger())
	require.NoError(t, control.Activate(mock))

	control.SetTargetPower(200)
	assert.Equal(t, []string{"00", "05c800"}, controlPointWrites(mock))

	// inside the send interval: even a changed value is suppressed, not queued
	clk.Advance(500 * time.Millisecond)
	control.SetTargetPower(250)
	assert.Equal(t, []string{"00", "05c800"}, controlPointWrites(mock))

	// interval elapsed: next offer goes out
	clk.Advance(400 * time.Millisecond)
	control.SetTargetPower(250)
	assert.Equal(t, []string{"00", "05c800", "05fa00"}, controlPointWrites(mock))

	// an unchanged value still refreshes the trainer after the interval
	clk.Advance(time.Second)
	control.SetTargetPower(250)
	assert.Equal(t, []string{"00", "05c800", "05fa00", "05fa00"}, controlPointWrites(mock))
}

func TestControlProtocol_TargetPowerClampAndRound(t *testing.T) {
	mock := newTestTrainer(t)
	clk := clock.NewFakeClock()
	control := NewControlProtocol(clk, testLogger())
	require.NoError(t, control.Activate(mock))

	control.SetTargetPower(-50)
	clk.Advance(time.Second)
	control.SetTargetPower(5000)
	clk.Advance(time.Second)
	control.SetTargetPower(199.6)

	assert.Equal(t, []string{
		"00",
		"050000", // clamped to 0
		"05d007", // clamped to 2000
		"05c800", // rounded to 200
	}, controlPointWrites(mock))
}

func TestControlProtocol_DeactivateResetsGovernor(t *testing.T) {
	mock := newTestTrainer(t)
	clk := clock.NewFakeClock()
	control := NewControlProtocol(clk, testLogger())
	require.NoError(t, control.Activate(mock))

	control.SetTargetPower(200)
	control.Deactivate()
	assert.Equal(t, ControlIdle, control.GetState().Status)

	// dropped while idle
	control.SetTargetPower(300)
	assert.Equal(t, []string{"00", "05c800"}, controlPointWrites(mock))

	// reactivation starts a fresh throttle window: first send is immediate
	require.NoError(t, control.Activate(mock))
	control.SetTargetPower(300)
	assert.Equal(t, []string{"00", "05c800", "00", "052c01"}, controlPointWrites(mock))
}

func TestControlProtocol_RejectedCommandKeepsControl(t *testing.T) {
	mock := newTestTrainer(t)
	control := NewControlProtocol(clock.NewFakeClock(), testLogger())
	require.NoError(t, control.Activate(mock))

	// the mock rejects op codes it does not know
	mock.WriteCharacteristic(ServiceUUIDFTMS, CharUUIDFTMSControlPoint, []byte{0x7F})

	state := control.GetState()
	assert.Equal(t, ControlReady, state.Status)
	assert.True(t, state.HasControl)
	assert.Contains(t, state.LastError, "rejected")
}

func TestControlProtocol_StateListener(t *testing.T) {
	mock := newTestTrainer(t)
	control := NewControlProtocol(clock.NewFakeClock(), testLogger())

	states := make(chan ControlState, 10)
	defer control.ListenToState(states)()

	require.NoError(t, control.Activate(mock))

	first := <-states
	assert.Equal(t, ControlRequesting, first.Status)
	second := <-states
	assert.Equal(t, ControlReady, second.Status)
	assert.True(t, second.HasControl)
}
