package link

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/lowaak/trainer-link/trainer-link-app/internal/bt"
	"github.com/lowaak/trainer-link/trainer-link-app/internal/clock"
	"github.com/lowaak/trainer-link/trainer-link-app/internal/events"
)

type ControlStatus int

const (
	ControlIdle ControlStatus = iota
	ControlRequesting
	ControlReady
	ControlError
)

func (s ControlStatus) String() string {
	switch s {
	case ControlIdle:
		return "Idle"
	case ControlRequesting:
		return "Requesting"
	case ControlReady:
		return "Ready"
	case ControlError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ControlState is the externally visible state of the trainer control
// channel. HasControl becomes true only after the trainer acknowledges the
// Request Control op code.
type ControlState struct {
	Status     ControlStatus
	HasControl bool
	LastError  string
}

// ControlProtocol runs the FTMS Control Point request/response exchange over
// a connected trainer. One request's response is outstanding at a time;
// responses are correlated by the request op code echoed in the response
// frame. Commands issued before control is acquired are dropped silently, so
// callers can stay state-agnostic.
type ControlProtocol struct {
	logger *log.Logger
	clk    clock.Clock

	mu         sync.Mutex
	peripheral bt.Peripheral
	state      ControlState

	// target power governor
	lastSentAt time.Time
	hasSent    bool

	stateEvent *events.ChannelEvent[ControlState]
}

func NewControlProtocol(clk clock.Clock, logger *log.Logger) *ControlProtocol {
	if logger == nil {
		panic("ControlProtocol: logger cannot be nil")
	}
	if clk == nil {
		clk = clock.System()
	}
	return &ControlProtocol{
		logger:     logger,
		clk:        clk,
		state:      ControlState{Status: ControlIdle},
		stateEvent: events.NewChannelEvent[ControlState](true),
	}
}

// GetState returns the current control state.
func (c *ControlProtocol) GetState() ControlState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ListenToState registers a channel for control state updates. Returns a
// deregistration function.
func (c *ControlProtocol) ListenToState(ch chan<- ControlState) func() {
	return c.stateEvent.Listen(ch)
}

// Activate binds the protocol to a freshly connected trainer: it subscribes
// to control-point notifications first (responses would otherwise be lost)
// and then writes Request Control. Readiness is reported asynchronously via
// the response frame.
func (c *ControlProtocol) Activate(p bt.Peripheral) error {
	if p == nil {
		return fmt.Errorf("ControlProtocol: nil peripheral")
	}

	c.mu.Lock()
	c.peripheral = p
	c.state = ControlState{Status: ControlRequesting}
	c.resetGovernorLocked()
	state := c.state
	c.mu.Unlock()
	c.stateEvent.Notify(state)

	if err := p.EnableNotifications(ServiceUUIDFTMS, CharUUIDFTMSControlPoint, c.handleResponse); err != nil {
		c.setErrorState(fmt.Sprintf("failed to subscribe to control point: %v", err))
		return err
	}

	c.logger.Printf("ControlProtocol: requesting trainer control")
	if err := p.WriteCharacteristic(ServiceUUIDFTMS, CharUUIDFTMSControlPoint, []byte{FTMSOpCodeRequestControl}); err != nil {
		c.setErrorState(fmt.Sprintf("failed to request control: %v", err))
		return err
	}
	return nil
}

// Deactivate tears the control channel down: ERG state, the governor memory
// and any error are cleared so the next activation starts fresh.
func (c *ControlProtocol) Deactivate() {
	c.mu.Lock()
	p := c.peripheral
	c.peripheral = nil
	c.state = ControlState{Status: ControlIdle}
	c.resetGovernorLocked()
	state := c.state
	c.mu.Unlock()

	if p != nil && p.IsConnected() {
		if err := p.DisableNotifications(ServiceUUIDFTMS, CharUUIDFTMSControlPoint); err != nil {
			c.logger.Printf("ControlProtocol: failed to disable control point notifications: %v", err)
		}
	}
	c.logger.Printf("ControlProtocol: deactivated")
	c.stateEvent.Notify(state)
}

// Start writes the Start/Resume op code. Dropped unless control is held.
func (c *ControlProtocol) Start() {
	c.sendCommand("start/resume", []byte{FTMSOpCodeStartOrResume})
}

// Pause writes Stop/Pause with the pause parameter. Dropped unless control
// is held.
func (c *ControlProtocol) Pause() {
	c.sendCommand("pause", []byte{FTMSOpCodeStopOrPause, FTMSStopParamPause})
}

// Stop writes Stop/Pause with the stop parameter. Dropped unless control is
// held.
func (c *ControlProtocol) Stop() {
	c.sendCommand("stop", []byte{FTMSOpCodeStopOrPause, FTMSStopParamStop})
}

// SetTargetPower requests an ERG target. Wattage is clamped to
// [MinTargetPowerWatts, MaxTargetPowerWatts] and rounded before comparison
// and transmission. Writes are throttled to one per targetPowerSendInterval;
// a throttled value is not queued, the caller's next evaluation re-attempts
// it. An elapsed interval always permits a send, even of an unchanged value:
// trainers drop ERG targets that are never refreshed.
func (c *ControlProtocol) SetTargetPower(watts float64) {
	target := int(math.Round(watts))
	if target < MinTargetPowerWatts {
		target = MinTargetPowerWatts
	}
	if target > MaxTargetPowerWatts {
		target = MaxTargetPowerWatts
	}

	c.mu.Lock()
	if c.state.Status != ControlReady || !c.state.HasControl || c.peripheral == nil {
		c.mu.Unlock()
		return
	}
	now := c.clk.Now()
	if c.hasSent && now.Sub(c.lastSentAt) < targetPowerSendInterval {
		c.mu.Unlock()
		return
	}
	c.lastSentAt = now
	c.hasSent = true
	p := c.peripheral
	c.mu.Unlock()

	frame := []byte{
		FTMSOpCodeSetTargetPower,
		byte(target & 0xFF),
		byte((target >> 8) & 0xFF),
	}
	c.logger.Printf("ControlProtocol: set target power %d W", target)
	if err := p.WriteCharacteristic(ServiceUUIDFTMS, CharUUIDFTMSControlPoint, frame); err != nil {
		c.mu.Lock()
		// failed sends do not count against the throttle window
		c.hasSent = false
		c.state.LastError = fmt.Sprintf("set target power write failed: %v", err)
		state := c.state
		c.mu.Unlock()
		c.logger.Printf("ControlProtocol: %s", state.LastError)
		c.stateEvent.Notify(state)
	}
}

// sendCommand writes a fire-and-forget control frame, validated
// asynchronously by its response. Transport failures surface as a non-fatal
// LastError without leaving Ready.
func (c *ControlProtocol) sendCommand(name string, frame []byte) {
	c.mu.Lock()
	if c.state.Status != ControlReady || !c.state.HasControl || c.peripheral == nil {
		c.mu.Unlock()
		return
	}
	p := c.peripheral
	c.mu.Unlock()

	c.logger.Printf("ControlProtocol: sending %s", name)
	if err := p.WriteCharacteristic(ServiceUUIDFTMS, CharUUIDFTMSControlPoint, frame); err != nil {
		c.mu.Lock()
		c.state.LastError = fmt.Sprintf("%s write failed: %v", name, err)
		state := c.state
		c.mu.Unlock()
		c.logger.Printf("ControlProtocol: %s", state.LastError)
		c.stateEvent.Notify(state)
	}
}

// handleResponse processes a control-point response frame
// [0x80, requestOpCode, resultCode].
func (c *ControlProtocol) handleResponse(buf []byte) {
	if len(buf) < 3 {
		c.logger.Printf("ControlProtocol: response too short: %v", buf)
		return
	}
	if buf[0] != FTMSOpCodeResponseCode {
		c.logger.Printf("ControlProtocol: unexpected op code in response: 0x%02X", buf[0])
		return
	}
	requestOpCode := buf[1]
	resultCode := buf[2]
	c.logger.Printf("ControlProtocol: %s -> %s", opCodeName(requestOpCode), resultName(resultCode))

	c.mu.Lock()
	if c.state.Status == ControlIdle {
		// response arrived after deactivation
		c.mu.Unlock()
		return
	}

	if requestOpCode == FTMSOpCodeRequestControl {
		if resultCode == FTMSResultSuccess {
			c.state = ControlState{Status: ControlReady, HasControl: true}
		} else {
			c.state = ControlState{
				Status:    ControlError,
				LastError: fmt.Sprintf("trainer denied control (%s)", resultName(resultCode)),
			}
		}
	} else {
		// a rejected command leaves the trainer controllable; only record it
		if resultCode == FTMSResultSuccess {
			c.state.LastError = ""
		} else {
			c.state.LastError = fmt.Sprintf("trainer rejected %s (%s)", opCodeName(requestOpCode), resultName(resultCode))
		}
	}
	state := c.state
	c.mu.Unlock()

	c.stateEvent.Notify(state)
}

func (c *ControlProtocol) setErrorState(message string) {
	c.mu.Lock()
	c.state = ControlState{Status: ControlError, LastError: message}
	state := c.state
	c.mu.Unlock()
	c.logger.Printf("ControlProtocol: %s", message)
	c.stateEvent.Notify(state)
}

// resetGovernorLocked clears the target-power write memory. Must be called
// with mu held.
func (c *ControlProtocol) resetGovernorLocked() {
	c.lastSentAt = time.Time{}
	c.hasSent = false
}

func opCodeName(op byte) string {
	switch op {
	case FTMSOpCodeRequestControl:
		return "Request Control"
	case FTMSOpCodeReset:
		return "Reset"
	case FTMSOpCodeSetTargetPower:
		return "Set Target Power"
	case FTMSOpCodeSetTargetResistance:
		return "Set Target Resistance"
	case FTMSOpCodeStartOrResume:
		return "Start/Resume"
	case FTMSOpCodeStopOrPause:
		return "Stop/Pause"
	default:
		return fmt.Sprintf("Op Code 0x%02X", op)
	}
}

func resultName(result byte) string {
	switch result {
	case FTMSResultSuccess:
		return "Success"
	case FTMSResultOpCodeNotSupported:
		return "Op Code Not Supported"
	case FTMSResultInvalidParameter:
		return "Invalid Parameter"
	case FTMSResultOperationFailed:
		return "Operation Failed"
	case FTMSResultControlNotPermitted:
		return "Control Not Permitted"
	default:
		return fmt.Sprintf("Result 0x%02X", result)
	}
}
