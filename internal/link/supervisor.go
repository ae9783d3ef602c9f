package link

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/trainer-link/trainer-link-app/internal/bt"
	"github.com/lowaak/trainer-link/trainer-link-app/internal/clock"
	"github.com/lowaak/trainer-link/trainer-link-app/internal/events"
	"github.com/lowaak/trainer-link/trainer-link-app/internal/go_func_utils"
)

type ConnectionStatus int

const (
	StatusIdle ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ConnectionState is the externally visible state of one device role.
// Metadata fields are best effort: a nil BatteryPct or FeatureMask means the
// device never reported one, not that the connection is unhealthy.
type ConnectionState struct {
	Role         Role
	Status       ConnectionStatus
	Address      string
	DisplayName  string
	BatteryPct   *int
	Manufacturer string
	Model        string
	FeatureMask  *uint32
	LastError    string
}

type roleState struct {
	state            ConnectionState
	peripheral       bt.Peripheral
	attemptCount     int
	retryTimer       clock.Timer
	manualDisconnect bool
}

// Supervisor owns the per-role connection lifecycle: scan and select,
// connect, metadata reads, notification wiring and automatic reconnect with
// exponential backoff. One Supervisor manages all roles; each role holds at
// most one peripheral.
type Supervisor struct {
	manager bt.ManagerInterface
	clk     clock.Clock
	logger  *log.Logger
	stream  *TelemetryStream
	control *ControlProtocol

	mu        sync.Mutex
	roles     map[Role]*roleState
	preferred map[Role]string

	stateEvent *events.ChannelEvent[ConnectionState]

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	dropUnlisten func()
}

func NewSupervisor(manager bt.ManagerInterface, clk clock.Clock, stream *TelemetryStream, control *ControlProtocol, logger *log.Logger) *Supervisor {
	if manager == nil {
		panic("Supervisor: manager cannot be nil")
	}
	if stream == nil {
		panic("Supervisor: stream cannot be nil")
	}
	if control == nil {
		panic("Supervisor: control cannot be nil")
	}
	if logger == nil {
		panic("Supervisor: logger cannot be nil")
	}
	if clk == nil {
		clk = clock.System()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		manager:    manager,
		clk:        clk,
		logger:     logger,
		stream:     stream,
		control:    control,
		roles:      make(map[Role]*roleState),
		preferred:  make(map[Role]string),
		stateEvent: events.NewChannelEvent[ConnectionState](false),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, cfg := range AllRoles {
		s.roles[cfg.Role] = &roleState{
			state: ConnectionState{Role: cfg.Role, Status: StatusIdle, DisplayName: cfg.DisplayName},
		}
	}
	stream.SetHeartRateSensorCheck(func() bool {
		return s.GetState(RoleHeartRate).Status == StatusConnected
	})
	s.watchDrops()
	return s
}

// SetPreferredAddress pins a role to a device address. During selection a
// scanned device with this address wins regardless of signal strength.
func (s *Supervisor) SetPreferredAddress(role Role, address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferred[role] = address
}

// GetState returns the current state of a role. Unknown roles come back as
// a zero-value Idle state.
func (s *Supervisor) GetState(role Role) ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.roles[role]
	if !ok {
		return ConnectionState{Role: role, Status: StatusIdle}
	}
	return rs.state
}

// GetStates returns the state of every role.
func (s *Supervisor) GetStates() []ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := make([]ConnectionState, 0, len(AllRoles))
	for _, cfg := range AllRoles {
		states = append(states, s.roles[cfg.Role].state)
	}
	return states
}

// ListenToState registers a channel for connection state updates across all
// roles. Returns a deregistration function.
func (s *Supervisor) ListenToState(ch chan<- ConnectionState) func() {
	return s.stateEvent.Listen(ch)
}

// Connect scans for, selects and connects a device for the role. Calling it
// while the role is already Connecting or Connected is a no-op. The call
// blocks through scanning and connection setup; callers that need to stay
// responsive run it on their own goroutine.
func (s *Supervisor) Connect(role Role) error {
	cfg, ok := GetRoleConfig(role)
	if !ok {
		return fmt.Errorf("unknown role %q", role)
	}

	s.mu.Lock()
	rs := s.roles[role]
	if rs.state.Status == StatusConnecting || rs.state.Status == StatusConnected {
		s.mu.Unlock()
		s.logger.Printf("Supervisor: %s already %s, ignoring connect", role, rs.state.Status)
		return nil
	}
	if !s.manager.Enabled() {
		rs.state = ConnectionState{
			Role: role, Status: StatusError, DisplayName: cfg.DisplayName,
			LastError: "bluetooth radio unavailable",
		}
		state := rs.state
		s.mu.Unlock()
		s.stateEvent.Notify(state)
		return fmt.Errorf("bluetooth radio unavailable")
	}
	rs.manualDisconnect = false
	rs.attemptCount = 0
	s.stopRetryTimerLocked(rs)
	rs.state = ConnectionState{Role: role, Status: StatusConnecting, DisplayName: cfg.DisplayName}
	state := rs.state
	preferredAddress := s.preferred[role]
	s.mu.Unlock()
	s.stateEvent.Notify(state)

	p, err := s.selectPeripheral(cfg, preferredAddress)
	if err != nil {
		s.failRole(role, err.Error())
		return err
	}

	s.logger.Printf("Supervisor: connecting %s to %s (%s)", role, p.GetLocalName(), p.GetAddressString())
	if err := s.openLink(role, p); err != nil {
		if errors.Is(err, errConnectCancelled) {
			return nil
		}
		s.failRole(role, err.Error())
		return err
	}
	return nil
}

// errConnectCancelled marks a connection attempt overtaken by a deliberate
// Disconnect; it is not surfaced as a role error.
var errConnectCancelled = errors.New("connect cancelled")

// Disconnect drops the role's device deliberately. A deliberate disconnect
// never triggers reconnection and cancels any retry already scheduled.
func (s *Supervisor) Disconnect(role Role) {
	s.mu.Lock()
	rs, ok := s.roles[role]
	if !ok {
		s.mu.Unlock()
		return
	}
	rs.manualDisconnect = true
	s.stopRetryTimerLocked(rs)
	p := rs.peripheral
	rs.peripheral = nil
	rs.attemptCount = 0
	rs.state = ConnectionState{Role: role, Status: StatusIdle, DisplayName: rs.state.DisplayName}
	state := rs.state
	s.mu.Unlock()

	if role == RoleTrainer {
		s.control.Deactivate()
	}
	if p != nil {
		if err := s.manager.Disconnect(p); err != nil {
			s.logger.Printf("Supervisor: disconnect of %s failed: %v", p.GetAddressString(), err)
		}
	}
	s.logger.Printf("Supervisor: %s disconnected", role)
	s.stateEvent.Notify(state)
}

// Shutdown disconnects every role and stops the drop watcher.
func (s *Supervisor) Shutdown() {
	for _, cfg := range AllRoles {
		if s.GetState(cfg.Role).Status == StatusConnected || s.GetState(cfg.Role).Status == StatusConnecting {
			s.Disconnect(cfg.Role)
		}
	}
	if s.dropUnlisten != nil {
		s.dropUnlisten()
	}
	s.cancel()
	s.wg.Wait()
}

// selectPeripheral scans for devices advertising the role's service and
// picks one: the preferred address if it shows up, otherwise the strongest
// signal seen once at least one candidate exists.
func (s *Supervisor) selectPeripheral(cfg RoleConfig, preferredAddress string) (bt.Peripheral, error) {
	s.manager.StartScan([]string{cfg.ScanServiceUUID})
	defer func() {
		if err := s.manager.StopScan(); err != nil {
			s.logger.Printf("Supervisor: stop scan failed: %v", err)
		}
	}()

	deadline := time.Now().Add(scanSelectTimeout)
	for {
		var best bt.Peripheral
		var bestRSSI int16
		for _, p := range s.manager.GetScanPeripherals() {
			if p.IsConnected() || !p.HasServiceUUID(cfg.ScanServiceUUID) {
				continue
			}
			if preferredAddress != "" && p.GetAddressString() == preferredAddress {
				return p, nil
			}
			rssi, err := p.GetScanRSSI()
			if err != nil {
				continue
			}
			if best == nil || rssi > bestRSSI {
				best = p
				bestRSSI = rssi
			}
		}
		if best != nil && preferredAddress == "" {
			return best, nil
		}
		if time.Now().After(deadline) {
			if best != nil {
				// preferred device never appeared, settle for the best match
				return best, nil
			}
			return nil, fmt.Errorf("no %s found", cfg.DisplayName)
		}
		time.Sleep(scanPollInterval)
	}
}

// openLink connects the peripheral and brings the role fully up: metadata
// reads, telemetry notification wiring and, for the trainer, control
// acquisition.
func (s *Supervisor) openLink(role Role, p bt.Peripheral) error {
	if err := s.manager.Connect(p); err != nil {
		return fmt.Errorf("connect failed: %v", err)
	}
	if err := p.WaitForConnection(connectTimeout); err != nil {
		if dErr := s.manager.Disconnect(p); dErr != nil {
			s.logger.Printf("Supervisor: cleanup disconnect failed: %v", dErr)
		}
		return fmt.Errorf("connect timed out: %v", err)
	}
	return s.completeLink(role, p, true)
}

// completeLink runs the post-connection setup shared by first connects and
// reconnects. The link is already open when it is called. fresh marks a
// deliberate new link; an automatic reconnect keeps the telemetry of the
// workout in progress instead of resetting it.
func (s *Supervisor) completeLink(role Role, p bt.Peripheral, fresh bool) error {
	battery, manufacturer, model, features := s.readMetadata(role, p)

	switch role {
	case RoleTrainer:
		if fresh {
			s.stream.Reset()
		}
		if err := p.EnableNotifications(ServiceUUIDFTMS, CharUUIDIndoorBikeData, s.stream.HandleIndoorBikeData); err != nil {
			return fmt.Errorf("failed to subscribe to indoor bike data: %v", err)
		}
		if err := s.control.Activate(p); err != nil {
			// telemetry still flows without control, surfaced via control state
			s.logger.Printf("Supervisor: control activation failed: %v", err)
		}
	case RoleHeartRate:
		if err := p.EnableNotifications(ServiceUUIDHeartRate, CharUUIDHeartRateMeasurement, s.stream.HandleHeartRate); err != nil {
			return fmt.Errorf("failed to subscribe to heart rate: %v", err)
		}
	}

	s.mu.Lock()
	rs := s.roles[role]
	if rs.manualDisconnect {
		s.mu.Unlock()
		if err := s.manager.Disconnect(p); err != nil {
			s.logger.Printf("Supervisor: cleanup disconnect failed: %v", err)
		}
		return errConnectCancelled
	}
	rs.peripheral = p
	rs.attemptCount = 0
	rs.state = ConnectionState{
		Role:         role,
		Status:       StatusConnected,
		Address:      p.GetAddressString(),
		DisplayName:  displayNameFor(role, p),
		BatteryPct:   battery,
		Manufacturer: manufacturer,
		Model:        model,
		FeatureMask:  features,
	}
	state := rs.state
	s.mu.Unlock()

	s.logger.Printf("Supervisor: %s connected to %s (%s)", role, state.DisplayName, state.Address)
	s.stateEvent.Notify(state)
	return nil
}

// readMetadata collects the optional descriptive characteristics. Every read
// is best effort: a failure leaves its field unset and never fails the
// connection.
func (s *Supervisor) readMetadata(role Role, p bt.Peripheral) (battery *int, manufacturer string, model string, features *uint32) {
	if buf, err := p.ReadCharacteristic(ServiceUUIDBattery, CharUUIDBatteryLevel); err == nil && len(buf) >= 1 {
		battery = intPtr(int(buf[0]))
	} else if err != nil {
		s.logger.Printf("Supervisor: battery level unavailable for %s: %v", p.GetAddressString(), err)
	}
	if buf, err := p.ReadCharacteristic(ServiceUUIDDeviceInfo, CharUUIDManufacturerName); err == nil {
		manufacturer = string(buf)
	}
	if buf, err := p.ReadCharacteristic(ServiceUUIDDeviceInfo, CharUUIDModelNumber); err == nil {
		model = string(buf)
	}
	if role == RoleTrainer {
		if buf, err := p.ReadCharacteristic(ServiceUUIDFTMS, CharUUIDFTMSFeature); err == nil && len(buf) >= 4 {
			value := binary.LittleEndian.Uint32(buf)
			features = &value
		} else if err != nil {
			s.logger.Printf("Supervisor: fitness machine features unavailable for %s: %v", p.GetAddressString(), err)
		}
	}
	return battery, manufacturer, model, features
}

// failRole records a terminal connection error for the role.
func (s *Supervisor) failRole(role Role, message string) {
	s.mu.Lock()
	rs := s.roles[role]
	rs.peripheral = nil
	rs.state.Status = StatusError
	rs.state.LastError = message
	state := rs.state
	s.mu.Unlock()
	s.logger.Printf("Supervisor: %s error: %s", role, message)
	s.stateEvent.Notify(state)
}

// watchDrops consumes unexpected-drop notifications from the manager for the
// lifetime of the supervisor.
func (s *Supervisor) watchDrops() {
	ch := make(chan string, 8)
	s.dropUnlisten = s.manager.ListenToDrops(ch)
	go_func_utils.SafeGoWG(s.logger, &s.wg, func() {
		for {
			select {
			case <-s.ctx.Done():
				return
			case address := <-ch:
				s.handleDrop(address)
			}
		}
	})
}

// handleDrop reacts to a link closing without a Disconnect call: the role
// moves back to Connecting and the first retry is scheduled.
func (s *Supervisor) handleDrop(address string) {
	s.mu.Lock()
	var role Role
	var rs *roleState
	for _, cfg := range AllRoles {
		candidate := s.roles[cfg.Role]
		if candidate.peripheral != nil && candidate.peripheral.GetAddressString() == address {
			role = cfg.Role
			rs = candidate
			break
		}
	}
	if rs == nil || rs.manualDisconnect || rs.state.Status != StatusConnected {
		s.mu.Unlock()
		return
	}
	rs.attemptCount = 0
	rs.state.Status = StatusConnecting
	rs.state.LastError = "connection lost, reconnecting"
	state := rs.state
	s.scheduleRetryLocked(role, rs)
	s.mu.Unlock()

	s.logger.Printf("Supervisor: %s link to %s dropped, reconnecting", role, address)
	if role == RoleTrainer {
		s.control.Deactivate()
	}
	s.stateEvent.Notify(state)
}

// scheduleRetryLocked arms the reconnect timer with exponential backoff.
// Must be called with mu held.
func (s *Supervisor) scheduleRetryLocked(role Role, rs *roleState) {
	delay := reconnectBaseDelay << rs.attemptCount
	if delay > reconnectMaxDelay {
		delay = reconnectMaxDelay
	}
	s.logger.Printf("Supervisor: %s retry %d in %v", role, rs.attemptCount+1, delay)
	rs.retryTimer = s.clk.AfterFunc(delay, func() {
		s.retry(role)
	})
}

// retry re-opens the retained peripheral handle. Success restores Connected
// and resets the backoff; failure backs off further until the attempt cap.
func (s *Supervisor) retry(role Role) {
	s.mu.Lock()
	rs := s.roles[role]
	if rs.manualDisconnect || rs.state.Status != StatusConnecting || rs.peripheral == nil {
		s.mu.Unlock()
		return
	}
	p := rs.peripheral
	s.mu.Unlock()

	err := s.manager.Connect(p)
	if err == nil {
		err = p.WaitForConnection(connectTimeout)
	}
	if err == nil {
		err = s.completeLink(role, p, false)
		if err == nil {
			return
		}
	}

	s.mu.Lock()
	if rs.manualDisconnect || rs.state.Status != StatusConnecting {
		s.mu.Unlock()
		return
	}
	rs.attemptCount++
	if rs.attemptCount >= reconnectMaxAttempts {
		rs.state.Status = StatusError
		rs.state.LastError = fmt.Sprintf("reconnect stopped after %d attempts: %v", rs.attemptCount, err)
		state := rs.state
		rs.peripheral = nil
		s.mu.Unlock()
		s.logger.Printf("Supervisor: %s %s", role, state.LastError)
		s.stateEvent.Notify(state)
		return
	}
	rs.state.LastError = fmt.Sprintf("reconnect failed: %v", err)
	state := rs.state
	s.scheduleRetryLocked(role, rs)
	s.mu.Unlock()
	s.stateEvent.Notify(state)
}

// stopRetryTimerLocked cancels a pending reconnect. Must be called with mu
// held.
func (s *Supervisor) stopRetryTimerLocked(rs *roleState) {
	if rs.retryTimer != nil {
		rs.retryTimer.Stop()
		rs.retryTimer = nil
	}
}

func displayNameFor(role Role, p bt.Peripheral) string {
	if name := p.GetLocalName(); name != "" {
		return name
	}
	cfg, ok := GetRoleConfig(role)
	if !ok {
		return p.GetAddressString()
	}
	return cfg.DisplayName
}
