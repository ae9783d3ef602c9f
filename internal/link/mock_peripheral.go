package link

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/lowaak/trainer-link/trainer-link-app/internal/bt"
	"github.com/lowaak/trainer-link/trainer-link-app/internal/events"
	"github.com/lowaak/trainer-link/trainer-link-app/internal/go_func_utils"
)

// MockPeripheral implements bt.Peripheral without Bluetooth hardware. Each
// mock runs a small web server for inspecting state, adjusting the simulated
// rider and forcing link faults.
type MockPeripheral struct {
	logger    *log.Logger
	address   string
	localName string

	serviceUUIDs []string

	mu        sync.RWMutex
	connected bool

	indoorBikeDataCallback func([]byte)
	heartRateCallback      func([]byte)
	controlPointCallback   func([]byte)

	// simulated rider
	heartRateBpm int
	powerWatts   int
	cadenceRpm   float64
	batteryPct   int

	// fault injection
	denyControl bool
	onDrop      func(address string)

	ergTargetWatts int
	ergActive      bool

	writesMu sync.RWMutex
	writes   []RecordedWrite

	server     *http.Server
	serverPort int
	wg         sync.WaitGroup
}

var _ bt.Peripheral = (*MockPeripheral)(nil)

// RecordedWrite is one characteristic write captured for inspection.
type RecordedWrite struct {
	Timestamp          time.Time `json:"timestamp"`
	ServiceUUID        string    `json:"serviceUuid"`
	CharacteristicUUID string    `json:"characteristicUuid"`
	DataHex            string    `json:"dataHex"`
	Description        string    `json:"description"`
}

type mockPeripheralStateJSON struct {
	Address        string  `json:"address"`
	LocalName      string  `json:"localName"`
	Connected      bool    `json:"connected"`
	HeartRateBpm   int     `json:"heartRateBpm"`
	PowerWatts     int     `json:"powerWatts"`
	CadenceRpm     float64 `json:"cadenceRpm"`
	BatteryPct     int     `json:"batteryPct"`
	DenyControl    bool    `json:"denyControl"`
	ErgActive      bool    `json:"ergActive"`
	ErgTargetWatts int     `json:"ergTargetWatts"`
}

// MockPeripheralConfig configures one simulated device.
type MockPeripheralConfig struct {
	Address      string
	LocalName    string
	ServerPort   int
	ServiceUUIDs []string
	DenyControl  bool
}

func NewMockPeripheral(logger *log.Logger, config MockPeripheralConfig) *MockPeripheral {
	if logger == nil {
		panic("MockPeripheral: logger cannot be nil")
	}
	return &MockPeripheral{
		logger:       logger,
		address:      config.Address,
		localName:    config.LocalName,
		serviceUUIDs: config.ServiceUUIDs,
		serverPort:   config.ServerPort,
		denyControl:  config.DenyControl,
		heartRateBpm: 70,
		powerWatts:   100,
		cadenceRpm:   85,
		batteryPct:   90,
	}
}

// Start brings up the admin web server. The device itself stays disconnected
// until the manager connects it.
func (m *MockPeripheral) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", m.handleGetState)
	mux.HandleFunc("/api/set", m.handleSetValues)
	mux.HandleFunc("/api/writes", m.handleGetWrites)
	mux.HandleFunc("/api/drop", m.handleDrop)

	m.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", m.serverPort),
		Handler: mux,
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.logger.Printf("MockPeripheral [%s]: admin server on http://localhost:%d", m.localName, m.serverPort)
		if err := m.server.ListenAndServe(); err != http.ErrServerClosed {
			m.logger.Printf("MockPeripheral [%s]: admin server error: %v", m.localName, err)
		}
	}()
	return nil
}

func (m *MockPeripheral) Shutdown() {
	if m.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.server.Shutdown(ctx); err != nil {
			m.logger.Printf("MockPeripheral [%s]: admin server shutdown error: %v", m.localName, err)
		}
	}
	m.wg.Wait()
}

// SetConnected flips the simulated link. Dropping the link intentionally is
// done through Drop, not here.
func (m *MockPeripheral) SetConnected(connected bool) {
	m.mu.Lock()
	m.connected = connected
	if !connected {
		m.indoorBikeDataCallback = nil
		m.heartRateCallback = nil
		m.controlPointCallback = nil
		m.ergActive = false
		m.ergTargetWatts = 0
	}
	m.mu.Unlock()
}

// SetDenyControl scripts the control-point answer to Request Control.
func (m *MockPeripheral) SetDenyControl(deny bool) {
	m.mu.Lock()
	m.denyControl = deny
	m.mu.Unlock()
}

// Drop simulates the link failing without a disconnect request: the device
// goes down and the owning manager is told to publish an unexpected drop.
func (m *MockPeripheral) Drop() {
	m.mu.Lock()
	wasConnected := m.connected
	onDrop := m.onDrop
	m.mu.Unlock()
	if !wasConnected {
		return
	}
	m.SetConnected(false)
	m.logger.Printf("MockPeripheral [%s]: link dropped", m.localName)
	if onDrop != nil {
		onDrop(m.address)
	}
}

func (m *MockPeripheral) setDropHandler(fn func(address string)) {
	m.mu.Lock()
	m.onDrop = fn
	m.mu.Unlock()
}

// --- bt.Peripheral implementation ---

func (m *MockPeripheral) GetAddressString() string {
	return m.address
}

func (m *MockPeripheral) GetLocalName() string {
	return m.localName
}

func (m *MockPeripheral) GetScanRSSI() (int16, error) {
	return -50, nil
}

func (m *MockPeripheral) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *MockPeripheral) GetState() bt.PeripheralState {
	if m.IsConnected() {
		return bt.Connected
	}
	return bt.Disconnected
}

func (m *MockPeripheral) WaitForConnection(timeout time.Duration) error {
	if !m.IsConnected() {
		return fmt.Errorf("mock peripheral %s is not connected", m.address)
	}
	return nil
}

func (m *MockPeripheral) HasServiceUUID(uuid string) bool {
	for _, u := range m.serviceUUIDs {
		if u == uuid {
			return true
		}
	}
	return false
}

func (m *MockPeripheral) GetServiceUUIDs() []string {
	return m.serviceUUIDs
}

func (m *MockPeripheral) EnableNotifications(serviceUUID string, characteristicUUID string, callback func(buf []byte)) error {
	if !m.HasServiceUUID(serviceUUID) {
		return fmt.Errorf("service not supported: %s", serviceUUID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case serviceUUID == ServiceUUIDFTMS && characteristicUUID == CharUUIDIndoorBikeData:
		m.indoorBikeDataCallback = callback
	case serviceUUID == ServiceUUIDFTMS && characteristicUUID == CharUUIDFTMSControlPoint:
		m.controlPointCallback = callback
	case serviceUUID == ServiceUUIDHeartRate && characteristicUUID == CharUUIDHeartRateMeasurement:
		m.heartRateCallback = callback
	default:
		return fmt.Errorf("unknown characteristic: %s/%s", serviceUUID, characteristicUUID)
	}
	m.logger.Printf("MockPeripheral [%s]: notifications enabled for %s", m.localName, characteristicUUID)
	return nil
}

func (m *MockPeripheral) DisableNotifications(serviceUUID string, characteristicUUID string) error {
	if !m.HasServiceUUID(serviceUUID) {
		return fmt.Errorf("service not supported: %s", serviceUUID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case serviceUUID == ServiceUUIDFTMS && characteristicUUID == CharUUIDIndoorBikeData:
		m.indoorBikeDataCallback = nil
	case serviceUUID == ServiceUUIDFTMS && characteristicUUID == CharUUIDFTMSControlPoint:
		m.controlPointCallback = nil
	case serviceUUID == ServiceUUIDHeartRate && characteristicUUID == CharUUIDHeartRateMeasurement:
		m.heartRateCallback = nil
	default:
		return fmt.Errorf("unknown characteristic: %s/%s", serviceUUID, characteristicUUID)
	}
	return nil
}

func (m *MockPeripheral) ReadCharacteristic(serviceUUID string, characteristicUUID string) ([]byte, error) {
	if !m.HasServiceUUID(serviceUUID) {
		return nil, fmt.Errorf("service not supported: %s", serviceUUID)
	}

	switch {
	case serviceUUID == ServiceUUIDBattery && characteristicUUID == CharUUIDBatteryLevel:
		m.mu.RLock()
		defer m.mu.RUnlock()
		return []byte{byte(m.batteryPct)}, nil
	case serviceUUID == ServiceUUIDDeviceInfo && characteristicUUID == CharUUIDManufacturerName:
		return []byte("Lowaa Labs"), nil
	case serviceUUID == ServiceUUIDDeviceInfo && characteristicUUID == CharUUIDModelNumber:
		return []byte("MK-1"), nil
	case serviceUUID == ServiceUUIDFTMS && characteristicUUID == CharUUIDFTMSFeature:
		// cadence + HR measurement bits, power target supported
		return []byte{0x02, 0x04, 0x00, 0x00, 0x08, 0x00, 0x00, 0x00}, nil
	default:
		return nil, fmt.Errorf("unknown characteristic: %s/%s", serviceUUID, characteristicUUID)
	}
}

func (m *MockPeripheral) WriteCharacteristic(serviceUUID string, characteristicUUID string, data []byte) error {
	if !m.IsConnected() {
		return fmt.Errorf("mock peripheral %s is not connected", m.address)
	}

	description := ""
	if serviceUUID == ServiceUUIDFTMS && characteristicUUID == CharUUIDFTMSControlPoint {
		description = describeControlFrame(data)
	}

	m.writesMu.Lock()
	m.writes = append(m.writes, RecordedWrite{
		Timestamp:          time.Now(),
		ServiceUUID:        serviceUUID,
		CharacteristicUUID: characteristicUUID,
		DataHex:            hex.EncodeToString(data),
		Description:        description,
	})
	if len(m.writes) > 100 {
		m.writes = m.writes[len(m.writes)-100:]
	}
	m.writesMu.Unlock()

	m.logger.Printf("MockPeripheral [%s]: write %s/%s data=%v", m.localName, serviceUUID, characteristicUUID, data)
	if serviceUUID == ServiceUUIDFTMS && characteristicUUID == CharUUIDFTMSControlPoint {
		m.handleControlFrame(data)
	}
	return nil
}

// RecordedWrites returns a copy of the captured characteristic writes.
func (m *MockPeripheral) RecordedWrites() []RecordedWrite {
	m.writesMu.RLock()
	defer m.writesMu.RUnlock()
	writes := make([]RecordedWrite, len(m.writes))
	copy(writes, m.writes)
	return writes
}

// handleControlFrame answers a control-point request the way a compliant
// trainer would: the response notification fires on the control point
// characteristic.
func (m *MockPeripheral) handleControlFrame(data []byte) {
	if len(data) == 0 {
		return
	}

	m.mu.Lock()
	callback := m.controlPointCallback
	deny := m.denyControl
	result := FTMSResultSuccess
	switch data[0] {
	case FTMSOpCodeRequestControl:
		if deny {
			result = FTMSResultControlNotPermitted
		}
	case FTMSOpCodeSetTargetPower:
		if len(data) >= 3 {
			m.ergTargetWatts = int(int16(data[1]) | int16(data[2])<<8)
			m.ergActive = true
		} else {
			result = FTMSResultInvalidParameter
		}
	case FTMSOpCodeStartOrResume:
	case FTMSOpCodeStopOrPause:
		m.ergActive = false
	default:
		result = FTMSResultOpCodeNotSupported
	}
	m.mu.Unlock()

	if callback != nil {
		callback([]byte{FTMSOpCodeResponseCode, data[0], result})
	}
}

// TriggerIndoorBikeData notifies the current simulated rider values as one
// indoor bike data frame.
func (m *MockPeripheral) TriggerIndoorBikeData() {
	m.mu.RLock()
	callback := m.indoorBikeDataCallback
	data := IndoorBikeData{
		HasCadence: true, CadenceRpm: m.cadenceRpm,
		HasPower: true, PowerWatts: m.powerWatts,
	}
	m.mu.RUnlock()

	if callback != nil {
		flags := IBDFlagInstantaneousCadence | IBDFlagInstantaneousPower
		callback(EncodeIndoorBikeData(flags, data))
	}
}

// TriggerHeartRate notifies the current simulated heart rate.
func (m *MockPeripheral) TriggerHeartRate() {
	m.mu.RLock()
	callback := m.heartRateCallback
	bpm := m.heartRateBpm
	m.mu.RUnlock()

	if callback != nil {
		callback(EncodeHeartRate(bpm, false))
	}
}

// TriggerNotifications fires every notification this device publishes.
func (m *MockPeripheral) TriggerNotifications() {
	if m.HasServiceUUID(ServiceUUIDFTMS) {
		m.TriggerIndoorBikeData()
	}
	if m.HasServiceUUID(ServiceUUIDHeartRate) {
		m.TriggerHeartRate()
	}
}

func describeControlFrame(data []byte) string {
	if len(data) == 0 {
		return "empty"
	}
	switch data[0] {
	case FTMSOpCodeRequestControl:
		return "Request Control"
	case FTMSOpCodeSetTargetPower:
		if len(data) >= 3 {
			watts := int16(data[1]) | int16(data[2])<<8
			return fmt.Sprintf("Set Target Power: %d W", watts)
		}
		return "Set Target Power (malformed)"
	case FTMSOpCodeStartOrResume:
		return "Start/Resume"
	case FTMSOpCodeStopOrPause:
		if len(data) >= 2 && data[1] == FTMSStopParamPause {
			return "Pause"
		}
		return "Stop"
	default:
		return fmt.Sprintf("Op Code 0x%02X", data[0])
	}
}

// --- admin handlers ---

func (m *MockPeripheral) handleGetState(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	state := mockPeripheralStateJSON{
		Address:        m.address,
		LocalName:      m.localName,
		Connected:      m.connected,
		HeartRateBpm:   m.heartRateBpm,
		PowerWatts:     m.powerWatts,
		CadenceRpm:     m.cadenceRpm,
		BatteryPct:     m.batteryPct,
		DenyControl:    m.denyControl,
		ErgActive:      m.ergActive,
		ErgTargetWatts: m.ergTargetWatts,
	}
	m.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(state)
}

func (m *MockPeripheral) handleSetValues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m.mu.Lock()
	query := r.URL.Query()
	if v := query.Get("heartRateBpm"); v != "" {
		fmt.Sscanf(v, "%d", &m.heartRateBpm)
	}
	if v := query.Get("powerWatts"); v != "" {
		fmt.Sscanf(v, "%d", &m.powerWatts)
	}
	if v := query.Get("cadenceRpm"); v != "" {
		fmt.Sscanf(v, "%f", &m.cadenceRpm)
	}
	if v := query.Get("batteryPct"); v != "" {
		fmt.Sscanf(v, "%d", &m.batteryPct)
	}
	if v := query.Get("denyControl"); v != "" {
		m.denyControl = v == "true" || v == "1"
	}
	m.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func (m *MockPeripheral) handleGetWrites(w http.ResponseWriter, r *http.Request) {
	m.writesMu.RLock()
	writes := make([]RecordedWrite, len(m.writes))
	copy(writes, m.writes)
	m.writesMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(writes)
}

func (m *MockPeripheral) handleDrop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	m.Drop()
	w.WriteHeader(http.StatusOK)
}

// --- MockManager ---

// MockManager implements bt.ManagerInterface over a fixed set of
// MockPeripheral devices: a trainer and a heart rate strap. Connected
// devices notify their telemetry once per second.
type MockManager struct {
	logger      *log.Logger
	peripherals []*MockPeripheral

	mu                   sync.RWMutex
	enabled              bool
	scanning             bool
	notificationsRunning bool
	notifyCancel         context.CancelFunc

	dropsEvent *events.ChannelEvent[string]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ bt.ManagerInterface = (*MockManager)(nil)

func NewMockManager(logger *log.Logger) *MockManager {
	if logger == nil {
		panic("MockManager: logger cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())

	peripherals := []*MockPeripheral{
		NewMockPeripheral(logger, MockPeripheralConfig{
			Address:    "00:11:22:33:44:01",
			LocalName:  "Mock Trainer",
			ServerPort: 9901,
			ServiceUUIDs: []string{
				ServiceUUIDFTMS,
				ServiceUUIDBattery,
				ServiceUUIDDeviceInfo,
			},
		}),
		NewMockPeripheral(logger, MockPeripheralConfig{
			Address:    "00:11:22:33:44:02",
			LocalName:  "Mock HR Strap",
			ServerPort: 9902,
			ServiceUUIDs: []string{
				ServiceUUIDHeartRate,
				ServiceUUIDBattery,
				ServiceUUIDDeviceInfo,
			},
		}),
	}

	m := &MockManager{
		logger:      logger,
		peripherals: peripherals,
		dropsEvent:  events.NewChannelEvent[string](false),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, p := range peripherals {
		p.setDropHandler(m.publishDrop)
	}
	return m
}

func (m *MockManager) Enable() error {
	for _, p := range m.peripherals {
		if err := p.Start(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.enabled = true
	m.mu.Unlock()
	m.logger.Printf("MockManager: enabled with %d simulated devices", len(m.peripherals))
	return nil
}

func (m *MockManager) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

func (m *MockManager) StartScan(serviceUuidFilter []string) {
	m.mu.Lock()
	m.scanning = true
	m.mu.Unlock()
	m.logger.Printf("MockManager: scanning (filter %v)", serviceUuidFilter)
}

func (m *MockManager) StopScan() error {
	m.mu.Lock()
	m.scanning = false
	m.mu.Unlock()
	return nil
}

func (m *MockManager) IsScanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning
}

func (m *MockManager) GetPeripheralByAddress(address string) bt.Peripheral {
	for _, p := range m.peripherals {
		if p.address == address {
			return p
		}
	}
	return nil
}

func (m *MockManager) GetScanPeripherals() []bt.Peripheral {
	result := make([]bt.Peripheral, 0, len(m.peripherals))
	for _, p := range m.peripherals {
		result = append(result, p)
	}
	return result
}

func (m *MockManager) Connect(p bt.Peripheral) error {
	mock := m.findMock(p.GetAddressString())
	if mock == nil {
		return fmt.Errorf("unknown peripheral: %s", p.GetAddressString())
	}
	mock.SetConnected(true)
	m.startNotifications()
	m.logger.Printf("MockManager: connected %s", p.GetAddressString())
	return nil
}

func (m *MockManager) Disconnect(p bt.Peripheral) error {
	mock := m.findMock(p.GetAddressString())
	if mock == nil {
		return fmt.Errorf("unknown peripheral: %s", p.GetAddressString())
	}
	mock.SetConnected(false)
	m.logger.Printf("MockManager: disconnected %s", p.GetAddressString())
	if len(m.connectedMocks()) == 0 {
		m.stopNotifications()
	}
	return nil
}

func (m *MockManager) ListenToDrops(ch chan<- string) func() {
	return m.dropsEvent.Listen(ch)
}

func (m *MockManager) Shutdown() {
	m.stopNotifications()
	m.cancel()
	m.wg.Wait()
	for _, p := range m.peripherals {
		p.Shutdown()
	}
	m.logger.Printf("MockManager: shutdown complete")
}

// GetMockPeripherals exposes the simulated devices for direct scripting.
func (m *MockManager) GetMockPeripherals() []*MockPeripheral {
	return m.peripherals
}

func (m *MockManager) publishDrop(address string) {
	m.dropsEvent.Notify(address)
}

func (m *MockManager) findMock(address string) *MockPeripheral {
	for _, p := range m.peripherals {
		if p.address == address {
			return p
		}
	}
	return nil
}

func (m *MockManager) connectedMocks() []*MockPeripheral {
	var connected []*MockPeripheral
	for _, p := range m.peripherals {
		if p.IsConnected() {
			connected = append(connected, p)
		}
	}
	return connected
}

func (m *MockManager) startNotifications() {
	m.mu.Lock()
	if m.notificationsRunning {
		m.mu.Unlock()
		return
	}
	m.notificationsRunning = true
	notifyCtx, notifyCancel := context.WithCancel(m.ctx)
	m.notifyCancel = notifyCancel
	m.mu.Unlock()

	go_func_utils.SafeGoWG(m.logger, &m.wg, func() {
		defer func() {
			m.mu.Lock()
			m.notificationsRunning = false
			m.mu.Unlock()
		}()

		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-notifyCtx.Done():
				return
			case <-ticker.C:
				for _, p := range m.connectedMocks() {
					p.TriggerNotifications()
				}
			}
		}
	})
}

func (m *MockManager) stopNotifications() {
	m.mu.Lock()
	if m.notifyCancel != nil {
		m.notifyCancel()
		m.notifyCancel = nil
	}
	m.mu.Unlock()
}
