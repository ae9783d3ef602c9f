package bt

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/trainer-link/trainer-link-app/internal/safe_map"
	"tinygo.org/x/bluetooth"
)

type PeripheralState int

const (
	Disconnected PeripheralState = iota
	Connecting
	Connected
)

// Peripheral is one remote GATT device as seen by this central. The link
// layer only ever talks to this interface so tests can substitute a mock.
type Peripheral interface {
	GetAddressString() string
	GetLocalName() string
	GetScanRSSI() (int16, error)
	IsConnected() bool
	GetState() PeripheralState
	WaitForConnection(timeout time.Duration) error
	EnableNotifications(serviceUUID string, characteristicUUID string, callback func(buf []byte)) error
	DisableNotifications(serviceUUID string, characteristicUUID string) error
	ReadCharacteristic(serviceUUID string, characteristicUUID string) ([]byte, error)
	WriteCharacteristic(serviceUUID string, characteristicUUID string, data []byte) error
	HasServiceUUID(uuid string) bool
	GetServiceUUIDs() []string
}

type peripheral struct {
	logger *log.Logger

	address      bluetooth.Address
	localName    string
	scanResult   *bluetooth.ScanResult
	scanLastSeen time.Time

	mu    sync.RWMutex
	bleMu sync.Mutex // serializes GATT operations; the stack dislikes overlap
	link  *bluetooth.Device
	state PeripheralState

	serviceByUuid          *safe_map.SafeMap[string, *bluetooth.DeviceService]
	characteristicByUuid   *safe_map.SafeMap[string, *bluetooth.DeviceCharacteristic]
	serviceCharsDiscovered *safe_map.SafeMap[string, bool]
	allServicesDiscovered  bool
	everConnected          bool

	serviceUuidStrs []string
}

func newPeripheral(logger *log.Logger, address bluetooth.Address) *peripheral {
	if logger == nil {
		panic("peripheral: logger cannot be nil")
	}
	return &peripheral{
		logger:                 logger,
		address:                address,
		localName:              "Unknown",
		state:                  Disconnected,
		serviceByUuid:          safe_map.NewSafeMap[string, *bluetooth.DeviceService](),
		characteristicByUuid:   safe_map.NewSafeMap[string, *bluetooth.DeviceCharacteristic](),
		serviceCharsDiscovered: safe_map.NewSafeMap[string, bool](),
	}
}

func (p *peripheral) GetAddressString() string {
	return p.address.String()
}

func (p *peripheral) GetLocalName() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.scanResult != nil {
		if name := p.scanResult.LocalName(); name != "" {
			return name
		}
	}
	return p.localName
}

func (p *peripheral) GetScanRSSI() (int16, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.scanResult == nil {
		return 0, errors.New("no rssi available")
	}
	return p.scanResult.RSSI, nil
}

func (p *peripheral) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.link != nil
}

func (p *peripheral) GetState() PeripheralState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *peripheral) GetServiceUUIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.serviceUuidStrs
}

func (p *peripheral) HasServiceUUID(uuid string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, u := range p.serviceUuidStrs {
		if u == uuid {
			return true
		}
	}
	return false
}

// WaitForConnection blocks until the connect handler reports an open link or
// the timeout elapses. tinygo's Connect resolves asynchronously on some
// platforms, so this polls rather than trusting the Connect return.
func (p *peripheral) WaitForConnection(timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	deadline := time.After(timeout)
	for {
		select {
		case <-ticker.C:
			if p.IsConnected() {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("timeout after %v waiting for connection", timeout)
		}
	}
}

func (p *peripheral) EnableNotifications(serviceUuidStr string, characteristicUuidStr string, callback func(buf []byte)) error {
	p.bleMu.Lock()
	defer p.bleMu.Unlock()

	characteristic, err := p.lookupCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}
	if err := characteristic.EnableNotifications(callback); err != nil {
		return fmt.Errorf("failed to enable notifications on %s: %w", characteristicUuidStr, err)
	}
	p.logger.Printf("Peripheral %s: notifications enabled for %s", p.GetAddressString(), characteristicUuidStr)
	return nil
}

func (p *peripheral) DisableNotifications(serviceUuidStr string, characteristicUuidStr string) error {
	p.bleMu.Lock()
	defer p.bleMu.Unlock()

	characteristic, err := p.lookupCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}
	// nil callback disables notifications in tinygo bluetooth
	if err := characteristic.EnableNotifications(nil); err != nil {
		return fmt.Errorf("failed to disable notifications on %s: %w", characteristicUuidStr, err)
	}
	return nil
}

func (p *peripheral) ReadCharacteristic(serviceUuidStr string, characteristicUuidStr string) ([]byte, error) {
	p.bleMu.Lock()
	defer p.bleMu.Unlock()

	characteristic, err := p.lookupCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 512)
	n, err := characteristic.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read characteristic %s: %w", characteristicUuidStr, err)
	}
	return buf[:n], nil
}

func (p *peripheral) WriteCharacteristic(serviceUuidStr string, characteristicUuidStr string, data []byte) error {
	p.bleMu.Lock()
	defer p.bleMu.Unlock()

	characteristic, err := p.lookupCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}
	if _, err := characteristic.Write(data); err != nil {
		return fmt.Errorf("failed to write characteristic %s: %w", characteristicUuidStr, err)
	}
	return nil
}

// --- internal, used by Manager ---

func (p *peripheral) getAddress() bluetooth.Address {
	return p.address
}

func (p *peripheral) setScanResult(result *bluetooth.ScanResult, seen time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scanResult = result
	p.scanLastSeen = seen
}

func (p *peripheral) getScanLastSeen() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.scanLastSeen
}

func (p *peripheral) setServiceUUIDs(uuids []bluetooth.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.serviceUuidStrs = make([]string, 0, len(uuids))
	for _, uuid := range uuids {
		p.serviceUuidStrs = append(p.serviceUuidStrs, uuid.String())
	}
}

func (p *peripheral) setState(state PeripheralState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
}

// setLink installs or clears the live device handle. Clearing also drops the
// discovery caches: a future link is a new ATT session and the old handles
// are invalid.
func (p *peripheral) setLink(device *bluetooth.Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.link = device
	if device != nil {
		p.everConnected = true
	}
	if device == nil {
		p.serviceByUuid = safe_map.NewSafeMap[string, *bluetooth.DeviceService]()
		p.characteristicByUuid = safe_map.NewSafeMap[string, *bluetooth.DeviceCharacteristic]()
		p.serviceCharsDiscovered = safe_map.NewSafeMap[string, bool]()
		p.allServicesDiscovered = false
	}
}

// wasEverConnected reports whether this peripheral held an open link at any
// point. The manager keeps such peripherals in its table across scan
// staleness so a reconnect can reuse the handle without a fresh discovery.
func (p *peripheral) wasEverConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.everConnected
}

func (p *peripheral) getLink() *bluetooth.Device {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.link
}

func (p *peripheral) lookupCharacteristic(serviceUuidStr, characteristicUuidStr string) (*bluetooth.DeviceCharacteristic, error) {
	serviceUuid, err := bluetooth.ParseUUID(serviceUuidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", serviceUuidStr, err)
	}
	if _, err := bluetooth.ParseUUID(characteristicUuidStr); err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", characteristicUuidStr, err)
	}

	comboKey := serviceUuidStr + "_" + characteristicUuidStr
	if characteristic, ok := p.characteristicByUuid.Load(comboKey); ok {
		return characteristic, nil
	}

	if discovered, _ := p.serviceCharsDiscovered.Load(serviceUuidStr); !discovered {
		service, err := p.lookupService(serviceUuid)
		if err != nil {
			return nil, err
		}

		// Discover all characteristics at once; per-characteristic discovery
		// interrupts an already-used characteristic on some stacks.
		discoveredCharacteristics, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("could not discover characteristics for service %v: %w", serviceUuidStr, err)
		}
		for i := range discoveredCharacteristics {
			char := &discoveredCharacteristics[i]
			p.characteristicByUuid.Store(serviceUuidStr+"_"+char.UUID().String(), char)
		}
		p.serviceCharsDiscovered.Store(serviceUuidStr, true)
	}

	characteristic, ok := p.characteristicByUuid.Load(comboKey)
	if !ok {
		return nil, fmt.Errorf("characteristic %v not found in service %v", characteristicUuidStr, serviceUuidStr)
	}
	return characteristic, nil
}

func (p *peripheral) lookupService(serviceUuid bluetooth.UUID) (*bluetooth.DeviceService, error) {
	link := p.getLink()
	if link == nil {
		return nil, errors.New("no open link")
	}

	serviceUuidStr := serviceUuid.String()
	if service, ok := p.serviceByUuid.Load(serviceUuidStr); ok {
		return service, nil
	}

	p.mu.RLock()
	done := p.allServicesDiscovered
	p.mu.RUnlock()
	if !done {
		services, err := link.DiscoverServices(nil)
		if err != nil {
			return nil, fmt.Errorf("error discovering services: %w", err)
		}
		for i := range services {
			svc := &services[i]
			p.serviceByUuid.Store(svc.UUID().String(), svc)
		}
		p.mu.Lock()
		p.allServicesDiscovered = true
		p.mu.Unlock()
	}

	service, ok := p.serviceByUuid.Load(serviceUuidStr)
	if !ok {
		return nil, fmt.Errorf("service %v not found on device", serviceUuidStr)
	}
	return service, nil
}
