package bt

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/trainer-link/trainer-link-app/internal/events"
	"github.com/lowaak/trainer-link/trainer-link-app/internal/go_func_utils"

	"tinygo.org/x/bluetooth"
)

// ManagerInterface is the central-side BLE surface the link layer builds on.
type ManagerInterface interface {
	Enable() error
	Enabled() bool
	StartScan(serviceUuidFilter []string)
	StopScan() error
	IsScanning() bool
	GetPeripheralByAddress(address string) Peripheral
	GetScanPeripherals() []Peripheral
	Connect(p Peripheral) error
	Disconnect(p Peripheral) error
	// ListenToDrops delivers the address of any link that closed without a
	// preceding Disconnect call. Returns a deregistration function.
	ListenToDrops(ch chan<- string) func()
	Shutdown()
}

var _ ManagerInterface = (*Manager)(nil)

type Manager struct {
	adapter *bluetooth.Adapter
	logger  *log.Logger

	mu                  sync.RWMutex
	enabled             bool
	peripheralByAddress map[string]*peripheral
	expectedDisconnects map[string]bool
	scanning            bool
	scanTimeout         time.Duration
	scanContext         context.Context
	scanContextCancel   context.CancelFunc

	dropsEvent *events.ChannelEvent[string]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(adapter *bluetooth.Adapter, logger *log.Logger, scanTimeout ...time.Duration) *Manager {
	if logger == nil {
		panic("Manager: logger cannot be nil")
	}
	timeout := 10 * time.Second
	if len(scanTimeout) > 0 && scanTimeout[0] > 0 {
		timeout = scanTimeout[0]
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		adapter:             adapter,
		logger:              logger,
		peripheralByAddress: make(map[string]*peripheral),
		expectedDisconnects: make(map[string]bool),
		scanTimeout:         timeout,
		dropsEvent:          events.NewChannelEvent[string](false),
		ctx:                 ctx,
		cancel:              cancel,
	}
}

// Enable brings up the radio and installs the connect handler that tracks
// link state and surfaces unexpected drops.
func (m *Manager) Enable() error {
	m.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addressStr := device.Address.String()
		p := m.getOrCreatePeripheral(device.Address)

		if connected {
			m.logger.Printf("Manager: link open: %s", addressStr)
			p.setLink(&device)
			p.setState(Connected)
			return
		}

		m.logger.Printf("Manager: link closed: %s", addressStr)
		p.setLink(nil)
		p.setState(Disconnected)

		m.mu.Lock()
		expected := m.expectedDisconnects[addressStr]
		delete(m.expectedDisconnects, addressStr)
		m.mu.Unlock()

		if !expected {
			m.dropsEvent.Notify(addressStr)
		}
	})

	if err := m.adapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable bluetooth adapter: %w", err)
	}

	m.mu.Lock()
	m.enabled = true
	m.mu.Unlock()
	return nil
}

func (m *Manager) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

func (m *Manager) GetPeripheralByAddress(address string) Peripheral {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.peripheralByAddress[address]; ok {
		return p
	}
	return nil
}

func (m *Manager) getOrCreatePeripheral(address bluetooth.Address) *peripheral {
	m.mu.Lock()
	defer m.mu.Unlock()
	addressStr := address.String()
	if p, ok := m.peripheralByAddress[addressStr]; ok {
		return p
	}
	p := newPeripheral(m.logger, address)
	m.peripheralByAddress[addressStr] = p
	return p
}

// StartScan runs a background scan keeping the peripheral table fresh.
// serviceUuidFilter, when non-nil, drops advertisements that carry none of
// the given service UUIDs. Restarting an active scan replaces it.
func (m *Manager) StartScan(serviceUuidFilter []string) {
	m.mu.Lock()

	filterSet := make(map[string]struct{})
	for _, uuid := range serviceUuidFilter {
		filterSet[uuid] = struct{}{}
	}

	if m.scanning && m.scanContextCancel != nil {
		m.logger.Printf("Manager: scan already running, restarting")
		m.scanContextCancel()
	}
	m.scanning = true
	m.scanContext, m.scanContextCancel = context.WithCancel(m.ctx)
	scanCtx := m.scanContext
	m.mu.Unlock()

	go_func_utils.SafeGoWG(m.logger, &m.wg, func() {
		m.cleanupStalePeripherals(scanCtx)
	})

	go_func_utils.SafeGoWG(m.logger, &m.wg, func() {
		defer m.logger.Printf("Manager: scan loop exiting")

		err := m.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			select {
			case <-scanCtx.Done():
				return
			default:
			}

			if serviceUuidFilter != nil {
				found := false
				for _, uuid := range result.ServiceUUIDs() {
					if _, ok := filterSet[uuid.String()]; ok {
						found = true
						break
					}
				}
				if !found {
					return
				}
			}

			p := m.getOrCreatePeripheral(result.Address)
			firstSeen := p.getScanLastSeen().IsZero()
			resultCopy := result
			p.setScanResult(&resultCopy, time.Now())
			if firstSeen {
				p.setServiceUUIDs(result.ServiceUUIDs())
				name := result.LocalName()
				if name == "" {
					name = "Unknown"
				}
				m.logger.Printf("Manager: found device: %s (%s) [RSSI: %d]", name, result.Address.String(), result.RSSI)
			}
		})
		if err != nil {
			m.logger.Printf("Manager: scan error: %v", err)
		}
	})
}

// cleanupStalePeripherals forgets devices not seen within scanTimeout, so
// GetScanPeripherals only offers devices that are actually still around.
// Connected peripherals are never dropped.
func (m *Manager) cleanupStalePeripherals(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for address, p := range m.peripheralByAddress {
				if p.IsConnected() || p.wasEverConnected() {
					continue
				}
				if p.getScanLastSeen().IsZero() {
					continue
				}
				if now.Sub(p.getScanLastSeen()) > m.scanTimeout {
					delete(m.peripheralByAddress, address)
					m.logger.Printf("Manager: device timeout: %s (not seen for %v)", address, m.scanTimeout)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *Manager) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanning = false
	if m.scanContextCancel != nil {
		m.scanContextCancel()
		m.scanContextCancel = nil
	}
	return m.adapter.StopScan()
}

func (m *Manager) IsScanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning
}

// GetScanPeripherals returns devices seen by the scanner within the scan
// timeout window.
func (m *Manager) GetScanPeripherals() []Peripheral {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	result := make([]Peripheral, 0)
	for _, p := range m.peripheralByAddress {
		seen := p.getScanLastSeen()
		if !seen.IsZero() && now.Sub(seen) <= m.scanTimeout {
			result = append(result, p)
		}
	}
	return result
}

// Connect initiates a connection. Completion is reported asynchronously via
// the connect handler; use Peripheral.WaitForConnection after this.
func (m *Manager) Connect(p Peripheral) error {
	addressStr := p.GetAddressString()

	m.mu.Lock()
	impl, ok := m.peripheralByAddress[addressStr]
	delete(m.expectedDisconnects, addressStr)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown peripheral %s", addressStr)
	}

	m.logger.Printf("Manager: connecting to %s", addressStr)
	if _, err := m.adapter.Connect(impl.getAddress(), bluetooth.ConnectionParams{}); err != nil {
		return fmt.Errorf("connect to %s failed: %w", addressStr, err)
	}
	impl.setState(Connecting)
	return nil
}

func (m *Manager) Disconnect(p Peripheral) error {
	addressStr := p.GetAddressString()

	m.mu.Lock()
	impl, ok := m.peripheralByAddress[addressStr]
	if ok {
		// Mark before closing so the connect handler does not report a drop.
		m.expectedDisconnects[addressStr] = true
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown peripheral %s", addressStr)
	}

	link := impl.getLink()
	if link == nil {
		m.logger.Printf("Manager: disconnect of %s: link already closed", addressStr)
		return nil
	}
	m.logger.Printf("Manager: disconnecting %s", addressStr)
	return link.Disconnect()
}

func (m *Manager) ListenToDrops(ch chan<- string) func() {
	return m.dropsEvent.Listen(ch)
}

func (m *Manager) Shutdown() {
	m.logger.Println("Manager: shutting down")

	m.mu.RLock()
	connected := make([]*peripheral, 0)
	for _, p := range m.peripheralByAddress {
		if p.IsConnected() {
			connected = append(connected, p)
		}
	}
	m.mu.RUnlock()

	for _, p := range connected {
		if err := m.Disconnect(p); err != nil {
			m.logger.Printf("Manager: error disconnecting %s: %v", p.GetAddressString(), err)
		}
	}
	if err := m.StopScan(); err != nil {
		m.logger.Printf("Manager: error stopping scan: %v", err)
	}
	m.cancel()
	m.wg.Wait()
	m.logger.Println("Manager: shutdown complete")
}
