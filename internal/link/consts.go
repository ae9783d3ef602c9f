package link

import "time"

// GATT service and characteristic UUIDs used by the connectivity layer
const (
	// Heart Rate Service
	ServiceUUIDHeartRate         = "0000180d-0000-1000-8000-00805f9b34fb"
	CharUUIDHeartRateMeasurement = "00002a37-0000-1000-8000-00805f9b34fb"

	// Fitness Machine Service (FTMS)
	ServiceUUIDFTMS          = "00001826-0000-1000-8000-00805f9b34fb"
	CharUUIDIndoorBikeData   = "00002ad2-0000-1000-8000-00805f9b34fb"
	CharUUIDFTMSControlPoint = "00002ad9-0000-1000-8000-00805f9b34fb"
	CharUUIDFTMSFeature      = "00002acc-0000-1000-8000-00805f9b34fb"

	// Battery Service
	ServiceUUIDBattery   = "0000180f-0000-1000-8000-00805f9b34fb"
	CharUUIDBatteryLevel = "00002a19-0000-1000-8000-00805f9b34fb"

	// Device Information Service
	ServiceUUIDDeviceInfo    = "0000180a-0000-1000-8000-00805f9b34fb"
	CharUUIDManufacturerName = "00002a29-0000-1000-8000-00805f9b34fb"
	CharUUIDModelNumber      = "00002a24-0000-1000-8000-00805f9b34fb"
)

// FTMS Control Point op codes (Fitness Machine Service 1.0 spec)
// See: https://www.bluetooth.com/specifications/specs/fitness-machine-service-1-0/
const (
	FTMSOpCodeRequestControl       byte = 0x00
	FTMSOpCodeReset                byte = 0x01
	FTMSOpCodeSetTargetSpeed       byte = 0x02
	FTMSOpCodeSetTargetInclination byte = 0x03
	FTMSOpCodeSetTargetResistance  byte = 0x04
	FTMSOpCodeSetTargetPower       byte = 0x05
	FTMSOpCodeSetTargetHeartRate   byte = 0x06
	FTMSOpCodeStartOrResume        byte = 0x07
	FTMSOpCodeStopOrPause          byte = 0x08
	FTMSOpCodeResponseCode         byte = 0x80
)

// FTMS Control Point result codes
const (
	FTMSResultSuccess             byte = 0x01
	FTMSResultOpCodeNotSupported  byte = 0x02
	FTMSResultInvalidParameter    byte = 0x03
	FTMSResultOperationFailed     byte = 0x04
	FTMSResultControlNotPermitted byte = 0x05
)

// Stop/Pause parameter values for FTMSOpCodeStopOrPause
const (
	FTMSStopParamStop  byte = 0x01
	FTMSStopParamPause byte = 0x02
)

// Role identifies which peripheral slot a connection belongs to. Exactly one
// live link exists per role at a time.
type Role string

const (
	RoleTrainer   Role = "trainer"
	RoleHeartRate Role = "heart_rate_sensor"
)

// RoleConfig describes how a role's peripheral is discovered and what it
// speaks once connected.
type RoleConfig struct {
	Role            Role
	DisplayName     string
	ScanServiceUUID string // advertised service that qualifies a device for this role
}

var AllRoles = []RoleConfig{
	{
		Role:            RoleTrainer,
		DisplayName:     "Smart Trainer",
		ScanServiceUUID: ServiceUUIDFTMS,
	},
	{
		Role:            RoleHeartRate,
		DisplayName:     "Heart Rate Sensor",
		ScanServiceUUID: ServiceUUIDHeartRate,
	},
}

// GetRoleConfig returns the configuration for a role.
func GetRoleConfig(role Role) (RoleConfig, bool) {
	for _, rc := range AllRoles {
		if rc.Role == role {
			return rc, true
		}
	}
	return RoleConfig{}, false
}

// Reconnect backoff policy: delay = min(base << attempt, max), capped at
// reconnectMaxAttempts failed retries before the error becomes terminal.
const (
	reconnectBaseDelay   = 1 * time.Second
	reconnectMaxDelay    = 10 * time.Second
	reconnectMaxAttempts = 5
)

// Target power limits and governor send interval
const (
	MinTargetPowerWatts = 0
	MaxTargetPowerWatts = 2000

	targetPowerSendInterval = 900 * time.Millisecond
)

// Connection establishment timeouts
const (
	connectTimeout    = 10 * time.Second
	scanSelectTimeout = 15 * time.Second
	scanPollInterval  = 200 * time.Millisecond
)
