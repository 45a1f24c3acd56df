package models

// Device is a connected Android device as seen through ADB.
type Device struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ADBDeviceID    string `json:"adb_device_id"`
	HardwareSerial string `json:"hardware_serial,omitempty"`
	Status         string `json:"status"` // online, offline, unauthorized
	Resolution     string `json:"resolution,omitempty"`
	Battery        int    `json:"battery,omitempty"`
	AndroidVersion string `json:"android_version,omitempty"`
	LastSeen       int64  `json:"last_seen"`
}
