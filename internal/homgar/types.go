package homgar

import (
	"fmt"
	"time"
)

// Home is one household registered to the account. Devices are grouped
// under homes on the vendor side.
type Home struct {
	HID  int64  `json:"hid"`
	Name string `json:"homeName"`
}

// Device describes one hardware unit as reported by the device tree
// endpoint. A device is either a hub or a peripheral attached to a hub.
type Device struct {
	MID        int64  `json:"mid"`  // hub membership id, shared by a hub and its peripherals
	DID        int64  `json:"did"`  // vendor device id
	Addr       int    `json:"addr"` // RF address within the hub, 1 for the hub itself
	Name       string `json:"name"`
	Model      string `json:"model"`
	ModelCode  int    `json:"modelCode"`
	PortNumber int    `json:"portNumber"`
	Alerts     int    `json:"alerts"`

	// Hub identity used for MQTT subscription and command topics.
	// Populated on hubs and copied onto their peripherals.
	HubDeviceName string `json:"-"`
	HubProductKey string `json:"-"`
}

// StatusID returns the identifier the status endpoint uses for this
// device's payload record ("D01", "D02", ...).
func (d *Device) StatusID() string {
	return fmt.Sprintf("D%02d", d.Addr)
}

// Hub is a gateway device together with the peripherals it relays.
type Hub struct {
	Device
	SubDevices []Device
}

// StatusEntry is one record of the device status snapshot: an id naming
// the device slot and an opaque value string carrying its telemetry.
type StatusEntry struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// loginData is the payload of a successful login response.
type loginData struct {
	Token        string `json:"token"`
	TokenExpired int64  `json:"tokenExpired"` // seconds until expiry
	RefreshToken string `json:"refreshToken"`
}

// MQTTCredentials is the broker access grant returned by the status
// subscription endpoint. The grant expires and must be renewed.
type MQTTCredentials struct {
	DeviceName   string `json:"deviceName"`
	ProductKey   string `json:"productKey"`
	DeviceSecret string `json:"deviceSecret"`
	MQTTHostURL  string `json:"mqttHostUrl"`
	Expire       int64  `json:"expire"` // epoch milliseconds
}

// ExpiresAt converts the grant expiry to a time.Time.
func (c *MQTTCredentials) ExpiresAt() time.Time {
	return time.UnixMilli(c.Expire)
}

// SubscribeDevice names one hub to subscribe for status/ack traffic.
type SubscribeDevice struct {
	DeviceName string `json:"deviceName"`
	MID        string `json:"mid"`
	ProductKey string `json:"productKey"`
}
