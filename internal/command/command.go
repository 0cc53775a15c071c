// Package command maintains the persistent MQTT channel to the vendor
// broker. It carries outbound configuration commands (valve work-mode
// changes) and routes acknowledgments back to the engine. Its connect,
// backoff and reconnect lifecycle is fully independent of the snapshot
// poller.
package command

import (
	"encoding/json"
	"fmt"
	"time"
)

// Command is one outbound work-mode change for a zone of a device.
// Commands are addressed through the hub the device is paired to.
type Command struct {
	DeviceID      string    `json:"deviceId"`
	HubDeviceName string    `json:"-"`
	HubProductKey string    `json:"-"`
	MID           string    `json:"mid"`
	Addr          int       `json:"addr"`
	Zone          int       `json:"zone"`
	Mode          int       `json:"mode"`
	DurationSec   int       `json:"durationSec"`
	Seq           int64     `json:"seq"`
	SubmittedAt   time.Time `json:"submittedAt"`
}

// wireCommand is the broker-side JSON shape of a command.
type wireCommand struct {
	ID      string     `json:"id"`
	Version string     `json:"version"`
	Method  string     `json:"method"`
	Params  wireParams `json:"params"`
}

type wireParams struct {
	MID      string `json:"mid"`
	Addr     int    `json:"addr"`
	Port     int    `json:"port"`
	Mode     int    `json:"mode"`
	Duration int    `json:"duration"`
	Param    string `json:"param"`
}

func (c Command) wirePayload() []byte {
	seq := fmt.Sprintf("%d", c.Seq)
	b, _ := json.Marshal(wireCommand{
		ID:      seq,
		Version: "1.0",
		Method:  "thing.service.property.set",
		Params: wireParams{
			MID:      c.MID,
			Addr:     c.Addr,
			Port:     c.Zone,
			Mode:     c.Mode,
			Duration: c.DurationSec,
			Param:    seq,
		},
	})
	return b
}

// Ack is a delivery acknowledgment received on the reply topic.
type Ack struct {
	Topic   string          `json:"topic"`
	ID      string          `json:"id"`
	Code    int             `json:"code"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	At      time.Time       `json:"at"`
}

type wireAck struct {
	ID      string          `json:"id"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// State is the connection state of the channel.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}
