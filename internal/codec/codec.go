// Package codec decodes HomGar device status payloads into typed readings.
//
// Every supported device family reports its state as an opaque string inside
// the cloud snapshot. The string has the form "general;device" where the
// general segment carries RF link diagnostics and the device segment is
// either a hex-encoded binary record ("10#<hex>") or a comma-separated
// value list, depending on model and firmware. Decoders are pure: the same
// payload always produces the same Reading, and they never perform I/O.
package codec

import (
	"errors"
	"fmt"
)

// Model codes assigned by the vendor to the supported hardware families.
const (
	ModelDisplayHub   = 289 // RainPoint environmental display hub
	ModelSoilSensor   = 317 // HCS026FRF soil moisture/temperature sensor
	ModelAirSensor    = 262 // HCS014ARF air temperature/humidity sensor
	ModelRainSensor   = 87  // HCS012ARF rain gauge
	ModelWaterTimer   = 38  // HTV405FRF 4-zone water timer
)

// ErrUnknownModel is returned by Registry.Decode when no decoder is
// registered for a model code. Callers route these payloads to the
// unknown-device reporter instead of treating them as failures.
var ErrUnknownModel = errors.New("no decoder registered for model code")

// MalformedError reports a payload a decoder recognized as its own but
// could not interpret (wrong length, missing markers, bad hex). It carries
// the raw payload so the record can be logged for decoder work.
type MalformedError struct {
	ModelCode int
	Reason    string
	Raw       string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed payload for model %d: %s (raw %q)", e.ModelCode, e.Reason, e.Raw)
}

// DecoderFunc transforms a device-specific payload segment into a Reading.
//
// A decoder may return a partial Reading: optional fields it could not
// resolve stay nil rather than failing the decode. Only payloads with no
// usable fields at all produce a *MalformedError.
type DecoderFunc func(payload []byte) (Reading, error)
