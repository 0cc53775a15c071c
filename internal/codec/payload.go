package codec

import (
	"encoding/hex"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// hexMarker introduces the hex-encoded form of a device payload segment.
// Firmware versions that report CSV omit it.
const hexMarker = "10#"

// StatusValue is the result of splitting a raw snapshot value string into
// its general and device-specific segments.
type StatusValue struct {
	// RSSI is the RF signal strength from the general segment, nil when
	// the payload had no general segment or it did not parse.
	RSSI *int

	// Device is the device-specific segment handed to the decoder.
	Device string
}

// SplitValue separates the "general;device" status string. Payloads
// without a semicolon consist of the device segment only.
func SplitValue(val string) StatusValue {
	sv := StatusValue{Device: val}
	general, device, ok := strings.Cut(val, ";")
	if !ok {
		return sv
	}
	sv.Device = device

	// General segment is "<link>,<rssi>"; only the RSSI is understood.
	if _, rssiStr, ok := strings.Cut(general, ","); ok {
		if rssi, err := strconv.Atoi(strings.TrimSpace(rssiStr)); err == nil {
			sv.RSSI = &rssi
		}
	}
	return sv
}

// hexPart extracts and decodes the hex record from a device segment.
// Returns ok=false when the segment is not in hex form at all.
func hexPart(payload []byte) (data []byte, ok bool, err error) {
	s := string(payload)
	_, h, found := strings.Cut(s, hexMarker)
	if !found {
		return nil, false, nil
	}
	data, err = hex.DecodeString(h)
	if err != nil {
		return nil, true, err
	}
	return data, true, nil
}

// statsValueRe matches the hub's "current(min/max/avg)" stats notation.
var statsValueRe = regexp.MustCompile(`^(\d+)\((\d+)/(\d+)/(\d+)\)$`)

// parseStatsValue extracts the current value from a stats triplet string.
func parseStatsValue(s string) (int, bool) {
	m := statsValueRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, false
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return v, true
}

// fahrenheitTenthsToC converts the vendor's temperature encoding
// (Fahrenheit x10 as an integer) to Celsius rounded to 0.1.
func fahrenheitTenthsToC(v int) float64 {
	c := (float64(v)/10 - 32) * 5 / 9
	return math.Round(c*10) / 10
}

func floatPtr(v float64) *float64 { return &v }

func intPtr(v int) *int { return &v }
