package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"strings"
)

// The binary layouts below were mapped by comparing live captures against
// the vendor app. Unmapped byte ranges (battery level and similar
// diagnostics) are deliberately left unparsed; the affected Reading fields
// stay nil instead of guessing.

// Byte offsets inside the air sensor record. Temperatures are
// little-endian uint16, Fahrenheit x10.
const (
	airTempMinOff = 1
	airTempMaxOff = 3
	airTempCurOff = 10
	airMinLen     = 12
	airHumMarker  = 0x88 // humidity block marker
)

// DecodeAir decodes an HCS014ARF air sensor payload.
func DecodeAir(payload []byte) (Reading, error) {
	data, isHex, err := hexPart(payload)
	if !isHex {
		return nil, malformed(ModelAirSensor, payload, "missing hex marker")
	}
	if err != nil {
		return nil, malformed(ModelAirSensor, payload, "bad hex encoding")
	}
	if len(data) < airMinLen {
		return nil, malformed(ModelAirSensor, payload, "record too short")
	}

	r := &AirReading{
		TempMinC: floatPtr(fahrenheitTenthsToC(le16(data, airTempMinOff))),
		TempMaxC: floatPtr(fahrenheitTenthsToC(le16(data, airTempMaxOff))),
		TempC:    floatPtr(fahrenheitTenthsToC(le16(data, airTempCurOff))),
	}

	// Humidity block: marker byte, then current, one skipped byte,
	// min, max. Absent marker leaves the humidity fields unresolved.
	if p := bytes.IndexByte(data, airHumMarker); p >= 0 && p+5 <= len(data) {
		r.Humidity = intPtr(int(data[p+1]))
		r.HumidityMin = intPtr(int(data[p+3]))
		r.HumidityMax = intPtr(int(data[p+4]))
	}
	return r, nil
}

// Byte offsets of the rain gauge accumulations, each a little-endian
// uint16 in 0.1 mm units. The bytes between them are unidentified
// interval markers.
const (
	rainHourOff  = 1
	rain24hOff   = 5
	rain7dOff    = 13
	rainTotalOff = 18
	rainMinLen   = 20
)

// DecodeRain decodes an HCS012ARF rain gauge payload.
func DecodeRain(payload []byte) (Reading, error) {
	data, isHex, err := hexPart(payload)
	if !isHex {
		return nil, malformed(ModelRainSensor, payload, "missing hex marker")
	}
	if err != nil {
		return nil, malformed(ModelRainSensor, payload, "bad hex encoding")
	}
	if len(data) < rainMinLen {
		return nil, malformed(ModelRainSensor, payload, "record too short")
	}
	return &RainReading{
		LastHourMM: float64(le16(data, rainHourOff)) / 10,
		Last24hMM:  float64(le16(data, rain24hOff)) / 10,
		Last7dMM:   float64(le16(data, rain7dOff)) / 10,
		TotalMM:    float64(le16(data, rainTotalOff)) / 10,
	}, nil
}

// soilMarker precedes the soil moisture block; moisture is the third byte
// after it.
const soilMarker = 0xDC

// DecodeSoil decodes an HCS026FRF soil sensor payload. Newer firmware
// reports the hex form (moisture only, temperature unresolved); older
// firmware reports "temperature,moisture" as CSV.
func DecodeSoil(payload []byte) (Reading, error) {
	data, isHex, err := hexPart(payload)
	if err != nil {
		return nil, malformed(ModelSoilSensor, payload, "bad hex encoding")
	}
	if isHex {
		p := bytes.IndexByte(data, soilMarker)
		if p < 0 || p+4 > len(data) {
			return nil, malformed(ModelSoilSensor, payload, "moisture marker not found")
		}
		return &SoilReading{Moisture: intPtr(int(data[p+3]))}, nil
	}

	tempStr, moistStr, ok := strings.Cut(string(payload), ",")
	if !ok {
		return nil, malformed(ModelSoilSensor, payload, "unrecognized payload form")
	}
	moist, err := strconv.Atoi(strings.TrimSpace(moistStr))
	if err != nil {
		return nil, malformed(ModelSoilSensor, payload, "bad moisture value")
	}
	r := &SoilReading{Moisture: intPtr(moist)}
	if t, err := strconv.Atoi(strings.TrimSpace(tempStr)); err == nil {
		r.TempC = floatPtr(fahrenheitTenthsToC(t))
	}
	return r, nil
}

// Water timer layout: byte 0 is a frame type, bytes 1-3 the hardware
// sequence counter. Each zone has a marker byte (0x19 for zone 1 through
// 0x1C for zone 4) followed by 0xD8 and a status byte.
const (
	timerSeqStart   = 1
	timerSeqEnd     = 4
	timerZoneBase   = 0x19
	timerZoneTag    = 0xD8
	timerStatusOn   = 0x41
	timerStatusIdle = 0x20
	timerStatusDone = 0x00
)

// DecodeTimer decodes an HTV405FRF 4-zone water timer payload.
func DecodeTimer(payload []byte) (Reading, error) {
	data, isHex, err := hexPart(payload)
	if !isHex {
		return nil, malformed(ModelWaterTimer, payload, "missing hex marker")
	}
	if err != nil {
		return nil, malformed(ModelWaterTimer, payload, "bad hex encoding")
	}
	if len(data) < timerSeqEnd {
		return nil, malformed(ModelWaterTimer, payload, "record too short")
	}

	r := &TimerReading{HWSequence: hex.EncodeToString(data[timerSeqStart:timerSeqEnd])}
	for i := range r.Zones {
		r.Zones[i] = ZoneState{Status: ZoneOff}
		p := bytes.Index(data, []byte{byte(timerZoneBase + i), timerZoneTag})
		if p < 0 || p+3 > len(data) {
			continue
		}
		switch data[p+2] {
		case timerStatusOn:
			r.Zones[i] = ZoneState{Active: true, Status: ZoneOn}
		case timerStatusDone:
			r.Zones[i] = ZoneState{Status: ZoneOffRecent}
		case timerStatusIdle:
			r.Zones[i] = ZoneState{Status: ZoneOffIdle}
		}
	}
	return r, nil
}

// DecodeHub decodes the display hub's built-in sensor report, a CSV of
// "current(min/max/avg)" stats triplets: temperature (Fahrenheit x10),
// relative humidity and pressure.
func DecodeHub(payload []byte) (Reading, error) {
	parts := strings.Split(string(payload), ",")
	if len(parts) < 3 {
		return nil, malformed(ModelDisplayHub, payload, "expected three stats fields")
	}

	r := &HubReading{}
	if t, ok := parseStatsValue(parts[0]); ok {
		r.TempC = floatPtr(fahrenheitTenthsToC(t))
	}
	if h, ok := parseStatsValue(parts[1]); ok {
		r.Humidity = intPtr(h)
	}
	if p, ok := parseStatsValue(parts[2]); ok {
		r.PressurePa = intPtr(p)
	}
	if r.TempC == nil && r.Humidity == nil && r.PressurePa == nil {
		return nil, malformed(ModelDisplayHub, payload, "no stats field parsed")
	}
	return r, nil
}

// le16 reads a little-endian uint16 at byte offset off.
func le16(data []byte, off int) int {
	return int(binary.LittleEndian.Uint16(data[off : off+2]))
}

func malformed(model int, payload []byte, reason string) *MalformedError {
	return &MalformedError{ModelCode: model, Reason: reason, Raw: string(payload)}
}
