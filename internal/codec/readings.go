package codec

// Reading is a typed, immutable snapshot of one device's decoded state.
// A new Reading supersedes the previous one; readings are never mutated
// after a decoder returns them. Optional fields are pointers: nil means
// the field was absent or unparsed in this payload, which keeps explicit
// the parts of the wire format that remain unknown.
type Reading interface {
	// Kind returns a short stable name for the reading family,
	// used in logs and in the host API.
	Kind() string
}

// AirReading is the state of an HCS014ARF air sensor. The sensor reports
// current plus daily min/max for both temperature and humidity.
type AirReading struct {
	TempC       *float64 `json:"tempC,omitempty"`
	TempMinC    *float64 `json:"tempMinC,omitempty"`
	TempMaxC    *float64 `json:"tempMaxC,omitempty"`
	Humidity    *int     `json:"humidity,omitempty"`
	HumidityMin *int     `json:"humidityMin,omitempty"`
	HumidityMax *int     `json:"humidityMax,omitempty"`
}

func (*AirReading) Kind() string { return "air" }

// RainReading is the state of an HCS012ARF rain gauge. Accumulations are
// millimeters with 0.1 mm resolution.
type RainReading struct {
	LastHourMM float64 `json:"lastHourMM"`
	Last24hMM  float64 `json:"last24hMM"`
	Last7dMM   float64 `json:"last7dMM"`
	TotalMM    float64 `json:"totalMM"`
}

func (*RainReading) Kind() string { return "rain" }

// SoilReading is the state of an HCS026FRF soil sensor. The hex payload
// form carries moisture only; the CSV fallback form carries both fields.
type SoilReading struct {
	Moisture *int     `json:"moisture,omitempty"`
	TempC    *float64 `json:"tempC,omitempty"`
}

func (*SoilReading) Kind() string { return "soil" }

// Zone status values reported by the water timer.
const (
	ZoneOn        = "on"
	ZoneOffRecent = "off_recent" // valve closed, ran recently
	ZoneOffIdle   = "off_idle"   // valve closed, idle
	ZoneOff       = "off"        // no status marker seen for the zone
)

// ZoneState is the decoded state of one valve zone.
type ZoneState struct {
	Active bool   `json:"active"`
	Status string `json:"status"`
}

// TimerReading is the state of an HTV405FRF 4-zone water timer.
type TimerReading struct {
	// HWSequence is the device's rolling hardware sequence counter,
	// kept as hex because its internal structure is not documented.
	HWSequence string       `json:"hwSequence"`
	Zones      [4]ZoneState `json:"zones"`
}

func (*TimerReading) Kind() string { return "watertimer" }

// Zone returns the state of zone n (1-based, matching the vendor app).
func (r *TimerReading) Zone(n int) ZoneState {
	if n < 1 || n > len(r.Zones) {
		return ZoneState{Status: ZoneOff}
	}
	return r.Zones[n-1]
}

// NewReading returns an empty Reading of the named kind, used to
// unmarshal persisted readings back into their concrete types.
func NewReading(kind string) (Reading, bool) {
	switch kind {
	case "air":
		return &AirReading{}, true
	case "rain":
		return &RainReading{}, true
	case "soil":
		return &SoilReading{}, true
	case "watertimer":
		return &TimerReading{}, true
	case "hub":
		return &HubReading{}, true
	}
	return nil, false
}

// HubReading is the state of the display hub's built-in environment
// sensors.
type HubReading struct {
	TempC      *float64 `json:"tempC,omitempty"`
	Humidity   *int     `json:"humidity,omitempty"`
	PressurePa *int     `json:"pressurePa,omitempty"`
}

func (*HubReading) Kind() string { return "hub" }
