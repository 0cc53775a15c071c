package codec

import (
	"fmt"
	"sync"
)

// Registry maps vendor model codes to decoders. It is populated once at
// startup and only read afterwards, so the poller and any diagnostic
// tooling can decode concurrently. Adding support for a new device family
// means registering one more decoder, not touching dispatch.
type Registry struct {
	mu       sync.RWMutex
	decoders map[int]DecoderFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[int]DecoderFunc)}
}

// Builtin returns a registry with decoders for all supported device
// families registered.
func Builtin() *Registry {
	r := NewRegistry()
	// Registration of the built-in set cannot collide.
	r.Register(ModelDisplayHub, DecodeHub)
	r.Register(ModelSoilSensor, DecodeSoil)
	r.Register(ModelAirSensor, DecodeAir)
	r.Register(ModelRainSensor, DecodeRain)
	r.Register(ModelWaterTimer, DecodeTimer)
	return r
}

// Register adds a decoder for a model code. Registering the same code
// twice is a programming error and is rejected.
func (r *Registry) Register(modelCode int, fn DecoderFunc) error {
	if fn == nil {
		return fmt.Errorf("decoder for model %d cannot be nil", modelCode)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.decoders[modelCode]; exists {
		return fmt.Errorf("model %d is already registered", modelCode)
	}
	r.decoders[modelCode] = fn
	return nil
}

// Known reports whether a decoder is registered for the model code.
func (r *Registry) Known(modelCode int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.decoders[modelCode]
	return ok
}

// Count returns the number of registered decoders.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.decoders)
}

// Decode routes a payload to the decoder for its model code.
// Returns ErrUnknownModel when no decoder is registered.
func (r *Registry) Decode(modelCode int, payload []byte) (Reading, error) {
	r.mu.RLock()
	fn, ok := r.decoders[modelCode]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("model %d: %w", modelCode, ErrUnknownModel)
	}
	return fn(payload)
}
