package quill

// Default temperature constants for the different generation stages.
// Temperature controls the randomness/creativity of LLM responses.
const (
	// TemperatureUnset indicates that no temperature has been explicitly set.
	// Note: A zero-value float32 (0.0) is also treated as unset for ergonomic struct initialization.
	TemperatureUnset float32 = -1

	// TemperatureZero provides an explicitly near-zero temperature for maximum determinism.
	// Use this instead of 0.0 since zero is treated as "unset".
	TemperatureZero float32 = 0.0001

	// DefaultTemperatureNegotiation is used for debate turns, which must stay
	// parseable as structured JSON while still proposing alternatives.
	DefaultTemperatureNegotiation float32 = 0.4

	// DefaultTemperatureFallback is used for the single-shot outline synthesis
	// that runs when a negotiation exhausts its rounds.
	DefaultTemperatureFallback float32 = 0.2

	// DefaultTemperatureSynthesis is used for chapter generation.
	DefaultTemperatureSynthesis float32 = 0.7
)

// resolveTemperature returns t unless it is unset, in which case fallback is used.
func resolveTemperature(t, fallback float32) float32 {
	if t == TemperatureUnset || t == 0 {
		return fallback
	}
	return t
}
