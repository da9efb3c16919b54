package masking

// Masker is the interface for code-based maskers that need structural
// awareness beyond regex matching, such as deciding from a variable's name
// whether its value is secret. Referenced from pattern groups by name.
type Masker interface {
	// Name returns the unique identifier for this masker. Must match the
	// entry in config.GetBuiltinConfig().CodeMaskers.
	Name() string

	// AppliesTo performs a lightweight check on whether this masker should
	// process the data. Should be fast (string contains, not parsing).
	AppliesTo(data string) bool

	// Mask applies masking logic and returns the masked result. Must be
	// defensive: return original data on parse or processing errors.
	Mask(data string) string
}
