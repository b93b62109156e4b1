package types

const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"` + redactedPlaceholder + `"`)

// SecretString holds credentials (VAPID private keys, push auth secrets,
// internal API tokens). It prints and marshals as a placeholder so it cannot
// leak through fmt, slog or JSON encoding.
type SecretString string

// String returns the redacted placeholder.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// Unmask returns the raw value. Call it only at the point of use.
func (s SecretString) Unmask() string {
	return string(s)
}

// IsZero reports whether the secret is empty.
func (s SecretString) IsZero() bool {
	return s == ""
}
