package types

// redacted is the placeholder substituted for secret values in logs and
// serialized output.
const redacted = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString holds a sensitive value (API keys, signing secrets,
// connection strings) and refuses to print it. String() and MarshalJSON()
// return a placeholder, so secrets cannot leak through fmt verbs, slog
// attributes, or JSON-serialized config dumps. Call Unmask() at the one
// point the raw value is genuinely needed.
type SecretString string

// String returns the redacted placeholder, never the value.
func (s SecretString) String() string {
	return redacted
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// Unmask returns the raw plaintext value. Callers should pass the result
// directly to the consuming client (HTTP header, pgx config) rather than
// storing it.
func (s SecretString) Unmask() string {
	return string(s)
}

// IsZero reports whether the secret is unset. Used by startup checks that
// log missing configuration instead of failing fast.
func (s SecretString) IsZero() bool {
	return s == ""
}
