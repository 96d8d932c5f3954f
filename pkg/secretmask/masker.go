// Package secretmask detects and masks sensitive values before they reach a
// log line or captured subprocess output.
package secretmask

import "strings"

// Masker replaces known secret values with a placeholder wherever they
// appear in text. Unlike pattern-based redaction it masks exact values, so
// it never produces a false positive on unrelated text that merely looks
// like a secret.
type Masker struct {
	suffixes []string
	secrets  map[string]bool
}

// New creates a Masker with the default set of environment-variable
// suffixes used to recognize secret-shaped keys.
func New() *Masker {
	return &Masker{
		suffixes: []string{"_TOKEN", "_SECRET", "_KEY", "_PASSWORD"},
		secrets:  make(map[string]bool),
	}
}

// Add registers a value to be masked in future calls to Mask.
func (m *Masker) Add(value string) {
	if value != "" {
		m.secrets[value] = true
	}
}

// AddFromEnv scans an environment map and registers the value of every key
// whose name matches a secret-shaped suffix.
func (m *Masker) AddFromEnv(env map[string]string) {
	for key, value := range env {
		if m.looksLikeSecretKey(key) && value != "" {
			m.secrets[value] = true
		}
	}
}

func (m *Masker) looksLikeSecretKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, suffix := range m.suffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

// Mask replaces every registered secret value found in s with "***".
func (m *Masker) Mask(s string) string {
	result := s
	for secret := range m.secrets {
		if secret != "" && strings.Contains(result, secret) {
			result = strings.ReplaceAll(result, secret, "***")
		}
	}
	return result
}
