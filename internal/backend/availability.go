package backend

import "strings"

// Available returns a comma-separated list of available backends.
func Available() string {
	entries := []string{Host}
	if Has(WebGPU) {
		entries = append(entries, WebGPU)
	}
	return strings.Join(entries, ",")
}
