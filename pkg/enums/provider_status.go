package enums

import "fmt"

// ProviderStatus is the closed set of outcomes an external provider call can
// have at our boundary. Raw provider response shapes never cross into the
// ledger layer; they are folded into one of these three variants.
type ProviderStatus string

const (
	ProviderStatusSuccess    ProviderStatus = "success"
	ProviderStatusProcessing ProviderStatus = "processing"
	ProviderStatusFailed     ProviderStatus = "failed"
)

var validProviderStatuses = []ProviderStatus{
	ProviderStatusSuccess,
	ProviderStatusProcessing,
	ProviderStatusFailed,
}

// IsValid reports whether the value matches the canonical provider status set.
func (s ProviderStatus) IsValid() bool {
	for _, candidate := range validProviderStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseProviderStatus converts raw input into ProviderStatus.
func ParseProviderStatus(value string) (ProviderStatus, error) {
	for _, candidate := range validProviderStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid provider status %q", value)
}
