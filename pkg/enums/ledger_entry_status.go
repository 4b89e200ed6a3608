package enums

import "fmt"

// LedgerEntryStatus maps to the ledger_entry_status_enum enum in Postgres.
type LedgerEntryStatus string

const (
	LedgerEntryStatusPending LedgerEntryStatus = "pending"
	LedgerEntryStatusSuccess LedgerEntryStatus = "success"
	LedgerEntryStatusFailed  LedgerEntryStatus = "failed"
)

var validLedgerEntryStatuses = []LedgerEntryStatus{
	LedgerEntryStatusPending,
	LedgerEntryStatusSuccess,
	LedgerEntryStatusFailed,
}

// IsValid reports whether the value matches the canonical entry status enum.
func (s LedgerEntryStatus) IsValid() bool {
	for _, candidate := range validLedgerEntryStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status can never transition again.
func (s LedgerEntryStatus) IsTerminal() bool {
	return s == LedgerEntryStatusSuccess || s == LedgerEntryStatusFailed
}

// ParseLedgerEntryStatus converts raw input into LedgerEntryStatus.
func ParseLedgerEntryStatus(value string) (LedgerEntryStatus, error) {
	for _, candidate := range validLedgerEntryStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid ledger entry status %q", value)
}
