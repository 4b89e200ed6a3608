package enums

import "fmt"

// LedgerEntryKind maps to the ledger_entry_kind_enum enum in Postgres.
type LedgerEntryKind string

const (
	LedgerEntryKindDeposit LedgerEntryKind = "deposit"
	LedgerEntryKindDebit   LedgerEntryKind = "debit"
	LedgerEntryKindRefund  LedgerEntryKind = "refund"
	LedgerEntryKindBonus   LedgerEntryKind = "bonus"
	LedgerEntryKindClaim   LedgerEntryKind = "claim"
)

var validLedgerEntryKinds = []LedgerEntryKind{
	LedgerEntryKindDeposit,
	LedgerEntryKindDebit,
	LedgerEntryKindRefund,
	LedgerEntryKindBonus,
	LedgerEntryKindClaim,
}

// IsValid reports whether the value matches the canonical entry kind enum.
func (k LedgerEntryKind) IsValid() bool {
	for _, candidate := range validLedgerEntryKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

// IsDebit reports whether entries of this kind move money out of the account.
func (k LedgerEntryKind) IsDebit() bool {
	return k == LedgerEntryKindDebit
}

// IsCredit reports whether entries of this kind move money into the account.
func (k LedgerEntryKind) IsCredit() bool {
	switch k {
	case LedgerEntryKindDeposit, LedgerEntryKindRefund, LedgerEntryKindBonus, LedgerEntryKindClaim:
		return true
	}
	return false
}

// ParseLedgerEntryKind converts raw input into LedgerEntryKind.
func ParseLedgerEntryKind(value string) (LedgerEntryKind, error) {
	for _, candidate := range validLedgerEntryKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid ledger entry kind %q", value)
}
