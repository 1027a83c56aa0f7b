package models

import "time"

// CredentialKind uses the numeric codes the keypad firmware and admin UI send on the wire.
type CredentialKind int

const (
	KindPermanent    CredentialKind = 0
	KindExpiring     CredentialKind = 1
	KindCountLimited CredentialKind = 2
	KindOneTime      CredentialKind = 3
)

func (k CredentialKind) Valid() bool {
	return k >= KindPermanent && k <= KindOneTime
}

// UsesCount reports whether grants consume the remaining counter.
func (k CredentialKind) UsesCount() bool {
	return k == KindCountLimited || k == KindOneTime
}

func (k CredentialKind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindExpiring:
		return "expiring"
	case KindCountLimited:
		return "count_limited"
	case KindOneTime:
		return "one_time"
	default:
		return "unknown"
	}
}

// MinutesPerDay bounds WindowStart and WindowEnd.
const MinutesPerDay = 1440

// Credential is a provisioned PIN. AllowedDays bit i is time.Weekday(i), Sunday first;
// zero allows every day. WindowStart == WindowEnd means no time-of-day restriction.
type Credential struct {
	PIN         string         `json:"pin"`
	Name        string         `json:"name"`
	Kind        CredentialKind `json:"type"`
	Remaining   int            `json:"remaining"`
	AllowedDays uint8          `json:"days"`
	WindowStart int            `json:"start"`
	WindowEnd   int            `json:"end"`
	ExpiresAt   *time.Time     `json:"expiry,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// CredentialUpdate carries a partial update; nil fields are left unchanged.
type CredentialUpdate struct {
	Name        *string
	Kind        *CredentialKind
	Remaining   *int
	AllowedDays *uint8
	WindowStart *int
	WindowEnd   *int
	ExpiresAt   *time.Time
	ClearExpiry bool
}
