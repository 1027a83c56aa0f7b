package models

import "time"

type LockoutStatus struct {
	Locked         bool       `json:"locked"`
	FailedAttempts int        `json:"failed_attempts"`
	Threshold      int        `json:"threshold"`
	LockoutUntil   *time.Time `json:"lockout_until,omitempty"`
}
