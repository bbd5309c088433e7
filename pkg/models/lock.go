package models

import "time"

// Lock is the shared-named advisory lock primitive used by the Lock
// Manager for cross-worker coordination beyond per-job locking. A Lock
// exists exactly when some holder owns it (or the store hasn't yet
// evicted its expiry record).
type Lock struct {
	LockID     string    `json:"lockId" gorm:"primaryKey"`
	Holder     string    `json:"holder" gorm:"not null"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt" gorm:"index"`
	RenewCount int       `json:"renewCount"`
}

// Counter is a named monotonically-increasing integer, used to mint
// human-readable job ids via atomic get-and-increment.
type Counter struct {
	Name  string `json:"name" gorm:"primaryKey"`
	Value int64  `json:"value"`
}
