// internal/domain/address.go
package domain

import "time"

// PaymentAddress is a one-time receiving address. It moves from unused to
// used exactly once and is never reassigned.
type PaymentAddress struct {
	ID                  int64
	Address             string
	CurrencyID          int64
	Network             Network
	PublicKey           string
	EncryptedPrivateKey string
	EncryptionVersion   string
	Used                bool
	CreatedAt           time.Time
	UsedAt              *time.Time
}
