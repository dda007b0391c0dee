package store

import "errors"

// ErrBalanceConflict is returned when a balance update would leave a wallet
// with a negative balance.
var ErrBalanceConflict = errors.New("balance would go negative")
