package account

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/joncooperworks/custody/crypto"
)

var (
	// ErrAuthenticationNeeded is returned by every signing entry point while the account is locked,
	// and by unlock paths when the user cancels or supplies a wrong password. Callers re-prompt.
	ErrAuthenticationNeeded = errors.New("authentication needed")
	// ErrAddressMismatch is matched by *AddressMismatchError.
	ErrAddressMismatch = errors.New("address mismatch")
	// ErrAccountNotFound is returned for addresses with no stored record.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountExists is returned when creating an account whose address is already stored.
	ErrAccountExists = errors.New("account already exists")
	// ErrInvalidUnlockDuration is returned by Unlock for a non-positive TTL.
	ErrInvalidUnlockDuration = errors.New("unlock duration must be positive")
	// ErrZeroGasPrice is returned by SignTransaction for transactions without a positive gas price.
	ErrZeroGasPrice = errors.New("transaction gas price must be positive")
)

// AddressMismatchError reports key material whose derived address differs from the account's.
type AddressMismatchError struct {
	Expected common.Address
	Derived  common.Address
}

func (e *AddressMismatchError) Error() string {
	return fmt.Sprintf("address mismatch: expected %s, derived %s",
		crypto.NormalizeAddress(e.Expected), crypto.NormalizeAddress(e.Derived))
}

func (e *AddressMismatchError) Is(target error) bool {
	return target == ErrAddressMismatch
}
