package crypto

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ErrSignatureMismatch is returned when a valid signature was made by a different address.
var ErrSignatureMismatch = errors.New("signature does not match address")

// RecoverMessageSigner returns the address that signed msg as an EIP-191 personal
// message. V may be 0/1 or 27/28.
func RecoverMessageSigner(msg, sig []byte) (common.Address, error) {
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(sig))
	}
	s := make([]byte, len(sig))
	copy(s, sig)
	if s[ethcrypto.RecoveryIDOffset] >= 27 {
		s[ethcrypto.RecoveryIDOffset] -= 27
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(msg), s)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// VerifyMessage checks that addr signed msg.
func VerifyMessage(addr common.Address, msg, sig []byte) error {
	signer, err := RecoverMessageSigner(msg, sig)
	if err != nil {
		return err
	}
	if signer != addr {
		return fmt.Errorf("%w: signed by %s", ErrSignatureMismatch, NormalizeAddress(signer))
	}
	return nil
}
