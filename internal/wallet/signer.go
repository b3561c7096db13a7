// Package wallet implements the SignerPool (spec §4.1): a fixed set of
// signing keys derived once from an HD mnemonic, leased one at a time per
// key so that no two goroutines can race on the same account's nonce.
package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer is one derived EVM signing key. Modeled after the teacher's
// internal/signer.Signer (precomputed address off a raw ECDSA key), but
// signs ordinary chain transactions instead of EIP-712 typed orders — this
// keeper submits plain contract calls, it never signs off-chain orders.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	index   int
}

func newSigner(key *ecdsa.PrivateKey, index int) (*Signer, error) {
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("wallet: derived key has no ECDSA public key")
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(*pub), index: index}, nil
}

// Address is the account this signer submits transactions from.
func (s *Signer) Address() common.Address { return s.address }

// SignTx signs tx for chainID with the latest signing scheme that chain
// supports; the keepers pass legacy (gasPrice) transactions.
func (s *Signer) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	signer := types.LatestSignerForChainID(chainID)
	return types.SignTx(tx, signer, s.key)
}
