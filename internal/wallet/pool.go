package wallet

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"

	"github.com/perpskeeper/keeper/internal/chain"
	"github.com/perpskeeper/keeper/internal/pkg/apperrors"
	"github.com/perpskeeper/keeper/internal/pkg/logger"
	"github.com/perpskeeper/keeper/internal/pkg/metrics"
)

// defaultDerivationPathFormat follows the standard Ethereum BIP-44 path,
// one account per pool slot, the same convention every HD-wallet-backed
// signer (hardware wallets, MetaMask, this keeper) uses.
const defaultDerivationPathFormat = "m/44'/60'/0'/0/%d"

// Pool derives a fixed set of signing keys from a single BIP-39 mnemonic
// and guarantees at most one in-flight transaction per key, while allowing
// full parallelism across keys (spec §4.1). Nonce bookkeeping is optimistic
// and per-address, generalizing the teacher's NonceManager.txNonces map
// from "one address, fetched lazily" to "one address per leased signer".
type Pool struct {
	chainClient chain.ChainClient
	chainID     *big.Int

	signers []*Signer
	idle    chan *Signer // buffered to len(signers); Go serves channel waiters FIFO

	mu     sync.Mutex
	nonces map[common.Address]uint64
	dirty  map[common.Address]bool // needs a re-sync from chain before next use
}

// NewPool derives poolSize signing keys from mnemonic and pre-fills the
// idle set. chainID is used to select the transaction signing scheme.
func NewPool(ctx context.Context, client chain.ChainClient, mnemonic string, poolSize int, chainID *big.Int) (*Pool, error) {
	if poolSize < 1 {
		return nil, fmt.Errorf("wallet: pool size must be >= 1, got %d", poolSize)
	}
	hdw, err := hdwallet.NewFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("wallet: invalid mnemonic: %w", err)
	}

	signers := make([]*Signer, 0, poolSize)
	idle := make(chan *Signer, poolSize)
	for i := 0; i < poolSize; i++ {
		path := hdwallet.MustParseDerivationPath(fmt.Sprintf(defaultDerivationPathFormat, i))
		account, err := hdw.Derive(path, false)
		if err != nil {
			return nil, fmt.Errorf("wallet: derive signer %d: %w", i, err)
		}
		key, err := hdw.PrivateKey(account)
		if err != nil {
			return nil, fmt.Errorf("wallet: extract private key %d: %w", i, err)
		}
		signer, err := newSigner(key, i)
		if err != nil {
			return nil, err
		}
		signers = append(signers, signer)
		idle <- signer
	}

	metrics.SignerPoolSize.Set(float64(poolSize))
	logger.Info("wallet: signer pool ready", "size", poolSize)

	return &Pool{
		chainClient: client,
		chainID:     chainID,
		signers:     signers,
		idle:        idle,
		nonces:      make(map[common.Address]uint64),
		dirty:       make(map[common.Address]bool),
	}, nil
}

// Size returns the number of configured signers (spec §4.1 size()).
func (p *Pool) Size() int { return len(p.signers) }

// Addresses returns every signer's address, used by cmd/keeper's balance
// reporter to poll KeeperSignerEthBalance every 30 seconds.
func (p *Pool) Addresses() []common.Address {
	addrs := make([]common.Address, len(p.signers))
	for i, s := range p.signers {
		addrs[i] = s.Address()
	}
	return addrs
}

// Lease is a signer checked out of the Pool for the duration of a single
// task passed to WithSigner, paired with the nonce to use for that task.
type Lease struct {
	Signer *Signer
	Nonce  uint64
}

// WithSigner leases an idle signer, resolves its next nonce, runs task, and
// releases the lease unconditionally. task's error is propagated; a nil
// error bumps the remembered nonce, any error marks the key dirty so the
// next lease re-syncs from chain (spec §4.1, §3 SignerLease).
//
// asset is a free-form tag attached to logs/metrics only; it never
// influences which signer is chosen (spec §4.1).
func (p *Pool) WithSigner(ctx context.Context, asset string, task func(ctx context.Context, lease Lease) error) error {
	var signer *Signer
	select {
	case signer = <-p.idle:
	case <-ctx.Done():
		return apperrors.New(apperrors.ErrPoolExhausted, "no signer became idle before deadline", ctx.Err())
	}
	defer func() { p.idle <- signer }()

	nonce, err := p.nonceFor(ctx, signer.Address())
	if err != nil {
		return fmt.Errorf("wallet: resolve nonce for %s: %w", signer.Address(), err)
	}

	logger.Debug("wallet: signer leased", "signer", signer.Address(), "nonce", nonce, "asset", asset)
	err = task(ctx, Lease{Signer: signer, Nonce: nonce})
	if err != nil {
		p.markDirty(signer.Address())
		return err
	}
	p.bumpNonce(signer.Address(), nonce)
	return nil
}

func (p *Pool) nonceFor(ctx context.Context, addr common.Address) (uint64, error) {
	p.mu.Lock()
	nonce, cached := p.nonces[addr]
	dirty := p.dirty[addr]
	p.mu.Unlock()

	if cached && !dirty {
		return nonce, nil
	}

	fetched, err := p.chainClient.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	p.nonces[addr] = fetched
	delete(p.dirty, addr)
	p.mu.Unlock()
	return fetched, nil
}

func (p *Pool) bumpNonce(addr common.Address, used uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nonces[addr] == used {
		p.nonces[addr] = used + 1
	}
}

func (p *Pool) markDirty(addr common.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dirty[addr] = true
}

// SignTx signs tx with the leased signer using the pool's chain ID.
func (l Lease) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return l.Signer.SignTx(chainID, tx)
}

// ChainID exposes the pool's configured chain ID for callers building
// transactions from a Lease.
func (p *Pool) ChainID() *big.Int { return p.chainID }
