// Package registry lists the assets the exchange trades and assigns each a
// small sequential id.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/batchex/pkg/app/core/asset"
	"github.com/uhyunpark/batchex/pkg/app/core/ledger"
	"github.com/uhyunpark/batchex/pkg/num"
	"github.com/uhyunpark/batchex/pkg/util"
)

var (
	ErrAlreadyRegistered = errors.New("asset already registered")
	ErrCapacityExceeded  = errors.New("asset capacity exceeded")
	ErrInsufficientFee   = errors.New("listing fee could not be paid")
	ErrUnknownAsset      = errors.New("asset not registered")
)

// Token is one listing.
type Token struct {
	ID  asset.ID  `json:"id"`
	Ref asset.Ref `json:"ref"`
}

// Writer is one atomic write carrying a listing and its fee burn.
type Writer interface {
	ledger.Store
	SaveToken(t Token) error
	Commit() error
	Close() error
}

// Store persists listings.
type Store interface {
	NewBatch() Writer
}

type nopStore struct{}

func (nopStore) NewBatch() Writer { return nopWriter{} }

type nopWriter struct{}

func (nopWriter) SaveBalance(ledger.Key, *ledger.Balance) error { return nil }
func (nopWriter) SaveToken(Token) error                         { return nil }
func (nopWriter) Commit() error                                 { return nil }
func (nopWriter) Close() error                                  { return nil }

// Registry is a bijection between asset ids and external references.
// Ids are assigned 0, 1, 2, ... and never reused.
type Registry struct {
	mu    sync.RWMutex
	write sync.Mutex // serializes Register
	refs  []asset.Ref
	ids   map[asset.Ref]asset.ID
	max   int
	fee   *num.Uint
	store Store
	log   *zap.SugaredLogger
}

// New creates a registry with feeToken installed as asset 0.
// maxAssets bounds the number of listings including the fee asset.
func New(feeToken asset.Ref, maxAssets int, listingFee *num.Uint, store Store, log *zap.SugaredLogger) *Registry {
	if store == nil {
		store = nopStore{}
	}
	if log == nil {
		log = util.NopSugar()
	}
	return &Registry{
		refs:  []asset.Ref{feeToken},
		ids:   map[asset.Ref]asset.ID{feeToken: asset.FeeID},
		max:   maxAssets,
		fee:   listingFee.Clone(),
		store: store,
		log:   log,
	}
}

// ListingFee returns the amount of asset 0 burnt by Register.
func (r *Registry) ListingFee() *num.Uint { return r.fee.Clone() }

// Stage validates ref for listing and returns the token it would become.
// Nothing changes until Install.
func (r *Registry) Stage(ref asset.Ref) (Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, exists := r.ids[ref]; exists {
		return Token{}, fmt.Errorf("%w: %s", ErrAlreadyRegistered, ref.Hex())
	}
	if len(r.refs) >= r.max {
		return Token{}, fmt.Errorf("%w: %d assets", ErrCapacityExceeded, len(r.refs))
	}
	return Token{ID: asset.ID(len(r.refs)), Ref: ref}, nil
}

// Install adds a staged token. It fails if another listing got there first.
func (r *Registry) Install(t Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ids[t.Ref]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, t.Ref.Hex())
	}
	if int(t.ID) != len(r.refs) {
		return fmt.Errorf("token %s staged as id %d, next id is %d", t.Ref.Hex(), t.ID, len(r.refs))
	}
	r.refs = append(r.refs, t.Ref)
	r.ids[t.Ref] = t.ID
	r.log.Infow("token_listed", "id", t.ID, "ref", t.Ref.Hex())
	return nil
}

// Register lists ref and burns the listing fee from caller's balance in l.
// The listing and the burn are written together; on failure neither the
// ledger nor the registry changes. Callers serialize it with other ledger writers.
func (r *Registry) Register(caller common.Address, ref asset.Ref, l *ledger.Ledger) (asset.ID, error) {
	r.write.Lock()
	defer r.write.Unlock()

	t, err := r.Stage(ref)
	if err != nil {
		return 0, err
	}
	tx := l.Begin()
	if !r.fee.IsZero() {
		if err := tx.Burn(caller, asset.FeeID, r.fee); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInsufficientFee, err)
		}
	}

	w := r.store.NewBatch()
	defer w.Close()
	if err := tx.Flush(w); err != nil {
		return 0, err
	}
	if err := w.SaveToken(t); err != nil {
		return 0, fmt.Errorf("save token %s: %w", ref.Hex(), err)
	}
	if err := w.Commit(); err != nil {
		return 0, fmt.Errorf("commit listing %s: %w", ref.Hex(), err)
	}
	tx.Apply()
	if err := r.Install(t); err != nil {
		return 0, err
	}
	return t.ID, nil
}

// Restore installs a persisted listing at startup. Tokens must arrive in id order.
func (r *Registry) Restore(t Token) error {
	if t.ID == asset.FeeID {
		r.mu.RLock()
		defer r.mu.RUnlock()
		if r.refs[0] != t.Ref {
			return fmt.Errorf("stored fee token %s differs from configured %s", t.Ref.Hex(), r.refs[0].Hex())
		}
		return nil
	}
	return r.Install(t)
}

func (r *Registry) ID(ref asset.Ref) (asset.ID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.ids[ref]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAsset, ref.Hex())
	}
	return id, nil
}

func (r *Registry) Ref(id asset.ID) (asset.Ref, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.refs) {
		return asset.Ref{}, fmt.Errorf("%w: id %d", ErrUnknownAsset, id)
	}
	return r.refs[id], nil
}

// Has reports whether id is listed.
func (r *Registry) Has(id asset.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int(id) < len(r.refs)
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.refs)
}

// List returns all tokens in id order.
func (r *Registry) List() []Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Token, len(r.refs))
	for i, ref := range r.refs {
		out[i] = Token{ID: asset.ID(i), Ref: ref}
	}
	return out
}

// FeeToken is the reference of asset 0.
func (r *Registry) FeeToken() asset.Ref {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refs[0]
}
