package ledger

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/batchex/pkg/app/core/asset"
	"github.com/uhyunpark/batchex/pkg/app/core/batch"
	"github.com/uhyunpark/batchex/pkg/num"
)

// Key identifies one balance record.
type Key struct {
	Owner common.Address
	Asset asset.ID
}

// Flux is a deposit or withdrawal waiting for its batch to pass.
type Flux struct {
	Amount  *num.Uint `json:"amount"`
	BatchID batch.ID  `json:"batchId"`
}

// maturedBy reports whether the flux counts once batch asOf is running.
func (f Flux) maturedBy(asOf batch.ID) bool {
	return f.Amount != nil && !f.Amount.IsZero() && f.BatchID < asOf
}

func (f Flux) amount() *num.Uint {
	if f.Amount == nil {
		return num.Zero()
	}
	return f.Amount
}

func (f Flux) clone() Flux {
	if f.Amount == nil {
		return Flux{BatchID: f.BatchID}
	}
	return Flux{Amount: f.Amount.Clone(), BatchID: f.BatchID}
}

// Balance is the per (owner, asset) record. Records are created lazily and never removed.
type Balance struct {
	Stored            *num.Uint `json:"stored"`
	PendingDeposit    Flux      `json:"pendingDeposit"`
	PendingWithdraw   Flux      `json:"pendingWithdraw"`
	LastCreditBatchID batch.ID  `json:"lastCreditBatchId"`
}

func newBalance() *Balance {
	return &Balance{Stored: num.Zero()}
}

func (b *Balance) clone() *Balance {
	return &Balance{
		Stored:            b.Stored.Clone(),
		PendingDeposit:    b.PendingDeposit.clone(),
		PendingWithdraw:   b.PendingWithdraw.clone(),
		LastCreditBatchID: b.LastCreditBatchID,
	}
}

// matureDeposit folds a pending deposit from an earlier batch into Stored.
func (b *Balance) matureDeposit(current batch.ID) {
	if b.PendingDeposit.maturedBy(current) {
		b.Stored = num.Zero().Add(b.Stored, b.PendingDeposit.Amount)
		b.PendingDeposit = Flux{}
	}
}

// At returns the effective balance as seen while batch asOf is running:
// matured deposits are added, matured withdraw requests reserved, never below zero.
func (b *Balance) At(asOf batch.ID) *num.Uint {
	bal := b.Stored.Clone()
	if b.PendingDeposit.maturedBy(asOf) {
		bal.Add(bal, b.PendingDeposit.Amount)
	}
	if b.PendingWithdraw.maturedBy(asOf) {
		bal.Sub(bal, num.Min(b.PendingWithdraw.Amount, bal))
	}
	return bal
}
