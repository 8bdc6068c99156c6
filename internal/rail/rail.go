// Package rail abstracts the value-transfer rail that moves settlement
// tokens between accounts. The engine always names the exact amount and
// relies on the rail for balance accounting and authorization.
package rail

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInsufficientFunds is returned when the source balance is too low.
	ErrInsufficientFunds = errors.New("rail: insufficient funds")

	// ErrUnauthorized is returned when the authority does not own the source.
	ErrUnauthorized = errors.New("rail: authority does not control source account")

	// ErrInvalidAccount is returned for empty or identical accounts.
	ErrInvalidAccount = errors.New("rail: invalid account")
)

// Transfer describes one exact-amount movement of funds.
type Transfer struct {
	From      string
	To        string
	Authority string
	Amount    uint64
}

// Receipt acknowledges a completed transfer.
type Receipt struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Amount    uint64    `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// Rail moves funds all-or-nothing.
type Rail interface {
	// OpenAccount registers account under authority. Reopening with the
	// same authority is a no-op; a different authority fails with
	// ErrUnauthorized.
	OpenAccount(ctx context.Context, account, authority string) error

	Transfer(ctx context.Context, t Transfer) (Receipt, error)
}

// MemoryRail implements Rail with in-memory balances. Accounts are owned
// by themselves unless SetOwner assigns another authority.
type MemoryRail struct {
	mu       sync.Mutex
	balances map[string]uint64
	owners   map[string]string
	receipts []Receipt
	decimals int32
}

// NewMemoryRail creates an empty rail whose token has the given decimals.
func NewMemoryRail(decimals int32) *MemoryRail {
	return &MemoryRail{
		balances: make(map[string]uint64),
		owners:   make(map[string]string),
		decimals: decimals,
	}
}

// Decimals returns the token's decimal places.
func (r *MemoryRail) Decimals() int32 {
	return r.decimals
}

// Deposit credits an account out of thin air. Used to fund participants.
func (r *MemoryRail) Deposit(account string, amount uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[account] += amount
}

// SetOwner makes authority the only signer allowed to debit account.
func (r *MemoryRail) SetOwner(account, authority string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[account] = authority
}

func (r *MemoryRail) OpenAccount(_ context.Context, account, authority string) error {
	if account == "" || authority == "" {
		return fmt.Errorf("%w: %q", ErrInvalidAccount, account)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.owners[account]; ok && o != authority {
		return fmt.Errorf("%w: %s is owned by %s", ErrUnauthorized, account, o)
	}
	r.owners[account] = authority
	return nil
}

// Balance returns an account's balance.
func (r *MemoryRail) Balance(account string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balances[account]
}

// Receipts returns a copy of all receipts in execution order.
func (r *MemoryRail) Receipts() []Receipt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Receipt(nil), r.receipts...)
}

func (r *MemoryRail) Transfer(_ context.Context, t Transfer) (Receipt, error) {
	if t.From == "" || t.To == "" || t.From == t.To {
		return Receipt{}, fmt.Errorf("%w: %q -> %q", ErrInvalidAccount, t.From, t.To)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	owner := t.From
	if o, ok := r.owners[t.From]; ok {
		owner = o
	}
	if t.Authority != owner {
		return Receipt{}, fmt.Errorf("%w: %s", ErrUnauthorized, t.From)
	}
	if r.balances[t.From] < t.Amount {
		return Receipt{}, fmt.Errorf("%w: %s has %d, need %d",
			ErrInsufficientFunds, t.From, r.balances[t.From], t.Amount)
	}

	r.balances[t.From] -= t.Amount
	r.balances[t.To] += t.Amount

	rc := Receipt{
		ID:        uuid.New().String(),
		From:      t.From,
		To:        t.To,
		Amount:    t.Amount,
		Timestamp: time.Now().UTC(),
	}
	r.receipts = append(r.receipts, rc)
	return rc, nil
}
