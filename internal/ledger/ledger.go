package ledger

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Record is the wire form of a single budget account. Monetary fields are
// integral micro-USD, matching the remote banker's JSON.
type Record struct {
	Name       string `json:"name"`
	Type       string `json:"type,omitempty"`
	Balance    int64  `json:"balance"`
	Rate       int64  `json:"rate"`
	MaxBalance int64  `json:"maxBalance,omitempty"`
	Spent      int64  `json:"spent"`
}

type account struct {
	name    string
	typ     string
	balance decimal.Decimal
	rate    decimal.Decimal
	maxBal  decimal.Decimal
	spent   decimal.Decimal
}

// MicroUSD builds an amount from an integral micro-USD value.
func MicroUSD(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

// Ledger is the in-memory replica of per-account balances and spend rates.
// All access goes through its own lock; no caller holds it across I/O.
type Ledger struct {
	mu          sync.RWMutex
	accounts    map[string]*account
	lastRefresh time.Time
}

func New() *Ledger {
	return &Ledger{
		accounts: make(map[string]*account),
	}
}

func (l *Ledger) Exists(key string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.accounts[key]
	return ok
}

// Add inserts a record if no account with that name exists yet. Returns false
// on an empty name or when the account is already present.
func (l *Ledger) Add(rec Record) bool {
	if rec.Name == "" {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.accounts[rec.Name]; ok {
		return false
	}
	l.accounts[rec.Name] = fromRecord(rec)
	l.lastRefresh = time.Now().UTC()
	return true
}

// Replace overwrites the account with the record's state, inserting it if
// absent. Used for targeted repair after the remote signals a divergence.
func (l *Ledger) Replace(rec Record) bool {
	if rec.Name == "" {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.accounts[rec.Name] = fromRecord(rec)
	l.lastRefresh = time.Now().UTC()
	return true
}

func (l *Ledger) AddFromJSON(body []byte) bool {
	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return false
	}
	return l.Add(rec)
}

func (l *Ledger) ReplaceFromJSON(body []byte) bool {
	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return false
	}
	return l.Replace(rec)
}

// AccumulateBalance tops up an account with newly authorized budget. The
// amount is added to the outstanding balance, never overwriting it. Returns
// the balance after accumulation; zero for an unknown key.
func (l *Ledger) AccumulateBalance(key string, amount decimal.Decimal) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[key]
	if !ok {
		return decimal.Zero
	}
	acct.balance = acct.balance.Add(amount)
	return acct.balance
}

func (l *Ledger) GetBalance(key string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	acct, ok := l.accounts[key]
	if !ok {
		return decimal.Zero
	}
	return acct.balance
}

// Bid reserves bidPrice from the account's balance. Returns false for an
// unknown key or when the remaining balance does not cover the price.
func (l *Ledger) Bid(key string, bidPrice decimal.Decimal) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[key]
	if !ok {
		return false
	}
	if acct.balance.LessThan(bidPrice) {
		return false
	}
	acct.balance = acct.balance.Sub(bidPrice)
	return true
}

// Win accounts a settled win against the account. Spend is recorded even when
// it drives the balance negative; the divergence is corrected by the next
// reconciliation cycle. Returns false only for an unknown key.
func (l *Ledger) Win(key string, winPrice decimal.Decimal) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[key]
	if !ok {
		return false
	}
	acct.balance = acct.balance.Sub(winPrice)
	acct.spent = acct.spent.Add(winPrice)
	return true
}

// SetSpendRate propagates a new rate ceiling into every account.
func (l *Ledger) SetSpendRate(rate decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, acct := range l.accounts {
		acct.rate = rate
	}
}

// Keys returns the account names currently in the ledger, sorted.
func (l *Ledger) Keys() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	keys := make([]string, 0, len(l.accounts))
	for key := range l.accounts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Export snapshots every account as a wire record, sorted by name.
func (l *Ledger) Export() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	records := make([]Record, 0, len(l.accounts))
	for _, acct := range l.accounts {
		records = append(records, acct.toRecord())
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Name < records[j].Name
	})
	return records
}

func (l *Ledger) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.accounts)
}

func (l *Ledger) LastRefresh() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastRefresh
}

func fromRecord(rec Record) *account {
	return &account{
		name:    rec.Name,
		typ:     rec.Type,
		balance: MicroUSD(rec.Balance),
		rate:    MicroUSD(rec.Rate),
		maxBal:  MicroUSD(rec.MaxBalance),
		spent:   MicroUSD(rec.Spent),
	}
}

func (a *account) toRecord() Record {
	return Record{
		Name:       a.name,
		Type:       a.typ,
		Balance:    a.balance.IntPart(),
		Rate:       a.rate.IntPart(),
		MaxBalance: a.maxBal.IntPart(),
		Spent:      a.spent.IntPart(),
	}
}
