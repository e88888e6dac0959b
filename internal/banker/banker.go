// Package banker keeps a per-process replica of budget accounts eventually
// consistent with the remote banker service. Bid and win admission decisions
// are answered from the local ledger without touching the network; three
// periodic jobs (registration sweep, reauthorization, spend reconciliation)
// exchange state with the remote banker in the background.
package banker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/rtbfoundry/bankerd/internal/ledger"
	"github.com/shopspring/decimal"
)

// Role selects which periodic protocols this instance runs.
type Role string

const (
	// RoleRouter instances reauthorize budgets and gate bids.
	RoleRouter Role = "router"
	// RolePostAuction instances report spend and account wins.
	RolePostAuction Role = "post_auction"
)

func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleRouter:
		return RoleRouter, nil
	case RolePostAuction:
		return RolePostAuction, nil
	}
	return "", fmt.Errorf("unknown banker role %q", s)
}

// accountType is the type tag the remote banker uses to initialize default
// policy for a newly registered account.
func (r Role) accountType() string {
	if r == RolePostAuction {
		return "PostAuction"
	}
	return "Router"
}

// RemoteClient is the transport to the remote banker.
type RemoteClient interface {
	RegisterAccount(ctx context.Context, name, accountType string) ([]byte, error)
	FetchAccount(ctx context.Context, key string) ([]byte, error)
	SpendUpdate(ctx context.Context, records []ledger.Record) ([]byte, error)
	Reauthorize(ctx context.Context, keys []string) ([]byte, error)
	SetRate(ctx context.Context, key string, microUSD int64) error
}

type Config struct {
	// AccountSuffix distinguishes this instance's replicas of a remote
	// account, e.g. ".router". Appended to remote keys as remote + ":" + suffix.
	AccountSuffix string
	// SpendRate is the rate ceiling applied to all local accounts, micro-USD.
	SpendRate decimal.Decimal
	Role      Role

	SweepInterval       time.Duration
	ReauthorizeInterval time.Duration
	SpendUpdateInterval time.Duration

	Debug bool
}

type Banker struct {
	ledger  *ledger.Ledger
	client  RemoteClient
	logger  *slog.Logger
	metrics *Metrics

	role        Role
	suffix      string
	suffixNoDot string

	sweepInterval time.Duration
	reauthEvery   time.Duration
	spendEvery    time.Duration

	// mu guards the pending-registration set. Never held across I/O.
	mu      sync.Mutex
	pending map[string]struct{}

	reauthGuard reconcileGuard
	spendGuard  reconcileGuard

	rateMu    sync.RWMutex
	spendRate decimal.Decimal

	debug atomic.Bool
}

func New(led *ledger.Ledger, client RemoteClient, logger *slog.Logger, metrics *Metrics, cfg Config) *Banker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Banker{
		ledger:        led,
		client:        client,
		logger:        logger,
		metrics:       metrics,
		role:          cfg.Role,
		suffix:        cfg.AccountSuffix,
		suffixNoDot:   MetricSuffix(cfg.AccountSuffix),
		sweepInterval: cfg.SweepInterval,
		reauthEvery:   cfg.ReauthorizeInterval,
		spendEvery:    cfg.SpendUpdateInterval,
		pending:       make(map[string]struct{}),
		spendRate:     cfg.SpendRate,
	}
	b.debug.Store(cfg.Debug)
	return b
}

// MetricSuffix normalizes an account suffix for use inside metric names,
// which must not contain path separators.
func MetricSuffix(suffix string) string {
	return strings.NewReplacer(".", "_", "/", "_", ":", "_").Replace(suffix)
}

func (b *Banker) localKey(remoteKey string) string {
	return remoteKey + ":" + b.suffix
}

func (b *Banker) metricKey(remoteKey string) string {
	return remoteKey + ":" + b.suffixNoDot
}

// Run starts the periodic jobs for this instance's role and returns. The
// jobs stop when ctx is cancelled.
func (b *Banker) Run(ctx context.Context) {
	b.startLoop(ctx, "registration sweep", b.sweepInterval, b.SweepOnce)
	if b.role == RoleRouter {
		b.startLoop(ctx, "reauthorize", b.reauthEvery, b.Reauthorize)
	}
	if b.role == RolePostAuction {
		b.startLoop(ctx, "spend update", b.spendEvery, b.SpendUpdate)
	}
}

func (b *Banker) startLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		b.logger.Warn("periodic job disabled", "job", name)
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// AddAccount registers a remote account key with this banker. The local
// replica key is derived by suffixing. Registration happens asynchronously;
// until it completes, admission checks for the key return false.
func (b *Banker) AddAccount(remoteKey string) {
	key := b.localKey(remoteKey)
	if b.tryEnqueue(key) {
		go b.register(context.Background(), key)
	}
}

// tryEnqueue decides, atomically with the ledger existence check, whether a
// registration attempt should be dispatched for key.
func (b *Banker) tryEnqueue(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ledger.Exists(key) {
		// Removing an absent key is a no-op.
		delete(b.pending, key)
		return false
	}
	if _, outstanding := b.pending[key]; outstanding {
		return false
	}
	b.pending[key] = struct{}{}
	return true
}

func (b *Banker) register(ctx context.Context, key string) {
	b.metrics.recordProtocol(protocolRegistration, resultAttempt)
	start := time.Now()
	body, err := b.client.RegisterAccount(ctx, key, b.role.accountType())
	b.metrics.observeLatency(protocolRegistration, start)

	if err != nil {
		// Key stays pending; the sweep retries it.
		b.metrics.recordProtocol(protocolRegistration, resultFailure)
		b.logger.Error("account registration failed", "account", key, "error", err)
		return
	}

	var rec ledger.Record
	added := false
	if err := json.Unmarshal(body, &rec); err == nil {
		if rec.Name == "" {
			rec.Name = key
		}
		added = b.ledger.Add(rec)
	}

	b.mu.Lock()
	delete(b.pending, key)
	b.mu.Unlock()

	if !added {
		// HTTP 200 but the body did not import. Pending is not re-armed:
		// retrying a malformed-but-successful response would storm forever.
		b.metrics.recordProtocol(protocolRegistration, resultError)
		b.logger.Warn("registration response did not import", "account", key, "body", string(body))
	}
	b.metrics.recordProtocol(protocolRegistration, resultSuccess)
}

// SweepOnce swaps out the pending set and retries registration for every
// member. Runs on the sweep interval; also refreshes the account gauges.
func (b *Banker) SweepOnce(ctx context.Context) {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[string]struct{})
	b.mu.Unlock()

	b.metrics.setGauges(b.ledger.Size(), len(pending))

	for key := range pending {
		if b.tryEnqueue(key) {
			b.register(ctx, key)
		}
	}
}

type reauthEntry struct {
	Name    string `json:"name"`
	Balance int64  `json:"balance"`
	Rate    int64  `json:"rate"`
}

// Reauthorize pushes the set of known account keys to the remote banker and
// accumulates the authorized balances it returns. When the remote reports a
// rate above this instance's ceiling, a rate correction is pushed for that
// account.
func (b *Banker) Reauthorize(ctx context.Context) {
	dispatch, forced, wasBusy := b.reauthGuard.tryBegin()
	if wasBusy {
		b.metrics.recordProtocol(protocolReauthorize, resultInProgress)
	}
	if !dispatch {
		return
	}
	if forced {
		b.metrics.recordProtocol(protocolReauthorize, resultForceRetry)
		b.logger.Warn("reauthorize run still in flight after repeated skips, forcing retry")
	}
	defer b.reauthGuard.finish()

	b.metrics.recordProtocol(protocolReauthorize, resultAttempt)
	keys := b.ledger.Keys()

	start := time.Now()
	body, err := b.client.Reauthorize(ctx, keys)
	b.metrics.observeLatency(protocolReauthorize, start)

	if err != nil {
		b.metrics.recordProtocol(protocolReauthorize, resultFailure)
		b.logger.Error("reauthorize failed", "accounts", len(keys), "error", err)
		return
	}

	var entries []reauthEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		b.metrics.recordProtocol(protocolReauthorize, resultParseError)
		b.logger.Error("reauthorize response unparseable", "error", err, "body", string(body))
		return
	}

	debug := b.debug.Load()
	for _, entry := range entries {
		local := b.localKey(entry.Name)
		if debug {
			b.metrics.recordAccountBalance(b.metricKey(entry.Name), "before", b.ledger.GetBalance(local).IntPart())
			b.metrics.recordAccountBalance(b.metricKey(entry.Name), "authorized", entry.Balance)
		}
		newBalance := b.ledger.AccumulateBalance(local, ledger.MicroUSD(entry.Balance))
		if debug {
			b.metrics.recordAccountBalance(b.metricKey(entry.Name), "after", newBalance.IntPart())
		}
		if ledger.MicroUSD(entry.Rate).GreaterThan(b.SpendRate()) {
			b.pushRate(ctx, entry.Name)
		}
	}
	b.metrics.recordProtocol(protocolReauthorize, resultSuccess)
}

// SpendUpdate pushes every local ledger record to the remote banker. Any
// account whose reported status signals a divergence is repaired in place
// from the remote's authoritative copy.
func (b *Banker) SpendUpdate(ctx context.Context) {
	dispatch, forced, wasBusy := b.spendGuard.tryBegin()
	if wasBusy {
		b.metrics.recordProtocol(protocolSpendUpdate, resultInProgress)
	}
	if !dispatch {
		return
	}
	if forced {
		b.metrics.recordProtocol(protocolSpendUpdate, resultForceRetry)
		b.logger.Warn("spend update run still in flight after repeated skips, forcing retry")
	}
	defer b.spendGuard.finish()

	b.metrics.recordProtocol(protocolSpendUpdate, resultAttempt)
	records := b.ledger.Export()

	start := time.Now()
	body, err := b.client.SpendUpdate(ctx, records)
	b.metrics.observeLatency(protocolSpendUpdate, start)

	if err != nil {
		b.metrics.recordProtocol(protocolSpendUpdate, resultFailure)
		b.logger.Error("spend update failed", "accounts", len(records), "error", err)
		return
	}

	var statuses map[string]string
	if err := json.Unmarshal(body, &statuses); err != nil {
		b.metrics.recordProtocol(protocolSpendUpdate, resultParseError)
		b.logger.Error("spend update response unparseable", "error", err, "body", string(body))
		return
	}

	for key, status := range statuses {
		if status == "no need" || status == "success" {
			continue
		}
		b.logger.Info("account out of sync, repairing", "account", key, "status", status)
		b.RepairAccount(ctx, key)
	}
	b.metrics.recordProtocol(protocolSpendUpdate, resultSuccess)
}

// RepairAccount replaces the local entry for key with the remote banker's
// authoritative record. Used when additive accumulation cannot fix a
// divergence. No retry is scheduled on failure; the next reconciliation
// cycle covers it.
func (b *Banker) RepairAccount(ctx context.Context, key string) {
	b.metrics.recordProtocol(protocolRepair, resultAttempt)
	start := time.Now()
	body, err := b.client.FetchAccount(ctx, key)
	b.metrics.observeLatency(protocolRepair, start)

	if err != nil {
		b.metrics.recordProtocol(protocolRepair, resultFailure)
		b.logger.Error("account repair failed", "account", key, "error", err)
		return
	}

	var rec ledger.Record
	replaced := false
	if err := json.Unmarshal(body, &rec); err == nil {
		if rec.Name == "" {
			rec.Name = key
		}
		replaced = b.ledger.Replace(rec)
	}
	if !replaced {
		b.metrics.recordProtocol(protocolRepair, resultError)
		b.logger.Warn("repair response did not import", "account", key, "body", string(body))
	}
	b.metrics.recordProtocol(protocolRepair, resultSuccess)
}

// pushRate tells the remote banker to cap the account's rate at this
// instance's configured ceiling. Fire-and-forget: only metrics observe the
// outcome.
func (b *Banker) pushRate(ctx context.Context, remoteKey string) {
	b.metrics.recordProtocol(protocolSetRate, resultAttempt)
	start := time.Now()
	err := b.client.SetRate(ctx, remoteKey, b.SpendRate().IntPart())
	b.metrics.observeLatency(protocolSetRate, start)

	if err != nil {
		b.metrics.recordProtocol(protocolSetRate, resultFailure)
		b.logger.Error("rate push failed", "account", remoteKey, "error", err)
		return
	}
	b.metrics.recordProtocol(protocolSetRate, resultSuccess)
}

// Bid checks whether the account can afford bidPrice and reserves it. Always
// answered from the local ledger; never blocks on network state.
func (b *Banker) Bid(remoteKey string, bidPrice decimal.Decimal) bool {
	canBid := b.ledger.Bid(b.localKey(remoteKey), bidPrice)
	b.metrics.recordAdmission("bid", canBid)
	if b.debug.Load() {
		b.metrics.recordAccountAdmission(b.metricKey(remoteKey), "bid", canBid)
	}
	return canBid
}

// Win accounts a settled win against the local ledger. Never blocks on
// network state.
func (b *Banker) Win(remoteKey string, winPrice decimal.Decimal) bool {
	accounted := b.ledger.Win(b.localKey(remoteKey), winPrice)
	b.metrics.recordAdmission("win", accounted)
	if b.debug.Load() {
		b.metrics.recordAccountAdmission(b.metricKey(remoteKey), "win", accounted)
	}
	return accounted
}

// SetSpendRate changes the rate ceiling and propagates it into the ledger.
func (b *Banker) SetSpendRate(rate decimal.Decimal) {
	b.rateMu.Lock()
	b.spendRate = rate
	b.rateMu.Unlock()
	b.ledger.SetSpendRate(rate)
}

func (b *Banker) SpendRate() decimal.Decimal {
	b.rateMu.RLock()
	defer b.rateMu.RUnlock()
	return b.spendRate
}

func (b *Banker) SetDebug(on bool) {
	b.debug.Store(on)
}

// Snapshot exports the full local ledger.
func (b *Banker) Snapshot() []ledger.Record {
	return b.ledger.Export()
}

type GuardStatus struct {
	InFlight     bool `json:"in_flight"`
	SkippedTicks int  `json:"skipped_ticks"`
}

type Status struct {
	Role              Role        `json:"role"`
	Accounts          int         `json:"accounts"`
	PendingAccounts   int         `json:"pending_accounts"`
	SpendRateMicroUSD int64       `json:"spend_rate_micro_usd"`
	Debug             bool        `json:"debug"`
	Reauthorize       GuardStatus `json:"reauthorize"`
	SpendUpdate       GuardStatus `json:"spend_update"`
}

func (b *Banker) Status() Status {
	b.mu.Lock()
	pending := len(b.pending)
	b.mu.Unlock()

	reauthBusy, reauthSkipped := b.reauthGuard.state()
	spendBusy, spendSkipped := b.spendGuard.state()

	return Status{
		Role:              b.role,
		Accounts:          b.ledger.Size(),
		PendingAccounts:   pending,
		SpendRateMicroUSD: b.SpendRate().IntPart(),
		Debug:             b.debug.Load(),
		Reauthorize:       GuardStatus{InFlight: reauthBusy, SkippedTicks: reauthSkipped},
		SpendUpdate:       GuardStatus{InFlight: spendBusy, SkippedTicks: spendSkipped},
	}
}
