// Package mirror keeps the local ledger in sync with on-chain deposit
// accounts. It discovers deposit accounts owned by the program, polls their
// balances, subscribes to account change notifications over websocket, and
// reconciles every observed on-chain balance into the ledger.
//
// The mirror is strictly best-effort: RPC and websocket failures are logged
// and retried with backoff, never surfaced to callers. The chain is the
// source of truth for deposits; the ledger owns debits.
package mirror

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/chris-gilbert/Level5/ledger"
)

const (
	// PollInterval is the steady-state delay between balance polls.
	PollInterval = 5 * time.Second
	// MaxBackoff caps both the poll and the websocket retry delays.
	MaxBackoff = 60 * time.Second

	// Re-run full program account discovery every Nth poll tick.
	rediscoverEvery = 6

	discoverTimeout = 30 * time.Second
	pollTimeout     = 10 * time.Second
	wsIdleTimeout   = 60 * time.Second
)

var (
	watchedAccountsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sovereign_mirror_watched_accounts",
		Help: "Number of on-chain deposit accounts currently watched.",
	})
	syncsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sovereign_mirror_syncs_total",
		Help: "Ledger adjustments applied from on-chain state.",
	})
	rpcErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sovereign_mirror_rpc_errors_total",
		Help: "Solana RPC failures during discovery or polling.",
	})
	wsErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sovereign_mirror_ws_errors_total",
		Help: "Websocket connection or subscription failures.",
	})
)

// LedgerStore is the slice of the ledger the mirror needs.
type LedgerStore interface {
	GetBalance(pubkey, mint string) (int64, error)
	UpdateBalance(pubkey, mint string, delta int64, txType, usageJSON string) error
	ActivateToken(depositCode, pubkey string) (string, error)
}

// Mirror reconciles on-chain deposit accounts into the ledger.
type Mirror struct {
	client    *rpc.Client
	wsURL     string
	programID solana.PublicKey
	store     LedgerStore
	log       *zap.Logger

	mu      sync.Mutex
	watched map[string]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a mirror over the given RPC endpoints. programID is the base58
// address of the deposit program whose accounts are mirrored.
func New(rpcURL, wsURL, programID string, store LedgerStore, log *zap.Logger) (*Mirror, error) {
	pk, err := solana.PublicKeyFromBase58(programID)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid program id %q", programID)
	}
	return &Mirror{
		client:    rpc.New(rpcURL),
		wsURL:     wsURL,
		programID: pk,
		store:     store,
		log:       log.With(zap.String("component", "mirror")),
	}, nil
}

// Start launches the discovery, polling, and websocket workers. It returns
// after the initial discovery attempt; discovery failure is logged, not fatal
// (the poll loop retries it).
func (m *Mirror) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	if err := m.discoverAccounts(ctx); err != nil {
		m.log.Warn("initial account discovery failed", zap.Error(err))
	}

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.pollLoop(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.wsLoop(ctx)
	}()
}

// Stop cancels the workers and waits for them to exit.
func (m *Mirror) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// RegisterAccount adds an on-chain account address to the watched set. The
// poll loop picks it up on its next tick; websocket coverage follows on the
// next reconnect.
func (m *Mirror) RegisterAccount(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watched[address]; ok {
		return
	}
	if m.watched == nil {
		m.watched = make(map[string]struct{})
	}
	m.watched[address] = struct{}{}
	watchedAccountsGauge.Set(float64(len(m.watched)))
}

func (m *Mirror) watchedAccounts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	accounts := make([]string, 0, len(m.watched))
	for addr := range m.watched {
		accounts = append(accounts, addr)
	}
	return accounts
}

// discoverAccounts lists every account owned by the deposit program, adds the
// valid ones to the watched set, and reconciles their balances.
func (m *Mirror) discoverAccounts(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()

	result, err := m.client.GetProgramAccountsWithOpts(ctx, m.programID, &rpc.GetProgramAccountsOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		rpcErrors.Inc()
		return errors.Wrap(err, "getProgramAccounts failed")
	}

	for _, keyed := range result {
		acct := ParseDepositAccount(keyed.Account.Data.GetBinary())
		if acct == nil {
			continue
		}
		m.RegisterAccount(keyed.Pubkey.String())
		m.SyncBalance(acct.Owner, acct.Mint, acct.Balance, acct.DepositCode)
	}
	m.log.Info("account discovery complete", zap.Int("watched", len(m.watchedAccounts())))
	return nil
}

// pollLoop re-reads every watched account on a fixed interval, with
// exponential backoff while the RPC endpoint is failing. Every few ticks it
// re-runs full discovery to pick up accounts created since startup.
func (m *Mirror) pollLoop(ctx context.Context) {
	interval := PollInterval
	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		tick++

		var err error
		if tick%rediscoverEvery == 0 {
			err = m.discoverAccounts(ctx)
		}
		if err == nil {
			err = m.pollAll(ctx)
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			interval *= 2
			if interval > MaxBackoff {
				interval = MaxBackoff
			}
			m.log.Warn("poll failed, backing off",
				zap.Duration("retry_in", interval), zap.Error(err))
			continue
		}
		interval = PollInterval
	}
}

func (m *Mirror) pollAll(ctx context.Context) error {
	var lastErr error
	for _, addr := range m.watchedAccounts() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := m.pollAccount(ctx, addr); err != nil {
			rpcErrors.Inc()
			m.log.Warn("account poll failed", zap.String("account", addr), zap.Error(err))
			lastErr = err
		}
	}
	return lastErr
}

func (m *Mirror) pollAccount(ctx context.Context, address string) error {
	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return errors.Wrapf(err, "invalid account address %q", address)
	}

	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	result, err := m.client.GetAccountInfoWithOpts(ctx, pk, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return errors.Wrap(err, "getAccountInfo failed")
	}
	if result.Value == nil {
		// Account closed on chain; keep watching in case it reappears.
		return nil
	}

	if acct := ParseDepositAccount(result.Value.Data.GetBinary()); acct != nil {
		m.SyncBalance(acct.Owner, acct.Mint, acct.Balance, acct.DepositCode)
	}
	return nil
}

// wsLoop maintains a websocket connection with per-account subscriptions,
// reconnecting with exponential backoff when the connection drops.
func (m *Mirror) wsLoop(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		connected, err := m.wsSubscribe(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = time.Second
		}
		if err != nil {
			wsErrors.Inc()
			m.log.Warn("websocket session ended, reconnecting",
				zap.Duration("retry_in", backoff), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > MaxBackoff {
			backoff = MaxBackoff
		}
	}
}

// wsSubscribe connects and subscribes to every watched account, then blocks
// until the subscriptions die or ctx is canceled. connected reports whether
// the dial itself succeeded (resets the caller's backoff).
func (m *Mirror) wsSubscribe(ctx context.Context) (connected bool, err error) {
	client, err := ws.Connect(ctx, m.wsURL)
	if err != nil {
		return false, errors.Wrap(err, "websocket connect failed")
	}
	defer client.Close()

	accounts := m.watchedAccounts()
	var wg sync.WaitGroup
	active := 0
	for _, addr := range accounts {
		pk, perr := solana.PublicKeyFromBase58(addr)
		if perr != nil {
			m.log.Warn("skipping unparseable account address", zap.String("account", addr))
			continue
		}
		sub, serr := client.AccountSubscribeWithOpts(pk, rpc.CommitmentConfirmed, solana.EncodingBase64)
		if serr != nil {
			wsErrors.Inc()
			m.log.Warn("account subscribe failed", zap.String("account", addr), zap.Error(serr))
			continue
		}
		active++
		wg.Add(1)
		go func(addr string, sub *ws.AccountSubscription) {
			defer wg.Done()
			defer sub.Unsubscribe()
			m.recvLoop(ctx, addr, sub)
		}(addr, sub)
	}

	if active == 0 {
		// Nothing to subscribe to yet; retry once accounts show up.
		select {
		case <-ctx.Done():
		case <-time.After(PollInterval):
		}
		return true, nil
	}

	wg.Wait()
	if ctx.Err() != nil {
		return true, nil
	}
	return true, errors.New("all account subscriptions closed")
}

func (m *Mirror) recvLoop(ctx context.Context, address string, sub *ws.AccountSubscription) {
	for {
		rctx, cancel := context.WithTimeout(ctx, wsIdleTimeout)
		result, err := sub.Recv(rctx)
		cancel()
		if err != nil {
			// An idle deadline expiry just means no account activity; the
			// subscription itself is still healthy.
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				continue
			}
			if ctx.Err() == nil {
				m.log.Warn("subscription receive failed",
					zap.String("account", address), zap.Error(err))
			}
			return
		}
		if result == nil || result.Value.Data == nil {
			continue
		}
		if acct := ParseDepositAccount(result.Value.Data.GetBinary()); acct != nil {
			m.SyncBalance(acct.Owner, acct.Mint, acct.Balance, acct.DepositCode)
		}
	}
}

type syncSnapshot struct {
	OnChainBalance     int64     `json:"on_chain_balance"`
	LocalBalanceBefore int64     `json:"local_balance_before"`
	SyncedAt           time.Time `json:"synced_at"`
}

// SyncBalance reconciles one observed on-chain balance into the ledger.
// An increase is recorded as MIRROR_DEPOSIT, a decrease as MIRROR_CORRECTION;
// a matching balance is a no-op. The first deposit into a fresh account also
// activates the API token whose deposit code is embedded in the account.
// Errors are logged, never returned: the next observation retries naturally.
func (m *Mirror) SyncBalance(owner, mint string, onChain int64, depositCode string) {
	current, err := m.store.GetBalance(owner, mint)
	if err != nil {
		m.log.Error("failed to read local balance",
			zap.String("owner", owner), zap.String("mint", mint), zap.Error(err))
		return
	}

	delta := onChain - current
	if delta == 0 {
		return
	}

	if delta > 0 && current == 0 && depositCode != "" {
		apiToken, err := m.store.ActivateToken(depositCode, owner)
		if err != nil {
			m.log.Error("token activation failed",
				zap.String("deposit_code", depositCode), zap.Error(err))
		} else if apiToken != "" {
			m.log.Info("api token activated by first deposit",
				zap.String("owner", owner),
				zap.String("deposit_code", depositCode))
		}
	}

	txType := ledger.TxMirrorDeposit
	if delta < 0 {
		txType = ledger.TxMirrorCorrection
	}

	snapshot, _ := json.Marshal(syncSnapshot{
		OnChainBalance:     onChain,
		LocalBalanceBefore: current,
		SyncedAt:           time.Now().UTC(),
	})
	if err := m.store.UpdateBalance(owner, mint, delta, txType, string(snapshot)); err != nil {
		m.log.Error("failed to apply balance sync",
			zap.String("owner", owner), zap.String("mint", mint),
			zap.Int64("delta", delta), zap.Error(err))
		return
	}
	syncsApplied.Inc()
	m.log.Info("balance synced",
		zap.String("owner", owner),
		zap.String("mint", mint),
		zap.Int64("on_chain", onChain),
		zap.Int64("delta", delta),
		zap.String("type", txType))
}
