package state

import (
	"sync"

	"trade-agent-go/internal/models"

	"github.com/shopspring/decimal"
)

// DailyStats aggregates the trading results of the current day.
type DailyStats struct {
	Trades  int             `json:"trades"`
	Profit  decimal.Decimal `json:"profit"`
	Loss    decimal.Decimal `json:"loss"`
	GasUsed decimal.Decimal `json:"gas_used"`
}

// ProcessState is the observable trading state of the process.
type ProcessState struct {
	Executions       []models.ExecutionRecord `json:"executions"` // newest first
	DailyStats       DailyStats               `json:"daily_stats"`
	WalletBalance    decimal.Decimal          `json:"wallet_balance"`
	ActiveStrategies map[string]bool          `json:"active_strategies"`
	IsLive           bool                     `json:"is_live"`
}

// clone returns a deep copy of s.
func (s ProcessState) clone() ProcessState {
	c := s
	c.Executions = make([]models.ExecutionRecord, len(s.Executions))
	for i, rec := range s.Executions {
		c.Executions[i] = rec.Clone()
	}
	c.ActiveStrategies = make(map[string]bool, len(s.ActiveStrategies))
	for k, v := range s.ActiveStrategies {
		c.ActiveStrategies[k] = v
	}
	return c
}

// Patch is a partial state update. Nil fields are left untouched;
// ActiveStrategies entries are merged key by key.
type Patch struct {
	Executions       []models.ExecutionRecord
	DailyStats       *DailyStats
	WalletBalance    *decimal.Decimal
	ActiveStrategies map[string]bool
	IsLive           *bool
}

// Listener receives a snapshot of the state after every change. The snapshot
// shares memory with the broadcaster and must be treated as read-only; GetState
// returns a private copy.
type Listener func(ProcessState)

type subscription struct {
	id       uint64
	listener Listener
}

// history holds the executions newest first. Prepending writes in front of
// every slice handed out so far, so published views never change.
type history struct {
	buf  []models.ExecutionRecord
	head int
}

func (h *history) prepend(rec models.ExecutionRecord) {
	if h.head == 0 {
		n := len(h.buf)
		spare := max(16, n)
		buf := make([]models.ExecutionRecord, spare+n)
		copy(buf[spare:], h.buf)
		h.buf, h.head = buf, spare
	}
	h.head--
	h.buf[h.head] = rec
}

func (h *history) replace(recs []models.ExecutionRecord) {
	h.buf = make([]models.ExecutionRecord, len(recs))
	for i, rec := range recs {
		h.buf[i] = rec.Clone()
	}
	h.head = 0
}

func (h *history) view() []models.ExecutionRecord {
	return h.buf[h.head:len(h.buf):len(h.buf)]
}

// Broadcaster owns the ProcessState and fans every change out to its subscribers.
//
// Listeners run synchronously on the mutating goroutine, in subscription order.
// Fan-outs are serialized: a listener is never called concurrently with itself
// and sees snapshots in mutation order. Listeners may read state and
// unsubscribe but must not mutate the broadcaster.
type Broadcaster struct {
	notifyMu sync.Mutex // held from a mutation until its last listener returns

	mu      sync.Mutex // guards the fields below
	state   ProcessState
	history history
	subs    []subscription
	nextID  uint64
}

// NewBroadcaster creates a broadcaster holding an empty state.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		state: ProcessState{ActiveStrategies: make(map[string]bool)},
	}
}

// Subscribe registers l, calls it once with the current state and returns a
// function that removes it. No change is delivered to l before that first call.
func (b *Broadcaster) Subscribe(l Listener) (unsubscribe func()) {
	b.notifyMu.Lock()
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, listener: l})
	snapshot := b.state
	b.mu.Unlock()

	l(snapshot)
	b.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// GetState returns a copy of the current state.
func (b *Broadcaster) GetState() ProcessState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.clone()
}

// UpdateState applies p and notifies subscribers.
func (b *Broadcaster) UpdateState(p Patch) {
	b.mutate(func(s *ProcessState) {
		if p.Executions != nil {
			b.history.replace(p.Executions)
		}
		if p.DailyStats != nil {
			s.DailyStats = *p.DailyStats
		}
		if p.WalletBalance != nil {
			s.WalletBalance = *p.WalletBalance
		}
		if len(p.ActiveStrategies) > 0 {
			s.ActiveStrategies = withStatuses(s.ActiveStrategies, p.ActiveStrategies)
		}
		if p.IsLive != nil {
			s.IsLive = *p.IsLive
		}
	})
}

// AddExecution prepends rec to the execution history. History is never truncated.
func (b *Broadcaster) AddExecution(rec models.ExecutionRecord) {
	b.mutate(func(*ProcessState) { b.history.prepend(rec.Clone()) })
}

// SetDailyStats replaces the daily statistics.
func (b *Broadcaster) SetDailyStats(stats DailyStats) {
	b.mutate(func(s *ProcessState) { s.DailyStats = stats })
}

// SetWalletBalance replaces the wallet balance.
func (b *Broadcaster) SetWalletBalance(balance decimal.Decimal) {
	b.mutate(func(s *ProcessState) { s.WalletBalance = balance })
}

// SetStrategyStatus records whether strategyID is active.
func (b *Broadcaster) SetStrategyStatus(strategyID string, active bool) {
	b.mutate(func(s *ProcessState) {
		s.ActiveStrategies = withStatuses(s.ActiveStrategies, map[string]bool{strategyID: active})
	})
}

// SetBotLiveStatus records whether the scheduler is running.
func (b *Broadcaster) SetBotLiveStatus(live bool) {
	b.mutate(func(s *ProcessState) { s.IsLive = live })
}

// mutate applies fn and notifies every subscriber with the resulting state.
// The executions and strategy map in b.state are never written in place, so
// the snapshot can be shared with listeners without copying.
func (b *Broadcaster) mutate(fn func(*ProcessState)) {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()

	b.mu.Lock()
	fn(&b.state)
	b.state.Executions = b.history.view()
	snapshot := b.state
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		s.listener(snapshot)
	}
}

// withStatuses returns a copy of current with updates applied.
func withStatuses(current, updates map[string]bool) map[string]bool {
	out := make(map[string]bool, len(current)+len(updates))
	for k, v := range current {
		out[k] = v
	}
	for k, v := range updates {
		out[k] = v
	}
	return out
}
