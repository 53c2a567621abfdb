package patterns

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/balancewatch/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultMatchWindow = 5 * time.Minute
	timeWeight         = 0.4
	amountWeight       = 0.6
)

// DefaultMatchTolerance is the relative amount difference the matcher accepts (2%).
var DefaultMatchTolerance = decimal.NewFromFloat(0.02)

// MatcherConfig tunes the SwapMatcher.
type MatcherConfig struct {
	Window          time.Duration
	AmountTolerance decimal.Decimal
	OutCurrency     string
	InCurrency      string
	Strategy        Strategy
}

// DefaultMatcherConfig matches USDT going out against USDC coming in.
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		Window:          DefaultMatchWindow,
		AmountTolerance: DefaultMatchTolerance,
		OutCurrency:     "USDT",
		InCurrency:      "USDC",
		Strategy:        StrategyGreedy,
	}
}

// SwapMatcher pairs each outgoing event with the single incoming event that best explains it.
// It holds no state between calls.
type SwapMatcher struct {
	l   *zap.Logger
	cfg MatcherConfig
}

func NewSwapMatcher(l *zap.Logger, cfg MatcherConfig) *SwapMatcher {
	def := DefaultMatcherConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	// a tolerance of 100% or more would score every accepted pair at zero
	if !cfg.AmountTolerance.IsPositive() || cfg.AmountTolerance.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		cfg.AmountTolerance = def.AmountTolerance
	}
	if cfg.OutCurrency == "" {
		cfg.OutCurrency = def.OutCurrency
	}
	if cfg.InCurrency == "" {
		cfg.InCurrency = def.InCurrency
	}
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	cfg.OutCurrency = strings.ToUpper(cfg.OutCurrency)
	cfg.InCurrency = strings.ToUpper(cfg.InCurrency)

	return &SwapMatcher{l: l, cfg: cfg}
}

// Currencies returns the outgoing and incoming currency.
func (m *SwapMatcher) Currencies() (string, string) {
	return m.cfg.OutCurrency, m.cfg.InCurrency
}

// Partition splits events into outgoing (out currency, negative) and incoming
// (in currency, positive), both sorted chronologically.
func (m *SwapMatcher) Partition(events []domain.Event) (out, in []domain.Event) {
	for _, e := range events {
		cur := strings.ToUpper(e.Currency)
		switch {
		case cur == m.cfg.OutCurrency && e.Amount.IsNegative():
			out = append(out, e)
		case cur == m.cfg.InCurrency && e.Amount.IsPositive():
			in = append(in, e)
		}
	}
	sortEvents(out)
	sortEvents(in)
	return out, in
}

// FindMatches returns at most one match per outgoing event. Events that do not
// belong to the configured out/in side are ignored. Unmatched outgoing events are omitted.
func (m *SwapMatcher) FindMatches(outEvents, inEvents []domain.Event) []domain.Match {
	out, _ := m.Partition(outEvents)
	_, in := m.Partition(inEvents)

	m.l.Debug("matching card funding swaps",
		zap.Int("out", len(out)),
		zap.Int("in", len(in)),
		zap.String("strategy", string(m.cfg.Strategy)),
	)
	if len(out) == 0 || len(in) == 0 {
		return nil
	}

	scores := make([][]float64, len(out))
	for i, o := range out {
		scores[i] = make([]float64, len(in))
		for j, c := range in {
			scores[i][j] = m.Score(o, c)
		}
	}

	pairs := assign(m.cfg.Strategy, scores, len(in))
	matches := make([]domain.Match, 0, len(pairs))
	for _, p := range pairs {
		o, c := out[p.out], in[p.in]
		match := domain.Match{
			OutID:      o.ID,
			InID:       c.ID,
			WalletID:   c.WalletID,
			OutAmount:  o.Amount.Abs(),
			Amount:     c.Amount,
			Fee:        o.Amount.Abs().Sub(c.Amount),
			Timestamp:  c.Timestamp,
			Confidence: scores[p.out][p.in],
		}
		matches = append(matches, match)

		m.l.Info("card funding swap matched",
			zap.String("wallet_id", match.WalletID),
			zap.String("out_amount", match.OutAmount.String()),
			zap.String("amount", match.Amount.String()),
			zap.String("fee", match.Fee.String()),
			zap.Float64("confidence", match.Confidence),
		)
	}

	return matches
}

// MatchDeltas runs FindMatches over deltas, keyed by delta identity.
func (m *SwapMatcher) MatchDeltas(deltas []domain.BalanceDelta) []domain.Match {
	events := make([]domain.Event, 0, len(deltas))
	for _, d := range deltas {
		events = append(events, domain.EventFromDelta(d))
	}
	return m.FindMatches(events, events)
}

// Score is 0.4*time_score + 0.6*amount_score, or 0 when the pair is outside
// the time window or the amount tolerance.
func (m *SwapMatcher) Score(out, in domain.Event) float64 {
	dt := in.Timestamp.Sub(out.Timestamp)
	if dt < 0 {
		dt = -dt
	}
	if dt > m.cfg.Window {
		return 0
	}

	pct := domain.AmountDiffPct(out.Amount, in.Amount)
	if pct.GreaterThan(m.cfg.AmountTolerance) {
		return 0
	}

	timeScore := 1 - dt.Seconds()/m.cfg.Window.Seconds()
	amountScore := 1 - pct.Div(m.cfg.AmountTolerance).InexactFloat64()

	return timeWeight*timeScore + amountWeight*amountScore
}

func sortEvents(events []domain.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
}
