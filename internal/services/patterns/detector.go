package patterns

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/balancewatch/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultSwapWindow     = 30 * time.Minute
	DefaultTransferWindow = 30 * time.Minute
	DefaultLookupWindow   = 5 * time.Minute

	ruleSwap     = "swap"
	ruleCard     = "card_payment"
	ruleTransfer = "transfer"
)

// DefaultAmountTolerance is the relative fee the detector rules accept (5%).
var DefaultAmountTolerance = decimal.NewFromFloat(0.05)

// TransactionLookup finds on-chain transactions of a wallet around an instant.
type TransactionLookup interface {
	TransactionsNear(ctx context.Context, walletID string, amount decimal.Decimal, ts time.Time, window time.Duration) ([]domain.OnChainTransaction, error)
}

// OwnerResolver maps a wallet to its owner.
type OwnerResolver interface {
	OwnerOf(ctx context.Context, walletID string) (string, error)
}

// Metrics receives detector counters.
type Metrics interface {
	ObservePatterns(kind domain.PatternKind, n int)
	ObserveRuleFailure(rule string)
}

type nopMetrics struct{}

func (nopMetrics) ObservePatterns(domain.PatternKind, int) {}
func (nopMetrics) ObserveRuleFailure(string)               {}

// Config tunes the Detector.
type Config struct {
	SwapWindow      time.Duration
	TransferWindow  time.Duration
	LookupWindow    time.Duration
	AmountTolerance decimal.Decimal
	// SwapCurrencies limits both sides of a swap. Empty allows any currency.
	SwapCurrencies []string
	// CardCurrencies limits card payments. Empty allows any currency.
	CardCurrencies []string
	// AllowOverlap reports every pair satisfying a rule, even if a delta
	// ends up in several results.
	AllowOverlap bool
	Strategy     Strategy
}

func DefaultConfig() Config {
	return Config{
		SwapWindow:      DefaultSwapWindow,
		TransferWindow:  DefaultTransferWindow,
		LookupWindow:    DefaultLookupWindow,
		AmountTolerance: DefaultAmountTolerance,
		SwapCurrencies:  []string{"USDT", "USDC"},
		CardCurrencies:  []string{"USDC"},
		Strategy:        StrategyGreedy,
	}
}

// Option customises a Detector.
type Option func(*Detector)

// WithOwners enables the same-owner check of the transfer rule.
func WithOwners(owners OwnerResolver) Option {
	return func(d *Detector) { d.owners = owners }
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics Metrics) Option {
	return func(d *Detector) {
		if metrics != nil {
			d.metrics = metrics
		}
	}
}

// Report is the result of DetectAll.
type Report struct {
	domain.Patterns
	RuleFailures int `json:"rule_failures"`
}

// Detector classifies balance deltas into swaps, card payments and transfers.
type Detector struct {
	l       *zap.Logger
	cfg     Config
	lookup  TransactionLookup
	owners  OwnerResolver
	swapCur map[string]bool
	cardCur map[string]bool
	metrics Metrics
	tracer  trace.Tracer
}

func NewDetector(l *zap.Logger, cfg Config, lookup TransactionLookup, opts ...Option) *Detector {
	def := DefaultConfig()
	if cfg.SwapWindow <= 0 {
		cfg.SwapWindow = def.SwapWindow
	}
	if cfg.TransferWindow <= 0 {
		cfg.TransferWindow = def.TransferWindow
	}
	if cfg.LookupWindow <= 0 {
		cfg.LookupWindow = def.LookupWindow
	}
	// a tolerance of 100% or more would score every accepted pair at zero
	if !cfg.AmountTolerance.IsPositive() || cfg.AmountTolerance.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		cfg.AmountTolerance = def.AmountTolerance
	}
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}

	d := &Detector{
		l:       l,
		cfg:     cfg,
		lookup:  lookup,
		swapCur: currencySet(cfg.SwapCurrencies),
		cardCur: currencySet(cfg.CardCurrencies),
		metrics: nopMetrics{},
		tracer:  otel.Tracer("balancewatch/patterns"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DetectSwapPattern classifies out (expense in A) and in (income in B) of one wallet as a swap.
func (d *Detector) DetectSwapPattern(out, in domain.BalanceDelta) (domain.Swap, bool) {
	if !out.IsExpense() || !in.IsIncome() {
		return domain.Swap{}, false
	}
	if out.WalletID != in.WalletID || out.Currency == in.Currency {
		return domain.Swap{}, false
	}
	if !allowed(d.swapCur, out.Currency) || !allowed(d.swapCur, in.Currency) {
		return domain.Swap{}, false
	}

	dt := elapsed(out.To.Timestamp, in.To.Timestamp)
	if dt > d.cfg.SwapWindow {
		d.l.Debug("swap rejected: outside time window",
			zap.String("wallet_id", out.WalletID), zap.Duration("time_diff", dt))
		return domain.Swap{}, false
	}

	outAmount, inAmount := out.Magnitude(), in.Magnitude()
	pct := domain.AmountDiffPct(outAmount, inAmount)
	if pct.GreaterThan(d.cfg.AmountTolerance) {
		d.l.Debug("swap rejected: amount mismatch",
			zap.String("wallet_id", out.WalletID),
			zap.String("out_amount", outAmount.String()),
			zap.String("in_amount", inAmount.String()),
			zap.String("diff_pct", pct.String()),
		)
		return domain.Swap{}, false
	}

	return domain.Swap{
		WalletID:        out.WalletID,
		FromCurrency:    out.Currency,
		ToCurrency:      in.Currency,
		FromAmount:      outAmount,
		ToAmount:        inAmount,
		Fee:             outAmount.Sub(inAmount).Abs(),
		TimeDiffSeconds: int64(dt / time.Second),
		Confidence:      1 - pct.InexactFloat64(),
		Out:             out,
		In:              in,
	}, true
}

// DetectCardPaymentPattern classifies an expense with no matching on-chain transaction
// around it as a card payment. A lookup failure is returned and nothing is classified.
func (d *Detector) DetectCardPaymentPattern(ctx context.Context, delta domain.BalanceDelta) (domain.CardPayment, bool, error) {
	if !delta.IsExpense() {
		return domain.CardPayment{}, false, nil
	}

	amount := delta.Magnitude()
	txs, err := d.lookup.TransactionsNear(ctx, delta.WalletID, amount, delta.To.Timestamp, d.cfg.LookupWindow)
	if err != nil {
		return domain.CardPayment{}, false, errors.Wrapf(err, "look up transactions for %s", delta.WalletID)
	}

	for _, tx := range txs {
		if tx.Currency != "" && !strings.EqualFold(tx.Currency, delta.Currency) {
			continue
		}
		if !domain.AmountDiffPct(amount, tx.Amount).GreaterThan(d.cfg.AmountTolerance) {
			d.l.Debug("on-chain transaction found, not a card payment",
				zap.String("wallet_id", delta.WalletID),
				zap.String("tx_hash", tx.Hash),
			)
			return domain.CardPayment{}, false, nil
		}
	}

	return domain.CardPayment{
		WalletID:   delta.WalletID,
		Currency:   delta.Currency,
		Amount:     amount,
		Timestamp:  delta.To.Timestamp,
		Confidence: delta.Confidence,
		Delta:      delta,
	}, true, nil
}

// DetectTransferPattern classifies an expense in one wallet and an income of the same
// currency in another wallet of userID as a transfer.
func (d *Detector) DetectTransferPattern(ctx context.Context, out, in domain.BalanceDelta, userID string) (domain.Transfer, bool, error) {
	if !out.IsExpense() || !in.IsIncome() {
		return domain.Transfer{}, false, nil
	}
	if out.Currency != in.Currency || out.WalletID == in.WalletID {
		return domain.Transfer{}, false, nil
	}

	dt := elapsed(out.To.Timestamp, in.To.Timestamp)
	if dt > d.cfg.TransferWindow {
		return domain.Transfer{}, false, nil
	}

	outAmount, inAmount := out.Magnitude(), in.Magnitude()
	pct := domain.AmountDiffPct(outAmount, inAmount)
	if pct.GreaterThan(d.cfg.AmountTolerance) {
		return domain.Transfer{}, false, nil
	}

	if d.owners != nil {
		for _, walletID := range []string{out.WalletID, in.WalletID} {
			owner, err := d.owners.OwnerOf(ctx, walletID)
			if err != nil {
				return domain.Transfer{}, false, errors.Wrapf(err, "resolve owner of %s", walletID)
			}
			if owner != userID {
				return domain.Transfer{}, false, nil
			}
		}
	}

	return domain.Transfer{
		UserID:          userID,
		FromWalletID:    out.WalletID,
		ToWalletID:      in.WalletID,
		Currency:        out.Currency,
		Amount:          outAmount,
		Fee:             outAmount.Sub(inAmount).Abs(),
		TimeDiffSeconds: int64(dt / time.Second),
		Confidence:      1 - pct.InexactFloat64(),
		Out:             out,
		In:              in,
	}, true, nil
}

// DetectAll runs the rules over the deltas of one user in priority order:
// swaps, card payments, transfers. Unless AllowOverlap is set, a delta used by
// one result is excluded from later rules and competing pairs are resolved by Strategy.
// Rule errors and panics skip the affected candidate and are counted.
func (d *Detector) DetectAll(ctx context.Context, deltas []domain.BalanceDelta, userID string) Report {
	ctx, span := d.tracer.Start(ctx, "patterns.detect_all", trace.WithAttributes(
		attribute.String("user_id", userID),
		attribute.Int("deltas", len(deltas)),
	))
	defer span.End()

	var (
		rep  Report
		used = make(map[string]bool)
	)

	byWallet := make(map[string][]domain.BalanceDelta)
	for _, delta := range deltas {
		byWallet[delta.WalletID] = append(byWallet[delta.WalletID], delta)
	}
	walletIDs := make([]string, 0, len(byWallet))
	for id, list := range byWallet {
		sortDeltas(list)
		walletIDs = append(walletIDs, id)
	}
	sort.Strings(walletIDs)

	for _, walletID := range walletIDs {
		outs, ins := split(byWallet[walletID], used, func(delta domain.BalanceDelta) bool {
			return allowed(d.swapCur, delta.Currency)
		})
		rep.Swaps = append(rep.Swaps, d.detectSwaps(outs, ins, used, &rep)...)
	}

	all := make([]domain.BalanceDelta, 0, len(deltas))
	for _, walletID := range walletIDs {
		all = append(all, byWallet[walletID]...)
	}
	sortDeltas(all)

	for _, delta := range all {
		if used[delta.Key()] || !delta.IsExpense() || !allowed(d.cardCur, delta.Currency) {
			continue
		}
		var (
			payment domain.CardPayment
			ok      bool
		)
		d.guard(ruleCard, &rep, func() error {
			var err error
			payment, ok, err = d.DetectCardPaymentPattern(ctx, delta)
			return err
		})
		if !ok {
			continue
		}
		rep.CardPayments = append(rep.CardPayments, payment)
		d.consume(used, payment)
		d.l.Info("card payment detected",
			zap.String("wallet_id", payment.WalletID),
			zap.String("currency", payment.Currency),
			zap.String("amount", payment.Amount.String()),
			zap.Float64("confidence", payment.Confidence),
		)
	}

	outs, ins := split(all, used, func(domain.BalanceDelta) bool { return true })
	rep.Transfers = d.detectTransfers(ctx, outs, ins, userID, used, &rep)

	d.metrics.ObservePatterns(domain.PatternSwap, len(rep.Swaps))
	d.metrics.ObservePatterns(domain.PatternCardPayment, len(rep.CardPayments))
	d.metrics.ObservePatterns(domain.PatternTransfer, len(rep.Transfers))

	span.SetAttributes(
		attribute.Int("swaps", len(rep.Swaps)),
		attribute.Int("card_payments", len(rep.CardPayments)),
		attribute.Int("transfers", len(rep.Transfers)),
		attribute.Int("rule_failures", rep.RuleFailures),
	)
	d.l.Info("pattern detection completed",
		zap.String("user_id", userID),
		zap.Int("swaps", len(rep.Swaps)),
		zap.Int("card_payments", len(rep.CardPayments)),
		zap.Int("transfers", len(rep.Transfers)),
		zap.Int("rule_failures", rep.RuleFailures),
	)

	return rep
}

func (d *Detector) detectSwaps(outs, ins []domain.BalanceDelta, used map[string]bool, rep *Report) []domain.Swap {
	if len(outs) == 0 || len(ins) == 0 {
		return nil
	}

	found := make([][]*domain.Swap, len(outs))
	scores := make([][]float64, len(outs))
	for i, out := range outs {
		found[i] = make([]*domain.Swap, len(ins))
		scores[i] = make([]float64, len(ins))
		for j, in := range ins {
			d.guard(ruleSwap, rep, func() error {
				if swap, ok := d.DetectSwapPattern(out, in); ok {
					found[i][j] = &swap
					scores[i][j] = swap.Confidence
				}
				return nil
			})
		}
	}

	var swaps []domain.Swap
	for _, p := range d.pairs(scores, len(ins)) {
		swap := *found[p.out][p.in]
		swaps = append(swaps, swap)
		d.consume(used, swap)
		d.l.Info("swap detected",
			zap.String("wallet_id", swap.WalletID),
			zap.String("from", swap.FromAmount.String()+" "+swap.FromCurrency),
			zap.String("to", swap.ToAmount.String()+" "+swap.ToCurrency),
			zap.Float64("confidence", swap.Confidence),
		)
	}
	return swaps
}

func (d *Detector) detectTransfers(ctx context.Context, outs, ins []domain.BalanceDelta, userID string, used map[string]bool, rep *Report) []domain.Transfer {
	if len(outs) == 0 || len(ins) == 0 {
		return nil
	}

	found := make([][]*domain.Transfer, len(outs))
	scores := make([][]float64, len(outs))
	for i, out := range outs {
		found[i] = make([]*domain.Transfer, len(ins))
		scores[i] = make([]float64, len(ins))
		for j, in := range ins {
			if out.WalletID == in.WalletID || out.Currency != in.Currency {
				continue
			}
			d.guard(ruleTransfer, rep, func() error {
				transfer, ok, err := d.DetectTransferPattern(ctx, out, in, userID)
				if ok {
					found[i][j] = &transfer
					scores[i][j] = transfer.Confidence
				}
				return err
			})
		}
	}

	var transfers []domain.Transfer
	for _, p := range d.pairs(scores, len(ins)) {
		transfer := *found[p.out][p.in]
		transfers = append(transfers, transfer)
		d.consume(used, transfer)
		d.l.Info("transfer detected",
			zap.String("from_wallet_id", transfer.FromWalletID),
			zap.String("to_wallet_id", transfer.ToWalletID),
			zap.String("currency", transfer.Currency),
			zap.String("amount", transfer.Amount.String()),
			zap.Float64("confidence", transfer.Confidence),
		)
	}
	return transfers
}

// pairs resolves competing candidates, or returns every candidate when overlap is allowed.
func (d *Detector) pairs(scores [][]float64, nIn int) []pair {
	if !d.cfg.AllowOverlap {
		return assign(d.cfg.Strategy, scores, nIn)
	}
	var out []pair
	for i, row := range scores {
		for j, s := range row {
			if s > 0 {
				out = append(out, pair{out: i, in: j})
			}
		}
	}
	return out
}

func (d *Detector) consume(used map[string]bool, p domain.Pattern) {
	if d.cfg.AllowOverlap {
		return
	}
	for _, key := range p.DeltaKeys() {
		used[key] = true
	}
}

// guard runs one rule invocation, counting its error or panic as a rule failure.
func (d *Detector) guard(rule string, rep *Report, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			rep.RuleFailures++
			d.metrics.ObserveRuleFailure(rule)
			d.l.Error("pattern rule panicked", zap.String("rule", rule), zap.Any("panic", r))
		}
	}()

	if err := fn(); err != nil {
		rep.RuleFailures++
		d.metrics.ObserveRuleFailure(rule)
		d.l.Error("pattern rule failed", zap.String("rule", rule), zap.Error(err))
	}
}

// split returns unused expenses and incomes accepted by keep, preserving order.
func split(deltas []domain.BalanceDelta, used map[string]bool, keep func(domain.BalanceDelta) bool) (outs, ins []domain.BalanceDelta) {
	for _, delta := range deltas {
		if used[delta.Key()] || !keep(delta) {
			continue
		}
		switch {
		case delta.IsExpense():
			outs = append(outs, delta)
		case delta.IsIncome():
			ins = append(ins, delta)
		}
	}
	return outs, ins
}

func sortDeltas(deltas []domain.BalanceDelta) {
	sort.SliceStable(deltas, func(i, j int) bool {
		return deltas[i].To.Timestamp.Before(deltas[j].To.Timestamp)
	})
}

func elapsed(a, b time.Time) time.Duration {
	dt := b.Sub(a)
	if dt < 0 {
		dt = -dt
	}
	return dt
}

func currencySet(currencies []string) map[string]bool {
	if len(currencies) == 0 {
		return nil
	}
	set := make(map[string]bool, len(currencies))
	for _, c := range currencies {
		set[strings.ToUpper(c)] = true
	}
	return set
}

func allowed(set map[string]bool, currency string) bool {
	return set == nil || set[strings.ToUpper(currency)]
}
