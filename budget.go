package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nevindra/relay/kv"
)

func budgetSpendKey(userID string, period Period) string { return fmt.Sprintf("budget:%s:%s:spend", userID, period) }
func budgetLimitKey(userID string, period Period) string { return fmt.Sprintf("budget:%s:%s:limit", userID, period) }

// AlertFunc is invoked the first time a user crosses a spend threshold
// within a period.
type AlertFunc func(ctx context.Context, userID string, utilization float64, period Period)

// defaultAlertThresholds matches the original's 80/90/95% ladder.
var defaultAlertThresholds = []float64{0.80, 0.90, 0.95}

// AlertManager tracks per-period-threshold idempotence so a crossed
// threshold fires its callback exactly once per period, kept as its own
// type (mirroring the original's CostAlertManager) rather than inlined
// into BudgetEnforcer.
type AlertManager struct {
	store      kv.Adapter
	thresholds []float64
	onAlert    AlertFunc
}

// NewAlertManager wraps store. onAlert may be nil (alerts are computed
// but not delivered).
func NewAlertManager(store kv.Adapter, onAlert AlertFunc) *AlertManager {
	return &AlertManager{store: store, thresholds: defaultAlertThresholds, onAlert: onAlert}
}

func (a *AlertManager) checkAndAlert(ctx context.Context, userID string, currentSpend, limit float64, period Period) error {
	if limit <= 0 {
		return nil
	}
	utilization := currentSpend / limit
	ttl, err := period.ttl()
	if err != nil {
		return err
	}
	for _, threshold := range a.thresholds {
		if utilization < threshold {
			continue
		}
		alertKey := fmt.Sprintf("alert:%s:%s:%d", period, userID, int(threshold*100))
		wasSet, err := a.store.SetNX(ctx, alertKey, "1", ttl)
		if err != nil {
			return err
		}
		if wasSet && a.onAlert != nil {
			a.onAlert(ctx, userID, utilization, period)
		}
	}
	return nil
}

// BudgetEnforcer enforces hard per-user spend limits with optimistic
// concurrency: a deduct that would exceed the limit fails without ever
// mutating the spend counter.
type BudgetEnforcer struct {
	store  kv.Adapter
	alerts *AlertManager
	logger *slog.Logger
}

// NewBudgetEnforcer wires store and an AlertManager (create one with
// NewAlertManager, or pass nil to disable alerting).
func NewBudgetEnforcer(store kv.Adapter, alerts *AlertManager, logger *slog.Logger) *BudgetEnforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &BudgetEnforcer{store: store, alerts: alerts, logger: logger}
}

// CreateBudget sets a hard spend limit for userID/period with the
// period's TTL, initializing spend to 0 with the same TTL. limit must
// be positive.
func (e *BudgetEnforcer) CreateBudget(ctx context.Context, userID string, period Period, limit float64) error {
	if limit <= 0 {
		return &ValidationError{Field: "limit", Reason: "must be > 0"}
	}
	ttl, err := period.ttl()
	if err != nil {
		return err
	}
	if err := e.store.Set(ctx, budgetLimitKey(userID, period), strconv.FormatFloat(limit, 'f', -1, 64), ttl); err != nil {
		return err
	}
	return e.store.Set(ctx, budgetSpendKey(userID, period), "0", ttl)
}

// CheckBudget returns true iff no limit is set, or current+cost would
// not exceed it. It performs no mutation.
func (e *BudgetEnforcer) CheckBudget(ctx context.Context, userID string, period Period, cost float64) (bool, error) {
	current, limit, err := e.currentAndLimit(ctx, userID, period)
	if err != nil {
		return false, err
	}
	if limit == 0 {
		return true, nil
	}
	return current+cost <= limit, nil
}

// DeductBudget performs the check-and-deduct inside the kv adapter's
// optimistic-concurrency transaction: it reads current spend and limit,
// rejects with BudgetExceededError if the deduction would violate the
// limit (no mutation), otherwise commits an atomic increment. On
// completion it runs the alert ladder.
func (e *BudgetEnforcer) DeductBudget(ctx context.Context, userID string, period Period, cost float64) error {
	if cost < 0 {
		return &ValidationError{Field: "cost", Reason: "must be non-negative"}
	}
	spendKey := budgetSpendKey(userID, period)
	limitKey := budgetLimitKey(userID, period)
	ttl, err := period.ttl()
	if err != nil {
		return err
	}

	var rejected *BudgetExceededError
	var newSpend float64

	_, err = e.store.WatchCommit(ctx, []string{spendKey, limitKey}, func(_ context.Context, watched map[string]string) ([]Op, error) {
		current, _ := strconv.ParseFloat(watched[spendKey], 64)
		limit, _ := strconv.ParseFloat(watched[limitKey], 64)

		if limit > 0 && current+cost > limit {
			rejected = &BudgetExceededError{UserID: userID, Period: string(period), Cost: cost, Limit: limit}
			return nil, kv.ErrAbort
		}
		newSpend = current + cost
		return []Op{
			{Kind: OpIncrByFloat, Key: spendKey, Value: strconv.FormatFloat(cost, 'f', -1, 64)},
			{Kind: OpExpireNX, Key: spendKey, TTL: ttl},
		}, nil
	})
	if err != nil {
		return err
	}
	if rejected != nil {
		e.logger.Warn("budget deduction rejected", "user_id", userID, "period", period, "cost", cost)
		return rejected
	}

	if e.alerts != nil {
		_, limit, err := e.currentAndLimit(ctx, userID, period)
		if err == nil {
			if err := e.alerts.checkAndAlert(ctx, userID, newSpend, limit, period); err != nil {
				e.logger.Error("alert check failed", "user_id", userID, "error", err)
			}
		}
	}
	return nil
}

// Status is a point-in-time view of a user's budget for a period.
type Status struct {
	CurrentSpend float64
	Limit        float64
	Remaining    float64
	Utilization  float64
}

// GetStatus reports current spend, limit, remaining headroom, and
// utilization for userID/period.
func (e *BudgetEnforcer) GetStatus(ctx context.Context, userID string, period Period) (Status, error) {
	current, limit, err := e.currentAndLimit(ctx, userID, period)
	if err != nil {
		return Status{}, err
	}
	s := Status{CurrentSpend: current, Limit: limit, Remaining: limit - current}
	if limit > 0 {
		s.Utilization = current / limit
	}
	return s, nil
}

func (e *BudgetEnforcer) currentAndLimit(ctx context.Context, userID string, period Period) (float64, float64, error) {
	spendStr, _, err := e.store.Get(ctx, budgetSpendKey(userID, period))
	if err != nil {
		return 0, 0, err
	}
	limitStr, _, err := e.store.Get(ctx, budgetLimitKey(userID, period))
	if err != nil {
		return 0, 0, err
	}
	current, _ := strconv.ParseFloat(spendStr, 64)
	limit, _ := strconv.ParseFloat(limitStr, 64)
	return current, limit, nil
}

// Op and OpIncrByFloat/OpExpireNX alias the kv package's transaction
// vocabulary so callers in this package don't need to import kv
// directly for the common cases.
type Op = kv.Op

const (
	OpIncrByFloat = kv.OpIncrByFloat
	OpExpireNX    = kv.OpExpireNX
)
