package engine

import (
	"context"

	"github.com/warp/obligation-engine/obligation"
	"go.uber.org/zap"
)

// Reasons passed to Notifier.Notify.
const (
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonPolicyViolation   = "policy_violation"
	ReasonPeriodClosed      = "period_closed_unpaid"
	ReasonInstallmentDone   = "installment_completed"
	ReasonReminder          = "reminder"
)

// Notifier is fire-and-forget: delivery failures are the notifier's
// problem and never affect an execution.
type Notifier interface {
	Notify(ctx context.Context, id obligation.ID, reason string)
}

// LogNotifier writes notifications to the log. Used when no push channel
// is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Named("notifier")}
}

func (n *LogNotifier) Notify(_ context.Context, id obligation.ID, reason string) {
	n.logger.Info("notify", zap.String("obligation_id", string(id)), zap.String("reason", reason))
}
