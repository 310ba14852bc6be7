package sentinel

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// ResponseCoordinator maps a classified threat to its mitigation, persists
// block and monitoring state, records the threat for dashboards, emits
// metrics and fires the notification. It owns every side effect that
// follows a detection.
type ResponseCoordinator struct {
	store     StateStore
	notifier  *NotificationRegistry
	metrics   MetricsCollector
	ledger    *ThreatLedger
	archive   *ThreatArchive
	policy    ResponseConfig
	notify    NotifyConfig
	whitelist *SourceList
	actions   map[Severity]ResponseAction
	logger    *zap.Logger
}

func NewResponseCoordinator(
	store StateStore,
	notifier *NotificationRegistry,
	metrics MetricsCollector,
	ledger *ThreatLedger,
	archive *ThreatArchive,
	policy ResponseConfig,
	notify NotifyConfig,
	whitelist *SourceList,
	logger *zap.Logger,
) (*ResponseCoordinator, error) {
	actions := map[Severity]ResponseAction{
		SeverityCritical: ActionBlockIP,
		SeverityHigh:     ActionBlockIP,
		SeverityMedium:   ActionIncreaseMonitoring,
		SeverityLow:      ActionLogOnly,
	}
	for name, actionName := range policy.SeverityActions {
		severity, err := ParseSeverity(name)
		if err != nil {
			return nil, err
		}
		action, err := ParseResponseAction(actionName)
		if err != nil {
			return nil, err
		}
		actions[severity] = action
	}
	return &ResponseCoordinator{
		store:     store,
		notifier:  notifier,
		metrics:   metrics,
		ledger:    ledger,
		archive:   archive,
		policy:    policy,
		notify:    notify,
		whitelist: whitelist,
		actions:   actions,
		logger:    logger,
	}, nil
}

// Handle applies the policy to a threat: it chooses the action, persists
// the block or monitoring marker, records the threat and notifies. The
// chosen action is written back onto the threat. Handle never fails the
// request; every side-effect error degrades to a log line and a metric.
func (rc *ResponseCoordinator) Handle(ctx context.Context, threat *ThreatEvent) {
	if threat == nil {
		return
	}

	action := rc.actions[threat.Severity]
	if action == ActionBlockIP && rc.whitelist.Contains(threat.Event.Source) {
		// Whitelisted sources are never blocked, whatever the severity.
		action = ActionLogOnly
	}
	threat.Action = action

	switch action {
	case ActionBlockIP:
		rc.block(ctx, threat)
	case ActionIncreaseMonitoring:
		rc.monitor(ctx, threat)
	}

	rc.persistThreat(ctx, threat)
	if rc.ledger != nil {
		rc.ledger.Record(threat)
	}
	if rc.archive != nil {
		if err := rc.archive.Insert(ctx, threat); err != nil {
			rc.logger.Warn("threat archive insert failed",
				zap.String("threat_id", threat.ID), zap.Error(err))
		}
	}
	if rc.notifier != nil {
		rc.notifier.Notify(rc.notify, threat)
	}
	if rc.metrics != nil {
		rc.metrics.IncrementCounter("threat_detections_total", map[string]string{
			"threat_type": threat.ThreatType,
			"severity":    threat.Severity.String(),
			"action":      string(action),
		})
	}

	rc.logger.Info("threat handled",
		zap.String("threat_id", threat.ID),
		zap.String("threat_type", threat.ThreatType),
		zap.String("severity", threat.Severity.String()),
		zap.String("source", threat.Event.Source),
		zap.String("action", string(action)),
		zap.Float64("confidence", threat.Confidence),
		zap.Float64("anomaly_score", threat.AnomalyScore))
}

// IsBlocked reports whether a live block record exists for source. A store
// failure returns the error so the caller can apply its fail-open policy.
func (rc *ResponseCoordinator) IsBlocked(ctx context.Context, source string) (bool, error) {
	_, found, err := rc.store.Get(ctx, blockKey(source))
	if err != nil {
		return false, err
	}
	return found, nil
}

// IsMonitored reports whether a live monitoring marker exists for source.
func (rc *ResponseCoordinator) IsMonitored(ctx context.Context, source string) bool {
	_, found, err := rc.store.Get(ctx, monitorKey(source))
	if err != nil {
		return false
	}
	return found
}

// block writes the block record. SetWithTTL overwrites an existing record,
// so re-blocking extends the TTL instead of duplicating it.
func (rc *ResponseCoordinator) block(ctx context.Context, threat *ThreatEvent) {
	if err := rc.store.SetWithTTL(ctx, blockKey(threat.Event.Source), threat.ThreatType, rc.policy.BlockTTL); err != nil {
		rc.storeError("block", threat, err)
	}
}

func (rc *ResponseCoordinator) monitor(ctx context.Context, threat *ThreatEvent) {
	if err := rc.store.SetWithTTL(ctx, monitorKey(threat.Event.Source), threat.ThreatType, rc.policy.MonitorTTL); err != nil {
		rc.storeError("monitor", threat, err)
	}
}

func (rc *ResponseCoordinator) persistThreat(ctx context.Context, threat *ThreatEvent) {
	data, err := json.Marshal(threat)
	if err != nil {
		rc.logger.Warn("threat marshal failed", zap.String("threat_id", threat.ID), zap.Error(err))
		return
	}
	if err := rc.store.SetWithTTL(ctx, threatKey(threat.CreatedAt), string(data), rc.policy.ThreatTTL); err != nil {
		rc.storeError("threat", threat, err)
	}
}

func (rc *ResponseCoordinator) storeError(op string, threat *ThreatEvent, err error) {
	if rc.metrics != nil {
		rc.metrics.IncrementCounter("store_errors_total", map[string]string{"op": op})
	}
	rc.logger.Error("state store write failed, protection degraded",
		zap.String("op", op),
		zap.String("threat_id", threat.ID),
		zap.String("source", threat.Event.Source),
		zap.Error(err))
}
