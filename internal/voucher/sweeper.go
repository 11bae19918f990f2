package voucher

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "OpenProof-Chain/internal/errors"
	"OpenProof-Chain/internal/observability/alerting"
	"OpenProof-Chain/internal/proof"
	"OpenProof-Chain/pkg/logger"
)

const (
	// DefaultVoucherTTL 是凭证等待锚定的最长时间，超过即被清扫放弃。
	DefaultVoucherTTL = 24 * time.Hour
	// DefaultSweepInterval 是清扫循环的执行间隔。
	DefaultSweepInterval = 10 * time.Minute
	// DefaultSweepBatch 是单轮清扫处理的凭证上限。
	DefaultSweepBatch = 200
)

// Sweeper 定期放弃超过 TTL 仍未锚定的凭证。崩溃进程持有的占位、
// 丢失的队列事件最终都落到这里兜底，保证凭证不会永远停在 pending。
type Sweeper struct {
	store    Store
	proofs   proof.Store
	dedup    Dedup
	ttl      time.Duration
	interval time.Duration
	batch    int
	alerter  alerting.Dispatcher
}

// SweeperOption 定义可选配置。
type SweeperOption func(*Sweeper)

// WithSweepTTL 覆盖凭证的存活时限。
func WithSweepTTL(ttl time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithSweepInterval 覆盖清扫间隔。
func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithSweepBatch 覆盖单轮处理上限。
func WithSweepBatch(batch int) SweeperOption {
	return func(s *Sweeper) {
		if batch > 0 {
			s.batch = batch
		}
	}
}

// WithSweeperAlerts 配置告警派发器。
func WithSweeperAlerts(dispatcher alerting.Dispatcher) SweeperOption {
	return func(s *Sweeper) {
		s.alerter = dispatcher
	}
}

// NewSweeper 构造清扫器。
func NewSweeper(store Store, proofs proof.Store, dedup Dedup, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:    store,
		proofs:   proofs,
		dedup:    dedup,
		ttl:      DefaultVoucherTTL,
		interval: DefaultSweepInterval,
		batch:    DefaultSweepBatch,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 启动清扫循环，直到 ctx 取消。
func (s *Sweeper) Start(ctx context.Context) error {
	if s.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置凭证存储")
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

// sweepOnce 执行一轮清扫。
func (s *Sweeper) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-s.ttl).UnixMilli()
	expired, err := s.store.ListPending(ctx, cutoff, s.batch)
	if err != nil {
		logger.L().Error("查询过期凭证失败", slog.Any("error", err))
		return
	}
	for _, voucher := range expired {
		if err := s.store.MarkAbandoned(ctx, voucher.ID, "凭证超过存活时限"); err != nil {
			if stdErrors.Is(err, ErrVoucherSettled) {
				continue
			}
			logger.L().Error("清扫凭证失败", slog.Any("error", err), slog.String("voucher_id", voucher.ID))
			continue
		}
		if s.dedup != nil {
			_ = s.dedup.Release(ctx, voucher.ID)
		}
		logger.Audit().Warn("凭证超时被清扫",
			slog.String("voucher_id", voucher.ID),
			slog.String("q_hash", voucher.QHash),
			slog.String("chain_id", voucher.ChainID),
			slog.Int64("issued_at_ms", voucher.IssuedAtMs),
		)
		s.emitAlert(ctx, voucher)
		syncCrossChain(ctx, s.store, s.proofs, voucher.QHash)
	}
}

func (s *Sweeper) emitAlert(ctx context.Context, voucher *Voucher) {
	if s.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(CodeVoucherExpired)
	event := alerting.Event{
		Code:        CodeVoucherExpired,
		Message:     attrs.Message,
		Severity:    attrs.Severity,
		QHash:       voucher.QHash,
		VoucherID:   voucher.ID,
		ChainID:     voucher.ChainID,
		Attempts:    voucher.Attempts,
		MaxAttempts: voucher.MaxAttempts,
		OccurredAt:  time.Now(),
	}
	if err := s.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("派发清扫告警失败", slog.Any("error", err), slog.String("voucher_id", voucher.ID))
	}
}
