package voucher

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	xerrors "OpenProof-Chain/internal/errors"
	"OpenProof-Chain/internal/observability/alerting"
	"OpenProof-Chain/internal/observability/metrics"
	"OpenProof-Chain/internal/proof"
	"OpenProof-Chain/internal/web3"
	"OpenProof-Chain/pkg/logger"
)

// RelayProvider 解析目标链的中继身份与只读客户端。
// web3/provider.Registry 满足该契约。
type RelayProvider interface {
	Relay(chainID string) (web3.Relay, bool)
	Reader(chainID string) (web3.Reader, error)
	Confirmations(chainID string) uint64
}

// Relayer 消费凭证事件并在目标链上锚定凭证。每张凭证的履约
// 通过去重索引保证至多一次：锚定交易只会提交一遍，重复事件
// 与并发工作协程都会在占位检查处被拦下。
type Relayer struct {
	store       Store
	proofs      proof.Store
	dedup       Dedup
	consumer    Consumer
	producer    Producer
	relays      RelayProvider
	originTag   string
	hubChain    string
	workerCount int
	retryDelay  time.Duration
	alerter     alerting.Dispatcher
	logger      *slog.Logger
}

// RelayerOption 定义可选配置。
type RelayerOption func(*Relayer)

// WithRelayerLogger 指定调试日志输出。
func WithRelayerLogger(logger *slog.Logger) RelayerOption {
	return func(r *Relayer) {
		r.logger = logger
	}
}

// WithRelayerWorkers 设置消费协程数量。
func WithRelayerWorkers(workers int) RelayerOption {
	return func(r *Relayer) {
		if workers > 0 {
			r.workerCount = workers
		}
	}
}

// WithHubChain 指定枢纽链。配置后凭证的枢纽链记账交易必须达到
// 枢纽链的确认深度，中继器才会向目标链提交。
func WithHubChain(chainID string) RelayerOption {
	return func(r *Relayer) {
		r.hubChain = chainID
	}
}

// WithRetryDelay 设置失败重投前的退避时间。
func WithRetryDelay(d time.Duration) RelayerOption {
	return func(r *Relayer) {
		if d > 0 {
			r.retryDelay = d
		}
	}
}

// WithRelayerAlerts 配置告警派发器。
func WithRelayerAlerts(dispatcher alerting.Dispatcher) RelayerOption {
	return func(r *Relayer) {
		r.alerter = dispatcher
	}
}

// NewRelayer 构造凭证中继器。
func NewRelayer(store Store, proofs proof.Store, dedup Dedup, consumer Consumer, producer Producer, relays RelayProvider, originTag string, opts ...RelayerOption) *Relayer {
	r := &Relayer{
		store:       store,
		proofs:      proofs,
		dedup:       dedup,
		consumer:    consumer,
		producer:    producer,
		relays:      relays,
		originTag:   originTag,
		workerCount: 1,
		retryDelay:  5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Start 启动凭证中继循环。
func (r *Relayer) Start(ctx context.Context) error {
	if r.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置凭证消费者")
	}
	return r.consumer.Consume(ctx, r.workerCount, r.handle)
}

func (r *Relayer) handle(ctx context.Context, event Event) error {
	if r.store == nil || r.dedup == nil || r.relays == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "中继器未初始化")
	}
	// 事件自带来源标签，其他进程签发的凭证无需读库即可丢弃
	if r.originTag != "" && event.OriginTag != "" && event.OriginTag != r.originTag {
		r.logDebug("跳过其他来源的事件",
			slog.String("voucher_id", event.VoucherID),
			slog.String("origin_tag", event.OriginTag),
		)
		return nil
	}
	voucherID := event.VoucherID
	voucher, err := r.store.Get(ctx, voucherID)
	if err != nil {
		if stdErrors.Is(err, ErrVoucherNotFound) {
			r.logDebug("跳过未知凭证", slog.String("voucher_id", voucherID))
			return nil
		}
		logger.L().Error("读取凭证失败", slog.Any("error", err), slog.String("voucher_id", voucherID))
		return err
	}
	// 其他进程签发的凭证由其自己的中继器处理
	if r.originTag != "" && voucher.OriginTag != r.originTag {
		r.logDebug("跳过其他来源的凭证",
			slog.String("voucher_id", voucherID),
			slog.String("origin_tag", voucher.OriginTag),
		)
		return nil
	}
	if voucher.Settled() {
		r.logDebug("凭证已到终态", slog.String("voucher_id", voucherID), slog.String("state", string(voucher.State)))
		return nil
	}
	// 证明可能在凭证等待期间被持有者撤销,撤销后不得再锚定
	if r.proofs != nil {
		record, err := r.proofs.Get(ctx, voucher.QHash)
		if err == nil && record.Status == proof.StatusRevoked {
			if err := r.store.MarkAbandoned(ctx, voucher.ID, "所属证明已被撤销"); err != nil && !stdErrors.Is(err, ErrVoucherSettled) {
				logger.L().Error("放弃已撤销证明的凭证失败", slog.Any("error", err), slog.String("voucher_id", voucher.ID))
				return err
			}
			logger.Audit().Info("凭证因证明撤销被放弃",
				slog.String("voucher_id", voucher.ID),
				slog.String("q_hash", voucher.QHash),
			)
			metrics.CountRelayOutcome(voucher.ChainID, "abandoned")
			return nil
		}
	}

	claimed, err := r.dedup.Claim(ctx, voucher.ID)
	if err != nil {
		logger.L().Error("去重占位失败", slog.Any("error", err), slog.String("voucher_id", voucher.ID))
		return err
	}
	if !claimed {
		// 占位已被持有：要么别的协程正在履约，要么上一轮已经完成。
		// 存储里仍是 pending 的情况交给清扫器兜底，这里绝不能再提交。
		r.logDebug("凭证已被占位", slog.String("voucher_id", voucher.ID))
		return nil
	}

	// 枢纽链上的记账交易必须先到达终局，才能向目标链提交
	if originErr := r.confirmOrigin(ctx, voucher); originErr != nil {
		return r.handleFailure(ctx, voucher, originErr)
	}

	result, submitErr := r.submit(ctx, voucher)
	if submitErr != nil {
		return r.handleFailure(ctx, voucher, submitErr)
	}

	if err := r.store.MarkFulfilled(ctx, voucher.ID, result.TxHash, result.BlockNumber); err != nil && !stdErrors.Is(err, ErrVoucherSettled) {
		logger.L().Error("标记凭证锚定失败", slog.Any("error", err), slog.String("voucher_id", voucher.ID))
		return err
	}
	logger.Audit().Info("凭证锚定成功",
		slog.String("voucher_id", voucher.ID),
		slog.String("q_hash", voucher.QHash),
		slog.String("chain_id", voucher.ChainID),
		slog.String("tx_hash", result.TxHash),
		slog.Uint64("block_number", result.BlockNumber),
	)
	metrics.CountRelayOutcome(voucher.ChainID, "fulfilled")
	syncCrossChain(ctx, r.store, r.proofs, voucher.QHash)
	return nil
}

// confirmOrigin 校验凭证的枢纽链记账交易已达到枢纽链的确认深度。
// 回执缺失或深度不足视为瞬时错误，退避后重投；回执回滚视为永久错误。
// 凭证未携带源链交易哈希或未配置枢纽链时跳过。
func (r *Relayer) confirmOrigin(ctx context.Context, voucher *Voucher) error {
	if r.hubChain == "" || voucher.OriginTxHash == "" {
		return nil
	}
	reader, err := r.relays.Reader(r.hubChain)
	if err != nil {
		return xerrors.Wrap(CodeRelayTransient, err, "获取枢纽链客户端失败")
	}
	receipt, err := reader.TransactionReceipt(ctx, common.HexToHash(voucher.OriginTxHash))
	if err != nil || receipt == nil {
		return xerrors.New(CodeRelayTransient, "枢纽链记账交易尚未上链: "+voucher.OriginTxHash)
	}
	if receipt.Status == coretypes.ReceiptStatusFailed {
		return xerrors.New(CodeRelayPermanent, "枢纽链记账交易已回滚: "+voucher.OriginTxHash)
	}
	head, err := reader.BlockNumber(ctx)
	if err != nil {
		return xerrors.Wrap(CodeRelayTransient, err, "查询枢纽链高度失败")
	}
	confirmations := r.relays.Confirmations(r.hubChain)
	if confirmations > 1 && head < receipt.BlockNumber.Uint64()+confirmations-1 {
		return xerrors.New(CodeRelayTransient, "枢纽链记账交易确认深度不足: "+voucher.OriginTxHash)
	}
	return nil
}

// submit 向目标链提交锚定交易，并等待配置的确认深度。
func (r *Relayer) submit(ctx context.Context, voucher *Voucher) (web3.FulfillmentResult, error) {
	relay, ok := r.relays.Relay(voucher.ChainID)
	if !ok {
		return web3.FulfillmentResult{}, xerrors.New(CodeRelayPermanent,
			"目标链未配置中继身份: "+voucher.ChainID)
	}
	result, err := relay.SubmitFulfillment(ctx, web3.FulfillmentRequest{
		VoucherID:  voucher.ID,
		QHash:      voucher.QHash,
		VerifierID: voucher.VerifierID,
	})
	if err != nil {
		return web3.FulfillmentResult{}, err
	}
	if err := r.awaitConfirmations(ctx, voucher.ChainID, result.BlockNumber); err != nil {
		return web3.FulfillmentResult{}, err
	}
	return result, nil
}

// awaitConfirmations 轮询目标链高度，直到锚定交易达到配置的确认深度。
func (r *Relayer) awaitConfirmations(ctx context.Context, chainID string, blockNumber uint64) error {
	confirmations := r.relays.Confirmations(chainID)
	if confirmations <= 1 {
		return nil
	}
	reader, err := r.relays.Reader(chainID)
	if err != nil {
		return xerrors.Wrap(CodeRelayTransient, err, "获取链客户端失败")
	}
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		head, err := reader.BlockNumber(ctx)
		if err != nil {
			return xerrors.Wrap(CodeRelayTransient, err, "查询链高度失败")
		}
		if head >= blockNumber+confirmations-1 {
			return nil
		}
		select {
		case <-ctx.Done():
			return xerrors.Wrap(CodeRelayTransient, ctx.Err(), "等待确认被中断")
		case <-ticker.C:
		}
	}
}

// handleFailure 对履约失败分类处理：瞬时错误退避后重投并归还占位，
// 永久错误或重试耗尽直接放弃并告警。
func (r *Relayer) handleFailure(ctx context.Context, voucher *Voucher, submitErr error) error {
	code := xerrors.CodeOf(submitErr)
	if code == xerrors.CodeUnknown {
		code = classifyRelayError(submitErr)
	}
	retryable := code == CodeRelayTransient || xerrors.RetryableError(submitErr)
	exhausted := voucher.Attempts+1 >= voucher.MaxAttempts

	if retryable && !exhausted {
		if err := r.store.MarkFailed(ctx, voucher.ID, submitErr.Error()); err != nil && !stdErrors.Is(err, ErrVoucherSettled) {
			logger.L().Error("记录凭证失败状态失败", slog.Any("error", err), slog.String("voucher_id", voucher.ID))
			return err
		}
		// 归还占位，让重投后的事件能重新领取
		if err := r.dedup.Release(ctx, voucher.ID); err != nil {
			logger.L().Error("释放去重占位失败", slog.Any("error", err), slog.String("voucher_id", voucher.ID))
		}
		logger.Audit().Warn("凭证履约失败，等待重试",
			slog.String("voucher_id", voucher.ID),
			slog.String("chain_id", voucher.ChainID),
			slog.Int("attempts", voucher.Attempts+1),
			slog.Int("max_attempts", voucher.MaxAttempts),
			slog.String("error", submitErr.Error()),
		)
		metrics.CountRelayOutcome(voucher.ChainID, "retried")
		syncCrossChain(ctx, r.store, r.proofs, voucher.QHash)

		delay := time.NewTimer(backoffDelay(r.retryDelay, voucher.Attempts))
		defer delay.Stop()
		select {
		case <-ctx.Done():
			return nil
		case <-delay.C:
		}
		if pubErr := r.producer.Publish(ctx, Event{VoucherID: voucher.ID, OriginTag: voucher.OriginTag}); pubErr != nil {
			return xerrors.Wrap(CodeVoucherPublish, pubErr, "凭证重投失败: "+voucher.ID)
		}
		return nil
	}

	reason := CodeRelayPermanent
	if retryable && exhausted {
		reason = CodeRelayExhausted
	}
	if err := r.store.MarkAbandoned(ctx, voucher.ID, submitErr.Error()); err != nil && !stdErrors.Is(err, ErrVoucherSettled) {
		logger.L().Error("标记凭证放弃失败", slog.Any("error", err), slog.String("voucher_id", voucher.ID))
		return err
	}
	logger.Audit().Warn("凭证被放弃",
		slog.String("voucher_id", voucher.ID),
		slog.String("q_hash", voucher.QHash),
		slog.String("chain_id", voucher.ChainID),
		slog.String("reason", string(reason)),
		slog.String("error", submitErr.Error()),
	)
	r.emitAlert(ctx, voucher, reason, submitErr)
	metrics.CountRelayOutcome(voucher.ChainID, "abandoned")
	syncCrossChain(ctx, r.store, r.proofs, voucher.QHash)
	return nil
}

// backoffDelay 按已失败次数指数放大退避间隔,上限两分钟。
func backoffDelay(base time.Duration, attempts int) time.Duration {
	const maxDelay = 2 * time.Minute
	delay := base
	for i := 0; i < attempts && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func (r *Relayer) logDebug(msg string, attrs ...slog.Attr) {
	if r.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		r.logger.Debug(msg, args...)
	}
}

func (r *Relayer) emitAlert(ctx context.Context, voucher *Voucher, code xerrors.Code, cause error) {
	if r == nil || r.alerter == nil || voucher == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	event := alerting.Event{
		Code:        code,
		Message:     message,
		Severity:    attrs.Severity,
		QHash:       voucher.QHash,
		VoucherID:   voucher.ID,
		ChainID:     voucher.ChainID,
		Attempts:    voucher.Attempts + 1,
		MaxAttempts: voucher.MaxAttempts,
		Metadata:    map[string]string{"verifier": voucher.VerifierID},
		OccurredAt:  time.Now(),
	}
	if err := r.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("派发告警失败", slog.Any("error", err), slog.String("voucher_id", voucher.ID))
	}
}

// classifyRelayError 对未携带错误码的底层错误做瞬时/永久分类。
// 网络与节点侧的抖动视为瞬时，其余一律永久。
func classifyRelayError(err error) xerrors.Code {
	if err == nil {
		return xerrors.CodeUnknown
	}
	if stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(err, context.Canceled) {
		return CodeRelayTransient
	}
	message := strings.ToLower(err.Error())
	transientMarkers := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"timed out",
		"temporarily unavailable",
		"too many requests",
		"nonce too low",
		"replacement transaction underpriced",
		"eof",
	}
	for _, marker := range transientMarkers {
		if strings.Contains(message, marker) {
			return CodeRelayTransient
		}
	}
	return CodeRelayPermanent
}
