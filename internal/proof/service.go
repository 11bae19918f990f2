package proof

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"OpenProof-Chain/internal/canonical"
	xerrors "OpenProof-Chain/internal/errors"
	"OpenProof-Chain/internal/observability/metrics"
	"OpenProof-Chain/internal/verifier"
	"OpenProof-Chain/internal/wallet"
	"OpenProof-Chain/pkg/logger"
)

// VoucherIssuer 在证明验证通过后为目标链签发凭证。由凭证模块实现，
// 以接口注入避免包间循环依赖。
type VoucherIssuer interface {
	IssueForProof(ctx context.Context, proof *Proof) error
}

// SubmitRequest 是一次钱包签名的验证请求。
type SubmitRequest struct {
	Wallet          string         `json:"wallet"`
	ChainID         string         `json:"chainId"`
	Verifiers       []string       `json:"verifiers"`
	Data            map[string]any `json:"data,omitempty"`
	Signature       string         `json:"signature"`
	SignedTimestamp int64          `json:"signedTimestamp"`
	Options         Options        `json:"options"`
}

// SubmitOutcome 是提交的处理结果。Completed 为 true 表示验证在同步
// 预算内完成，调用方可以直接返回最终状态；否则验证在后台继续。
type SubmitOutcome struct {
	Proof     *Proof
	Completed bool
}

const (
	// DefaultVerifierTimeout 是单个验证器允许的最长执行时间。
	DefaultVerifierTimeout = 30 * time.Second
	// DefaultSyncBudget 是同步等待验证完成的预算。
	DefaultSyncBudget = 10 * time.Second
	// MaxVerifiersPerRequest 限制单次请求可携带的验证器数量。
	MaxVerifiersPerRequest = 10
)

// Service 负责验证请求的编排：规范化、签名认证、验证器分发、
// 结果聚合与跨链凭证触发。
type Service struct {
	store           Store
	registry        *verifier.Registry
	auth            *wallet.Authenticator
	issuer          VoucherIssuer
	hubChain        string
	knownChains     func(chainID string) bool
	verifierTimeout time.Duration
	syncBudget      time.Duration
	accessTokens    map[string]struct{}
	tokenValid      func(ctx context.Context, token string) bool
}

// ServiceOption 调整编排服务的行为。
type ServiceOption func(*Service)

// WithVerifierTimeout 覆盖单个验证器的执行超时。
func WithVerifierTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.verifierTimeout = d
		}
	}
}

// WithSyncBudget 覆盖同步等待预算。
func WithSyncBudget(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.syncBudget = d
		}
	}
}

// WithVoucherIssuer 注入跨链凭证签发器。
func WithVoucherIssuer(issuer VoucherIssuer) ServiceOption {
	return func(s *Service) {
		s.issuer = issuer
	}
}

// WithKnownChains 注入目标链合法性检查，通常由链客户端注册表提供。
func WithKnownChains(has func(chainID string) bool) ServiceOption {
	return func(s *Service) {
		s.knownChains = has
	}
}

// WithAccessTokens 配置可读取私有证明的预共享令牌。
func WithAccessTokens(tokens []string) ServiceOption {
	return func(s *Service) {
		for _, token := range tokens {
			token = strings.TrimSpace(token)
			if token != "" {
				s.accessTokens[token] = struct{}{}
			}
		}
	}
}

// WithTokenValidator 注入短效读取令牌的校验函数,通常由 API 层的
// 令牌存储提供。与预共享令牌并存,任一通过即可读取私有证明。
func WithTokenValidator(valid func(ctx context.Context, token string) bool) ServiceOption {
	return func(s *Service) {
		s.tokenValid = valid
	}
}

// NewService 构造证明编排服务。
func NewService(store Store, registry *verifier.Registry, auth *wallet.Authenticator, hubChain string, opts ...ServiceOption) *Service {
	s := &Service{
		store:           store,
		registry:        registry,
		auth:            auth,
		hubChain:        hubChain,
		verifierTimeout: DefaultVerifierTimeout,
		syncBudget:      DefaultSyncBudget,
		accessTokens:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Canonicalize 对请求做规范化，返回签名字符串与 qHash。不触发任何
// 状态变更，供提交前预览与调试接口使用。
func (s *Service) Canonicalize(req SubmitRequest) (signingString, qHash string, err error) {
	if err := validateShape(req); err != nil {
		return "", "", err
	}
	signingString, err = canonical.BuildSigningString(canonical.Request{
		Wallet:      req.Wallet,
		ChainID:     req.ChainID,
		Verifiers:   req.Verifiers,
		Data:        req.Data,
		TimestampMs: req.SignedTimestamp,
	})
	if err != nil {
		return "", "", err
	}
	return signingString, canonical.QHash(signingString), nil
}

// Submit 认证并受理一次验证请求。qHash 相同的重复提交幂等返回已有记录。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitOutcome, error) {
	if s.store == nil || s.registry == nil || s.auth == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "证明服务未初始化")
	}
	if err := validateShape(req); err != nil {
		return nil, err
	}
	for _, id := range req.Verifiers {
		if !s.registry.Has(id) {
			return nil, xerrors.Wrap(verifier.CodeVerifierNotFound, verifier.ErrVerifierNotFound,
				"验证器不存在: "+id)
		}
	}
	if s.knownChains != nil {
		for _, chain := range req.Options.TargetChains {
			if chain == s.hubChain {
				return nil, xerrors.New(CodeProofValidation, "目标链不能包含主链: "+chain)
			}
			if !s.knownChains(chain) {
				return nil, xerrors.New(CodeProofValidation, "目标链未配置: "+chain)
			}
		}
	}

	signingString, qHash, err := s.Canonicalize(req)
	if err != nil {
		return nil, err
	}
	if err := s.auth.Verify(ctx, req.Wallet, signingString, req.Signature, req.SignedTimestamp); err != nil {
		return nil, err
	}

	// qHash 是请求内容的确定性摘要，重复提交直接复用已有记录
	if existing, err := s.store.Get(ctx, qHash); err == nil {
		return &SubmitOutcome{Proof: existing, Completed: completed(existing)}, nil
	} else if !stdErrors.Is(err, ErrProofNotFound) {
		return nil, err
	}

	record := &Proof{
		QHash:     qHash,
		Wallet:    strings.ToLower(req.Wallet),
		ChainID:   req.ChainID,
		Verifiers: append([]string(nil), req.Verifiers...),
		Data:      req.Data,
		Options:   req.Options,
		Status:    StatusPendingAuthentication,
	}
	if err := s.store.Create(ctx, record); err != nil {
		if stdErrors.Is(err, ErrProofConflict) {
			existing, getErr := s.store.Get(ctx, qHash)
			if getErr == nil {
				return &SubmitOutcome{Proof: existing, Completed: completed(existing)}, nil
			}
		}
		return nil, err
	}
	if err := s.store.UpdateStatus(ctx, qHash, StatusProcessingVerifiers); err != nil {
		return nil, err
	}
	logger.Audit().Info("受理验证请求",
		slog.String("q_hash", qHash),
		slog.String("wallet", record.Wallet),
		slog.Any("verifiers", record.Verifiers),
		slog.Int("target_chains", len(record.Options.TargetChains)),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.runVerification(context.WithoutCancel(ctx), record)
	}()

	budget := time.NewTimer(s.syncBudget)
	defer budget.Stop()
	select {
	case <-done:
		final, err := s.store.Get(ctx, qHash)
		if err != nil {
			return nil, err
		}
		return &SubmitOutcome{Proof: final, Completed: completed(final)}, nil
	case <-budget.C:
		snapshot, err := s.store.Get(ctx, qHash)
		if err != nil {
			return nil, err
		}
		return &SubmitOutcome{Proof: snapshot, Completed: false}, nil
	case <-ctx.Done():
		// 调用方离开，验证在后台继续
		return &SubmitOutcome{Proof: record.Clone(), Completed: false}, nil
	}
}

// runVerification 并发分发所有验证器，聚合结果并触发跨链凭证。
func (s *Service) runVerification(ctx context.Context, record *Proof) {
	var wg sync.WaitGroup
	for _, id := range record.Verifiers {
		wg.Add(1)
		go func(verifierID string) {
			defer wg.Done()
			s.runOne(ctx, record, verifierID)
		}(id)
	}
	wg.Wait()

	final, err := s.store.Get(ctx, record.QHash)
	if err != nil {
		logger.L().Error("读取验证结果失败", slog.Any("error", err), slog.String("q_hash", record.QHash))
		return
	}
	verified := len(final.VerifiedIDs())
	next := StatusVerificationFailed
	switch {
	case verified == len(final.Verifiers):
		next = StatusVerified
	case verified > 0:
		next = StatusPartiallyVerified
	}
	if err := s.store.UpdateStatus(ctx, record.QHash, next); err != nil {
		// 记录可能已被并发撤销
		logger.L().Warn("聚合状态更新被拒绝", slog.Any("error", err), slog.String("q_hash", record.QHash))
		return
	}
	logger.Audit().Info("验证聚合完成",
		slog.String("q_hash", record.QHash),
		slog.String("status", string(next)),
		slog.Int("verified", verified),
		slog.Int("requested", len(final.Verifiers)),
	)
	metrics.CountProofSubmission(string(next))

	if next == StatusVerificationFailed || len(final.Options.TargetChains) == 0 || s.issuer == nil {
		return
	}
	final.Status = next
	if err := s.issuer.IssueForProof(ctx, final); err != nil {
		logger.L().Error("签发跨链凭证失败", slog.Any("error", err), slog.String("q_hash", record.QHash))
		if updateErr := s.store.UpdateStatus(ctx, record.QHash, StatusPropagationFailed); updateErr != nil {
			logger.L().Warn("标记传播失败被拒绝", slog.Any("error", updateErr), slog.String("q_hash", record.QHash))
		}
	}
}

// runOne 执行单个验证器并写入其结果。执行错误与超时都折叠为
// 未通过的结果，不会让整个请求失败。
func (s *Service) runOne(ctx context.Context, record *Proof, verifierID string) {
	execCtx, cancel := context.WithTimeout(ctx, s.verifierTimeout)
	defer cancel()

	result := VerifierResult{CompletedAt: time.Now().UnixMilli()}
	v, err := s.registry.Lookup(verifierID)
	if err == nil {
		res, verifyErr := v.Verify(execCtx, verifier.Input{
			Wallet:  record.Wallet,
			ChainID: record.ChainID,
			Data:    dataSlice(record, verifierID),
		})
		if verifyErr != nil {
			err = verifyErr
		} else {
			result.Verified = res.Verified
			result.Data = res.Data
			result.ZK = res.ZK
		}
	}
	if err != nil {
		result.Verified = false
		result.Error = err.Error()
		result.ErrorCode = string(xerrors.CodeOf(err))
		logger.L().Warn("验证器执行失败",
			slog.String("q_hash", record.QHash),
			slog.String("verifier", verifierID),
			slog.Any("error", err),
		)
	}
	result.CompletedAt = time.Now().UnixMilli()
	if err := s.store.SetVerifierResult(ctx, record.QHash, verifierID, result); err != nil && !stdErrors.Is(err, ErrResultExists) {
		logger.L().Error("写入验证结果失败",
			slog.String("q_hash", record.QHash),
			slog.String("verifier", verifierID),
			slog.Any("error", err),
		)
	}
}

// dataSlice 返回分发给单个验证器的数据切片。多验证器请求按验证器 ID
// 做命名空间拆分，单验证器请求直接使用整份数据。
func dataSlice(record *Proof, verifierID string) map[string]any {
	if len(record.Verifiers) <= 1 {
		return record.Data
	}
	if sub, ok := record.Data[verifierID].(map[string]any); ok {
		return sub
	}
	return nil
}

// Access 描述状态读取方的身份。Wallet 为经过签名认证的查看方地址，
// Token 为预共享读取令牌，二者都为空表示匿名访问。
type Access struct {
	Wallet string
	Token  string
}

// Status 返回证明状态。私有证明仅持有者或持有读取令牌的一方可见。
func (s *Service) Status(ctx context.Context, qHash string, access Access) (*Proof, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "证明存储未初始化")
	}
	record, err := s.store.Get(ctx, qHash)
	if err != nil {
		return nil, err
	}
	if record.Options.Private && !s.canRead(ctx, record, access) {
		return nil, xerrors.New(CodeAccessDenied, "无权查看该证明")
	}
	return record, nil
}

func (s *Service) canRead(ctx context.Context, record *Proof, access Access) bool {
	if access.Wallet != "" && strings.EqualFold(access.Wallet, record.Wallet) {
		return true
	}
	if access.Token != "" {
		if _, ok := s.accessTokens[access.Token]; ok {
			return true
		}
		if s.tokenValid != nil && s.tokenValid(ctx, access.Token) {
			return true
		}
	}
	return false
}

// statusHeader 是持有者查询私有证明时签名消息的首行。
const statusHeader = "OpenProof Status Request"

// BuildStatusMessage 构造持有者状态查询的签名消息。
func BuildStatusMessage(qHash string, timestampMs int64) string {
	return fmt.Sprintf("%s\nProof: %s\nTimestamp: %d", statusHeader, strings.ToLower(qHash), timestampMs)
}

// StatusSigned 通过钱包签名证明持有者身份后查询状态。用于私有
// 证明的持有者读取,避免仅凭地址声明就放行。
func (s *Service) StatusSigned(ctx context.Context, qHash, requester, signature string, timestampMs int64) (*Proof, error) {
	if s.auth == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "证明服务未初始化")
	}
	message := BuildStatusMessage(qHash, timestampMs)
	if err := s.auth.Verify(ctx, requester, message, signature, timestampMs); err != nil {
		return nil, err
	}
	return s.Status(ctx, qHash, Access{Wallet: requester})
}

// revokeHeader 是撤销请求签名消息的首行。
const revokeHeader = "OpenProof Revoke Request"

// BuildRevokeMessage 构造撤销请求的签名消息。
func BuildRevokeMessage(qHash string, timestampMs int64) string {
	return fmt.Sprintf("%s\nProof: %s\nTimestamp: %d", revokeHeader, strings.ToLower(qHash), timestampMs)
}

// Revoke 由证明持有者撤销自己的证明。签名覆盖 qHash 与时间戳，
// 重复撤销幂等成功。
func (s *Service) Revoke(ctx context.Context, qHash, requester, signature string, timestampMs int64) (*Proof, error) {
	if s.store == nil || s.auth == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "证明服务未初始化")
	}
	record, err := s.store.Get(ctx, qHash)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(record.Wallet, requester) {
		return nil, xerrors.New(CodeAccessDenied, "只有证明持有者可以撤销")
	}
	message := BuildRevokeMessage(qHash, timestampMs)
	if err := s.auth.Verify(ctx, requester, message, signature, timestampMs); err != nil {
		return nil, err
	}
	if err := s.store.Revoke(ctx, qHash); err != nil {
		return nil, err
	}
	logger.Audit().Info("撤销证明",
		slog.String("q_hash", strings.ToLower(qHash)),
		slog.String("wallet", strings.ToLower(requester)),
	)
	return s.store.Get(ctx, qHash)
}

// Verifiers 返回已注册验证器的描述信息。
func (s *Service) Verifiers() []verifier.Info {
	if s.registry == nil {
		return nil
	}
	return s.registry.List()
}

// List 返回符合过滤条件的证明列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Proof, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "证明存储未初始化")
	}
	return s.store.List(ctx, opts...)
}

// Stats 返回证明统计信息。
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "证明存储未初始化")
	}
	return s.store.Stats(ctx)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// settled 报告状态是否已完成验证聚合。
func settled(status Status) bool {
	return statusRank[status] >= statusRank[StatusVerified]
}

// completed 判断提交响应是否无需再轮询。带目标链的证明要等跨链传播
// 到达终态;仅主链的证明在验证聚合后即完成。
func completed(record *Proof) bool {
	if !settled(record.Status) {
		return false
	}
	switch record.Status {
	case StatusVerificationFailed, StatusCrosschainPropagated, StatusPropagationFailed, StatusRevoked:
		return true
	}
	return len(record.Options.TargetChains) == 0
}

func validateShape(req SubmitRequest) error {
	if strings.TrimSpace(req.Wallet) == "" {
		return xerrors.New(CodeProofValidation, "钱包地址不能为空")
	}
	if !common.IsHexAddress(req.Wallet) {
		return xerrors.New(CodeProofValidation, "钱包地址格式非法")
	}
	if strings.TrimSpace(req.ChainID) == "" {
		return xerrors.New(CodeProofValidation, "链标识不能为空")
	}
	if len(req.Verifiers) == 0 {
		return xerrors.New(CodeProofValidation, "至少需要一个验证器")
	}
	if len(req.Verifiers) > MaxVerifiersPerRequest {
		return xerrors.New(CodeProofValidation,
			fmt.Sprintf("验证器数量超出上限 %d", MaxVerifiersPerRequest))
	}
	seen := make(map[string]struct{}, len(req.Verifiers))
	for _, id := range req.Verifiers {
		if strings.TrimSpace(id) == "" {
			return xerrors.New(CodeProofValidation, "验证器 ID 不能为空")
		}
		if _, dup := seen[id]; dup {
			return xerrors.New(CodeProofValidation, "验证器重复: "+id)
		}
		seen[id] = struct{}{}
	}
	if req.SignedTimestamp <= 0 {
		return xerrors.New(CodeProofValidation, "签名时间戳不能为空")
	}
	if strings.TrimSpace(req.Signature) == "" {
		return xerrors.New(CodeProofValidation, "签名不能为空")
	}
	seenChains := make(map[string]struct{}, len(req.Options.TargetChains))
	for _, chain := range req.Options.TargetChains {
		if strings.TrimSpace(chain) == "" {
			return xerrors.New(CodeProofValidation, "目标链标识不能为空")
		}
		if _, dup := seenChains[chain]; dup {
			return xerrors.New(CodeProofValidation, "目标链重复: "+chain)
		}
		seenChains[chain] = struct{}{}
	}
	return nil
}
