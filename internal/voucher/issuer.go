package voucher

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	xerrors "OpenProof-Chain/internal/errors"
	"OpenProof-Chain/internal/observability/metrics"
	"OpenProof-Chain/internal/proof"
	"OpenProof-Chain/internal/web3"
	"OpenProof-Chain/pkg/logger"
)

// DefaultMaxAttempts 是单个凭证允许的最大履约尝试次数。
const DefaultMaxAttempts = 5

// Issuer 在证明验证通过后为每条目标链、每个通过的验证器签发凭证，
// 并把凭证事件投递到中继队列。凭证 ID 由签发参数确定性推导，
// 同一毫秒内的并发签发依靠进程级序号区分。
type Issuer struct {
	store       Store
	proofs      proof.Store
	producer    Producer
	hubRelay    web3.Relay
	hubChain    string
	originTag   string
	maxAttempts int
	seq         atomic.Uint64
	nowMs       func() int64
}

// IssuerOption 调整签发器的行为。
type IssuerOption func(*Issuer)

// WithMaxAttempts 覆盖凭证的最大履约尝试次数。
func WithMaxAttempts(n int) IssuerOption {
	return func(i *Issuer) {
		if n > 0 {
			i.maxAttempts = n
		}
	}
}

// WithHubRelay 配置枢纽链的写客户端。配置后每张凭证先在枢纽链上记账，
// 凭证携带源链交易哈希，中继器据此在目标链提交前确认源链终局性。
func WithHubRelay(relay web3.Relay) IssuerOption {
	return func(i *Issuer) {
		i.hubRelay = relay
	}
}

// WithIssuerClock 注入毫秒时钟，测试同毫秒签发用。
func WithIssuerClock(nowMs func() int64) IssuerOption {
	return func(i *Issuer) {
		if nowMs != nil {
			i.nowMs = nowMs
		}
	}
}

// NewIssuer 构造凭证签发器。originTag 标识本进程，事件消费侧据此
// 过滤不属于自己的凭证。
func NewIssuer(store Store, proofs proof.Store, producer Producer, hubChain, originTag string, opts ...IssuerOption) *Issuer {
	issuer := &Issuer{
		store:       store,
		proofs:      proofs,
		producer:    producer,
		hubChain:    hubChain,
		originTag:   originTag,
		maxAttempts: DefaultMaxAttempts,
		nowMs:       func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(issuer)
		}
	}
	return issuer
}

// VoucherID 由签发参数确定性推导凭证 ID。
func VoucherID(qHash, chainID, verifierID string, issuedAtMs int64, seq uint64) string {
	preimage := fmt.Sprintf("%s|%s|%s|%d|%d",
		strings.ToLower(qHash), chainID, verifierID, issuedAtMs, seq)
	return "0x" + fmt.Sprintf("%x", crypto.Keccak256([]byte(preimage)))
}

// IssueForProof 为证明的每条目标链、每个已通过的验证器各签发一张凭证。
// 主链不签发凭证。签发完成后初始化证明的跨链传播汇总。
func (i *Issuer) IssueForProof(ctx context.Context, record *proof.Proof) error {
	if i.store == nil || i.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "凭证签发器未初始化")
	}
	verified := record.VerifiedIDs()
	if len(verified) == 0 {
		return xerrors.New(CodeVoucherIssuance, "没有已通过的验证器，无法签发凭证")
	}

	issued := make([]*Voucher, 0, len(record.Options.TargetChains)*len(verified))
	for _, chainID := range record.Options.TargetChains {
		if chainID == i.hubChain {
			// 证明本身就锚定在主链，目标链不应包含主链
			continue
		}
		for _, verifierID := range verified {
			voucher, err := i.issueOne(ctx, record, chainID, verifierID)
			if err != nil {
				return err
			}
			issued = append(issued, voucher)
		}
	}
	if len(issued) == 0 {
		return xerrors.New(CodeVoucherIssuance, "没有可签发凭证的目标链")
	}

	if err := i.initCrossChain(ctx, record.QHash, issued); err != nil {
		return err
	}

	for _, voucher := range issued {
		if err := i.producer.Publish(ctx, Event{VoucherID: voucher.ID, OriginTag: voucher.OriginTag}); err != nil {
			logger.L().Error("凭证事件入队失败",
				slog.Any("error", err),
				slog.String("voucher_id", voucher.ID),
				slog.String("chain_id", voucher.ChainID),
			)
			return xerrors.Wrap(CodeVoucherPublish, err, "发布凭证事件到队列失败")
		}
		metrics.CountVoucherIssued(voucher.ChainID)
	}
	logger.Audit().Info("签发跨链凭证",
		slog.String("q_hash", strings.ToLower(record.QHash)),
		slog.Int("vouchers", len(issued)),
		slog.Any("chains", record.Options.TargetChains),
	)
	return nil
}

// issueOne 签发单张凭证。ID 碰撞只可能出现在完全相同的签发参数上，
// 换一个序号即可消解。
func (i *Issuer) issueOne(ctx context.Context, record *proof.Proof, chainID, verifierID string) (*Voucher, error) {
	for attempt := 0; attempt < 3; attempt++ {
		issuedAt := i.nowMs()
		seq := i.seq.Add(1)
		voucher := &Voucher{
			ID:          VoucherID(record.QHash, chainID, verifierID, issuedAt, seq),
			QHash:       strings.ToLower(record.QHash),
			Wallet:      strings.ToLower(record.Wallet),
			VerifierID:  verifierID,
			ChainID:     chainID,
			OriginTag:   i.originTag,
			State:       StatePending,
			MaxAttempts: i.maxAttempts,
			IssuedAtMs:  issuedAt,
			Seq:         seq,
		}
		if err := i.anchorOnHub(ctx, voucher); err != nil {
			return nil, err
		}
		err := i.store.Create(ctx, voucher)
		if err == nil {
			return voucher, nil
		}
		if !stdErrors.Is(err, ErrVoucherConflict) {
			return nil, err
		}
	}
	return nil, xerrors.New(CodeVoucherIssuance, "凭证 ID 反复碰撞: "+chainID+"/"+verifierID)
}

// anchorOnHub 在枢纽链上为凭证记账，签发参数由此获得可审计的源链
// 交易。未配置枢纽写客户端时跳过，凭证不携带源链交易哈希。
func (i *Issuer) anchorOnHub(ctx context.Context, voucher *Voucher) error {
	if i.hubRelay == nil {
		return nil
	}
	result, err := i.hubRelay.SubmitFulfillment(ctx, web3.FulfillmentRequest{
		VoucherID:  voucher.ID,
		QHash:      voucher.QHash,
		VerifierID: voucher.VerifierID,
	})
	if err != nil {
		return xerrors.Wrap(CodeVoucherIssuance, err, "凭证在枢纽链记账失败")
	}
	voucher.OriginTxHash = result.TxHash
	return nil
}

// initCrossChain 将汇总初始化为 pending，并为每张凭证建立一条链路记录。
func (i *Issuer) initCrossChain(ctx context.Context, qHash string, issued []*Voucher) error {
	if i.proofs == nil {
		return nil
	}
	now := time.Now().Unix()
	chains := make([]proof.ChainRelayState, 0, len(issued))
	for _, voucher := range issued {
		chains = append(chains, proof.ChainRelayState{
			ChainID:   voucher.ChainID,
			VoucherID: voucher.ID,
			State:     string(StatePending),
			UpdatedAt: now,
		})
	}
	return i.proofs.SetCrossChain(ctx, qHash, proof.CrossChainSummary{
		Status: proof.CrossChainPending,
		Chains: chains,
	})
}

var _ proof.VoucherIssuer = (*Issuer)(nil)
