package voucher

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"OpenProof-Chain/internal/proof"
	"OpenProof-Chain/internal/web3"
)

type fakeRelay struct {
	mu      sync.Mutex
	submits int
	err     error
}

func (f *fakeRelay) SubmitFulfillment(ctx context.Context, req web3.FulfillmentRequest) (web3.FulfillmentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.err != nil {
		return web3.FulfillmentResult{}, f.err
	}
	return web3.FulfillmentResult{TxHash: "0xtx", BlockNumber: 42}, nil
}

func (f *fakeRelay) submitted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

type fakeRelays struct {
	relay         *fakeRelay
	reader        web3.Reader
	confirmations map[string]uint64
}

func (f *fakeRelays) Relay(chainID string) (web3.Relay, bool) {
	if f.relay == nil {
		return nil, false
	}
	return f.relay, true
}
func (f *fakeRelays) Reader(chainID string) (web3.Reader, error) {
	if f.reader == nil {
		return nil, errors.New("不需要只读客户端")
	}
	return f.reader, nil
}
func (f *fakeRelays) Confirmations(chainID string) uint64 {
	if depth, ok := f.confirmations[chainID]; ok {
		return depth
	}
	return 1
}

// fakeHubReader 以固定的回执与链高度响应枢纽链查询。
type fakeHubReader struct {
	mu      sync.Mutex
	head    uint64
	receipt *coretypes.Receipt
}

func (f *fakeHubReader) setHead(head uint64) {
	f.mu.Lock()
	f.head = head
	f.mu.Unlock()
}

func (f *fakeHubReader) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (f *fakeHubReader) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}
func (f *fakeHubReader) CodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return nil, nil
}
func (f *fakeHubReader) CallContract(ctx context.Context, msg gethcore.CallMsg) ([]byte, error) {
	return nil, errors.New("不支持合约调用")
}
func (f *fakeHubReader) TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receipt == nil {
		return nil, errors.New("not found")
	}
	return f.receipt, nil
}

func voucherEvent(voucher *Voucher) Event {
	return Event{VoucherID: voucher.ID, OriginTag: voucher.OriginTag}
}

func newRelayerFixture(t *testing.T, relay *fakeRelay, opts ...RelayerOption) (*Relayer, *MemoryStore, *proof.MemoryStore, *MemoryQueue) {
	t.Helper()
	store := NewMemoryStore()
	proofs := proof.NewMemoryStore()
	queue := NewMemoryQueue(64)
	dedup := NewMemoryDedup()
	base := []RelayerOption{WithRetryDelay(time.Millisecond)}
	relayer := NewRelayer(store, proofs, dedup, queue, queue, &fakeRelays{relay: relay}, "node-a", append(base, opts...)...)
	return relayer, store, proofs, queue
}

func seedVoucher(t *testing.T, store *MemoryStore, proofs *proof.MemoryStore, id string) *Voucher {
	t.Helper()
	record := verifiedProof("0xrelay"+id, "polygon")
	seedProof(t, proofs, record)
	voucher := &Voucher{
		ID:          id,
		QHash:       record.QHash,
		Wallet:      record.Wallet,
		VerifierID:  "ownership-basic",
		ChainID:     "polygon",
		OriginTag:   "node-a",
		State:       StatePending,
		MaxAttempts: 3,
		IssuedAtMs:  time.Now().UnixMilli(),
		Seq:         1,
	}
	if err := store.Create(context.Background(), voucher); err != nil {
		t.Fatalf("seed voucher: %v", err)
	}
	return voucher
}

func TestRelayerFulfillsVoucher(t *testing.T) {
	relay := &fakeRelay{}
	relayer, store, proofs, _ := newRelayerFixture(t, relay)
	voucher := seedVoucher(t, store, proofs, "0xv1")

	if err := relayer.handle(context.Background(), voucherEvent(voucher)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _ := store.Get(context.Background(), voucher.ID)
	if got.State != StateFulfilled || got.TxHash != "0xtx" || got.BlockNumber != 42 {
		t.Fatalf("凭证未锚定: %+v", got)
	}

	stored, _ := proofs.Get(context.Background(), voucher.QHash)
	if stored.Status != proof.StatusCrosschainPropagated {
		t.Fatalf("证明应推进到传播完成: %s", stored.Status)
	}
	if stored.CrossChain == nil || stored.CrossChain.Status != proof.CrossChainCompleted {
		t.Fatalf("跨链汇总不正确: %+v", stored.CrossChain)
	}
}

func TestRelayerAtMostOnce(t *testing.T) {
	relay := &fakeRelay{}
	relayer, store, proofs, _ := newRelayerFixture(t, relay)
	voucher := seedVoucher(t, store, proofs, "0xv2")

	// 同一事件投递两次，锚定交易只能提交一次
	if err := relayer.handle(context.Background(), voucherEvent(voucher)); err != nil {
		t.Fatalf("第一次处理: %v", err)
	}
	if err := relayer.handle(context.Background(), voucherEvent(voucher)); err != nil {
		t.Fatalf("第二次处理: %v", err)
	}
	if relay.submitted() != 1 {
		t.Fatalf("重复事件导致了 %d 次提交", relay.submitted())
	}
}

func TestRelayerTransientFailureRequeues(t *testing.T) {
	relay := &fakeRelay{err: errors.New("connection refused")}
	relayer, store, proofs, queue := newRelayerFixture(t, relay)
	voucher := seedVoucher(t, store, proofs, "0xv3")

	if err := relayer.handle(context.Background(), voucherEvent(voucher)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _ := store.Get(context.Background(), voucher.ID)
	if got.State != StatePending || got.Attempts != 1 {
		t.Fatalf("瞬时失败应保持 pending 并记一次尝试: %+v", got)
	}

	// 事件应被重投，且占位已归还，可以再次领取履约
	select {
	case requeued := <-queue.ch:
		if requeued.VoucherID != voucher.ID || requeued.OriginTag != "node-a" {
			t.Fatalf("重投事件不正确: %+v", requeued)
		}
	default:
		t.Fatal("瞬时失败后事件应被重投")
	}
	relay.err = nil
	if err := relayer.handle(context.Background(), voucherEvent(voucher)); err != nil {
		t.Fatalf("重试处理: %v", err)
	}
	final, _ := store.Get(context.Background(), voucher.ID)
	if final.State != StateFulfilled {
		t.Fatalf("重试后应锚定成功: %+v", final)
	}
}

func TestRelayerPermanentFailureAbandons(t *testing.T) {
	relay := &fakeRelay{err: errors.New("execution reverted: invalid voucher")}
	relayer, store, proofs, queue := newRelayerFixture(t, relay)
	voucher := seedVoucher(t, store, proofs, "0xv4")

	if err := relayer.handle(context.Background(), voucherEvent(voucher)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _ := store.Get(context.Background(), voucher.ID)
	if got.State != StateAbandoned {
		t.Fatalf("永久错误应放弃凭证: %+v", got)
	}
	select {
	case <-queue.ch:
		t.Fatal("永久错误不应重投事件")
	default:
	}

	stored, _ := proofs.Get(context.Background(), voucher.QHash)
	if stored.Status != proof.StatusPropagationFailed {
		t.Fatalf("证明应标记传播失败: %s", stored.Status)
	}
}

func TestRelayerExhaustionAbandons(t *testing.T) {
	relay := &fakeRelay{err: errors.New("timeout")}
	relayer, store, proofs, _ := newRelayerFixture(t, relay)
	voucher := seedVoucher(t, store, proofs, "0xv5")

	// MaxAttempts 为 3，前两次瞬时失败保持 pending，第三次耗尽后放弃
	for i := 0; i < 3; i++ {
		if err := relayer.handle(context.Background(), voucherEvent(voucher)); err != nil {
			t.Fatalf("第 %d 次处理: %v", i+1, err)
		}
	}
	got, _ := store.Get(context.Background(), voucher.ID)
	if got.State != StateAbandoned {
		t.Fatalf("重试耗尽应放弃凭证: %+v", got)
	}
	if relay.submitted() != 3 {
		t.Fatalf("期望 3 次提交, got %d", relay.submitted())
	}
}

func TestRelayerSkipsForeignOrigin(t *testing.T) {
	relay := &fakeRelay{}
	relayer, store, proofs, _ := newRelayerFixture(t, relay)

	record := verifiedProof("0xforeignproof", "polygon")
	seedProof(t, proofs, record)
	// 其他进程签发的凭证携带不同的来源标记
	foreign := &Voucher{
		ID:          "0xforeign",
		QHash:       record.QHash,
		Wallet:      record.Wallet,
		VerifierID:  "ownership-basic",
		ChainID:     "polygon",
		OriginTag:   "node-b",
		State:       StatePending,
		MaxAttempts: 3,
		IssuedAtMs:  time.Now().UnixMilli(),
		Seq:         2,
	}
	if err := store.Create(context.Background(), foreign); err != nil {
		t.Fatalf("create: %v", err)
	}

	// 事件携带来源标签时在读库之前就被丢弃
	if err := relayer.handle(context.Background(), voucherEvent(foreign)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	// 标签缺失的事件落到存储侧的来源检查，同样不履约
	if err := relayer.handle(context.Background(), Event{VoucherID: foreign.ID}); err != nil {
		t.Fatalf("handle untagged: %v", err)
	}
	if relay.submitted() != 0 {
		t.Fatal("其他来源的凭证不应被本进程履约")
	}
	got, _ := store.Get(context.Background(), foreign.ID)
	if got.State != StatePending {
		t.Fatalf("凭证状态不应改变: %+v", got)
	}
}

func TestRelayerPartialPropagation(t *testing.T) {
	relay := &fakeRelay{}
	relayer, store, proofs, _ := newRelayerFixture(t, relay)

	record := verifiedProof("0xmixed", "polygon")
	seedProof(t, proofs, record)
	ok := &Voucher{
		ID: "0xokv", QHash: record.QHash, Wallet: record.Wallet,
		VerifierID: "ownership-basic", ChainID: "polygon", OriginTag: "node-a",
		State: StatePending, MaxAttempts: 3, IssuedAtMs: time.Now().UnixMilli(), Seq: 1,
	}
	bad := &Voucher{
		ID: "0xbadv", QHash: record.QHash, Wallet: record.Wallet,
		VerifierID: "token-balance", ChainID: "arbitrum", OriginTag: "node-a",
		State: StatePending, MaxAttempts: 3, IssuedAtMs: time.Now().UnixMilli(), Seq: 2,
	}
	for _, voucher := range []*Voucher{ok, bad} {
		if err := store.Create(context.Background(), voucher); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	if err := relayer.handle(context.Background(), voucherEvent(ok)); err != nil {
		t.Fatalf("handle ok: %v", err)
	}
	relay.err = errors.New("execution reverted")
	if err := relayer.handle(context.Background(), voucherEvent(bad)); err != nil {
		t.Fatalf("handle bad: %v", err)
	}

	stored, _ := proofs.Get(context.Background(), record.QHash)
	if stored.CrossChain == nil || stored.CrossChain.Status != proof.CrossChainPartial {
		t.Fatalf("混合结果应为 partial: %+v", stored.CrossChain)
	}
	if stored.Status != proof.StatusPropagationFailed {
		t.Fatalf("存在放弃的凭证时证明应标记传播失败: %s", stored.Status)
	}
}

func TestRelayerAbandonsVoucherOfRevokedProof(t *testing.T) {
	relay := &fakeRelay{}
	relayer, store, proofs, _ := newRelayerFixture(t, relay)

	record := verifiedProof("0xrevokedproof", "polygon")
	seedProof(t, proofs, record)
	if err := proofs.Revoke(context.Background(), record.QHash); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	voucher := &Voucher{
		ID: "0xrevokedv", QHash: record.QHash, Wallet: record.Wallet,
		VerifierID: "ownership-basic", ChainID: "polygon", OriginTag: "node-a",
		State: StatePending, MaxAttempts: 3, IssuedAtMs: time.Now().UnixMilli(), Seq: 1,
	}
	if err := store.Create(context.Background(), voucher); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := relayer.handle(context.Background(), voucherEvent(voucher)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if relay.submitted() != 0 {
		t.Fatal("撤销证明的凭证不应被锚定")
	}
	got, _ := store.Get(context.Background(), voucher.ID)
	if got.State != StateAbandoned {
		t.Fatalf("凭证应被放弃: %s", got.State)
	}
}

func TestRelayerWaitsForOriginFinality(t *testing.T) {
	relay := &fakeRelay{}
	hub := &fakeHubReader{
		head:    100,
		receipt: &coretypes.Receipt{Status: coretypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100)},
	}
	store := NewMemoryStore()
	proofs := proof.NewMemoryStore()
	queue := NewMemoryQueue(64)
	dedup := NewMemoryDedup()
	relays := &fakeRelays{
		relay:         relay,
		reader:        hub,
		confirmations: map[string]uint64{"ethereum": 3},
	}
	relayer := NewRelayer(store, proofs, dedup, queue, queue, relays, "node-a",
		WithRetryDelay(time.Millisecond),
		WithHubChain("ethereum"),
	)

	record := verifiedProof("0xoriginproof", "polygon")
	seedProof(t, proofs, record)
	voucher := &Voucher{
		ID: "0xoriginv", QHash: record.QHash, Wallet: record.Wallet,
		VerifierID: "ownership-basic", ChainID: "polygon", OriginTag: "node-a",
		OriginTxHash: "0xaa11",
		State: StatePending, MaxAttempts: 3,
		IssuedAtMs: time.Now().UnixMilli(), Seq: 1,
	}
	if err := store.Create(context.Background(), voucher); err != nil {
		t.Fatalf("create: %v", err)
	}

	// 记账交易深度不足：不得提交目标链，事件重投等待下一轮
	if err := relayer.handle(context.Background(), voucherEvent(voucher)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if relay.submitted() != 0 {
		t.Fatal("源链未终局前不得向目标链提交")
	}
	got, _ := store.Get(context.Background(), voucher.ID)
	if got.State != StatePending || got.Attempts != 1 {
		t.Fatalf("深度不足应保持 pending 并记一次尝试: %+v", got)
	}
	select {
	case requeued := <-queue.ch:
		if requeued.VoucherID != voucher.ID {
			t.Fatalf("重投事件不正确: %+v", requeued)
		}
	default:
		t.Fatal("深度不足后事件应被重投")
	}

	// 枢纽链前进到足够深度后正常履约
	hub.setHead(102)
	if err := relayer.handle(context.Background(), voucherEvent(voucher)); err != nil {
		t.Fatalf("重试处理: %v", err)
	}
	final, _ := store.Get(context.Background(), voucher.ID)
	if final.State != StateFulfilled {
		t.Fatalf("终局后应锚定成功: %+v", final)
	}
	if relay.submitted() != 1 {
		t.Fatalf("期望 1 次提交, got %d", relay.submitted())
	}
}

func TestRelayerAbandonsRevertedOriginTx(t *testing.T) {
	relay := &fakeRelay{}
	hub := &fakeHubReader{
		head:    200,
		receipt: &coretypes.Receipt{Status: coretypes.ReceiptStatusFailed, BlockNumber: big.NewInt(100)},
	}
	store := NewMemoryStore()
	proofs := proof.NewMemoryStore()
	queue := NewMemoryQueue(64)
	dedup := NewMemoryDedup()
	relays := &fakeRelays{relay: relay, reader: hub, confirmations: map[string]uint64{"ethereum": 3}}
	relayer := NewRelayer(store, proofs, dedup, queue, queue, relays, "node-a",
		WithRetryDelay(time.Millisecond),
		WithHubChain("ethereum"),
	)

	record := verifiedProof("0xrevertedorigin", "polygon")
	seedProof(t, proofs, record)
	voucher := &Voucher{
		ID: "0xrevertedoriginv", QHash: record.QHash, Wallet: record.Wallet,
		VerifierID: "ownership-basic", ChainID: "polygon", OriginTag: "node-a",
		OriginTxHash: "0xaa22",
		State: StatePending, MaxAttempts: 3,
		IssuedAtMs: time.Now().UnixMilli(), Seq: 1,
	}
	if err := store.Create(context.Background(), voucher); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := relayer.handle(context.Background(), voucherEvent(voucher)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if relay.submitted() != 0 {
		t.Fatal("记账交易回滚后不得向目标链提交")
	}
	got, _ := store.Get(context.Background(), voucher.ID)
	if got.State != StateAbandoned {
		t.Fatalf("回滚的记账交易应放弃凭证: %+v", got)
	}
}
