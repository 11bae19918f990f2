package voucher

import (
	"context"
	"testing"

	"OpenProof-Chain/internal/proof"
)

func verifiedProof(qHash string, targetChains ...string) *proof.Proof {
	return &proof.Proof{
		QHash:     qHash,
		Wallet:    "0x8ba1f109551bd432803012645ac136ddd64dba72",
		ChainID:   "ethereum",
		Verifiers: []string{"ownership-basic", "token-balance"},
		Options:   proof.Options{TargetChains: targetChains},
		Status:    proof.StatusVerified,
		Results: map[string]proof.VerifierResult{
			"ownership-basic": {Verified: true},
			"token-balance":   {Verified: true},
		},
	}
}

func seedProof(t *testing.T, proofs proof.Store, record *proof.Proof) {
	t.Helper()
	ctx := context.Background()
	seed := record.Clone()
	seed.Status = proof.StatusPendingAuthentication
	if err := proofs.Create(ctx, seed); err != nil {
		t.Fatalf("seed create: %v", err)
	}
	for _, next := range []proof.Status{proof.StatusProcessingVerifiers, record.Status} {
		if err := proofs.UpdateStatus(ctx, record.QHash, next); err != nil {
			t.Fatalf("seed status %s: %v", next, err)
		}
	}
}

func TestVoucherIDDeterministic(t *testing.T) {
	a := VoucherID("0xABCD", "polygon", "ownership-basic", 1700000000000, 7)
	b := VoucherID("0xabcd", "polygon", "ownership-basic", 1700000000000, 7)
	if a != b {
		t.Fatal("qHash 大小写不应影响凭证 ID")
	}
	if len(a) != 66 || a[:2] != "0x" {
		t.Fatalf("凭证 ID 形状不正确: %q", a)
	}
	c := VoucherID("0xabcd", "polygon", "ownership-basic", 1700000000000, 8)
	if a == c {
		t.Fatal("不同序号必须得到不同凭证 ID")
	}
}

func TestIssueSameMillisecondUnique(t *testing.T) {
	store := NewMemoryStore()
	proofs := proof.NewMemoryStore()
	queue := NewMemoryQueue(64)
	// 时钟冻结在同一毫秒，唯一性只能靠序号保证
	frozen := int64(1700000000000)
	issuer := NewIssuer(store, proofs, queue, "ethereum", "node-a",
		WithIssuerClock(func() int64 { return frozen }))

	record := verifiedProof("0xmilli", "polygon", "arbitrum")
	seedProof(t, proofs, record)
	if err := issuer.IssueForProof(context.Background(), record); err != nil {
		t.Fatalf("issue: %v", err)
	}

	issued, err := store.ListByProof(context.Background(), "0xmilli")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	// 2 条链 × 2 个验证器
	if len(issued) != 4 {
		t.Fatalf("期望 4 张凭证, got %d", len(issued))
	}
	seen := make(map[string]struct{}, len(issued))
	for _, voucher := range issued {
		if _, dup := seen[voucher.ID]; dup {
			t.Fatalf("凭证 ID 重复: %s", voucher.ID)
		}
		seen[voucher.ID] = struct{}{}
		if voucher.IssuedAtMs != frozen {
			t.Fatalf("签发时间不正确: %d", voucher.IssuedAtMs)
		}
		if voucher.State != StatePending {
			t.Fatalf("新凭证应为 pending: %s", voucher.State)
		}
	}
}

func TestIssueSkipsHubChain(t *testing.T) {
	store := NewMemoryStore()
	proofs := proof.NewMemoryStore()
	queue := NewMemoryQueue(16)
	issuer := NewIssuer(store, proofs, queue, "ethereum", "node-a")

	record := verifiedProof("0xhub", "ethereum", "polygon")
	seedProof(t, proofs, record)
	if err := issuer.IssueForProof(context.Background(), record); err != nil {
		t.Fatalf("issue: %v", err)
	}
	issued, _ := store.ListByProof(context.Background(), "0xhub")
	for _, voucher := range issued {
		if voucher.ChainID == "ethereum" {
			t.Fatal("主链不应签发凭证")
		}
	}
	if len(issued) != 2 {
		t.Fatalf("期望 2 张凭证, got %d", len(issued))
	}
}

func TestIssueOnlyForVerifiedVerifiers(t *testing.T) {
	store := NewMemoryStore()
	proofs := proof.NewMemoryStore()
	queue := NewMemoryQueue(16)
	issuer := NewIssuer(store, proofs, queue, "ethereum", "node-a")

	record := verifiedProof("0xpart", "polygon")
	record.Status = proof.StatusPartiallyVerified
	record.Results["token-balance"] = proof.VerifierResult{Verified: false}
	seedProof(t, proofs, record)

	if err := issuer.IssueForProof(context.Background(), record); err != nil {
		t.Fatalf("issue: %v", err)
	}
	issued, _ := store.ListByProof(context.Background(), "0xpart")
	if len(issued) != 1 || issued[0].VerifierID != "ownership-basic" {
		t.Fatalf("只应为通过的验证器签发: %+v", issued)
	}
}

func TestIssueInitializesCrossChainSummary(t *testing.T) {
	store := NewMemoryStore()
	proofs := proof.NewMemoryStore()
	queue := NewMemoryQueue(16)
	issuer := NewIssuer(store, proofs, queue, "ethereum", "node-a")

	record := verifiedProof("0xinit", "polygon")
	seedProof(t, proofs, record)
	if err := issuer.IssueForProof(context.Background(), record); err != nil {
		t.Fatalf("issue: %v", err)
	}

	stored, err := proofs.Get(context.Background(), "0xinit")
	if err != nil {
		t.Fatalf("get proof: %v", err)
	}
	if stored.CrossChain == nil || stored.CrossChain.Status != proof.CrossChainPending {
		t.Fatalf("跨链汇总未初始化: %+v", stored.CrossChain)
	}
	if len(stored.CrossChain.Chains) != 2 {
		t.Fatalf("期望 2 条链路记录, got %d", len(stored.CrossChain.Chains))
	}
}

func TestIssueAnchorsVouchersOnHub(t *testing.T) {
	store := NewMemoryStore()
	proofs := proof.NewMemoryStore()
	queue := NewMemoryQueue(16)
	hub := &fakeRelay{}
	issuer := NewIssuer(store, proofs, queue, "ethereum", "node-a", WithHubRelay(hub))

	record := verifiedProof("0xanchored", "polygon")
	seedProof(t, proofs, record)
	if err := issuer.IssueForProof(context.Background(), record); err != nil {
		t.Fatalf("issue: %v", err)
	}

	issued, err := store.ListByProof(context.Background(), "0xanchored")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(issued) == 0 {
		t.Fatal("未签发任何凭证")
	}
	if hub.submitted() != len(issued) {
		t.Fatalf("每张凭证都应在枢纽链记账: %d 次记账, %d 张凭证", hub.submitted(), len(issued))
	}
	for _, voucher := range issued {
		if voucher.OriginTxHash == "" {
			t.Fatalf("持久化的凭证缺少源链交易哈希: %+v", voucher)
		}
	}

	// 队列事件携带签发节点的来源标签
	select {
	case event := <-queue.ch:
		if event.OriginTag != "node-a" || event.VoucherID == "" {
			t.Fatalf("凭证事件不完整: %+v", event)
		}
	default:
		t.Fatal("签发后应有凭证事件入队")
	}
}
