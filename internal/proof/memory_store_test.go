package proof

import (
	"context"
	stdErrors "errors"
	"testing"
)

func newTestProof(qHash string) *Proof {
	return &Proof{
		QHash:     qHash,
		Wallet:    "0x8ba1f109551bd432803012645ac136ddd64dba72",
		ChainID:   "ethereum",
		Verifiers: []string{"ownership-basic"},
		Status:    StatusPendingAuthentication,
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	record := newTestProof("0xabc1")
	if err := store.Create(ctx, record); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := store.Get(ctx, "0xABC1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.QHash != "0xabc1" || got.Wallet != record.Wallet {
		t.Fatalf("记录不一致: %+v", got)
	}

	// 返回的是副本，修改不应影响存储内部状态
	got.Verifiers[0] = "mutated"
	again, _ := store.Get(ctx, "0xabc1")
	if again.Verifiers[0] != "ownership-basic" {
		t.Fatal("Get 应返回隔离副本")
	}
}

func TestMemoryStoreDuplicateCreate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestProof("0xdup")); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := store.Create(ctx, newTestProof("0xdup"))
	if !stdErrors.Is(err, ErrProofConflict) {
		t.Fatalf("期望冲突错误, got %v", err)
	}
}

func TestMemoryStoreStatusMonotonic(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestProof("0xstate")); err != nil {
		t.Fatalf("create: %v", err)
	}
	steps := []Status{StatusProcessingVerifiers, StatusVerified, StatusCrosschainPropagated}
	for _, next := range steps {
		if err := store.UpdateStatus(ctx, "0xstate", next); err != nil {
			t.Fatalf("迁移到 %s: %v", next, err)
		}
	}
	// 任何回退都必须被拒绝
	for _, backwards := range []Status{StatusProcessingVerifiers, StatusVerified, StatusPendingAuthentication} {
		err := store.UpdateStatus(ctx, "0xstate", backwards)
		if !stdErrors.Is(err, ErrProofConflict) {
			t.Fatalf("回退到 %s 应被拒绝, got %v", backwards, err)
		}
	}
}

func TestMemoryStoreFailedIsTerminal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestProof("0xfail")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.UpdateStatus(ctx, "0xfail", StatusProcessingVerifiers); err != nil {
		t.Fatalf("processing: %v", err)
	}
	if err := store.UpdateStatus(ctx, "0xfail", StatusVerificationFailed); err != nil {
		t.Fatalf("failed: %v", err)
	}
	err := store.UpdateStatus(ctx, "0xfail", StatusVerified)
	if !stdErrors.Is(err, ErrProofConflict) {
		t.Fatalf("verification_failed 之后不应允许 verified, got %v", err)
	}
}

func TestMemoryStoreVerifierResultWriteOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestProof("0xres")); err != nil {
		t.Fatalf("create: %v", err)
	}
	first := VerifierResult{Verified: true, Data: map[string]any{"balance": "10"}}
	if err := store.SetVerifierResult(ctx, "0xres", "ownership-basic", first); err != nil {
		t.Fatalf("首次写入: %v", err)
	}
	err := store.SetVerifierResult(ctx, "0xres", "ownership-basic", VerifierResult{Verified: false})
	if !stdErrors.Is(err, ErrResultExists) {
		t.Fatalf("重复写入应被拒绝, got %v", err)
	}
	got, _ := store.Get(ctx, "0xres")
	if !got.Results["ownership-basic"].Verified {
		t.Fatal("首次结果不应被覆盖")
	}
}

func TestMemoryStoreRevokeIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestProof("0xrev")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Revoke(ctx, "0xrev"); err != nil {
		t.Fatalf("首次撤销: %v", err)
	}
	got, _ := store.Get(ctx, "0xrev")
	firstRevokedAt := got.RevokedAt
	if got.Status != StatusRevoked || firstRevokedAt == 0 {
		t.Fatalf("撤销状态不正确: %+v", got)
	}

	if err := store.Revoke(ctx, "0xrev"); err != nil {
		t.Fatalf("重复撤销应幂等成功: %v", err)
	}
	again, _ := store.Get(ctx, "0xrev")
	if again.RevokedAt != firstRevokedAt {
		t.Fatal("重复撤销不应改变撤销时间")
	}

	// 撤销后拒绝任何推进
	err := store.UpdateStatus(ctx, "0xrev", StatusVerified)
	if !stdErrors.Is(err, ErrProofConflict) {
		t.Fatalf("撤销后推进应被拒绝, got %v", err)
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	private := newTestProof("0xaaa1")
	private.Options.Private = true
	public := newTestProof("0xaaa2")
	public.Options.Discoverable = true
	other := newTestProof("0xaaa3")
	other.Wallet = "0x0000000000000000000000000000000000000009"
	other.Options.Discoverable = true

	for _, p := range []*Proof{private, public, other} {
		if err := store.Create(ctx, p); err != nil {
			t.Fatalf("create %s: %v", p.QHash, err)
		}
	}

	got, err := store.List(ctx, WithWallet("0x8BA1f109551bD432803012645Ac136ddd64DBA72"), WithPublicOnly(), WithDiscoverableOnly())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].QHash != "0xaaa2" {
		t.Fatalf("过滤结果不正确: %+v", got)
	}

	byVerifier, err := store.List(ctx, WithVerifier("nft-ownership"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byVerifier) != 0 {
		t.Fatalf("不应命中任何记录: %+v", byVerifier)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a := newTestProof("0xs1")
	b := newTestProof("0xs2")
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, b); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.UpdateStatus(ctx, "0xs1", StatusProcessingVerifiers); err != nil {
		t.Fatalf("processing: %v", err)
	}
	if err := store.UpdateStatus(ctx, "0xs1", StatusVerified); err != nil {
		t.Fatalf("verified: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 || stats.Verified != 1 || stats.Processing != 1 {
		t.Fatalf("统计不正确: %+v", stats)
	}
}
