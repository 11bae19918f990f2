package proof

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "OpenProof-Chain/internal/errors"
	"OpenProof-Chain/internal/verifier"
	"OpenProof-Chain/internal/wallet"
)

const testKeyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

type passVerifier struct{ id string }

func (p *passVerifier) ID() string { return p.id }
func (p *passVerifier) Describe() verifier.Info {
	return verifier.Info{ID: p.id, Name: p.id}
}
func (p *passVerifier) Verify(ctx context.Context, input verifier.Input) (verifier.Result, error) {
	return verifier.Result{Verified: true, Data: map[string]any{"echo": input.Wallet}}, nil
}

type failVerifier struct{ id string }

func (f *failVerifier) ID() string { return f.id }
func (f *failVerifier) Describe() verifier.Info {
	return verifier.Info{ID: f.id, Name: f.id}
}
func (f *failVerifier) Verify(ctx context.Context, input verifier.Input) (verifier.Result, error) {
	return verifier.Result{Verified: false}, nil
}

func signPersonal(t *testing.T, message string) string {
	t.Helper()
	key, err := crypto.HexToECDSA(testKeyHex)
	if err != nil {
		t.Fatalf("解析测试私钥: %v", err)
	}
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		t.Fatalf("签名失败: %v", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return "0x" + hex.EncodeToString(sig)
}

func testWalletAddress(t *testing.T) string {
	t.Helper()
	key, err := crypto.HexToECDSA(testKeyHex)
	if err != nil {
		t.Fatalf("解析测试私钥: %v", err)
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex()
}

func newTestService(t *testing.T, verifiers ...verifier.Verifier) (*Service, *MemoryStore) {
	t.Helper()
	registry := verifier.NewRegistry()
	for _, v := range verifiers {
		if err := registry.Register(v); err != nil {
			t.Fatalf("注册验证器: %v", err)
		}
	}
	store := NewMemoryStore()
	auth := wallet.NewAuthenticator(nil)
	svc := NewService(store, registry, auth, "ethereum", WithSyncBudget(5*time.Second))
	return svc, store
}

func signedRequest(t *testing.T, svc *Service, req SubmitRequest) SubmitRequest {
	t.Helper()
	signingString, _, err := svc.Canonicalize(req)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	req.Signature = signPersonal(t, signingString)
	return req
}

func baseRequest(t *testing.T, verifiers ...string) SubmitRequest {
	return SubmitRequest{
		Wallet:          testWalletAddress(t),
		ChainID:         "ethereum",
		Verifiers:       verifiers,
		Data:            map[string]any{"content": "hello"},
		SignedTimestamp: time.Now().UnixMilli(),
		Signature:       "0xplaceholder",
	}
}

func TestSubmitVerifiesAndReturnsFinalStatus(t *testing.T) {
	svc, _ := newTestService(t, &passVerifier{id: "ownership-basic"})
	req := signedRequest(t, svc, baseRequest(t, "ownership-basic"))

	outcome, err := svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !outcome.Completed {
		t.Fatal("无目标链的请求应在同步预算内完成")
	}
	if outcome.Proof.Status != StatusVerified {
		t.Fatalf("期望 verified, got %s", outcome.Proof.Status)
	}
	result, ok := outcome.Proof.Results["ownership-basic"]
	if !ok || !result.Verified {
		t.Fatalf("缺少验证结果: %+v", outcome.Proof.Results)
	}
}

func TestSubmitRejectsTamperedSignature(t *testing.T) {
	svc, _ := newTestService(t, &passVerifier{id: "ownership-basic"})
	req := signedRequest(t, svc, baseRequest(t, "ownership-basic"))
	req.Data = map[string]any{"content": "tampered"}

	_, err := svc.Submit(context.Background(), req)
	if xerrors.CodeOf(err) != wallet.CodeSignatureInvalid {
		t.Fatalf("期望签名校验失败, got %v", err)
	}
}

func TestSubmitRejectsUnknownVerifier(t *testing.T) {
	svc, _ := newTestService(t, &passVerifier{id: "ownership-basic"})
	req := baseRequest(t, "ghost")

	_, err := svc.Submit(context.Background(), req)
	if xerrors.CodeOf(err) != verifier.CodeVerifierNotFound {
		t.Fatalf("期望 VERIFIER_NOT_FOUND, got %v", err)
	}
}

func TestSubmitIdempotentByQHash(t *testing.T) {
	svc, _ := newTestService(t, &passVerifier{id: "ownership-basic"})
	req := signedRequest(t, svc, baseRequest(t, "ownership-basic"))

	first, err := svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("第一次提交: %v", err)
	}
	second, err := svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("第二次提交: %v", err)
	}
	if first.Proof.QHash != second.Proof.QHash {
		t.Fatal("相同请求应得到相同 qHash")
	}
	if second.Proof.CreatedAt != first.Proof.CreatedAt {
		t.Fatal("重复提交不应创建新记录")
	}
}

func TestSubmitPartialVerification(t *testing.T) {
	svc, _ := newTestService(t,
		&passVerifier{id: "ownership-basic"},
		&failVerifier{id: "token-balance"},
	)
	req := baseRequest(t, "ownership-basic", "token-balance")
	req.Data = map[string]any{
		"ownership-basic": map[string]any{"content": "hello"},
		"token-balance":   map[string]any{"contract": "0x1"},
	}
	req = signedRequest(t, svc, req)

	outcome, err := svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if outcome.Proof.Status != StatusPartiallyVerified {
		t.Fatalf("期望 partially_verified, got %s", outcome.Proof.Status)
	}
}

func TestSubmitAllFailed(t *testing.T) {
	svc, _ := newTestService(t, &failVerifier{id: "ownership-basic"})
	req := signedRequest(t, svc, baseRequest(t, "ownership-basic"))

	outcome, err := svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if outcome.Proof.Status != StatusVerificationFailed {
		t.Fatalf("期望 verification_failed, got %s", outcome.Proof.Status)
	}
}

func TestStatusPrivacy(t *testing.T) {
	svc, _ := newTestService(t, &passVerifier{id: "ownership-basic"})
	req := baseRequest(t, "ownership-basic")
	req.Options.Private = true
	req = signedRequest(t, svc, req)

	outcome, err := svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	qHash := outcome.Proof.QHash

	// 匿名访问被拒绝
	if _, err := svc.Status(context.Background(), qHash, Access{}); xerrors.CodeOf(err) != CodeAccessDenied {
		t.Fatalf("匿名访问私有证明应被拒绝, got %v", err)
	}
	// 持有者可见
	if _, err := svc.Status(context.Background(), qHash, Access{Wallet: req.Wallet}); err != nil {
		t.Fatalf("持有者访问失败: %v", err)
	}
}

func TestRevokeSelfIdempotent(t *testing.T) {
	svc, _ := newTestService(t, &passVerifier{id: "ownership-basic"})
	req := signedRequest(t, svc, baseRequest(t, "ownership-basic"))

	outcome, err := svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	qHash := outcome.Proof.QHash

	ts := time.Now().UnixMilli()
	sig := signPersonal(t, BuildRevokeMessage(qHash, ts))

	revoked, err := svc.Revoke(context.Background(), qHash, req.Wallet, sig, ts)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked.Status != StatusRevoked {
		t.Fatalf("期望 revoked, got %s", revoked.Status)
	}
	// 重复撤销幂等
	if _, err := svc.Revoke(context.Background(), qHash, req.Wallet, sig, ts); err != nil {
		t.Fatalf("重复撤销应成功: %v", err)
	}
}

func TestRevokeRejectsNonOwner(t *testing.T) {
	svc, _ := newTestService(t, &passVerifier{id: "ownership-basic"})
	req := signedRequest(t, svc, baseRequest(t, "ownership-basic"))

	outcome, err := svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ts := time.Now().UnixMilli()
	_, err = svc.Revoke(context.Background(), outcome.Proof.QHash,
		"0x0000000000000000000000000000000000000001", "0xdead", ts)
	if xerrors.CodeOf(err) != CodeAccessDenied {
		t.Fatalf("非持有者撤销应被拒绝, got %v", err)
	}
}

func TestGateCheck(t *testing.T) {
	svc, _ := newTestService(t, &passVerifier{id: "ownership-basic"})
	req := baseRequest(t, "ownership-basic")
	req.Options.Discoverable = true
	req = signedRequest(t, svc, req)

	outcome, err := svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	decision, err := svc.GateCheck(context.Background(), GateQuery{
		Wallet:   req.Wallet,
		Verifier: "ownership-basic",
		MaxAge:   time.Hour,
	})
	if err != nil {
		t.Fatalf("gate check: %v", err)
	}
	if !decision.Eligible || decision.QHash != outcome.Proof.QHash {
		t.Fatalf("应命中证明: %+v", decision)
	}

	// 过滤条件不匹配时不命中
	decision, err = svc.GateCheck(context.Background(), GateQuery{
		Wallet:   req.Wallet,
		Verifier: "ownership-basic",
		Filters:  map[string]string{"echo": "nobody"},
	})
	if err != nil {
		t.Fatalf("gate check: %v", err)
	}
	if decision.Eligible {
		t.Fatal("过滤条件不匹配不应命中")
	}
}

func TestGateCheckIgnoresPrivate(t *testing.T) {
	svc, _ := newTestService(t, &passVerifier{id: "ownership-basic"})
	req := baseRequest(t, "ownership-basic")
	req.Options.Private = true
	req.Options.Discoverable = true
	req = signedRequest(t, svc, req)
	if _, err := svc.Submit(context.Background(), req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	decision, err := svc.GateCheck(context.Background(), GateQuery{Wallet: req.Wallet, Verifier: "ownership-basic"})
	if err != nil {
		t.Fatalf("gate check: %v", err)
	}
	if decision.Eligible {
		t.Fatal("私有证明不应参与准入检查")
	}
}

func TestGateCheckIgnoresRevoked(t *testing.T) {
	svc, store := newTestService(t, &passVerifier{id: "ownership-basic"})
	req := baseRequest(t, "ownership-basic")
	req.Options.Discoverable = true
	req = signedRequest(t, svc, req)
	outcome, err := svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	decision, err := svc.GateCheck(context.Background(), GateQuery{Wallet: req.Wallet, Verifier: "ownership-basic"})
	if err != nil {
		t.Fatalf("gate check: %v", err)
	}
	if !decision.Eligible {
		t.Fatal("公开可发现的证明应命中")
	}

	if err := store.Revoke(context.Background(), outcome.Proof.QHash); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	decision, err = svc.GateCheck(context.Background(), GateQuery{Wallet: req.Wallet, Verifier: "ownership-basic"})
	if err != nil {
		t.Fatalf("gate check: %v", err)
	}
	if decision.Eligible {
		t.Fatal("撤销的证明不应参与准入检查")
	}
}
