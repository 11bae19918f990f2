package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	xerrors "OpenProof-Chain/internal/errors"
	"OpenProof-Chain/internal/observability/metrics"
	"OpenProof-Chain/internal/proof"
	"OpenProof-Chain/internal/voucher"
)

// Server 负责暴露 REST 接口,供外部提交验证请求并查询证明状态。
type Server struct {
	addr          string
	svc           *proof.Service
	vouchers      voucher.Store
	tokens        TokenStore
	accessTokens  map[string]struct{}
	submitLimiter *keyedLimiter
	readLimiter   *keyedLimiter
}

// Option 配置 Server 的可选参数。
type Option func(*Server)

// WithAccessTokens 配置运营侧接口所需的读取令牌。
func WithAccessTokens(tokens []string) Option {
	return func(s *Server) {
		for _, token := range tokens {
			if token != "" {
				s.accessTokens[token] = struct{}{}
			}
		}
	}
}

// WithSubmitLimit 配置提交接口按钱包的限流参数(每分钟次数与突发)。
func WithSubmitLimit(perMinute, burst int) Option {
	return func(s *Server) {
		if perMinute > 0 && burst > 0 {
			s.submitLimiter = newKeyedLimiter(rate.Limit(float64(perMinute)/60), burst)
		}
	}
}

// WithReadLimit 配置查询接口按来源 IP 的限流参数(每秒次数与突发)。
func WithReadLimit(perSecond, burst int) Option {
	return func(s *Server) {
		if perSecond > 0 && burst > 0 {
			s.readLimiter = newKeyedLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithVoucherStore 开放凭证检视接口。
func WithVoucherStore(store voucher.Store) Option {
	return func(s *Server) {
		s.vouchers = store
	}
}

// WithTokenStore 开放短效读取令牌的签发接口。
func WithTokenStore(store TokenStore) Option {
	return func(s *Server) {
		s.tokens = store
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc *proof.Service, opts ...Option) *Server {
	server := &Server{
		addr:          addr,
		svc:           svc,
		accessTokens:  make(map[string]struct{}),
		submitLimiter: newKeyedLimiter(rate.Limit(10.0/60), 5),
		readLimiter:   newKeyedLimiter(rate.Limit(20), 40),
	}
	for _, opt := range opts {
		opt(server)
	}
	return server
}

// Handler 返回完整的路由表,测试可以直接挂到 httptest 上。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /verification", s.instrument("verification_submit", s.handleSubmit))
	mux.HandleFunc("POST /verification/standardize", s.instrument("verification_standardize", s.handleStandardize))
	mux.HandleFunc("GET /verification/verifiers", s.instrument("verification_verifiers", s.handleVerifiers))
	mux.HandleFunc("GET /verification/status/{qHash}", s.instrument("verification_status", s.handleStatus))
	mux.HandleFunc("POST /proofs/{qHash}/revoke-self", s.instrument("proof_revoke", s.handleRevoke))
	mux.HandleFunc("GET /proofs/gate/check", s.instrument("gate_check", s.handleGateCheck))
	mux.HandleFunc("GET /admin/proofs", s.instrument("admin_proofs", s.handleAdminList))
	mux.HandleFunc("GET /admin/stats", s.instrument("admin_stats", s.handleAdminStats))
	mux.HandleFunc("GET /admin/proofs/{qHash}/vouchers", s.instrument("admin_vouchers", s.handleAdminVouchers))
	mux.HandleFunc("POST /admin/access-tokens", s.instrument("admin_tokens", s.handleIssueToken))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Start 启动 HTTP 服务,直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// statusRecorder 捕获写出的状态码,供指标采集使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// decodeBody 解析 JSON 请求体。数字保留 json.Number 字面量,data 字段里的
// 大整数(如 wei 余额)必须原样进入规范化流程,经 float64 会丢失精度并
// 毁掉签名校验。
func decodeBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(dst); err != nil {
		return xerrors.Wrap(proof.CodeProofValidation, err, "请求体解析失败")
	}
	return nil
}

func (s *Server) instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req proof.SubmitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !s.submitLimiter.Allow(strings.ToLower(req.Wallet)) {
		writeError(w, xerrors.New(xerrors.CodeRateLimited, "提交过于频繁,请稍后重试"))
		return
	}

	outcome, err := s.svc.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if !outcome.Completed {
		// 验证仍在后台进行
		status = http.StatusAccepted
	}
	writeSuccess(w, status, outcome.Proof)
}

// handleStandardize 返回请求的规范化签名串与 qHash,不落库。
// 钱包侧可先调用该接口拿到待签内容。
func (s *Server) handleStandardize(w http.ResponseWriter, r *http.Request) {
	var req proof.SubmitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	signingString, qHash, err := s.svc.Canonicalize(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]string{
		"signingString": signingString,
		"qHash":         qHash,
	})
}

func (s *Server) handleVerifiers(w http.ResponseWriter, r *http.Request) {
	if !s.readLimiter.Allow(clientIP(r)) {
		writeError(w, xerrors.New(xerrors.CodeRateLimited, "查询过于频繁,请稍后重试"))
		return
	}
	writeSuccess(w, http.StatusOK, s.svc.Verifiers())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.readLimiter.Allow(clientIP(r)) {
		writeError(w, xerrors.New(xerrors.CodeRateLimited, "查询过于频繁,请稍后重试"))
		return
	}
	qHash := r.PathValue("qHash")

	// 持有者通过签名头证明身份,运营侧使用读取令牌。
	walletAddr := r.Header.Get("X-Proof-Wallet")
	signature := r.Header.Get("X-Proof-Signature")
	if walletAddr != "" && signature != "" {
		timestampMs, err := strconv.ParseInt(r.Header.Get("X-Proof-Timestamp"), 10, 64)
		if err != nil {
			writeError(w, xerrors.New(proof.CodeProofValidation, "签名时间戳缺失或非法"))
			return
		}
		record, err := s.svc.StatusSigned(r.Context(), qHash, walletAddr, signature, timestampMs)
		if err != nil {
			writeError(w, err)
			return
		}
		writeSuccess(w, http.StatusOK, record)
		return
	}

	record, err := s.svc.Status(r.Context(), qHash, proof.Access{Token: r.Header.Get("X-Access-Token")})
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, record)
}

type revokeRequest struct {
	Wallet          string `json:"wallet"`
	Signature       string `json:"signature"`
	SignedTimestamp int64  `json:"signedTimestamp"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !s.submitLimiter.Allow(strings.ToLower(req.Wallet)) {
		writeError(w, xerrors.New(xerrors.CodeRateLimited, "提交过于频繁,请稍后重试"))
		return
	}
	record, err := s.svc.Revoke(r.Context(), r.PathValue("qHash"), req.Wallet, req.Signature, req.SignedTimestamp)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, record)
}

func (s *Server) handleGateCheck(w http.ResponseWriter, r *http.Request) {
	if !s.readLimiter.Allow(clientIP(r)) {
		writeError(w, xerrors.New(xerrors.CodeRateLimited, "查询过于频繁,请稍后重试"))
		return
	}
	query := proof.GateQuery{
		Wallet:   r.URL.Query().Get("wallet"),
		Verifier: r.URL.Query().Get("verifier"),
	}
	if raw := r.URL.Query().Get("maxAgeSeconds"); raw != "" {
		seconds, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seconds < 0 {
			writeError(w, xerrors.New(proof.CodeProofValidation, "maxAgeSeconds 非法"))
			return
		}
		query.MaxAge = time.Duration(seconds) * time.Second
	}
	for key, values := range r.URL.Query() {
		if name, ok := strings.CutPrefix(key, "filter."); ok && len(values) > 0 {
			if query.Filters == nil {
				query.Filters = make(map[string]string)
			}
			query.Filters[name] = values[0]
		}
	}

	decision, err := s.svc.GateCheck(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, decision)
}

// requireToken 校验运营侧读取令牌。
func (s *Server) requireToken(r *http.Request) error {
	token := r.Header.Get("X-Access-Token")
	if token == "" {
		return xerrors.New(xerrors.CodeUnauthorized, "缺少读取令牌")
	}
	if _, ok := s.accessTokens[token]; !ok {
		return xerrors.New(proof.CodeAccessDenied, "读取令牌无效")
	}
	return nil
}

func (s *Server) handleAdminList(w http.ResponseWriter, r *http.Request) {
	if err := s.requireToken(r); err != nil {
		writeError(w, err)
		return
	}
	opts := []proof.ListOption{proof.WithLimit(50)}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts[0] = proof.WithLimit(parsed)
		}
	}
	if walletAddr := r.URL.Query().Get("wallet"); walletAddr != "" {
		opts = append(opts, proof.WithWallet(walletAddr))
	}
	if status := r.URL.Query().Get("status"); status != "" {
		opts = append(opts, proof.WithStatuses(proof.Status(status)))
	}

	records, err := s.svc.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, records)
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	if err := s.requireToken(r); err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, stats)
}

func (s *Server) handleAdminVouchers(w http.ResponseWriter, r *http.Request) {
	if err := s.requireToken(r); err != nil {
		writeError(w, err)
		return
	}
	if s.vouchers == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "凭证存储未开放检视"))
		return
	}
	records, err := s.vouchers.ListByProof(r.Context(), r.PathValue("qHash"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, records)
}
