package proof

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "OpenProof-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 记录证明状态。结果与选项以 JSON 列存储，
// 状态迁移通过条件更新在数据库侧保证单调性。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS proof_records (
        q_hash VARCHAR(66) PRIMARY KEY,
        wallet VARCHAR(42) NOT NULL,
        chain_id VARCHAR(64) NOT NULL,
        verifiers TEXT NOT NULL,
        data TEXT,
        private TINYINT(1) NOT NULL DEFAULT 0,
        discoverable TINYINT(1) NOT NULL DEFAULT 0,
        target_chains TEXT,
        status VARCHAR(40) NOT NULL,
        results TEXT,
        cross_chain TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        revoked_at BIGINT NOT NULL DEFAULT 0,
        INDEX idx_proof_wallet (wallet),
        INDEX idx_proof_status (status),
        INDEX idx_proof_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 proof_records 表失败")
	}
	return nil
}

// Create 插入新的证明记录。qHash 冲突映射为统一冲突错误。
func (s *MySQLStore) Create(ctx context.Context, proof *Proof) error {
	if proof == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "proof 不能为空")
	}
	if strings.TrimSpace(proof.QHash) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "qHash 不能为空")
	}

	now := time.Now().Unix()
	if proof.CreatedAt == 0 {
		proof.CreatedAt = now
	}
	proof.UpdatedAt = now
	if proof.Status == "" {
		proof.Status = StatusPendingAuthentication
	}

	verifiersJSON, err := json.Marshal(proof.Verifiers)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码验证器列表失败")
	}
	dataValue, err := marshalJSONColumn(proof.Data)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码证明数据失败")
	}
	targetsValue, err := marshalJSONColumn(proof.Options.TargetChains)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码目标链列表失败")
	}

	const stmt = `INSERT INTO proof_records
        (q_hash, wallet, chain_id, verifiers, data, private, discoverable, target_chains, status, results, cross_chain, created_at, updated_at, revoked_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?, 0)`

	_, err = s.db.ExecContext(ctx, stmt,
		strings.ToLower(proof.QHash),
		strings.ToLower(proof.Wallet),
		proof.ChainID,
		string(verifiersJSON),
		dataValue,
		proof.Options.Private,
		proof.Options.Discoverable,
		targetsValue,
		proof.Status,
		proof.CreatedAt,
		proof.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrProofConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入证明失败")
	}
	return nil
}

const proofColumns = `q_hash, wallet, chain_id, verifiers, data, private, discoverable, target_chains, status, results, cross_chain, created_at, updated_at, revoked_at`

// Get 查询指定证明。
func (s *MySQLStore) Get(ctx context.Context, qHash string) (*Proof, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+proofColumns+` FROM proof_records WHERE q_hash = ?`,
		strings.ToLower(qHash),
	)
	proof, err := scanProof(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrProofNotFound
		}
		return nil, err
	}
	return proof, nil
}

// UpdateStatus 按状态机推进证明状态。条件更新只接受合法前驱，
// 并发竞争或非法迁移都表现为零行受影响。
func (s *MySQLStore) UpdateStatus(ctx context.Context, qHash string, next Status) error {
	if !IsValidStatus(next) {
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的证明状态: "+string(next))
	}
	predecessors := predecessorsOf(next)
	if len(predecessors) == 0 {
		return xerrors.Wrap(CodeProofConflict, ErrProofConflict, "状态不接受任何迁移: "+string(next))
	}

	placeholders := make([]string, 0, len(predecessors))
	args := make([]any, 0, len(predecessors)+3)
	args = append(args, string(next), time.Now().Unix(), strings.ToLower(qHash))
	for _, status := range predecessors {
		placeholders = append(placeholders, "?")
		args = append(args, string(status))
	}

	stmt := fmt.Sprintf(
		`UPDATE proof_records SET status = ?, updated_at = ? WHERE q_hash = ? AND status IN (%s)`,
		strings.Join(placeholders, ","),
	)
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新证明状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, qHash); getErr != nil {
			return getErr
		}
		return xerrors.Wrap(CodeProofConflict, ErrProofConflict, "状态迁移被拒绝: -> "+string(next))
	}
	return nil
}

// SetVerifierResult 在事务内写入单个验证器的结果，保证写一次语义。
func (s *MySQLStore) SetVerifierResult(ctx context.Context, qHash, verifierID string, result VerifierResult) error {
	if verifierID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "验证器 ID 不能为空")
	}
	if result.CompletedAt == 0 {
		result.CompletedAt = time.Now().UnixMilli()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	var rawResults sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT results FROM proof_records WHERE q_hash = ? FOR UPDATE`,
		strings.ToLower(qHash),
	).Scan(&rawResults)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return ErrProofNotFound
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "锁定证明记录失败")
	}

	results := make(map[string]VerifierResult)
	if rawResults.Valid && strings.TrimSpace(rawResults.String) != "" {
		if err := json.Unmarshal([]byte(rawResults.String), &results); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析验证结果失败")
		}
	}
	if _, exists := results[verifierID]; exists {
		return ErrResultExists
	}
	results[verifierID] = result

	encoded, err := json.Marshal(results)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码验证结果失败")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE proof_records SET results = ?, updated_at = ? WHERE q_hash = ?`,
		string(encoded), time.Now().Unix(), strings.ToLower(qHash),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入验证结果失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交验证结果失败")
	}
	return nil
}

// SetCrossChain 覆盖写入跨链传播汇总。
func (s *MySQLStore) SetCrossChain(ctx context.Context, qHash string, summary CrossChainSummary) error {
	encoded, err := json.Marshal(summary)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码跨链汇总失败")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE proof_records SET cross_chain = ?, updated_at = ? WHERE q_hash = ?`,
		string(encoded), time.Now().Unix(), strings.ToLower(qHash),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入跨链汇总失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrProofNotFound
	}
	return nil
}

// Revoke 将证明置为撤销状态。重复撤销为幂等 no-op。
func (s *MySQLStore) Revoke(ctx context.Context, qHash string) error {
	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx,
		`UPDATE proof_records SET status = ?, revoked_at = ?, updated_at = ? WHERE q_hash = ? AND status <> ?`,
		StatusRevoked, now, now, strings.ToLower(qHash), StatusRevoked,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "撤销证明失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// 要么不存在，要么已撤销；后者幂等返回成功
		if _, getErr := s.Get(ctx, qHash); getErr != nil {
			return getErr
		}
	}
	return nil
}

// List 返回符合过滤条件的证明记录。
func (s *MySQLStore) List(ctx context.Context, opts ...ListOption) ([]*Proof, error) {
	options := buildListOptions(opts)

	query := `SELECT ` + proofColumns + ` FROM proof_records`
	clause, filterArgs := buildProofFilterClause(options)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, q_hash DESC"
	if options.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, q_hash ASC"
	}
	query += order + " LIMIT ? OFFSET ?"
	args := append(filterArgs, options.Limit, options.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询证明列表失败")
	}
	defer rows.Close()

	proofs := make([]*Proof, 0, options.Limit)
	for rows.Next() {
		proof, err := scanProof(rows)
		if err != nil {
			return nil, err
		}
		proofs = append(proofs, proof)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历证明失败")
	}
	return proofs, nil
}

// Stats 返回证明聚合信息。
func (s *MySQLStore) Stats(ctx context.Context) (Stats, error) {
	const query = `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status IN (?, ?) THEN 1 ELSE 0 END) AS processing,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS verified,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS partially_verified,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS propagated,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS propagation_failed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS revoked,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM proof_records`

	row := s.db.QueryRowContext(ctx, query,
		string(StatusPendingAuthentication), string(StatusProcessingVerifiers),
		string(StatusVerified),
		string(StatusPartiallyVerified),
		string(StatusVerificationFailed),
		string(StatusCrosschainPropagated),
		string(StatusPropagationFailed),
		string(StatusRevoked),
	)

	var stats Stats
	if err := row.Scan(
		&stats.Total,
		&stats.Processing,
		&stats.Verified,
		&stats.PartiallyVerified,
		&stats.Failed,
		&stats.Propagated,
		&stats.PropagationFailed,
		&stats.Revoked,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询证明统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProof(row rowScanner) (*Proof, error) {
	var proof Proof
	var verifiersRaw string
	var dataRaw, targetsRaw, resultsRaw, crossChainRaw sql.NullString

	if err := row.Scan(
		&proof.QHash,
		&proof.Wallet,
		&proof.ChainID,
		&verifiersRaw,
		&dataRaw,
		&proof.Options.Private,
		&proof.Options.Discoverable,
		&targetsRaw,
		&proof.Status,
		&resultsRaw,
		&crossChainRaw,
		&proof.CreatedAt,
		&proof.UpdatedAt,
		&proof.RevokedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析证明记录失败")
	}

	if err := json.Unmarshal([]byte(verifiersRaw), &proof.Verifiers); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析验证器列表失败")
	}
	if dataRaw.Valid && strings.TrimSpace(dataRaw.String) != "" {
		if err := json.Unmarshal([]byte(dataRaw.String), &proof.Data); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析证明数据失败")
		}
	}
	if targetsRaw.Valid && strings.TrimSpace(targetsRaw.String) != "" {
		if err := json.Unmarshal([]byte(targetsRaw.String), &proof.Options.TargetChains); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析目标链列表失败")
		}
	}
	if resultsRaw.Valid && strings.TrimSpace(resultsRaw.String) != "" {
		if err := json.Unmarshal([]byte(resultsRaw.String), &proof.Results); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析验证结果失败")
		}
	}
	if crossChainRaw.Valid && strings.TrimSpace(crossChainRaw.String) != "" {
		var summary CrossChainSummary
		if err := json.Unmarshal([]byte(crossChainRaw.String), &summary); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析跨链汇总失败")
		}
		proof.CrossChain = &summary
	}
	return &proof, nil
}

func marshalJSONColumn(value any) (sql.NullString, error) {
	switch v := value.(type) {
	case map[string]any:
		if len(v) == 0 {
			return sql.NullString{}, nil
		}
	case []string:
		if len(v) == 0 {
			return sql.NullString{}, nil
		}
	case nil:
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

// predecessorsOf 返回可以迁移到 next 的所有前驱状态。
func predecessorsOf(next Status) []Status {
	predecessors := make([]Status, 0, 4)
	for from, targets := range allowedTransitions {
		for _, target := range targets {
			if target == next {
				predecessors = append(predecessors, from)
				break
			}
		}
	}
	return predecessors
}

func buildProofFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if opts.Wallet != "" {
		conditions = append(conditions, "wallet = ?")
		args = append(args, opts.Wallet)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.PublicOnly {
		conditions = append(conditions, "private = 0")
	}
	if opts.DiscoverableOnly {
		conditions = append(conditions, "discoverable = 1")
	}
	if opts.Verifier != "" {
		conditions = append(conditions, "verifiers LIKE ?")
		args = append(args, "%\""+opts.Verifier+"\"%")
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
