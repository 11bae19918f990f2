package voucher

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "OpenProof-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 记录凭证状态。终态保护通过条件更新实现：
// 只有 pending 状态的行才接受 fulfilled / abandoned 写入。
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
	const schema = `CREATE TABLE IF NOT EXISTS voucher_records (
        id VARCHAR(66) PRIMARY KEY,
        q_hash VARCHAR(66) NOT NULL,
        wallet VARCHAR(42) NOT NULL,
        verifier_id VARCHAR(128) NOT NULL,
        chain_id VARCHAR(64) NOT NULL,
        origin_tag VARCHAR(64) NOT NULL DEFAULT '',
        state VARCHAR(16) NOT NULL,
        attempts INT NOT NULL DEFAULT 0,
        max_attempts INT NOT NULL DEFAULT 5,
        last_error TEXT,
        origin_tx_hash VARCHAR(66) NOT NULL DEFAULT '',
        tx_hash VARCHAR(66) DEFAULT '',
        block_number BIGINT UNSIGNED NOT NULL DEFAULT 0,
        issued_at_ms BIGINT NOT NULL,
        seq BIGINT UNSIGNED NOT NULL,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        fulfilled_at BIGINT NOT NULL DEFAULT 0,
        INDEX idx_voucher_proof (q_hash),
        INDEX idx_voucher_state (state),
        INDEX idx_voucher_issued (issued_at_ms)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 voucher_records 表失败")
	}
	return nil
}

// Create 插入新的凭证记录。主键冲突映射为统一冲突错误。
func (s *MySQLStore) Create(ctx context.Context, voucher *Voucher) error {
	if voucher == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "voucher 不能为空")
	}
	if strings.TrimSpace(voucher.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "凭证 ID 不能为空")
	}

	now := time.Now().Unix()
	if voucher.CreatedAt == 0 {
		voucher.CreatedAt = now
	}
	voucher.UpdatedAt = now
	if voucher.State == "" {
		voucher.State = StatePending
	}

	const stmt = `INSERT INTO voucher_records
        (id, q_hash, wallet, verifier_id, chain_id, origin_tag, state, attempts, max_attempts, last_error, origin_tx_hash, tx_hash, block_number, issued_at_ms, seq, created_at, updated_at, fulfilled_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, '', 0, ?, ?, ?, ?, 0)`

	_, err := s.db.ExecContext(ctx, stmt,
		voucher.ID,
		strings.ToLower(voucher.QHash),
		strings.ToLower(voucher.Wallet),
		voucher.VerifierID,
		voucher.ChainID,
		voucher.OriginTag,
		voucher.State,
		voucher.Attempts,
		voucher.MaxAttempts,
		voucher.OriginTxHash,
		voucher.IssuedAtMs,
		voucher.Seq,
		voucher.CreatedAt,
		voucher.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrVoucherConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入凭证失败")
	}
	return nil
}

const voucherColumns = `id, q_hash, wallet, verifier_id, chain_id, origin_tag, state, attempts, max_attempts, last_error, origin_tx_hash, tx_hash, block_number, issued_at_ms, seq, created_at, updated_at, fulfilled_at`

// Get 查询指定凭证。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Voucher, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+voucherColumns+` FROM voucher_records WHERE id = ?`, id)
	voucher, err := scanVoucher(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrVoucherNotFound
		}
		return nil, err
	}
	return voucher, nil
}

// MarkFulfilled 将凭证标记为已锚定。只接受 pending 状态。
func (s *MySQLStore) MarkFulfilled(ctx context.Context, id, txHash string, blockNumber uint64) error {
	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx,
		`UPDATE voucher_records SET state = ?, tx_hash = ?, block_number = ?, last_error = '', fulfilled_at = ?, updated_at = ?
         WHERE id = ? AND state = ?`,
		StateFulfilled, txHash, blockNumber, now, now, id, StatePending,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记凭证锚定失败")
	}
	return s.settleOutcome(ctx, res, id)
}

// MarkFailed 记录一次可重试的失败并递增尝试计数。
func (s *MySQLStore) MarkFailed(ctx context.Context, id, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE voucher_records SET attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ? AND state = ?`,
		lastError, time.Now().Unix(), id, StatePending,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录凭证失败状态失败")
	}
	return s.settleOutcome(ctx, res, id)
}

// MarkAbandoned 将凭证标记为放弃。只接受 pending 状态。
func (s *MySQLStore) MarkAbandoned(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE voucher_records SET state = ?, last_error = ?, updated_at = ? WHERE id = ? AND state = ?`,
		StateAbandoned, reason, time.Now().Unix(), id, StatePending,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记凭证放弃失败")
	}
	return s.settleOutcome(ctx, res, id)
}

// settleOutcome 将零行更新区分为“不存在”与“已到终态”。
func (s *MySQLStore) settleOutcome(ctx context.Context, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected > 0 {
		return nil
	}
	if _, getErr := s.Get(ctx, id); getErr != nil {
		return getErr
	}
	return ErrVoucherSettled
}

// ListByProof 返回指定证明签发的全部凭证。
func (s *MySQLStore) ListByProof(ctx context.Context, qHash string) ([]*Voucher, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+voucherColumns+` FROM voucher_records WHERE q_hash = ? ORDER BY chain_id ASC, verifier_id ASC`,
		strings.ToLower(qHash),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询证明凭证失败")
	}
	defer rows.Close()
	return collectVouchers(rows)
}

// ListPending 返回签发时间早于给定毫秒时间戳的待处理凭证。
func (s *MySQLStore) ListPending(ctx context.Context, issuedBefore int64, limit int) ([]*Voucher, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+voucherColumns+` FROM voucher_records WHERE state = ? AND issued_at_ms < ? ORDER BY issued_at_ms ASC LIMIT ?`,
		StatePending, issuedBefore, limit,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询待处理凭证失败")
	}
	defer rows.Close()
	return collectVouchers(rows)
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

func scanVoucher(row rowScanner) (*Voucher, error) {
	var voucher Voucher
	var lastError sql.NullString
	if err := row.Scan(
		&voucher.ID,
		&voucher.QHash,
		&voucher.Wallet,
		&voucher.VerifierID,
		&voucher.ChainID,
		&voucher.OriginTag,
		&voucher.State,
		&voucher.Attempts,
		&voucher.MaxAttempts,
		&lastError,
		&voucher.OriginTxHash,
		&voucher.TxHash,
		&voucher.BlockNumber,
		&voucher.IssuedAtMs,
		&voucher.Seq,
		&voucher.CreatedAt,
		&voucher.UpdatedAt,
		&voucher.FulfilledAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析凭证记录失败")
	}
	if lastError.Valid {
		voucher.LastError = lastError.String
	}
	return &voucher, nil
}

func collectVouchers(rows *sql.Rows) ([]*Voucher, error) {
	vouchers := make([]*Voucher, 0, 8)
	for rows.Next() {
		voucher, err := scanVoucher(rows)
		if err != nil {
			return nil, err
		}
		vouchers = append(vouchers, voucher)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历凭证失败")
	}
	return vouchers, nil
}

var _ Store = (*MySQLStore)(nil)
