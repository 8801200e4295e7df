package ledger

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/go-sql-driver/mysql"

	"ComputeFi-Ledger/deploy/migrations"
	xerrors "ComputeFi-Ledger/internal/errors"
)

const (
	metaTotalSupply = "total_supply"
	metaReserve     = "reserve"
	metaPaused      = "paused"
	metaAdmin       = "admin"
	metaInitialized = "initialized"
)

// MySQLConfig 描述 MySQL 状态存储的连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MySQLState 使用 MySQL 持久化账本状态。一次操作的全部写入在
// apply 中通过单个数据库事务落盘，保证崩溃后也不会留下部分写入。
type MySQLState struct {
	db *sql.DB
}

// NewMySQLState 连接 MySQL 并执行内嵌的迁移脚本。
func NewMySQLState(ctx context.Context, cfg MySQLConfig) (*MySQLState, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	state := &MySQLState{db: db}
	if err := state.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return state, nil
}

func (s *MySQLState) migrate(ctx context.Context) error {
	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移脚本失败")
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		raw, err := migrations.Files.ReadFile(name)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移脚本失败")
		}
		for _, stmt := range strings.Split(string(raw), ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行迁移脚本 "+name+" 失败")
			}
		}
	}
	return nil
}

// Balance 返回余额，缺失的行视为 0。
func (s *MySQLState) Balance(ctx context.Context, owner common.Address, token common.Hash) (uint64, error) {
	const stmt = `SELECT amount FROM ledger_balances WHERE owner = ? AND token_id = ?`
	var amount uint64
	err := s.db.QueryRowContext(ctx, stmt, owner.Hex(), token.Hex()).Scan(&amount)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, xerrors.Wrap(CodeStorageFailure, err, "查询余额失败")
	}
	return amount, nil
}

// TokensOf 枚举持有人所有余额非零的代币。
func (s *MySQLState) TokensOf(ctx context.Context, owner common.Address) ([]common.Hash, error) {
	const stmt = `SELECT token_id FROM ledger_balances WHERE owner = ? ORDER BY token_id`
	rows, err := s.db.QueryContext(ctx, stmt, owner.Hex())
	if err != nil {
		return nil, xerrors.Wrap(CodeStorageFailure, err, "枚举代币失败")
	}
	defer rows.Close()

	tokens := make([]common.Hash, 0, 4)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, xerrors.Wrap(CodeStorageFailure, err, "解析代币 ID 失败")
		}
		tokens = append(tokens, common.HexToHash(raw))
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(CodeStorageFailure, err, "遍历代币失败")
	}
	return tokens, nil
}

// TokenSupply 返回单代币供应量。
func (s *MySQLState) TokenSupply(ctx context.Context, token common.Hash) (uint64, error) {
	const stmt = `SELECT amount FROM ledger_supplies WHERE token_id = ?`
	var amount uint64
	err := s.db.QueryRowContext(ctx, stmt, token.Hex()).Scan(&amount)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, xerrors.Wrap(CodeStorageFailure, err, "查询代币供应失败")
	}
	return amount, nil
}

// TotalSupply 返回全局供应量。
func (s *MySQLState) TotalSupply(ctx context.Context) (uint64, error) {
	return s.metaUint(ctx, metaTotalSupply)
}

// Price 返回挂牌价格，0 表示未挂牌。
func (s *MySQLState) Price(ctx context.Context, token common.Hash) (uint64, error) {
	const stmt = `SELECT price FROM ledger_prices WHERE token_id = ?`
	var price uint64
	err := s.db.QueryRowContext(ctx, stmt, token.Hex()).Scan(&price)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, xerrors.Wrap(CodeStorageFailure, err, "查询价格失败")
	}
	return price, nil
}

// Reserve 返回储备余额。
func (s *MySQLState) Reserve(ctx context.Context) (uint64, error) {
	return s.metaUint(ctx, metaReserve)
}

// Admin 返回管理员身份。
func (s *MySQLState) Admin(ctx context.Context) (common.Address, error) {
	raw, err := s.metaString(ctx, metaAdmin)
	if err != nil {
		return common.Address{}, err
	}
	if raw == "" {
		return common.Address{}, nil
	}
	return common.HexToAddress(raw), nil
}

// Paused 返回熔断标志。
func (s *MySQLState) Paused(ctx context.Context) (bool, error) {
	v, err := s.metaUint(ctx, metaPaused)
	if err != nil {
		return false, err
	}
	return v == 1, nil
}

// HasRole 判断角色归属。
func (s *MySQLState) HasRole(ctx context.Context, role Role, addr common.Address) (bool, error) {
	const stmt = `SELECT 1 FROM ledger_roles WHERE role = ? AND address = ?`
	var one int
	err := s.db.QueryRowContext(ctx, stmt, string(role), addr.Hex()).Scan(&one)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Wrap(CodeStorageFailure, err, "查询角色失败")
	}
	return true, nil
}

// Initialized 返回账本是否已完成部署初始化。
func (s *MySQLState) Initialized(ctx context.Context) (bool, error) {
	v, err := s.metaUint(ctx, metaInitialized)
	if err != nil {
		return false, err
	}
	return v == 1, nil
}

func (s *MySQLState) apply(ctx context.Context, ch *changeset) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	for key, amount := range ch.balances {
		if amount == 0 {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM ledger_balances WHERE owner = ? AND token_id = ?`,
				key.Owner.Hex(), key.Token.Hex()); err != nil {
				return xerrors.Wrap(CodeStorageFailure, err, "删除余额失败")
			}
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_balances (owner, token_id, amount) VALUES (?, ?, ?)
             ON DUPLICATE KEY UPDATE amount = VALUES(amount)`,
			key.Owner.Hex(), key.Token.Hex(), amount); err != nil {
			return xerrors.Wrap(CodeStorageFailure, err, "写入余额失败")
		}
	}

	for token, amount := range ch.supplies {
		if amount == 0 {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM ledger_supplies WHERE token_id = ?`, token.Hex()); err != nil {
				return xerrors.Wrap(CodeStorageFailure, err, "删除代币供应失败")
			}
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_supplies (token_id, amount) VALUES (?, ?)
             ON DUPLICATE KEY UPDATE amount = VALUES(amount)`,
			token.Hex(), amount); err != nil {
			return xerrors.Wrap(CodeStorageFailure, err, "写入代币供应失败")
		}
	}

	for token, price := range ch.prices {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_prices (token_id, price) VALUES (?, ?)
             ON DUPLICATE KEY UPDATE price = VALUES(price)`,
			token.Hex(), price); err != nil {
			return xerrors.Wrap(CodeStorageFailure, err, "写入价格失败")
		}
	}

	for key, granted := range ch.roles {
		if granted {
			if _, err := tx.ExecContext(ctx,
				`INSERT IGNORE INTO ledger_roles (role, address) VALUES (?, ?)`,
				string(key.Role), key.Address.Hex()); err != nil {
				return xerrors.Wrap(CodeStorageFailure, err, "授予角色失败")
			}
		} else {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM ledger_roles WHERE role = ? AND address = ?`,
				string(key.Role), key.Address.Hex()); err != nil {
				return xerrors.Wrap(CodeStorageFailure, err, "回收角色失败")
			}
		}
	}

	if ch.totalSupply != nil {
		if err := setMeta(ctx, tx, metaTotalSupply, strconv.FormatUint(*ch.totalSupply, 10)); err != nil {
			return err
		}
	}
	if ch.reserve != nil {
		if err := setMeta(ctx, tx, metaReserve, strconv.FormatUint(*ch.reserve, 10)); err != nil {
			return err
		}
	}
	if ch.paused != nil {
		v := "0"
		if *ch.paused {
			v = "1"
		}
		if err := setMeta(ctx, tx, metaPaused, v); err != nil {
			return err
		}
	}
	if ch.admin != nil {
		if err := setMeta(ctx, tx, metaAdmin, ch.admin.Hex()); err != nil {
			return err
		}
	}
	if ch.initialized != nil {
		if err := setMeta(ctx, tx, metaInitialized, "1"); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

func setMeta(ctx context.Context, tx *sql.Tx, name, value string) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_meta (name, value) VALUES (?, ?)
         ON DUPLICATE KEY UPDATE value = VALUES(value)`,
		name, value); err != nil {
		return xerrors.Wrap(CodeStorageFailure, err, "写入 "+name+" 失败")
	}
	return nil
}

func (s *MySQLState) metaString(ctx context.Context, name string) (string, error) {
	const stmt = `SELECT value FROM ledger_meta WHERE name = ?`
	var value string
	err := s.db.QueryRowContext(ctx, stmt, name).Scan(&value)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", xerrors.Wrap(CodeStorageFailure, err, "查询 "+name+" 失败")
	}
	return value, nil
}

func (s *MySQLState) metaUint(ctx context.Context, name string) (uint64, error) {
	raw, err := s.metaString(ctx, name)
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, xerrors.Wrap(CodeStorageFailure, err, "解析 "+name+" 失败")
	}
	return value, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLState) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ State = (*MySQLState)(nil)
