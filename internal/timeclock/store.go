package timeclock

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"fieldops-backend/internal/platform/db"
)

// ===== セッションストア（階層キーのKV + 全or無の複数キー更新） =====

// KV の実装契約:
//   - Get は不在のとき (nil, nil)
//   - AtomicUpdate は値 nil を削除（tombstone）として扱い、全体を1トランザクションで適用
//   - Scan は prefix 配下を orderField（数値JSONフィールド）の降順で返す
//   - ServerNow はサーバ採番のエポックミリ秒
type KV interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	AtomicUpdate(ctx context.Context, writes map[string]json.RawMessage) error
	Scan(ctx context.Context, prefix, orderField string, limit int) ([]json.RawMessage, error)
	ServerNow(ctx context.Context) (int64, error)
}

type SQLKV struct{ db *sql.DB }

func NewKV(conn *sql.DB) *SQLKV { return &SQLKV{db: conn} }

func (s *SQLKV) Get(ctx context.Context, key string) (json.RawMessage, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT v FROM kv_records WHERE k = ? LIMIT 1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(v), nil
}

func (s *SQLKV) AtomicUpdate(ctx context.Context, writes map[string]json.RawMessage) error {
	if len(writes) == 0 {
		return nil
	}

	// キー順で適用（同時トランザクション間のデッドロック回避）
	keys := make([]string, 0, len(writes))
	for k := range writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return db.RunInTx(ctx, s.db, nil, func(ctx context.Context, tx db.DBTX) error {
		for _, k := range keys {
			v := writes[k]
			if v == nil {
				if _, err := tx.ExecContext(ctx, `DELETE FROM kv_records WHERE k = ?`, k); err != nil {
					return err
				}
				continue
			}
			const q = `
			INSERT INTO kv_records (k, v, updated_at)
			VALUES (?, ?, UTC_TIMESTAMP(3))
			ON DUPLICATE KEY UPDATE
			v          = VALUES(v),
			updated_at = VALUES(updated_at)`
			if _, err := tx.ExecContext(ctx, q, k, []byte(v)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLKV) Scan(ctx context.Context, prefix, orderField string, limit int) ([]json.RawMessage, error) {
	if limit <= 0 {
		limit = DefaultEntryLimit
	}
	if limit > MaxEntryLimit {
		limit = MaxEntryLimit
	}

	// orderField はコード内定数のみ（SQLへ直接埋めるためユーザ入力は不可）
	q := fmt.Sprintf(`
	SELECT v FROM kv_records
	WHERE k LIKE ?
	ORDER BY CAST(JSON_EXTRACT(v, '$.%s') AS SIGNED) DESC, k DESC
	LIMIT %d`, orderField, limit)

	rows, err := s.db.QueryContext(ctx, q, prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var v []byte
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, json.RawMessage(v))
	}
	return out, rows.Err()
}

func (s *SQLKV) ServerNow(ctx context.Context) (int64, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT CAST(ROUND(UNIX_TIMESTAMP(UTC_TIMESTAMP(3)) * 1000) AS SIGNED)`).Scan(&ms)
	return ms, err
}

// ===== サイト参照 =====

// SiteRepo はサイト管理（internal/sites 所有）への読み取り専用の覗き穴。
// 不在は (nil, nil)。
type SiteRepo interface {
	GetSite(ctx context.Context, siteID string) (*JobSite, error)
}

type siteStore struct{ db db.DBTX }

func NewSiteStore(conn db.DBTX) SiteRepo { return &siteStore{db: conn} }

func (s *siteStore) GetSite(ctx context.Context, siteID string) (*JobSite, error) {
	const q = `
	SELECT site_id, name, active, lat, lng, radius_feet
	FROM job_sites
	WHERE site_id = ?
	LIMIT 1`
	var (
		site      JobSite
		activeInt int
	)
	err := s.db.QueryRowContext(ctx, q, siteID).Scan(
		&site.SiteID, &site.Name, &activeInt, &site.Location.Lat, &site.Location.Lng, &site.RadiusFeet,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	site.Active = activeInt != 0
	return &site, nil
}
