package timeclock

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"fieldops-backend/internal/platform/auth"
)

// ===== インターフェース群 =====

type IDGen interface {
	New() (string, error)
}

type ulidGen struct{}

func (ulidGen) New() (string, error) {
	t := time.Now().UTC()
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(t), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// ===== Service本体 =====

// Service はワーカーのクロック状態機械と4つの非正規化ビューの
// 整合性を所有する。ビューへの書き込みはすべて KV.AtomicUpdate 経由。
type Service struct {
	kv     KV
	sites  SiteRepo
	alerts *Dispatcher
	id     IDGen

	// 測位の猶予。フォールバック段はこの半分。
	locationTimeout time.Duration
}

func NewService(conn *sql.DB) *Service {
	kv := NewKV(conn)
	roles := auth.NewRoles(conn)
	id := ulidGen{}
	return &Service{
		kv:              kv,
		sites:           NewSiteStore(conn),
		alerts:          NewDispatcher(kv, roles, id),
		id:              id,
		locationTimeout: 10 * time.Second,
	}
}

// ClockIn はクロックインの全行程を1回で行う:
// サイト検証 → 測位 → ジオフェンス判定 → (必要なら旧セッションの自動
// クロックアウト) → 4レコードの原子的書き込み → (フラグ時のみ)アラート。
//
// 測位拒否・精度不良・圏外はエラーではなくフラグ付きエントリとして成立する。
func (s *Service) ClockIn(ctx context.Context, workerID, workerName, siteID string, loc Provider) (*ClockInResult, error) {
	if workerID == "" {
		return nil, ErrNotAuthenticated()
	}
	if siteID == "" {
		return nil, ErrInvalid("site_id is required")
	}
	if workerName == "" {
		workerName = workerID
	}

	site, err := s.sites.GetSite(ctx, siteID)
	if err != nil {
		return nil, err
	}
	if site == nil {
		return nil, ErrSiteNotFound(siteID)
	}
	if !site.Active {
		return nil, ErrSiteInactive(siteID)
	}

	var (
		fix        Fix
		status     = StatusActive
		flagReason string
		alertType  AlertType
		withinRad  bool
		distFeet   float64
	)

	fix, locErr := AcquireFix(ctx, loc, s.locationTimeout)
	if locErr != nil {
		// 拒否はフラグ付きで成立させる。座標は {0,0}、半径判定はスキップ。
		denied := classifyFixErr(locErr)
		status = StatusFlagged
		flagReason = denied.Error()
		alertType = AlertGPSDenied
		fix = Fix{}
	} else {
		check := ValidateRadius(fix, site.Location, site.RadiusFeet)
		withinRad = check.Valid
		distFeet = check.DistanceFeet

		accOK := IsAccuracyAcceptable(fix.AccuracyFeet)
		if !accOK || !check.Valid {
			status = StatusFlagged
			// 理由文は精度不良が優先、アラート種別は圏外が優先
			if !accOK {
				flagReason = poorAccuracyReason(fix.AccuracyFeet)
			} else {
				flagReason = check.Reason
			}
			if !check.Valid {
				alertType = AlertOutOfRadius
			} else {
				alertType = AlertPoorAccuracy
			}
		}
	}

	// 既存セッションがあれば先に完全なクロックアウトを行う
	// （サイト切替・二重クロックイン対策。1ワーカー1セッション不変条件）。
	prev, err := s.getSession(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		if _, err := s.finishSession(ctx, prev, true); err != nil {
			return nil, err
		}
	}

	entryID, err := s.id.New()
	if err != nil {
		return nil, err
	}
	now, err := s.kv.ServerNow(ctx)
	if err != nil {
		return nil, ErrStoreWriteFailed(err)
	}

	entry := TimeEntry{
		EntryID:      entryID,
		WorkerID:     workerID,
		WorkerName:   workerName,
		SiteID:       site.SiteID,
		SiteName:     site.Name,
		ClockInAt:    now,
		Coords:       fix.Coords,
		AccuracyFeet: fix.AccuracyFeet,
		DistanceFeet: distFeet,
		WithinRadius: withinRad,
		Status:       status,
		FlagReason:   flagReason,
	}
	session := ActiveSession{
		WorkerID:   workerID,
		WorkerName: workerName,
		SiteID:     site.SiteID,
		SiteName:   site.Name,
		EntryID:    entryID,
		ClockInAt:  now,
		Status:     status,
	}
	personnel := SitePersonnel{
		SiteID:     site.SiteID,
		WorkerID:   workerID,
		WorkerName: workerName,
		ClockInAt:  now,
		Status:     status,
	}

	// 4レコードを1回の原子的更新で作る。全部成功か全部失敗か。
	writes := make(map[string]json.RawMessage, 4)
	writes[entryKey(workerID, entryID)] = mustJSON(entry)
	writes[sessionKey(workerID)] = mustJSON(session)
	writes[personnelKey(site.SiteID, workerID)] = mustJSON(personnel)
	writes[siteEntryKey(site.SiteID, entryID)] = mustJSON(entry)
	if err := s.kv.AtomicUpdate(ctx, writes); err != nil {
		return nil, ErrStoreWriteFailed(err)
	}

	msg := fmt.Sprintf("Clocked in at %s", site.Name)
	if status != StatusActive {
		msg = fmt.Sprintf("Clocked in at %s - pending supervisor review: %s", site.Name, flagReason)
		// コミット済みのクロックインはアラート失敗でも巻き戻さない
		if err := s.alerts.Send(ctx, entry, alertType); err != nil {
			log.Printf("[WARN] supervisor alert fan-out failed (entry=%s): %v", entryID, err)
			msg += " (supervisor alert delivery failed)"
		}
	}

	return &ClockInResult{
		EntryID:      entryID,
		Status:       status,
		WithinRadius: withinRad,
		DistanceFeet: distFeet,
		Message:      msg,
	}, nil
}

// ClockOut は現セッションのエントリを completed にし、ActiveSession と
// SitePersonnel を削除する（存在しないこと自体が「未出勤」の表現）。
// flagged のままのクロックアウトも許す（承認は完了の前提条件ではない）。
func (s *Service) ClockOut(ctx context.Context, workerID string) (*ClockOutResult, error) {
	if workerID == "" {
		return nil, ErrNotAuthenticated()
	}

	sess, err := s.getSession(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNoActiveSession()
	}

	duration, err := s.finishSession(ctx, sess, false)
	if err != nil {
		return nil, err
	}

	return &ClockOutResult{
		DurationMs: duration,
		Message:    fmt.Sprintf("Clocked out of %s (%s)", sess.SiteName, formatDuration(duration)),
	}, nil
}

// finishSession はセッションに対応する進行中エントリを特定して完了させる。
// エントリ特定は session.entryId を第一候補とし、不整合なら
// siteId+clockInAt の走査にフォールバックする（並行書き込み耐性）。
// どちらでも見つからないのは上流で不変条件が破れた証拠なので黙殺しない。
func (s *Service) finishSession(ctx context.Context, sess *ActiveSession, auto bool) (int64, error) {
	entry, err := s.findOpenEntry(ctx, sess)
	if err != nil {
		return 0, err
	}
	if entry == nil {
		return 0, ErrEntryNotFound(fmt.Sprintf(
			"no open entry for worker %s matching session (site=%s clockInAt=%d)",
			sess.WorkerID, sess.SiteID, sess.ClockInAt))
	}

	now, err := s.kv.ServerNow(ctx)
	if err != nil {
		return 0, ErrStoreWriteFailed(err)
	}
	duration := now - entry.ClockInAt

	entry.Status = StatusCompleted
	entry.ClockOutAt = &now
	if auto {
		entry.AutoClockOut = true
	}

	writes := make(map[string]json.RawMessage, 4)
	writes[entryKey(entry.WorkerID, entry.EntryID)] = mustJSON(*entry)
	writes[siteEntryKey(entry.SiteID, entry.EntryID)] = mustJSON(*entry)
	// ActiveSession / SitePersonnel は tombstone で消す（存在しない = 未出勤）
	writes[sessionKey(sess.WorkerID)] = nil
	writes[personnelKey(sess.SiteID, sess.WorkerID)] = nil
	if err := s.kv.AtomicUpdate(ctx, writes); err != nil {
		return 0, ErrStoreWriteFailed(err)
	}
	return duration, nil
}

func (s *Service) findOpenEntry(ctx context.Context, sess *ActiveSession) (*TimeEntry, error) {
	if sess.EntryID != "" {
		raw, err := s.kv.Get(ctx, entryKey(sess.WorkerID, sess.EntryID))
		if err != nil {
			return nil, err
		}
		if raw != nil {
			var e TimeEntry
			if err := json.Unmarshal(raw, &e); err == nil && isOpen(e.Status) {
				return &e, nil
			}
		}
	}

	// フォールバック: siteId+clockInAt 一致の進行中エントリを走査
	entries, err := s.scanEntries(ctx, entriesPrefix(sess.WorkerID), MaxEntryLimit)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		e := &entries[i]
		if isOpen(e.Status) && e.SiteID == sess.SiteID && e.ClockInAt == sess.ClockInAt {
			return e, nil
		}
	}
	return nil, nil
}

func isOpen(st Status) bool { return st == StatusActive || st == StatusFlagged }

// GetActiveSession: 不在なら (nil, nil)。
func (s *Service) GetActiveSession(ctx context.Context, workerID string) (*ActiveSession, error) {
	if workerID == "" {
		return nil, ErrNotAuthenticated()
	}
	return s.getSession(ctx, workerID)
}

// GetTimeEntries はワーカーのエントリを clockInAt 降順で返す。
func (s *Service) GetTimeEntries(ctx context.Context, workerID string, limit int) ([]TimeEntry, error) {
	if workerID == "" {
		return nil, ErrNotAuthenticated()
	}
	return s.scanEntries(ctx, entriesPrefix(workerID), limit)
}

// GetSiteTimeEntries はサイト側ミラーを clockInAt 降順で返す。
func (s *Service) GetSiteTimeEntries(ctx context.Context, siteID string, limit int) ([]TimeEntry, error) {
	if siteID == "" {
		return nil, ErrInvalid("site_id is required")
	}
	return s.scanEntries(ctx, siteEntriesPrefix(siteID), limit)
}

// ApproveEntry は flagged エントリを active へ昇格させる（承認注記）。
// ActiveSession / SitePersonnel には触れない。在席状態は flagged でも
// 既に「現場にいる」を表しているため。
func (s *Service) ApproveEntry(ctx context.Context, supervisorID, workerID, entryID string) error {
	if supervisorID == "" {
		return ErrNotAuthenticated()
	}
	if workerID == "" || entryID == "" {
		return ErrInvalid("worker_id and entry_id are required")
	}

	raw, err := s.kv.Get(ctx, entryKey(workerID, entryID))
	if err != nil {
		return err
	}
	if raw == nil {
		return ErrEntryNotFound("entry not found: " + entryID)
	}
	var entry TimeEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return ErrInternal("corrupt entry record: " + err.Error())
	}
	if entry.Status == StatusCompleted {
		// completed は不変
		return ErrEntryCompleted()
	}

	now, err := s.kv.ServerNow(ctx)
	if err != nil {
		return ErrStoreWriteFailed(err)
	}
	entry.Status = StatusActive
	entry.ApprovedBy = supervisorID
	entry.ApprovedAt = &now

	writes := make(map[string]json.RawMessage, 2)
	writes[entryKey(workerID, entryID)] = mustJSON(entry)
	writes[siteEntryKey(entry.SiteID, entryID)] = mustJSON(entry)
	if err := s.kv.AtomicUpdate(ctx, writes); err != nil {
		return ErrStoreWriteFailed(err)
	}
	return nil
}

// ===== アラート・インボックス（supervisor向け読み書き） =====

func (s *Service) ListAlerts(ctx context.Context, supervisorID string, limit int) ([]SupervisorAlert, error) {
	if supervisorID == "" {
		return nil, ErrNotAuthenticated()
	}
	if limit <= 0 {
		limit = DefaultAlertLimit
	}
	raws, err := s.kv.Scan(ctx, alertsPrefix(supervisorID), "timestamp", limit)
	if err != nil {
		return nil, err
	}
	out := make([]SupervisorAlert, 0, len(raws))
	for _, raw := range raws {
		var a SupervisorAlert
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, ErrInternal("corrupt alert record: " + err.Error())
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out, nil
}

func (s *Service) AcknowledgeAlert(ctx context.Context, supervisorID, alertID string) error {
	if supervisorID == "" {
		return ErrNotAuthenticated()
	}
	key := alertKey(supervisorID, alertID)
	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if raw == nil {
		return ErrEntryNotFound("alert not found: " + alertID)
	}
	var a SupervisorAlert
	if err := json.Unmarshal(raw, &a); err != nil {
		return ErrInternal("corrupt alert record: " + err.Error())
	}
	a.Acknowledged = true
	if err := s.kv.AtomicUpdate(ctx, map[string]json.RawMessage{key: mustJSON(a)}); err != nil {
		return ErrStoreWriteFailed(err)
	}
	return nil
}

func (s *Service) DeleteAlert(ctx context.Context, supervisorID, alertID string) error {
	if supervisorID == "" {
		return ErrNotAuthenticated()
	}
	key := alertKey(supervisorID, alertID)
	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if raw == nil {
		return ErrEntryNotFound("alert not found: " + alertID)
	}
	if err := s.kv.AtomicUpdate(ctx, map[string]json.RawMessage{key: nil}); err != nil {
		return ErrStoreWriteFailed(err)
	}
	return nil
}

// ===== helpers =====

func (s *Service) getSession(ctx context.Context, workerID string) (*ActiveSession, error) {
	raw, err := s.kv.Get(ctx, sessionKey(workerID))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var sess ActiveSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, ErrInternal("corrupt session record: " + err.Error())
	}
	return &sess, nil
}

func (s *Service) scanEntries(ctx context.Context, prefix string, limit int) ([]TimeEntry, error) {
	raws, err := s.kv.Scan(ctx, prefix, "clockInAt", limit)
	if err != nil {
		return nil, err
	}
	out := make([]TimeEntry, 0, len(raws))
	for _, raw := range raws {
		var e TimeEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, ErrInternal("corrupt entry record: " + err.Error())
		}
		out = append(out, e)
	}
	// ストア実装に依らず新しい順を保証する
	sort.SliceStable(out, func(i, j int) bool { return out[i].ClockInAt > out[j].ClockInAt })
	return out, nil
}

func mustJSON(v any) json.RawMessage {
	buf, err := json.Marshal(v)
	if err != nil {
		// 自前の構造体のみをマーシャルするので到達しない
		panic(err)
	}
	return buf
}

func formatDuration(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	return d.Round(time.Second).String()
}
