package timeclock

import (
	"context"
	"encoding/json"
)

// ===== アラート・ファンアウト =====

// RoleResolver は supervisor ロールの解決（外部コラボレータ）。
// 全ユーザ走査ではなく注入されたインターフェース経由で引く。
type RoleResolver interface {
	ListSupervisorIDs(ctx context.Context) ([]string, error)
}

// Dispatcher は異常イベントを全 supervisor のインボックスへ配る。
// 全員に同時に見えるか、誰にも見えないか（1回の複数キー更新）。
type Dispatcher struct {
	kv    KV
	roles RoleResolver
	id    IDGen
}

func NewDispatcher(kv KV, roles RoleResolver, id IDGen) *Dispatcher {
	return &Dispatcher{kv: kv, roles: roles, id: id}
}

// Send はエントリ1件につきアラート1件を supervisor ごとに複製して書く。
// クロックイン本体のコミット後に呼ばれる。失敗してもロールバックはしない
// （呼び出し側がログして結果メッセージに載せる）。
func (d *Dispatcher) Send(ctx context.Context, entry TimeEntry, typ AlertType) error {
	supIDs, err := d.roles.ListSupervisorIDs(ctx)
	if err != nil {
		return err
	}
	if len(supIDs) == 0 {
		return nil
	}

	alertID, err := d.id.New()
	if err != nil {
		return err
	}
	now, err := d.kv.ServerNow(ctx)
	if err != nil {
		return err
	}

	alert := SupervisorAlert{
		AlertID:      alertID,
		Type:         typ,
		WorkerID:     entry.WorkerID,
		WorkerName:   entry.WorkerName,
		SiteID:       entry.SiteID,
		SiteName:     entry.SiteName,
		DistanceFeet: entry.DistanceFeet,
		AccuracyFeet: entry.AccuracyFeet,
		Timestamp:    now,
		Acknowledged: false,
		EntryID:      entry.EntryID,
	}
	buf, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	writes := make(map[string]json.RawMessage, len(supIDs))
	for _, supID := range supIDs {
		writes[alertKey(supID, alertID)] = buf
	}
	return d.kv.AtomicUpdate(ctx, writes)
}
