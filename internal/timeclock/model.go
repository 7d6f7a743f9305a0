package timeclock

// KVレコード（JSONで保存）。タイムスタンプはすべてエポックミリ秒。

type Status string

const (
	StatusActive    Status = "active"
	StatusFlagged   Status = "flagged"
	StatusCompleted Status = "completed"
)

type AlertType string

const (
	AlertGPSDenied    AlertType = "gps_denied"
	AlertPoorAccuracy AlertType = "poor_accuracy"
	AlertOutOfRadius  AlertType = "out_of_radius"
)

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// JobSite はサイト管理（外部）所有の読み取り専用参照。
type JobSite struct {
	SiteID     string
	Name       string
	Active     bool
	Location   LatLng
	RadiusFeet float64
}

// TimeEntry はクロックイン1回につき1件。completed になったら不変。
type TimeEntry struct {
	EntryID      string  `json:"entryId"`
	WorkerID     string  `json:"workerId"`
	WorkerName   string  `json:"workerName"`
	SiteID       string  `json:"siteId"`
	SiteName     string  `json:"siteName"`
	ClockInAt    int64   `json:"clockInAt"`
	ClockOutAt   *int64  `json:"clockOutAt,omitempty"`
	Coords       LatLng  `json:"coords"`
	AccuracyFeet float64 `json:"accuracyFeet"`
	DistanceFeet float64 `json:"distanceFeet"`
	WithinRadius bool    `json:"withinRadius"`
	Status       Status  `json:"status"`
	FlagReason   string  `json:"flagReason,omitempty"`
	AutoClockOut bool    `json:"autoClockOut,omitempty"`
	ApprovedBy   string  `json:"approvedBy,omitempty"`
	ApprovedAt   *int64  `json:"approvedAt,omitempty"`
}

// ActiveSession はワーカーごとに高々1件。進行中エントリのキャッシュ。
// EntryID は直接参照用。クロックアウト時はこれを第一候補とし、
// 不整合時のみ siteId+clockInAt での走査にフォールバックする。
type ActiveSession struct {
	WorkerID   string `json:"workerId"`
	WorkerName string `json:"workerName"`
	SiteID     string `json:"siteId"`
	SiteName   string `json:"siteName"`
	EntryID    string `json:"entryId"`
	ClockInAt  int64  `json:"clockInAt"`
	Status     Status `json:"status"`
}

// SitePersonnel は現場の在席者ビュー用ミラー。存在そのものが「在席」。
type SitePersonnel struct {
	SiteID     string `json:"siteId"`
	WorkerID   string `json:"workerId"`
	WorkerName string `json:"workerName"`
	ClockInAt  int64  `json:"clockInAt"`
	Status     Status `json:"status"`
}

type SupervisorAlert struct {
	AlertID      string    `json:"alertId"`
	Type         AlertType `json:"type"`
	WorkerID     string    `json:"workerId"`
	WorkerName   string    `json:"workerName"`
	SiteID       string    `json:"siteId"`
	SiteName     string    `json:"siteName"`
	DistanceFeet float64   `json:"distanceFeet"`
	AccuracyFeet float64   `json:"accuracyFeet"`
	Timestamp    int64     `json:"timestamp"`
	Acknowledged bool      `json:"acknowledged"`
	EntryID      string    `json:"entryId"`
}

// ===== キー体系 =====
//
//	entries/{worker}/{entry}
//	activeSessions/{worker}
//	sitePersonnel/{site}/{worker}
//	siteEntries/{site}/{entry}
//	alerts/{supervisor}/{alert}

func entryKey(workerID, entryID string) string { return "entries/" + workerID + "/" + entryID }
func entriesPrefix(workerID string) string     { return "entries/" + workerID + "/" }

func sessionKey(workerID string) string { return "activeSessions/" + workerID }

func personnelKey(siteID, workerID string) string { return "sitePersonnel/" + siteID + "/" + workerID }

func siteEntryKey(siteID, entryID string) string { return "siteEntries/" + siteID + "/" + entryID }
func siteEntriesPrefix(siteID string) string     { return "siteEntries/" + siteID + "/" }

func alertKey(supervisorID, alertID string) string { return "alerts/" + supervisorID + "/" + alertID }
func alertsPrefix(supervisorID string) string      { return "alerts/" + supervisorID + "/" }
