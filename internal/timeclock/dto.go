package timeclock

const (
	DefaultEntryLimit = 50
	MaxEntryLimit     = 200
	DefaultAlertLimit = 50
)

// ReportedFix はクライアント端末が測位して送ってくる生値。
// accuracy_m はメートル（端末センサー単位のまま）。
type ReportedFix struct {
	Lat            float64  `json:"lat"`
	Lng            float64  `json:"lng"`
	AccuracyMeters *float64 `json:"accuracy_m,omitempty"`
}

type ClockInRequest struct {
	SiteID string       `json:"site_id" binding:"required"`
	Fix    *ReportedFix `json:"fix,omitempty"`
	// 端末側で測位が拒否されたときの理由:
	// permission_denied | position_unavailable | timeout
	DeniedReason string `json:"denied_reason,omitempty"`
}

type ClockInResult struct {
	EntryID      string  `json:"entry_id"`
	Status       Status  `json:"status"`
	WithinRadius bool    `json:"within_radius"`
	DistanceFeet float64 `json:"distance_feet"`
	Message      string  `json:"message"`
}

type ClockOutResult struct {
	DurationMs int64  `json:"duration_ms"`
	Message    string `json:"message"`
}
