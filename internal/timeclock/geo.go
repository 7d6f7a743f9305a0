package timeclock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ===== 測位・ジオフェンス判定 =====
//
// 距離・精度はすべてフィート。センサー値（メートル）は取り込み時に変換する。

const (
	feetPerMeter    = 3.28084
	earthRadiusFeet = 20902230.97

	// 精度がこれを超えるフィックスは単独でフラグ対象（100m相当）
	AccuracyLimitFeet = 328.0

	// 精度が欠損・非有限のときの番兵値。必ず精度不良として扱わせる。
	unknownAccuracyFeet = 32800.0

	// フォールバック段で許容するキャッシュ鮮度
	fallbackMaxAge = 30 * time.Second
)

type DenialReason string

const (
	DenialPermission  DenialReason = "permission_denied"
	DenialUnavailable DenialReason = "position_unavailable"
	DenialTimeout     DenialReason = "timeout"
)

// DeniedError は測位失敗。エラーだがクロックインを失敗させない
// （フラグ付きエントリへの分岐条件になる）。
type DeniedError struct {
	Reason  DenialReason
	Message string
}

func (e *DeniedError) Error() string { return fmt.Sprintf("location denied (%s): %s", e.Reason, e.Message) }

// RawFix はプロバイダが返すセンサー生値。精度はメートル。
// 精度が取れない場合は NaN を入れる。
type RawFix struct {
	Lat            float64
	Lng            float64
	AccuracyMeters float64
}

// Fix は正規化済みフィックス（精度フィート、サニタイズ済み）。
type Fix struct {
	Coords       LatLng
	AccuracyFeet float64
}

type FixRequest struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaxAge       time.Duration // 0 = キャッシュ不可
}

// Provider は端末測位の抽象。HTTP層ではリクエストに載ってきた
// フィックスを返す実装を渡す。
type Provider interface {
	Fix(ctx context.Context, req FixRequest) (RawFix, error)
}

// SanitizeAccuracyFeet: メートル→フィート変換。欠損・非有限は番兵値へ。
func SanitizeAccuracyFeet(meters float64) float64 {
	if math.IsNaN(meters) || math.IsInf(meters, 0) || meters < 0 {
		return unknownAccuracyFeet
	}
	return meters * feetPerMeter
}

// AcquireFix は2段構えで測位する。
//  1. 高精度・フルタイムアウト・キャッシュ不可
//  2. 低精度・半分のタイムアウト・30秒までのキャッシュ許容
//
// 両方失敗したら DeniedError。権限拒否はどちらの段で出ても優先して報告する。
func AcquireFix(ctx context.Context, p Provider, timeout time.Duration) (Fix, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	raw, err1 := fixWithTimeout(ctx, p, FixRequest{HighAccuracy: true, Timeout: timeout})
	if err1 == nil {
		return normalizeFix(raw), nil
	}

	raw, err2 := fixWithTimeout(ctx, p, FixRequest{Timeout: timeout / 2, MaxAge: fallbackMaxAge})
	if err2 == nil {
		return normalizeFix(raw), nil
	}

	var d1, d2 *DeniedError
	errors.As(err1, &d1)
	errors.As(err2, &d2)
	if d1 != nil && d1.Reason == DenialPermission {
		return Fix{}, d1
	}
	if d2 != nil {
		return Fix{}, d2
	}
	return Fix{}, classifyFixErr(err2)
}

func fixWithTimeout(ctx context.Context, p Provider, req FixRequest) (RawFix, error) {
	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()
	raw, err := p.Fix(ctx, req)
	if err != nil {
		return RawFix{}, classifyFixErr(err)
	}
	return raw, nil
}

func classifyFixErr(err error) *DeniedError {
	var d *DeniedError
	if errors.As(err, &d) {
		return d
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &DeniedError{Reason: DenialTimeout, Message: "location request timed out"}
	}
	return &DeniedError{Reason: DenialUnavailable, Message: err.Error()}
}

func normalizeFix(raw RawFix) Fix {
	return Fix{
		Coords:       LatLng{Lat: raw.Lat, Lng: raw.Lng},
		AccuracyFeet: SanitizeAccuracyFeet(raw.AccuracyMeters),
	}
}

// Distance: ハバーサインによる大円距離（フィート）。
// 合否がコンプライアンス記録に直結するので平面近似はしない。
func Distance(a, b LatLng) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusFeet * c
}

type RadiusCheck struct {
	Valid               bool
	DistanceFeet        float64
	EffectiveRadiusFeet float64
	Reason              string // invalid のときのみ
}

// ValidateRadius: 有効半径 = サイト半径 + フィックス精度。
// 精度は確率補正ではなく加算の余裕として扱う（境界付近の正直な
// 低精度読みを偽陰性にしないため）。
func ValidateRadius(fix Fix, center LatLng, siteRadiusFeet float64) RadiusCheck {
	dist := Distance(fix.Coords, center)
	effective := siteRadiusFeet + fix.AccuracyFeet
	check := RadiusCheck{
		Valid:               dist <= effective,
		DistanceFeet:        dist,
		EffectiveRadiusFeet: effective,
	}
	if !check.Valid {
		check.Reason = fmt.Sprintf("outside %.0fft radius by %.0fft", siteRadiusFeet, dist-effective)
	}
	return check
}

func IsAccuracyAcceptable(accuracyFeet float64) bool {
	return accuracyFeet <= AccuracyLimitFeet
}

func poorAccuracyReason(accuracyFeet float64) string {
	return fmt.Sprintf("GPS accuracy %.0fft exceeds %.0fft limit", accuracyFeet, AccuracyLimitFeet)
}
