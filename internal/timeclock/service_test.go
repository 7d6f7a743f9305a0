package timeclock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// ===== フェイク群 =====

// memKV はKV契約のインメモリ実装。ServerNow は呼ぶたびに1分進む。
type memKV struct {
	mu        sync.Mutex
	data      map[string]json.RawMessage
	now       int64
	failWrite bool
	failScan  bool
}

func newMemKV() *memKV {
	return &memKV{
		data: make(map[string]json.RawMessage),
		now:  1700000000000,
	}
}

func (m *memKV) Get(_ context.Context, key string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out, nil
}

func (m *memKV) AtomicUpdate(_ context.Context, writes map[string]json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite {
		return errors.New("injected write failure")
	}
	for k, v := range writes {
		if v == nil {
			delete(m.data, k)
			continue
		}
		buf := make(json.RawMessage, len(v))
		copy(buf, v)
		m.data[k] = buf
	}
	return nil
}

func (m *memKV) Scan(_ context.Context, prefix, orderField string, limit int) ([]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failScan {
		return nil, errors.New("injected scan failure")
	}

	type rec struct {
		k   string
		v   json.RawMessage
		ord float64
	}
	var recs []rec
	for k, v := range m.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(v, &obj); err != nil {
			return nil, err
		}
		ord, _ := obj[orderField].(float64)
		recs = append(recs, rec{k: k, v: v, ord: ord})
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].ord != recs[j].ord {
			return recs[i].ord > recs[j].ord
		}
		return recs[i].k > recs[j].k
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	out := make([]json.RawMessage, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.v)
	}
	return out, nil
}

func (m *memKV) ServerNow(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now += 60000
	return m.now, nil
}

func (m *memKV) put(t *testing.T, key string, v any) {
	t.Helper()
	buf, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = buf
}

func (m *memKV) keysWithPrefix(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

type fakeSites struct{ sites map[string]*JobSite }

func (f *fakeSites) GetSite(_ context.Context, siteID string) (*JobSite, error) {
	return f.sites[siteID], nil
}

type fakeRoles struct {
	ids  []string
	fail bool
}

func (f *fakeRoles) ListSupervisorIDs(context.Context) ([]string, error) {
	if f.fail {
		return nil, errors.New("role resolution unavailable")
	}
	return f.ids, nil
}

type seqID struct{ n int }

func (s *seqID) New() (string, error) {
	s.n++
	return fmt.Sprintf("ID%03d", s.n), nil
}

// fixProvider は1段目で常に成功するプロバイダ。精度はメートル指定。
type fixProvider struct {
	lat, lng, accM float64
}

func (p fixProvider) Fix(context.Context, FixRequest) (RawFix, error) {
	return RawFix{Lat: p.lat, Lng: p.lng, AccuracyMeters: p.accM}, nil
}

type deniedProvider struct{ reason DenialReason }

func (p deniedProvider) Fix(context.Context, FixRequest) (RawFix, error) {
	return RawFix{}, &DeniedError{Reason: p.reason, Message: "reported by device"}
}

// ===== セットアップ =====

const (
	testWorker  = "W1"
	testWorker2 = "W2"
	accTenFeet  = 10.0 / feetPerMeter // 10ftをメートルで
)

var feetPerDegree = earthRadiusFeet * math.Pi / 180

func lngAtFeet(distFeet float64) float64 { return distFeet / feetPerDegree }

func testSites() *fakeSites {
	return &fakeSites{sites: map[string]*JobSite{
		"SA": {SiteID: "SA", Name: "North Yard", Active: true, Location: LatLng{Lat: 0, Lng: 0}, RadiusFeet: 328},
		"SB": {SiteID: "SB", Name: "South Yard", Active: true, Location: LatLng{Lat: 1, Lng: 1}, RadiusFeet: 500},
		"SX": {SiteID: "SX", Name: "Closed Yard", Active: false, Location: LatLng{Lat: 2, Lng: 2}, RadiusFeet: 328},
	}}
}

func newTestService(kv KV, roles RoleResolver) *Service {
	id := &seqID{}
	return &Service{
		kv:              kv,
		sites:           testSites(),
		alerts:          NewDispatcher(kv, roles, id),
		id:              id,
		locationTimeout: 50 * time.Millisecond,
	}
}

// checkInvariants: ActiveSession が存在する ⇔ 進行中エントリがちょうど1件。
// セッションがあれば SitePersonnel とサイト側ミラーも整合していること。
func checkInvariants(t *testing.T, kv *memKV, workerID string) {
	t.Helper()
	ctx := context.Background()

	raw, err := kv.Get(ctx, sessionKey(workerID))
	if err != nil {
		t.Fatal(err)
	}

	var open []TimeEntry
	for _, k := range kv.keysWithPrefix(entriesPrefix(workerID)) {
		buf, _ := kv.Get(ctx, k)
		var e TimeEntry
		if err := json.Unmarshal(buf, &e); err != nil {
			t.Fatalf("corrupt entry at %s: %v", k, err)
		}
		if isOpen(e.Status) {
			open = append(open, e)
		}
	}

	if raw == nil {
		if len(open) != 0 {
			t.Fatalf("no session but %d open entries for %s", len(open), workerID)
		}
		return
	}

	var sess ActiveSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 {
		t.Fatalf("session exists but %d open entries for %s", len(open), workerID)
	}
	e := open[0]
	if e.SiteID != sess.SiteID || e.ClockInAt != sess.ClockInAt {
		t.Fatalf("session %+v does not match open entry %+v", sess, e)
	}

	pRaw, _ := kv.Get(ctx, personnelKey(sess.SiteID, workerID))
	if pRaw == nil {
		t.Fatalf("session exists but no SitePersonnel at %s", sess.SiteID)
	}

	mRaw, _ := kv.Get(ctx, siteEntryKey(e.SiteID, e.EntryID))
	if mRaw == nil {
		t.Fatal("open entry has no site mirror")
	}
	var mirror TimeEntry
	if err := json.Unmarshal(mRaw, &mirror); err != nil {
		t.Fatal(err)
	}
	if mirror.Status != e.Status || mirror.ClockInAt != e.ClockInAt {
		t.Fatalf("mirror out of sync: %+v vs %+v", mirror, e)
	}
}

func mustClockIn(t *testing.T, s *Service, workerID, siteID string, loc Provider) *ClockInResult {
	t.Helper()
	res, err := s.ClockIn(context.Background(), workerID, "Aki Tanaka", siteID, loc)
	if err != nil {
		t.Fatalf("ClockIn failed: %v", err)
	}
	return res
}

func apiCode(t *testing.T, err error) Code {
	t.Helper()
	var api *APIError
	if !errors.As(err, &api) {
		t.Fatalf("expected APIError, got %v", err)
	}
	return api.Code
}

// ===== シナリオ =====

// サイト中心・精度10ft → active、アラートなし
func TestClockInClean(t *testing.T) {
	t.Parallel()
	kv := newMemKV()
	s := newTestService(kv, &fakeRoles{ids: []string{"SUP1"}})

	res := mustClockIn(t, s, testWorker, "SA", fixProvider{lat: 0, lng: 0, accM: accTenFeet})

	if res.Status != StatusActive {
		t.Errorf("expected active, got %s", res.Status)
	}
	if !res.WithinRadius {
		t.Error("expected within radius")
	}
	if !strings.Contains(res.Message, "North Yard") {
		t.Errorf("message should name the site, got %q", res.Message)
	}
	if got := kv.keysWithPrefix("alerts/"); len(got) != 0 {
		t.Errorf("clean clock-in must not alert, got %v", got)
	}
	checkInvariants(t, kv, testWorker)

	sess, err := s.GetActiveSession(context.Background(), testWorker)
	if err != nil || sess == nil {
		t.Fatalf("expected session, got %v %v", sess, err)
	}
	if sess.EntryID != res.EntryID || sess.SiteID != "SA" || sess.Status != StatusActive {
		t.Errorf("unexpected session %+v", sess)
	}
}

// 328ft半径のサイトから500ft・精度10ft → flagged + out_of_radius がsupervisor全員へ
func TestClockInOutOfRadius(t *testing.T) {
	t.Parallel()
	kv := newMemKV()
	s := newTestService(kv, &fakeRoles{ids: []string{"SUP1", "SUP2"}})

	res := mustClockIn(t, s, testWorker, "SA", fixProvider{lat: 0, lng: lngAtFeet(500), accM: accTenFeet})

	if res.Status != StatusFlagged {
		t.Fatalf("expected flagged, got %s", res.Status)
	}
	if res.WithinRadius {
		t.Error("expected outside radius")
	}
	if math.Abs(res.DistanceFeet-500) > 1 {
		t.Errorf("distance should be ~500ft, got %f", res.DistanceFeet)
	}
	if !strings.Contains(res.Message, "outside 328ft radius") {
		t.Errorf("message should carry the flag reason, got %q", res.Message)
	}
	checkInvariants(t, kv, testWorker)

	for _, sup := range []string{"SUP1", "SUP2"} {
		keys := kv.keysWithPrefix(alertsPrefix(sup))
		if len(keys) != 1 {
			t.Fatalf("expected 1 alert for %s, got %d", sup, len(keys))
		}
		buf, _ := kv.Get(context.Background(), keys[0])
		var a SupervisorAlert
		if err := json.Unmarshal(buf, &a); err != nil {
			t.Fatal(err)
		}
		if a.Type != AlertOutOfRadius {
			t.Errorf("expected out_of_radius, got %s", a.Type)
		}
		if a.EntryID != res.EntryID || a.Acknowledged {
			t.Errorf("unexpected alert %+v", a)
		}
	}
}

// 半径判定が通っても精度不良なら flagged、理由は精度が優先
func TestClockInPoorAccuracyTakesPrecedence(t *testing.T) {
	t.Parallel()
	kv := newMemKV()
	s := newTestService(kv, &fakeRoles{ids: []string{"SUP1"}})

	res := mustClockIn(t, s, testWorker, "SA", fixProvider{lat: 0, lng: 0, accM: 150})

	if res.Status != StatusFlagged {
		t.Fatalf("expected flagged, got %s", res.Status)
	}
	if !res.WithinRadius {
		// 精度が有効半径に加算されるので中心なら圏内のまま
		t.Error("expected within radius despite poor accuracy")
	}
	if !strings.Contains(res.Message, "GPS accuracy") {
		t.Errorf("accuracy reason should win, got %q", res.Message)
	}

	keys := kv.keysWithPrefix(alertsPrefix("SUP1"))
	if len(keys) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(keys))
	}
	buf, _ := kv.Get(context.Background(), keys[0])
	var a SupervisorAlert
	if err := json.Unmarshal(buf, &a); err != nil {
		t.Fatal(err)
	}
	if a.Type != AlertPoorAccuracy {
		t.Errorf("expected poor_accuracy, got %s", a.Type)
	}
	checkInvariants(t, kv, testWorker)
}

// 圏外かつ精度不良 → 理由文は精度、アラート種別は圏外が優先
func TestClockInOutOfRadiusWithPoorAccuracy(t *testing.T) {
	t.Parallel()
	kv := newMemKV()
	s := newTestService(kv, &fakeRoles{ids: []string{"SUP1"}})

	// 2000ft地点・精度150m(≈492ft): 有効半径328+492=820ftでも圏外、精度も上限超過
	res := mustClockIn(t, s, testWorker, "SA", fixProvider{lat: 0, lng: lngAtFeet(2000), accM: 150})

	if res.Status != StatusFlagged {
		t.Fatalf("expected flagged, got %s", res.Status)
	}
	if res.WithinRadius {
		t.Error("expected outside radius")
	}
	if !strings.Contains(res.Message, "GPS accuracy") {
		t.Errorf("reason text should stay accuracy-first, got %q", res.Message)
	}

	keys := kv.keysWithPrefix(alertsPrefix("SUP1"))
	if len(keys) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(keys))
	}
	buf, _ := kv.Get(context.Background(), keys[0])
	var a SupervisorAlert
	if err := json.Unmarshal(buf, &a); err != nil {
		t.Fatal(err)
	}
	if a.Type != AlertOutOfRadius {
		t.Errorf("expected out_of_radius, got %s", a.Type)
	}
	checkInvariants(t, kv, testWorker)
}

// 測位拒否 → flagged(gps_denied)、座標{0,0}
func TestClockInLocationDenied(t *testing.T) {
	t.Parallel()
	kv := newMemKV()
	s := newTestService(kv, &fakeRoles{ids: []string{"SUP1"}})

	res := mustClockIn(t, s, testWorker, "SA", deniedProvider{reason: DenialPermission})

	if res.Status != StatusFlagged {
		t.Fatalf("denied fix must flag, not fail: %+v", res)
	}
	if res.WithinRadius || res.DistanceFeet != 0 {
		t.Errorf("radius validation must be skipped: %+v", res)
	}

	buf, _ := kv.Get(context.Background(), entryKey(testWorker, res.EntryID))
	var e TimeEntry
	if err := json.Unmarshal(buf, &e); err != nil {
		t.Fatal(err)
	}
	if e.Coords != (LatLng{}) || e.AccuracyFeet != 0 {
		t.Errorf("expected zeroed coords/accuracy, got %+v", e)
	}
	if !strings.Contains(e.FlagReason, string(DenialPermission)) {
		t.Errorf("flag reason should carry denial reason, got %q", e.FlagReason)
	}

	keys := kv.keysWithPrefix(alertsPrefix("SUP1"))
	if len(keys) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(keys))
	}
	buf, _ = kv.Get(context.Background(), keys[0])
	var a SupervisorAlert
	if err := json.Unmarshal(buf, &a); err != nil {
		t.Fatal(err)
	}
	if a.Type != AlertGPSDenied {
		t.Errorf("expected gps_denied, got %s", a.Type)
	}
	checkInvariants(t, kv, testWorker)
}

// サイトAで勤務中にサイトBへクロックイン → Aは autoClockOut で完了、
// セッションはBのみ
func TestClockInAutoClocksOutPriorSession(t *testing.T) {
	t.Parallel()
	kv := newMemKV()
	s := newTestService(kv, &fakeRoles{})

	resA := mustClockIn(t, s, testWorker, "SA", fixProvider{lat: 0, lng: 0, accM: accTenFeet})
	resB := mustClockIn(t, s, testWorker, "SB", fixProvider{lat: 1, lng: 1, accM: accTenFeet})

	buf, _ := kv.Get(context.Background(), entryKey(testWorker, resA.EntryID))
	var prior TimeEntry
	if err := json.Unmarshal(buf, &prior); err != nil {
		t.Fatal(err)
	}
	if prior.Status != StatusCompleted {
		t.Errorf("prior entry should be completed, got %s", prior.Status)
	}
	if !prior.AutoClockOut {
		t.Error("prior entry should be tagged autoClockOut")
	}
	if prior.ClockOutAt == nil {
		t.Fatal("prior entry missing clockOutAt")
	}

	sess, err := s.GetActiveSession(context.Background(), testWorker)
	if err != nil || sess == nil {
		t.Fatalf("expected session, got %v %v", sess, err)
	}
	if sess.SiteID != "SB" || sess.EntryID != resB.EntryID {
		t.Errorf("session should point at site B, got %+v", sess)
	}

	if raw, _ := kv.Get(context.Background(), personnelKey("SA", testWorker)); raw != nil {
		t.Error("site A personnel marker should be gone")
	}
	if raw, _ := kv.Get(context.Background(), personnelKey("SB", testWorker)); raw == nil {
		t.Error("site B personnel marker missing")
	}
	checkInvariants(t, kv, testWorker)
}

func TestClockOut(t *testing.T) {
	t.Parallel()
	kv := newMemKV()
	s := newTestService(kv, &fakeRoles{})

	res := mustClockIn(t, s, testWorker, "SA", fixProvider{lat: 0, lng: 0, accM: accTenFeet})

	out, err := s.ClockOut(context.Background(), testWorker)
	if err != nil {
		t.Fatalf("ClockOut failed: %v", err)
	}
	if out.DurationMs <= 0 {
		t.Errorf("expected positive duration, got %d", out.DurationMs)
	}
	if !strings.Contains(out.Message, "North Yard") {
		t.Errorf("message should name the site, got %q", out.Message)
	}

	buf, _ := kv.Get(context.Background(), entryKey(testWorker, res.EntryID))
	var e TimeEntry
	if err := json.Unmarshal(buf, &e); err != nil {
		t.Fatal(err)
	}
	if e.Status != StatusCompleted || e.ClockOutAt == nil {
		t.Errorf("entry not completed: %+v", e)
	}
	if e.AutoClockOut {
		t.Error("manual clock-out must not set autoClockOut")
	}

	if raw, _ := kv.Get(context.Background(), sessionKey(testWorker)); raw != nil {
		t.Error("session should be deleted")
	}
	if raw, _ := kv.Get(context.Background(), personnelKey("SA", testWorker)); raw != nil {
		t.Error("personnel marker should be deleted")
	}
	checkInvariants(t, kv, testWorker)

	// 二重クロックアウト
	if _, err := s.ClockOut(context.Background(), testWorker); apiCode(t, err) != CodeNoActiveSession {
		t.Errorf("expected NO_ACTIVE_SESSION, got %v", err)
	}
}

// flagged のままのクロックアウトは許可（承認は完了の前提ではない）
func TestClockOutWhileFlagged(t *testing.T) {
	t.Parallel()
	kv := newMemKV()
	s := newTestService(kv, &fakeRoles{ids: []string{"SUP1"}})

	res := mustClockIn(t, s, testWorker, "SA", deniedProvider{reason: DenialTimeout})
	if res.Status != StatusFlagged {
		t.Fatalf("setup: expected flagged, got %s", res.Status)
	}

	if _, err := s.ClockOut(context.Background(), testWorker); err != nil {
		t.Fatalf("flagged session must still clock out: %v", err)
	}

	buf, _ := kv.Get(context.Background(), entryKey(testWorker, res.EntryID))
	var e TimeEntry
	if err := json.Unmarshal(buf, &e); err != nil {
		t.Fatal(err)
	}
	if e.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", e.Status)
	}
	if e.FlagReason == "" {
		t.Error("flag reason should survive completion")
	}
	checkInvariants(t, kv, testWorker)
}

// セッションの entryId が腐っていても siteId+clockInAt の走査で復元できる
func TestClockOutFallsBackToScan(t *testing.T) {
	t.Parallel()
	kv := newMemKV()
	s := newTestService(kv, &fakeRoles{})

	mustClockIn(t, s, testWorker, "SA", fixProvider{lat: 0, lng: 0, accM: accTenFeet})

	raw, _ := kv.Get(context.Background(), sessionKey(testWorker))
	var sess ActiveSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		t.Fatal(err)
	}
	sess.EntryID = "STALE"
	kv.put(t, sessionKey(testWorker), sess)

	if _, err := s.ClockOut(context.Background(), testWorker); err != nil {
		t.Fatalf("scan fallback should succeed: %v", err)
	}
	checkInvariants(t, kv, testWorker)
}

// セッションと一致するエントリが本当に無いなら黙殺せずエラー
func TestClockOutSurfacesBrokenInvariant(t *testing.T) {
	t.Parallel()
	kv := newMemKV()
	s := newTestService(kv, &fakeRoles{})

	kv.put(t, sessionKey(testWorker), ActiveSession{
		WorkerID: testWorker, SiteID: "SA", SiteName: "North Yard",
		EntryID: "GONE", ClockInAt: 123, Status: StatusActive,
	})

	_, err := s.ClockOut(context.Background(), testWorker)
	if apiCode(t, err) != CodeEntryNotFound {
		t.Errorf("expected ENTRY_NOT_FOUND, got %v", err)
	}
}

func TestClockInErrors(t *testing.T) {
	t.Parallel()
	kv := newMemKV()
	s := newTestService(kv, &fakeRoles{})
	loc := fixProvider{lat: 0, lng: 0, accM: accTenFeet}

	if _, err := s.ClockIn(context.Background(), "", "n", "SA", loc); apiCode(t, err) != CodeNotAuthenticated {
		t.Errorf("expected NOT_AUTHENTICATED, got %v", err)
	}
	if _, err := s.ClockIn(context.Background(), testWorker, "n", "NOPE", loc); apiCode(t, err) != CodeSiteNotFound {
		t.Errorf("expected SITE_NOT_FOUND, got %v", err)
	}
	if _, err := s.ClockIn(context.Background(), testWorker, "n", "SX", loc); apiCode(t, err) != CodeSiteInactive {
		t.Errorf("expected SITE_INACTIVE, got %v", err)
	}
	if len(kv.keysWithPrefix("")) != 0 {
		t.Error("failed clock-ins must not write anything")
	}
}

// 原子的更新が失敗したら何も書かれない（部分コミット不可能）
func TestClockInStoreWriteFailed(t *testing.T) {
	t.Parallel()
	kv := newMemKV()
	kv.failWrite = true
	s := newTestService(kv, &fakeRoles{})

	_, err := s.ClockIn(context.Background(), testWorker, "n", "SA", fixProvider{lat: 0, lng: 0, accM: accTenFeet})
	if apiCode(t, err) != CodeStoreWriteFailed {
		t.Errorf("expected STORE_WRITE_FAILED, got %v", err)
	}
	if len(kv.keysWithPrefix("")) != 0 {
		t.Error("no partial state may remain")
	}
}

// アラート配信失敗はコミット済みクロックインを巻き戻さない
func TestAlertFailureDoesNotRollBackClockIn(t *testing.T) {
	t.Parallel()
	kv := newMemKV()
	s := newTestService(kv, &fakeRoles{fail: true})

	res := mustClockIn(t, s, testWorker, "SA", deniedProvider{reason: DenialPermission})

	if res.Status != StatusFlagged {
		t.Fatalf("expected flagged, got %s", res.Status)
	}
	if !strings.Contains(res.Message, "alert delivery failed") {
		t.Errorf("delivery failure should surface in message, got %q", res.Message)
	}
	if raw, _ := kv.Get(context.Background(), entryKey(testWorker, res.EntryID)); raw == nil {
		t.Error("entry must survive alert failure")
	}
	checkInvariants(t, kv, testWorker)
}

// 承認: flagged → active。セッション/在席マーカーは不変、ミラーは同期
func TestApproveEntry(t *testing.T) {
	t.Parallel()
	kv := newMemKV()
	s := newTestService(kv, &fakeRoles{ids: []string{"SUP1"}})
	ctx := context.Background()

	res := mustClockIn(t, s, testWorker, "SA", fixProvider{lat: 0, lng: lngAtFeet(500), accM: accTenFeet})
	sessBefore, _ := kv.Get(ctx, sessionKey(testWorker))
	persBefore, _ := kv.Get(ctx, personnelKey("SA", testWorker))

	if err := s.ApproveEntry(ctx, "SUP1", testWorker, res.EntryID); err != nil {
		t.Fatalf("ApproveEntry failed: %v", err)
	}

	buf, _ := kv.Get(ctx, entryKey(testWorker, res.EntryID))
	var e TimeEntry
	if err := json.Unmarshal(buf, &e); err != nil {
		t.Fatal(err)
	}
	if e.Status != StatusActive {
		t.Errorf("expected active, got %s", e.Status)
	}
	if e.ApprovedBy != "SUP1" || e.ApprovedAt == nil {
		t.Errorf("approval annotation missing: %+v", e)
	}

	mBuf, _ := kv.Get(ctx, siteEntryKey("SA", res.EntryID))
	var mirror TimeEntry
	if err := json.Unmarshal(mBuf, &mirror); err != nil {
		t.Fatal(err)
	}
	if mirror.Status != StatusActive || mirror.ApprovedBy != "SUP1" {
		t.Errorf("mirror not updated: %+v", mirror)
	}

	sessAfter, _ := kv.Get(ctx, sessionKey(testWorker))
	persAfter, _ := kv.Get(ctx, personnelKey("SA", testWorker))
	if string(sessAfter) != string(sessBefore) || string(persAfter) != string(persBefore) {
		t.Error("approval must not touch session or personnel records")
	}

	// 存在しないエントリ
	if err := s.ApproveEntry(ctx, "SUP1", testWorker, "NOPE"); apiCode(t, err) != CodeEntryNotFound {
		t.Errorf("expected ENTRY_NOT_FOUND, got %v", err)
	}

	// completed は不変
	if _, err := s.ClockOut(ctx, testWorker); err != nil {
		t.Fatal(err)
	}
	if err := s.ApproveEntry(ctx, "SUP1", testWorker, res.EntryID); apiCode(t, err) != CodeEntryCompleted {
		t.Errorf("expected ENTRY_COMPLETED, got %v", err)
	}
}

// 読み取りビューは書き込み順に依らず clockInAt 降順
func TestReadViewsSortedNewestFirst(t *testing.T) {
	t.Parallel()
	kv := newMemKV()
	s := newTestService(kv, &fakeRoles{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mustClockIn(t, s, testWorker, "SA", fixProvider{lat: 0, lng: 0, accM: accTenFeet})
		if _, err := s.ClockOut(ctx, testWorker); err != nil {
			t.Fatal(err)
		}
	}
	mustClockIn(t, s, testWorker2, "SA", fixProvider{lat: 0, lng: 0, accM: accTenFeet})

	entries, err := s.GetTimeEntries(ctx, testWorker, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i-1].ClockInAt < entries[i].ClockInAt {
			t.Fatal("worker entries not sorted newest-first")
		}
	}

	siteEntries, err := s.GetSiteTimeEntries(ctx, "SA", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(siteEntries) != 4 {
		t.Fatalf("expected 4 site entries, got %d", len(siteEntries))
	}
	for i := 1; i < len(siteEntries); i++ {
		if siteEntries[i-1].ClockInAt < siteEntries[i].ClockInAt {
			t.Fatal("site entries not sorted newest-first")
		}
	}

	limited, err := s.GetSiteTimeEntries(ctx, "SA", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Fatalf("limit not applied: got %d", len(limited))
	}
}

func TestAlertInbox(t *testing.T) {
	t.Parallel()
	kv := newMemKV()
	s := newTestService(kv, &fakeRoles{ids: []string{"SUP1"}})
	ctx := context.Background()

	mustClockIn(t, s, testWorker, "SA", deniedProvider{reason: DenialPermission})

	alerts, err := s.ListAlerts(ctx, "SUP1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	if alerts[0].Acknowledged {
		t.Error("fresh alert should be unacknowledged")
	}

	if err := s.AcknowledgeAlert(ctx, "SUP1", alerts[0].AlertID); err != nil {
		t.Fatal(err)
	}
	alerts, _ = s.ListAlerts(ctx, "SUP1", 0)
	if !alerts[0].Acknowledged {
		t.Error("acknowledge did not stick")
	}

	if err := s.DeleteAlert(ctx, "SUP1", alerts[0].AlertID); err != nil {
		t.Fatal(err)
	}
	alerts, _ = s.ListAlerts(ctx, "SUP1", 0)
	if len(alerts) != 0 {
		t.Errorf("expected empty inbox, got %d", len(alerts))
	}

	if err := s.AcknowledgeAlert(ctx, "SUP1", "NOPE"); apiCode(t, err) != CodeEntryNotFound {
		t.Errorf("expected not-found code, got %v", err)
	}
}
