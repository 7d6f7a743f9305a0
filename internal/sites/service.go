package sites

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// ===== Error model (attendance/lends と同型) =====
type Code string

const (
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeInternal        Code = "INTERNAL"
)

type APIError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string      { return fmt.Sprintf("%s: %s", e.Code, e.Message) }
func ErrInvalid(msg string) *APIError  { return &APIError{Code: CodeInvalidArgument, Message: msg} }
func ErrNotFound(msg string) *APIError { return &APIError{Code: CodeNotFound, Message: msg} }
func ErrInternal(msg string) *APIError { return &APIError{Code: CodeInternal, Message: msg} }

func toHTTPStatus(err error) int {
	var api *APIError
	if errors.As(err, &api) {
		switch api.Code {
		case CodeInvalidArgument:
			return 400
		case CodeNotFound:
			return 404
		case CodeConflict:
			return 409
		default:
			return 500
		}
	}
	return 500
}

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

type Service struct {
	db    *sql.DB
	store *Store
	id    IDGen
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, store: NewStore(db), id: ulidGen{}}
}

// POST /sites
func (s *Service) Create(ctx context.Context, req CreateSiteRequest) (*SiteResponse, error) {
	if req.Name == "" {
		return nil, ErrInvalid("name is required")
	}
	if req.RadiusFeet <= 0 {
		return nil, ErrInvalid("radius_feet must be > 0")
	}
	if req.Location.Lat < -90 || req.Location.Lat > 90 {
		return nil, ErrInvalid("location.lat out of range")
	}
	if req.Location.Lng < -180 || req.Location.Lng > 180 {
		return nil, ErrInvalid("location.lng out of range")
	}

	id, err := s.id.New()
	if err != nil {
		return nil, err
	}

	site := JobSite{
		SiteID:     id,
		Name:       req.Name,
		Address:    req.Address,
		Active:     true, // 新規サイトは有効で作成
		Lat:        req.Location.Lat,
		Lng:        req.Location.Lng,
		RadiusFeet: req.RadiusFeet,
	}
	if err := s.store.Insert(ctx, site); err != nil {
		return nil, err
	}

	got, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if got == nil {
		return nil, ErrInternal("inserted but not found")
	}
	resp := got.toDTO()
	return &resp, nil
}

// GET /sites/:site_id
func (s *Service) Get(ctx context.Context, siteID string) (*SiteResponse, error) {
	if siteID == "" {
		return nil, ErrInvalid("site_id is required")
	}
	site, err := s.store.GetByID(ctx, siteID)
	if err != nil {
		return nil, err
	}
	if site == nil {
		return nil, ErrNotFound("site not found")
	}
	resp := site.toDTO()
	return &resp, nil
}

// GET /sites
func (s *Service) List(ctx context.Context, q ListQuery) ([]SiteResponse, int64, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultPageLimit
	}
	if q.Limit > MaxPageLimit {
		q.Limit = MaxPageLimit
	}
	rows, total, err := s.store.List(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	out := make([]SiteResponse, 0, len(rows))
	for i := 0; i < len(rows); i++ {
		out = append(out, rows[i].toDTO())
	}
	return out, total, nil
}

// PATCH /sites/:site_id
func (s *Service) Update(ctx context.Context, siteID string, req UpdateSiteRequest) (*SiteResponse, error) {
	if siteID == "" {
		return nil, ErrInvalid("site_id is required")
	}
	if req.RadiusFeet != nil && *req.RadiusFeet <= 0 {
		return nil, ErrInvalid("radius_feet must be > 0")
	}
	if req.Location != nil {
		if req.Location.Lat < -90 || req.Location.Lat > 90 {
			return nil, ErrInvalid("location.lat out of range")
		}
		if req.Location.Lng < -180 || req.Location.Lng > 180 {
			return nil, ErrInvalid("location.lng out of range")
		}
	}

	n, err := s.store.Update(ctx, siteID, req)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNotFound("site not found")
	}
	return s.Get(ctx, siteID)
}

// DELETE /sites/:site_id は物理削除ではなく active=false に倒す。
// 過去のタイムエントリがサイト名を参照し続けるため。
func (s *Service) Deactivate(ctx context.Context, siteID string) error {
	f := false
	_, err := s.Update(ctx, siteID, UpdateSiteRequest{Active: &f})
	return err
}
