package sites

import "time"

// DB行に対応（スキャン用）
type siteRow struct {
	SiteID     string
	Name       string
	Address    string
	Active     bool
	Lat        float64
	Lng        float64
	RadiusFeet float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type JobSite struct {
	SiteID     string
	Name       string
	Address    string
	Active     bool
	Lat        float64
	Lng        float64
	RadiusFeet float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (r siteRow) toModel() JobSite {
	return JobSite{
		SiteID:     r.SiteID,
		Name:       r.Name,
		Address:    r.Address,
		Active:     r.Active,
		Lat:        r.Lat,
		Lng:        r.Lng,
		RadiusFeet: r.RadiusFeet,
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
}

func (s JobSite) toDTO() SiteResponse {
	return SiteResponse{
		SiteID:     s.SiteID,
		Name:       s.Name,
		Address:    s.Address,
		Active:     s.Active,
		Location:   LatLng{Lat: s.Lat, Lng: s.Lng},
		RadiusFeet: s.RadiusFeet,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}
