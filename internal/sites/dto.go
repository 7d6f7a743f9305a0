package sites

import "time"

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type CreateSiteRequest struct {
	Name       string  `json:"name" binding:"required"`
	Address    string  `json:"address"`
	Location   LatLng  `json:"location" binding:"required"`
	RadiusFeet float64 `json:"radius_feet" binding:"required"`
}

type UpdateSiteRequest struct {
	Name       *string  `json:"name,omitempty"`
	Address    *string  `json:"address,omitempty"`
	Location   *LatLng  `json:"location,omitempty"`
	RadiusFeet *float64 `json:"radius_feet,omitempty"`
	Active     *bool    `json:"active,omitempty"`
}

type SiteResponse struct {
	SiteID     string    `json:"site_id"`
	Name       string    `json:"name"`
	Address    string    `json:"address"`
	Active     bool      `json:"active"`
	Location   LatLng    `json:"location"`
	RadiusFeet float64   `json:"radius_feet"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type ListQuery struct {
	ActiveOnly bool
	Limit      int
	Offset     int
}
