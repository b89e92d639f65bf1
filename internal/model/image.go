package model

import "time"

// Image categories.
const (
	ImagePublic  = "PUBLIC_IMAGE"
	ImagePrivate = "PRIVATE_IMAGE"
	ImageShared  = "SHARED_IMAGE"
	ImageMarket  = "MARKET_IMAGE"
)

// ValidImageType reports whether t is one of the known image categories.
func ValidImageType(t string) bool {
	switch t {
	case ImagePublic, ImagePrivate, ImageShared, ImageMarket:
		return true
	}
	return false
}

// Image ids are only unique within a region, so (ID, Region) is the key.
type Image struct {
	ID          string     `json:"id" db:"image_id"`
	Region      string     `json:"region" db:"region"`
	Name        string     `json:"name" db:"image_name"`
	Type        string     `json:"type" db:"image_type"`
	Platform    string     `json:"platform" db:"platform"`
	CreatedTime *time.Time `json:"created_time,omitempty" db:"created_time"`
}
