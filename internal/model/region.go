package model

// Region availability states.
const (
	RegionAvailable   = "AVAILABLE"
	RegionUnavailable = "UNAVAILABLE"
)

type Region struct {
	Code  string `json:"code" db:"region"`
	Name  string `json:"name" db:"region_name"`
	State string `json:"state" db:"region_state"`
}
