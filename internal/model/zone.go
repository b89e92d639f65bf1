package model

type Zone struct {
	Code   string `json:"code" db:"zone"`
	Region string `json:"region" db:"region"`
	Name   string `json:"name" db:"zone_name"`
	State  string `json:"state" db:"zone_state"`
}
