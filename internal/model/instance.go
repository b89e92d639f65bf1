package model

import "time"

type Instance struct {
	ID           string         `json:"id" db:"instance_id"`
	Name         string         `json:"name" db:"instance_name"`
	Status       InstanceStatus `json:"status" db:"status"`
	Region       string         `json:"region" db:"region"`
	Zone         string         `json:"zone" db:"zone"`
	InstanceType string         `json:"instance_type" db:"instance_type"`
	ImageID      string         `json:"image_id" db:"image_id"`
	ImageName    string         `json:"image_name" db:"image_name"`
	Platform     string         `json:"platform" db:"platform"`
	CPU          int            `json:"cpu" db:"cpu"`
	Memory       int            `json:"memory" db:"memory"`
	PrivateIP    string         `json:"private_ip" db:"private_ip"`
	PublicIP     string         `json:"public_ip" db:"public_ip"`
	CreatedTime  *time.Time     `json:"created_time,omitempty" db:"created_time"`
	ExpiredTime  *time.Time     `json:"expired_time,omitempty" db:"expired_time"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`

	// Password is the configured default password, joined on read. It is
	// never persisted per instance.
	Password string `json:"password,omitempty" db:"-"`
}

// Address returns the public IP when known, otherwise the private IP.
func (i Instance) Address() string {
	if i.PublicIP != "" {
		return i.PublicIP
	}
	return i.PrivateIP
}

// InstanceRecord is the write-side shape of an instance observation. Nil
// pointer fields were not observed and keep whatever value is already stored.
type InstanceRecord struct {
	ID           string
	Name         string
	Status       InstanceStatus
	Region       string
	Zone         string
	InstanceType string
	ImageID      string
	ImageName    string
	Platform     string
	CPU          int
	Memory       int
	PrivateIP    *string
	PublicIP     *string
	CreatedTime  *time.Time
	ExpiredTime  *time.Time
}
