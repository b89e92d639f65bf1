package request

import "github.com/edvin/vmcache/internal/tracker"

type InstanceIDs struct {
	IDs []string `json:"ids" validate:"required,min=1,max=100,dive,required"`
}

type StopInstances struct {
	IDs   []string `json:"ids" validate:"required,min=1,max=100,dive,required"`
	Force bool     `json:"force"`
}

type ResetPassword struct {
	IDs      []string `json:"ids" validate:"required,min=1,max=100,dive,required"`
	Password string   `json:"password" validate:"required,vmpassword"`
}

// CreateInstances leaves every field optional; unset values come from the
// stored instance template.
type CreateInstances struct {
	Name            string `json:"name" validate:"omitempty,max=60"`
	Region          string `json:"region" validate:"omitempty,region"`
	Zone            string `json:"zone" validate:"omitempty,max=64"`
	ImageID         string `json:"image_id" validate:"omitempty,max=128"`
	InstanceType    string `json:"instance_type" validate:"omitempty,max=64"`
	CPU             int    `json:"cpu" validate:"omitempty,min=1,max=256"`
	Memory          int    `json:"memory" validate:"omitempty,min=1,max=2048"`
	Password        string `json:"password" validate:"omitempty,vmpassword"`
	DiskType        string `json:"disk_type" validate:"omitempty,oneof=CLOUD_PREMIUM CLOUD_SSD CLOUD_BSSD CLOUD_HSSD"`
	DiskSize        int    `json:"disk_size" validate:"omitempty,min=20,max=16000"`
	Bandwidth       int    `json:"bandwidth" validate:"omitempty,min=0,max=1000"`
	BandwidthCharge string `json:"bandwidth_charge" validate:"omitempty,oneof=TRAFFIC_POSTPAID_BY_HOUR BANDWIDTH_POSTPAID_BY_HOUR BANDWIDTH_PACKAGE"`
	Count           int    `json:"count" validate:"omitempty,min=1,max=100"`
}

func (c CreateInstances) ToTracker() tracker.CreateRequest {
	return tracker.CreateRequest{
		Name:            c.Name,
		Region:          c.Region,
		Zone:            c.Zone,
		ImageID:         c.ImageID,
		InstanceType:    c.InstanceType,
		CPU:             c.CPU,
		Memory:          c.Memory,
		Password:        c.Password,
		DiskType:        c.DiskType,
		DiskSize:        c.DiskSize,
		Bandwidth:       c.Bandwidth,
		BandwidthCharge: c.BandwidthCharge,
		Count:           c.Count,
	}
}
