package request

import "github.com/edvin/vmcache/internal/model"

type UpdateSettings struct {
	SecretID        *string `json:"secret_id" validate:"omitempty,max=128"`
	SecretKey       *string `json:"secret_key" validate:"omitempty,max=256"`
	DefaultRegion   *string `json:"default_region" validate:"omitempty,region"`
	CPU             *int    `json:"cpu" validate:"omitempty,min=1,max=256"`
	Memory          *int    `json:"memory" validate:"omitempty,min=1,max=2048"`
	Zone            *string `json:"zone" validate:"omitempty,max=64"`
	ImageID         *string `json:"image_id" validate:"omitempty,max=128"`
	Password        *string `json:"password" validate:"omitempty,vmpassword"`
	DiskType        *string `json:"disk_type" validate:"omitempty,oneof=CLOUD_PREMIUM CLOUD_SSD CLOUD_BSSD CLOUD_HSSD"`
	DiskSize        *int    `json:"disk_size" validate:"omitempty,min=20,max=16000"`
	Bandwidth       *int    `json:"bandwidth" validate:"omitempty,min=0,max=1000"`
	BandwidthCharge *string `json:"bandwidth_charge" validate:"omitempty,oneof=TRAFFIC_POSTPAID_BY_HOUR BANDWIDTH_POSTPAID_BY_HOUR BANDWIDTH_PACKAGE"`
}

func (u UpdateSettings) Patch() model.SettingsPatch {
	return model.SettingsPatch{
		SecretID:        u.SecretID,
		SecretKey:       u.SecretKey,
		DefaultRegion:   u.DefaultRegion,
		CPU:             u.CPU,
		Memory:          u.Memory,
		Zone:            u.Zone,
		ImageID:         u.ImageID,
		Password:        u.Password,
		DiskType:        u.DiskType,
		DiskSize:        u.DiskSize,
		Bandwidth:       u.Bandwidth,
		BandwidthCharge: u.BandwidthCharge,
	}
}

// ValidateCredentials checks the given key pair, or the stored one when the
// body is empty.
type ValidateCredentials struct {
	SecretID      string `json:"secret_id" validate:"required_with=SecretKey,max=128"`
	SecretKey     string `json:"secret_key" validate:"required_with=SecretID,max=256"`
	DefaultRegion string `json:"default_region" validate:"omitempty,region"`
}

func (v ValidateCredentials) Credentials() model.Credentials {
	return model.Credentials{SecretID: v.SecretID, SecretKey: v.SecretKey, Region: v.DefaultRegion}
}
