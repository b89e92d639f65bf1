package model

// Default instance template values, used whenever the stored settings row
// leaves a field unset.
const (
	DefaultRegion          = "ap-beijing"
	DefaultCPU             = 2
	DefaultMemory          = 4
	DefaultDiskType        = "CLOUD_PREMIUM"
	DefaultDiskSize        = 50
	DefaultBandwidth       = 10
	DefaultBandwidthCharge = "TRAFFIC_POSTPAID_BY_HOUR"
)

// Credentials identify the account used for remote calls.
type Credentials struct {
	SecretID  string `json:"secret_id"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
}

// Complete reports whether both halves of the key pair are present.
func (c Credentials) Complete() bool {
	return c.SecretID != "" && c.SecretKey != ""
}

// InstanceTemplate holds the provisioning defaults applied to new instances.
type InstanceTemplate struct {
	CPU             int    `json:"cpu" yaml:"cpu"`
	Memory          int    `json:"memory" yaml:"memory"`
	Zone            string `json:"zone" yaml:"zone"`
	ImageID         string `json:"image_id" yaml:"image_id"`
	Password        string `json:"password" yaml:"password"`
	DiskType        string `json:"disk_type" yaml:"disk_type"`
	DiskSize        int    `json:"disk_size" yaml:"disk_size"`
	Bandwidth       int    `json:"bandwidth" yaml:"bandwidth"`
	BandwidthCharge string `json:"bandwidth_charge" yaml:"bandwidth_charge"`
}

// Settings is the singleton configuration record.
type Settings struct {
	SecretID      string           `json:"secret_id" yaml:"secret_id"`
	SecretKey     string           `json:"secret_key" yaml:"secret_key"`
	DefaultRegion string           `json:"default_region" yaml:"default_region"`
	Template      InstanceTemplate `json:"template" yaml:"template"`
}

// DefaultSettings returns the template every stored row is merged over.
func DefaultSettings() Settings {
	return Settings{
		DefaultRegion: DefaultRegion,
		Template: InstanceTemplate{
			CPU:             DefaultCPU,
			Memory:          DefaultMemory,
			DiskType:        DefaultDiskType,
			DiskSize:        DefaultDiskSize,
			Bandwidth:       DefaultBandwidth,
			BandwidthCharge: DefaultBandwidthCharge,
		},
	}
}

// Credentials returns the key pair bound to the default region.
func (s Settings) Credentials() Credentials {
	return Credentials{SecretID: s.SecretID, SecretKey: s.SecretKey, Region: s.DefaultRegion}
}

// Redacted returns a copy safe to hand to clients.
func (s Settings) Redacted() Settings {
	if s.SecretKey != "" {
		s.SecretKey = "********"
	}
	if s.Template.Password != "" {
		s.Template.Password = "********"
	}
	return s
}

// SettingsPatch is a partial settings update. Nil fields are left unchanged.
type SettingsPatch struct {
	SecretID        *string `json:"secret_id,omitempty"`
	SecretKey       *string `json:"secret_key,omitempty"`
	DefaultRegion   *string `json:"default_region,omitempty"`
	CPU             *int    `json:"cpu,omitempty"`
	Memory          *int    `json:"memory,omitempty"`
	Zone            *string `json:"zone,omitempty"`
	ImageID         *string `json:"image_id,omitempty"`
	Password        *string `json:"password,omitempty"`
	DiskType        *string `json:"disk_type,omitempty"`
	DiskSize        *int    `json:"disk_size,omitempty"`
	Bandwidth       *int    `json:"bandwidth,omitempty"`
	BandwidthCharge *string `json:"bandwidth_charge,omitempty"`
}

// Apply merges the patch into s field by field.
func (p SettingsPatch) Apply(s Settings) Settings {
	setString(&s.SecretID, p.SecretID)
	setString(&s.SecretKey, p.SecretKey)
	setString(&s.DefaultRegion, p.DefaultRegion)
	setInt(&s.Template.CPU, p.CPU)
	setInt(&s.Template.Memory, p.Memory)
	setString(&s.Template.Zone, p.Zone)
	setString(&s.Template.ImageID, p.ImageID)
	setString(&s.Template.Password, p.Password)
	setString(&s.Template.DiskType, p.DiskType)
	setInt(&s.Template.DiskSize, p.DiskSize)
	setInt(&s.Template.Bandwidth, p.Bandwidth)
	setString(&s.Template.BandwidthCharge, p.BandwidthCharge)
	return s
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}
