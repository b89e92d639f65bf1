package reconcile

import (
	"github.com/edvin/vmcache/internal/cloud"
	"github.com/edvin/vmcache/internal/model"
)

// Merge turns one remote observation into a store record. It is the only
// place where remote fields are mapped onto cached columns:
//
//   - the first address of each IP list is kept; a missing or empty list
//     yields a nil pointer so the stored address survives the upsert
//   - missing created/expired timestamps are nil for the same reason
//   - the password never comes from the remote side
//
// Readers pick the public address over the private one through
// model.Instance.Address.
func Merge(remote cloud.Instance) model.InstanceRecord {
	return model.InstanceRecord{
		ID:           remote.ID,
		Name:         remote.Name,
		Status:       remote.Status,
		Region:       remote.Region,
		Zone:         remote.Zone,
		InstanceType: remote.InstanceType,
		ImageID:      remote.ImageID,
		ImageName:    remote.ImageName,
		Platform:     remote.Platform,
		CPU:          remote.CPU,
		Memory:       remote.Memory,
		PrivateIP:    firstIP(remote.PrivateIPs),
		PublicIP:     firstIP(remote.PublicIPs),
		CreatedTime:  remote.CreatedTime,
		ExpiredTime:  remote.ExpiredTime,
	}
}

func firstIP(ips []string) *string {
	for _, ip := range ips {
		if ip != "" {
			return &ip
		}
	}
	return nil
}

func mergeAll(remote []cloud.Instance) []model.InstanceRecord {
	out := make([]model.InstanceRecord, 0, len(remote))
	for _, r := range remote {
		out = append(out, Merge(r))
	}
	return out
}
