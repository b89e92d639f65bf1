package aws

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/edvin/vmcache/internal/cloud"
	"github.com/edvin/vmcache/internal/model"
)

// Disk types the cache knows, mapped to EBS volume types.
var volumeTypes = map[string]types.VolumeType{
	"CLOUD_PREMIUM": types.VolumeTypeGp3,
	"CLOUD_SSD":     types.VolumeTypeGp2,
	"CLOUD_BSSD":    types.VolumeTypeSt1,
	"CLOUD_HSSD":    types.VolumeTypeIo2,
}

func volumeType(diskType string) (types.VolumeType, error) {
	if diskType == "" {
		return types.VolumeTypeGp3, nil
	}
	vt, ok := volumeTypes[diskType]
	if !ok {
		return "", &cloud.Error{Op: "RunInstances", Kind: cloud.KindUnsupportedDiskType,
			Message: fmt.Sprintf("disk type %s has no EBS equivalent", diskType)}
	}
	return vt, nil
}

func instanceStatus(state *types.InstanceState) model.InstanceStatus {
	if state == nil {
		return model.StatusUnknown
	}
	switch state.Name {
	case types.InstanceStateNamePending:
		return model.StatusPending
	case types.InstanceStateNameRunning:
		return model.StatusRunning
	case types.InstanceStateNameStopping:
		return model.StatusStopping
	case types.InstanceStateNameStopped:
		return model.StatusStopped
	case types.InstanceStateNameShuttingDown:
		return model.StatusTerminating
	case types.InstanceStateNameTerminated:
		return model.StatusShutdown
	}
	return model.StatusUnknown
}

// typeSpec is the CPU and memory of an instance type, memory in GB.
type typeSpec struct {
	CPU    int
	Memory int
}

func toInstance(in types.Instance, region string, specs map[string]typeSpec) cloud.Instance {
	out := cloud.Instance{
		ID:           aws.ToString(in.InstanceId),
		Name:         tagValue(in.Tags, "Name"),
		Status:       instanceStatus(in.State),
		Region:       region,
		InstanceType: string(in.InstanceType),
		ImageID:      aws.ToString(in.ImageId),
		Platform:     aws.ToString(in.PlatformDetails),
		CreatedTime:  in.LaunchTime,
	}
	if in.Placement != nil {
		out.Zone = aws.ToString(in.Placement.AvailabilityZone)
	}
	if spec, ok := specs[out.InstanceType]; ok {
		out.CPU = spec.CPU
		out.Memory = spec.Memory
	} else if in.CpuOptions != nil {
		out.CPU = int(aws.ToInt32(in.CpuOptions.CoreCount) * max(aws.ToInt32(in.CpuOptions.ThreadsPerCore), 1))
	}

	// EC2 omits the address fields entirely while an instance has none.
	if in.PrivateIpAddress != nil {
		out.PrivateIPs = []string{*in.PrivateIpAddress}
	}
	if in.PublicIpAddress != nil {
		out.PublicIPs = []string{*in.PublicIpAddress}
	}
	return out
}

func toImage(in types.Image, region, imageType string) model.Image {
	img := model.Image{
		ID:       aws.ToString(in.ImageId),
		Region:   region,
		Name:     aws.ToString(in.Name),
		Type:     imageType,
		Platform: aws.ToString(in.PlatformDetails),
	}
	if in.CreationDate != nil {
		if t, err := time.Parse(time.RFC3339, *in.CreationDate); err == nil {
			img.CreatedTime = &t
		}
	}
	return img
}

func tagValue(tags []types.Tag, key string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value)
		}
	}
	return ""
}

// userData renders a cloud-init document that sets the default user's
// password and enables password SSH logins.
func userData(password string) *string {
	if password == "" {
		return nil
	}
	doc := "#cloud-config\n" +
		"password: " + strconv.Quote(password) + "\n" +
		"chpasswd: { expire: false }\n" +
		"ssh_pwauth: true\n"
	return aws.String(base64.StdEncoding.EncodeToString([]byte(doc)))
}

var (
	authCodes = map[string]bool{
		"AuthFailure":           true,
		"UnauthorizedOperation": true,
		"InvalidClientTokenId":  true,
		"SignatureDoesNotMatch": true,
		"OptInRequired":         true,
		"AccessDeniedException": true,
	}
	rateCodes = map[string]bool{
		"RequestLimitExceeded": true,
		"Throttling":           true,
		"ThrottlingException":  true,
	}
	capacityCodes = map[string]bool{
		"InsufficientInstanceCapacity": true,
		"InsufficientHostCapacity":     true,
		"InsufficientCapacity":         true,
	}
	notFoundCodes = map[string]bool{
		"InvalidInstanceID.NotFound": true,
		"InvalidAMIID.NotFound":      true,
		"NotFoundException":          true,
		"InvalidCommandId":           true,
	}
	invalidCodes = map[string]bool{
		"InvalidInstanceId":           true,
		"InvalidDocument":             true,
		"InvalidAMIName.Duplicate":    true,
		"IncorrectInstanceState":      true,
		"InvalidInstanceID.Malformed": true,
	}
)

// classify wraps an SDK error into a *cloud.Error with a kind derived from
// the API error code.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *cloud.Error
	if errors.As(err, &ce) {
		return err
	}

	out := &cloud.Error{Op: op, Kind: cloud.KindOther, Err: err}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return out
	}

	code := apiErr.ErrorCode()
	out.Code = code
	out.Message = apiErr.ErrorMessage()
	switch {
	case authCodes[code]:
		out.Kind = cloud.KindAuth
	case rateCodes[code]:
		out.Kind = cloud.KindRateLimited
	case capacityCodes[code]:
		out.Kind = cloud.KindCapacity
	case notFoundCodes[code]:
		out.Kind = cloud.KindNotFound
	case invalidCodes[code]:
		out.Kind = cloud.KindInvalid
	case code == "Unsupported" || code == "UnsupportedOperation":
		out.Kind = cloud.KindUnsupported
	case strings.HasPrefix(code, "InvalidParameter"):
		if mentionsVolumeType(out.Message) {
			out.Kind = cloud.KindUnsupportedDiskType
		} else {
			out.Kind = cloud.KindInvalid
		}
	}
	return out
}

func mentionsVolumeType(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "volume type") || strings.Contains(m, "volumetype")
}

// onDemandUSD extracts the first on-demand USD price from a Pricing API
// product document.
func onDemandUSD(product string) (float64, error) {
	var doc struct {
		Terms struct {
			OnDemand map[string]struct {
				PriceDimensions map[string]struct {
					PricePerUnit map[string]string `json:"pricePerUnit"`
				} `json:"priceDimensions"`
			} `json:"OnDemand"`
		} `json:"terms"`
	}
	if err := json.Unmarshal([]byte(product), &doc); err != nil {
		return 0, fmt.Errorf("parse price document: %w", err)
	}
	for _, term := range doc.Terms.OnDemand {
		for _, dim := range term.PriceDimensions {
			if usd, ok := dim.PricePerUnit["USD"]; ok {
				v, err := strconv.ParseFloat(usd, 64)
				if err != nil {
					return 0, fmt.Errorf("parse USD price %q: %w", usd, err)
				}
				return v, nil
			}
		}
	}
	return 0, errors.New("no on-demand USD price in document")
}
