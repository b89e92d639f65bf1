// Package aws implements cloud.Service on top of Amazon EC2 and Systems
// Manager.
package aws

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/edvin/vmcache/internal/cloud"
	"github.com/edvin/vmcache/internal/model"
)

// The Pricing API is only served from a few regions.
const pricingRegion = "us-east-1"

// ec2API is the subset of *ec2.Client the adapter calls.
type ec2API interface {
	ec2.DescribeInstanceTypeOfferingsAPIClient
	DescribeRegions(ctx context.Context, in *ec2.DescribeRegionsInput, opts ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error)
	DescribeAvailabilityZones(ctx context.Context, in *ec2.DescribeAvailabilityZonesInput, opts ...func(*ec2.Options)) (*ec2.DescribeAvailabilityZonesOutput, error)
	DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, opts ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeInstanceTypes(ctx context.Context, in *ec2.DescribeInstanceTypesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstanceTypesOutput, error)
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, opts ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	StartInstances(ctx context.Context, in *ec2.StartInstancesInput, opts ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, in *ec2.StopInstancesInput, opts ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, opts ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	CreateImage(ctx context.Context, in *ec2.CreateImageInput, opts ...func(*ec2.Options)) (*ec2.CreateImageOutput, error)
}

// ssmAPI is the subset of *ssm.Client used for remote commands.
type ssmAPI interface {
	SendCommand(ctx context.Context, in *ssm.SendCommandInput, opts ...func(*ssm.Options)) (*ssm.SendCommandOutput, error)
	ListCommandInvocations(ctx context.Context, in *ssm.ListCommandInvocationsInput, opts ...func(*ssm.Options)) (*ssm.ListCommandInvocationsOutput, error)
}

type Client struct {
	cfg aws.Config

	newEC2 func(region string) ec2API
	newSSM func(region string) ssmAPI

	mu      sync.Mutex
	regions map[string]ec2API
	ssm     map[string]ssmAPI
	specs   map[string]typeSpec
	pricing *pricing.Client
}

// NewFactory returns a cloud.Factory building EC2 clients. Incomplete
// credentials fall back to the SDK's default credential chain.
func NewFactory() cloud.Factory {
	return func(ctx context.Context, creds model.Credentials) (cloud.Service, error) {
		return New(ctx, creds)
	}
}

func New(ctx context.Context, creds model.Credentials) (*Client, error) {
	opts := []func(*config.LoadOptions) error{}
	if creds.Region != "" {
		opts = append(opts, config.WithRegion(creds.Region))
	}
	if creds.Complete() {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.SecretID, creds.SecretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &cloud.Error{Op: "LoadConfig", Kind: cloud.KindAuth, Err: fmt.Errorf("load AWS config: %w", err)}
	}

	c := newClient(cfg)
	c.newEC2 = func(region string) ec2API {
		return ec2.NewFromConfig(cfg, func(o *ec2.Options) { o.Region = region })
	}
	c.newSSM = func(region string) ssmAPI {
		return ssm.NewFromConfig(cfg, func(o *ssm.Options) { o.Region = region })
	}
	return c, nil
}

func newClient(cfg aws.Config) *Client {
	return &Client{
		cfg:     cfg,
		regions: make(map[string]ec2API),
		ssm:     make(map[string]ssmAPI),
		specs:   make(map[string]typeSpec),
	}
}

func (c *Client) ec2(region string) ec2API {
	c.mu.Lock()
	defer c.mu.Unlock()
	if region == "" {
		region = c.cfg.Region
	}
	if cl, ok := c.regions[region]; ok {
		return cl
	}
	cl := c.newEC2(region)
	c.regions[region] = cl
	return cl
}

func (c *Client) ssmClient(region string) ssmAPI {
	c.mu.Lock()
	defer c.mu.Unlock()
	if region == "" {
		region = c.cfg.Region
	}
	if cl, ok := c.ssm[region]; ok {
		return cl
	}
	cl := c.newSSM(region)
	c.ssm[region] = cl
	return cl
}

// ValidateCredentials makes the cheapest authenticated call available.
func (c *Client) ValidateCredentials(ctx context.Context) error {
	if _, err := c.ec2("").DescribeRegions(ctx, &ec2.DescribeRegionsInput{}); err != nil {
		return classify("DescribeRegions", err)
	}
	return nil
}

func (c *Client) ListRegions(ctx context.Context) ([]model.Region, error) {
	out, err := c.ec2("").DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		return nil, classify("DescribeRegions", err)
	}
	regions := make([]model.Region, 0, len(out.Regions))
	for _, r := range out.Regions {
		state := model.RegionAvailable
		if aws.ToString(r.OptInStatus) == "not-opted-in" {
			state = model.RegionUnavailable
		}
		code := aws.ToString(r.RegionName)
		regions = append(regions, model.Region{Code: code, Name: code, State: state})
	}
	return regions, nil
}

func (c *Client) ListZones(ctx context.Context, region string) ([]model.Zone, error) {
	out, err := c.ec2(region).DescribeAvailabilityZones(ctx, &ec2.DescribeAvailabilityZonesInput{})
	if err != nil {
		return nil, classify("DescribeAvailabilityZones", err)
	}
	zones := make([]model.Zone, 0, len(out.AvailabilityZones))
	for _, z := range out.AvailabilityZones {
		state := model.RegionUnavailable
		if z.State == types.AvailabilityZoneStateAvailable {
			state = model.RegionAvailable
		}
		zones = append(zones, model.Zone{
			Code:   aws.ToString(z.ZoneName),
			Region: region,
			Name:   aws.ToString(z.ZoneId),
			State:  state,
		})
	}
	return zones, nil
}

func (c *Client) ListImages(ctx context.Context, q cloud.ImageQuery) ([]model.Image, error) {
	in := &ec2.DescribeImagesInput{
		Filters: []types.Filter{
			{Name: aws.String("state"), Values: []string{"available"}},
			{Name: aws.String("architecture"), Values: []string{"x86_64"}},
		},
	}
	switch q.Type {
	case model.ImagePrivate:
		in.Owners = []string{"self"}
	case model.ImageShared:
		in.ExecutableUsers = []string{"self"}
	case model.ImageMarket:
		in.Owners = []string{"aws-marketplace"}
	default:
		in.Owners = []string{"amazon"}
	}
	if q.Limit > 0 {
		in.MaxResults = aws.Int32(int32(min(max(q.Limit, 5), 1000)))
	}

	out, err := c.ec2(q.Region).DescribeImages(ctx, in)
	if err != nil {
		return nil, classify("DescribeImages", err)
	}
	images := make([]model.Image, 0, len(out.Images))
	for _, img := range out.Images {
		images = append(images, toImage(img, q.Region, q.Type))
		if q.Limit > 0 && len(images) == q.Limit {
			break
		}
	}
	return images, nil
}

func (c *Client) ListInstances(ctx context.Context, q cloud.InstanceQuery) (cloud.InstancePage, error) {
	in := &ec2.DescribeInstancesInput{}
	if len(q.IDs) > 0 {
		// InstanceIds fails the whole call on one unknown id; the filter
		// just leaves it out.
		in.Filters = []types.Filter{{Name: aws.String("instance-id"), Values: q.IDs}}
	} else {
		limit := q.Limit
		if limit <= 0 || limit > cloud.MaxPageSize {
			limit = cloud.MaxPageSize
		}
		in.MaxResults = aws.Int32(int32(max(limit, 5)))
		if q.Cursor != "" {
			in.NextToken = aws.String(q.Cursor)
		}
	}

	out, err := c.ec2(q.Region).DescribeInstances(ctx, in)
	if err != nil {
		return cloud.InstancePage{}, classify("DescribeInstances", err)
	}

	var raw []types.Instance
	for _, r := range out.Reservations {
		raw = append(raw, r.Instances...)
	}
	specs, err := c.typeSpecs(ctx, q.Region, raw)
	if err != nil {
		return cloud.InstancePage{}, err
	}

	page := cloud.InstancePage{NextCursor: aws.ToString(out.NextToken)}
	for _, inst := range raw {
		page.Instances = append(page.Instances, toInstance(inst, q.Region, specs))
	}
	return page, nil
}

// typeSpecs resolves CPU and memory for the instance types in instances,
// caching results across calls.
func (c *Client) typeSpecs(ctx context.Context, region string, instances []types.Instance) (map[string]typeSpec, error) {
	c.mu.Lock()
	var missing []types.InstanceType
	for _, inst := range instances {
		if _, ok := c.specs[string(inst.InstanceType)]; !ok && !slices.Contains(missing, inst.InstanceType) {
			missing = append(missing, inst.InstanceType)
		}
	}
	c.mu.Unlock()

	if len(missing) > 0 {
		out, err := c.ec2(region).DescribeInstanceTypes(ctx, &ec2.DescribeInstanceTypesInput{InstanceTypes: missing})
		if err != nil {
			return nil, classify("DescribeInstanceTypes", err)
		}
		c.mu.Lock()
		for _, info := range out.InstanceTypes {
			c.specs[string(info.InstanceType)] = specOf(info)
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.specs), nil
}

func specOf(info types.InstanceTypeInfo) typeSpec {
	var s typeSpec
	if info.VCpuInfo != nil {
		s.CPU = int(aws.ToInt32(info.VCpuInfo.DefaultVCpus))
	}
	if info.MemoryInfo != nil {
		s.Memory = int(aws.ToInt64(info.MemoryInfo.SizeInMiB) / 1024)
	}
	return s
}

func (c *Client) ListInstanceTypes(ctx context.Context, region, zone string) ([]cloud.InstanceType, error) {
	ec2c := c.ec2(region)

	offerIn := &ec2.DescribeInstanceTypeOfferingsInput{LocationType: types.LocationTypeRegion}
	if zone != "" {
		offerIn.LocationType = types.LocationTypeAvailabilityZone
		offerIn.Filters = []types.Filter{{Name: aws.String("location"), Values: []string{zone}}}
	}
	var offered []types.InstanceType
	offers := ec2.NewDescribeInstanceTypeOfferingsPaginator(ec2c, offerIn)
	for offers.HasMorePages() {
		page, err := offers.NextPage(ctx)
		if err != nil {
			return nil, classify("DescribeInstanceTypeOfferings", err)
		}
		for _, o := range page.InstanceTypeOfferings {
			offered = append(offered, o.InstanceType)
		}
	}

	var out []cloud.InstanceType
	for chunk := range slices.Chunk(offered, cloud.MaxPageSize) {
		resp, err := ec2c.DescribeInstanceTypes(ctx, &ec2.DescribeInstanceTypesInput{InstanceTypes: chunk})
		if err != nil {
			return nil, classify("DescribeInstanceTypes", err)
		}
		for _, info := range resp.InstanceTypes {
			spec := specOf(info)
			out = append(out, cloud.InstanceType{Name: string(info.InstanceType), Zone: zone, CPU: spec.CPU, Memory: spec.Memory})
		}
	}
	return out, nil
}

func (c *Client) CreateInstances(ctx context.Context, spec cloud.CreateSpec) ([]string, error) {
	vt, err := volumeType(spec.DiskType)
	if err != nil {
		return nil, err
	}
	count := int32(max(spec.Count, 1))

	in := &ec2.RunInstancesInput{
		ImageId:      aws.String(spec.ImageID),
		InstanceType: types.InstanceType(spec.InstanceType),
		MinCount:     aws.Int32(count),
		MaxCount:     aws.Int32(count),
		UserData:     userData(spec.Password),
		BlockDeviceMappings: []types.BlockDeviceMapping{{
			DeviceName: aws.String("/dev/xvda"),
			Ebs: &types.EbsBlockDevice{
				VolumeSize:          aws.Int32(int32(spec.DiskSize)),
				VolumeType:          vt,
				DeleteOnTermination: aws.Bool(true),
			},
		}},
	}
	if spec.Zone != "" {
		in.Placement = &types.Placement{AvailabilityZone: aws.String(spec.Zone)}
	}
	if spec.Name != "" {
		in.TagSpecifications = []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         []types.Tag{{Key: aws.String("Name"), Value: aws.String(spec.Name)}},
		}}
	}

	out, err := c.ec2(spec.Region).RunInstances(ctx, in)
	if err != nil {
		return nil, classify("RunInstances", err)
	}
	ids := make([]string, 0, len(out.Instances))
	for _, inst := range out.Instances {
		ids = append(ids, aws.ToString(inst.InstanceId))
	}
	return ids, nil
}

func (c *Client) StartInstances(ctx context.Context, region string, ids []string) error {
	_, err := c.ec2(region).StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: ids})
	return classify("StartInstances", err)
}

func (c *Client) StopInstances(ctx context.Context, region string, ids []string, force bool) error {
	_, err := c.ec2(region).StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: ids, Force: aws.Bool(force)})
	return classify("StopInstances", err)
}

func (c *Client) TerminateInstances(ctx context.Context, region string, ids []string) error {
	_, err := c.ec2(region).TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
	return classify("TerminateInstances", err)
}

// ResetPassword is not offered by EC2; passwords are only applied at launch
// through user data.
func (c *Client) ResetPassword(ctx context.Context, region string, ids []string, password string, forceStop bool) error {
	return &cloud.Error{Op: "ResetPassword", Kind: cloud.KindUnsupported,
		Message: "EC2 does not support resetting instance passwords"}
}
