package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/aws-sdk-go-v2/service/pricing/types"

	"github.com/edvin/vmcache/internal/cloud"
)

func (c *Client) pricingClient() *pricing.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pricing == nil {
		c.pricing = pricing.NewFromConfig(c.cfg, func(o *pricing.Options) { o.Region = pricingRegion })
	}
	return c.pricing
}

func termMatch(field, value string) types.Filter {
	return types.Filter{Type: types.FilterTypeTermMatch, Field: aws.String(field), Value: aws.String(value)}
}

func (c *Client) QueryPrice(ctx context.Context, spec cloud.CreateSpec) (cloud.Price, error) {
	if spec.InstanceType == "" {
		return cloud.Price{}, &cloud.Error{Op: "QueryPrice", Kind: cloud.KindInvalid, Message: "instance type is required"}
	}
	vt, err := volumeType(spec.DiskType)
	if err != nil {
		return cloud.Price{}, err
	}

	hourly, err := c.firstPrice(ctx, []types.Filter{
		termMatch("instanceType", spec.InstanceType),
		termMatch("regionCode", spec.Region),
		termMatch("operatingSystem", "Linux"),
		termMatch("tenancy", "Shared"),
		termMatch("preInstalledSw", "NA"),
		termMatch("capacitystatus", "Used"),
	})
	if err != nil {
		return cloud.Price{}, err
	}

	perGBMonth, err := c.firstPrice(ctx, []types.Filter{
		termMatch("productFamily", "Storage"),
		termMatch("volumeApiName", string(vt)),
		termMatch("regionCode", spec.Region),
	})
	if err != nil {
		return cloud.Price{}, err
	}

	return cloud.Price{
		Currency:      "USD",
		InstancePerHr: hourly * float64(max(spec.Count, 1)),
		DiskPerMonth:  perGBMonth * float64(spec.DiskSize) * float64(max(spec.Count, 1)),
	}, nil
}

func (c *Client) firstPrice(ctx context.Context, filters []types.Filter) (float64, error) {
	out, err := c.pricingClient().GetProducts(ctx, &pricing.GetProductsInput{
		ServiceCode: aws.String("AmazonEC2"),
		Filters:     filters,
		MaxResults:  aws.Int32(1),
	})
	if err != nil {
		return 0, classify("GetProducts", err)
	}
	if len(out.PriceList) == 0 {
		return 0, &cloud.Error{Op: "GetProducts", Kind: cloud.KindNotFound, Message: "no matching price"}
	}
	price, err := onDemandUSD(out.PriceList[0])
	if err != nil {
		return 0, &cloud.Error{Op: "GetProducts", Kind: cloud.KindOther, Err: fmt.Errorf("read price: %w", err)}
	}
	return price, nil
}
