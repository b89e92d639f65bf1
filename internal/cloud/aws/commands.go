package aws

import (
	"context"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/edvin/vmcache/internal/cloud"
)

// SSM documents used for each script type.
var commandDocuments = map[string]string{
	cloud.CommandShell:      "AWS-RunShellScript",
	cloud.CommandPowerShell: "AWS-RunPowerShellScript",
}

// ListCommandInvocations accepts at most this many results per page.
const maxInvocationPage = 50

// CreateImage registers an AMI from the instance. EC2 reboots the instance
// to get a consistent snapshot.
func (c *Client) CreateImage(ctx context.Context, spec cloud.ImageSpec) (string, error) {
	in := &ec2.CreateImageInput{
		InstanceId: aws.String(spec.InstanceID),
		Name:       aws.String(spec.Name),
	}
	if spec.Description != "" {
		in.Description = aws.String(spec.Description)
	}
	out, err := c.ec2(spec.Region).CreateImage(ctx, in)
	if err != nil {
		return "", classify("CreateImage", err)
	}
	return aws.ToString(out.ImageId), nil
}

// RunCommand sends the script through Systems Manager. The returned id is
// the SSM command id, which names the invocation across all instances.
func (c *Client) RunCommand(ctx context.Context, spec cloud.CommandSpec) (string, error) {
	commandType := spec.Type
	if commandType == "" {
		commandType = cloud.CommandShell
	}
	doc, ok := commandDocuments[commandType]
	if !ok {
		return "", &cloud.Error{Op: "SendCommand", Kind: cloud.KindInvalid,
			Message: "unsupported command type " + commandType}
	}
	if spec.Username != "" {
		return "", &cloud.Error{Op: "SendCommand", Kind: cloud.KindUnsupported,
			Message: "SSM runs commands as the agent user; a username cannot be chosen"}
	}

	params := map[string][]string{"commands": {spec.Content}}
	if spec.WorkingDirectory != "" {
		params["workingDirectory"] = []string{spec.WorkingDirectory}
	}
	if spec.Timeout > 0 {
		params["executionTimeout"] = []string{strconv.Itoa(int(spec.Timeout.Seconds()))}
	}

	in := &ssm.SendCommandInput{
		DocumentName: aws.String(doc),
		InstanceIds:  spec.InstanceIDs,
		Parameters:   params,
	}
	if comment := commandComment(spec); comment != "" {
		in.Comment = aws.String(comment)
	}
	out, err := c.ssmClient(spec.Region).SendCommand(ctx, in)
	if err != nil {
		return "", classify("SendCommand", err)
	}
	if out.Command == nil {
		return "", &cloud.Error{Op: "SendCommand", Kind: cloud.KindOther, Message: "response carried no command"}
	}
	return aws.ToString(out.Command.CommandId), nil
}

// commandComment folds the name and description into the single SSM
// comment, which is capped at 100 characters.
func commandComment(spec cloud.CommandSpec) string {
	comment := spec.Name
	if spec.Description != "" {
		if comment != "" {
			comment += ": "
		}
		comment += spec.Description
	}
	if len(comment) > 100 {
		comment = comment[:100]
	}
	return comment
}

func (c *Client) ListInvocations(ctx context.Context, q cloud.InvocationQuery) ([]cloud.Invocation, error) {
	in := &ssm.ListCommandInvocationsInput{Details: true}
	if q.InvocationID != "" {
		in.CommandId = aws.String(q.InvocationID)
	}
	if q.InstanceID != "" {
		in.InstanceId = aws.String(q.InstanceID)
	}

	var out []cloud.Invocation
	for {
		if q.Limit > 0 {
			in.MaxResults = aws.Int32(int32(min(q.Limit-len(out), maxInvocationPage)))
		}
		page, err := c.ssmClient(q.Region).ListCommandInvocations(ctx, in)
		if err != nil {
			return nil, classify("ListCommandInvocations", err)
		}
		for _, inv := range page.CommandInvocations {
			out = append(out, toInvocation(inv))
		}
		if page.NextToken == nil || (q.Limit > 0 && len(out) >= q.Limit) {
			break
		}
		in.NextToken = page.NextToken
	}
	return out, nil
}

func toInvocation(in ssmtypes.CommandInvocation) cloud.Invocation {
	out := cloud.Invocation{
		InvocationID: aws.ToString(in.CommandId),
		InstanceID:   aws.ToString(in.InstanceId),
		Status:       invocationStatus(in.Status),
		StartTime:    in.RequestedDateTime,
	}
	// AWS-Run*Script documents have a single plugin.
	if len(in.CommandPlugins) > 0 {
		p := in.CommandPlugins[0]
		out.Output = aws.ToString(p.Output)
		out.ExitCode = int(p.ResponseCode)
		if p.ResponseStartDateTime != nil {
			out.StartTime = p.ResponseStartDateTime
		}
		out.EndTime = p.ResponseFinishDateTime
	}
	return out
}

func invocationStatus(s ssmtypes.CommandInvocationStatus) string {
	switch s {
	case ssmtypes.CommandInvocationStatusPending, ssmtypes.CommandInvocationStatusDelayed:
		return cloud.InvocationPending
	case ssmtypes.CommandInvocationStatusInProgress, ssmtypes.CommandInvocationStatusCancelling:
		return cloud.InvocationRunning
	case ssmtypes.CommandInvocationStatusSuccess:
		return cloud.InvocationSuccess
	case ssmtypes.CommandInvocationStatusTimedOut:
		return cloud.InvocationTimeout
	case ssmtypes.CommandInvocationStatusCancelled:
		return cloud.InvocationCancelled
	}
	return cloud.InvocationFailed
}
