package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type snsPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier publishes to an SNS topic. Message attributes carry the type,
// severity and tenant so subscriptions can filter without decoding the body.
// On FIFO topics events about the same subject share a message group.
type SNSNotifier struct {
	client   snsPublisher
	topicArn string
	fifo     bool
}

func NewSNSNotifier(ctx context.Context, region, topicArn string) (*SNSNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newSNSNotifier(sns.NewFromConfig(cfg), topicArn), nil
}

func newSNSNotifier(client snsPublisher, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   client,
		topicArn: topicArn,
		fifo:     strings.HasSuffix(topicArn, ".fifo"),
	}
}

func stringAttr(v string) snstypes.MessageAttributeValue {
	return snstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

func (s *SNSNotifier) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	attrs := map[string]snstypes.MessageAttributeValue{
		"type":     stringAttr(string(n.Type)),
		"severity": stringAttr(n.Type.Severity()),
	}
	if n.TenantID != "" {
		attrs["tenant_id"] = stringAttr(n.TenantID)
	}

	in := &sns.PublishInput{
		TopicArn:          aws.String(s.topicArn),
		Subject:           aws.String(subjectLine(n)),
		Message:           aws.String(string(body)),
		MessageAttributes: attrs,
	}
	if s.fifo {
		group := n.Subject
		if group == "" {
			group = string(n.Type)
		}
		in.MessageGroupId = aws.String(group)
		in.MessageDeduplicationId = aws.String(group + ":" + string(n.Type) + ":" + strconv.FormatInt(n.OccurredAt.UnixNano(), 10))
	}

	if _, err := s.client.Publish(ctx, in); err != nil {
		return fmt.Errorf("publish %s notification: %w", n.Type, err)
	}
	slog.Debug("notification published", "type", n.Type, "subject", n.Subject)
	return nil
}

// subjectLine fits the SNS subject limit of 100 characters.
func subjectLine(n Notification) string {
	line := "[" + n.Type.Severity() + "] " + string(n.Type)
	if n.Subject != "" {
		line += " " + n.Subject
	}
	if len(line) > 100 {
		line = line[:100]
	}
	return line
}
