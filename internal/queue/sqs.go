// Package queue carries arbitration decisions to the audit pipeline. Records
// are published to SQS (or kept in memory) and consumed by whatever stores
// the audit log.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/felipepmaragno/model-arbiter/internal/domain"
)

// AuditRecord is one arbitration decision as written to the audit log.
type AuditRecord struct {
	Decision  *domain.Decision `json:"decision"`
	ProjectID string           `json:"project_id,omitempty"`
	UserID    string           `json:"user_id,omitempty"`
	TaskType  string           `json:"task_type,omitempty"`
	TraceID   string           `json:"trace_id,omitempty"`
	CreatedAt time.Time        `json:"created_at"`

	// ReceiptHandle is set on received records and used to delete them.
	ReceiptHandle string `json:"-"`
}

type AuditQueue interface {
	Publish(ctx context.Context, rec AuditRecord) error
	Receive(ctx context.Context, maxMessages int) ([]AuditRecord, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type SQSAuditQueue struct {
	client   sqsAPI
	queueURL string
}

func NewSQSAuditQueue(ctx context.Context, region, queueURL string) (*SQSAuditQueue, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewSQSAuditQueueWithConfig(cfg, queueURL), nil
}

func NewSQSAuditQueueWithConfig(cfg aws.Config, queueURL string) *SQSAuditQueue {
	return &SQSAuditQueue{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (q *SQSAuditQueue) Publish(ctx context.Context, rec AuditRecord) error {
	if rec.Decision == nil {
		return fmt.Errorf("audit record without decision")
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"TenantID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(rec.Decision.TenantID),
			},
			"DecisionID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(rec.Decision.ID),
			},
		},
	}

	_, err = q.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	return nil
}

func (q *SQSAuditQueue) Receive(ctx context.Context, maxMessages int) ([]AuditRecord, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.queueURL),
		MaxNumberOfMessages:   int32(maxMessages),
		WaitTimeSeconds:       20,
		MessageAttributeNames: []string{"All"},
	}

	result, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}

	records := make([]AuditRecord, 0, len(result.Messages))
	for _, msg := range result.Messages {
		var rec AuditRecord
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &rec); err != nil {
			slog.Warn("failed to unmarshal audit record", "error", err)
			continue
		}
		rec.ReceiptHandle = aws.ToString(msg.ReceiptHandle)
		records = append(records, rec)
	}

	return records, nil
}

func (q *SQSAuditQueue) Delete(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	_, err := q.client.DeleteMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	return nil
}

type InMemoryAuditQueue struct {
	mu      sync.Mutex
	records []AuditRecord
}

func NewInMemoryAuditQueue() *InMemoryAuditQueue {
	return &InMemoryAuditQueue{
		records: make([]AuditRecord, 0),
	}
}

func (q *InMemoryAuditQueue) Publish(ctx context.Context, rec AuditRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records = append(q.records, rec)
	return nil
}

func (q *InMemoryAuditQueue) Receive(ctx context.Context, maxMessages int) ([]AuditRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := maxMessages
	if count > len(q.records) {
		count = len(q.records)
	}

	result := make([]AuditRecord, count)
	copy(result, q.records[:count])
	q.records = q.records[count:]

	return result, nil
}

func (q *InMemoryAuditQueue) Delete(ctx context.Context, receiptHandle string) error {
	return nil
}

func (q *InMemoryAuditQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}
