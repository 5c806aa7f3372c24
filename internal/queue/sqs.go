// Package queue exports usage records to an SQS queue for offline analytics.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/felipepmaragno/cookie-gateway/internal/domain"
)

// UsageEvent is the message body published for each usage record.
type UsageEvent struct {
	IPAddress    string    `json:"ip_address"`
	CredentialID *int64    `json:"cookie_id"`
	CallerID     *int64    `json:"api_key_id"`
	Model        *string   `json:"model"`
	Success      bool      `json:"was_success"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	Timestamp    time.Time `json:"request_timestamp"`
}

func NewUsageEvent(rec domain.UsageRecord) UsageEvent {
	return UsageEvent{
		IPAddress:    rec.IPAddress,
		CredentialID: rec.CredentialID,
		CallerID:     rec.CallerID,
		Model:        rec.Model,
		Success:      rec.Success,
		ErrorMessage: rec.ErrorMessage,
		Timestamp:    rec.Timestamp.UTC(),
	}
}

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type SQSUsageExporter struct {
	client   sqsAPI
	queueURL string
}

func NewSQSUsageExporter(ctx context.Context, region, queueURL string) (*SQSUsageExporter, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewSQSUsageExporterWithConfig(cfg, queueURL), nil
}

func NewSQSUsageExporterWithConfig(cfg aws.Config, queueURL string) *SQSUsageExporter {
	return &SQSUsageExporter{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (e *SQSUsageExporter) Insert(ctx context.Context, rec domain.UsageRecord) error {
	input, err := e.buildMessage(rec)
	if err != nil {
		return err
	}

	if _, err := e.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send usage message: %w", err)
	}
	return nil
}

func (e *SQSUsageExporter) buildMessage(rec domain.UsageRecord) (*sqs.SendMessageInput, error) {
	body, err := json.Marshal(NewUsageEvent(rec))
	if err != nil {
		return nil, fmt.Errorf("marshal usage event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(e.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"Success": {
				DataType:    aws.String("String"),
				StringValue: aws.String(strconv.FormatBool(rec.Success)),
			},
		},
	}

	if rec.Model != nil {
		input.MessageAttributes["Model"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(*rec.Model),
		}
	}

	return input, nil
}
