package cloud

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/service"
)

const commandRetention = 30 * 24 * time.Hour

type PutItemAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// CommandItem is the DynamoDB shape of one device command round trip.
// Items expire through the table's TTL on expires_at.
type CommandItem struct {
	RequestID  string `dynamodbav:"request_id"`
	DeviceID   int64  `dynamodbav:"device_id"`
	AgentUUID  string `dynamodbav:"raspberry_uuid"`
	EventType  string `dynamodbav:"event_type"`
	OK         bool   `dynamodbav:"ok"`
	Error      string `dynamodbav:"error,omitempty"`
	DurationMS int64  `dynamodbav:"duration_ms"`
	Timestamp  int64  `dynamodbav:"timestamp"`
	ExpiresAt  int64  `dynamodbav:"expires_at"`
}

// CommandLog is a service.Auditor backed by a DynamoDB table keyed by
// request_id.
type CommandLog struct {
	svc   PutItemAPI
	table string
}

func NewCommandLog(svc PutItemAPI, table string) *CommandLog {
	return &CommandLog{svc: svc, table: table}
}

func NewCommandLogFromEnv(ctx context.Context, region, table string) (*CommandLog, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return NewCommandLog(dynamodb.NewFromConfig(cfg), table), nil
}

var _ service.Auditor = (*CommandLog)(nil)

func (l *CommandLog) RecordCommand(ctx context.Context, o service.CommandOutcome) error {
	item, err := attributevalue.MarshalMap(CommandItem{
		RequestID:  o.RequestID,
		DeviceID:   o.DeviceID,
		AgentUUID:  o.AgentUUID,
		EventType:  string(o.EventType),
		OK:         o.OK,
		Error:      o.Error,
		DurationMS: o.Duration.Milliseconds(),
		Timestamp:  o.At.Unix(),
		ExpiresAt:  o.At.Add(commandRetention).Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	_, err = l.svc.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(l.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to store command in dynamodb: %w", err)
	}

	return nil
}
