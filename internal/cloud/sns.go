package cloud

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/domain"
)

// PublishAPI is the slice of the SNS client the notifier uses.
type PublishAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier sends an alert when an inverter drops into or climbs out of
// the unknown plateau.
type SNSNotifier struct {
	svc      PublishAPI
	topicArn string
	log      zerolog.Logger
	now      func() time.Time
}

func NewSNSNotifier(svc PublishAPI, topicArn string, logger zerolog.Logger) *SNSNotifier {
	return &SNSNotifier{
		svc:      svc,
		topicArn: topicArn,
		log:      logger.With().Str("component", "sns").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// NewSNSNotifierFromEnv loads the default AWS config for region.
func NewSNSNotifierFromEnv(ctx context.Context, region, topicArn string, logger zerolog.Logger) (*SNSNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return NewSNSNotifier(sns.NewFromConfig(cfg), topicArn, logger), nil
}

func (n *SNSNotifier) InverterUnavailable(ctx context.Context, inv domain.Inverter, reason string) error {
	subject := fmt.Sprintf("Inverter %s unavailable", inv.SerialNumber)
	message := fmt.Sprintf(
		"Inverter production unknown\n\n"+
			"Inverter: %s (id %d)\n"+
			"Installation: %d\n"+
			"Reason: %s\n"+
			"Time: %s",
		inv.SerialNumber,
		inv.ID,
		inv.InstallationID,
		reason,
		n.now().Format(time.RFC3339),
	)

	return n.send(ctx, subject, message, inv)
}

func (n *SNSNotifier) InverterRecovered(ctx context.Context, inv domain.Inverter, power decimal.Decimal) error {
	subject := fmt.Sprintf("Inverter %s recovered", inv.SerialNumber)
	message := fmt.Sprintf(
		"Inverter production reporting again\n\n"+
			"Inverter: %s (id %d)\n"+
			"Installation: %d\n"+
			"Active power: %s kW\n"+
			"Time: %s",
		inv.SerialNumber,
		inv.ID,
		inv.InstallationID,
		power.StringFixed(2),
		n.now().Format(time.RFC3339),
	)

	return n.send(ctx, subject, message, inv)
}

func (n *SNSNotifier) send(ctx context.Context, subject, message string, inv domain.Inverter) error {
	out, err := n.svc.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Subject:  aws.String(subject),
		Message:  aws.String(message),
	})
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	n.log.Info().Str("serial", inv.SerialNumber).Str("message_id", aws.ToString(out.MessageId)).Msg("alert sent")
	return nil
}
