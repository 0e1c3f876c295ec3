// Package ingest accepts inverter readings pushed over MQTT by on-site
// loggers and records them into the same plateau-compressed series the
// poller writes.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/domain"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/events"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/repository"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/worker"
)

var ErrBadReading = errors.New("bad reading")

type InverterLookup interface {
	InverterBySerial(ctx context.Context, serial string) (*domain.Inverter, error)
}

// Reading is the MQTT payload. A missing active_power (or a non-empty
// error) marks the inverter as unknown for that instant.
type Reading struct {
	Serial      string     `json:"serial"`
	ActivePower *float64   `json:"active_power"`
	Timestamp   *time.Time `json:"timestamp"`
	Error       string     `json:"error"`
}

type Ingestor struct {
	inverters InverterLookup
	recorder  *worker.Recorder
	publisher worker.ReadingPublisher
	notifier  worker.Notifier
	log       zerolog.Logger
	now       func() time.Time
}

type Option func(*Ingestor)

func WithNotifier(n worker.Notifier) Option {
	return func(i *Ingestor) { i.notifier = n }
}

func New(inverters InverterLookup, recorder *worker.Recorder, publisher worker.ReadingPublisher, logger zerolog.Logger, opts ...Option) *Ingestor {
	i := &Ingestor{
		inverters: inverters,
		recorder:  recorder,
		publisher: publisher,
		log:       logger.With().Str("component", "ingest").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(i)
	}

	return i
}

// FromMQTT records one pushed reading. The serial comes from the payload,
// falling back to the topic segment after "inverters".
func (i *Ingestor) FromMQTT(ctx context.Context, topic string, payload []byte) error {
	var r Reading
	if err := json.Unmarshal(payload, &r); err != nil {
		return fmt.Errorf("%w: %w", ErrBadReading, err)
	}

	if r.Serial == "" {
		r.Serial = serialFromTopic(topic)
	}
	if r.Serial == "" {
		return fmt.Errorf("%w: no serial in payload or topic %q", ErrBadReading, topic)
	}

	inv, err := i.inverters.InverterBySerial(ctx, r.Serial)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: unknown inverter %s", ErrBadReading, r.Serial)
	}
	if err != nil {
		return err
	}

	ts := i.now()
	if r.Timestamp != nil && !r.Timestamp.IsZero() {
		ts = r.Timestamp.UTC()
	}

	log := i.log.With().Int64("inverter_id", inv.ID).Str("serial", inv.SerialNumber).Logger()

	if r.ActivePower == nil || r.Error != "" {
		return i.unknown(ctx, log, *inv, ts, r)
	}

	value, change, err := i.recorder.RecordValue(ctx, inv.ID, decimal.NewFromFloat(*r.ActivePower), ts)
	if err != nil {
		return err
	}
	if change == worker.Stale {
		log.Warn().Time("timestamp", ts).Msg("reading older than latest stored, dropped")
		return nil
	}
	if !change.Written() {
		log.Debug().Msg("power unchanged, skipping")
		return nil
	}

	f := value.InexactFloat64()
	i.publish(ctx, log, events.InverterReading{
		InverterID:   inv.ID,
		SerialNumber: inv.SerialNumber,
		ActivePower:  &f,
		Status:       events.StatusUpdated,
		Timestamp:    ts,
	})

	if change == worker.Recovered && i.notifier != nil {
		if err := i.notifier.InverterRecovered(ctx, *inv, value); err != nil {
			log.Warn().Err(err).Msg("failed to send recovery notification")
		}
	}

	return nil
}

func (i *Ingestor) unknown(ctx context.Context, log zerolog.Logger, inv domain.Inverter, ts time.Time, r Reading) error {
	reason := r.Error
	if reason == "" {
		reason = fmt.Sprintf("inverter %s returned no active_power", inv.SerialNumber)
	}

	change, err := i.recorder.RecordUnknown(ctx, inv.ID, ts)
	if err != nil {
		return err
	}
	if change == worker.Stale {
		log.Warn().Time("timestamp", ts).Msg("failure older than latest stored reading, dropped")
		return nil
	}

	i.publish(ctx, log, events.InverterReading{
		InverterID:   inv.ID,
		SerialNumber: inv.SerialNumber,
		Status:       events.StatusFailed,
		Timestamp:    ts,
		ErrorMessage: &reason,
	})

	if change == worker.WentUnknown && i.notifier != nil {
		if err := i.notifier.InverterUnavailable(ctx, inv, reason); err != nil {
			log.Warn().Err(err).Msg("failed to send outage notification")
		}
	}

	return nil
}

func (i *Ingestor) publish(ctx context.Context, log zerolog.Logger, r events.InverterReading) {
	if err := i.publisher.PublishReading(ctx, r); err != nil {
		log.Error().Err(err).Msg("failed to publish inverter event")
	}
}

// Handler adapts the ingestor to a paho subscription callback.
func (i *Ingestor) Handler(ctx context.Context) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		if err := i.FromMQTT(ctx, msg.Topic(), msg.Payload()); err != nil {
			i.log.Error().Err(err).Str("topic", msg.Topic()).Msg("ingest failed")
		}
	}
}

// Subscribe registers the handler on topic and waits for the broker.
func (i *Ingestor) Subscribe(ctx context.Context, client mqtt.Client, topic string) error {
	token := client.Subscribe(topic, 1, i.Handler(ctx))
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("subscribe %s: timed out", topic)
	}
	return token.Error()
}

func serialFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	for n := 0; n < len(parts)-1; n++ {
		if parts[n] == "inverters" {
			return parts[n+1]
		}
	}
	return ""
}
