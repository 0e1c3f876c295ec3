package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/domain"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/events"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/fusionsolar"
)

const (
	rateLimitPause   = 1200 * time.Millisecond
	rateLimitMessage = "Huawei API rate limit exceeded"
)

type UserGraph interface {
	UsersWithInverters(ctx context.Context) ([]domain.User, error)
}

type AdapterSource interface {
	Get(user domain.User) (fusionsolar.Adapter, error)
}

type ReadingPublisher interface {
	PublishReading(ctx context.Context, r events.InverterReading) error
}

// Bus is the lazily ensured connection used for telemetry.
type Bus interface {
	EnsureConnected(ctx context.Context) error
	EnsureStream(ctx context.Context) error
}

// Notifier is told when an inverter enters or leaves the unknown plateau.
type Notifier interface {
	InverterUnavailable(ctx context.Context, inv domain.Inverter, reason string) error
	InverterRecovered(ctx context.Context, inv domain.Inverter, power decimal.Decimal) error
}

type Poller struct {
	users     UserGraph
	adapters  AdapterSource
	recorder  *Recorder
	publisher ReadingPublisher
	bus       Bus
	notifier  Notifier
	log       zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type PollerOption func(*Poller)

func WithBus(b Bus) PollerOption {
	return func(p *Poller) { p.bus = b }
}

func WithNotifier(n Notifier) PollerOption {
	return func(p *Poller) { p.notifier = n }
}

func NewPoller(users UserGraph, adapters AdapterSource, recorder *Recorder, publisher ReadingPublisher, logger zerolog.Logger, opts ...PollerOption) *Poller {
	p := &Poller{
		users:     users,
		adapters:  adapters,
		recorder:  recorder,
		publisher: publisher,
		log:       logger.With().Str("component", "poller").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepContext,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Tick runs one production update cycle. It never panics and never
// returns an error; problems are logged and the next tick starts clean.
func (p *Poller) Tick(ctx context.Context) {
	start := time.Now()
	p.log.Info().Msg("starting inverter production update cycle")

	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("production update cycle aborted")
		}
		p.log.Info().Dur("took", time.Since(start)).Msg("finished inverter production update cycle")
	}()

	p.ensureBus(ctx)

	users, err := p.users.UsersWithInverters(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("failed to load users with inverters")
		return
	}
	if len(users) == 0 {
		p.log.Warn().Msg("no users with installations found")
		return
	}

	for _, user := range users {
		if !user.HasUpstreamCredentials() {
			p.log.Warn().Int64("user_id", user.ID).Str("email", user.Email).Msg("skipping user without FusionSolar credentials")
			continue
		}

		adapter, err := p.adapters.Get(user)
		if err != nil {
			p.log.Error().Err(err).Int64("user_id", user.ID).Msg("could not initialise FusionSolar adapter")
			continue
		}

		for _, inst := range user.Installations {
			for _, inv := range inst.Inverters {
				if ctx.Err() != nil {
					p.log.Warn().Err(ctx.Err()).Msg("production update cycle cancelled")
					return
				}
				p.pollInverter(ctx, adapter, inv)
			}
		}
	}
}

func (p *Poller) ensureBus(ctx context.Context) {
	if p.bus == nil {
		return
	}
	if err := p.bus.EnsureConnected(ctx); err != nil {
		p.log.Error().Err(err).Msg("bus unavailable, telemetry will not be published")
		return
	}
	if err := p.bus.EnsureStream(ctx); err != nil {
		p.log.Error().Err(err).Msg("failed to ensure stream")
	}
}

func (p *Poller) pollInverter(ctx context.Context, adapter fusionsolar.Adapter, inv domain.Inverter) {
	log := p.log.With().Int64("inverter_id", inv.ID).Str("serial", inv.SerialNumber).Logger()

	items, err := adapter.GetProduction(ctx, inv.SerialNumber)

	var rateLimited *fusionsolar.RateLimitError
	switch {
	case errors.As(err, &rateLimited):
		log.Warn().Err(err).Msg("FusionSolar rate limit")
		p.recordFailure(ctx, log, inv, rateLimitMessage)
		if err := p.sleep(ctx, rateLimitPause); err != nil {
			log.Debug().Err(err).Msg("rate limit pause interrupted")
		}
		return
	case err != nil:
		log.Error().Err(err).Msg("failed to fetch production data")
		p.recordFailure(ctx, log, inv, err.Error())
		return
	}

	power, ok := activePower(items)
	if !ok {
		msg := fmt.Sprintf("inverter %s returned no active_power", inv.SerialNumber)
		log.Warn().Msg(msg)
		p.recordFailure(ctx, log, inv, msg)
		return
	}

	ts := p.now()

	value, change, err := p.recorder.RecordValue(ctx, inv.ID, decimal.NewFromFloat(power), ts)
	if err != nil {
		log.Error().Err(err).Msg("failed to store power reading")
		return
	}

	if change == Stale {
		log.Warn().Time("timestamp", ts).Msg("newer reading already stored, skipping")
		return
	}
	if !change.Written() {
		log.Info().Str("power", value.StringFixed(readingPlaces)).Msg("power unchanged, skipping")
		return
	}

	log.Info().Str("power", value.StringFixed(readingPlaces)).Stringer("change", change).Msg("saved new power reading")

	f := value.InexactFloat64()
	p.publish(ctx, log, events.InverterReading{
		InverterID:   inv.ID,
		SerialNumber: inv.SerialNumber,
		ActivePower:  &f,
		Status:       events.StatusUpdated,
		Timestamp:    ts,
	})

	if change == Recovered && p.notifier != nil {
		if err := p.notifier.InverterRecovered(ctx, inv, value); err != nil {
			log.Warn().Err(err).Msg("failed to send recovery notification")
		}
	}
}

func (p *Poller) recordFailure(ctx context.Context, log zerolog.Logger, inv domain.Inverter, reason string) {
	ts := p.now()

	change, err := p.recorder.RecordUnknown(ctx, inv.ID, ts)
	if err != nil {
		log.Error().Err(err).Msg("failed to store unknown reading")
	} else if change == Stale {
		log.Warn().Time("timestamp", ts).Msg("newer reading already stored, skipping")
		return
	} else if !change.Written() {
		log.Debug().Msg("already unknown, null reading suppressed")
	}

	p.publish(ctx, log, events.InverterReading{
		InverterID:   inv.ID,
		SerialNumber: inv.SerialNumber,
		Status:       events.StatusFailed,
		Timestamp:    ts,
		ErrorMessage: &reason,
	})

	if change == WentUnknown && p.notifier != nil {
		if err := p.notifier.InverterUnavailable(ctx, inv, reason); err != nil {
			log.Warn().Err(err).Msg("failed to send outage notification")
		}
	}
}

func (p *Poller) publish(ctx context.Context, log zerolog.Logger, r events.InverterReading) {
	if err := p.publisher.PublishReading(ctx, r); err != nil {
		log.Error().Err(err).Msg("failed to publish inverter event")
	}
}

func activePower(items []fusionsolar.ProductionItem) (float64, bool) {
	if len(items) == 0 || items[0].DataItemMap.ActivePower == nil {
		return 0, false
	}
	return *items[0].DataItemMap.ActivePower, true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
