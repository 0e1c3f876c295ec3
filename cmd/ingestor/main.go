package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/bus"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/cloud"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/config"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/database"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/events"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/ingest"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/repository"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/worker"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if err := config.Load(); err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	zerolog.SetGlobalLevel(config.LogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(config.DatabaseDSN())
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	defer db.Close()

	repos := repository.New(db)

	// Readings are stored even while NATS is down; publishing reconnects lazily.
	conn := bus.NewConn(config.NATSURL(), log.Logger)
	if err := conn.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("nats unavailable at startup")
	}
	defer conn.Close()

	dispatcher := events.NewDispatcher(bus.NewPublisher(conn, log.Logger, bus.WithRetries(config.PublishRetries())), log.Logger)
	recorder := worker.NewRecorder(repos, worker.WithTransactions(func(ctx context.Context, fn func(worker.ReadingStore) error) error {
		return repository.Transact(ctx, db, func(r *repository.Repos) error { return fn(r) })
	}))

	var opts []ingest.Option
	if config.UseCloudServices() && config.SNSTopicArn() != "" {
		notifier, err := cloud.NewSNSNotifierFromEnv(ctx, config.AWSRegion(), config.SNSTopicArn(), log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("sns init failed")
		}
		opts = append(opts, ingest.WithNotifier(notifier))
	}
	ingestor := ingest.New(repos, recorder, dispatcher, log.Logger, opts...)

	mqttOpts := mqtt.NewClientOptions().
		AddBroker(config.MQTTBroker()).
		SetClientID("smartenergy-ingestor").
		SetAutoReconnect(true)
	mqttOpts.SetOnConnectHandler(func(c mqtt.Client) {
		// Subscriptions do not survive a reconnect with a clean session.
		if err := ingestor.Subscribe(ctx, c, config.MQTTReadingsTopic()); err != nil {
			log.Error().Err(err).Msg("subscribe failed")
		}
	})

	client := mqtt.NewClient(mqttOpts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatal().Err(token.Error()).Msg("mqtt connect")
	}
	defer client.Disconnect(250)

	log.Info().Str("topic", config.MQTTReadingsTopic()).Msg("ingestor running; Ctrl+C to stop")
	<-ctx.Done()
	log.Info().Msg("ingestor stopping")
}
