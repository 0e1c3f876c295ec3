package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/bus"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/cloud"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/config"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/database"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/domain"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/events"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/fusionsolar"
	httpHandlers "github.com/ANIKETSHETTY47/smartenergy-backend/internal/http"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/repository"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/secrets"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/service"
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

	if config.MigrateOnStart() {
		if err := database.Migrate(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("db migrate failed")
		}
	}

	repos := repository.New(db)

	conn := bus.NewConn(config.NATSURL(), log.Logger)
	if err := conn.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("nats connect failed")
	}
	defer conn.Close()

	if config.CreateStream() {
		if err := conn.EnsureStream(ctx); err != nil {
			log.Fatal().Err(err).Msg("ensure stream failed")
		}
	}

	publisher := bus.NewPublisher(conn, log.Logger, bus.WithRetries(config.PublishRetries()))
	dispatcher := events.NewDispatcher(publisher, log.Logger)

	// Device lifecycle and agent reports.
	inTx := func(ctx context.Context, fn func(service.Store) error) error {
		return repository.Transact(ctx, db, func(r *repository.Repos) error { return fn(r) })
	}
	var deviceOpts []service.DeviceServiceOption
	if config.UseCloudServices() && config.CommandsTable() != "" {
		commandLog, err := cloud.NewCommandLogFromEnv(ctx, config.AWSRegion(), config.CommandsTable())
		if err != nil {
			log.Fatal().Err(err).Msg("dynamodb init failed")
		}
		deviceOpts = append(deviceOpts, service.WithAuditor(commandLog))
	}
	devices := service.NewDeviceService(repos, inTx, dispatcher, log.Logger, deviceOpts...)

	listener := bus.NewListener(conn, log.Logger)
	if err := listener.Start(ctx, service.NewAgentEventHandler(repos, inTx, log.Logger)); err != nil {
		log.Fatal().Err(err).Msg("listener start failed")
	}
	defer listener.Stop()

	// Production polling.
	recorder := worker.NewRecorder(repos, worker.WithTransactions(func(ctx context.Context, fn func(worker.ReadingStore) error) error {
		return repository.Transact(ctx, db, func(r *repository.Repos) error { return fn(r) })
	}))

	opts := []worker.PollerOption{worker.WithBus(conn)}
	if config.UseCloudServices() && config.SNSTopicArn() != "" {
		notifier, err := cloud.NewSNSNotifierFromEnv(ctx, config.AWSRegion(), config.SNSTopicArn(), log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("sns init failed")
		}
		opts = append(opts, worker.WithNotifier(notifier))
	}

	poller := worker.NewPoller(repos, fusionsolar.NewCache(adapterFactory()), recorder, dispatcher, log.Logger, opts...)
	scheduler := worker.NewScheduler(poller.Tick, config.PollInterval(), config.PollOnStart(), log.Logger)
	scheduler.Start(ctx)

	app := fiber.New()
	httpHandlers.Register(app, &httpHandlers.Handlers{
		Devices:  devices,
		Readings: repos,
		Bus:      conn,
		Log:      log.Logger.With().Str("component", "http").Logger(),
	})

	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error().Err(err).Msg("http shutdown")
		}
	}()

	addr := config.APIAddr()
	log.Info().Str("addr", addr).Msg("api listening")
	if err := app.Listen(addr); err != nil {
		log.Error().Err(err).Msg("server exit")
	}

	select {
	case <-scheduler.Stop().Done():
	case <-time.After(30 * time.Second):
		log.Warn().Msg("poll cycle still running at shutdown")
	}
}

// adapterFactory builds one FusionSolar client per user from the stored,
// encrypted credentials.
func adapterFactory() fusionsolar.Factory {
	box, err := secrets.NewBox(config.CredentialsKey())
	if err != nil {
		log.Warn().Err(err).Msg("CREDENTIALS_KEY unusable, production polling will skip every user")
	}

	return func(u domain.User) (fusionsolar.Adapter, error) {
		if box == nil {
			return nil, errors.New("credentials key not configured")
		}
		password, err := box.Open(u.HuaweiPasswordEncrypted.String)
		if err != nil {
			return nil, err
		}
		return fusionsolar.NewClient(config.HuaweiAPIURL(), u.HuaweiUsername.String, password, log.Logger)
	}
}
