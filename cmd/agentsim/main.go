package main

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/agentsim"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/config"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/ingest"
)

func main() {
	if err := config.Load(); err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	zerolog.SetGlobalLevel(config.LogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id := config.AgentUUID()
	if id == "" {
		id = uuid.NewString()
		log.Warn().Str("agent_uuid", id).Msg("AGENT_UUID not set, using a random one")
	}

	nc, err := nats.Connect(config.NATSURL(), nats.Name("agentsim-"+id))
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect failed")
	}
	defer nc.Close()

	agent := agentsim.New(nc, id, log.Logger)
	if err := agent.Start(); err != nil {
		log.Fatal().Err(err).Msg("agent start failed")
	}
	defer agent.Stop()

	if serial := config.SimInverterSerial(); serial != "" {
		go simulateInverter(ctx, serial)
	}

	<-ctx.Done()
	log.Info().Msg("simulation done")
}

// simulateInverter pushes a production reading every 30s over MQTT, with
// the occasional dropout.
func simulateInverter(ctx context.Context, serial string) {
	opts := mqtt.NewClientOptions().AddBroker(config.MQTTBroker()).SetClientID("agentsim-" + serial)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Error().Err(token.Error()).Msg("mqtt connect")
		return
	}
	defer client.Disconnect(250)

	topic := strings.Replace(config.MQTTReadingsTopic(), "+", serial, 1)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		r := ingest.Reading{Serial: serial}
		now := time.Now().UTC()
		r.Timestamp = &now
		if rand.IntN(10) == 0 {
			r.Error = "inverter offline"
		} else {
			p := 3 + rand.Float64()*2
			r.ActivePower = &p
		}

		payload, _ := json.Marshal(r)
		token := client.Publish(topic, 1, false, payload)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Error().Err(err).Str("topic", topic).Msg("publish reading")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
