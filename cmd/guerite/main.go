package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rcarmo/guerite/internal/api"
	"github.com/rcarmo/guerite/internal/clock"
	"github.com/rcarmo/guerite/internal/config"
	"github.com/rcarmo/guerite/internal/docker"
	"github.com/rcarmo/guerite/internal/engine"
	"github.com/rcarmo/guerite/internal/listener"
	"github.com/rcarmo/guerite/internal/logging"
	"github.com/rcarmo/guerite/internal/metrics"
	"github.com/rcarmo/guerite/internal/notify"
	"github.com/rcarmo/guerite/internal/sched"
	"github.com/rcarmo/guerite/internal/state"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// maxConnectBackoff caps the delay between Docker connection attempts.
const maxConnectBackoff = 5 * time.Minute

func main() {
	os.Exit(run())
}

func run() int {
	settings, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}
	log := logging.New(settings.LogJSON, settings.LogLevel)
	log.Info("starting guerite", "version", version, "hostname", settings.Hostname)

	loc, fellBack := clock.Location(settings.Timezone)
	if fellBack {
		log.Warn("unknown timezone, falling back to UTC", "tz", settings.Timezone)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	for _, line := range settings.Values() {
		log.Info(line)
	}

	client, err := connectDocker(ctx, settings, log)
	if err != nil {
		log.Error("could not connect to Docker", "error", err)
		return 1
	}
	defer client.Close()

	clk := clock.Real{}
	store := state.New(settings.StateFile, log)
	m := metrics.New()
	dispatcher := notify.NewDispatcher(settings.Hostname, log, buildNotifiers(settings, log)...)
	eng := engine.New(client, store, settings, log, clk, dispatcher, m, loc)
	waiter := sched.NewWaiter(clk)

	var httpTriggered atomic.Bool
	var controlAPI *api.Server
	if settings.HTTPAPIEnabled {
		controlAPI = api.New(settings, log, m, func() {
			httpTriggered.Store(true)
			waiter.Wake(sched.SourceAPI)
		})
		controlAPI.Start()
		defer controlAPI.Stop()
	}

	go listener.New(
		func() (docker.ContainerEngine, error) { return docker.NewClient(settings.DockerHost) },
		settings, log, eng.CooldownActive,
		func() { waiter.Wake(sched.SourceEvent) },
	).Run(ctx)

	source := sched.SourceStartup
	nextName, nextLabel := "", ""
	startupDone := false

	for {
		reason := source
		if httpTriggered.Swap(false) {
			reason = sched.SourceAPI
		}
		logArgs := []any{"source", string(reason)}
		if reason == sched.SourceTimer {
			logArgs = append(logArgs, "name", nextName, "label", nextLabel)
		}
		log.Info("starting tick", logArgs...)

		snaps, err := eng.Tick(ctx)
		if err != nil {
			log.Error("tick failed", "error", err)
		}
		writeTextfile(settings, log)

		if !startupDone {
			startupDone = true
			summary := sched.Summary(snaps, settings, clk.Now().In(loc))
			for _, line := range summary {
				log.Info("scheduled: " + line)
			}
			if settings.NotifyEnabled("startup") {
				for _, line := range summary {
					dispatcher.Append(line)
				}
				dispatcher.Append(fmt.Sprintf("Guerite started on %s; monitoring %d containers",
					settings.Hostname, len(snaps)))
				dispatcher.Flush(ctx)
			}
		}

		if settings.RunOnce {
			log.Info("run-once complete")
			return 0
		}
		if ctx.Err() != nil {
			log.Info("shutting down")
			return 0
		}

		next := sched.NextWake(snaps, settings, clk.Now().In(loc))
		nextName, nextLabel = next.Name, next.Label
		log.Info("sleeping until next event", "at", next.At.Format(time.RFC3339),
			"name", next.Name, "label", next.Label)

		source = waiter.Wait(ctx, next.At)
		if source == sched.SourceStop {
			log.Info("shutting down")
			return 0
		}
	}
}

// connectDocker dials the daemon with exponential back-off. Retries counts
// additional attempts after the first; zero means a single attempt.
func connectDocker(ctx context.Context, settings *config.Settings, log *logging.Logger) (*docker.Client, error) {
	backoff := settings.DockerConnectBackoff
	attempts := settings.DockerConnectRetries + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		client, err := docker.NewClient(settings.DockerHost)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err = client.Ping(pingCtx)
			cancel()
			if err == nil {
				log.Info("connected to Docker", "host", settings.DockerHost)
				return client, nil
			}
			client.Close()
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		log.Warn("Docker connection failed, retrying", "attempt", attempt,
			"error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxConnectBackoff)
	}
	return nil, lastErr
}

// buildNotifiers assembles the configured outbound transports. The log
// notifier is always present.
func buildNotifiers(settings *config.Settings, log *logging.Logger) []notify.Notifier {
	notifiers := []notify.Notifier{notify.NewLogNotifier(log)}
	if settings.PushoverToken != "" && settings.PushoverUser != "" {
		notifiers = append(notifiers, notify.NewPushover(
			settings.PushoverAPI, settings.PushoverToken, settings.PushoverUser,
			settings.NotificationTimeout))
	}
	if settings.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(settings.WebhookURL, settings.NotificationTimeout))
	}
	if settings.MQTTBroker != "" {
		notifiers = append(notifiers, notify.NewMQTT(
			settings.MQTTBroker, settings.MQTTTopic, settings.MQTTClientID,
			settings.MQTTUsername, settings.MQTTPassword))
	}
	return notifiers
}

// writeTextfile exports the Prometheus mirror for node_exporter when a
// textfile path is configured.
func writeTextfile(settings *config.Settings, log *logging.Logger) {
	if settings.MetricsTextfile == "" {
		return
	}
	if err := metrics.WriteTextfile(settings.MetricsTextfile); err != nil {
		log.Warn("failed to write metrics textfile", "error", err)
	}
}
