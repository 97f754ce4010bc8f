package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"

	"github.com/Sh00ty/patrol/internal/admission"
	"github.com/Sh00ty/patrol/internal/dispatch"
	"github.com/Sh00ty/patrol/internal/executor"
	"github.com/Sh00ty/patrol/internal/metrics"
	"github.com/Sh00ty/patrol/internal/notifier"
	"github.com/Sh00ty/patrol/internal/orchestrator"
	"github.com/Sh00ty/patrol/internal/registry"
	"github.com/Sh00ty/patrol/internal/scheduler"
	"github.com/Sh00ty/patrol/internal/sender"
	"github.com/Sh00ty/patrol/internal/sinks/kafkasink"
	"github.com/Sh00ty/patrol/internal/sinks/mailsink"
	"github.com/Sh00ty/patrol/internal/store/backend"
	"github.com/Sh00ty/patrol/internal/workerclient"
)

func loggerLevelFromString(level string) zerolog.Level {
	level = strings.ToLower(level)
	switch level {
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	}
	return zerolog.WarnLevel
}

type Config struct {
	NodeName    string `envconfig:"NODE_NAME,default=patrol"`
	LoggerLevel string `envconfig:"LOGGER_LEVEL,optional"`

	StatsdAddr string `envconfig:"STATSD_ADDR,optional"`
	ProbeAddr  string `envconfig:"PROBE_ADDR,default=0.0.0.0:8080"`

	NotifyBuffer    int           `envconfig:"NOTIFY_BUFFER,default=1024"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT,default=30s"`
}

type components struct {
	store     backend.Config
	registry  registry.Config
	admission admission.Config
	dispatch  dispatch.Config
	worker    workerclient.Config
	executor  executor.Config
	scheduler scheduler.Config
	sender    sender.Config
	kafka     kafkasink.Config
	mail      mailsink.Config
}

func readConfigs() (Config, components) {
	appCfg := Config{}
	err := envconfig.Init(&appCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read app config")
	}
	cfgs := components{}
	for name, cfg := range map[string]any{
		"store":     &cfgs.store,
		"registry":  &cfgs.registry,
		"admission": &cfgs.admission,
		"dispatch":  &cfgs.dispatch,
		"worker":    &cfgs.worker,
		"executor":  &cfgs.executor,
		"scheduler": &cfgs.scheduler,
		"sender":    &cfgs.sender,
		"kafka":     &cfgs.kafka,
		"mail":      &cfgs.mail,
	} {
		err = envconfig.Init(cfg)
		if err != nil {
			log.Fatal().Err(err).Msgf("failed to read %s config", name)
		}
	}
	return appCfg, cfgs
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	appCfg, cfgs := readConfigs()
	log.Logger = log.Level(loggerLevelFromString(appCfg.LoggerLevel))
	log.Warn().Msgf("running orchestrator %s", appCfg.NodeName)

	var appMetrics metrics.Metrics = metrics.Noop{}
	if appCfg.StatsdAddr != "" {
		statsd := metrics.NewStatsd(appCfg.NodeName, "", appCfg.StatsdAddr)
		defer statsd.Close()
		appMetrics = statsd
	}

	checkStore, err := backend.Open(ctx, cfgs.store.Backend)
	if err != nil {
		log.Fatal().Err(err).Msgf("failed to open %s check store", cfgs.store.Backend)
	}
	defer checkStore.Close()
	if cfgs.store.SeedFile != "" {
		seed, err := backend.ReadSeedFile(cfgs.store.SeedFile)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load store seed")
		}
		created, err := seed.Apply(ctx, checkStore)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to seed check store")
		}
		log.Info().Msgf("seeded %d checks from %s", created, cfgs.store.SeedFile)
	}

	workers := registry.New(cfgs.registry, registry.WithMetrics(appMetrics))
	go workers.RunEviction(ctx)

	admissionSrv := admission.NewServer(cfgs.admission, workers)
	_, err = admissionSrv.Listen()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start admission endpoint")
	}
	go func() {
		err := admissionSrv.Serve(ctx)
		if err != nil {
			log.Error().Err(err).Msg("admission endpoint stopped")
		}
	}()

	dispatcher := dispatch.NewService(workers, appMetrics)
	var quorum orchestrator.QuorumSource = dispatch.NewLocalClient(dispatcher)
	if cfgs.dispatch.NatsURL != "" {
		nc, err := dispatch.Connect(ctx, cfgs.dispatch)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to nats")
		}
		defer nc.Close()
		go func() {
			err := dispatcher.Serve(ctx, nc, cfgs.dispatch)
			if err != nil {
				log.Error().Err(err).Msg("dispatch service stopped")
			}
		}()
		quorum = dispatch.NewClient(nc, cfgs.dispatch)
	} else {
		log.Info().Msg("DISPATCH_NATS_URL is empty, serving quorums in process")
	}

	events := notifier.NewNotifier(appCfg.NotifyBuffer)
	var sinks []sender.Sink
	if cfgs.mail.Enabled() {
		sinks = append(sinks, mailsink.New(cfgs.mail, checkStore))
	}
	if cfgs.kafka.Enabled() {
		kafkaSink := kafkasink.New(cfgs.kafka)
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
	}
	if len(sinks) == 0 {
		log.Warn().Msg("no alert sinks configured, status changes are only logged")
	}
	senderCtx, senderCancel := context.WithCancel(context.Background())
	defer senderCancel()
	statusSender := sender.NewSenderController(cfgs.sender, events.GetEventChan(), appMetrics, sinks...)
	senderDone := make(chan struct{})
	go func() {
		defer close(senderDone)
		statusSender.Run(senderCtx)
	}()

	orch := orchestrator.New(
		quorum,
		workerclient.New(cfgs.worker),
		checkStore,
		events,
		orchestrator.WithMetrics(appMetrics),
	)

	// in-flight orchestrations outlive the signal, executor.Close waits for them
	execCtx, execCancel := context.WithCancel(context.Background())
	defer execCancel()
	checkExecutor := executor.New(cfgs.executor, orch)
	checkExecutor.Run(execCtx)

	checkScheduler := scheduler.New(
		cfgs.scheduler,
		checkStore,
		checkExecutor,
		scheduler.WithMetrics(appMetrics),
	)
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		_ = checkScheduler.Run(ctx)
	}()

	serverClose := startProbeServer(appCfg.ProbeAddr, workers)
	defer serverClose()

	<-ctx.Done()
	log.Warn().Msg("shutting down orchestrator")
	<-schedulerDone

	shutdown := time.AfterFunc(appCfg.ShutdownTimeout, func() {
		log.Error().Msg("graceful shutdown timed out, aborting in-flight work")
		execCancel()
		senderCancel()
	})
	defer shutdown.Stop()

	checkExecutor.Close()
	events.Close()
	<-senderDone
}
