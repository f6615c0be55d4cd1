package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/phuslu/log"
	"github.com/rs/zerolog"

	"nuha.dev/livesync/internal/config"
	"nuha.dev/livesync/internal/geo"
	"nuha.dev/livesync/internal/livestate"
	"nuha.dev/livesync/internal/livestate/rabbitmq"
	"nuha.dev/livesync/internal/location"
	"nuha.dev/livesync/internal/location/source/framed"
	"nuha.dev/livesync/internal/location/source/mqttsource"
	"nuha.dev/livesync/internal/location/source/natsource"
	"nuha.dev/livesync/internal/stream"
	"nuha.dev/livesync/internal/stream/wstransport"
	"nuha.dev/livesync/internal/web/monitoring"
)

func main() {
	config_path := flag.String("config", "", "config file (yaml, toml or json)")
	endpoint := flag.String("endpoint", "", "event stream url, overrides stream.endpoint")
	mon_addr := flag.String("mon_address", "", "monitoring address, overrides monitor.addr")
	flag.Parse()

	conf, err := config.Load(*config_path)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *endpoint != "" {
		conf.Stream.Endpoint = *endpoint
	}
	if *mon_addr != "" {
		conf.Monitor.Addr = *mon_addr
	}
	log.DefaultLogger.Level = conf.Level()
	if lvl, err := zerolog.ParseLevel(conf.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	var zones []geo.Zone
	if conf.ZonesFile != "" {
		zones, err = geo.LoadZones(conf.ZonesFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", conf.ZonesFile).Msg("load zones")
		}
		log.Info().Int("zones", len(zones)).Msg("zones loaded")
	}

	var opts []livestate.Option
	if conf.RabbitMQ.URL != "" {
		pub, err := rabbitmq.Dial(conf.RabbitMQ)
		if err != nil {
			log.Fatal().Err(err).Msg("rabbitmq")
		}
		defer pub.Close()
		opts = append(opts, livestate.WithPublisher(pub))
	}
	store := livestate.New(conf.State, zones, opts...)

	client := stream.New(wstransport.NewFactory(wstransport.Config{ReadLimit: conf.Stream.ReadLimit}), conf.Stream.Endpoint, conf.Stream.Config)
	client.AddListener(store.StreamListener())

	src, devices, closeSource, err := openSource(conf.Location)
	if err != nil {
		log.Fatal().Err(err).Str("source", conf.Location.Source).Msg("position source")
	}
	tracker := location.NewTracker(src, conf.Location.Config)
	tracker.AddListener(store.LocationListener())

	mon := monitoring.NewMonApi(monitoring.Sources{
		Stream:   client,
		Location: tracker,
		State:    store,
		Devices:  devices,
		Zones:    zones,
	}, &monitoring.MonitoringConfig{ListenAddr: conf.Monitor.Addr})
	go func() {
		if err := mon.Run(); err != nil {
			log.Error().Err(err).Msg("monitoring server")
		}
	}()

	client.Open()
	if err := tracker.Start(conf.Location.TrackerMode()); err != nil {
		log.Fatal().Err(err).Msg("start tracker")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	log.Info().Str("signal", s.String()).Msg("shutting down")

	tracker.Stop()
	client.Close()
	closeSource()
	mon.Close()
}

// openSource builds the configured position source. devices is nil unless
// the source accepts device connections.
func openSource(conf config.LocationConfig) (location.PositionSource, monitoring.DeviceLister, func(), error) {
	switch conf.Source {
	case config.SourceFramed:
		s := framed.NewSource(conf.Framed)
		if err := s.Listen(); err != nil {
			return nil, nil, nil, err
		}
		return s, s, func() { _ = s.Close() }, nil
	case config.SourceNATS:
		s, err := natsource.Connect(conf.NATS)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, nil, s.Close, nil
	case config.SourceMQTT:
		s, err := mqttsource.Connect(conf.MQTT)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, nil, s.Close, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown source %q", conf.Source)
}
