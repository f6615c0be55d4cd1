package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"nuha.dev/livesync/internal/web/eventstream"
)

func main() {
	listen_addr := flag.String("address", ":8000", "address to listen to")
	interval := flag.Duration("interval", 5*time.Second, "mock envelope interval, 0 disables the generator")
	buffer := flag.Int("buffer", 32, "per connection queue size")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	srv := eventstream.NewServer(eventstream.Config{ListenAddr: *listen_addr, Buffer: *buffer})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if *interval > 0 {
		go eventstream.NewMock(srv).Run(ctx, *interval)
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		cancel()
		srv.Close()
	}()
	if err := srv.Run(); err != nil {
		log.Fatal().Err(err).Msg("event stream server")
	}
}
