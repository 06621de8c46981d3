package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"lanlink/config"
	"lanlink/discovery"
	"lanlink/pairing"
	"lanlink/session"
	"lanlink/trust"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed while loading config")
	}
	identity := cfg.Identity()

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := trust.Open(dataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed while opening trust store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("trust store close error")
		}
	}()

	coordinator, err := pairing.NewCoordinator(pairing.Options{
		Identity: identity,
		Store:    store,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed while creating pairing coordinator")
	}

	keyPolicy, err := pairing.NewKeyPolicy()
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed while generating pairing key")
	}

	listenAddress := ":" + strconv.Itoa(cfg.ListeningPort)
	if cfg.PortMode == config.PortModeAutomatic {
		listenAddress = ":0"
	}

	manager, err := session.NewManager(session.Options{
		Identity:      identity,
		Store:         store,
		Pairing:       coordinator,
		KeyPolicy:     keyPolicy,
		ListenAddress: listenAddress,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed while creating session manager")
	}
	if err := manager.Start(); err != nil {
		logger.Fatal().Err(err).Msg("startup failed while binding listener")
	}
	defer manager.Close()

	port := cfg.ListeningPort
	if addr, ok := manager.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}

	fmt.Printf("Device ID:       %s\n", identity.ID)
	fmt.Printf("Device Name:     %s\n", identity.Name)
	fmt.Printf("Device Type:     %s\n", identity.Kind)
	fmt.Printf("Listening Port:  %d\n", port)
	fmt.Printf("Pairing Key:     %s\n", keyPolicy.Key())
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Trust Database:  %s\n", dbPath)

	go logManagerErrors(logger, manager.Errors())

	discoveryService, err := discovery.Start(discovery.Config{
		Identity: identity,
		Port:     port,
		Logger:   logger,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("discovery startup failed, peers must be added manually")
	} else {
		defer discoveryService.Stop()
		fmt.Println("Discovery:       running")
		manager.ObserveDiscovery(discoveryService.Scanner.Events())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

func logManagerErrors(logger zerolog.Logger, errs <-chan error) {
	for err := range errs {
		logger.Warn().Err(err).Msg("session event")
	}
}
