package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"rpsbroker/server"
)

func main() {

	config, err := server.NewConfig()
	if err != nil {
		log.Fatal("Error while loading configurations: ", err)
	}

	logger := server.NewLogger(config)
	defer logger.Sync()

	stats := server.NewStatsHolder(logger)
	registry := server.NewRegistry(config, logger)
	table := server.NewMatchTable()
	broker := server.NewBroker(registry, table, config, stats, logger)
	pipeline := server.NewPipeline(broker, registry, table, stats, logger)

	if err := registry.StartSweeper(); err != nil {
		logger.Fatalw("Error while starting zombie sweeper", "error", err)
	}

	s := server.StartServer(registry, table, config, pipeline, stats, logger)

	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Startup was completed")

	<-c

	s.Stop()

}
