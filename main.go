package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/haldis/valheimctl/internal/backup"
	"github.com/haldis/valheimctl/internal/config"
	"github.com/haldis/valheimctl/internal/console"
	"github.com/haldis/valheimctl/internal/database"
	"github.com/haldis/valheimctl/internal/events"
	"github.com/haldis/valheimctl/internal/logger"
	"github.com/haldis/valheimctl/internal/provision"
	"github.com/haldis/valheimctl/internal/schedule"
	"github.com/haldis/valheimctl/internal/service"
	"github.com/haldis/valheimctl/internal/systemd"
	"github.com/haldis/valheimctl/internal/worlds"
)

const version = "0.3.0"

func main() {
	logger.Init()
	cfg := config.Load()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatal().Err(err).Msg("Failed to create data directory")
	}
	if err := os.MkdirAll(cfg.BackupDir, 0755); err != nil {
		log.Fatal().Err(err).Msg("Failed to create backup directory")
	}

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply database migrations")
	}

	eventService := events.NewService(db)
	sysd := systemd.NewClient(systemd.ExecRunner{}, cfg.UnitDir)
	provisionService := provision.NewService(cfg, systemd.ExecRunner{}, eventService)
	controller := service.NewController(cfg, sysd, provisionService, eventService)
	store := backup.NewStore(cfg, controller, eventService)
	scheduleService := schedule.NewService(cfg, sysd, eventService)
	session := worlds.NewFileSession(cfg.SessionPath())
	registry := worlds.NewRegistry(cfg, sysd, session, store, scheduleService, eventService)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// `valheimctl backup <world>` is the unattended path the generated timer
	// units invoke; everything else lands in the interactive menu.
	args := os.Args[1:]
	switch {
	case len(args) >= 2 && args[0] == "backup":
		runScheduledBackup(store, args[1])
	case len(args) >= 1 && args[0] == "version":
		fmt.Println("valheimctl " + version)
	default:
		ui := console.New(cfg, registry, session, controller, store, scheduleService,
			provisionService, eventService, os.Stdin, os.Stdout)
		if err := ui.Run(ctx); err != nil {
			log.Fatal().Err(err).Msg("Console terminated")
		}
	}
}

// runScheduledBackup archives one world and exits. The server keeps running;
// an unattended job must never take it down.
func runScheduledBackup(store *backup.Store, world string) {
	d, err := store.Create(world)
	if err != nil {
		log.Fatal().Err(err).Str("world", world).Msg("Scheduled backup failed")
	}
	log.Info().Str("file", d.Filename).Int64("bytes", d.SizeBytes).Msg("Scheduled backup written")
}
