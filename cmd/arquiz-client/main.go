package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"arquiz/internal/config"
	"arquiz/pkg/client"
	"arquiz/pkg/types"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		roomID     = flag.String("room", "", "room to join")
		accessCode = flag.String("code", "", "room access code")
		name       = flag.String("name", "", "display name")
		role       = flag.String("role", "student", "role: student, teacher, admin")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	identity := types.Identity{
		DisplayName: *name,
		Role:        types.Role(*role),
		Token:       os.Getenv("ARQUIZ_TOKEN"),
	}

	c, err := client.New(cfg, identity, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create client")
	}
	defer c.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	unsubs := []func(){
		c.Subscribe(types.EventConnectionStateChanged, func(payload any) {
			if state, ok := payload.(types.ConnectionState); ok {
				log.Info().Str("phase", string(state.Phase)).Str("quality", string(state.Quality)).
					Msg("connection state changed")
			}
		}),
		c.Subscribe(types.EventRosterUpdated, func(payload any) {
			if participants, ok := payload.([]types.Participant); ok {
				log.Info().Int("count", len(participants)).Msg("roster updated")
			}
		}),
		c.Subscribe(types.EventKicked, func(payload any) {
			kicked, _ := payload.(types.KickedPayload)
			log.Warn().Str("reason", kicked.Reason).Msg("removed from room")
			cancel()
		}),
	}
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()

	if err := c.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to connect")
	}
	log.Info().Str("url", cfg.ServerURL).Msg("connected to coordination server")

	if *roomID != "" {
		room, err := c.JoinRoom(ctx, *roomID, *accessCode, *name, types.Role(*role))
		if err != nil {
			log.Fatal().Err(err).Str("room", *roomID).Msg("failed to join room")
		}
		log.Info().Str("room", room.RoomID).Str("status", string(room.Status)).Msg("joined room")
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
}
