package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/callsheet/voicemesh/internal/audio"
	"github.com/callsheet/voicemesh/internal/config"
	"github.com/callsheet/voicemesh/internal/core"
	"github.com/callsheet/voicemesh/internal/domain"
	"github.com/callsheet/voicemesh/internal/presence"
	"github.com/callsheet/voicemesh/internal/session"
	"github.com/callsheet/voicemesh/internal/transport"
)

func main() {
	channelFlag := flag.String("channel", "", "voice channel to join")
	userFlag := flag.String("user", "", "local user id (defaults to a random id)")
	nameFlag := flag.String("name", "voicemesh", "local display name")
	modeFlag := flag.String("mode", "ptt", "transmission mode: ptt or open")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Info().Str("addr", cfg.Metrics.Addr).Msg("metrics listener started")
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				log.Error().Err(err).Msg("metrics listener error")
			}
		}()
	}

	self, err := domain.NewUser(*nameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid display name")
	}
	if *userFlag != "" {
		self.ID = domain.UserID(*userFlag)
	}

	tc, err := transport.New(cfg.Transport)
	if err != nil {
		log.Fatal().Err(err).Msg("transport construction failed")
	}
	tc.Connect()

	ctl := session.NewController(session.Options{
		Transport: tc,
		Presence:  presence.NewClient(cfg.Presence, cfg.Transport.AuthToken),
		Self:      *self,
		PeerID:    domain.PeerID(uuid.NewString()),
		VAD:       cfg.VAD,
		ICE:       cfg.ICE,
		Source: func(ctx context.Context) (core.AudioSource, error) {
			// Headless capture: a silent frame keeps the pipeline and
			// detector running until a real device backend is wired in.
			return audio.NewStaticSource(make(core.Frame, 1920), 20*time.Millisecond), nil
		},
	})

	switch *modeFlag {
	case "open":
		ctl.SetMode(session.ModeOpenMic)
	default:
		ctl.SetMode(session.ModePushToTalk)
	}

	if *channelFlag != "" {
		// The transport connects asynchronously; give the first dial a
		// moment before announcing.
		joinCtx, joinCancel := context.WithTimeout(ctx, 10*time.Second)
		for tc.State() != core.TransportConnected && joinCtx.Err() == nil {
			time.Sleep(100 * time.Millisecond)
		}
		joinCancel()
		if err := ctl.Join(ctx, domain.ChannelID(*channelFlag)); err != nil {
			log.Error().Err(err).Str("channel", *channelFlag).Msg("join failed")
		}
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	ctl.Leave(shutdownCtx)
	tc.Disconnect()
	log.Info().Msg("Exited gracefully")
}
