// Command peer runs a headless call participant against a relay, sending
// synthetic audio and video, or the local camera and microphone with
// --devices=capture. It is meant for smoke-testing relays and NAT
// setups without a browser.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dkeye/Televisit/internal/adapters/devices"
	transport "github.com/dkeye/Televisit/internal/adapters/signal"
	"github.com/dkeye/Televisit/internal/app/call"
	"github.com/dkeye/Televisit/internal/config"
	"github.com/dkeye/Televisit/internal/core"
	"github.com/dkeye/Televisit/internal/domain"
)

func flags() *viper.Viper {
	fs := pflag.NewFlagSet("peer", pflag.ExitOnError)
	fs.String("relay", "http://localhost:8080", "relay base URL")
	fs.String("session", "", "session id")
	fs.String("id", "", "local participant id")
	fs.String("name", "", "display name")
	fs.String("role", string(domain.RoleCaller), "caller or callee")
	fs.String("remote", "", "remote participant id")
	fs.Duration("duration", time.Minute, "hang up after this long, 0 waits for the remote side")
	fs.String("devices", "synthetic", "synthetic test streams or capture from the local camera and microphone")
	_ = fs.Parse(os.Args[1:])

	v := viper.New()
	v.SetEnvPrefix("televisit_peer")
	v.AutomaticEnv()
	_ = v.BindPFlags(fs)
	return v
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	v := flags()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	tr, err := transport.NewWebSocket(v.GetString("relay"))
	if err != nil {
		log.Fatal().Err(err).Msg("bad relay url")
	}
	var provider core.DeviceProvider = &devices.Synthetic{}
	switch v.GetString("devices") {
	case "synthetic":
	case "capture":
		if provider, err = devices.NewCapture(); err != nil {
			log.Fatal().Err(err).Msg("failed to set up capture")
		}
	default:
		log.Fatal().Str("devices", v.GetString("devices")).Msg("unknown device provider")
	}
	ctrl := call.NewController(cfg.Call, call.Deps{
		Signal:     tr,
		Devices:    provider,
		Bookkeeper: tr,
	})

	ended := make(chan struct{})
	var endOnce sync.Once
	ctrl.OnEvent(func(ev call.Event) {
		switch ev.Kind {
		case call.EventStateChanged:
			log.Info().Str("state", string(ev.State)).Str("reason", string(ev.Reason)).Msg("call state")
			if ev.State.Terminal() {
				endOnce.Do(func() { close(ended) })
			}
		case call.EventRemotePresence:
			log.Info().Bool("video", ev.Presence.VideoEnabled).Bool("audio", ev.Presence.AudioEnabled).Msg("remote presence")
		case call.EventChat:
			log.Info().Str("from", string(ev.Chat.SenderID)).Str("body", ev.Chat.Body).Msg("chat")
		case call.EventQuality:
			log.Debug().Str("tier", string(ev.Quality.QualityTier)).Msg("quality")
		case call.EventError:
			log.Error().Err(ev.Err).Str("reason", string(ev.Reason)).Msg("call error")
		}
	})

	params := call.Params{
		SessionID:   domain.SessionID(v.GetString("session")),
		LocalID:     domain.ParticipantID(v.GetString("id")),
		DisplayName: v.GetString("name"),
		Role:        domain.Role(v.GetString("role")),
		RemoteID:    domain.ParticipantID(v.GetString("remote")),
	}
	if err := ctrl.Initialize(ctx, params); err != nil {
		log.Error().Err(err).Msg("call not established")
		_ = ctrl.EndCall(context.Background())
		os.Exit(1)
	}

	var deadline <-chan time.Time
	if d := v.GetDuration("duration"); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		deadline = t.C
	}
	select {
	case <-ctx.Done():
	case <-ended:
	case <-deadline:
	}

	if err := ctrl.EndCall(context.Background()); err != nil {
		log.Warn().Err(err).Msg("end call")
	}
	log.Info().Msg("peer exited")
}
