package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dkeye/meshroom/internal/adapters/rtc"
	"github.com/dkeye/meshroom/internal/adapters/signalclient"
	"github.com/dkeye/meshroom/internal/config"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/logging"
	"github.com/dkeye/meshroom/internal/negotiation"
	"github.com/dkeye/meshroom/internal/whiteboard"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type peerOptions struct {
	server   string
	room     string
	course   string
	name     string
	screen   bool
	noAudio  bool
	noVideo  bool
	boardPNG string
	timeout  time.Duration
	logLevel string
}

var errNoRoom = errors.New("either --room or --course is required")

func (o peerOptions) roomKey() (domain.RoomKey, error) {
	switch {
	case o.room != "" && o.course != "":
		return "", errors.New("--room and --course are mutually exclusive")
	case o.room != "":
		return domain.ParseRoomKey(o.room)
	case o.course != "":
		return domain.CourseRoomKey(o.course), nil
	}
	return "", errNoRoom
}

func (o peerOptions) status() domain.MediaStatus {
	return domain.MediaStatus{Audio: !o.noAudio, Video: !o.noVideo}
}

func newRootCmd() *cobra.Command {
	var opts peerOptions
	cmd := &cobra.Command{
		Use:   "meshpeer",
		Short: "Headless classroom participant",
		Long: `meshpeer joins a classroom through the relay and negotiates a direct
connection with every other participant. Remote streams and whiteboard
activity are logged; the board can be saved as a PNG on exit.

Examples:
  meshpeer --course 42 --name bot
  meshpeer --room course-42 --screen --board-png board.png`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("server") {
				opts.server = cfg.ServerURL
			}
			if !cmd.Flags().Changed("timeout") {
				opts.timeout = cfg.NegotiationTimeout
			}
			if !cmd.Flags().Changed("log-level") {
				opts.logLevel = cfg.LogLevel
			}
			logging.Setup(cfg.Mode, opts.logLevel)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runPeer(ctx, opts, cfg.ICEServers)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.server, "server", "", "relay websocket url (default from config)")
	f.StringVar(&opts.room, "room", "", "room key to join")
	f.StringVar(&opts.course, "course", "", "course id; joins course-<id>")
	f.StringVar(&opts.name, "name", "", "display name")
	f.BoolVar(&opts.screen, "screen", false, "share a screen track with the room")
	f.BoolVar(&opts.noAudio, "no-audio", false, "do not send audio")
	f.BoolVar(&opts.noVideo, "no-video", false, "do not send video")
	f.StringVar(&opts.boardPNG, "board-png", "", "write the whiteboard to this file on exit")
	f.DurationVar(&opts.timeout, "timeout", negotiation.DefaultTimeout, "per-connection negotiation timeout")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level")
	return cmd
}

func runPeer(ctx context.Context, opts peerOptions, iceServers []string) error {
	key, err := opts.roomKey()
	if err != nil {
		return err
	}

	client, err := signalclient.Dial(ctx, opts.server, signalclient.DefaultOptions())
	if err != nil {
		return err
	}
	defer client.Close()

	canvas := whiteboard.NewCanvas(whiteboard.DefaultWidth, whiteboard.DefaultHeight)
	factory := rtc.NewFactory(iceServers, nil)
	engine := negotiation.NewEngine(client, factory, logPresenter{}, canvas, negotiation.Options{
		Timeout: opts.timeout,
		OnRelayError: func(code string) {
			log.Warn().Str("module", "peer").Str("code", code).Msg("relay error")
		},
	})
	defer engine.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx, engine.HandleFrame) }()

	select {
	case <-engine.Welcomed():
	case err := <-runErr:
		return fmt.Errorf("relay closed before welcome: %w", err)
	case <-time.After(10 * time.Second):
		return errors.New("no welcome from relay")
	case <-ctx.Done():
		return nil
	}

	status := opts.status()
	media, err := rtc.NewLocalMedia(engine.Self(), status.Audio, status.Video, opts.screen)
	if err != nil {
		return err
	}
	factory.Media = media

	if err := engine.Join(key, opts.name, status); err != nil {
		return err
	}
	log.Info().Str("module", "peer").Str("room", string(key)).Str("pid", string(engine.Self())).Msg("joining")

	if opts.screen {
		if err := waitJoined(ctx, engine); err != nil {
			return err
		}
		if err := engine.StartScreenShare(); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
	case err := <-runErr:
		if err != nil {
			log.Error().Err(err).Str("module", "peer").Msg("relay connection lost")
		}
	}

	if engine.Joined() {
		_ = engine.Leave()
	}
	if opts.boardPNG != "" {
		if err := savePNG(canvas, opts.boardPNG); err != nil {
			return err
		}
		log.Info().Str("module", "peer").Str("file", opts.boardPNG).Msg("whiteboard saved")
	}
	return nil
}

func waitJoined(ctx context.Context, e *negotiation.Engine) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(10 * time.Second)
	for !e.Joined() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return errors.New("join not acknowledged")
		case <-ticker.C:
		}
	}
	return nil
}

func savePNG(c *whiteboard.Canvas, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := c.WritePNG(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
