package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	cli "github.com/jawher/mow.cli"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nabbi/zoneminder/internal/config"
	"github.com/nabbi/zoneminder/internal/control"
	"github.com/nabbi/zoneminder/internal/gateway"
	"github.com/nabbi/zoneminder/internal/session"
	"github.com/nabbi/zoneminder/internal/store"
	"github.com/nabbi/zoneminder/internal/supervisor"
	"github.com/nabbi/zoneminder/internal/watch"
)

const (
	appName = "zms"
	appDesc = "surveillance push-streaming service"
)

func main() {

	app := cli.App(appName, appDesc)

	configPath := app.String(cli.StringOpt{
		Name:   "config",
		Desc:   "configuration file location",
		EnvVar: "ZMS_CONFIG",
		Value:  "/etc/zoneminder/zms.yaml",
	})

	runtimeDir := app.String(cli.StringOpt{
		Name:   "runtime-dir",
		Desc:   "directory for session locks and control endpoints",
		EnvVar: "ZMS_RUNTIME_DIR",
		Value:  "",
	})

	dataDir := app.String(cli.StringOpt{
		Name:   "data-dir",
		Desc:   "directory holding event frames and monitor feeds",
		EnvVar: "ZMS_DATA_DIR",
		Value:  "",
	})

	app.Command("serve", "run the streaming gateway", func(cmd *cli.Cmd) {
		listenAddr := cmd.String(cli.StringOpt{
			Name:   "listen",
			Desc:   "HTTP listen address",
			EnvVar: "ZMS_LISTEN",
			Value:  "",
		})

		cmd.Action = func() {
			ctx := context.Background()

			cfg := loadConfig(*configPath, *runtimeDir, *dataDir)
			if *listenAddr != "" {
				cfg.Server.ListenAddr = *listenAddr
			}

			metadata, err := store.New(cfg.Server.DataDir)
			if err != nil {
				log.WithError(err).Panic("failed to open metadata store")
			}

			group, ctx := errgroup.WithContext(ctx)
			group.Go(func() error {
				return gateway.New(cfg, metadata).Start(ctx, cfg.Server.ListenAddr)
			})

			err = group.Wait()
			if err != nil {
				log.WithError(err).Panic("stopped")
			}
		}
	})

	app.Command("watch", "supervise one stream and issue playback commands", func(cmd *cli.Cmd) {
		gatewayURL := cmd.String(cli.StringOpt{
			Name:   "gateway",
			Desc:   "websocket stream URL of the gateway",
			EnvVar: "ZMS_GATEWAY",
			Value:  "ws://localhost:8090/stream",
		})
		key := cmd.Int(cli.IntOpt{
			Name:  "key",
			Desc:  "connection key for the viewing session",
			Value: 0,
		})
		mode := cmd.String(cli.StringOpt{
			Name:  "mode",
			Desc:  "live or event",
			Value: "live",
		})
		eventId := cmd.Int(cli.IntOpt{
			Name:  "event",
			Desc:  "event id for event mode",
			Value: 0,
		})

		cmd.Action = func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			cfg := loadConfig(*configPath, *runtimeDir, *dataDir)

			req := session.StreamRequest{
				Key:     uint32(*key),
				Mode:    session.Mode(*mode),
				EventId: uint64(*eventId),
				Scale:   100,
			}

			commander := control.NewClient(
				cfg.Registry.RuntimeDir,
				cfg.Registry.LocateTimeout,
				cfg.Registry.LocatePoll,
				cfg.Stream.ControlTimeout,
			)
			sup := supervisor.New(req, watch.NewStream(*gatewayURL), commander, cfg.Viewer.PollInterval)

			group, ctx := errgroup.WithContext(ctx)
			group.Go(func() error {
				return sup.Run(ctx)
			})
			group.Go(func() error {
				return commandPrompt(ctx, sup)
			})

			err := group.Wait()
			if err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Panic("stopped")
			}
		}
	})

	err := app.Run(os.Args)
	if err != nil {
		log.WithError(err).Panic("failed to execute application")
	}
}

func loadConfig(path, runtimeDir, dataDir string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		log.WithError(err).Panic("failed to load configuration")
	}
	if runtimeDir != "" {
		cfg.Registry.RuntimeDir = runtimeDir
	}
	if dataDir != "" {
		cfg.Server.DataDir = dataDir
	}
	return cfg
}

// commandPrompt reads simple playback commands from stdin and reports the
// supervisor's view of the stream after each one.
func commandPrompt(ctx context.Context, sup *supervisor.Supervisor) error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("commands: play | pause | seek <frame> | scale <percent> | status | stop")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		var err error
		switch fields[0] {
		case "play":
			err = sup.Do(ctx, control.CmdPlay, 0)
		case "pause":
			err = sup.Do(ctx, control.CmdPause, 0)
		case "seek":
			if len(fields) < 2 {
				fmt.Println("seek needs a frame offset")
				continue
			}
			var offset int
			offset, err = strconv.Atoi(fields[1])
			if err == nil {
				err = sup.Do(ctx, control.CmdSeek, int64(offset))
			}
		case "scale":
			if len(fields) < 2 {
				fmt.Println("scale needs a percentage")
				continue
			}
			var scale int
			scale, err = strconv.Atoi(fields[1])
			if err == nil {
				err = sup.Do(ctx, control.CmdScale, int64(scale))
			}
		case "stop":
			err = sup.Do(ctx, control.CmdStop, 0)
		case "status":
		default:
			fmt.Println("unknown command")
			continue
		}

		if err != nil {
			log.WithError(err).Warn("command failed")
		}

		status := sup.Status()
		fmt.Printf("state=%s progress=%.1fs rate=%.1ffps scale=%d%% playing=%v\n",
			status.State, status.Progress, status.Rate, status.Scale, status.Playing)
		if status.Error != "" {
			fmt.Printf("error: %s\n", status.Error)
		}
	}
	return scanner.Err()
}
