package main

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/agent"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/config"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/logging"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/marker"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/osal"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/file"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/platform"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/platform/host"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/sigcontext"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/transport"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/transport/httprange"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/transport/redis"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/transport/s3range"
)

const shutdownBudget = 10 * time.Second

func main() {
	app := &cli.App{
		Name:    "otaagent",
		Usage:   "receive, verify and activate firmware updates",
		Version: marker.AgentVersion,
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run the update agent",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config", Value: "/etc/otaagent/agent.toml", Usage: "agent configuration `FILE`"},
					&cli.StringFlag{Name: "env-file", Value: ".env", Usage: "optional environment `FILE` overriding the configuration"},
					&cli.StringFlag{Name: "thing-name", Usage: "device identity, overrides the configuration"},
					&cli.BoolFlag{Name: "debug", Usage: "log at debug level"},
					&cli.BoolFlag{Name: "json", Usage: "log as JSON"},
				},
				Action: runCommand,
			},
			{
				Name:  "version",
				Usage: "print the agent version",
				Action: func(c *cli.Context) error {
					fmt.Fprintln(c.App.Writer, marker.AgentVersion)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.New("main").WithError(err).Error("exiting")
		os.Exit(1)
	}
}

func runCommand(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"), c.String("env-file"))
	if err != nil {
		return errors.WithMessage(err, "configuration")
	}
	if name := c.String("thing-name"); name != "" {
		cfg.ThingName = name
	}

	logging.Set(logging.Level(cfg.LogLevel))
	if c.Bool("debug") {
		logging.Set(logging.Level("debug"))
	}
	if c.Bool("json") {
		logging.Set(logging.JSON())
	}

	log := logging.New("main")

	// "debuggable" builds at runtime produce extensive logging output compared
	// to release builds with the debug flag enabled. This requires building and
	// using a distinct build in the deployment in order to use.
	if logging.Debuggable {
		log.Info("low-level logging.Debuggable is enabled in this build")
		log.Warn("logging.Debuggable produces large volumes of logs")
	}

	ctx, cancel := sigcontext.WithSignalCancel(context.Background(), log, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := runAgent(ctx, cfg); err != nil {
		return errors.WithMessage(err, "agent stopped")
	}
	log.Info("agent stopped")
	return nil
}

func runAgent(ctx context.Context, cfg *config.Config) error {
	log := logging.New("agent")

	plat := host.New(logging.New("platform"), host.Paths{
		ImageDir:      cfg.Paths.ImageDir,
		StateDir:      cfg.Paths.StateDir,
		CertDir:       cfg.Paths.CertDir,
		SystemdSocket: cfg.Paths.SystemdSocket,
	})
	if err := plat.Preflight(); err != nil {
		return errors.WithMessage(err, "platform preflight")
	}
	if err := platform.Ping(plat); err != nil {
		return err
	}

	msg, err := redis.New(logging.New("messaging"), redis.Config{URL: cfg.RedisURL, Retries: redis.DefaultRetries})
	if err != nil {
		return errors.WithMessage(err, "could not setup messaging")
	}
	defer msg.Close()

	bulk := &transport.SchemeBulk{
		Default: httprange.New(logging.New("http"), httprange.Config{}),
		Schemes: map[string]transport.Bulk{},
	}
	s3client, err := s3range.NewClient(ctx, s3range.Config{
		Region:       cfg.S3.Region,
		Endpoint:     cfg.S3.Endpoint,
		UsePathStyle: cfg.S3.UsePathStyle,
	})
	if err != nil {
		log.WithError(err).Warn("s3 transfers unavailable")
	} else {
		bulk.Schemes["s3"] = s3range.New(logging.New("s3"), s3client, 0)
	}

	version, err := cfg.Version()
	if err != nil {
		return err
	}
	protocols, err := cfg.DataProtocols()
	if err != nil {
		return err
	}

	var slot agent.Slot
	a, err := slot.Init(log, agent.Config{
		BlockSize:           cfg.Transfer.BlockSize,
		MaxBlocksPerRequest: cfg.Transfer.MaxBlocksPerRequest,
		MaxRequestMomentum:  cfg.Transfer.MaxRequestMomentum,
		RequestTimeout:      cfg.Transfer.RequestTimeout(),
		SelfTestTimeout:     cfg.Transfer.SelfTestTimeout(),
		StatusFrequency:     cfg.Transfer.StatusFrequency,
		Protocols:           protocols,
		Version:             version,
	},
		file.DefaultBuffers(cfg.Transfer.MaxFileBlocks, int(cfg.Transfer.BlockSize)),
		agent.Interfaces{
			OS:        osal.Default(cfg.Queue.Depth, cfg.Queue.Buffers, cfg.Queue.BufferSize),
			Messaging: msg,
			Bulk:      bulk,
			Platform:  plat,
		},
		cfg.ThingName, nil)
	if err != nil {
		return errors.WithMessage(err, "initialization error")
	}

	// The agent outlives ctx so that it can be shut down in an orderly
	// fashion.
	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	done := make(chan error, 1)
	go func() { done <- a.Run(runCtx) }()

	checks := cron.New()
	if cfg.CheckSchedule != "" {
		if _, err := checks.AddFunc(cfg.CheckSchedule, func() {
			if err := a.CheckForUpdate(); err != nil {
				log.WithError(err).Warn("scheduled update check failed")
			}
		}); err != nil {
			stop()
			<-done
			return errors.Wrapf(err, "check_schedule %q", cfg.CheckSchedule)
		}
	}
	checks.Start()
	defer func() { <-checks.Stop().Done() }()

	if err := a.CheckForUpdate(); err != nil {
		log.WithError(err).Warn("initial update check failed")
	}

	select {
	case err := <-done:
		return errors.WithMessage(err, "run error")
	case <-ctx.Done():
	}

	log.Info("shutting down")
	if s := a.Shutdown(shutdownBudget); s != agent.StateStopped {
		log.WithField("state", s.String()).Warn("agent did not stop in time, cancelling")
		stop()
	}
	return errors.WithMessage(<-done, "run error")
}
