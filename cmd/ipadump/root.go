package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ipa-dump/ipa-dump-go/internal/api"
	"github.com/ipa-dump/ipa-dump-go/internal/api/handlers"
	"github.com/ipa-dump/ipa-dump-go/internal/config"
	"github.com/ipa-dump/ipa-dump-go/internal/device"
	"github.com/ipa-dump/ipa-dump-go/internal/domain"
	"github.com/ipa-dump/ipa-dump-go/internal/dumper"
	"github.com/ipa-dump/ipa-dump-go/internal/eventlog"
	"github.com/ipa-dump/ipa-dump-go/internal/metrics"
	"github.com/ipa-dump/ipa-dump-go/internal/progress"
	"github.com/ipa-dump/ipa-dump-go/internal/queue"
	"github.com/ipa-dump/ipa-dump-go/internal/remote"
	"github.com/ipa-dump/ipa-dump-go/internal/repository"
	"github.com/ipa-dump/ipa-dump-go/internal/retry"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const progressWidth = 40

// flagBindings 命令行参数与配置键的对应关系
var flagBindings = map[string]string{
	"host":        "ssh.host",
	"port":        "ssh.port",
	"user":        "ssh.user",
	"password":    "ssh.password",
	"key-file":    "ssh.key_file",
	"output":      "output_dir",
	"script":      "dump.script_path",
	"device":      "dump.device",
	"timeout":     "dump.timeout",
	"log-level":   "log.level",
	"status-addr": "server.addr",
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "ipadump <target>",
		Short: "Extract decrypted IPA files from a jailbroken iOS device",
		Long: `ipadump attaches to an application on a USB-connected iOS device,
collects the decrypted binaries over SSH and packages them as an .ipa.

The target is either the bundle identifier or the display name of the app.
Either --password or --key-file must be provided for SSH authentication.`,
		Example: `  ipadump com.example.app
  ipadump "App Name" --host 192.168.1.100 --password alpine
  ipadump com.example.app --key-file ~/.ssh/id_rsa --output ~/Desktop/dumps`,
		Args:          cobra.ExactArgs(1),
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFrom(v, cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return run(cmd.Context(), cfg, args[0])
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml or $HOME/.ipadump/config.yaml)")

	flags.String("host", "127.0.0.1", "SSH hostname")
	flags.Int("port", 22, "SSH port")
	flags.String("user", "root", "SSH username")
	flags.String("password", "", "SSH password for authentication")
	flags.String("key-file", "", "path to SSH private key file")
	flags.StringP("output", "o", "", "output directory for the dumped IPA")
	flags.String("script", "", "path to the dump script injected into the app")
	flags.StringP("device", "d", "", "device ID to use when several devices are connected")
	flags.Duration("timeout", 0, "maximum time to wait for the dump to finish")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("status-addr", "", "address of the local status server, e.g. 127.0.0.1:8090")

	for name, key := range flagBindings {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}

	return cmd
}

// run 组装依赖并执行一次 dump
func run(parent context.Context, cfg *config.Config, target string) error {
	// 1. 凭据校验必须在任何连接之前
	if err := cfg.SSH.Validate(); err != nil {
		return err
	}
	if err := cfg.Dump.Validate(); err != nil {
		return err
	}

	// 2. 初始化日志
	logger, closeLog, err := config.InitLogger(&cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	logger.WithFields(logrus.Fields{
		"version": Version,
		"target":  target,
		"host":    cfg.SSH.Address(),
		"output":  cfg.OutputDir,
	}).Info("🚀 Starting iOS App Dumper")

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(logger, metrics.DefaultNamespace)

	var options []dumper.Option
	options = append(options,
		dumper.WithMetrics(m),
		dumper.WithProgress(progress.ConsoleFactory(os.Stderr, progressWidth)),
		dumper.WithSummaryOutput(os.Stdout),
	)

	// 3. 运行历史，失败不影响 dump
	var runs repository.RunRepository
	if cfg.Database.Enabled {
		db, err := repository.InitDB(&cfg.Database, logger)
		if err != nil {
			logger.WithError(err).Warn("⚠️ Run history disabled: database unavailable")
		} else {
			defer repository.Close(db)
			runs = repository.NewRunRepository(db, logger)
			options = append(options, dumper.WithRunRepository(runs))
		}
	}

	// 4. 完成事件
	if cfg.RabbitMQ.Enabled {
		mq, err := queue.NewRabbitMQ(cfg.RabbitMQ, logger)
		if err != nil {
			logger.WithError(err).Warn("⚠️ Completion events disabled: RabbitMQ unavailable")
		} else {
			defer mq.Close()
			options = append(options, dumper.WithPublisher(queue.NewProducer(mq, logger)))
		}
	}

	var sinks domain.MultiSink
	if cfg.Log.Events != "" {
		events, err := eventlog.Open(cfg.Log.Events, logger)
		if err != nil {
			logger.WithError(err).Warn("⚠️ Event log disabled")
		} else {
			defer events.Close()
			sinks = append(sinks, events)
		}
	}

	var hub *handlers.EventHub
	if cfg.Server.Addr != "" {
		hub = handlers.NewEventHub(logger)
		sinks = append(sinks, hub)
	}
	if len(sinks) > 0 {
		options = append(options, dumper.WithEventSink(sinks))
	}

	// 5. Frida 与 SSH
	runtime, err := newRuntime(logger)
	if err != nil {
		return err
	}
	defer runtime.Close()

	selector := device.NewSelector(runtime, device.NewConsoleChooser(os.Stdin, os.Stdout), logger,
		device.WithDeviceID(cfg.Dump.Device),
		device.WithRetry(&retry.Config{
			MaxAttempts:     cfg.Dump.DeviceAttempts,
			InitialInterval: cfg.Dump.DeviceInterval,
			MaxInterval:     cfg.Dump.DeviceInterval,
			Strategy:        retry.StrategyFixed,
			Logger:          logger,
			Operation:       "enumerate_usb_devices",
		}),
		device.WithAttemptHook(m.RecordDeviceAttempt),
	)

	channel := remote.New(cfg.SSH, logger)
	defer channel.Close()

	orch := dumper.NewOrchestrator(selector, channel, dumper.OptionsFromConfig(cfg), logger, options...)

	// 6. 状态服务与 dump 并行，dump 结束后关闭服务
	g, gctx := errgroup.WithContext(ctx)
	serverCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()

	if hub != nil {
		hub.Start(serverCtx)
		router := api.SetupRouter(&cfg.Server, logger, api.Deps{
			Status:  orch,
			Runs:    runs,
			Hub:     hub,
			Metrics: m,
		})
		server := api.NewServer(cfg.Server.Addr, router, logger)
		g.Go(func() error {
			if err := server.Run(serverCtx); err != nil {
				logger.WithError(err).Warn("⚠️ Status server stopped")
			}
			return nil
		})
	}

	g.Go(func() error {
		defer stopServer()
		result, err := orch.Run(gctx, target)
		if err != nil {
			return fmt.Errorf("dump %s failed (%s): %w", target, failureLabel(result), err)
		}
		return nil
	})

	return g.Wait()
}

func failureLabel(run *domain.DumpRun) string {
	if run == nil || run.FailureType == domain.FailureTypeNone {
		return "unknown"
	}
	return string(run.FailureType)
}
