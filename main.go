package main

import (
	"context"
	"embed"
	"github.com/XANi/ecos2mqtt/config"
	"github.com/XANi/ecos2mqtt/configflow"
	"github.com/XANi/ecos2mqtt/ecos"
	"github.com/XANi/ecos2mqtt/integration"
	"github.com/XANi/ecos2mqtt/metrics"
	"github.com/XANi/ecos2mqtt/queue"
	"github.com/XANi/ecos2mqtt/sensor"
	"github.com/XANi/ecos2mqtt/store"
	"github.com/XANi/ecos2mqtt/web"
	"github.com/XANi/go-yamlcfg"
	"github.com/efigence/go-mon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"io/fs"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"
)

var version string
var log *zap.SugaredLogger
var debug = true
var exit = make(chan error, 1)

// /* embeds with all files, just dir/ ignores files starting with _ or .
//
//go:embed static templates
var embeddedWebContent embed.FS

func init() {
	consoleEncoderConfig := zap.NewDevelopmentEncoderConfig()
	// naive systemd detection. Drop timestamp if running under it
	if os.Getenv("JOURNAL_STREAM") != "" {
		consoleEncoderConfig.TimeKey = ""
	}
	consoleEncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderConfig)
	highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})
	lowPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return (lvl < zapcore.ErrorLevel) != (lvl == zapcore.DebugLevel && !debug)
	})
	core := zapcore.NewTee(
		zapcore.NewCore(consoleEncoder, os.Stderr, lowPriority),
		zapcore.NewCore(consoleEncoder, os.Stderr, highPriority),
	)
	logger := zap.New(core)
	if debug {
		logger = logger.WithOptions(
			zap.Development(),
			zap.AddCaller(),
			zap.AddStacktrace(highPriority),
		)
	} else {
		logger = logger.WithOptions(
			zap.AddCaller(),
		)
	}
	log = logger.Sugar()
}

func main() {
	defer log.Sync()
	// register internal stats
	mon.RegisterGcStats()
	app := &cli.Command{
		Name:        "ecos2mqtt",
		Description: "Poll Ecactus ECOS cloud and expose power and battery sensors over MQTT discovery and prometheus",
		Version:     version,
		HideHelp:    true,
	}
	log.Infof("Starting %s version: %s", app.Name, version)
	app.Flags = []cli.Flag{
		&cli.BoolFlag{Name: "help, h", Usage: "show help"},
		&cli.BoolFlag{Name: "debug, d", Usage: "enable debug logs"},
		&cli.StringFlag{Name: "config, c",
			Usage: "config file. Will be created if it does not exist",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("ECOS2MQTT_CONFIG"),
			),
		},
		&cli.StringFlag{
			Name:  "listen-addr",
			Usage: "Listen addr",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("LISTEN_ADDR"),
			),
		},
		&cli.StringFlag{
			Name:  "mqtt-addr",
			Usage: "mqtt broker address",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("MQTT_ADDR"),
			),
		},
		&cli.StringFlag{
			Name:  "database",
			Usage: "config entry database, sqlite path or postgres DSN",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("DATABASE_DSN"),
			),
		},
		&cli.DurationFlag{
			Name:  "polling-interval",
			Usage: "how often to poll ECOS API",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("POLLING_INTERVAL"),
			),
		},
		&cli.StringFlag{
			Name:  "pprof-addr",
			Value: "",
			Usage: "address to run pprof on, disabled by default",
		},
	}
	app.Action = func(ctx context.Context, c *cli.Command) error {
		if c.Bool("help") {
			cli.ShowAppHelp(c)
			os.Exit(1)
		}
		cfg := config.Default()
		if c.String("config") != "" {
			err := yamlcfg.LoadConfig([]string{c.String("config")}, &cfg)
			if err != nil {
				log.Fatal(err)
			}
		}
		// flags win over the config file
		if c.IsSet("listen-addr") {
			cfg.ListenAddress = c.String("listen-addr")
		}
		if c.IsSet("mqtt-addr") {
			cfg.MQTTAddress = c.String("mqtt-addr")
		}
		if c.IsSet("database") {
			cfg.DatabaseDSN = c.String("database")
		}
		if c.IsSet("polling-interval") {
			cfg.PollingInterval = c.Duration("polling-interval")
		}
		if c.IsSet("pprof-addr") {
			cfg.PProfAddress = c.String("pprof-addr")
		}
		debug = cfg.Debug || c.Bool("debug")
		log.Debug("debug enabled")

		var webDir fs.FS
		webDir = embeddedWebContent
		if st, err := os.Stat("./static"); err == nil && st.IsDir() {
			if st, err := os.Stat("./templates"); err == nil && st.IsDir() {
				webDir = os.DirFS(".")
				log.Infof(`detected directories "static" and "templates", using local static files instead of ones embedded in binary`)
			}
		}
		if len(cfg.PProfAddress) > 0 {
			log.Infof("listening pprof on %s", cfg.PProfAddress)
			go func() {
				log.Errorf("failed to start debug listener: %s (ignoring)", http.ListenAndServe(cfg.PProfAddress, nil))
			}()
		}

		entryStore, err := store.Open(store.Config{
			DSN:    cfg.DatabaseDSN,
			Logger: log.Named("store"),
			Debug:  debug,
		})
		if err != nil {
			log.Panicf("error opening config entry store: %s", err)
		}
		defer entryStore.Close()

		q, err := queue.New(&queue.Config{
			MQTTAddr:        cfg.MQTTAddress,
			Logger:          log.Named("mq"),
			DiscoveryPrefix: cfg.DiscoveryPrefix,
			TopicPrefix:     cfg.TopicPrefix,
			ClientID:        cfg.MQTTClientID,
		})
		if err != nil {
			log.Panicf("error starting queue: %s", err)
		}
		defer q.Close()

		collector := metrics.NewCollector()
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			collector,
		)

		platform := sensor.NewPlatform(sensor.PlatformConfig{
			Logger: log.Named("sensor"),
			Sinks:  []sensor.Sink{q, collector},
		})
		manager := integration.New(integration.Config{
			Logger: log.Named("integration"),
			NewClient: func(data integration.Data) integration.Client {
				return ecos.New(ecos.Config{
					Username: data.Username,
					Password: data.Password,
					Host:     data.Host,
					Logger:   log.Named("ecos"),
				})
			},
			Platforms:       []integration.Platform{platform},
			PollingInterval: cfg.PollingInterval,
			FetchTimeout:    cfg.FetchTimeout,
		})
		flow := configflow.New(configflow.Config{
			Logger: log.Named("configflow"),
			NewValidator: func(username, password, host string) configflow.Validator {
				return ecos.New(ecos.Config{
					Username: username,
					Password: password,
					Host:     host,
					Logger:   log.Named("ecos"),
				})
			},
			Entries: entryStore,
		})

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		importAccounts(ctx, flow, entryStore, cfg.Accounts)
		entries, err := entryStore.List()
		if err != nil {
			log.Panicf("error listing config entries: %s", err)
		}
		manager.Load(ctx, entries)

		w, err := web.New(web.Config{
			Logger:     log.Named("web"),
			ListenAddr: cfg.ListenAddress,
			Store:      entryStore,
			Manager:    manager,
			Flow:       flow,
			Sensors:    platform,
			Gatherer:   registry,
		}, webDir)
		if err != nil {
			log.Panicf("error starting web listener: %s", err)
		}
		go func() {
			exit <- w.Run()
		}()

		select {
		case <-ctx.Done():
			log.Infof("shutting down")
			err = nil
		case err = <-exit:
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if serr := w.Shutdown(shutdownCtx); serr != nil {
			log.Warnf("error stopping web listener: %s", serr)
		}
		manager.Shutdown(shutdownCtx)
		return err
	}
	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

// importAccounts runs accounts from the config file through the config flow
func importAccounts(ctx context.Context, flow *configflow.Flow, entryStore *store.Store, accounts []config.Account) {
	for _, a := range accounts {
		res, err := flow.StepUser(ctx, &configflow.UserInput{
			Username: a.Username,
			Password: a.Password,
			Host:     a.Host,
		})
		if err != nil {
			log.Errorf("error importing account %s: %s", a.Username, err)
			continue
		}
		switch res.Type {
		case configflow.ResultCreateEntry:
			if err := entryStore.Add(*res.Entry); err != nil {
				log.Errorf("error saving account %s: %s", a.Username, err)
				continue
			}
			log.Infof("imported account %s", a.Username)
		case configflow.ResultAbort:
			log.Debugf("account %s: %s", a.Username, res.Reason)
		default:
			log.Errorf("account %s not imported: %v", a.Username, res.Errors)
		}
	}
}
