package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
	"gorm.io/gorm"

	"github.com/unicon-campus/unimod/moderation/alerting"
	"github.com/unicon-campus/unimod/moderation/casestore"
	"github.com/unicon-campus/unimod/moderation/engine"
	"github.com/unicon-campus/unimod/moderation/hashes"
	"github.com/unicon-campus/unimod/moderation/visual"
	"github.com/unicon-campus/unimod/util/cliutil"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "unimod",
		Usage:   "content moderation service for campus uploads",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "database connection string (sqlite://path or postgres://...)",
			Value:   "sqlite://data/unimod/unimod.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
			Value:   40,
		},
		&cli.BoolFlag{
			Name:    "db-tracing",
			Usage:   "emit OpenTelemetry spans for database queries",
			EnvVars: []string{"UNIMOD_DB_TRACING"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL for the known-bad registry and analysis cache",
			EnvVars: []string{"REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "hashes-file",
			Usage:   "JSON file of known-bad hashes, used when redis is not configured",
			Value:   "data/unimod/known_bad_hashes.json",
			EnvVars: []string{"UNIMOD_HASHES_FILE"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"UNIMOD_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log format (text or json)",
			EnvVars: []string{"UNIMOD_LOG_FMT"},
		},
	}

	app.Before = func(cctx *cli.Context) error {
		_, err := cliutil.SetupSlog(cliutil.LogOptions{
			LogLevel:  cctx.String("log-level"),
			LogFormat: cctx.String("log-format"),
		})
		return err
	}

	app.Commands = []*cli.Command{
		serveCmd,
		migrateCmd,
		digestCmd,
		hashesCmd,
		tokenCmd,
	}

	return app.Run(args)
}

var alertFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "slack-webhook-url",
		Usage:   "full URL of slack webhook for moderator alerts",
		EnvVars: []string{"SLACK_WEBHOOK_URL"},
	},
	&cli.StringFlag{
		Name:    "smtp-host",
		EnvVars: []string{"SMTP_HOST"},
	},
	&cli.IntFlag{
		Name:    "smtp-port",
		Value:   587,
		EnvVars: []string{"SMTP_PORT"},
	},
	&cli.StringFlag{
		Name:    "smtp-username",
		EnvVars: []string{"SMTP_USER"},
	},
	&cli.StringFlag{
		Name:    "smtp-password",
		EnvVars: []string{"SMTP_PASS"},
	},
	&cli.StringFlag{
		Name:    "smtp-from",
		Value:   "moderation@unicon.local",
		EnvVars: []string{"SMTP_FROM"},
	},
	&cli.StringSliceFlag{
		Name:    "alert-emails",
		Usage:   "moderator addresses that receive alert emails",
		EnvVars: []string{"ALERT_EMAILS"},
	},
}

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "run the moderation API and alert monitor",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":5000",
			EnvVars: []string{"UNIMOD_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":5001",
			EnvVars: []string{"UNIMOD_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "upload-dir",
			Usage:   "directory uploaded files are stored in",
			Value:   "data/unimod/uploads",
			EnvVars: []string{"UNIMOD_UPLOAD_DIR"},
		},
		&cli.StringFlag{
			Name:     "jwt-secret",
			Usage:    "HMAC secret bearer tokens are signed with",
			Required: true,
			EnvVars:  []string{"JWT_SECRET"},
		},
		&cli.StringFlag{
			Name:    "body-limit",
			Usage:   "maximum request body size (eg: 512M)",
			Value:   "512M",
			EnvVars: []string{"UNIMOD_BODY_LIMIT"},
		},
		&cli.Int64Flag{
			Name:    "max-image-bytes",
			Value:   10 * 1024 * 1024,
			EnvVars: []string{"UNIMOD_MAX_IMAGE_BYTES"},
		},
		&cli.Int64Flag{
			Name:    "max-analysis-bytes",
			Usage:   "largest prefix of an upload sent to the AI classifiers",
			Value:   engine.DefaultMaxAnalysisBytes,
			EnvVars: []string{"UNIMOD_MAX_ANALYSIS_BYTES"},
		},
		&cli.Int64Flag{
			Name:    "max-video-bytes",
			Value:   500 * 1024 * 1024,
			EnvVars: []string{"MAX_VIDEO_SIZE", "UNIMOD_MAX_VIDEO_BYTES"},
		},
		&cli.StringSliceFlag{
			Name:    "blocklist-terms",
			Usage:   "extra terms added to the text blocklist",
			EnvVars: []string{"UNIMOD_BLOCKLIST_TERMS"},
		},
		&cli.BoolFlag{
			Name:    "review-band-quarantine",
			Usage:   "quarantine uploads the AI places in the review band instead of approving them",
			EnvVars: []string{"UNIMOD_REVIEW_BAND_QUARANTINE"},
		},
		&cli.DurationFlag{
			Name:    "decision-timeout",
			Usage:   "bound on the AI stage of one decision",
			Value:   time.Minute,
			EnvVars: []string{"UNIMOD_DECISION_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:    "provider-timeout",
			Value:   visual.DefaultProviderTimeout,
			EnvVars: []string{"UNIMOD_PROVIDER_TIMEOUT"},
		},
		&cli.Float64Flag{
			Name:    "provider-rate-limit",
			Usage:   "max requests per second to each classifier vendor (0 for no limit)",
			EnvVars: []string{"UNIMOD_PROVIDER_RATE_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "hiveai-api-token",
			Usage:   "API token for Hive AI image auto-labeling",
			EnvVars: []string{"HIVEAI_API_TOKEN", "HIVE_API_KEY"},
		},
		&cli.StringFlag{
			Name:    "google-vision-api-key",
			EnvVars: []string{"GOOGLE_VISION_API_KEY"},
		},
		&cli.StringFlag{
			Name:    "huggingface-api-key",
			EnvVars: []string{"HUGGINGFACE_API_KEY"},
		},
		&cli.StringFlag{
			Name:    "huggingface-model",
			Value:   "Falconsai/nsfw_image_detection",
			EnvVars: []string{"HUGGINGFACE_MODEL"},
		},
		&cli.StringFlag{
			Name:    "aws-region",
			EnvVars: []string{"AWS_REGION"},
		},
		&cli.StringFlag{
			Name:    "aws-access-key-id",
			EnvVars: []string{"AWS_ACCESS_KEY_ID"},
		},
		&cli.StringFlag{
			Name:    "aws-secret-access-key",
			EnvVars: []string{"AWS_SECRET_ACCESS_KEY"},
		},
		&cli.DurationFlag{
			Name:    "analysis-cache-ttl",
			Value:   24 * time.Hour,
			EnvVars: []string{"UNIMOD_ANALYSIS_CACHE_TTL"},
		},
		&cli.IntFlag{
			Name:    "analysis-cache-size",
			Usage:   "entries kept by the in-process analysis cache",
			Value:   10_000,
			EnvVars: []string{"UNIMOD_ANALYSIS_CACHE_SIZE"},
		},
		&cli.Int64Flag{
			Name:    "alert-queue-threshold",
			Value:   alerting.DefaultPolicy().QueueThreshold,
			EnvVars: []string{"UNIMOD_ALERT_QUEUE_THRESHOLD"},
		},
		&cli.Int64Flag{
			Name:    "alert-high-risk-threshold",
			Value:   alerting.DefaultPolicy().HighRiskThreshold,
			EnvVars: []string{"UNIMOD_ALERT_HIGH_RISK_THRESHOLD"},
		},
		&cli.DurationFlag{
			Name:    "alert-interval",
			Usage:   "how often the spike and backlog rules run",
			Value:   alerting.DefaultPolicy().ShortInterval,
			EnvVars: []string{"UNIMOD_ALERT_INTERVAL"},
		},
	}, alertFlags...),
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		logger := slog.Default().With("system", "unimod")

		shutdownOTEL, err := configOTEL(ctx, "unimod")
		if err != nil {
			return fmt.Errorf("failed to create trace exporter: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := shutdownOTEL(ctx); err != nil {
				slog.Error("failed to shutdown trace exporter", "err", err)
			}
		}()

		db, err := configureDatabase(cctx)
		if err != nil {
			return err
		}

		policy := alerting.DefaultPolicy()
		policy.QueueThreshold = cctx.Int64("alert-queue-threshold")
		policy.HighRiskThreshold = cctx.Int64("alert-high-risk-threshold")
		policy.ShortInterval = cctx.Duration("alert-interval")

		config := alertConfig(cctx)
		config.Logger = logger
		config.Bind = cctx.String("bind")
		config.MetricsListen = cctx.String("metrics-listen")
		config.UploadDir = cctx.String("upload-dir")
		config.JWTSecret = cctx.String("jwt-secret")
		config.BodyLimit = cctx.String("body-limit")
		config.MaxImageBytes = cctx.Int64("max-image-bytes")
		config.MaxVideoBytes = cctx.Int64("max-video-bytes")
		config.ExtraTerms = cctx.StringSlice("blocklist-terms")
		config.Engine = engine.Config{
			ReviewBandQuarantine: cctx.Bool("review-band-quarantine"),
			DecisionTimeout:      cctx.Duration("decision-timeout"),
			MaxAnalysisBytes:     cctx.Int64("max-analysis-bytes"),
		}
		config.Aggregator = visual.AggregatorConfig{
			ProviderTimeout:   cctx.Duration("provider-timeout"),
			ProviderRateLimit: cctx.Float64("provider-rate-limit"),
		}
		config.Alerting = policy
		config.HiveToken = cctx.String("hiveai-api-token")
		config.GoogleVisionKey = cctx.String("google-vision-api-key")
		config.HuggingFaceKey = cctx.String("huggingface-api-key")
		config.HuggingFaceModel = cctx.String("huggingface-model")
		config.AWSRegion = cctx.String("aws-region")
		config.AWSAccessKeyID = cctx.String("aws-access-key-id")
		config.AWSSecretKey = cctx.String("aws-secret-access-key")
		config.RedisURL = cctx.String("redis-url")
		config.HashesFile = cctx.String("hashes-file")
		config.CacheTTL = cctx.Duration("analysis-cache-ttl")
		config.CacheSize = cctx.Int("analysis-cache-size")

		srv, err := NewServer(ctx, db, config)
		if err != nil {
			return fmt.Errorf("failed to construct server: %v", err)
		}
		return srv.Run(ctx, config.MetricsListen)
	},
}

func alertConfig(cctx *cli.Context) Config {
	return Config{
		SlackWebhookURL: cctx.String("slack-webhook-url"),
		SMTPHost:        cctx.String("smtp-host"),
		SMTPPort:        cctx.Int("smtp-port"),
		SMTPUsername:    cctx.String("smtp-username"),
		SMTPPassword:    cctx.String("smtp-password"),
		SMTPFrom:        cctx.String("smtp-from"),
		AlertEmails:     cctx.StringSlice("alert-emails"),
	}
}

func configureDatabase(cctx *cli.Context) (*gorm.DB, error) {
	db, err := cliutil.SetupDatabase(cctx.String("database-url"), cliutil.DatabaseOptions{
		MaxConnections: cctx.Int("max-db-connections"),
		Tracing:        cctx.Bool("db-tracing"),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

var migrateCmd = &cli.Command{
	Name:  "migrate",
	Usage: "create or update the case store schema",
	Action: func(cctx *cli.Context) error {
		db, err := configureDatabase(cctx)
		if err != nil {
			return err
		}
		if err := casestore.NewStore(db).Migrate(); err != nil {
			return err
		}
		slog.Info("migration complete")
		return nil
	},
}

var digestCmd = &cli.Command{
	Name:  "digest",
	Usage: "send the daily moderation report for one day",
	Flags: append([]cli.Flag{
		&cli.TimestampFlag{
			Name:   "day",
			Usage:  "UTC day to report on (default: yesterday)",
			Layout: time.DateOnly,
		},
	}, alertFlags...),
	Action: func(cctx *cli.Context) error {
		ctx := cctx.Context
		db, err := configureDatabase(cctx)
		if err != nil {
			return err
		}
		logger := slog.Default()
		mon := alerting.NewMonitor(casestore.NewStore(db), alertChannels(alertConfig(cctx), logger), alerting.DefaultPolicy(), logger)

		from, to := alerting.DigestRange(time.Now())
		if day := cctx.Timestamp("day"); day != nil {
			from = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
			to = from.AddDate(0, 0, 1)
		}
		if err := mon.SendDigest(ctx, from, to); err != nil {
			return err
		}
		mon.Wait()
		return nil
	},
}

var hashesCmd = &cli.Command{
	Name:  "hashes",
	Usage: "manage the known-bad content hash registry",
	Subcommands: []*cli.Command{
		{
			Name:      "add",
			Usage:     "mark a SHA-256 hash as known-bad",
			ArgsUsage: `<sha256-hex>`,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "note",
					Usage: "where the hash came from",
				},
			},
			Action: func(cctx *cli.Context) error {
				if cctx.Args().Len() != 1 {
					return fmt.Errorf("expected exactly one hash argument")
				}
				h, err := hashes.NormalizeHash(cctx.Args().First())
				if err != nil {
					return err
				}
				path := cctx.String("hashes-file")
				reg, err := openRegistry(cctx.String("redis-url"), path)
				if err != nil {
					return err
				}
				if err := reg.Add(cctx.Context, h, cctx.String("note")); err != nil {
					return err
				}
				if mem, ok := reg.(*hashes.MemRegistry); ok {
					if err := mem.SaveToFileJSON(path); err != nil {
						return err
					}
				}
				fmt.Println(h)
				return nil
			},
		},
		{
			Name:      "check",
			Usage:     "hash a local file and look it up in the registry",
			ArgsUsage: `<file>`,
			Action: func(cctx *cli.Context) error {
				if cctx.Args().Len() != 1 {
					return fmt.Errorf("expected exactly one file argument")
				}
				f, err := os.Open(cctx.Args().First())
				if err != nil {
					return err
				}
				defer f.Close()
				reg, err := openRegistry(cctx.String("redis-url"), cctx.String("hashes-file"))
				if err != nil {
					return err
				}
				res, err := hashes.NewChecker(reg, nil).Check(cctx.Context, f)
				if err != nil {
					return err
				}
				fmt.Printf("%s\tknown-bad=%v\n", res.Hash, res.KnownBad)
				return nil
			},
		},
	},
}

var tokenCmd = &cli.Command{
	Name:  "token",
	Usage: "sign a bearer token for local testing",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "jwt-secret",
			Required: true,
			EnvVars:  []string{"JWT_SECRET"},
		},
		&cli.StringFlag{
			Name:     "user",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "role",
			Value: "user",
		},
		&cli.DurationFlag{
			Name:  "ttl",
			Value: time.Hour,
		},
	},
	Action: func(cctx *cli.Context) error {
		secret, err := mustSecret(cctx.String("jwt-secret"))
		if err != nil {
			return err
		}
		tok, err := IssueToken(secret, cctx.String("user"), cctx.String("role"), cctx.Duration("ttl"))
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}
