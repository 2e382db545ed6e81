package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"lyric-bot/config"
	"lyric-bot/fixture"
	"lyric-bot/logging"
	"lyric-bot/lyrics"
	"lyric-bot/metrics"
	"lyric-bot/model"
	"lyric-bot/router"
	"lyric-bot/service"
	"lyric-bot/storage"
	"lyric-bot/twitch"
)

var (
	localFile  string
	logFile    string
	logLevel   string
	lyricsFile string
	username   string
)

var rootCmd = &cobra.Command{
	Use:   "lyric-bot",
	Short: "Replies to chat mentions with song lyrics",
	Long: `lyric-bot listens to Twitch chat and answers every message that mentions
it with the lyric line that shares the most words with the message.

With --local it replays a recorded YAML/JSON list of stream records instead
of connecting, and only logs the replies it would send.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&localFile, "local", "", "use a script of records instead of going live")
	rootCmd.Flags().StringVar(&logFile, "log-file", "", "file to log to (stdout by default)")
	rootCmd.Flags().StringVar(&logLevel, "level", "", "log level for output (env LOG_LEVEL, default CRITICAL)")
	rootCmd.Flags().StringVar(&lyricsFile, "lyrics", "", "lyrics file, one line per lyric (env LYRICS_FILE)")
	rootCmd.Flags().StringVar(&username, "username", "", "bot username (env BOT_USERNAME)")
}

func run(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	if logLevel != "" {
		cfg.Bot.LogLevel = logLevel
	}
	if lyricsFile != "" {
		cfg.Bot.LyricsFile = lyricsFile
	}
	if username != "" {
		cfg.Bot.Username = username
		cfg.Twitch.Username = username
	}

	live := localFile == ""
	if err := cfg.Validate(live); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	level, err := logging.ParseLevel(cfg.Bot.LogLevel)
	if err != nil {
		return err
	}

	var out io.Writer = os.Stdout
	if logFile != "" {
		f, err := os.Create(logFile)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		out = f
	}

	logger := logging.New(out, level)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := lyrics.LoadFile(cfg.Bot.LyricsFile)
	if err != nil {
		return err
	}
	logger.Info("lyrics loaded", "file", cfg.Bot.LyricsFile, "lines", store.Len())

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	rc := router.Config{
		Self:     model.Username(cfg.Bot.Username),
		Selector: store,
		Logger:   logger,
	}

	if live {
		rc.Self = twitch.Login(cfg.Bot.Username)
		cfg.Twitch.Username = string(rc.Self)
		src := twitch.NewSource(cfg.Twitch, logger)
		rc.Source = src
		rc.Poster = src
	} else {
		records, err := fixture.LoadFile(localFile)
		if err != nil {
			return err
		}
		rc.Source = fixture.NewSource(records)
		rc.Poster = router.LogPoster{Log: logger}
	}

	if cfg.Postgres.Enabled() {
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN())
		if err != nil {
			return fmt.Errorf("pgxpool.New: %w", err)
		}
		defer pool.Close()

		if err := storage.EnsureSchema(ctx, pool); err != nil {
			return err
		}

		batchCtx, stopBatcher := context.WithCancel(context.Background())
		batcher := storage.NewBatcher(batchCtx, pool, storage.BatchConfig{
			MaxBatch:      cfg.Batch.MaxBatch,
			FlushEvery:    cfg.Batch.FlushEvery,
			ChanBuffer:    cfg.Batch.ChanBuffer,
			StatsLogEvery: cfg.Batch.StatsLogEvery,
			FlushTimeout:  cfg.Batch.FlushTimeout,
		})
		defer func() {
			stopBatcher()
			<-batcher.Done()
		}()

		handler := service.NewHandler(batcher, pool, cfg.Batch.FlushTimeout)
		rc.Handlers = handler.Events()
		rc.OnReply = handler.HandleReply
	}

	r, err := router.New(rc)
	if err != nil {
		return err
	}

	if err := service.New(r).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("router stopped", "error", err)
		return err
	}

	logger.Info("shutting down")
	return nil
}
