package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"golang.org/x/sync/errgroup"

	sloggger "github.com/nekodelia/mercy/cmd/mercy/log"
	"github.com/nekodelia/mercy/internal/config"
	"github.com/nekodelia/mercy/internal/detect"
	"github.com/nekodelia/mercy/internal/event"
	"github.com/nekodelia/mercy/internal/exchange"
	"github.com/nekodelia/mercy/internal/game"
	"github.com/nekodelia/mercy/internal/remote/discord"
	"github.com/nekodelia/mercy/internal/remote/telegram"
	"github.com/nekodelia/mercy/internal/scan"
	"github.com/nekodelia/mercy/internal/scanner"
	"github.com/nekodelia/mercy/internal/server"
)

// wrapWithRecover wraps a function with panic recovery logic
func wrapWithRecover(logger *slog.Logger, f func() error) func() error {
	return func() error {
		defer func() {
			if r := recover(); r != nil {
				stackTrace := debug.Stack()
				errMsg := fmt.Sprintf("panic recovered: %v\nStacktrace: %s", r, stackTrace)
				logger.Error(errMsg)
				sloggger.FlushLog()
			}
		}()
		return f()
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Error loading configuration: %s", err.Error())
	}

	logger, err := sloggger.NewLogger(cfg.Debug, "")
	if err != nil {
		log.Fatalf("Error starting logger: %s", err.Error())
	}
	defer sloggger.FlushAndClose()

	detector, err := detect.NewFromFile(cfg.TemplatePath(), detect.DefaultThreshold)
	if err != nil {
		logger.Error("reference template unavailable", slog.String("path", cfg.TemplatePath()), slog.Any("error", err))
		sloggger.FlushAndClose()
		os.Exit(1)
	}

	index, err := scan.NewKnownIndex()
	if err != nil {
		logger.Error("known-location index is corrupt", slog.Any("error", err))
		sloggger.FlushAndClose()
		os.Exit(1)
	}

	exchangeLog, err := exchange.OpenLog(cfg.ExchangeLogPath)
	if err != nil {
		logger.Error("cannot open exchange log", slog.String("path", cfg.ExchangeLogPath), slog.Any("error", err))
		sloggger.FlushAndClose()
		os.Exit(1)
	}
	defer exchangeLog.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	eventListener := event.NewListener(logger)

	store := exchange.NewStore(logger, exchangeLog)
	clock := game.NewClock()
	driver := game.NewRodDriver(logger, game.RodOptions{
		Email:    cfg.Game.Email,
		Password: cfg.Game.Password,
		URL:      cfg.Game.URL,
		Headless: cfg.Game.Headless,
	})
	sc := scanner.New(logger, cfg, driver, clock, detector, store, index)
	srv := server.New(logger, cfg, sc, store, detector, clock)
	eventListener.Register(srv.Handle)

	// Discord Bot initialization
	if cfg.Discord.Token != "" || cfg.Discord.WebhookURL != "" {
		discordBot, err := discord.NewBot(logger, cfg.Discord.Token, cfg.Discord.ChannelID, cfg.Discord.BotAdmins, sc, store, cfg.Discord.WebhookURL)
		if err != nil {
			logger.Error("Discord could not been initialized", slog.Any("error", err))
			return
		}

		eventListener.Register(discordBot.Handle)
		if cfg.Discord.WebhookURL == "" {
			g.Go(wrapWithRecover(logger, func() error {
				return discordBot.Start(ctx)
			}))
		}
	}

	// Telegram Bot initialization
	if cfg.Telegram.Token != "" {
		telegramBot, err := telegram.NewBot(cfg.Telegram.Token, cfg.Telegram.ChatID, logger, sc, store)
		if err != nil {
			logger.Error("Telegram could not been initialized", slog.Any("error", err))
			return
		}

		eventListener.Register(telegramBot.Handle)
		g.Go(wrapWithRecover(logger, func() error {
			return telegramBot.Start(ctx)
		}))
		defer telegramBot.Close()
	}

	g.Go(wrapWithRecover(logger, func() error {
		defer cancel()
		return srv.Listen(ctx)
	}))

	g.Go(wrapWithRecover(logger, func() error {
		defer cancel()
		return eventListener.Listen(ctx)
	}))

	g.Go(wrapWithRecover(logger, func() error {
		return sc.Run(ctx)
	}))

	logger.Info("mercy is up",
		slog.String("listen", cfg.ListenAddr),
		slog.String("pattern", cfg.ScanPattern),
		slog.Int("kingdoms", len(cfg.Kingdoms)))

	if err := g.Wait(); err != nil {
		cancel()
		logger.Error("Error running mercy", slog.Any("error", err))
		sloggger.FlushAndClose()
		os.Exit(1)
	}

	logger.Info("mercy shut down cleanly")
	sloggger.FlushAndClose()
}
