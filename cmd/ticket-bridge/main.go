// Package main is the entry point for the ticket bridge.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/bwmarrin/discordgo"
	"github.com/mdp/qrterminal/v3"
	"github.com/skip2/go-qrcode"

	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/config"
	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/discord"
	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/instance"
)

var (
	configPath = flag.String("config", "config.yaml", "Path to config file")
	logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error)")
	pairGuild  = flag.String("pair", "", "Guild ID to run a QR pairing flow for at startup")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("ticket bridge starting",
		"config", *configPath,
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
	)

	if err := os.MkdirAll(cfg.InstancesDir(), 0o700); err != nil {
		logger.Error("Failed to create data directory", "error", err)
		os.Exit(1)
	}

	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		logger.Error("Failed to create Discord session", "error", err)
		os.Exit(1)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent

	if err := dg.Open(); err != nil {
		logger.Error("Failed to open Discord session", "error", err)
		os.Exit(1)
	}
	defer dg.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := instance.NewManager(cfg, discord.NewSession(dg), logger, nil)
	defer mgr.Shutdown()

	started := mgr.InitializeAll(ctx)
	logger.Info("fleet up", "instances", started)

	dg.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot || m.GuildID == "" {
			return
		}
		inst, err := mgr.GetByGuildID(m.GuildID)
		if err != nil {
			return
		}
		err = inst.HandleDiscordMessage(ctx, m.ChannelID, m.Author.Username, m.Content)
		if err != nil && !errors.Is(err, instance.ErrNotTicketChannel) &&
			!errors.Is(err, instance.ErrTemporaryInstance) {
			logger.Error("outbound relay failed", "channel_id", m.ChannelID, "error", err)
		}
	})

	if *pairGuild != "" {
		go runPairing(ctx, cfg, mgr, *pairGuild, logger)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig)
	cancel()
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// runPairing runs the QR pairing flow for one guild: the code is written as a
// PNG under the instance directory and rendered to stderr for terminals that
// can show it.
func runPairing(ctx context.Context, cfg *config.Config, mgr *instance.Manager, guildID string, logger *slog.Logger) {
	qr, err := mgr.GenerateQRCode(ctx, guildID)
	switch {
	case errors.Is(err, instance.ErrAlreadyConnected):
		logger.Info("guild already paired, nothing to do", "guild_id", guildID)
		return
	case errors.Is(err, instance.ErrQRTimeout):
		logger.Error("QR pairing timed out", "guild_id", guildID)
		return
	case err != nil:
		logger.Error("QR pairing failed", "guild_id", guildID, "error", err)
		return
	}

	qrFilePath := filepath.Join(cfg.InstanceDir(guildID), "qrcode.png")
	if err := qrcode.WriteFile(qr, qrcode.Medium, 256, qrFilePath); err != nil {
		logger.Error("Failed to save QR code to file", "error", err)
	} else {
		logger.Info("QR code saved to file - open this file to scan", "path", qrFilePath)
	}

	fmt.Fprintln(os.Stderr, "Scan this QR code with WhatsApp on your phone:")
	qrterminal.GenerateHalfBlock(qr, qrterminal.L, os.Stderr)
	fmt.Fprintln(os.Stderr, "")
}
