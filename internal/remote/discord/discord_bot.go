// Package discord publishes scanner events to a Discord channel and accepts
// a small command set from whitelisted admins. A webhook-only mode covers
// deployments without a bot token.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nekodelia/mercy/internal/exchange"
	"github.com/nekodelia/mercy/internal/scanner"
)

type Bot struct {
	logger         *slog.Logger
	discordSession *discordgo.Session
	channelID      string
	botAdmins      []string
	scanner        *scanner.Scanner
	store          *exchange.Store
	useWebhook     bool
	webhookClient  *webhookClient
}

func NewBot(logger *slog.Logger, token, channelID string, botAdmins []string, sc *scanner.Scanner, store *exchange.Store, webhookURL string) (*Bot, error) {
	botInstance := &Bot{
		logger:    logger,
		channelID: channelID,
		botAdmins: botAdmins,
		scanner:   sc,
		store:     store,
	}

	if webhookURL != "" {
		botInstance.useWebhook = true
		botInstance.webhookClient = newWebhookClient(webhookURL)
		return botInstance, nil
	}

	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("error creating Discord session: %w", err)
	}
	botInstance.discordSession = dg

	return botInstance, nil
}

func (b *Bot) Start(ctx context.Context) error {
	if b.useWebhook {
		<-ctx.Done()
		return nil
	}

	b.discordSession.AddHandler(b.onMessageCreated)
	b.discordSession.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentMessageContent
	err := b.discordSession.Open()
	if err != nil {
		return fmt.Errorf("error opening connection: %w", err)
	}

	<-ctx.Done()

	return b.discordSession.Close()
}

func (b *Bot) onMessageCreated(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.ID == s.State.User.ID {
		return
	}
	if !slices.Contains(b.botAdmins, m.Author.ID) {
		return
	}
	if !strings.HasPrefix(m.Content, "!") {
		return
	}

	prefix := strings.Split(m.Content, " ")[0]
	switch prefix {
	case "!start":
		b.replyCommand(s, m, b.scanner.Start())
	case "!stop":
		b.replyCommand(s, m, b.scanner.Stop())
	case "!pause":
		b.replyCommand(s, m, b.scanner.Pause())
	case "!scan":
		b.handleScanRequest(s, m)
	case "!status":
		b.handleStatusRequest(s, m)
	case "!exchanges":
		b.handleExchangesRequest(s, m)
	case "!help":
		b.handleHelpRequest(s, m)
	default:
		s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("Unknown command: `%s`. Type `!help` for available commands.", prefix))
	}
}

func (b *Bot) replyCommand(s *discordgo.Session, m *discordgo.MessageCreate, err error) {
	if err != nil {
		s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("Command failed: %s", err))
		return
	}
	s.ChannelMessageSend(m.ChannelID, "Done.")
}

func (b *Bot) handleScanRequest(s *discordgo.Session, m *discordgo.MessageCreate) {
	fields := strings.Fields(m.Content)
	if len(fields) != 2 {
		s.ChannelMessageSend(m.ChannelID, "Usage: `!scan <kingdom>`")
		return
	}
	k, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("`%s` is not a kingdom number", fields[1]))
		return
	}
	mode, err := b.scanner.QueueManualScan(uint32(k))
	if err != nil {
		s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("Manual scan failed: %s", err))
		return
	}
	s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("Manual scan of kingdom %d is %s.", k, mode))
}

func (b *Bot) handleStatusRequest(s *discordgo.Session, m *discordgo.MessageCreate) {
	s.ChannelMessageSend(m.ChannelID, formatStatus(b.scanner.Status()))
}

func (b *Bot) handleExchangesRequest(s *discordgo.Session, m *discordgo.MessageCreate) {
	s.ChannelMessageSend(m.ChannelID, formatExchanges(b.store.Snapshot()))
}

func (b *Bot) handleHelpRequest(s *discordgo.Session, m *discordgo.MessageCreate) {
	help := strings.Join([]string{
		"**Available commands:**",
		"`!start` - start or resume scanning",
		"`!pause` - pause at the next position",
		"`!stop` - stop the current scan",
		"`!scan <kingdom>` - queue a one-off kingdom scan",
		"`!status` - current scanner status",
		"`!exchanges` - list found exchanges",
	}, "\n")
	s.ChannelMessageSend(m.ChannelID, help)
}

func formatStatus(st scanner.Status) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Phase: **%s**", st.Phase)
	if st.CurrentKingdom != nil {
		fmt.Fprintf(&sb, ", kingdom %d", *st.CurrentKingdom)
	}
	fmt.Fprintf(&sb, ", %d exchanges found", st.ExchangesFound)
	if st.ManualScanKingdom != nil {
		fmt.Fprintf(&sb, ", manual scan of %d pending", *st.ManualScanKingdom)
	}
	if st.LastError != "" {
		fmt.Fprintf(&sb, "\nLast error: %s", st.LastError)
	}
	return sb.String()
}

func formatExchanges(records []exchange.Record) string {
	if len(records) == 0 {
		return "No exchanges found yet."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "**%d exchanges:**\n", len(records))
	for _, rec := range records {
		state := "estimate"
		if rec.Confirmed {
			state = "confirmed"
		}
		fmt.Fprintf(&sb, "K:%d X:%d Y:%d (%s)\n", rec.Kingdom, rec.X, rec.Y, state)
	}
	return sb.String()
}
