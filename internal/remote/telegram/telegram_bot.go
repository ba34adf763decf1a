// Package telegram mirrors scanner events into a Telegram chat and answers
// a small set of plain-text commands from that chat.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/nekodelia/mercy/internal/event"
	"github.com/nekodelia/mercy/internal/exchange"
	"github.com/nekodelia/mercy/internal/scanner"
)

type Bot struct {
	bot     *tgbotapi.BotAPI
	chatID  int64
	logger  *slog.Logger
	scanner *scanner.Scanner
	store   *exchange.Store
}

func (b *Bot) Start(ctx context.Context) error {
	offset, err := b.getLatestOffset()
	if err != nil {
		return err
	}

	u := tgbotapi.NewUpdate(offset)
	u.Timeout = 5
	updates := b.bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.bot.StopReceivingUpdates()
			for range updates {
			}
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message != nil && update.Message.Chat != nil && update.Message.Chat.ID == b.chatID {
				b.handleCommand(strings.ToLower(strings.TrimSpace(update.Message.Text)))
			}
		}
	}
}

func (b *Bot) handleCommand(text string) {
	switch text {
	case "status", "/status":
		st := b.scanner.Status()
		msg := fmt.Sprintf("Phase: %s, %d exchanges found", st.Phase, st.ExchangesFound)
		if st.CurrentKingdom != nil {
			msg += fmt.Sprintf(", kingdom %d", *st.CurrentKingdom)
		}
		if st.LastError != "" {
			msg += "\nLast error: " + st.LastError
		}
		b.send(msg)
	case "exchanges", "/exchanges":
		records := b.store.Snapshot()
		if len(records) == 0 {
			b.send("No exchanges found yet.")
			return
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "%d exchanges:\n", len(records))
		for _, rec := range records {
			state := "estimate"
			if rec.Confirmed {
				state = "confirmed"
			}
			fmt.Fprintf(&sb, "K:%d X:%d Y:%d (%s)\n", rec.Kingdom, rec.X, rec.Y, state)
		}
		b.send(sb.String())
	}
}

func (b *Bot) getLatestOffset() (int, error) {
	upds, err := b.bot.GetUpdates(tgbotapi.NewUpdate(-1))
	if err != nil {
		return 0, err
	}
	offset := 0
	if len(upds) > 0 {
		offset = upds[0].UpdateID + 1
	}
	return offset, nil
}

// Handle pushes scanner events into the chat. Exchange finds with a
// screenshot go out as a photo message.
func (b *Bot) Handle(ctx context.Context, e event.Event) error {
	switch e.(type) {
	case event.ExchangeFoundEvent, event.ScanFinishedEvent, event.ScannerErrorEvent:
	default:
		return nil
	}

	if shot := e.Screenshot(); len(shot) > 0 {
		photo := tgbotapi.NewPhoto(b.chatID, tgbotapi.FileBytes{Name: "exchange.png", Bytes: shot})
		photo.Caption = e.Message()
		_, err := b.bot.Send(photo)
		return err
	}
	b.send(e.Message())
	return nil
}

func (b *Bot) send(text string) {
	if _, err := b.bot.Send(tgbotapi.NewMessage(b.chatID, text)); err != nil {
		b.logger.Warn("Telegram send failed", slog.Any("error", err))
	}
}
