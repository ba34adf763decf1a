package discord

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nekodelia/mercy/internal/event"
)

// Handle publishes scanner events. Exchange finds carry the confirming
// viewport as an attached PNG when one exists; phase changes are dropped to
// keep the channel readable.
func (b *Bot) Handle(ctx context.Context, e event.Event) error {
	switch evt := e.(type) {
	case event.ExchangeFoundEvent:
		marker := "(unconfirmed)"
		if evt.Confirmed {
			marker = ""
		}
		message := fmt.Sprintf("**Exchange found** K:%d X:%d Y:%d %s", evt.Kingdom, evt.X, evt.Y, marker)
		fileName := ""
		if len(e.Screenshot()) > 0 {
			fileName = fmt.Sprintf("k%d_x%d_y%d.png", evt.Kingdom, evt.X, evt.Y)
		}
		return b.sendEventMessage(ctx, message, fileName, e.Screenshot())
	case event.ScanStartedEvent:
		return b.sendEventMessage(ctx, evt.Message(), "", nil)
	case event.ScanFinishedEvent:
		message := fmt.Sprintf("Kingdom %d scan finished: %d exchanges in %s", evt.Kingdom, evt.Found, evt.Duration.Round(time.Second))
		return b.sendEventMessage(ctx, message, "", nil)
	case event.ScannerErrorEvent:
		return b.sendEventMessage(ctx, fmt.Sprintf(":warning: %s", evt.Message()), "", nil)
	case event.PhaseChangedEvent:
		return nil
	}
	return nil
}

func (b *Bot) sendEventMessage(ctx context.Context, message, fileName string, fileData []byte) error {
	if b.useWebhook {
		return b.webhookClient.Send(ctx, message, fileName, fileData)
	}

	msg := &discordgo.MessageSend{Content: message}
	if fileName != "" && len(fileData) > 0 {
		msg.Files = []*discordgo.File{{
			Name:        fileName,
			ContentType: "image/png",
			Reader:      bytes.NewReader(fileData),
		}}
	}
	_, err := b.discordSession.ChannelMessageSendComplex(b.channelID, msg)
	return err
}
