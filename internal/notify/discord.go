// Package notify pushes operator-facing notifications about the sync
// engine to Discord. Notifications are best effort: a failed send is
// logged and dropped, it never blocks or fails session persistence.
package notify

import (
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/sweeplog/sweeplog/internal/vacuum"
)

const (
	colorSuccess = 0x00CC66
	colorError   = 0xCC3333
)

// DiscordSession abstracts the discordgo.Session methods used by
// Discord, enabling mock-based testing without real Discord API calls.
type DiscordSession interface {
	Open() error
	Close() error
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type realDiscordSession struct {
	s *discordgo.Session
}

func (r *realDiscordSession) Open() error {
	return r.s.Open()
}

func (r *realDiscordSession) Close() error {
	return r.s.Close()
}

func (r *realDiscordSession) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendEmbed(channelID, embed, options...)
}

// Discord posts session and fault embeds to a single channel. It
// satisfies the engine's Notifier interface.
type Discord struct {
	session   DiscordSession
	channelID string
	logger    *zap.Logger
}

// NewDiscord creates a Discord notifier with a real discordgo session.
func NewDiscord(token, channelID string, logger *zap.Logger) (*Discord, error) {
	if token == "" {
		return nil, fmt.Errorf("discord bot token is required")
	}
	if channelID == "" {
		return nil, fmt.Errorf("discord channel id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	return &Discord{
		session:   &realDiscordSession{s: dg},
		channelID: channelID,
		logger:    logger,
	}, nil
}

// NewDiscordWithSession creates a Discord notifier with an injected
// session (for testing).
func NewDiscordWithSession(session DiscordSession, channelID string, logger *zap.Logger) *Discord {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discord{
		session:   session,
		channelID: channelID,
		logger:    logger,
	}
}

// Start opens the Discord gateway session.
func (d *Discord) Start() error {
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	return nil
}

// Stop closes the Discord session.
func (d *Discord) Stop() error {
	if err := d.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	return nil
}

// SessionCompleted posts a summary embed for a persisted session.
func (d *Discord) SessionCompleted(s vacuum.CompletedSession, life vacuum.LifetimeAggregate) {
	embed := &discordgo.MessageEmbed{
		Title:       "Cleaning finished",
		Description: fmt.Sprintf("Cleaned **%.1f m²** in **%d min**.", s.CleanAreaM2, s.Minutes()),
		Color:       colorSuccess,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Started", Value: s.StartedAt.Local().Format("2006-01-02 15:04"), Inline: true},
			{Name: "Battery", Value: fmt.Sprintf("%d%% to %d%%", s.BatteryStart, s.BatteryEnd), Inline: true},
			{Name: "Fan", Value: valueOrDash(s.FanPower), Inline: true},
			{Name: "Lifetime sessions", Value: fmt.Sprintf("%d", life.TotalSessions), Inline: true},
			{Name: "Lifetime area", Value: fmt.Sprintf("%.1f m²", life.TotalAreaM2), Inline: true},
		},
		Timestamp: s.EndedAt.UTC().Format(time.RFC3339),
	}
	d.send(embed)
}

// EngineFaulted posts a red embed when the engine gives up.
func (d *Discord) EngineFaulted(reason string) {
	embed := &discordgo.MessageEmbed{
		Title:       "Sync engine faulted",
		Description: fmt.Sprintf("The sync loop stopped and needs attention:\n```%s```", reason),
		Color:       colorError,
	}
	d.send(embed)
}

func (d *Discord) send(embed *discordgo.MessageEmbed) {
	if _, err := d.session.ChannelMessageSendEmbed(d.channelID, embed); err != nil {
		d.logger.Warn("discord notification failed",
			zap.String("title", embed.Title),
			zap.Error(err),
		)
	}
}

// valueOrDash returns the value or "-" if empty.
func valueOrDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
