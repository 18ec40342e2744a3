package notify

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/sweeplog/sweeplog/internal/engine"
	"github.com/sweeplog/sweeplog/internal/vacuum"
)

type sentEmbed struct {
	ChannelID string
	Embed     *discordgo.MessageEmbed
}

type mockDiscordSession struct {
	mu sync.Mutex

	openCalled  bool
	closeCalled bool
	sendErr     error
	sent        []sentEmbed
}

func (m *mockDiscordSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openCalled = true
	return nil
}

func (m *mockDiscordSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled = true
	return nil
}

func (m *mockDiscordSession) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, sentEmbed{ChannelID: channelID, Embed: embed})
	return &discordgo.Message{ID: "msg-1"}, nil
}

func testCompletedSession() vacuum.CompletedSession {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)
	return vacuum.CompletedSession{
		ID:           vacuum.SessionID(start, end),
		StartedAt:    start,
		EndedAt:      end,
		CleanAreaM2:  12.5,
		CleanSeconds: 1800,
		BatteryStart: 95,
		BatteryEnd:   71,
		FanPower:     "turbo",
	}
}

func TestNewDiscordValidation(t *testing.T) {
	if _, err := NewDiscord("", "channel-1", zap.NewNop()); err == nil {
		t.Error("expected error for missing token")
	}
	if _, err := NewDiscord("token", "", zap.NewNop()); err == nil {
		t.Error("expected error for missing channel id")
	}
}

func TestSessionCompletedEmbed(t *testing.T) {
	mock := &mockDiscordSession{}
	d := NewDiscordWithSession(mock, "channel-1", zap.NewNop())

	d.SessionCompleted(testCompletedSession(), vacuum.LifetimeAggregate{
		TotalSessions:    3,
		TotalAreaM2:      40.5,
		TotalTimeMinutes: 90,
	})

	if len(mock.sent) != 1 {
		t.Fatalf("sent %d embeds, want 1", len(mock.sent))
	}
	got := mock.sent[0]
	if got.ChannelID != "channel-1" {
		t.Errorf("channel = %q, want channel-1", got.ChannelID)
	}
	if got.Embed.Title != "Cleaning finished" {
		t.Errorf("title = %q", got.Embed.Title)
	}
	if got.Embed.Color != colorSuccess {
		t.Errorf("color = %#x, want %#x", got.Embed.Color, colorSuccess)
	}
	if !strings.Contains(got.Embed.Description, "12.5") || !strings.Contains(got.Embed.Description, "30 min") {
		t.Errorf("description = %q", got.Embed.Description)
	}

	fields := make(map[string]string)
	for _, f := range got.Embed.Fields {
		fields[f.Name] = f.Value
	}
	if fields["Lifetime sessions"] != "3" {
		t.Errorf("lifetime sessions field = %q", fields["Lifetime sessions"])
	}
	if fields["Battery"] != "95% to 71%" {
		t.Errorf("battery field = %q", fields["Battery"])
	}
}

func TestEngineFaultedEmbed(t *testing.T) {
	mock := &mockDiscordSession{}
	d := NewDiscordWithSession(mock, "channel-1", zap.NewNop())

	d.EngineFaulted("store auth: token expired")

	if len(mock.sent) != 1 {
		t.Fatalf("sent %d embeds, want 1", len(mock.sent))
	}
	got := mock.sent[0].Embed
	if got.Color != colorError {
		t.Errorf("color = %#x, want %#x", got.Color, colorError)
	}
	if !strings.Contains(got.Description, "token expired") {
		t.Errorf("description = %q", got.Description)
	}
}

func TestSendFailureIsSwallowed(t *testing.T) {
	mock := &mockDiscordSession{sendErr: fmt.Errorf("http 502")}
	d := NewDiscordWithSession(mock, "channel-1", zap.NewNop())

	// Must not panic or propagate; persistence already happened.
	d.SessionCompleted(testCompletedSession(), vacuum.LifetimeAggregate{})
	d.EngineFaulted("boom")

	if len(mock.sent) != 0 {
		t.Errorf("sent %d embeds despite forced error", len(mock.sent))
	}
}

func TestStartStop(t *testing.T) {
	mock := &mockDiscordSession{}
	d := NewDiscordWithSession(mock, "channel-1", zap.NewNop())

	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !mock.openCalled {
		t.Error("Start did not open the session")
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !mock.closeCalled {
		t.Error("Stop did not close the session")
	}
}

func TestDiscordIsEngineNotifier(t *testing.T) {
	var _ engine.Notifier = (*Discord)(nil)
}
