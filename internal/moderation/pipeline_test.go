package moderation

import (
	"context"
	"errors"
	"testing"

	"github.com/parlor/chat-service/internal/room"
)

// In-memory dependency fakes.

type fakeBans struct {
	banned bool
	reason string
	err    error
	calls  int
}

func (f *fakeBans) IsBanned(ctx context.Context, username, roomName string) (bool, string, error) {
	f.calls++
	return f.banned, f.reason, f.err
}

type fakeSettings struct {
	settings room.Settings
	err      error
	calls    int
}

func (f *fakeSettings) GetOrCreateSettings(ctx context.Context, roomID int64) (room.Settings, error) {
	f.calls++
	if f.err != nil {
		return room.Settings{}, f.err
	}
	return f.settings, nil
}

type fakeRates struct {
	exceeded bool
	err      error
	calls    int
}

func (f *fakeRates) Exceeded(ctx context.Context, username string, roomID int64, capPerMinute int) (bool, error) {
	f.calls++
	return f.exceeded, f.err
}

func defaultSettings() room.Settings {
	return room.Settings{
		RoomID:               1,
		Enabled:              true,
		MaxMessagesPerMinute: 10,
		EnableToxicityFilter: true,
	}
}

func testRoom() *room.Room {
	return &room.Room{ID: 1, Name: "general"}
}

func newTestPipeline(bans *fakeBans, settings *fakeSettings, rates *fakeRates) *Pipeline {
	return New(bans, settings, rates, Config{})
}

func TestModerate_CleanMessageAccepted(t *testing.T) {
	p := newTestPipeline(&fakeBans{}, &fakeSettings{settings: defaultSettings()}, &fakeRates{})

	d, err := p.Moderate(context.Background(), "alice", testRoom(), "hello there")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Blocked {
		t.Fatalf("clean message blocked: stage=%s reason=%q", d.Stage, d.Reason)
	}
}

func TestModerate_BannedUserBlockedBeforeSettings(t *testing.T) {
	bans := &fakeBans{banned: true, reason: "You are permanently banned. Reason: abuse"}
	settings := &fakeSettings{settings: defaultSettings()}
	p := newTestPipeline(bans, settings, &fakeRates{})

	d, err := p.Moderate(context.Background(), "mallory", testRoom(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Blocked || d.Stage != StageBan {
		t.Fatalf("want ban block, got %+v", d)
	}
	if d.Reason != bans.reason {
		t.Errorf("reason = %q, want %q", d.Reason, bans.reason)
	}
	if settings.calls != 0 {
		t.Errorf("settings consulted %d times for a banned user, want 0", settings.calls)
	}
}

func TestModerate_DisabledSettingsAcceptEverything(t *testing.T) {
	st := defaultSettings()
	st.Enabled = false
	rates := &fakeRates{exceeded: true}
	p := newTestPipeline(&fakeBans{}, &fakeSettings{settings: st}, rates)

	// Content that would trip toxicity, spam and rate limiting.
	d, err := p.Moderate(context.Background(), "alice", testRoom(), "you stupid idiot, free bitcoin here")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Blocked {
		t.Fatalf("disabled moderation still blocked: %+v", d)
	}
	if rates.calls != 0 {
		t.Errorf("rate checker consulted with moderation disabled")
	}
}

func TestModerate_DisabledSettingsStillEnforceBans(t *testing.T) {
	st := defaultSettings()
	st.Enabled = false
	bans := &fakeBans{banned: true, reason: "You are banned. Reason: spam"}
	p := newTestPipeline(bans, &fakeSettings{settings: st}, &fakeRates{})

	d, _ := p.Moderate(context.Background(), "mallory", testRoom(), "hello")
	if !d.Blocked || d.Stage != StageBan {
		t.Fatalf("want ban block even with moderation disabled, got %+v", d)
	}
}

func TestModerate_LengthBounds(t *testing.T) {
	p := newTestPipeline(&fakeBans{}, &fakeSettings{settings: defaultSettings()}, &fakeRates{})

	long := make([]byte, 0, 1100)
	for i := 0; i < 1100; i++ {
		long = append(long, 'a'+byte(i%3)) // avoid repeated-run detection
	}

	d, _ := p.Moderate(context.Background(), "alice", testRoom(), string(long))
	if !d.Blocked || d.Stage != StageLength {
		t.Fatalf("want length block for 1100 chars, got %+v", d)
	}
}

func TestModerate_ProhibitedWords(t *testing.T) {
	p := newTestPipeline(&fakeBans{}, &fakeSettings{settings: defaultSettings()}, &fakeRates{})

	tests := []string{
		"kill yourself",
		"you should k!ll y0urself",
		"k i l l yourself",
	}
	for _, content := range tests {
		d, _ := p.Moderate(context.Background(), "alice", testRoom(), content)
		if !d.Blocked || d.Stage != StageProhibited {
			t.Errorf("Moderate(%q) = %+v, want prohibited block", content, d)
		}
		if d.Reason != "Message contains prohibited language" {
			t.Errorf("Moderate(%q) reason = %q", content, d.Reason)
		}
	}
}

func TestModerate_ProhibitedIgnoresLevelToggles(t *testing.T) {
	// Relaxed level disables every optional group; prohibited words must
	// still block.
	p := New(&fakeBans{}, &fakeSettings{settings: defaultSettings()}, &fakeRates{},
		Config{Level: LevelRelaxed})

	d, _ := p.Moderate(context.Background(), "alice", testRoom(), "kill yourself")
	if !d.Blocked || d.Stage != StageProhibited {
		t.Fatalf("relaxed level skipped the prohibited-word check: %+v", d)
	}
}

func TestModerate_CustomBlockedWords(t *testing.T) {
	st := defaultSettings()
	st.BlockedWords = "dummkopf\n  meanie  \n"
	p := newTestPipeline(&fakeBans{}, &fakeSettings{settings: st}, &fakeRates{})

	d, _ := p.Moderate(context.Background(), "alice", testRoom(), "you total dummkopf")
	if !d.Blocked || d.Stage != StageCustomWords {
		t.Fatalf("want custom-word block, got %+v", d)
	}
	if d.Reason != "Be polite" {
		t.Errorf("reason = %q, want %q", d.Reason, "Be polite")
	}

	// Word-boundary matching: no block inside a longer word.
	d, _ = p.Moderate(context.Background(), "alice", testRoom(), "the meanies are a band")
	if d.Blocked {
		t.Fatalf("substring of custom word blocked: %+v", d)
	}
}

func TestModerate_ToxicityNeedsTwoDistinctIndicators(t *testing.T) {
	p := newTestPipeline(&fakeBans{}, &fakeSettings{settings: defaultSettings()}, &fakeRates{})

	d, _ := p.Moderate(context.Background(), "alice", testRoom(), "what an idiot move")
	if d.Blocked {
		t.Fatalf("single toxic indicator blocked: %+v", d)
	}

	d, _ = p.Moderate(context.Background(), "alice", testRoom(), "you stupid pathetic person")
	if !d.Blocked || d.Stage != StageToxicity {
		t.Fatalf("two toxic indicators not blocked: %+v", d)
	}

	// Repeating one indicator is still a single distinct match.
	d, _ = p.Moderate(context.Background(), "alice", testRoom(), "idiot idiot idiot move")
	if d.Stage == StageToxicity {
		t.Fatalf("repeated single indicator tripped toxicity: %+v", d)
	}
}

func TestModerate_ToxicityFilterDisabled(t *testing.T) {
	st := defaultSettings()
	st.EnableToxicityFilter = false
	p := newTestPipeline(&fakeBans{}, &fakeSettings{settings: st}, &fakeRates{})

	d, _ := p.Moderate(context.Background(), "alice", testRoom(), "you stupid pathetic person")
	if d.Blocked {
		t.Fatalf("toxicity blocked with the filter disabled: %+v", d)
	}
}

func TestModerate_SpamIndicators(t *testing.T) {
	p := newTestPipeline(&fakeBans{}, &fakeSettings{settings: defaultSettings()}, &fakeRates{})

	d, _ := p.Moderate(context.Background(), "alice", testRoom(), "get FREE BITCOIN today friends")
	if !d.Blocked || d.Stage != StageSpam {
		t.Fatalf("want spam block, got %+v", d)
	}
}

func TestModerate_SuspiciousBeforeRateLimit(t *testing.T) {
	rates := &fakeRates{exceeded: true}
	p := newTestPipeline(&fakeBans{}, &fakeSettings{settings: defaultSettings()}, rates)

	d, _ := p.Moderate(context.Background(), "alice", testRoom(), "visit http://spamsite.com now")
	if !d.Blocked || d.Stage != StageSuspicious {
		t.Fatalf("want suspicious-pattern block, got %+v", d)
	}
	if rates.calls != 0 {
		t.Errorf("rate limiter evaluated %d times before the URL block, want 0", rates.calls)
	}
}

func TestModerate_RateLimit(t *testing.T) {
	rates := &fakeRates{exceeded: true}
	p := newTestPipeline(&fakeBans{}, &fakeSettings{settings: defaultSettings()}, rates)

	d, _ := p.Moderate(context.Background(), "alice", testRoom(), "hello there")
	if !d.Blocked || d.Stage != StageRateLimit {
		t.Fatalf("want rate-limit block, got %+v", d)
	}
	if d.Reason != "Message rate limit exceeded: 10 per minute" {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestModerate_FailOpenOnBanStoreError(t *testing.T) {
	bans := &fakeBans{err: errors.New("connection refused")}
	p := newTestPipeline(bans, &fakeSettings{settings: defaultSettings()}, &fakeRates{})

	d, err := p.Moderate(context.Background(), "alice", testRoom(), "hello there")
	if d.Blocked {
		t.Fatalf("ban store outage blocked a message: %+v", d)
	}

	var depErr *DependencyError
	if !errors.As(err, &depErr) {
		t.Fatalf("want DependencyError, got %v", err)
	}
	if depErr.Stage != StageBan {
		t.Errorf("DependencyError stage = %s, want %s", depErr.Stage, StageBan)
	}
}

func TestModerate_FailOpenOnSettingsError(t *testing.T) {
	settings := &fakeSettings{err: errors.New("relation does not exist")}
	p := newTestPipeline(&fakeBans{}, settings, &fakeRates{})

	// Defaults apply: toxicity on, so two indicators still block.
	d, err := p.Moderate(context.Background(), "alice", testRoom(), "you stupid pathetic person")
	if err == nil {
		t.Fatal("want dependency error to be reported")
	}
	if !d.Blocked || d.Stage != StageToxicity {
		t.Fatalf("default settings not applied on settings failure: %+v", d)
	}

	d, _ = p.Moderate(context.Background(), "alice", testRoom(), "hello there")
	if d.Blocked {
		t.Fatalf("clean message blocked under default settings: %+v", d)
	}
}

func TestModerate_FailOpenOnRateError(t *testing.T) {
	rates := &fakeRates{err: errors.New("timeout")}
	p := newTestPipeline(&fakeBans{}, &fakeSettings{settings: defaultSettings()}, rates)

	d, err := p.Moderate(context.Background(), "alice", testRoom(), "hello there")
	if d.Blocked {
		t.Fatalf("rate counter outage blocked a message: %+v", d)
	}
	var depErr *DependencyError
	if !errors.As(err, &depErr) || depErr.Stage != StageRateLimit {
		t.Fatalf("want rate-limit DependencyError, got %v", err)
	}
}
