// Package moderation implements the automatic message-moderation pipeline:
// an ordered, short-circuiting chain of checks (ban, settings, length,
// prohibited words, custom blocked words, toxicity, spam, suspicious
// patterns, rate limit) that decides accept or block for every inbound chat
// message before it may be persisted or broadcast.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/parlor/chat-service/internal/lexicon"
	"github.com/parlor/chat-service/internal/room"
)

// Stage identifies which pipeline stage produced a decision.
type Stage string

const (
	StageBan         Stage = "ban"
	StageSettings    Stage = "settings"
	StageLength      Stage = "length"
	StageProhibited  Stage = "prohibited_words"
	StageCustomWords Stage = "custom_words"
	StageToxicity    Stage = "toxicity"
	StageSpam        Stage = "spam"
	StageSuspicious  Stage = "suspicious_patterns"
	StageRateLimit   Stage = "rate_limit"
)

// Decision is the pipeline outcome for one message.
type Decision struct {
	Blocked bool
	Reason  string // human-readable, sent to the client when blocked
	Stage   Stage  // which stage blocked; empty on accept
}

// Accept is the zero decision.
var Accept = Decision{}

// DependencyError reports that a stage's external dependency (ban store,
// settings, rate counter) failed. The pipeline fails open on these: the
// message is not blocked, but the failure is surfaced to the caller so
// fail-open stays a visible, testable policy instead of a swallowed
// exception.
type DependencyError struct {
	Stage Stage
	Err   error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("moderation: %s dependency failed: %v", e.Stage, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// BanChecker answers whether a user has an in-effect ban covering a room.
// Implemented by ban.Store.
type BanChecker interface {
	IsBanned(ctx context.Context, username, roomName string) (bool, string, error)
}

// SettingsSource resolves (creating if needed) a room's moderation settings.
// Implemented by room.Store.
type SettingsSource interface {
	GetOrCreateSettings(ctx context.Context, roomID int64) (room.Settings, error)
}

// RateChecker answers whether a user has reached the room's per-minute cap.
// Implemented by ratelimit.Limiter.
type RateChecker interface {
	Exceeded(ctx context.Context, username string, roomID int64, capPerMinute int) (bool, error)
}

// Level selects which optional stage groups run. The prohibited-word check is
// mandatory at every level and cannot be disabled.
type Level struct {
	Name        string
	CustomWords bool
	Toxicity    bool
	Spam        bool
	Suspicious  bool
}

// Strictness levels. Moderate is the default.
var (
	LevelStrict   = Level{Name: "strict", CustomWords: true, Toxicity: true, Spam: true, Suspicious: true}
	LevelModerate = Level{Name: "moderate", CustomWords: true, Toxicity: true, Spam: true, Suspicious: true}
	LevelRelaxed  = Level{Name: "relaxed", CustomWords: true}
)

// LevelByName returns the named level, defaulting to moderate.
func LevelByName(name string) Level {
	switch strings.ToLower(name) {
	case "strict":
		return LevelStrict
	case "relaxed":
		return LevelRelaxed
	default:
		return LevelModerate
	}
}

// Config tunes a Pipeline. Zero-value fields fall back to the default
// lexicon lists, default limits and the moderate level.
type Config struct {
	Limits          lexicon.Limits
	Level           Level
	ProhibitedWords []string
	ToxicIndicators []string
	SpamIndicators  []string
}

// Pipeline is the ordered moderation decision function plus its dependencies.
type Pipeline struct {
	bans     BanChecker
	settings SettingsSource
	rates    RateChecker

	limits     lexicon.Limits
	level      Level
	prohibited []string
	toxic      []string
	spam       []string
}

// New creates a Pipeline with the given dependencies and configuration.
func New(bans BanChecker, settings SettingsSource, rates RateChecker, cfg Config) *Pipeline {
	if cfg.Limits == (lexicon.Limits{}) {
		cfg.Limits = lexicon.DefaultLimits()
	}
	if cfg.Level.Name == "" {
		cfg.Level = LevelModerate
	}
	if cfg.ProhibitedWords == nil {
		cfg.ProhibitedWords = lexicon.ProhibitedWords
	}
	if cfg.ToxicIndicators == nil {
		cfg.ToxicIndicators = lexicon.ToxicIndicators
	}
	if cfg.SpamIndicators == nil {
		cfg.SpamIndicators = lexicon.SpamIndicators
	}

	return &Pipeline{
		bans:       bans,
		settings:   settings,
		rates:      rates,
		limits:     cfg.Limits,
		level:      cfg.Level,
		prohibited: cfg.ProhibitedWords,
		toxic:      cfg.ToxicIndicators,
		spam:       cfg.SpamIndicators,
	}
}

// Moderate runs the full pipeline for one candidate message. The first stage
// that blocks wins and later stages never run. Dependency failures never
// block: the stage is skipped, the failure is logged and reported through the
// returned error (which callers may inspect or just log), and the decision
// remains usable either way.
func (p *Pipeline) Moderate(ctx context.Context, username string, rm *room.Room, content string) (Decision, error) {
	var depErrs []error

	// 1. Ban check. Runs before settings resolution so disabled-moderation
	// rooms still enforce bans.
	banned, banReason, err := p.bans.IsBanned(ctx, username, rm.Name)
	if err != nil {
		log.Printf("[moderation] ban check failed for %q (failing open): %v", username, err)
		depErrs = append(depErrs, &DependencyError{Stage: StageBan, Err: err})
	} else if banned {
		return Decision{Blocked: true, Reason: banReason, Stage: StageBan}, errors.Join(depErrs...)
	}

	// 2. Settings resolution, creating defaults on first access. On failure
	// the defaults apply directly.
	settings, err := p.settings.GetOrCreateSettings(ctx, rm.ID)
	if err != nil {
		log.Printf("[moderation] settings lookup failed for room %q (using defaults): %v", rm.Name, err)
		depErrs = append(depErrs, &DependencyError{Stage: StageSettings, Err: err})
		settings = room.Settings{
			RoomID:               rm.ID,
			Enabled:              true,
			MaxMessagesPerMinute: room.DefaultMaxMessagesPerMinute,
			EnableToxicityFilter: true,
		}
	}
	if !settings.Enabled {
		return Accept, errors.Join(depErrs...)
	}

	// 3. Length bounds.
	if d := p.checkLength(content); d.Blocked {
		return d, errors.Join(depErrs...)
	}

	// 4. Prohibited words. Mandatory at every level.
	if _, found := lexicon.MatchAny(content, p.prohibited); found {
		return Decision{
			Blocked: true,
			Reason:  "Message contains prohibited language",
			Stage:   StageProhibited,
		}, errors.Join(depErrs...)
	}

	// 5. Room's own blocked words.
	if p.level.CustomWords {
		if _, found := lexicon.MatchAny(content, settings.BlockedWordsList()); found {
			return Decision{Blocked: true, Reason: "Be polite", Stage: StageCustomWords}, errors.Join(depErrs...)
		}
	}

	// 6. Toxicity: two or more distinct indicators. A single insult is left
	// to the prohibited/custom stages.
	if p.level.Toxicity && settings.EnableToxicityFilter {
		if lexicon.CountDistinct(content, p.toxic, 2) >= 2 {
			return Decision{
				Blocked: true,
				Reason:  "Toxic message (multiple insults)",
				Stage:   StageToxicity,
			}, errors.Join(depErrs...)
		}
	}

	// 7. Spam indicators: plain substring match, no word boundary.
	if p.level.Spam {
		lowered := strings.ToLower(content)
		for _, indicator := range p.spam {
			if strings.Contains(lowered, indicator) {
				return Decision{Blocked: true, Reason: "Spam detected", Stage: StageSpam}, errors.Join(depErrs...)
			}
		}
	}

	// 8. Suspicious patterns (flooding, shouting, links).
	if p.level.Suspicious {
		if d := checkSuspiciousPatterns(content, p.limits); d.Blocked {
			return d, errors.Join(depErrs...)
		}
	}

	// 9. Rate limit, last so blocked content never consumes budget checks.
	exceeded, err := p.rates.Exceeded(ctx, username, rm.ID, settings.MaxMessagesPerMinute)
	if err != nil {
		log.Printf("[moderation] rate check failed for %q (failing open): %v", username, err)
		depErrs = append(depErrs, &DependencyError{Stage: StageRateLimit, Err: err})
	} else if exceeded {
		return Decision{
			Blocked: true,
			Reason:  fmt.Sprintf("Message rate limit exceeded: %d per minute", settings.MaxMessagesPerMinute),
			Stage:   StageRateLimit,
		}, errors.Join(depErrs...)
	}

	return Accept, errors.Join(depErrs...)
}

// checkLength enforces the configured min/max message length in runes.
func (p *Pipeline) checkLength(content string) Decision {
	n := utf8.RuneCountInString(content)
	if n < p.limits.MinMessageLength {
		return Decision{Blocked: true, Reason: "Message is too short", Stage: StageLength}
	}
	if n > p.limits.MaxMessageLength {
		return Decision{
			Blocked: true,
			Reason:  fmt.Sprintf("Message is too long (max %d characters)", p.limits.MaxMessageLength),
			Stage:   StageLength,
		}
	}
	return Accept
}
