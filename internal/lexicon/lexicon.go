// Package lexicon holds the immutable word lists and text-normalization rules
// used by the moderation pipeline. The lists are pure data: swapping or
// extending them never requires touching pipeline control flow.
package lexicon

// Limits are the tunable content thresholds shared by the length and
// suspicious-pattern checks.
type Limits struct {
	MinMessageLength int     // messages shorter than this are rejected
	MaxMessageLength int     // messages longer than this are rejected
	MaxCapsRatio     float64 // uppercase ratio above this is shouting
}

// DefaultLimits returns the production thresholds.
func DefaultLimits() Limits {
	return Limits{
		MinMessageLength: 1,
		MaxMessageLength: 1000,
		MaxCapsRatio:     0.7,
	}
}

// ProhibitedWords are strictly forbidden terms. The prohibited-word check runs
// against this list on every message and cannot be disabled by room settings.
// Matching is normalization-aware (see Contains), so leet-speak and separator
// obfuscation do not bypass it.
var ProhibitedWords = []string{
	// Slurs and hate speech.
	"nigger",
	"nigga",
	"faggot",
	"kike",
	"spic",
	"chink",
	"wetback",
	"tranny",
	"retard",
	"coon",
	"beaner",
	"raghead",
	"heil hitler",
	"white power",
	"gas the",
	"lynch",
	// Self-harm incitement.
	"kill yourself",
	"kys",
	"go die",
	"hang yourself",
	"slit your wrists",
	"neck yourself",
	"drink bleach",
	// Sexual exploitation.
	"child porn",
	"cp trade",
	"jailbait",
	"loli porn",
	"send nudes",
	"rape you",
	"molest",
	// Violence and threats.
	"bomb threat",
	"shoot up",
	"school shooting",
	"behead",
	"i will kill you",
	"death threat",
	"swat you",
	// Doxxing.
	"dox you",
	"home address leak",
	"swatting",
}

// ToxicIndicators are insults that are individually tolerated but block a
// message when two or more distinct indicators appear together.
var ToxicIndicators = []string{
	"idiot",
	"stupid",
	"moron",
	"imbecile",
	"dumbass",
	"jackass",
	"loser",
	"pathetic",
	"worthless",
	"useless",
	"trash",
	"garbage",
	"scum",
	"filth",
	"vermin",
	"clown",
	"buffoon",
	"ugly",
	"disgusting",
	"repulsive",
	"shut up",
	"nobody likes you",
	"hate you",
	"despise you",
	"braindead",
	"brainless",
	"halfwit",
	"dimwit",
	"cretin",
	"degenerate",
	"freak",
	"weirdo",
	"creep",
	"psycho",
	"lunatic",
	"failure",
	"embarrassment",
	"disgrace",
	"waste of space",
	"piece of shit",
}

// SpamIndicators are matched as plain substrings (no word boundary), since
// spam phrasing tends to glue onto surrounding text.
var SpamIndicators = []string{
	"free money",
	"free bitcoin",
	"free crypto",
	"crypto giveaway",
	"double your money",
	"investment opportunity",
	"guaranteed profit",
	"earn cash fast",
	"make money online",
	"work from home",
	"click here",
	"click this link",
	"limited offer",
	"limited time only",
	"act now",
	"buy now",
	"order now",
	"promo code",
	"discount code",
	"cheap pills",
	"viagra",
	"cialis",
	"casino bonus",
	"jackpot winner",
	"claim your prize",
	"you have won",
	"congratulations you won",
	"subscribe to my channel",
	"follow me on",
	"dm me for",
	"telegram @",
	"whatsapp me",
	"onlyfans.com",
	"hot singles",
	"adult dating",
}
