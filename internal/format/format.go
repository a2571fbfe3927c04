// Package format canonicalizes generated replies before they are
// classified and posted to chat.
package format

import (
	"strings"
	"unicode/utf8"

	"github.com/rivo/uniseg"
)

// DefaultMaxLength is the chat server's message length limit in
// characters.
const DefaultMaxLength = 512

// DefaultPunctuation is the set of characters that must not touch an
// emote name. Chat renders "PEPE." as plain text instead of the emote.
var DefaultPunctuation = []string{".", ",", "?", "!", "'", "\"", ">", "@", "#", "(", ")", "-", "*", ":"}

// addressExempt lists prefixes that suppress the nick prefix: quotes,
// commands, actions and the amogus meme.
var addressExempt = []string{">", "!", "/me", "ඞ"}

// Options tunes Normalize.
type Options struct {
	// MaxLength caps the output in characters. Zero means
	// DefaultMaxLength.
	MaxLength int
	// StripMarkdown renders markdown to plain text first.
	StripMarkdown bool
	// Addressee, when set, is prefixed to the reply per Address.
	Addressee string
}

// Normalize prepares text for posting. It separates emotes from
// adjacent punctuation in both orderings, folds line breaks into
// spaces, removes emoji grapheme clusters, optionally addresses the
// reply and finally truncates to the length limit without regard to
// word boundaries.
func Normalize(text string, emotes, puncts []string, opts Options) string {
	if opts.StripMarkdown {
		text = StripMarkdown(text)
	}
	if puncts == nil {
		puncts = DefaultPunctuation
	}

	text = SpaceEmotes(text, emotes, puncts)
	text = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(text)
	text = StripEmoji(text)
	text = strings.TrimSpace(text)

	if opts.Addressee != "" {
		text = Address(text, opts.Addressee)
	}

	limit := opts.MaxLength
	if limit <= 0 {
		limit = DefaultMaxLength
	}
	return Truncate(text, limit)
}

// SpaceEmotes inserts a space between every emote and a punctuation
// character touching it.
func SpaceEmotes(text string, emotes, puncts []string) string {
	for _, emote := range emotes {
		if emote == "" || !strings.Contains(text, emote) {
			continue
		}
		for _, p := range puncts {
			text = strings.ReplaceAll(text, emote+p, emote+" "+p)
			text = strings.ReplaceAll(text, p+emote, p+" "+emote)
		}
	}
	return text
}

// Address prefixes the reply with nick so the asker is highlighted,
// unless the reply already names them or opens with a quote, command
// or action marker.
func Address(text, nick string) string {
	if nick == "" || strings.Contains(text, nick) {
		return text
	}
	for _, p := range addressExempt {
		if strings.HasPrefix(text, p) {
			return text
		}
	}
	return nick + " " + text
}

// Truncate cuts text to at most limit runes.
func Truncate(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	n := 0
	for i := range text {
		if n == limit {
			return text[:i]
		}
		n++
	}
	return text
}

// StripEmoji removes every grapheme cluster that renders as an emoji,
// including ZWJ sequences, flags, keycaps and variation-selected
// symbols. Whole clusters are dropped so no orphaned joiners remain.
func StripEmoji(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	gr := uniseg.NewGraphemes(text)
	for gr.Next() {
		if isEmojiCluster(gr.Runes()) {
			continue
		}
		b.WriteString(gr.Str())
	}
	return b.String()
}

func isEmojiCluster(runes []rune) bool {
	if len(runes) == 0 {
		return false
	}
	if isPictographic(runes[0]) {
		return true
	}
	for _, r := range runes[1:] {
		// Emoji presentation selector or combining keycap.
		if r == 0xFE0F || r == 0x20E3 {
			return true
		}
	}
	return false
}

func isPictographic(r rune) bool {
	switch {
	case r >= 0x1F000 && r <= 0x1FAFF: // mahjong through symbols extended-A, includes regional indicators
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols, dingbats
		return true
	case r >= 0x2B00 && r <= 0x2BFF: // arrows and stars used as emoji
		return true
	case r >= 0x1FC00 && r <= 0x1FFFF:
		return true
	case r == 0x200D:
		return true
	}
	return false
}
