// Package tier picks a model cost/latency class for a request.
//
// Select is pure: the same message and Context always produce the same Tier.
package tier

import (
	"regexp"
	"strings"
)

// Tier is a named cost/latency/quality class of model backend.
type Tier string

const (
	Local    Tier = "local"
	Fast     Tier = "fast"
	Balanced Tier = "balanced"
	Premium  Tier = "premium"
)

// All lists tiers from cheapest to most capable.
var All = []Tier{Local, Fast, Balanced, Premium}

// Parse converts a configured tier name. ok is false for unknown names.
func Parse(s string) (Tier, bool) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range All {
		if t == known {
			return t, true
		}
	}
	return "", false
}

// Kind describes why the provider is being called.
type Kind string

const (
	// KindMessage is the first provider call for a user message.
	KindMessage Kind = "message"
	// KindToolFollowup is any call made after a tool result was fed back.
	KindToolFollowup Kind = "tool_followup"
)

// Context carries what the selector needs besides the message text.
type Context struct {
	Kind           Kind
	LocalAvailable bool
}

const (
	shortGreetingLen = 24
	shortQuestionLen = 80
)

var overrideTag = regexp.MustCompile(`(?i)(^|\s)#(local|fast|balanced|premium)\b`)

var greetings = []string{
	"hello", "hi", "hey", "hola", "halo", "yo", "sup",
	"good morning", "good afternoon", "good evening", "good night",
	"what's up", "whats up", "how are you", "how's it going",
	"thanks", "thank you", "thx", "ty",
	"bye", "goodbye", "see you", "cya",
	"ok", "okay", "sure", "yes", "no", "yep", "nope",
	"ping", "are you there", "you there", "still there",
}

var statusPrefixes = []string{
	"what time", "what day", "what date", "what's the time", "whats the time",
	"what is", "what's", "who is", "when is", "where is", "how many", "how much",
	"is the", "are the", "did the", "status", "uptime", "define ",
}

// Select applies the rules in priority order: inline override, tool follow-up,
// short greeting (local), short factual question (fast), premium. Without a
// local tier the greeting rule does not apply, so "hi" lands on premium.
func Select(message string, ctx Context) Tier {
	if t, ok := Override(message); ok {
		return t
	}
	if ctx.Kind == KindToolFollowup {
		return Balanced
	}

	normalized := normalize(message)
	if ctx.LocalAvailable && isGreeting(normalized) {
		return Local
	}
	if isShortFactual(normalized) {
		return Fast
	}
	return Premium
}

// Override returns the tier named by an inline tag such as "#fast".
// When several tags are present the last one wins.
func Override(message string) (Tier, bool) {
	matches := overrideTag.FindAllStringSubmatch(message, -1)
	if len(matches) == 0 {
		return "", false
	}
	return Tier(strings.ToLower(matches[len(matches)-1][2])), true
}

// StripOverride removes inline tier tags so they are not stored or sent on.
// Only the tag and the blanks next to it go; line breaks and indentation
// elsewhere in the message are kept.
func StripOverride(message string) string {
	locs := overrideTag.FindAllStringSubmatchIndex(message, -1)
	if len(locs) == 0 {
		return message
	}

	var b strings.Builder
	last := 0
	for _, loc := range locs {
		start := loc[4] - 1 // the '#'
		end := loc[5]
		for end < len(message) && isBlank(message[end]) {
			end++
		}
		if end == len(message) || message[end] == '\n' || message[end] == '\r' {
			for start > last && isBlank(message[start-1]) {
				start--
			}
		}
		b.WriteString(message[last:start])
		last = end
	}
	b.WriteString(message[last:])
	return strings.TrimSpace(b.String())
}

func isBlank(c byte) bool {
	return c == ' ' || c == '\t'
}

func normalize(message string) string {
	lower := strings.ToLower(strings.TrimSpace(message))
	return strings.TrimRight(lower, "!?.,~ ")
}

func isGreeting(s string) bool {
	if s == "" || len(s) > shortGreetingLen {
		return false
	}
	for _, g := range greetings {
		if s == g || strings.HasPrefix(s, g+" ") || strings.HasSuffix(s, " "+g) {
			return true
		}
	}
	return false
}

func isShortFactual(s string) bool {
	if len(s) > shortQuestionLen || strings.Contains(s, "\n") {
		return false
	}
	for _, p := range statusPrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
