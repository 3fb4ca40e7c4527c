// Package useragent classifies User-Agent strings as bot or human
// traffic. Patterns follow the common crawler/library signatures; the
// matcher is compiled once and safe for concurrent use.
package useragent

import (
	"sync"

	"go.elara.ws/pcre"
)

// botPatterns covers generic crawler markers plus the HTTP libraries
// most often seen replaying tracking calls.
var botPatterns = []string{
	`(?i)\b(bot|crawler|spider|scraper|slurp)\b`,
	`(?i)(googlebot|bingbot|yandexbot|duckduckbot|baiduspider|applebot)`,
	`(?i)(facebookexternalhit|twitterbot|linkedinbot|telegrambot|whatsapp|slackbot|discordbot)`,
	`(?i)(semrushbot|ahrefsbot|mj12bot|dotbot|petalbot|bytespider)`,
	`(?i)^(curl|wget|python-requests|python-urllib|go-http-client|okhttp|libwww-perl|java)[/ ]`,
	`(?i)(headlesschrome|phantomjs|puppeteer|playwright|selenium)`,
	`(?i)(pingdom|uptimerobot|statuscake|site24x7|gtmetrix|lighthouse)`,
}

// Matcher reports whether a User-Agent belongs to known bot traffic.
type Matcher struct {
	patterns []*pcre.Regexp
}

var (
	defaultMatcher *Matcher
	once           sync.Once
)

// NewMatcher compiles the bot signature patterns.
func NewMatcher() *Matcher {
	patterns := make([]*pcre.Regexp, 0, len(botPatterns))
	for _, pattern := range botPatterns {
		patterns = append(patterns, pcre.MustCompile(pattern))
	}
	return &Matcher{patterns: patterns}
}

// Default returns the shared matcher, compiling it on first use.
func Default() *Matcher {
	once.Do(func() {
		defaultMatcher = NewMatcher()
	})
	return defaultMatcher
}

// IsBot reports whether the User-Agent matches a bot signature. An
// empty User-Agent is not treated as a bot; the ingestion path accepts
// SDK traffic that sends none.
func (m *Matcher) IsBot(userAgent string) bool {
	if userAgent == "" {
		return false
	}
	for _, pattern := range m.patterns {
		if pattern.MatchString(userAgent) {
			return true
		}
	}
	return false
}
