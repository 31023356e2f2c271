package classifier

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/mixelka/junkguard/pkg/models"
)

//go:embed defaults.toml
var defaultPolicy string

// Keep reasons
const (
	KeepNewsletter = "newsletter"
	KeepReceipt    = "receipt"
	KeepSocial     = "social_media"
)

// Policy wordlists driving the classifier and the keep heuristics
type Policy struct {
	Filter FilterPolicy `toml:"filter"`
	Keep   KeepPolicy   `toml:"keep"`

	patterns []*compiledPattern
}

// FilterPolicy default inappropriate-content lists
type FilterPolicy struct {
	Keywords    []string `toml:"keywords"`
	Patterns    []string `toml:"patterns"`
	AltKeywords []string `toml:"alt_keywords"`
}

// KeepPolicy substrings that identify mail worth keeping
type KeepPolicy struct {
	Newsletter     []string `toml:"newsletter"`
	Receipt        []string `toml:"receipt"`
	SocialSenders  []string `toml:"social_senders"`
	SocialKeywords []string `toml:"social_keywords"`
}

type compiledPattern struct {
	source string
	re     *regexp.Regexp
}

// DefaultPolicy returns the embedded policy
func DefaultPolicy() (*Policy, error) {
	p := &Policy{}
	if _, err := toml.Decode(defaultPolicy, p); err != nil {
		return nil, fmt.Errorf("failed to decode default policy: %w", err)
	}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadPolicy loads the embedded defaults and overlays path when non-empty
func LoadPolicy(path string) (*Policy, error) {
	p := &Policy{}
	if _, err := toml.Decode(defaultPolicy, p); err != nil {
		return nil, fmt.Errorf("failed to decode default policy: %w", err)
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, p); err != nil {
			return nil, fmt.Errorf("failed to load policy file %s: %w", path, err)
		}
	}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Policy) compile() error {
	p.Filter.Keywords = lowerAll(p.Filter.Keywords)
	p.Filter.AltKeywords = lowerAll(p.Filter.AltKeywords)
	p.Keep.Newsletter = lowerAll(p.Keep.Newsletter)
	p.Keep.Receipt = lowerAll(p.Keep.Receipt)
	p.Keep.SocialSenders = lowerAll(p.Keep.SocialSenders)
	p.Keep.SocialKeywords = lowerAll(p.Keep.SocialKeywords)

	p.patterns = p.patterns[:0]
	for _, src := range p.Filter.Patterns {
		re, err := models.CompileRule(src)
		if err != nil {
			return fmt.Errorf("policy pattern %q: %w", src, err)
		}
		p.patterns = append(p.patterns, &compiledPattern{source: src, re: re})
	}
	return nil
}

// MatchKeep returns the first keep reason enabled by prefs that matches the message
func (p *Policy) MatchKeep(prefs *models.JunkMailPreferences, subject, body, sender string) (string, bool) {
	if prefs == nil {
		return "", false
	}

	text := strings.ToLower(subject + " " + body)
	from := strings.ToLower(sender)

	if prefs.KeepNewsletters && (containsAny(text, p.Keep.Newsletter) || strings.Contains(from, "newsletter")) {
		return KeepNewsletter, true
	}
	if prefs.KeepReceipts && containsAny(text, p.Keep.Receipt) {
		return KeepReceipt, true
	}
	if prefs.KeepSocialMedia && (senderDomainMatches(from, p.Keep.SocialSenders) || containsAny(text, p.Keep.SocialKeywords)) {
		return KeepSocial, true
	}
	return "", false
}

func containsAny(text string, needles []string) bool {
	_, ok := firstContained(text, needles)
	return ok
}

func firstContained(text string, needles []string) (string, bool) {
	for _, n := range needles {
		if n != "" && strings.Contains(text, n) {
			return n, true
		}
	}
	return "", false
}

// senderDomainMatches matches the sender's domain or any parent domain
func senderDomainMatches(sender string, domains []string) bool {
	at := strings.LastIndex(sender, "@")
	if at < 0 {
		return false
	}
	domain := sender[at+1:]
	for _, d := range domains {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
