package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"github.com/mixelka/junkguard/pkg/models"
)

// ReasonTrustedSender is the verdict reason for allowlisted senders
const ReasonTrustedSender = "trusted sender"

// RuleSource provides per-user allowlists and custom rules
type RuleSource interface {
	IsEmailTrusted(ctx context.Context, email string, userID int64, accountID *int64) (bool, error)
	ListFilterRules(ctx context.Context, userID int64, accountID *int64) ([]*models.FilterRule, error)
}

// Input is the message content to classify
type Input struct {
	Subject     string
	BodyText    string
	BodyHTML    string
	SenderEmail string
	UserID      int64
	AccountID   *int64
}

// Classifier evaluates messages against default and per-user rules.
// Evaluation order, first match wins: trusted sender, default keywords,
// default patterns, custom literal rules, custom regex rules, HTML alt text.
type Classifier struct {
	policy *Policy
	rules  RuleSource
	logger *slog.Logger

	mu      sync.Mutex
	regexes map[string]*regexp.Regexp // nil value marks a pattern that failed to compile
}

// New creates a new classifier
func New(policy *Policy, rules RuleSource, logger *slog.Logger) *Classifier {
	return &Classifier{
		policy:  policy,
		rules:   rules,
		logger:  logger.With("component", "classifier"),
		regexes: make(map[string]*regexp.Regexp),
	}
}

// Policy returns the wordlists in use
func (c *Classifier) Policy() *Policy {
	return c.policy
}

// Classify returns the verdict for a message; lookup failures are logged and skipped
func (c *Classifier) Classify(ctx context.Context, in Input) models.Verdict {
	if in.SenderEmail != "" && c.rules != nil {
		trusted, err := c.rules.IsEmailTrusted(ctx, in.SenderEmail, in.UserID, in.AccountID)
		if err != nil {
			c.logger.Warn("failed to check trusted sender", "sender", in.SenderEmail, "error", err)
		} else if trusted {
			return models.Verdict{Reason: ReasonTrustedSender}
		}
	}

	text := strings.ToLower(in.Subject + " " + in.BodyText)

	if kw, ok := firstContained(text, c.policy.Filter.Keywords); ok {
		return flagged("Contains inappropriate keyword: %s", kw)
	}

	for _, p := range c.policy.patterns {
		if p.re.MatchString(text) {
			return flagged("Matches inappropriate pattern: %s", p.source)
		}
	}

	if v, ok := c.matchCustomRules(ctx, in, text); ok {
		return v
	}

	if kw, ok := c.matchAltText(in.BodyHTML); ok {
		return flagged("Image alt text contains inappropriate content: %s", kw)
	}

	return models.Verdict{}
}

func (c *Classifier) matchCustomRules(ctx context.Context, in Input, text string) (models.Verdict, bool) {
	if c.rules == nil {
		return models.Verdict{}, false
	}

	rules, err := c.rules.ListFilterRules(ctx, in.UserID, in.AccountID)
	if err != nil {
		c.logger.Warn("failed to load custom rules", "user_id", in.UserID, "error", err)
		return models.Verdict{}, false
	}

	for _, r := range rules {
		if r.IsRegex {
			continue
		}
		if p := strings.ToLower(strings.TrimSpace(r.Pattern)); p != "" && strings.Contains(text, p) {
			return flagged("Matches custom rule: %s", r.Pattern), true
		}
	}

	for _, r := range rules {
		if !r.IsRegex {
			continue
		}
		re := c.regex(r)
		if re != nil && re.MatchString(text) {
			return flagged("Matches custom rule: %s", r.Pattern), true
		}
	}

	return models.Verdict{}, false
}

// regex compiles rule patterns lazily and remembers failures
func (c *Classifier) regex(r *models.FilterRule) *regexp.Regexp {
	c.mu.Lock()
	defer c.mu.Unlock()

	if re, seen := c.regexes[r.Pattern]; seen {
		return re
	}

	re, err := models.CompileRule(r.Pattern)
	if err != nil {
		c.logger.Warn("skipping invalid filter rule", "rule_id", r.ID, "pattern", r.Pattern, "error", err)
		re = nil
	}
	c.regexes[r.Pattern] = re
	return re
}

// matchAltText catches image-only content described by its alt attribute
func (c *Classifier) matchAltText(html string) (string, bool) {
	if html == "" || !strings.Contains(strings.ToLower(html), "alt") {
		return "", false
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		c.logger.Debug("failed to parse HTML body", "error", err)
		return "", false
	}

	var match string
	doc.Find("[alt]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		alt, _ := s.Attr("alt")
		if kw, ok := firstContained(strings.ToLower(alt), c.policy.Filter.AltKeywords); ok {
			match = kw
			return false
		}
		return true
	})

	return match, match != ""
}

func flagged(format string, args ...interface{}) models.Verdict {
	return models.Verdict{Inappropriate: true, Reason: fmt.Sprintf(format, args...)}
}
