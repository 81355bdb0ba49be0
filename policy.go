package maestro

import (
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// zeroWidthChars are Unicode zero-width and invisible characters sometimes
// pasted into goals from chat clients and PDFs.
var zeroWidthChars = strings.NewReplacer(
	"​", " ", // zero-width space
	"‌", " ", // zero-width non-joiner
	"‍", " ", // zero-width joiner
	"\uFEFF", " ", // zero-width no-break space (BOM)
	"⁠", " ", // word joiner
	"­", "",  // soft hyphen (removed, not replaced)
)

// NormalizeText strips zero-width characters and applies NFKC normalization
// (fullwidth Latin, mathematical alphanumerics, ligatures). All keyword and
// pattern checks in the pipeline run on the normalized form so obfuscated
// input cannot dodge them.
func NormalizeText(s string) string {
	cleaned := zeroWidthChars.Replace(s)
	return norm.NFKC.String(cleaned)
}

var (
	// URLs anywhere in the goal ask for a live fetch.
	webURLPattern = regexp.MustCompile(`(?i)\bhttps?://\S+`)

	// Phrases that ask the assistant to reach the live web. Checked as
	// case-insensitive substrings against the normalized goal.
	webPhrases = []string{
		"найди в интернете",
		"поищи в интернете",
		"погугли",
		"загугли",
		"открой сайт",
		"зайди на сайт",
		"скачай с сайта",
		"search the web",
		"search the internet",
		"search online",
		"google it",
		"google for",
		"browse the web",
		"browse to",
		"fetch the url",
		"open the website",
		"download from the site",
		"look it up online",
	}
)

// Policy gates requests before they reach any model: it resolves the project
// registry and rejects goals that need live web access, which this service
// does not have.
type Policy struct {
	projects       map[string]bool
	defaultProject string
	logger         *slog.Logger
	metrics        *Metrics
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithPolicyLogger sets the structured logger for the policy.
func WithPolicyLogger(l *slog.Logger) PolicyOption {
	return func(p *Policy) { p.logger = l }
}

// WithPolicyMetrics sets the metrics sink for blocked requests.
func WithPolicyMetrics(m *Metrics) PolicyOption {
	return func(p *Policy) { p.metrics = m }
}

// NewPolicy creates a Policy with the given registered project names.
// defaultProject is substituted for unknown or empty project values; it is
// always considered registered.
func NewPolicy(projects []string, defaultProject string, opts ...PolicyOption) *Policy {
	p := &Policy{
		projects:       make(map[string]bool, len(projects)+1),
		defaultProject: defaultProject,
	}
	for _, name := range projects {
		name = strings.TrimSpace(name)
		if name != "" {
			p.projects[name] = true
		}
	}
	if defaultProject != "" {
		p.projects[defaultProject] = true
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = nopLogger
	}
	return p
}

// ResolveProject maps a request's project value onto the registry.
// Unknown and empty values fall back to the default project so downstream
// components never see an unregistered name.
func (p *Policy) ResolveProject(project string) string {
	project = strings.TrimSpace(project)
	if project == "" {
		return p.defaultProject
	}
	if p.projects[project] {
		return project
	}
	p.logger.Debug("unknown project, using default", "project", project, "default", p.defaultProject)
	return p.defaultProject
}

// IsRegistered reports whether project is in the registry.
func (p *Policy) IsRegistered(project string) bool {
	return p.projects[strings.TrimSpace(project)]
}

// BlocksWeb reports whether the goal asks for live web access, and if so the
// matched pattern. The check runs on the normalized, lowercased goal.
func (p *Policy) BlocksWeb(goal string) (bool, string) {
	lower := strings.ToLower(NormalizeText(goal))
	if m := webURLPattern.FindString(lower); m != "" {
		p.blocked(m)
		return true, m
	}
	for _, phrase := range webPhrases {
		if strings.Contains(lower, phrase) {
			p.blocked(phrase)
			return true, phrase
		}
	}
	return false, ""
}

func (p *Policy) blocked(pattern string) {
	p.logger.Warn("web access request blocked", "pattern", pattern)
	p.metrics.WebBlock()
}

// WebDeclineMessage is the deterministic answer returned for goals that need
// live web access. No model is consulted for these.
const WebDeclineMessage = "У меня нет доступа к интернету: я не могу открывать сайты или искать информацию онлайн. " +
	"Могу помочь с задачей на основе локальных знаний — переформулируйте запрос без обращения к вебу."
