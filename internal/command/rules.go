package command

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"text/template"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

//go:embed default_rules.yaml
var defaultRules []byte

// ErrNoMatch is returned when no rule accepts the text and there is no fallback.
var ErrNoMatch = errors.New("command: no rule matches")

// Match selects the messages a rule applies to.
type Match struct {
	Contains []string `yaml:"contains"`
	Equals   []string `yaml:"equals"`
}

// Outcome is what a rule does: URLs to open, a line to speak and a line to show.
type Outcome struct {
	Open    []string `yaml:"open"`
	Say     string   `yaml:"say"`
	Display string   `yaml:"display"`
}

// Rule maps a family of messages to an outcome.
type Rule struct {
	Name     string `yaml:"name"`
	Match    Match  `yaml:"match"`
	Fallback bool   `yaml:"fallback"`

	// Strip is a case-insensitive pattern removed from the message to obtain the query.
	Strip string `yaml:"strip"`
	// MinQuery is the shortest query (in runes) that counts as present. Defaults to 1.
	MinQuery int `yaml:"min_query"`
	// QueryFromMessage uses the whole message when the stripped query is too short.
	QueryFromMessage bool `yaml:"query_from_message"`

	Outcome `yaml:",inline"`

	// Empty, when set, replaces the outcome if no query is left.
	Empty *Outcome `yaml:"empty"`

	strip *regexp.Regexp
	full  compiledOutcome
	empty *compiledOutcome
}

type compiledOutcome struct {
	open    []*template.Template
	say     *template.Template
	display *template.Template
}

// Ruleset is an ordered command vocabulary.
type Ruleset struct {
	QuickTriggers []string `yaml:"quick_triggers"`
	Rules         []Rule   `yaml:"rules"`
}

// Action is the resolved result of a message.
type Action struct {
	Rule    string   `json:"rule"`
	Query   string   `json:"query,omitempty"`
	URLs    []string `json:"urls,omitempty"`
	Say     string   `json:"say,omitempty"`
	Display string   `json:"display"`
}

// templateData is what rule templates can reference.
type templateData struct {
	Message string
	Query   string
	Time    string
	Date    string
}

var funcs = template.FuncMap{"escape": EscapeComponent}

// EscapeComponent escapes s for use inside a URL path segment or query value,
// encoding spaces as %20.
func EscapeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// DefaultRuleset parses the embedded vocabulary.
func DefaultRuleset() (*Ruleset, error) {
	return Parse(defaultRules)
}

// Parse decodes and compiles a YAML ruleset.
func Parse(data []byte) (*Ruleset, error) {
	var rs Ruleset
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	if len(rs.Rules) == 0 {
		return nil, errors.New("decode rules: no rules defined")
	}
	for i := range rs.QuickTriggers {
		rs.QuickTriggers[i] = strings.ToLower(strings.TrimSpace(rs.QuickTriggers[i]))
	}
	for i := range rs.Rules {
		if err := rs.Rules[i].compile(); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rs.Rules[i].Name, err)
		}
	}
	return &rs, nil
}

func (r *Rule) compile() error {
	if r.Name == "" {
		return errors.New("missing name")
	}
	if !r.Fallback && len(r.Match.Contains) == 0 && len(r.Match.Equals) == 0 {
		return errors.New("rule matches nothing")
	}
	if r.MinQuery <= 0 {
		r.MinQuery = 1
	}
	if r.Strip != "" {
		re, err := regexp.Compile("(?i)" + r.Strip)
		if err != nil {
			return fmt.Errorf("strip pattern: %w", err)
		}
		r.strip = re
	}

	full, err := compileOutcome(r.Name, r.Outcome)
	if err != nil {
		return err
	}
	r.full = full
	if r.Empty != nil {
		empty, err := compileOutcome(r.Name+".empty", *r.Empty)
		if err != nil {
			return err
		}
		r.empty = &empty
	}
	return nil
}

func compileOutcome(name string, o Outcome) (compiledOutcome, error) {
	var c compiledOutcome
	if len(o.Open) == 0 && o.Say == "" && o.Display == "" {
		return c, errors.New("outcome does nothing")
	}
	parse := func(kind, text string) (*template.Template, error) {
		t, err := template.New(name + "." + kind).Funcs(funcs).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("%s template: %w", kind, err)
		}
		return t, nil
	}
	for _, u := range o.Open {
		t, err := parse("open", u)
		if err != nil {
			return c, err
		}
		c.open = append(c.open, t)
	}
	var err error
	if c.say, err = parse("say", o.Say); err != nil {
		return c, err
	}
	if c.display, err = parse("display", o.Display); err != nil {
		return c, err
	}
	return c, nil
}

func (r *Rule) matches(msg string) bool {
	if r.Fallback {
		return true
	}
	for _, s := range r.Match.Equals {
		if msg == s {
			return true
		}
	}
	for _, s := range r.Match.Contains {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// query extracts the rule's query from msg, or "" when none is left.
func (r *Rule) query(msg string) string {
	if r.strip == nil {
		return ""
	}
	q := strings.Join(strings.Fields(r.strip.ReplaceAllString(msg, "")), " ")
	if utf8.RuneCountInString(q) >= r.MinQuery {
		return q
	}
	if r.QueryFromMessage && utf8.RuneCountInString(msg) >= r.MinQuery {
		return msg
	}
	return ""
}

// Resolve picks the first rule matching text and renders its outcome. now is
// used for time and date replies and should already be in the user's zone.
func (rs *Ruleset) Resolve(text string, now time.Time) (Action, error) {
	msg := strings.ToLower(strings.TrimSpace(text))

	for i := range rs.Rules {
		r := &rs.Rules[i]
		if !r.matches(msg) {
			continue
		}

		q := r.query(msg)
		outcome := r.full
		if q == "" && r.empty != nil {
			outcome = *r.empty
		}

		data := templateData{
			Message: msg,
			Query:   q,
			Time:    now.Format("15:04"),
			Date:    now.Format("02/01/2006"),
		}
		action, err := outcome.render(data)
		if err != nil {
			return Action{}, fmt.Errorf("rule %s: %w", r.Name, err)
		}
		action.Rule = r.Name
		action.Query = q
		return action, nil
	}
	return Action{}, ErrNoMatch
}

func (c compiledOutcome) render(data templateData) (Action, error) {
	var a Action
	for _, t := range c.open {
		u, err := execute(t, data)
		if err != nil {
			return a, err
		}
		a.URLs = append(a.URLs, u)
	}
	var err error
	if a.Say, err = execute(c.say, data); err != nil {
		return a, err
	}
	if a.Display, err = execute(c.display, data); err != nil {
		return a, err
	}
	return a, nil
}

func execute(t *template.Template, data templateData) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return sb.String(), nil
}
