// Package theme holds the scripted conversation variants a campaign can
// run. Themes are YAML files read once at startup.
package theme

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/acme/outbound-dialer/internal/domain"
)

// Theme is one conversation script.
type Theme struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Prompts     []Prompt    `yaml:"prompts"`
	Closing     string      `yaml:"closing"`
	Intents     []Intent    `yaml:"intents"`
	Objections  []Objection `yaml:"objections"`
}

// Prompt is played through the barge-in detector.
type Prompt struct {
	Name     string   `yaml:"name"`
	File     string   `yaml:"file"`
	Keywords []string `yaml:"keywords"`
}

// Intent maps spoken keywords to a call result.
type Intent struct {
	Result   domain.CallResult `yaml:"result"`
	Keywords []string          `yaml:"keywords"`
}

// Objection is answered with Reply before the call closes.
type Objection struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
	Reply    string   `yaml:"reply"`
}

var classifiable = map[domain.CallResult]bool{
	domain.CallResultLead:          true,
	domain.CallResultNotInterested: true,
	domain.CallResultCallback:      true,
}

// Validate checks the fields the interaction runner relies on.
func (t *Theme) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("theme: name is required")
	}
	if len(t.Prompts) == 0 {
		return fmt.Errorf("theme %s: at least one prompt is required", t.Name)
	}
	for i, p := range t.Prompts {
		if p.File == "" {
			return fmt.Errorf("theme %s: prompt %d has no file", t.Name, i)
		}
	}
	for _, in := range t.Intents {
		if !classifiable[in.Result] {
			return fmt.Errorf("theme %s: intent result %q is not lead, not_interested or callback", t.Name, in.Result)
		}
		if len(in.Keywords) == 0 {
			return fmt.Errorf("theme %s: intent %s has no keywords", t.Name, in.Result)
		}
	}
	return nil
}

// Classify returns the first intent, in declared order, with a keyword in
// the transcript.
func (t *Theme) Classify(transcript string) (domain.CallResult, bool) {
	text := normalize(transcript)
	if text == "" {
		return "", false
	}
	for _, in := range t.Intents {
		if containsAny(text, in.Keywords) {
			return in.Result, true
		}
	}
	return "", false
}

// Objection returns the first objection raised in the transcript.
func (t *Theme) Objection(transcript string) (*Objection, bool) {
	text := normalize(transcript)
	if text == "" {
		return nil, false
	}
	for i := range t.Objections {
		if containsAny(text, t.Objections[i].Keywords) {
			return &t.Objections[i], true
		}
	}
	return nil, false
}

// normalize lowercases and reduces the text to space separated words with
// a leading and trailing space, so phrases match on word boundaries.
func normalize(s string) string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	if len(words) == 0 {
		return ""
	}
	return " " + strings.Join(words, " ") + " "
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if k = normalize(k); k != "" && strings.Contains(text, k) {
			return true
		}
	}
	return false
}
