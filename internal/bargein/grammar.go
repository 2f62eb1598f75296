package bargein

import (
	"encoding/xml"
	"fmt"
	"os"
	"strings"
)

const grammarRoot = "bargein"

type srgsGrammar struct {
	XMLName xml.Name `xml:"grammar"`
	XMLNS   string   `xml:"xmlns,attr"`
	Lang    string   `xml:"xml:lang,attr"`
	Version string   `xml:"version,attr"`
	Mode    string   `xml:"mode,attr"`
	Root    string   `xml:"root,attr"`
	Rule    srgsRule `xml:"rule"`
}

type srgsRule struct {
	ID      string       `xml:"id,attr"`
	Scope   string       `xml:"scope,attr"`
	OneOf   *srgsOneOf   `xml:"one-of,omitempty"`
	RuleRef *srgsRuleRef `xml:"ruleref,omitempty"`
}

type srgsOneOf struct {
	Items []srgsItem `xml:"item"`
}

type srgsItem struct {
	Text    string       `xml:",chardata"`
	RuleRef *srgsRuleRef `xml:"ruleref,omitempty"`
}

type srgsRuleRef struct {
	Special string `xml:"special,attr"`
}

// Grammar renders the recognition grammar. No keywords yields an open
// grammar that accepts anything; otherwise the keywords are alternatives
// next to a garbage branch.
func Grammar(keywords []string) ([]byte, error) {
	g := srgsGrammar{
		XMLNS:   "http://www.w3.org/2001/06/grammar",
		Lang:    "en-US",
		Version: "1.0",
		Mode:    "voice",
		Root:    grammarRoot,
		Rule:    srgsRule{ID: grammarRoot, Scope: "public"},
	}

	var items []srgsItem
	seen := make(map[string]bool, len(keywords))
	for _, k := range keywords {
		k = strings.TrimSpace(strings.ToLower(k))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		items = append(items, srgsItem{Text: k})
	}

	if len(items) == 0 {
		g.Rule.RuleRef = &srgsRuleRef{Special: "GARBAGE"}
	} else {
		items = append(items, srgsItem{RuleRef: &srgsRuleRef{Special: "GARBAGE"}})
		g.Rule.OneOf = &srgsOneOf{Items: items}
	}

	out, err := xml.MarshalIndent(g, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("bargein: render grammar: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// writeGrammar stores the grammar in a temporary file the caller removes.
func writeGrammar(dir string, keywords []string) (string, error) {
	body, err := Grammar(keywords)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, "bargein-*.gram")
	if err != nil {
		return "", fmt.Errorf("bargein: create grammar: %w", err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("bargein: write grammar: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("bargein: close grammar: %w", err)
	}
	return f.Name(), nil
}
