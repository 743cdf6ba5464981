package pipeline

import (
	_ "embed"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed vocab.yaml
var vocabYAML []byte

// Vocabulary holds the fixed term lists the pattern extractor matches
// against, with one compiled word-boundary regexp per term.
type Vocabulary struct {
	Media    []string `yaml:"media"`
	Subjects []string `yaml:"subjects"`
	Styles   []string `yaml:"styles"`
	Colors   []string `yaml:"colors"`

	patterns map[string]*regexp.Regexp
}

// LoadVocabulary parses the embedded vocabulary file and compiles matchers.
func LoadVocabulary() (*Vocabulary, error) {
	var v Vocabulary
	if err := yaml.Unmarshal(vocabYAML, &v); err != nil {
		return nil, eris.Wrap(err, "vocab: unmarshal")
	}

	v.patterns = make(map[string]*regexp.Regexp)
	for _, list := range [][]string{v.Media, v.Subjects, v.Styles, v.Colors} {
		for _, term := range list {
			if _, ok := v.patterns[term]; ok {
				continue
			}
			p, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(term) + `\b`)
			if err != nil {
				return nil, eris.Wrapf(err, "vocab: compile %q", term)
			}
			v.patterns[term] = p
		}
	}
	return &v, nil
}

// FirstMatch returns the first term from the list found in the title, or "".
func (v *Vocabulary) FirstMatch(title string, terms []string) string {
	for _, term := range terms {
		if v.patterns[term].MatchString(title) {
			return strings.ToLower(term)
		}
	}
	return ""
}

// AllMatches returns every term from the list found in the title, in list order.
func (v *Vocabulary) AllMatches(title string, terms []string) []string {
	var out []string
	for _, term := range terms {
		if v.patterns[term].MatchString(title) {
			out = append(out, strings.ToLower(term))
		}
	}
	return out
}
