package ai

import (
	"regexp"
	"strings"
)

var (
	mentionPattern = buildMentionPattern()
	stripPatterns  = buildStripPatterns()
)

func buildMentionPattern() *regexp.Regexp {
	handles := make([]string, 0, len(Personas))
	for _, p := range Personas {
		handles = append(handles, regexp.QuoteMeta(p.String()))
	}
	return regexp.MustCompile(`(?:^|[^\w@])@(` + strings.Join(handles, "|") + `)\b`)
}

func buildStripPatterns() map[Persona]*regexp.Regexp {
	out := make(map[Persona]*regexp.Regexp, len(Personas))
	for _, p := range Personas {
		out[p] = regexp.MustCompile(`@` + regexp.QuoteMeta(p.String()) + `\b`)
	}
	return out
}

// ExtractMentions returns the distinct personas addressed in content, in
// order of first mention.
func ExtractMentions(content string) []Persona {
	var out []Persona
	seen := make(map[Persona]bool)
	for _, m := range mentionPattern.FindAllStringSubmatch(content, -1) {
		p, ok := ParsePersona(m[1])
		if !ok || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// StripMention removes every mention of p from content and trims the result.
func StripMention(content string, p Persona) string {
	re, ok := stripPatterns[p]
	if !ok {
		return strings.TrimSpace(content)
	}
	return strings.TrimSpace(re.ReplaceAllString(content, ""))
}
