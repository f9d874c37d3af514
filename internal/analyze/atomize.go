package analyze

import (
	"regexp"
	"strings"
)

var (
	sentenceSplitRe = regexp.MustCompile(`[.;\n!?]+`)
	alsoCueRe       = regexp.MustCompile(`(?i)\b(?:and also|also|additionally|plus|separately)[, ]+`)
	spaceRe         = regexp.MustCompile(`\s+`)
)

// atomize splits one raw message into atomic ask descriptors. It errs on the
// side of over-splitting: merging two unrelated asks silently is the failure
// mode this must never have, and dropping an ask is never acceptable.
func atomize(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	out := make([]string, 0, 2)
	for _, sentence := range sentenceSplitRe.Split(text, -1) {
		for _, chunk := range alsoCueRe.Split(sentence, -1) {
			chunk = spaceRe.ReplaceAllString(strings.TrimSpace(chunk), " ")
			chunk = strings.Trim(chunk, " ,:-")
			if chunk == "" || len(strings.Fields(chunk)) < 2 && !isStandaloneAsk(chunk) {
				continue
			}
			out = append(out, chunk)
		}
	}

	if len(out) == 0 {
		return []string{spaceRe.ReplaceAllString(text, " ")}
	}
	return out
}

// isStandaloneAsk keeps single-word chunks that still read as a request.
func isStandaloneAsk(chunk string) bool {
	switch strings.ToLower(chunk) {
	case "help", "status", "retry":
		return true
	default:
		return false
	}
}
