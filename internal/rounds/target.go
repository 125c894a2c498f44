package rounds

import (
	"regexp"
	"strconv"
	"strings"
)

// targetPattern matches the first dollar-denominated number in round copy,
// e.g. "Bitcoin Up or Down - above $43,250.46 at 2:45 PM ET".
var targetPattern = regexp.MustCompile(`\$([0-9][0-9,]*(?:\.[0-9]+)?)`)

// extractTarget pulls the round's price to beat out of human-facing text.
func extractTarget(text string) (float64, bool) {
	m := targetPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
