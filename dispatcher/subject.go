package dispatcher

import (
	"fmt"
	"strings"

	berr "github.com/next-trace/scg-authz-service/contract/errors"
)

const (
	tokenOne  = "*"
	tokenRest = ">"
)

func parsePattern(pattern string) ([]string, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern: %w", berr.ErrInvalidMessage)
	}

	tokens := strings.Split(pattern, ".")
	for i, t := range tokens {
		if t == "" {
			return nil, fmt.Errorf("empty token: %w", berr.ErrInvalidMessage)
		}

		if t == tokenRest && i != len(tokens)-1 {
			return nil, fmt.Errorf("%q must be the last token: %w", tokenRest, berr.ErrInvalidMessage)
		}
	}

	return tokens, nil
}

// MatchSubject reports whether subject matches the NATS pattern.
func MatchSubject(pattern, subject string) bool {
	tokens, err := parsePattern(pattern)
	if err != nil {
		return false
	}

	return matchTokens(tokens, subject)
}

func matchTokens(pattern []string, subject string) bool {
	if subject == "" {
		return false
	}

	parts := strings.Split(subject, ".")

	for i, p := range pattern {
		if p == tokenRest {
			return len(parts) > i
		}

		if i >= len(parts) {
			return false
		}

		if p != tokenOne && p != parts[i] {
			return false
		}
	}

	return len(parts) == len(pattern)
}
