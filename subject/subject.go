// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package subject

import (
	"errors"
	"fmt"
	"strings"
)

// MaxTokens is the maximum number of dot-delimited tokens in a subject
// or pattern.
const MaxTokens = 16

const (
	// TokenSingle matches exactly one token in its position.
	TokenSingle = "*"

	// TokenTail matches one or more trailing tokens. Final position only.
	TokenTail = ">"
)

// ErrInvalid is the match target for all subject and pattern
// validation failures: errors.Is(err, subject.ErrInvalid).
var ErrInvalid = errors.New("invalid subject")

// ValidationError reports why a subject or pattern was rejected. It
// matches ErrInvalid via errors.Is.
type ValidationError struct {
	// Input is the rejected subject or pattern.
	Input string

	// Reason is a short human-readable cause.
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid subject %q: %s", e.Input, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

// Split returns the dot-delimited tokens of s. It performs no
// validation; Split("") returns one empty token, like strings.Split.
func Split(s string) []string {
	return strings.Split(s, ".")
}

// Validate checks s as a concrete subject: 1 to MaxTokens tokens, each
// [A-Za-z0-9_-]+, no wildcards.
func Validate(s string) error {
	tokens, err := checkShape(s)
	if err != nil {
		return err
	}
	for i, token := range tokens {
		if !literalToken(token) {
			return &ValidationError{Input: s, Reason: fmt.Sprintf("token %d %q: only [A-Za-z0-9_-] allowed", i+1, token)}
		}
	}
	return nil
}

// ValidatePattern checks s as a subscription pattern: the subject
// grammar plus "*" anywhere and ">" in the final position only.
func ValidatePattern(s string) error {
	tokens, err := checkShape(s)
	if err != nil {
		return err
	}
	for i, token := range tokens {
		switch token {
		case TokenSingle:
		case TokenTail:
			if i != len(tokens)-1 {
				return &ValidationError{Input: s, Reason: `">" is only valid in the final position`}
			}
		default:
			if !literalToken(token) {
				return &ValidationError{Input: s, Reason: fmt.Sprintf("token %d %q: only [A-Za-z0-9_-] allowed", i+1, token)}
			}
		}
	}
	return nil
}

// Match reports whether subj matches pattern. Both are assumed to have
// passed their respective validation; malformed input simply fails to
// match.
func Match(subj, pattern string) bool {
	if subj == "" || pattern == "" {
		return false
	}
	subjectTokens := Split(subj)
	patternTokens := Split(pattern)

	for i, token := range patternTokens {
		if token == TokenTail {
			// One or more remaining subject tokens, final position only.
			return i == len(patternTokens)-1 && len(subjectTokens) > i
		}
		if i >= len(subjectTokens) {
			return false
		}
		if token == TokenSingle {
			continue
		}
		if token != subjectTokens[i] {
			return false
		}
	}
	return len(subjectTokens) == len(patternTokens)
}

// Overlaps reports whether a and b can name the same subject, testing
// Match in each direction. Wildcards may appear on either side, which
// is how a pattern publish reaches the literal endpoints it covers.
func Overlaps(a, b string) bool {
	return Match(a, b) || Match(b, a)
}

// checkShape validates token count and absence of empty tokens, the
// rules shared by subjects and patterns.
func checkShape(s string) ([]string, error) {
	if s == "" {
		return nil, &ValidationError{Input: s, Reason: "empty"}
	}
	tokens := Split(s)
	if len(tokens) > MaxTokens {
		return nil, &ValidationError{Input: s, Reason: fmt.Sprintf("%d tokens exceeds the maximum of %d", len(tokens), MaxTokens)}
	}
	for i, token := range tokens {
		if token == "" {
			return nil, &ValidationError{Input: s, Reason: fmt.Sprintf("empty token at position %d", i+1)}
		}
	}
	return tokens, nil
}

// literalToken reports whether token consists solely of subject
// characters.
func literalToken(token string) bool {
	if token == "" {
		return false
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}
