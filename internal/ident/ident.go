// Package ident validates account and asset identifiers.
//
// Identifiers follow the NEAR account-id grammar: 2 to 64 characters of
// lowercase alphanumerics separated by '.', '-' or '_', where separators
// never lead, trail or repeat. Assets are identified by the account of
// their token contract, so both share one grammar.
package ident

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ktex/exchange-engine/internal/model"
)

const (
	MinLength = 2
	MaxLength = 64
)

// accountRegex matches: (label.)*label where label = ([a-z0-9]+[-_])*[a-z0-9]+
// Example: usdc.token.near
var accountRegex = regexp.MustCompile(
	`^(([a-z\d]+[\-_])*[a-z\d]+\.)*([a-z\d]+[\-_])*[a-z\d]+$`,
)

var (
	ErrInvalidAccount = fmt.Errorf("%w: invalid account id", model.ErrInvalidInput)
	ErrInvalidLength  = errors.New("ident: account id length out of range")
)

// ID is a validated identifier split into its dot-separated labels.
type ID struct {
	Raw    string   `json:"id"`
	Labels []string `json:"labels"`
}

// Parse validates s and splits it into labels.
func Parse(s string) (*ID, error) {
	if len(s) < MinLength || len(s) > MaxLength {
		return nil, fmt.Errorf("%w: %q has %d characters (expected %d..%d): %w",
			ErrInvalidAccount, s, len(s), MinLength, MaxLength, ErrInvalidLength)
	}
	if !accountRegex.MatchString(s) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAccount, s)
	}
	return &ID{Raw: s, Labels: strings.Split(s, ".")}, nil
}

// Validate reports whether s is a well-formed identifier.
func Validate(s string) error {
	_, err := Parse(s)
	return err
}
