package auth

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/nbutton23/zxcvbn-go"
)

const specialChars = "!\"#$%&'()*+,-./:;<=>?@[\\]^_{|}~`"

// ErrWeakPassword wraps every policy rejection.
var ErrWeakPassword = errors.New("password does not meet policy")

// ValidateOptions configures Validate.
type ValidateOptions struct {
	MinLength      int
	RequireUpper   bool
	RequireDigit   bool
	RequireSpecial bool
	// MinScore is the minimum zxcvbn score (0-4); 0 disables the estimate.
	MinScore int
	// UserInputs are vault-specific words (name, username) that zxcvbn penalises.
	UserInputs []string
}

// DefaultValidateOptions returns the master password policy.
func DefaultValidateOptions() ValidateOptions {
	return ValidateOptions{
		MinLength:      12,
		RequireUpper:   true,
		RequireDigit:   true,
		RequireSpecial: true,
		MinScore:       3,
	}
}

// Strength is a zxcvbn estimate.
type Strength struct {
	Score            int
	Entropy          float64
	CrackTimeDisplay string
}

// CheckStrength estimates how guessable pw is.
func CheckStrength(pw string, userInputs ...string) Strength {
	res := zxcvbn.PasswordStrength(pw, userInputs)
	return Strength{
		Score:            res.Score,
		Entropy:          res.Entropy,
		CrackTimeDisplay: res.CrackTimeDisplay,
	}
}

// ValidateMasterPassword applies the default composition rules without the
// strength estimate.
func ValidateMasterPassword(pw string) error {
	opts := DefaultValidateOptions()
	opts.MinScore = 0
	return Validate(pw, opts)
}

// Validate checks pw against opts. Rejections wrap ErrWeakPassword.
func Validate(pw string, opts ValidateOptions) error {
	if len([]rune(pw)) < opts.MinLength {
		return fmt.Errorf("%w: must be at least %d characters long", ErrWeakPassword, opts.MinLength)
	}
	if opts.RequireUpper && !hasUpper(pw) {
		return fmt.Errorf("%w: must include an uppercase letter", ErrWeakPassword)
	}
	if opts.RequireDigit && !hasDigit(pw) {
		return fmt.Errorf("%w: must include a digit", ErrWeakPassword)
	}
	if opts.RequireSpecial && !hasSpecial(pw) {
		return fmt.Errorf("%w: must include a special character", ErrWeakPassword)
	}
	if opts.MinScore > 0 {
		if s := CheckStrength(pw, opts.UserInputs...); s.Score < opts.MinScore {
			return fmt.Errorf("%w: too guessable (score %d, crack time %s)", ErrWeakPassword, s.Score, s.CrackTimeDisplay)
		}
	}
	return nil
}

func hasUpper(s string) bool {
	for _, r := range s {
		if unicode.IsUpper(r) {
			return true
		}
	}
	return false
}

func hasDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func hasSpecial(s string) bool {
	for _, r := range s {
		if strings.ContainsRune(specialChars, r) {
			return true
		}
	}
	return false
}
