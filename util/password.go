package util

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Password policy violations. Handlers may show these to the account owner.
var (
	ErrPasswordTooShort     = errors.New("password is too short")
	ErrPasswordTooLong      = errors.New("password is too long")
	ErrPasswordControlChars = errors.New("password contains control characters")
	ErrPasswordClasses      = errors.New("password needs more character classes")
	ErrPasswordCommon       = errors.New("password is too common")
	ErrPasswordUsername     = errors.New("password contains the username")
)

// builtinCommon is checked even when no list file is configured
var builtinCommon = []string{
	"password", "password1", "password123", "123456789012", "qwertyuiop", "letmein",
	"welcome123", "changeme", "admin123", "iloveyou", "p@ssw0rd", "hospital123", "welcome@2026!",
}

// PasswordPolicy enforces complexity rules on new passwords
type PasswordPolicy struct {
	MinLength      int
	MaxLength      int
	RequireClasses int
	ExpirationDays int
	// CommonPasswordFile adds one password per line to the built-in deny list
	CommonPasswordFile string

	once   sync.Once
	common map[string]struct{}
	err    error
}

// DefaultPasswordPolicy requires 12 characters from 3 of 4 classes
func DefaultPasswordPolicy() *PasswordPolicy {
	return &PasswordPolicy{
		MinLength:      12,
		MaxLength:      128,
		RequireClasses: 3,
		ExpirationDays: 90,
	}
}

// LoadCommonPasswords reads the deny list once. A missing file leaves only
// the built-in list.
func (p *PasswordPolicy) LoadCommonPasswords() error {
	p.once.Do(func() {
		p.common = make(map[string]struct{}, len(builtinCommon))
		for _, pw := range builtinCommon {
			p.common[pw] = struct{}{}
		}
		if p.CommonPasswordFile == "" {
			return
		}
		f, err := os.Open(p.CommonPasswordFile)
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		if err != nil {
			p.err = fmt.Errorf("open common passwords: %w", err)
			return
		}
		defer f.Close()

		sc := bufio.NewScanner(f)
		for n := 0; sc.Scan() && n < 100000; n++ {
			if pw := strings.TrimSpace(sc.Text()); pw != "" {
				p.common[strings.ToLower(pw)] = struct{}{}
			}
		}
		if err := sc.Err(); err != nil {
			p.err = fmt.Errorf("read common passwords: %w", err)
		}
	})
	return p.err
}

// Validate checks password against the policy for the given account
func (p *PasswordPolicy) Validate(password, username string) error {
	n := len([]rune(password))
	if n < p.MinLength {
		return fmt.Errorf("%w: minimum %d characters", ErrPasswordTooShort, p.MinLength)
	}
	if p.MaxLength > 0 && n > p.MaxLength {
		return fmt.Errorf("%w: maximum %d characters", ErrPasswordTooLong, p.MaxLength)
	}

	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsControl(r):
			return ErrPasswordControlChars
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			special = true
		}
	}
	classes := 0
	for _, ok := range []bool{upper, lower, digit, special} {
		if ok {
			classes++
		}
	}
	if classes < p.RequireClasses {
		return fmt.Errorf("%w: %d of uppercase, lowercase, digits and symbols", ErrPasswordClasses, p.RequireClasses)
	}

	_ = p.LoadCommonPasswords()
	if _, ok := p.common[strings.ToLower(password)]; ok {
		return ErrPasswordCommon
	}
	if containsUsername(password, username) {
		return ErrPasswordUsername
	}
	return nil
}

// IsPasswordExpired reports whether a password set at changedAt is past the
// expiry window at now. A zero changedAt never expires: seeded accounts
// carry no change date.
func (p *PasswordPolicy) IsPasswordExpired(changedAt, now time.Time) bool {
	if p.ExpirationDays <= 0 || changedAt.IsZero() {
		return false
	}
	return now.After(changedAt.Add(time.Duration(p.ExpirationDays) * 24 * time.Hour))
}

func containsUsername(password, username string) bool {
	username = strings.ToLower(strings.TrimSpace(username))
	if len(username) < 3 {
		return false
	}
	pw := strings.ToLower(password)
	if strings.Contains(pw, username) {
		return true
	}
	runes := []rune(username)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return strings.Contains(pw, string(runes))
}
