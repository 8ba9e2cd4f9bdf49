package password

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Strength bands
const (
	StrengthWeak   = "weak"
	StrengthFair   = "fair"
	StrengthGood   = "good"
	StrengthStrong = "strong"
)

var weakSubstrings = []string{
	"password", "passwort", "qwerty", "azerty", "letmein", "welcome",
	"admin", "login", "abc123", "111111", "123456", "iloveyou", "monkey", "dragon",
}

// Strength is the result of scoring a password
type Strength struct {
	IsValid  bool     `json:"isValid"`
	Errors   []string `json:"errors"`
	Score    int      `json:"score"`
	Strength string   `json:"strength"`
}

// Validate scores password against the policy. The result depends only on the input.
func (p Policy) Validate(password string) Strength {
	var errs []string
	score := 0

	n := utf8.RuneCountInString(password)
	if n < p.MinLength {
		score -= 30
		errs = append(errs, fmt.Sprintf("Password must be at least %d characters long", p.MinLength))
	}
	if n > p.MaxLength {
		errs = append(errs, fmt.Sprintf("Password must be at most %d characters long", p.MaxLength))
	}
	if n >= 8 {
		score += 10
	}
	if n >= 12 {
		score += 10
	}
	if n >= 16 {
		score += 10
	}

	var hasUpper, hasLower, hasNumber, hasSpecial bool
	for _, char := range password {
		switch {
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsLower(char):
			hasLower = true
		case unicode.IsDigit(char):
			hasNumber = true
		case unicode.IsPunct(char) || unicode.IsSymbol(char):
			hasSpecial = true
		}
	}
	classes := []struct {
		ok  bool
		msg string
	}{
		{hasUpper, "Password must contain at least one uppercase letter"},
		{hasLower, "Password must contain at least one lowercase letter"},
		{hasNumber, "Password must contain at least one number"},
		{hasSpecial, "Password must contain at least one special character"},
	}
	for _, c := range classes {
		if c.ok {
			score += 15
		} else {
			errs = append(errs, c.msg)
		}
	}

	if hasRepeatedRun(password, 3) {
		score -= 10
		errs = append(errs, "Password must not repeat the same character three or more times in a row")
	}
	if hasSequentialRun(password, 4) {
		score -= 10
		errs = append(errs, "Password must not contain sequential characters such as abcd or 1234")
	}
	lower := strings.ToLower(password)
	for _, weak := range weakSubstrings {
		if strings.Contains(lower, weak) {
			score -= 20
			errs = append(errs, "Password contains a common pattern")
			break
		}
	}

	score = min(max(score, 0), 100)
	return Strength{
		IsValid:  len(errs) == 0,
		Errors:   errs,
		Score:    score,
		Strength: band(score),
	}
}

func band(score int) string {
	switch {
	case score < 40:
		return StrengthWeak
	case score < 60:
		return StrengthFair
	case score < 80:
		return StrengthGood
	default:
		return StrengthStrong
	}
}

func hasRepeatedRun(s string, n int) bool {
	run := 0
	var prev rune = -1
	for _, r := range s {
		if r == prev {
			run++
		} else {
			run = 1
			prev = r
		}
		if run >= n {
			return true
		}
	}
	return false
}

// hasSequentialRun detects ascending or descending runs of letters or digits
func hasSequentialRun(s string, n int) bool {
	runes := []rune(strings.ToLower(s))
	up, down := 1, 1
	for i := 1; i < len(runes); i++ {
		a, b := runes[i-1], runes[i]
		sameClass := (unicode.IsLetter(a) && unicode.IsLetter(b)) || (unicode.IsDigit(a) && unicode.IsDigit(b))
		switch {
		case sameClass && b == a+1:
			up++
			down = 1
		case sameClass && b == a-1:
			down++
			up = 1
		default:
			up, down = 1, 1
		}
		if up >= n || down >= n {
			return true
		}
	}
	return false
}
