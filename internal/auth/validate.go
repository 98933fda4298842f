// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CredCore Contributors

package auth

import (
	"errors"
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/samber/oops"
)

// Username and name length limits.
const (
	MinUsernameLength = 3
	MaxUsernameLength = 30
	MaxNameLength     = 50
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

const passwordSpecials = `!@#$%^&*()_+-=[]{};':"\|,.<>/?`

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		// Registration cannot fail for these tags: the names are fixed and the funcs non-nil.
		_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
			return usernameValid(fl.Field().String())
		})
		_ = v.RegisterValidation("password_policy", func(fl validator.FieldLevel) bool {
			return passwordPolicyProblem(fl.Field().String()) == ""
		})
		_ = v.RegisterValidation("role", func(fl validator.FieldLevel) bool {
			s := fl.Field().String()
			return s == "" || Role(s).Valid()
		})
		validate = v
	})
	return validate
}

func usernameValid(s string) bool {
	n := utf8.RuneCountInString(s)
	return n >= MinUsernameLength && n <= MaxUsernameLength && usernamePattern.MatchString(s)
}

// passwordPolicyProblem returns a description of the first unmet rule, or "".
func passwordPolicyProblem(s string) string {
	if utf8.RuneCountInString(s) < MinPasswordLength {
		return "must be at least 8 characters long"
	}
	var lower, upper, digit, special bool
	for _, r := range s {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		case strings.ContainsRune(passwordSpecials, r):
			special = true
		}
	}
	switch {
	case !lower:
		return "must contain at least one lowercase letter"
	case !upper:
		return "must contain at least one uppercase letter"
	case !digit:
		return "must contain at least one number"
	case !special:
		return "must contain at least one special character"
	}
	return ""
}

// registrationRequest mirrors RegisterInput with validation tags.
type registrationRequest struct {
	Username  string `validate:"required,username"`
	Email     string `validate:"required,email"`
	Password  string `validate:"required,password_policy"`
	Role      string `validate:"role"`
	FirstName string `validate:"max=50"`
	LastName  string `validate:"max=50"`
}

// ValidateRegistration applies the syntactic registration policy. The lifecycle
// itself does not call it: integrators run it before Register.
func ValidateRegistration(in RegisterInput) error {
	req := registrationRequest{
		Username:  strings.TrimSpace(in.Username),
		Email:     strings.TrimSpace(in.Email),
		Password:  in.Password,
		Role:      string(in.Role),
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
	}
	return translateValidation(requestValidator().Struct(req))
}

// ValidateUsername checks length and charset.
func ValidateUsername(username string) error {
	return translateValidation(requestValidator().Var(username, "required,username"), "username")
}

// ValidateEmail checks address syntax.
func ValidateEmail(email string) error {
	return translateValidation(requestValidator().Var(strings.TrimSpace(email), "required,email"), "email")
}

// ValidatePasswordPolicy checks password complexity.
func ValidatePasswordPolicy(password string) error {
	if problem := passwordPolicyProblem(password); problem != "" {
		return oops.Code(CodeWeakInput).
			With("field", "password").
			Wrapf(ErrWeakInput, "password %s", problem)
	}
	return nil
}

func translateValidation(err error, field ...string) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return oops.Code(CodeInvalidInput).Wrap(err)
	}

	fe := verrs[0]
	name := strings.ToLower(fe.Field())
	if len(field) > 0 {
		name = field[0]
	}

	if fe.Tag() == "password_policy" {
		return ValidatePasswordPolicy(fe.Value().(string))
	}

	return oops.Code(CodeInvalidInput).
		With("field", name).
		With("rule", fe.Tag()).
		Wrapf(ErrInvalidInput, "%s", fieldMessage(name, fe.Tag()))
}

func fieldMessage(field, tag string) string {
	switch tag {
	case "required":
		return field + " is required"
	case "username":
		return "username must be 3-30 characters of letters, numbers, and underscores"
	case "email":
		return "please provide a valid email address"
	case "role":
		return "invalid role specified"
	case "max":
		return field + " cannot exceed 50 characters"
	default:
		return field + " is invalid"
	}
}
