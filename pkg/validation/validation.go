/*
Copyright 2025 the ICVSB authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package validation holds the primitive checkers every inbound parameter
// goes through, with one typed error per failure kind.
package validation

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

// Typed validation failures. The HTTP layer maps all of them to 400.
var (
	ErrNotInteger             = errors.New("not an integer")
	ErrNotPositiveFloat       = errors.New("not a positive float")
	ErrNotCronLine            = errors.New("not a cron line")
	ErrNotURI                 = errors.New("not an absolute URI")
	ErrNotHTTPDate            = errors.New("not an RFC 2616 HTTP-date")
	ErrUnknownService         = errors.New("unknown service")
	ErrUnknownSeverity        = errors.New("unknown severity")
	ErrMissingWarningCallback = errors.New("warning severity requires a warning callback URI")
)

var (
	cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	// structValidator backs ValidateStruct for request payloads carrying
	// `validate` tags. Field errors report json tag names so they map
	// straight onto problem documents.
	structValidator = newStructValidator()
)

func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Integer parses s as a base-10 integer.
func Integer(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", s, ErrNotInteger)
	}
	return n, nil
}

// PositiveFloat parses s as a float > 0.
func PositiveFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("%q: %w", s, ErrNotPositiveFloat)
	}
	return f, nil
}

// CronLine checks s against the standard five-field cron grammar.
func CronLine(s string) error {
	if _, err := cronParser.Parse(s); err != nil {
		return fmt.Errorf("%q: %w", s, ErrNotCronLine)
	}
	return nil
}

// URI checks that s is a well-formed absolute URI.
func URI(s string) error {
	u, err := url.Parse(s)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%q: %w", s, ErrNotURI)
	}
	return nil
}

// HTTPDate parses s in any of the three RFC 2616 date formats.
func HTTPDate(s string) (time.Time, error) {
	t, err := http.ParseTime(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q: %w", s, ErrNotHTTPDate)
	}
	return t.UTC(), nil
}

// ServiceName checks membership in the closed service set.
func ServiceName(s string) error {
	switch s {
	case "google", "amazon", "azure":
		return nil
	}
	return fmt.Errorf("%q: %w", s, ErrUnknownService)
}

// SeverityName checks membership in the closed severity set.
func SeverityName(s string) error {
	switch s {
	case "exception", "warning", "info", "none":
		return nil
	}
	return fmt.Errorf("%q: %w", s, ErrUnknownSeverity)
}

// ValidateStruct runs tag-based validation over a request payload.
func ValidateStruct(v interface{}) error {
	return structValidator.Struct(v)
}

// FieldProblems flattens a ValidateStruct error into a field → message map
// keyed by json tag names, empty when err is nil.
func FieldProblems(err error) map[string]string {
	problems := map[string]string{}
	if err == nil {
		return problems
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		problems["payload"] = err.Error()
		return problems
	}
	for _, fe := range verrs {
		if fe.Param() != "" {
			problems[fe.Field()] = fmt.Sprintf("failed %s=%s validation", fe.Tag(), fe.Param())
		} else {
			problems[fe.Field()] = fmt.Sprintf("failed %s validation", fe.Tag())
		}
	}
	return problems
}
