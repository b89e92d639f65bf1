package request

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/edvin/vmcache/internal/model"
	"github.com/edvin/vmcache/internal/tracker"
)

var validate = validator.New()

var regionRegex = regexp.MustCompile(`^[a-z]{2}(-[a-z0-9]+)+$`)

func init() {
	validate.RegisterValidation("vmpassword", func(fl validator.FieldLevel) bool {
		return tracker.ValidatePassword(fl.Field().String()) == nil
	})
	validate.RegisterValidation("region", func(fl validator.FieldLevel) bool {
		return regionRegex.MatchString(fl.Field().String())
	})
	validate.RegisterValidation("imagetype", func(fl validator.FieldLevel) bool {
		return model.ValidImageType(fl.Field().String())
	})
}

func Decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

// DecodeOptional is Decode for endpoints whose body may be empty.
func DecodeOptional(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

func RequireID(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("missing required ID")
	}
	return s, nil
}

// SplitIDs parses a comma separated id list, dropping empty entries.
func SplitIDs(s string) []string {
	var ids []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// ImageType validates the optional image type query value, defaulting to
// public images.
func ImageType(s string) (string, error) {
	if s == "" {
		return model.ImagePublic, nil
	}
	if err := validate.Var(s, "imagetype"); err != nil {
		return "", fmt.Errorf("unknown image type %q", s)
	}
	return s, nil
}
