package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct-tag constraints and the cross-field rules tags cannot express.
//
// Returns an error listing every violation, formatted as "field: rule".
func Validate(cfg *Config) error {
	var problems []string

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s: failed %s validation", fe.Namespace(), fe.Tag()+paramSuffix(fe)))
		}
	}

	if cfg.Session.MinLargeMessageSize > 0 && cfg.Session.MinLargeMessageSize >= cfg.Server.MaxFrameSize {
		problems = append(problems, "Config.Session.MinLargeMessageSize: must be smaller than server.max_frame_size")
	}
	if cfg.Session.AddressMaxSize < -1 {
		problems = append(problems, "Config.Session.AddressMaxSize: must be -1 (unbounded) or a size")
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func paramSuffix(fe validator.FieldError) string {
	if fe.Param() == "" {
		return ""
	}
	return "=" + fe.Param()
}
