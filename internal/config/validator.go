package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrMissingHMACKey is returned when no signing key is configured
// outside dev mode.
var ErrMissingHMACKey = errors.New("enforcement HMAC key is required; set ENFORCEMENT_HMAC_KEY or enable dev mode")

// Validate checks field constraints and the cross-field key rule.
func Validate(cfg *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: field %s failed %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if cfg.Security.HMACKey == "" && !cfg.Security.DevMode {
		return ErrMissingHMACKey
	}
	return nil
}
