package config

import (
	"reflect"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// Validator is implemented by configuration structs that need checks
// beyond `required` tags. Validate runs after the tag checks pass. An
// *sserr.Error is returned unchanged; any other error is wrapped with
// [sserr.CodeValidation].
//
//	func (c *CacheConfig) Validate() error {
//	    if c.RefreshThreshold <= 0 || c.RefreshThreshold > 1 {
//	        return sserr.Validationf("config: refresh threshold %v out of (0, 1]", c.RefreshThreshold)
//	    }
//	    return nil
//	}
type Validator interface {
	Validate() error
}

func validate(cfg any, rv reflect.Value) error {
	if err := validateRequired(rv, ""); err != nil {
		return err
	}
	v, ok := cfg.(Validator)
	if !ok {
		return nil
	}
	err := v.Validate()
	if err == nil {
		return nil
	}
	if _, isSSErr := sserr.AsError(err); isSSErr {
		return err
	}
	return sserr.Wrap(err, sserr.CodeValidation, "config: custom validation failed")
}

// validateRequired reports the first zero field tagged `required:"true"`,
// naming it by dotted path (e.g. "Remote.TenantID").
func validateRequired(rv reflect.Value, path string) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rv.Field(i)
		sf := rt.Field(i)
		if !field.CanSet() {
			continue
		}

		fieldPath := sf.Name
		if path != "" {
			fieldPath = path + "." + sf.Name
		}

		if field.Kind() == reflect.Struct && sf.Type != durationType {
			if err := validateRequired(field, fieldPath); err != nil {
				return err
			}
			continue
		}
		if sf.Tag.Get("required") == "true" && field.IsZero() {
			return sserr.Newf(sserr.CodeValidationRequired,
				"config: required field %q is empty", fieldPath)
		}
	}
	return nil
}
