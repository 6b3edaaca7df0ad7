package config

import (
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/ajitpratap0/erpconnect/pkg/errors"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
			if name == "" || name == "-" {
				return strings.ToLower(fld.Name)
			}
			return name
		})
	})
	return validate
}

// Validate checks required fields in declaration order and reports the first
// failure as a configuration error naming the field. It also checks that the
// credentials variant matches AuthType.
func (c *ConnectorConfig) Validate() error {
	if c == nil {
		return errors.Configuration("", "connector config is nil")
	}

	if err := validatorInstance().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if stderrors.As(err, &verrs) && len(verrs) > 0 {
			return fieldError(verrs[0])
		}
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid connector config")
	}

	if c.Credentials.AuthType() != c.AuthType {
		return errors.Configuration("auth_type", fmt.Sprintf(
			"auth_type %q does not match credentials type %q", c.AuthType, c.Credentials.AuthType()))
	}
	return nil
}

// fieldError converts a validator failure into a configuration error. The
// field path drops the root struct name, e.g. "credentials.client_id".
func fieldError(fe validator.FieldError) *errors.Error {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}

	if fe.Tag() == "required" {
		return errors.MissingField(field)
	}
	msg := fmt.Sprintf("%s failed %q validation", field, fe.Tag())
	if fe.Param() != "" {
		msg = fmt.Sprintf("%s failed %q validation (%s)", field, fe.Tag(), fe.Param())
	}
	return errors.Configuration(field, msg)
}
