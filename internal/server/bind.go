package server

import (
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"patternscan/internal/errors"
)

var validate = newValidator()

// newValidator reports fields by their query or json name.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := f.Tag.Get("query")
		if name == "" {
			name = strings.Split(f.Tag.Get("json"), ",")[0]
		}
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// bindRequest binds query and body parameters into req, fills `default` tags
// and runs `validate` tags. Failures come back as *errors.ValidationError.
// Query parameters are bound for every method, body fields win.
func bindRequest(c echo.Context, req any) error {
	if c.Request().Method != http.MethodGet {
		if err := (&echo.DefaultBinder{}).BindQueryParams(c, req); err != nil {
			return bindError(err)
		}
	}
	if err := c.Bind(req); err != nil {
		return bindError(err)
	}
	if err := defaults.Set(req); err != nil {
		return errors.NewValidationError("request", nil, err.Error())
	}
	if err := validate.StructCtx(c.Request().Context(), req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return errors.NewValidationError(fe.Field(), fe.Value(), fieldMessage(fe))
		}
		return errors.NewValidationError("request", nil, err.Error())
	}
	return nil
}

func bindError(err error) error {
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg = fmt.Sprint(he.Message)
	}
	return errors.NewValidationError("request", nil, msg)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max", "lte":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "datetime":
		return "must be a YYYY-MM-DD date"
	default:
		return "failed validation: " + fe.Tag()
	}
}
