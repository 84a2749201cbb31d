package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rendis/migraflow/pkg/schema"
)

var (
	structValidateOnce sync.Once
	structValidate     *validator.Validate
)

func dataValidator() *validator.Validate {
	structValidateOnce.Do(func() {
		structValidate = validator.New(validator.WithRequiredStructEnabled())
		structValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return f.Name
			}
			return name
		})
	})
	return structValidate
}

// ValidateNodeData decodes a node's data into the typed variant of its
// executor category and checks the variant's constraints. The decoded
// variant is returned even when constraints fail.
func ValidateNodeData(nodeID string, category schema.NodeType, data map[string]any) (any, *schema.ValidationResult) {
	result := &schema.ValidationResult{}
	prefix := fmt.Sprintf("nodes[%s].data", nodeID)

	typed, err := schema.DecodeNodeData(category, data)
	if err != nil {
		result.AddError(prefix, schema.ErrCodeValidation, err.Error())
		return nil, result
	}

	if err := dataValidator().Struct(typed); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			result.AddError(prefix, schema.ErrCodeValidation, err.Error())
			return typed, result
		}
		for _, fe := range fieldErrs {
			result.AddError(prefix+"."+fe.Field(), schema.ErrCodeValidation, describe(fe))
		}
	}
	return typed, result
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must contain at least %s item(s)", fe.Param())
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be <= %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "url":
		return "must be a valid URL"
	default:
		return fmt.Sprintf("failed %q constraint", fe.Tag())
	}
}
