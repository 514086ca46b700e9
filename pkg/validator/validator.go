// Package validator provides unified parameter validation for halotrain.
// It uses validator.v10 and registers custom rules for training-specific
// values such as batch composition fractions and precision/loss tags.
package validator

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/halotrain/halotrain/pkg/types"
)

var (
	validate *validator.Validate
	once     sync.Once
)

// Validator wraps go-playground validator with custom rules
type Validator struct {
	validator *validator.Validate
}

// New creates a new validator instance with custom rules
func New() *Validator {
	v := validator.New()

	// Report mapstructure key names instead of Go field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	registerCustomValidations(v)

	return &Validator{validator: v}
}

// Default returns the shared validator instance
func Default() *Validator {
	once.Do(func() {
		validate = New().validator
	})
	return &Validator{validator: validate}
}

// Struct validates a struct against its validation tags
func (v *Validator) Struct(s interface{}) error {
	if err := v.validator.Struct(s); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			return formatValidationErrors(verrs)
		}
		return err
	}
	return nil
}

// Var validates a single variable against a rule
func (v *Validator) Var(field interface{}, tag string) error {
	return v.validator.Var(field, tag)
}

// registerCustomValidations registers training-domain validation rules
func registerCustomValidations(v *validator.Validate) {
	// fraction: value in (0,1], used for batch composition targets
	v.RegisterValidation("fraction", func(fl validator.FieldLevel) bool {
		f := fl.Field().Float()
		return f > 0 && f <= 1
	})

	// dtype: supported numeric precision policy
	v.RegisterValidation("dtype", func(fl validator.FieldLevel) bool {
		return types.DType(fl.Field().String()).Valid()
	})

	// lossname: known alignment objective tag
	v.RegisterValidation("lossname", func(fl validator.FieldLevel) bool {
		return types.LossName(fl.Field().String()).Valid()
	})

	// loaderkind: known dataloader variant tag
	v.RegisterValidation("loaderkind", func(fl validator.FieldLevel) bool {
		return types.LoaderKind(fl.Field().String()).Valid()
	})

	// runmode: train, eval, or sample
	v.RegisterValidation("runmode", func(fl validator.FieldLevel) bool {
		return types.Mode(fl.Field().String()).Valid()
	})

	// optimizername: supported optimizer family
	v.RegisterValidation("optimizername", func(fl validator.FieldLevel) bool {
		return types.OptimizerName(fl.Field().String()).Valid()
	})
}

// formatValidationErrors flattens validator errors into one readable error
func formatValidationErrors(verrs validator.ValidationErrors) error {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed rule '%s' (value: %v)", fe.Field(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("validation failed: %s", strings.Join(msgs, "; "))
}

//Personal.AI order the ending
