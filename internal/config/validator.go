package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	runnererrors "github.com/pipeline-runner/pipeline-runner/pkg/errors"
)

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate

	stepSizePattern = regexp.MustCompile(`^[1-8]x$`)
	envNamePattern  = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()

		_ = v.RegisterValidation("step_size", func(fl validator.FieldLevel) bool {
			return stepSizePattern.MatchString(fl.Field().String())
		})

		_ = v.RegisterValidation("env_name", func(fl validator.FieldLevel) bool {
			return envNamePattern.MatchString(fl.Field().String())
		})

		validateInst = v
	})

	return validateInst
}

// ValidateDocument performs schema and cross-reference validation on a parsed
// pipeline document.
func ValidateDocument(doc *Document) error {
	if doc == nil {
		return fmt.Errorf("document is nil")
	}

	v := validatorInstance()
	if err := v.Struct(doc); err != nil {
		return convertValidationError(err)
	}

	for name, cache := range doc.Definitions.Caches {
		if err := v.Struct(cache); err != nil {
			return fmt.Errorf("cache %q: %w", name, convertValidationError(err))
		}
	}
	for name, svc := range doc.Definitions.Services {
		// The docker service falls back to its built-in image.
		if svc.Image == nil && name != DockerServiceName {
			return fmt.Errorf("service %q: image is required", name)
		}
		if err := v.Struct(svc); err != nil {
			return fmt.Errorf("service %q: %w", name, convertValidationError(err))
		}
	}

	if doc.Pipelines.Default == nil &&
		len(doc.Pipelines.Branches) == 0 &&
		len(doc.Pipelines.Tags) == 0 &&
		len(doc.Pipelines.PullRequests) == 0 &&
		len(doc.Pipelines.Custom) == 0 {
		return fmt.Errorf("pipelines: at least one pipeline must be defined")
	}

	check := func(p Pipeline) error {
		for _, decl := range p.Variables {
			if err := v.Struct(decl); err != nil {
				return convertValidationError(err)
			}
			if decl.Default != nil && len(decl.AllowedValues) > 0 && !contains(decl.AllowedValues, *decl.Default) {
				return runnererrors.NewVariableValidationError(decl.Name,
					fmt.Sprintf("default %q is not one of the allowed values", *decl.Default))
			}
		}
		for _, item := range p.Items {
			if item.Step != nil {
				if err := validateStep(doc, v, item.Step); err != nil {
					return err
				}
			}
			for i := range item.Parallel {
				if err := validateStep(doc, v, &item.Parallel[i]); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if doc.Pipelines.Default != nil {
		if err := check(*doc.Pipelines.Default); err != nil {
			return err
		}
	}
	for _, group := range []map[string]Pipeline{
		doc.Pipelines.Branches,
		doc.Pipelines.Tags,
		doc.Pipelines.PullRequests,
		doc.Pipelines.Custom,
	} {
		for _, p := range group {
			if err := check(p); err != nil {
				return err
			}
		}
	}

	return nil
}

// validateStep checks a step's schema and its service references. Unknown
// caches are deliberately not an error here: they are skipped with a warning
// at execution time.
func validateStep(doc *Document, v *validator.Validate, step *Step) error {
	if err := v.Struct(step); err != nil {
		return convertValidationError(err)
	}
	for _, svc := range step.Services {
		if _, ok := doc.Definitions.Services[svc]; !ok && svc != DockerServiceName {
			return runnererrors.NewInvalidStepError(step.Name, "service", svc)
		}
	}
	return nil
}

func convertValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	first := verrs[0]
	field := strings.TrimPrefix(first.Namespace(), "Document.")
	return fmt.Errorf("pipeline file: field %s failed %q validation", field, first.Tag())
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
