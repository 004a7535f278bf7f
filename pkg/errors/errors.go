package errors

import (
	"fmt"
)

// InvalidStepError reports a step referencing an undefined cache, service or
// image definition.
type InvalidStepError struct {
	Step      string
	Kind      string
	Reference string
}

// NewInvalidStepError constructs an InvalidStepError.
func NewInvalidStepError(step, kind, reference string) error {
	return &InvalidStepError{Step: step, Kind: kind, Reference: reference}
}

func (e *InvalidStepError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("invalid step %q: undefined %s %q", e.Step, e.Kind, e.Reference)
}

// ImagePullError reports a network or authentication failure while pulling an
// image.
type ImagePullError struct {
	Image string
	Err   error
}

// NewImagePullError constructs an ImagePullError.
func NewImagePullError(image string, err error) error {
	return &ImagePullError{Image: image, Err: err}
}

func (e *ImagePullError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("pull of image %q failed: %v", e.Image, e.Err)
}

// Unwrap exposes the underlying error.
func (e *ImagePullError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ImageNotFoundError reports an image reference the registry does not know.
type ImageNotFoundError struct {
	Image string
	Err   error
}

// NewImageNotFoundError constructs an ImageNotFoundError.
func NewImageNotFoundError(image string, err error) error {
	return &ImageNotFoundError{Image: image, Err: err}
}

func (e *ImageNotFoundError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("image %q not found", e.Image)
}

// Unwrap exposes the underlying error.
func (e *ImageNotFoundError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ContainerStartError reports a container that could not be created or
// started.
type ContainerStartError struct {
	Container string
	Err       error
}

// NewContainerStartError constructs a ContainerStartError.
func NewContainerStartError(container string, err error) error {
	return &ContainerStartError{Container: container, Err: err}
}

func (e *ContainerStartError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("container %q failed to start: %v", e.Container, e.Err)
}

// Unwrap exposes the underlying error.
func (e *ContainerStartError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ServiceNotReadyError reports a service container that exited or never
// reached the running state within the settle window.
type ServiceNotReadyError struct {
	Service string
	Reason  string
}

// NewServiceNotReadyError constructs a ServiceNotReadyError.
func NewServiceNotReadyError(service, reason string) error {
	return &ServiceNotReadyError{Service: service, Reason: reason}
}

func (e *ServiceNotReadyError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("service %q not ready: %s", e.Service, e.Reason)
}

// ScriptFailureError reports a nonzero exit from the user script.
type ScriptFailureError struct {
	ExitCode int
}

// NewScriptFailureError constructs a ScriptFailureError.
func NewScriptFailureError(exitCode int) error {
	return &ScriptFailureError{ExitCode: exitCode}
}

func (e *ScriptFailureError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("script exited with code %d", e.ExitCode)
}

// AfterScriptFailureError reports a nonzero exit from the after-script. It is
// logged but never fails the step.
type AfterScriptFailureError struct {
	ExitCode int
}

// NewAfterScriptFailureError constructs an AfterScriptFailureError.
func NewAfterScriptFailureError(exitCode int) error {
	return &AfterScriptFailureError{ExitCode: exitCode}
}

func (e *AfterScriptFailureError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("after-script exited with code %d", e.ExitCode)
}

// CacheKeyMissingFileError reports a cache key file that does not exist.
type CacheKeyMissingFileError struct {
	Cache string
	File  string
}

// NewCacheKeyMissingFileError constructs a CacheKeyMissingFileError.
func NewCacheKeyMissingFileError(cache, file string) error {
	return &CacheKeyMissingFileError{Cache: cache, File: file}
}

func (e *CacheKeyMissingFileError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("cache %q: key file %q does not exist", e.Cache, e.File)
}

// ArtifactCollectionError reports an I/O failure while copying a matched
// artifact. It is logged per file and never fails the step.
type ArtifactCollectionError struct {
	Path string
	Err  error
}

// NewArtifactCollectionError constructs an ArtifactCollectionError.
func NewArtifactCollectionError(path string, err error) error {
	return &ArtifactCollectionError{Path: path, Err: err}
}

func (e *ArtifactCollectionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("collecting artifact %q: %v", e.Path, e.Err)
}

// Unwrap exposes the underlying error.
func (e *ArtifactCollectionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// CancelledError reports a run interrupted by an external signal.
type CancelledError struct {
	Err error
}

// NewCancelledError constructs a CancelledError.
func NewCancelledError(err error) error {
	return &CancelledError{Err: err}
}

func (e *CancelledError) Error() string {
	if e == nil {
		return ""
	}
	return "run cancelled"
}

// Unwrap exposes the underlying error.
func (e *CancelledError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// VariableValidationError reports a missing required pipeline variable or a
// value outside its allowed set.
type VariableValidationError struct {
	Name    string
	Message string
}

// NewVariableValidationError constructs a VariableValidationError.
func NewVariableValidationError(name, message string) error {
	return &VariableValidationError{Name: name, Message: message}
}

func (e *VariableValidationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("variable %q: %s", e.Name, e.Message)
}

// InternalError wraps a programmer error or an unexpected runtime condition.
type InternalError struct {
	Err error
}

// NewInternalError constructs an InternalError.
func NewInternalError(err error) error {
	return &InternalError{Err: err}
}

func (e *InternalError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("internal error: %v", e.Err)
}

// Unwrap exposes the underlying error.
func (e *InternalError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
