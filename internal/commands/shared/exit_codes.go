// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shared

import (
	"errors"
	"fmt"
	"os"
)

// Exit codes for the flowmark CLI
const (
	ExitSuccess         = 0
	ExitFailure         = 1
	ExitInvalidManifest = 2
	ExitNotFound        = 3
	ExitBackendError    = 4
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewInvalidManifestError creates an error for invalid deployment manifests
func NewInvalidManifestError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitInvalidManifest, Message: msg, Cause: cause}
}

// NewNotFoundError creates an error for missing runs or manifests
func NewNotFoundError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitNotFound, Message: msg, Cause: cause}
}

// NewBackendError creates an error for backend access failures
func NewBackendError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitBackendError, Message: msg, Cause: cause}
}

// HandleExitError prints err and exits with its code, defaulting to
// ExitFailure for plain errors. A nil err exits successfully.
func HandleExitError(err error) {
	if err == nil {
		os.Exit(ExitSuccess)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.Code)
	}
	os.Exit(ExitFailure)
}
