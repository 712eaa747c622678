// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package agent

import (
	"errors"
	"fmt"
)

// ErrorKind is a stable textual tag classifying runtime errors.
// Tags are part of the wire contract: they appear in event ErrorCode fields
// and in tool results the model reasons about.
type ErrorKind string

const (
	ErrKindConfig          ErrorKind = "ConfigError"
	ErrKindLlmUnavailable  ErrorKind = "LlmUnavailable"
	ErrKindToolNotFound    ErrorKind = "ToolNotFound"
	ErrKindToolExecution   ErrorKind = "ToolExecutionError"
	ErrKindPaymentRequired ErrorKind = "PaymentRequired"
	ErrKindEnforcerBlocked ErrorKind = "EnforcerBlocked"
	ErrKindSessionBusy     ErrorKind = "SessionBusy"
	ErrKindTimeout         ErrorKind = "Timeout"
)

// Error is a classified runtime error.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError classifies an underlying error.
func WrapError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Errorf creates a classified error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from an error chain.
// Unclassified errors map to ToolExecutionError, the recoverable default.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrKindToolExecution
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
