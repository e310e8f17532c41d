/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package api defines the wire types and the protocol error model of the
// U2F validation service. The ceremony engine returns *Error values; the
// HTTP layer is the only place where they are translated to responses.
package api

import (
	"fmt"
	"net/http"
)

// Protocol error codes, as reported in the errorCode field of the error
// envelope.
const (
	// ErrorCodeServerError is an unexpected internal failure.
	ErrorCodeServerError = -1
	// ErrorCodeBadInput is a malformed or unverifiable request.
	ErrorCodeBadInput = 10
	// ErrorCodeNoEligibleDevices means the user has no devices able to
	// take part in a sign ceremony.
	ErrorCodeNoEligibleDevices = 11
	// ErrorCodeDeviceCompromised means the target device has been latched
	// as compromised, or was caught replaying a counter.
	ErrorCodeDeviceCompromised = 12
	// ErrorCodeNotFound means the referenced resource does not exist.
	ErrorCodeNotFound = 404
)

// Error is the closed error type of the ceremony engine. It marshals
// directly to the wire error envelope.
type Error struct {
	Code    int    `json:"errorCode"`
	Message string `json:"errorMessage"`
	Data    any    `json:"errorData,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// StatusCode returns the HTTP status the error maps to.
func (e *Error) StatusCode() int {
	switch e.Code {
	case ErrorCodeNotFound:
		return http.StatusNotFound
	case ErrorCodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// BadInput returns a BAD_INPUT protocol error.
func BadInput(format string, args ...any) *Error {
	return &Error{
		Code:    ErrorCodeBadInput,
		Message: fmt.Sprintf(format, args...),
	}
}

// NotFound returns a NOT_FOUND protocol error.
func NotFound(format string, args ...any) *Error {
	return &Error{
		Code:    ErrorCodeNotFound,
		Message: fmt.Sprintf(format, args...),
	}
}

// NoEligibleDevices returns a NO_ELIGIBLE_DEVICES protocol error. The
// descriptors of the devices that were considered (if any) ride along as
// error data.
func NoEligibleDevices(message string, descriptors []DeviceDescriptor) *Error {
	if descriptors == nil {
		descriptors = []DeviceDescriptor{}
	}
	return &Error{
		Code:    ErrorCodeNoEligibleDevices,
		Message: message,
		Data:    descriptors,
	}
}

// DeviceCompromised returns a DEVICE_COMPROMISED protocol error carrying
// the descriptor of the offending device.
func DeviceCompromised(message string, descriptor DeviceDescriptor) *Error {
	return &Error{
		Code:    ErrorCodeDeviceCompromised,
		Message: message,
		Data:    descriptor,
	}
}
