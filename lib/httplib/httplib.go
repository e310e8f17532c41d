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

// Package httplib implements the HTTP handler plumbing of the web API:
// JSON replies, request body decoding and the translation of engine
// errors to the wire error envelope.
package httplib

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/u2fval/lib/api"
)

// maxRequestBody caps JSON request bodies.
const maxRequestBody = 1 << 20

// HandlerFunc is an HTTP handler that returns a JSON-marshallable result
// or an error. A nil result replies 204 No Content.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

// MakeHandler returns a new httprouter.Handle from a handler func,
// serializing results and translating errors to the error envelope.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		if out == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		roundtrip.ReplyJSON(w, http.StatusOK, out)
	}
}

// ReadJSON reads an HTTP JSON request body and unmarshals it into val.
func ReadJSON(r *http.Request, val any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, val); err != nil {
		return api.BadInput("invalid request body: %v", err)
	}
	return nil
}

// ReplyError writes the error envelope for err. Protocol errors carry
// their own code and status; trace errors map to their conventional
// statuses; anything else is reported as an internal server error
// without leaking details.
func ReplyError(w http.ResponseWriter, err error) {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		roundtrip.ReplyJSON(w, apiErr.StatusCode(), apiErr)
		return
	}
	switch {
	case trace.IsNotFound(err):
		roundtrip.ReplyJSON(w, http.StatusNotFound, &api.Error{
			Code:    api.ErrorCodeNotFound,
			Message: trace.UserMessage(err),
		})
	case trace.IsBadParameter(err):
		roundtrip.ReplyJSON(w, http.StatusBadRequest, &api.Error{
			Code:    api.ErrorCodeBadInput,
			Message: trace.UserMessage(err),
		})
	default:
		slog.Error("Request failed", "error", err, "debug", trace.DebugReport(err))
		roundtrip.ReplyJSON(w, http.StatusInternalServerError, &api.Error{
			Code:    api.ErrorCodeServerError,
			Message: "internal server error",
		})
	}
}
