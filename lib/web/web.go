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

// Package web exposes the ceremony engine over HTTP. Relying parties are
// authenticated upstream; the client principal arrives in a trusted
// header set by a reverse proxy, or is pinned to a single client in dev
// mode.
package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/u2fval"
	"github.com/gravitational/u2fval/lib/api"
	"github.com/gravitational/u2fval/lib/defaults"
	"github.com/gravitational/u2fval/lib/engine"
	"github.com/gravitational/u2fval/lib/httplib"
	"github.com/gravitational/u2fval/lib/storage"
	"github.com/gravitational/u2fval/lib/u2f"
)

// Config holds the web handler dependencies.
type Config struct {
	// Engine runs the ceremonies.
	Engine *engine.Engine
	// Store resolves client principals.
	Store *storage.Store
	// ClientHeader names the trusted header carrying the client
	// principal. Defaults to X-Remote-User.
	ClientHeader string
	// StaticClient pins every request to one client, bypassing the
	// header. Dev mode only.
	StaticClient string
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Engine == nil {
		return trace.BadParameter("missing Engine")
	}
	if c.Store == nil {
		return trace.BadParameter("missing Store")
	}
	if c.ClientHeader == "" {
		c.ClientHeader = defaults.ClientHeader
	}
	return nil
}

// Handler is the HTTP API of the service.
type Handler struct {
	httprouter.Router
	cfg Config
	log *slog.Logger
}

// New creates the web handler and binds its routes.
func New(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg: cfg,
		log: slog.With(u2fval.ComponentKey, u2fval.ComponentWeb),
	}

	// httprouter cannot mix static and wildcard segments at one level,
	// so register and sign share the device handle route and dispatch on
	// the handle value. Handles are hex, neither word can collide.
	h.GET("/", httplib.MakeHandler(h.withClient(h.trustedFacets)))
	h.GET("/:user", httplib.MakeHandler(h.withClient(h.listDevices)))
	h.DELETE("/:user", httplib.MakeHandler(h.withClient(h.deleteUser)))
	h.GET("/:user/:handle", httplib.MakeHandler(h.withClient(h.getDispatch)))
	h.POST("/:user/:handle", httplib.MakeHandler(h.withClient(h.postDispatch)))
	h.DELETE("/:user/:handle", httplib.MakeHandler(h.withClient(h.deleteDevice)))
	h.GET("/:user/:handle/certificate", h.certificate)
	return h, nil
}

// client resolves the relying party principal of a request.
func (h *Handler) client(r *http.Request) (*storage.Client, error) {
	name := h.cfg.StaticClient
	if name == "" {
		name = r.Header.Get(h.cfg.ClientHeader)
	}
	if name == "" {
		return nil, api.BadInput("client not specified")
	}
	client, err := h.cfg.Store.GetClient(r.Context(), name)
	return client, trace.Wrap(err)
}

// clientHandler is a handler bound to a resolved client principal.
type clientHandler func(client *storage.Client, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

func (h *Handler) withClient(fn clientHandler) httplib.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		client, err := h.client(r)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return fn(client, w, r, p)
	}
}

func (h *Handler) trustedFacets(client *storage.Client, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return h.cfg.Engine.TrustedFacets(client), nil
}

func (h *Handler) listDevices(client *storage.Client, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	filter, err := parseFilter(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return h.cfg.Engine.Descriptors(r.Context(), client, p.ByName("user"), filter)
}

func (h *Handler) deleteUser(client *storage.Client, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return nil, trace.Wrap(h.cfg.Engine.DeleteUser(r.Context(), client, p.ByName("user")))
}

func (h *Handler) getDispatch(client *storage.Client, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	user := p.ByName("user")
	switch p.ByName("handle") {
	case "register":
		return h.registerStart(client, r, user)
	case "sign":
		return h.signStart(client, r, user)
	}
	filter, err := parseFilter(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return h.cfg.Engine.Descriptor(r.Context(), client, user, p.ByName("handle"), filter)
}

func (h *Handler) postDispatch(client *storage.Client, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	user := p.ByName("user")
	switch p.ByName("handle") {
	case "register":
		var body api.RegisterResponseData
		if err := httplib.ReadJSON(r, &body); err != nil {
			return nil, trace.Wrap(err)
		}
		return h.cfg.Engine.RegisterComplete(r.Context(), client, user, body)
	case "sign":
		var body api.SignResponseData
		if err := httplib.ReadJSON(r, &body); err != nil {
			return nil, trace.Wrap(err)
		}
		return h.cfg.Engine.SignComplete(r.Context(), client, user, body)
	}
	var update api.PropertyUpdate
	if err := httplib.ReadJSON(r, &update); err != nil {
		return nil, trace.Wrap(err)
	}
	return h.cfg.Engine.SetProperties(r.Context(), client, user, p.ByName("handle"), update)
}

func (h *Handler) registerStart(client *storage.Client, r *http.Request, user string) (any, error) {
	challenge, err := parseChallenge(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	properties, err := parseProperties(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return h.cfg.Engine.RegisterStart(r.Context(), client, user, challenge, properties)
}

func (h *Handler) signStart(client *storage.Client, r *http.Request, user string) (any, error) {
	challenge, err := parseChallenge(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	properties, err := parseProperties(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	handles := r.URL.Query()["handle"]
	return h.cfg.Engine.SignStart(r.Context(), client, user, challenge, handles, properties)
}

func (h *Handler) deleteDevice(client *storage.Client, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return nil, trace.Wrap(h.cfg.Engine.DeleteDevice(r.Context(), client, p.ByName("user"), p.ByName("handle")))
}

// certificate serves the device's attestation certificate as PEM, the
// one endpoint that does not speak JSON.
func (h *Handler) certificate(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	client, err := h.client(r)
	if err != nil {
		httplib.ReplyError(w, err)
		return
	}
	pemBytes, err := h.cfg.Engine.CertificatePEM(r.Context(), client, p.ByName("user"), p.ByName("handle"))
	if err != nil {
		httplib.ReplyError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write(pemBytes)
}

func parseChallenge(r *http.Request) ([]byte, error) {
	raw := r.URL.Query().Get("challenge")
	if raw == "" {
		return nil, nil
	}
	challenge, err := u2f.DecodeKey(raw)
	if err != nil {
		return nil, api.BadInput("invalid challenge parameter")
	}
	return challenge, nil
}

func parseProperties(r *http.Request) (api.PropertyUpdate, error) {
	raw := r.URL.Query().Get("properties")
	if raw == "" {
		return nil, nil
	}
	var properties api.PropertyUpdate
	if err := json.Unmarshal([]byte(raw), &properties); err != nil {
		return nil, api.BadInput("invalid properties parameter: %v", err)
	}
	return properties, nil
}

// parseFilter splits the comma separated filter parameter. A nil result
// means no projection.
func parseFilter(r *http.Request) ([]string, error) {
	if !r.URL.Query().Has("filter") {
		return nil, nil
	}
	raw := r.URL.Query().Get("filter")
	if raw == "" {
		return []string{}, nil
	}
	return strings.Split(raw, ","), nil
}
