// Package api exposes device registration over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"

	"github.com/tinywideclouds/go-push-pool/pkg/dispatch"
)

type TokenAPI struct {
	Store  dispatch.TokenStore
	Logger *slog.Logger

	// UserFromContext resolves the authenticated user handle set by the auth middleware.
	UserFromContext func(ctx context.Context) (string, bool)
}

func NewTokenAPI(store dispatch.TokenStore, logger *slog.Logger) *TokenAPI {
	return &TokenAPI{
		Store:           store,
		Logger:          logger.With("component", "TokenAPI"),
		UserFromContext: middleware.GetUserHandleFromContext,
	}
}

// Register mounts the routes on mux, wrapped by cors and auth.
func (api *TokenAPI) Register(mux *http.ServeMux, cors, auth func(http.Handler) http.Handler) {
	preflight := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	mux.Handle("OPTIONS /tokens/", cors(preflight))

	mux.Handle("PUT /tokens/web", cors(auth(http.HandlerFunc(api.RegisterWeb))))
	mux.Handle("DELETE /tokens/web", cors(auth(http.HandlerFunc(api.UnregisterWeb))))
	mux.Handle("PUT /tokens/{platform}", cors(auth(http.HandlerFunc(api.RegisterToken))))
	mux.Handle("DELETE /tokens/{platform}", cors(auth(http.HandlerFunc(api.UnregisterToken))))
}

type TokenRequest struct {
	Token string `json:"token"`
}

type UnregisterWebRequest struct {
	Endpoint string `json:"endpoint"`
}

func (api *TokenAPI) user(w http.ResponseWriter, r *http.Request) (userURN urn.URN, ok bool) {
	userID, ok := api.UserFromContext(r.Context())
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return userURN, false
	}
	userURN, err := urn.Parse(userID)
	if err != nil {
		api.Logger.Warn("Authenticated handle is not a URN", "user", userID, "err", err)
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return userURN, false
	}
	return userURN, true
}

// tokenPlatform accepts the string-token platforms from the path.
func tokenPlatform(w http.ResponseWriter, r *http.Request) (dispatch.Platform, bool) {
	p := dispatch.Platform(r.PathValue("platform"))
	if p != dispatch.PlatformAPNS && p != dispatch.PlatformFCM {
		response.WriteJSONError(w, http.StatusNotFound, "unknown platform")
		return "", false
	}
	return p, true
}

// --- String tokens: APNs and FCM ---

func (api *TokenAPI) RegisterToken(w http.ResponseWriter, r *http.Request) {
	platform, ok := tokenPlatform(w, r)
	if !ok {
		return
	}
	userURN, ok := api.user(w, r)
	if !ok {
		return
	}

	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Token == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing token")
		return
	}

	if err := api.Store.Register(r.Context(), userURN, platform, req.Token); err != nil {
		api.Logger.Error("Failed to register token", "platform", platform, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (api *TokenAPI) UnregisterToken(w http.ResponseWriter, r *http.Request) {
	platform, ok := tokenPlatform(w, r)
	if !ok {
		return
	}
	userURN, ok := api.user(w, r)
	if !ok {
		return
	}

	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := api.Store.Unregister(r.Context(), userURN, platform, req.Token); err != nil {
		// idempotency is preferred for unregister
		api.Logger.Warn("Failed to unregister token", "platform", platform, "err", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Web Push subscriptions ---

func (api *TokenAPI) RegisterWeb(w http.ResponseWriter, r *http.Request) {
	userURN, ok := api.user(w, r)
	if !ok {
		return
	}

	var sub notification.WebPushSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		api.Logger.Debug("RegisterWeb: JSON decode failed", "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, "invalid subscription json")
		return
	}
	if sub.Endpoint == "" || len(sub.Keys.P256dh) == 0 || len(sub.Keys.Auth) == 0 {
		response.WriteJSONError(w, http.StatusBadRequest, "incomplete subscription object")
		return
	}

	if err := api.Store.RegisterWeb(r.Context(), userURN, sub); err != nil {
		api.Logger.Error("Failed to register web subscription", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	api.Logger.Info("Web subscription registered", "user", userURN.String(), "endpoint", sub.Endpoint)

	w.WriteHeader(http.StatusNoContent)
}

func (api *TokenAPI) UnregisterWeb(w http.ResponseWriter, r *http.Request) {
	userURN, ok := api.user(w, r)
	if !ok {
		return
	}

	var req UnregisterWebRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Endpoint == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing endpoint")
		return
	}

	if err := api.Store.Unregister(r.Context(), userURN, dispatch.PlatformWeb, req.Endpoint); err != nil {
		api.Logger.Warn("Failed to unregister web subscription", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "failed to unregister web")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
