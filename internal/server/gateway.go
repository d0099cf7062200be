package server

import (
	"VaultLedger/internal/observability"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

var (
	bodyMarshaler  = &runtime.JSONBuiltin{}
	errorMarshaler = &runtime.JSONPb{}
)

// route adapts a service method to a gateway handler. The JSON body is
// decoded first so path parameters always win over body fields.
func route[Req, Resp any](
	mux *runtime.ServeMux,
	bind func(req *Req, path map[string]string, q url.Values) error,
	call func(context.Context, *Req) (*Resp, error),
) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, path map[string]string) {
		ctx := r.Context()
		req := new(Req)

		if r.Body != nil && r.Method != http.MethodGet {
			if err := bodyMarshaler.NewDecoder(r.Body).Decode(req); err != nil && !errors.Is(err, io.EOF) {
				runtime.HTTPError(ctx, mux, errorMarshaler, w, r, invalidArgument("malformed body: %v", err))
				return
			}
		}
		if bind != nil {
			if err := bind(req, path, r.URL.Query()); err != nil {
				runtime.HTTPError(ctx, mux, errorMarshaler, w, r, err)
				return
			}
		}

		resp, err := call(ctx, req)
		if err != nil {
			runtime.HTTPError(ctx, mux, errorMarshaler, w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func bindPositionKey(k *PositionKey, path map[string]string) {
	k.VaultOwner = path["owner"]
	k.VaultName = path["name"]
	k.UserID = path["user_id"]
	k.CollateralAsset = path["asset"]
}

func queryInt64(q url.Values, key string) (*int64, error) {
	raw := q.Get(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, invalidArgument("invalid %s: %v", key, err)
	}
	return &v, nil
}

func queryLimit(q url.Values) (int, error) {
	v, err := queryInt64(q, "limit")
	if err != nil || v == nil {
		return 0, err
	}
	return int(*v), nil
}

// NewGateway registers the HTTP/JSON mapping of both services. Handlers
// call the services in process rather than dialing the gRPC port.
func NewGateway(lend LendingServer, admin AdminServer) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()

	positionOp := func(call func(context.Context, *PositionRequest) (*CommandResponse, error)) runtime.HandlerFunc {
		return route(mux, func(req *PositionRequest, path map[string]string, _ url.Values) error {
			bindPositionKey(&req.PositionKey, path)
			return nil
		}, call)
	}
	const positionPath = "/v1/vaults/{owner}/{name}/positions/{user_id}/{asset}"

	routes := []struct {
		method, pattern string
		handler         runtime.HandlerFunc
	}{
		// commands
		{"POST", "/v1/vaults", route(mux, nil, lend.CreateVault)},
		{"POST", "/v1/vaults/{owner}/{name}/liquidity", route(mux, func(req *SupplyLiquidityRequest, path map[string]string, _ url.Values) error {
			req.VaultOwner, req.VaultName = path["owner"], path["name"]
			return nil
		}, lend.SupplyLiquidity)},
		{"POST", "/v1/accounts/{user_id}/funding", route(mux, func(req *FundAccountRequest, path map[string]string, _ url.Values) error {
			req.UserID = path["user_id"]
			return nil
		}, lend.FundAccount)},
		{"POST", positionPath + "/deposit", positionOp(lend.Deposit)},
		{"POST", positionPath + "/borrow", positionOp(lend.Borrow)},
		{"POST", positionPath + "/repay", positionOp(lend.Repay)},
		{"POST", positionPath + "/withdraw", positionOp(lend.Withdraw)},
		{"POST", positionPath + "/liquidate", route(mux, func(req *LiquidateRequest, path map[string]string, _ url.Values) error {
			bindPositionKey(&req.PositionKey, path)
			return nil
		}, lend.Liquidate)},
		{"POST", positionPath + "/revalue", route(mux, func(req *RevalueRequest, path map[string]string, _ url.Values) error {
			bindPositionKey(&req.PositionKey, path)
			return nil
		}, lend.Revalue)},

		// queries
		{"GET", "/v1/vaults/{owner}/{name}", route(mux, func(req *GetVaultRequest, path map[string]string, _ url.Values) error {
			req.Owner, req.Name = path["owner"], path["name"]
			return nil
		}, lend.GetVault)},
		{"GET", positionPath, route(mux, func(req *GetPositionRequest, path map[string]string, _ url.Values) error {
			bindPositionKey(&req.PositionKey, path)
			return nil
		}, lend.GetPosition)},
		{"GET", "/v1/users/{user_id}/positions", route(mux, func(req *ListUserPositionsRequest, path map[string]string, _ url.Values) error {
			req.UserID = path["user_id"]
			return nil
		}, lend.ListUserPositions)},
		{"GET", "/v1/users/{user_id}/balances/{asset}", route(mux, func(req *GetBalanceRequest, path map[string]string, _ url.Values) error {
			req.UserID, req.Asset = path["user_id"], path["asset"]
			return nil
		}, lend.GetBalance)},
		{"GET", "/v1/users/{user_id}/journals", route(mux, func(req *ListJournalsRequest, path map[string]string, q url.Values) (err error) {
			req.UserID = path["user_id"]
			if req.Limit, err = queryLimit(q); err != nil {
				return err
			}
			req.After, err = queryInt64(q, "after")
			return err
		}, lend.ListJournals)},
		{"GET", "/v1/vaults/{owner}/{name}/liquidations", route(mux, func(req *ListLiquidationsRequest, path map[string]string, q url.Values) (err error) {
			req.VaultOwner, req.VaultName = path["owner"], path["name"]
			if req.Limit, err = queryLimit(q); err != nil {
				return err
			}
			req.Before, err = queryInt64(q, "before")
			return err
		}, lend.ListLiquidations)},

		// admin
		{"POST", "/v1/admin/snapshot", route(mux, nil, admin.TakeSnapshot)},
		{"POST", "/v1/admin/rebuild", route(mux, nil, admin.RebuildProjections)},
		{"GET", "/v1/admin/integrity", route(mux, nil, admin.VerifyIntegrity)},
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

// NewRouter mounts the gateway behind auth and serves the health checks without it.
func NewRouter(gateway http.Handler, health *observability.HealthChecker, auth *Authenticator) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", health.LivenessHandler)
	r.Get("/readyz", health.ReadinessHandler)

	r.Group(func(r chi.Router) {
		if auth != nil {
			r.Use(auth.Middleware)
		}
		r.Handle("/v1/*", gateway)
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", bodyMarshaler.ContentType(v))
	w.WriteHeader(code)
	_ = bodyMarshaler.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
