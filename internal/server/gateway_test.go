package server

import (
	"VaultLedger/internal/query"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doJSON(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestGatewayCommandsAndQueries(t *testing.T) {
	s := newStack(t, nil)
	s.health.SetReady(true)
	h := s.server.Handler()
	owner, alice := uuid.NewString(), uuid.NewString()

	w := doJSON(t, h, "POST", "/v1/vaults",
		`{"owner":"`+owner+`","name":"prime","collateral_ratio_bps":15000,"stable_asset":"USDC"}`, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var created CommandResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, int64(0), created.Sequence)

	w = doJSON(t, h, "POST", "/v1/accounts/"+alice+"/funding", `{"asset":"PROP","amount":50}`, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// path parameters override the body
	w = doJSON(t, h, "POST", "/v1/vaults/"+owner+"/prime/positions/"+alice+"/PROP/deposit",
		`{"user_id":"ignored","amount":50,"unit_value":3}`, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var deposit CommandResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &deposit))
	assert.Equal(t, int64(150), deposit.ValueAdded)

	w = doJSON(t, h, "POST", "/v1/vaults/"+owner+"/prime/positions/"+alice+"/PROP/borrow", `{"amount":101}`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code, "FailedPrecondition maps to 400")

	w = doJSON(t, h, "POST", "/v1/vaults", `{"owner":"`+owner+`","name":"prime","collateral_ratio_bps":15000,"stable_asset":"USDC"}`, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, h, "GET", "/v1/vaults/"+owner+"/prime", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, h, "GET", "/v1/users/"+alice+"/balances/USDC", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var bal query.BalanceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bal))
	assert.Equal(t, int64(42), bal.Balance)

	w = doJSON(t, h, "GET", "/v1/users/"+alice+"/journals?limit=abc", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, "GET", "/v1/vaults/"+owner+"/prime/liquidations?limit=10&before=4", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, "POST", "/v1/vaults", `{not json`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, "GET", "/v1/admin/integrity", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, "GET", "/readyz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGatewayAuth(t *testing.T) {
	auth, err := NewAuthenticator("secret", "", nil)
	require.NoError(t, err)
	s := newStack(t, auth)
	h := s.server.Handler()
	user := uuid.New()

	w := doJSON(t, h, "GET", "/v1/users/"+user.String()+"/positions", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, h, "GET", "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	tok, err := auth.Issue(user, time.Minute)
	require.NoError(t, err)
	w = doJSON(t, h, "GET", "/v1/users/"+user.String()+"/positions", "", tok)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, "POST", "/v1/admin/snapshot", "", tok)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
