package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/syndicate-api/internal/config"
	"github.com/ksred/syndicate-api/internal/seed"
	"github.com/ksred/syndicate-api/internal/types"
	"github.com/ksred/syndicate-api/internal/workflow"
	"github.com/ksred/syndicate-api/pkg/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Success bool            `json:"success"`
	Trade   *types.Trade    `json:"trade"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Validation *types.TransferValidation `json:"validation"`
}

func testConfig(backend string) *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "test",
		DatabasePath:        ":memory:",
		JWTSecret:           "test-secret",
		LedgerBackend:       backend,
		SimulatedIssuer:     "did:test:issuer",
		TrustedIssuers:      []string{"did:test:issuer"},
		RequiredClaimTopics: []types.ClaimTopic{types.ClaimTopicKYC, types.ClaimTopicAccreditation},
		BlockedCountries:    []string{"KP", "IR", "SY", "CU"},
		TradeTTL:            time.Hour,
		ExpiryInterval:      time.Minute,
		RateLimitAuth:       6000,
		RateLimitWorkflow:   6000,
		RateLimitQuery:      6000,
		RateLimitBurst:      100,
		SeedDemo:            true,
	}
}

func newTestApp(t *testing.T, backend string) *App {
	t.Helper()
	gin.SetMode(gin.TestMode)

	app, err := New(context.Background(), testConfig(backend))
	require.NoError(t, err)
	return app
}

func call(t *testing.T, app *App, method, path string, actor *types.Actor, payload interface{}) (int, envelope) {
	t.Helper()

	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set(middleware.HeaderActorRole, string(actor.Role))
		req.Header.Set(middleware.HeaderActorIdentity, actor.Identity)
	}

	w := httptest.NewRecorder()
	app.Router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

var (
	trader  = types.Actor{Role: types.RoleTrader, Identity: "alice.trader"}
	checker = types.Actor{Role: types.RoleChecker, Identity: "bob.checker"}
	agent   = types.Actor{Role: types.RoleAgent, Identity: "carol.agent"}
)

func proposePayload(seller, buyer string, units int64) map[string]interface{} {
	return map[string]interface{}{
		"token":          seed.DemoToken,
		"seller":         seller,
		"buyer":          buyer,
		"units":          units,
		"price_per_unit": "99.25",
	}
}

func TestWorkflowOverHTTP(t *testing.T) {
	for _, backend := range []string{config.LedgerMock, config.LedgerSQL} {
		t.Run(backend, func(t *testing.T) {
			app := newTestApp(t, backend)

			code, env := call(t, app, http.MethodPost, "/api/v1/trades/propose", &trader,
				proposePayload(seed.LenderAlpha, seed.InvestorGamma, 1_000))
			require.Equal(t, http.StatusCreated, code, env.Error)
			require.NotNil(t, env.Trade)
			assert.True(t, env.Success)
			assert.Equal(t, types.StatusProposed, env.Trade.Status)
			tradeID := env.Trade.TradeID

			code, env = call(t, app, http.MethodPost, "/api/v1/trades/approve", &checker, map[string]string{"trade_id": tradeID})
			require.Equal(t, http.StatusCreated, code, env.Error)
			assert.Equal(t, types.StatusApproved, env.Trade.Status)

			code, env = call(t, app, http.MethodPost, "/api/v1/trades/execute", &agent, map[string]string{"trade_id": tradeID})
			require.Equal(t, http.StatusCreated, code, env.Error)
			assert.Equal(t, types.StatusSettled, env.Trade.Status)
			assert.NotEmpty(t, env.Trade.SettlementRef)
			require.NotNil(t, env.Trade.Workflow)
			assert.Equal(t, 3, env.Trade.Workflow.History.Len())

			code, env = call(t, app, http.MethodGet, "/api/v1/trades/"+tradeID, nil, nil)
			require.Equal(t, http.StatusOK, code)
			assert.Equal(t, types.StatusSettled, env.Trade.Status)

			code, env = call(t, app, http.MethodGet, "/api/v1/balances?token="+seed.DemoToken, nil, nil)
			require.Equal(t, http.StatusOK, code)
			var balances []workflow.BalanceView
			require.NoError(t, json.Unmarshal(env.Data, &balances))

			byAddress := make(map[string]workflow.BalanceView)
			for _, b := range balances {
				byAddress[b.WalletAddress] = b
			}
			assert.Equal(t, int64(4_999_000), byAddress[seed.LenderAlpha].Total)
			assert.Equal(t, int64(1_000), byAddress[seed.InvestorGamma].Total)
			assert.Equal(t, int64(500_000), byAddress[seed.LenderBeta].Frozen)
		})
	}
}

func TestProposeValidationFailureOverHTTP(t *testing.T) {
	for _, backend := range []string{config.LedgerMock, config.LedgerSQL} {
		t.Run(backend, func(t *testing.T) {
			app := newTestApp(t, backend)

			tests := []struct {
				name   string
				seller string
				buyer  string
				units  int64
				reason types.ReasonCode
			}{
				{"pending kyc sender", seed.PendingKYC, seed.InvestorGamma, 10, types.ReasonSenderInvalid},
				{"unknown receiver", seed.LenderAlpha, "0xdeadbeef", 10, types.ReasonReceiverInvalid},
				{"frozen sender", seed.FrozenLender, seed.InvestorGamma, 10, types.ReasonFundsLocked},
				{"locked up sender", seed.LockedLender, seed.InvestorGamma, 10, types.ReasonFundsLocked},
				{"frozen units", seed.LenderBeta, seed.InvestorGamma, 2_100_000, types.ReasonInsufficientBalance},
				{"restricted country", seed.LenderAlpha, seed.RestrictedFund, 10, types.ReasonCountryRestricted},
			}

			for _, tt := range tests {
				code, env := call(t, app, http.MethodPost, "/api/v1/trades/propose", &trader,
					proposePayload(tt.seller, tt.buyer, tt.units))
				assert.Equal(t, http.StatusConflict, code, tt.name)
				assert.False(t, env.Success, tt.name)
				require.NotNil(t, env.Validation, tt.name)
				assert.Equal(t, tt.reason, env.Validation.ReasonCode, tt.name)
				require.NotNil(t, env.Error, tt.name)
				assert.Equal(t, "VALIDATION_FAILED", env.Error.Code, tt.name)
			}

			code, env := call(t, app, http.MethodGet, "/api/v1/trades", nil, nil)
			require.Equal(t, http.StatusOK, code)
			assert.JSONEq(t, "[]", string(env.Data))
		})
	}
}

func TestErrorClassesOverHTTP(t *testing.T) {
	app := newTestApp(t, config.LedgerMock)

	code, env := call(t, app, http.MethodPost, "/api/v1/trades/propose", &trader,
		proposePayload(seed.LenderAlpha, seed.InvestorGamma, 10))
	require.Equal(t, http.StatusCreated, code)
	tradeID := env.Trade.TradeID

	// Wrong role
	code, env = call(t, app, http.MethodPost, "/api/v1/trades/approve", &trader, map[string]string{"trade_id": tradeID})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "FORBIDDEN", env.Error.Code)
	assert.Nil(t, env.Validation)

	// Missing actor
	code, env = call(t, app, http.MethodPost, "/api/v1/trades/approve", nil, map[string]string{"trade_id": tradeID})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "BAD_REQUEST", env.Error.Code)

	// Missing payload field
	code, _ = call(t, app, http.MethodPost, "/api/v1/trades/approve", &checker, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)

	// Unknown trade
	code, env = call(t, app, http.MethodPost, "/api/v1/trades/approve", &checker, map[string]string{"trade_id": "TRD_missing"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)

	// Out of order
	code, env = call(t, app, http.MethodPost, "/api/v1/trades/execute", &agent, map[string]string{"trade_id": tradeID})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "PRECONDITION_FAILED", env.Error.Code)

	// Unknown status filter
	code, _ = call(t, app, http.MethodGet, "/api/v1/trades?status=cancelled", nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	// Trade still proposed
	code, env = call(t, app, http.MethodGet, "/api/v1/trades?status=proposed", nil, nil)
	require.Equal(t, http.StatusOK, code)
	var trades []types.Trade
	require.NoError(t, json.Unmarshal(env.Data, &trades))
	require.Len(t, trades, 1)
	assert.Equal(t, tradeID, trades[0].TradeID)
}

func TestWrongRoleIsForbiddenRegardlessOfPayload(t *testing.T) {
	app := newTestApp(t, config.LedgerMock)

	tests := []struct {
		path  string
		actor types.Actor
	}{
		{"/api/v1/trades/execute", checker},
		{"/api/v1/trades/approve", agent},
		{"/api/v1/trades/reject", trader},
		{"/api/v1/trades/propose", checker},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			actor := tt.actor
			code, env := call(t, app, http.MethodPost, tt.path, &actor, map[string]string{})
			assert.Equal(t, http.StatusForbidden, code)
			require.NotNil(t, env.Error)
			assert.Equal(t, "FORBIDDEN", env.Error.Code)
		})
	}
}

func TestRejectOverHTTP(t *testing.T) {
	app := newTestApp(t, config.LedgerMock)

	_, env := call(t, app, http.MethodPost, "/api/v1/trades/propose", &trader,
		proposePayload(seed.LenderAlpha, seed.InvestorGamma, 10))
	require.NotNil(t, env.Trade)

	code, env := call(t, app, http.MethodPost, "/api/v1/trades/reject", &checker,
		map[string]string{"trade_id": env.Trade.TradeID, "reason": "stale price"})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, types.StatusRejected, env.Trade.Status)
	assert.Equal(t, "stale price", env.Trade.RejectionReason)
}

func TestComplianceDryRun(t *testing.T) {
	app := newTestApp(t, config.LedgerMock)

	code, env := call(t, app, http.MethodPost, "/api/v1/compliance/validate", nil, map[string]interface{}{
		"token":  seed.DemoToken,
		"seller": seed.LenderAlpha,
		"buyer":  seed.RestrictedFund,
		"units":  10,
	})
	require.Equal(t, http.StatusOK, code)

	var validation types.TransferValidation
	require.NoError(t, json.Unmarshal(env.Data, &validation))
	assert.False(t, validation.CanTransfer)
	assert.Equal(t, types.ReasonCountryRestricted, validation.ReasonCode)
	assert.Len(t, validation.Checks, 6)

	code, env = call(t, app, http.MethodGet, "/api/v1/trades", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, "[]", string(env.Data))
}

func TestActorToken(t *testing.T) {
	app := newTestApp(t, config.LedgerMock)
	cred := seed.DemoCredentials[0]

	code, env := call(t, app, http.MethodPost, "/api/v1/auth/token", nil, map[string]string{
		"api_key":    cred.APIKey,
		"api_secret": cred.APISecret,
	})
	require.Equal(t, http.StatusCreated, code)

	var token struct {
		Token string      `json:"jwt_token"`
		Actor types.Actor `json:"actor"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &token))
	assert.Equal(t, cred.Actor, token.Actor)

	body, err := json.Marshal(proposePayload(seed.LenderAlpha, seed.InvestorGamma, 10))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/trades/propose", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token.Token)
	w := httptest.NewRecorder()
	app.Router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/api/v1/participants", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w = httptest.NewRecorder()
	app.Router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	code, _ = call(t, app, http.MethodPost, "/api/v1/auth/token", nil, map[string]string{
		"api_key":    cred.APIKey,
		"api_secret": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestListParticipants(t *testing.T) {
	app := newTestApp(t, config.LedgerSQL)

	code, env := call(t, app, http.MethodGet, "/api/v1/participants", nil, nil)
	require.Equal(t, http.StatusOK, code)

	var participants []types.Participant
	require.NoError(t, json.Unmarshal(env.Data, &participants))
	assert.Len(t, participants, 8)
}
