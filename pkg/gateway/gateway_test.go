package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/decentid/identity-bridge/pkg/attestation"
	"github.com/decentid/identity-bridge/pkg/badge"
	"github.com/decentid/identity-bridge/pkg/events"
	"github.com/decentid/identity-bridge/pkg/heartbeat"
	"github.com/decentid/identity-bridge/pkg/registry"
	"github.com/decentid/identity-bridge/pkg/signature"
	"github.com/decentid/identity-bridge/pkg/succession"
	"github.com/decentid/identity-bridge/pkg/verification"
)

type gatewayFixture struct {
	router  chi.Router
	manager *attestation.Manager
	ledger  *heartbeat.Ledger
	signer  *signature.Service
}

func newGatewayFixture(t *testing.T, opts ...Option) *gatewayFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	verifStore := verification.NewStore(db)
	require.NoError(t, verifStore.AutoMigrate())
	provReg := verification.NewRegistry()
	require.NoError(t, provReg.Register(&verification.MockProvider{Outcome: verification.StatusApproved}))
	verifSvc := verification.NewService(verifStore, provReg, time.Second, nil)

	reg := registry.New(db)
	require.NoError(t, reg.AutoMigrate())

	signer, err := signature.Generate()
	require.NoError(t, err)

	badges := badge.NewIssuer(db, reg, signer)
	require.NoError(t, badges.AutoMigrate())

	tokens := attestation.NewTokenStore(db)
	require.NoError(t, tokens.AutoMigrate())

	trail := events.NewTrail(db)
	require.NoError(t, trail.AutoMigrate())
	sink := events.NewTrailSink(trail, nil)

	manager, err := attestation.NewManager(verifSvc, reg, badges, tokens, signer, sink, time.Hour, nil)
	require.NoError(t, err)

	ledger := heartbeat.NewLedger(db, sink, nil)
	require.NoError(t, ledger.AutoMigrate())

	plans := succession.NewPlanStore(db)
	require.NoError(t, plans.AutoMigrate())

	gw := New(manager, ledger, plans, trail, opts...)
	return &gatewayFixture{router: gw.Router(), manager: manager, ledger: ledger, signer: signer}
}

// do sends a request as an operator in trusted-proxy mode.
func (f *gatewayFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return f.doAs(t, method, path, body, map[string]string{
		"X-Remote-User": "ops",
		"X-Remote-Role": "operator",
	})
}

func (f *gatewayFixture) doAs(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (f *gatewayFixture) attest(t *testing.T, subjectRef, address string) map[string]any {
	t.Helper()
	rec := f.do(t, http.MethodPost, BasePath+"/attest", attestRequest{
		SubjectRef:   subjectRef,
		OwnerAddress: address,
		Provider:     "mock",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody(t, rec)
}

func TestAttest(t *testing.T) {
	f := newGatewayFixture(t)

	body := f.attest(t, "S1", "0xabc")
	assert.Equal(t, "token_issued", body["state"])
	assert.NotEmpty(t, body["identifier"])
	token := body["token"].(map[string]any)
	assert.NotEmpty(t, token["id"])
	assert.NotEmpty(t, token["signedToken"])
	assert.Equal(t, "valid", token["status"])
}

func TestAttest_BadRequest(t *testing.T) {
	f := newGatewayFixture(t)

	rec := f.do(t, http.MethodPost, BasePath+"/attest", attestRequest{SubjectRef: "S1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, BasePath+"/attest", attestRequest{
		SubjectRef:   "S1",
		OwnerAddress: "0xabc",
		Provider:     "no-such-provider",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAttest_RequiresOperatorRole(t *testing.T) {
	f := newGatewayFixture(t)

	rec := f.doAs(t, http.MethodPost, BasePath+"/attest", attestRequest{
		SubjectRef:   "S1",
		OwnerAddress: "0xabc",
		Provider:     "mock",
	}, map[string]string{"X-Remote-User": "viewer"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "OPERATOR_REQUIRED", decodeBody(t, rec)["code"])
}

func TestValidateToken(t *testing.T) {
	f := newGatewayFixture(t)

	body := f.attest(t, "S1", "0xabc")
	tokenID := body["token"].(map[string]any)["id"].(string)

	rec := f.do(t, http.MethodPost, BasePath+"/tokens/"+tokenID+":validate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeBody(t, rec)
	assert.Equal(t, true, result["valid"])
	assert.Equal(t, tokenID, result["tokenId"])

	// Unknown token is the only 404 in the truth table.
	rec = f.do(t, http.MethodPost, BasePath+"/tokens/no-such-token:validate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRevokeThenValidate(t *testing.T) {
	f := newGatewayFixture(t)

	body := f.attest(t, "S1", "0xabc")
	tokenID := body["token"].(map[string]any)["id"].(string)

	rec := f.do(t, http.MethodPost, BasePath+"/tokens/"+tokenID+":revoke", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Revocation is idempotent.
	rec = f.do(t, http.MethodPost, BasePath+"/tokens/"+tokenID+":revoke", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, BasePath+"/tokens/"+tokenID+":validate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeBody(t, rec)
	assert.Equal(t, false, result["valid"])
	assert.Equal(t, "TOKEN_REVOKED", result["code"])
}

func TestActorLifecycle(t *testing.T) {
	f := newGatewayFixture(t)

	rec := f.do(t, http.MethodPost, BasePath+"/actors", registerActorRequest{
		ActorID:          "actor-1",
		ThresholdSeconds: 3600,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "normal", body["escalationState"])
	assert.Equal(t, float64(3600), body["thresholdSeconds"])

	rec = f.do(t, http.MethodPost, BasePath+"/actors", registerActorRequest{
		ActorID:          "actor-1",
		ThresholdSeconds: 3600,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, BasePath+"/actors", registerActorRequest{ActorID: "actor-2"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, BasePath+"/actors/actor-1/heartbeat", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, BasePath+"/actors/actor-1:evaluate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["triggered"])

	rec = f.do(t, http.MethodGet, BasePath+"/actors/actor-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, BasePath+"/actors/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPlanLifecycle(t *testing.T) {
	f := newGatewayFixture(t)

	plan := planRequest{
		ActorID:            "actor-1",
		PredecessorSubject: "S1",
		SuccessorSubject:   "S2",
		SuccessorAddress:   "0xdef",
		Provider:           "mock",
	}
	rec := f.do(t, http.MethodPost, BasePath+"/plans", plan)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, BasePath+"/plans", plan)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, BasePath+"/plans/actor-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "S2", decodeBody(t, rec)["successorSubject"])

	rec = f.do(t, http.MethodDelete, BasePath+"/plans/actor-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, BasePath+"/plans/actor-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListEvents(t *testing.T) {
	f := newGatewayFixture(t)

	f.attest(t, "S1", "0xabc")
	f.attest(t, "S2", "0xdef")

	rec := f.do(t, http.MethodGet, BasePath+"/events?type=token_issued", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	items := body["events"].([]any)
	assert.Len(t, items, 2)

	rec = f.do(t, http.MethodGet, BasePath+"/events?pageToken=not-a-timestamp", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	f := newGatewayFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", decodeBody(t, rec)["status"])
}

func TestBearerTokenAuth(t *testing.T) {
	authSigner, err := signature.Generate()
	require.NoError(t, err)
	f := newGatewayFixture(t, WithOperatorKey(authSigner.PublicKey()))

	signToken := func(roles []string) string {
		claims := operatorClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "ops",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
			Roles: roles,
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(authSigner.PrivateKey())
		require.NoError(t, err)
		return signed
	}

	body := attestRequest{SubjectRef: "S1", OwnerAddress: "0xabc", Provider: "mock"}

	// No bearer token at all.
	rec := f.doAs(t, http.MethodPost, BasePath+"/attest", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid token without the operator role.
	rec = f.doAs(t, http.MethodPost, BasePath+"/attest", body, map[string]string{
		"Authorization": "Bearer " + signToken([]string{"viewer"}),
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Token signed by a different key.
	forger, err := signature.Generate()
	require.NoError(t, err)
	forged, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, operatorClaims{
		Roles: []string{"operator"},
	}).SignedString(forger.PrivateKey())
	require.NoError(t, err)
	rec = f.doAs(t, http.MethodPost, BasePath+"/attest", body, map[string]string{
		"Authorization": "Bearer " + forged,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Operator token works.
	rec = f.doAs(t, http.MethodPost, BasePath+"/attest", body, map[string]string{
		"Authorization": "Bearer " + signToken([]string{"operator"}),
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestDomainStatusFallback(t *testing.T) {
	status, code := domainStatus(fmt.Errorf("boom"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "INTERNAL", code)
}
