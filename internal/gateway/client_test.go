package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantlabs/yardgen/internal/gateway"
)

func TestParseEvent(t *testing.T) {
	ev, err := gateway.ParseEvent([]byte(`{"id":"pi_1","type":"payment.succeeded","user_id":7,"tokens":50}`))
	require.NoError(t, err)
	assert.Equal(t, "pi_1", ev.ID)
	assert.Equal(t, gateway.EventPaymentSucceeded, ev.Type)
	assert.Equal(t, int64(7), ev.UserID)
	assert.Equal(t, 50, ev.Tokens)

	_, err = gateway.ParseEvent([]byte(`{"type":"payment.succeeded","user_id":7}`))
	require.Error(t, err, "missing id")

	_, err = gateway.ParseEvent([]byte(`{"id":"pi_1"}`))
	require.Error(t, err, "missing user_id")

	_, err = gateway.ParseEvent([]byte(`not json`))
	require.Error(t, err)
}

func TestCreateCharge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/charges", r.URL.Path)
		user, secret, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "acct_1", user)
		assert.Equal(t, "s3cret", secret)
		assert.NotEmpty(t, r.Header.Get("Idempotence-Key"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "7", payload["account_id"])
		assert.EqualValues(t, 100, payload["tokens"])

		json.NewEncoder(w).Encode(map[string]string{"id": "ch_42", "status": "succeeded"})
	}))
	defer srv.Close()

	client := gateway.NewClient(gateway.Options{BaseURL: srv.URL, AccountID: "acct_1", Secret: "s3cret"})
	chargeID, err := client.CreateCharge(context.Background(), 7, 100)
	require.NoError(t, err)
	assert.Equal(t, "ch_42", chargeID)
}

func TestCreateChargeDeclined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "ch_43", "status": "failed"})
	}))
	defer srv.Close()

	client := gateway.NewClient(gateway.Options{BaseURL: srv.URL, AccountID: "acct_1", Secret: "s3cret"})
	_, err := client.CreateCharge(context.Background(), 7, 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declined")
}

func TestCreateChargeHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := gateway.NewClient(gateway.Options{BaseURL: srv.URL, AccountID: "acct_1", Secret: "bad"})
	_, err := client.CreateCharge(context.Background(), 7, 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}
