package statushttp_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkchannels/zkchannel/amount"
	"github.com/zkchannels/zkchannel/customer"
	"github.com/zkchannels/zkchannel/statushttp"
	"github.com/zkchannels/zkchannel/storage/memory"
	"github.com/zkchannels/zkchannel/zkabacus"
)

func newServer(t *testing.T) (*httptest.Server, zkabacus.ChannelID) {
	t.Helper()

	store := memory.NewCustomerStore()
	var id zkabacus.ChannelID
	id[0] = 0xab
	rec := customer.Record{
		Label:     "coffee",
		ChannelID: id,
		Status:    customer.StatusReady,
	}
	rec.State.ChannelID = id
	rec.State.Balances = amount.Balances{
		Customer: amount.MustParse("3.50", amount.XTZ),
		Merchant: amount.MustParse("1.50", amount.XTZ),
	}
	require.NoError(t, store.CreateChannel(rec))

	srv := httptest.NewServer(statushttp.Handler(statushttp.CustomerSource(store), nil))
	t.Cleanup(srv.Close)
	return srv, id
}

func get(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	srv, _ := newServer(t)
	var body map[string]string
	code := get(t, srv.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestListChannels(t *testing.T) {
	srv, id := newServer(t)
	var list []statushttp.Summary
	code := get(t, srv.URL+"/channels", &list)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, list, 1)
	assert.Equal(t, id.String(), list[0].ID)
	assert.Equal(t, "coffee", list[0].Label)
	assert.Equal(t, string(customer.StatusReady), list[0].Status)
	assert.Equal(t, amount.MustParse("3.50", amount.XTZ), list[0].CustomerBalance)
	assert.Equal(t, amount.MustParse("1.50", amount.XTZ), list[0].MerchantBalance)
}

func TestChannelByIDAndLabel(t *testing.T) {
	srv, id := newServer(t)

	var byID statushttp.Summary
	code := get(t, srv.URL+"/channels/"+id.String(), &byID)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "coffee", byID.Label)

	var byLabel statushttp.Summary
	code = get(t, srv.URL+"/channels/coffee", &byLabel)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, id.String(), byLabel.ID)
}

func TestChannelNotFound(t *testing.T) {
	srv, _ := newServer(t)
	var body map[string]string
	code := get(t, srv.URL+"/channels/nope", &body)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body["error"], "not found")
}
