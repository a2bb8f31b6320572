package tron

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"crypto-payment-service/internal/apperr"

	"github.com/fbsobreira/gotron-sdk/pkg/address"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestProviderParsesTransfers(t *testing.T) {
	w, err := GenerateWallet()
	require.NoError(t, err)
	to, err := address.Base58ToAddress(w.Address)
	require.NoError(t, err)
	toHex := hex.EncodeToString(to.Bytes())

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("TRON-PRO-API-KEY"))
		switch r.URL.Path {
		case "/v1/accounts/" + w.Address + "/transactions":
			assert.Equal(t, "true", r.URL.Query().Get("only_to"))
			_, _ = rw.Write([]byte(`{"success":true,"data":[
			  {"txID":"aa","blockNumber":100,"ret":[{"contractRet":"SUCCESS"}],
			   "raw_data":{"contract":[{"type":"TransferContract","parameter":{"value":{"amount":2500000,"to_address":"` + toHex + `"}}}]}},
			  {"txID":"bb","blockNumber":118,"ret":[{"contractRet":"REVERT"}],
			   "raw_data":{"contract":[{"type":"TransferContract","parameter":{"value":{"amount":1,"to_address":"` + toHex + `"}}}]}},
			  {"txID":"cc","blockNumber":118,
			   "raw_data":{"contract":[{"type":"TriggerSmartContract","parameter":{"value":{"amount":0}}}]}}
			]}`))
		case "/wallet/getnowblock":
			_, _ = rw.Write([]byte(`{"block_header":{"raw_data":{"number":118}}}`))
		default:
			http.NotFound(rw, r)
		}
	}))
	defer srv.Close()

	p := NewProvider(NewTronHTTPClient(srv.URL, "key", zap.NewNop()), zap.NewNop())
	txs, err := p.IncomingTransactions(context.Background(), w.Address)
	require.NoError(t, err)
	require.Len(t, txs, 2)

	assert.Equal(t, "aa", txs[0].Hash)
	assert.Equal(t, "2.5", txs[0].Amount.String())
	assert.Equal(t, 19, txs[0].Confirmations)
	assert.False(t, txs[0].Failed)

	assert.Equal(t, "bb", txs[1].Hash)
	assert.True(t, txs[1].Failed)
	assert.Equal(t, "REVERT", txs[1].FailReason)
}

func TestValidateAddress(t *testing.T) {
	w, err := GenerateWallet()
	require.NoError(t, err)
	assert.NoError(t, ValidateAddress(w.Address))
	assert.Error(t, ValidateAddress("T-not-base58"))
}

func TestClientTruncatesErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusBadRequest)
		_, _ = rw.Write([]byte(strings.Repeat("e", 64<<10)))
	}))
	defer srv.Close()

	_, err := NewTronHTTPClient(srv.URL, "", zap.NewNop()).GetNowBlock(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperr.KindExternal, apperr.KindOf(err))
	assert.Less(t, len(err.Error()), maxErrorBodyBytes+256)
}
