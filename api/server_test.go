package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/metaid/token_indexer/blockchain"
	"github.com/metaid/token_indexer/common"
	"github.com/metaid/token_indexer/indexer"
	"github.com/metaid/token_indexer/storage"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStatus struct {
	err error
}

func (f fakeStatus) GetChainStatus() (*blockchain.ChainStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &blockchain.ChainStatus{Chain: "regtest", Blocks: 1}, nil
}

func p2pkh(hash []byte) []byte {
	s := append([]byte{0x76, 0xa9, 0x14}, hash...)
	return append(s, 0x88, 0xac)
}

func newTestServer(t *testing.T) (*Server, *indexer.Indexer, string, chainhash.Hash) {
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	idx, err := indexer.New(db, indexer.Params{
		Network:         "regtest",
		History:         indexer.HistoryConf{PageSize: 10},
		TxNumCacheDepth: 2,
	}, zap.NewNop())
	require.NoError(t, err)

	pkHash := bytes.Repeat([]byte{0x42}, 20)
	addr, err := btcutil.NewAddressPubKeyHash(pkHash, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	cb := &common.Tx{
		Inputs:  []common.TxInput{{PrevOut: wire.OutPoint{Index: wire.MaxPrevOutIndex}}},
		Outputs: []common.TxOutput{{Value: 5000, Script: p2pkh(pkHash)}},
	}
	cb.TxID[0] = 0xcb
	block := &common.Block{Height: 0, Txs: []*common.Tx{cb}}
	block.Hash[0] = 0xb0
	require.NoError(t, idx.HandleBlockConnected(block))

	s := NewServer(idx, &chaincfg.RegressionNetParams, zap.NewNop())
	return s, idx, addr.EncodeAddress(), cb.TxID
}

func get(t *testing.T, s *Server, path string) (int, map[string]interface{}) {
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec.Code, body
}

func TestRoutes(t *testing.T) {
	s, _, addr, txid := newTestServer(t)
	var unknown chainhash.Hash
	unknown[0] = 0x99

	tests := []struct {
		name string
		path string
		want int
	}{
		{name: "utxos", path: "/address/" + addr + "/utxos", want: http.StatusOK},
		{name: "history", path: "/address/" + addr + "/history?page=0&page_size=5", want: http.StatusOK},
		{name: "balance", path: "/address/" + addr + "/balance", want: http.StatusOK},
		{name: "bad address", path: "/address/nope/utxos", want: http.StatusBadRequest},
		{name: "bad page size", path: "/address/" + addr + "/history?page_size=0", want: http.StatusBadRequest},
		{name: "bad page", path: "/address/" + addr + "/history?page=x", want: http.StatusBadRequest},
		{name: "tx", path: "/tx/" + txid.String(), want: http.StatusOK},
		{name: "unknown tx", path: "/tx/" + unknown.String(), want: http.StatusNotFound},
		{name: "bad txid", path: "/tx/zz", want: http.StatusBadRequest},
		{name: "block", path: "/block/0", want: http.StatusOK},
		{name: "missing block", path: "/block/7", want: http.StatusNotFound},
		{name: "bad height", path: "/block/-1", want: http.StatusBadRequest},
		{name: "unknown token", path: "/token/" + unknown.String(), want: http.StatusNotFound},
		{name: "bad token", path: "/token/abc", want: http.StatusBadRequest},
		{name: "unknown group", path: "/group/nope/aa/utxos", want: http.StatusNotFound},
		{name: "bad member", path: "/group/script/xyz/utxos", want: http.StatusBadRequest},
		{name: "mempool", path: "/mempool", want: http.StatusOK},
		{name: "status", path: "/status", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := get(t, s, tt.path)
			require.Equal(t, tt.want, code, body)
			if tt.want != http.StatusOK {
				require.Contains(t, body, "error")
			}
		})
	}
}

func TestAddressQueries(t *testing.T) {
	s, _, addr, _ := newTestServer(t)

	_, body := get(t, s, "/address/"+addr+"/utxos")
	require.Equal(t, float64(1), body["count"])

	_, body = get(t, s, "/address/"+addr+"/balance")
	require.Equal(t, float64(5000), body["confirmed_balance_satoshi"])

	_, body = get(t, s, "/address/"+addr+"/history")
	require.Equal(t, float64(1), body["num_txs"])

	_, body = get(t, s, "/block/0")
	require.Len(t, body["txs"], 1)
}

func TestStatusWithNode(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	s.SetNode(fakeStatus{})
	_, body := get(t, s, "/status")
	require.Contains(t, body, "tip")
	require.Equal(t, "regtest", body["node"].(map[string]interface{})["chain"])

	s.SetNode(fakeStatus{err: errors.New("down")})
	code, body := get(t, s, "/status")
	require.Equal(t, http.StatusOK, code)
	require.NotContains(t, body, "node")
}
