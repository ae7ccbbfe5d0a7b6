package usdt0

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidity-rebalancer/internal/liquidity"
)

func TestScanDeliveryStatus(t *testing.T) {
	delivered := common.HexToHash("0x01")
	inflight := common.HexToHash("0x02")
	blocked := common.HexToHash("0x03")
	otherPath := common.HexToHash("0x04")
	unindexed := common.HexToHash("0x05")
	broken := common.HexToHash("0x06")
	landed := common.HexToHash("0x07")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/messages/tx/" + delivered.Hex():
			_, _ = w.Write([]byte(`{"data":[{"pathway":{"srcEid":30110,"dstEid":30101},"destination":{"status":"SUCCEEDED"},"status":{"name":"DELIVERED"}}]}`))
		case "/messages/tx/" + inflight.Hex():
			_, _ = w.Write([]byte(`{"data":[{"pathway":{"srcEid":30110,"dstEid":30101},"destination":{"status":"WAITING"},"status":{"name":"INFLIGHT"}}]}`))
		case "/messages/tx/" + blocked.Hex():
			_, _ = w.Write([]byte(`{"data":[{"pathway":{"srcEid":30110,"dstEid":30101},"status":{"name":"BLOCKED","message":"dvn refused"}}]}`))
		case "/messages/tx/" + otherPath.Hex():
			_, _ = w.Write([]byte(`{"data":[{"pathway":{"srcEid":30110,"dstEid":30184},"status":{"name":"DELIVERED"}}]}`))
		case "/messages/tx/" + landed.Hex():
			_, _ = w.Write([]byte(`{"data":[{"pathway":{"srcEid":30110,"dstEid":30101},"destination":{"status":"SUCCEEDED"},"status":{"name":"CONFIRMING"}}]}`))
		case "/messages/tx/" + unindexed.Hex():
			w.WriteHeader(http.StatusNotFound)
		case "/messages/tx/" + broken.Hex():
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	scan := NewScan(testChains(), ScanOptions{BaseURL: srv.URL, Timeout: time.Second, RequestsPerSecond: 1000}, zerolog.Nop())
	ctx := context.Background()
	delivery := func(hash common.Hash) liquidity.Delivery {
		return liquidity.Delivery{SourceChainID: 42161, DestinationChainID: 1, TxHash: hash, ID: "batch-1"}
	}

	cases := []struct {
		hash common.Hash
		want liquidity.DeliveryStatus
	}{
		{delivered, liquidity.DeliveryComplete},
		{landed, liquidity.DeliveryComplete},
		{inflight, liquidity.DeliveryPending},
		{blocked, liquidity.DeliveryFailed},
		{otherPath, liquidity.DeliveryPending},
		{unindexed, liquidity.DeliveryPending},
	}
	for _, tc := range cases {
		got, err := scan.DeliveryStatus(ctx, delivery(tc.hash))
		require.NoError(t, err, tc.hash.Hex())
		assert.Equal(t, tc.want, got, tc.hash.Hex())
	}

	_, err := scan.DeliveryStatus(ctx, delivery(broken))
	assert.ErrorContains(t, err, "LayerZero scan request failed")

	_, err = scan.DeliveryStatus(ctx, liquidity.Delivery{SourceChainID: 42161, DestinationChainID: 10, TxHash: delivered})
	assert.ErrorIs(t, err, ErrUnsupportedChainPair)
}
