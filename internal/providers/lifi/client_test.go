package lifi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidity-rebalancer/internal/liquidity"
)

func TestClientDeliveryStatus(t *testing.T) {
	statuses := map[string]string{
		common.HexToHash("0x01").Hex(): `{"status":"DONE","substatus":"COMPLETED","receiving":{"txHash":"0xbeef"}}`,
		common.HexToHash("0x02").Hex(): `{"status":"PENDING","substatus":"WAIT_DESTINATION_TRANSACTION"}`,
		common.HexToHash("0x03").Hex(): `{"status":"DONE","substatus":"REFUNDED"}`,
		common.HexToHash("0x04").Hex(): `{"status":"FAILED"}`,
		common.HexToHash("0x05").Hex(): `{"status":"NOT_FOUND"}`,
	}
	var query []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != statusPath {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		q := r.URL.Query()
		query = append(query, q.Get("fromChain")+">"+q.Get("toChain"))
		body, ok := statuses[q.Get("txHash")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Transaction not found","code":1011}`))
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	client := NewClient(Options{BaseURL: srv.URL, RequestsPerSecond: 1000}, zerolog.Nop())
	ctx := context.Background()

	cases := []struct {
		hash string
		want liquidity.DeliveryStatus
	}{
		{"0x01", liquidity.DeliveryComplete},
		{"0x02", liquidity.DeliveryPending},
		{"0x03", liquidity.DeliveryFailed},
		{"0x04", liquidity.DeliveryFailed},
		{"0x05", liquidity.DeliveryPending},
		{"0x06", liquidity.DeliveryPending},
	}
	for _, tc := range cases {
		got, err := client.DeliveryStatus(ctx, liquidity.Delivery{
			SourceChainID:      10,
			DestinationChainID: 8453,
			TxHash:             common.HexToHash(tc.hash),
		})
		require.NoError(t, err, tc.hash)
		assert.Equal(t, tc.want, got, tc.hash)
	}
	assert.Equal(t, "10>8453", query[0])
}
