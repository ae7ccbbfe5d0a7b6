package cctp

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidity-rebalancer/internal/contracts"
	"liquidity-rebalancer/internal/jobs/jobdata"
	"liquidity-rebalancer/internal/liquidity"
	"liquidity-rebalancer/internal/queue"
	"liquidity-rebalancer/internal/wallet/wallettest"
)

var (
	walletAddr  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	usdcOP      = common.HexToAddress("0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85")
	usdcBase    = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	messengerOP = common.HexToAddress("0x2B4069517957735bE00ceE0fadAE88a26365528f")
	transmitter = common.HexToAddress("0xAD09780d193884d503182aD4588450C416D6F9D4")
)

func testChains() []Chain {
	return []Chain{
		{ChainID: 10, Domain: 2, Token: usdcOP, TokenMessenger: messengerOP, MessageTransmitter: transmitter},
		{ChainID: 8453, Domain: 6, Token: usdcBase, TokenMessenger: messengerOP, MessageTransmitter: transmitter},
	}
}

func token(chainID uint64, addr common.Address) liquidity.TokenDataAnalyzed {
	return liquidity.TokenDataAnalyzed{TokenData: liquidity.TokenData{
		ChainID: chainID,
		Config:  liquidity.TokenConfig{Address: addr, ChainID: chainID, Type: liquidity.TokenTypeERC20},
		Balance: liquidity.TokenBalance{Address: addr, Decimals: liquidity.Decimals{Original: 6, Current: 18}},
	}}
}

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func burnReceipt(t *testing.T, body []byte) *types.Receipt {
	t.Helper()
	event := contracts.MessageTransmitter.Events["MessageSent"]
	data, err := event.Inputs.Pack(body)
	require.NoError(t, err)
	return &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs: []*types.Log{
			{Address: usdcOP, Topics: []common.Hash{common.HexToHash("0x01")}},
			{Address: transmitter, Topics: []common.Hash{event.ID}, Data: data},
		},
	}
}

func TestGetQuoteSupportedRoute(t *testing.T) {
	p := New(testChains(), wallettest.New(walletAddr), nil, zerolog.Nop())

	quotes, err := p.GetQuote(context.Background(), token(10, usdcOP), token(8453, usdcBase), units(250), "id-1")
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, liquidity.StrategyCCTP, quotes[0].Strategy)
	assert.Equal(t, 0.0, quotes[0].Slippage)
	assert.Equal(t, 0, units(250).Cmp(quotes[0].AmountIn))
	assert.Equal(t, 0, units(250).Cmp(quotes[0].AmountOut))
}

func TestGetQuoteRejectsUnsupportedToken(t *testing.T) {
	p := New(testChains(), wallettest.New(walletAddr), nil, zerolog.Nop())
	other := common.HexToAddress("0x94b008aA00579c1307B0EF2c499aD98a8ce58e58")

	_, err := p.GetQuote(context.Background(), token(10, other), token(8453, usdcBase), units(1), "")
	assert.ErrorIs(t, err, ErrUnsupportedRoute)

	_, err = p.GetQuote(context.Background(), token(10, usdcOP), token(10, usdcOP), units(1), "")
	assert.ErrorIs(t, err, ErrUnsupportedRoute)
}

func TestExecuteBurnsAndSchedulesAttestationCheck(t *testing.T) {
	signer := wallettest.New(walletAddr)
	body := []byte("cctp message body")
	signer.Client(10).Receipt = burnReceipt(t, body)

	q := queue.NewMemoryQueue()
	p := New(testChains(), signer, jobdata.NewEnqueuer(q), zerolog.Nop())

	quote := liquidity.Quote{
		ID:             "op-1",
		TokenIn:        token(10, usdcOP),
		TokenOut:       token(8453, usdcBase),
		AmountIn:       units(100),
		AmountOut:      units(100),
		Strategy:       liquidity.StrategyCCTP,
		GroupID:        "group-1",
		RebalanceJobID: "rb-1",
	}
	hash, err := p.Execute(context.Background(), walletAddr, quote)
	require.NoError(t, err)
	assert.Equal(t, signer.Client(10).Hash, hash)

	batch := signer.Client(10).LastBatch()
	require.Len(t, batch, 2)
	assert.Equal(t, usdcOP, batch[0].To)
	assert.Equal(t, messengerOP, batch[1].To)

	args, err := contracts.TokenMessenger.Methods["depositForBurn"].Inputs.Unpack(batch[1].Data[4:])
	require.NoError(t, err)
	assert.Equal(t, "100000000", args[0].(*big.Int).String())
	assert.Equal(t, uint32(6), args[1])
	assert.Equal(t, contracts.PadAddress(walletAddr), args[2])
	assert.Equal(t, usdcOP, args[3])

	job, err := q.Reserve(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, jobdata.CheckCCTPAttestationJob, job.Name)

	var data jobdata.CheckCCTPAttestation
	require.NoError(t, job.Decode(&data))
	assert.Equal(t, "group-1", data.GroupID)
	assert.Equal(t, "rb-1", data.RebalanceJobID)
	assert.Equal(t, walletAddr, data.Wallet)
	assert.Equal(t, uint64(8453), data.DestinationChainID)
	assert.Equal(t, crypto.Keccak256Hash(body), data.MessageHash)
	assert.Equal(t, body, []byte(data.MessageBody))
	assert.Nil(t, data.CCTPLiFiContext)
}

func TestExecuteWithMetadataRequiresMessageSent(t *testing.T) {
	signer := wallettest.New(walletAddr)
	signer.Client(10).Receipt = &types.Receipt{Status: types.ReceiptStatusSuccessful}
	p := New(testChains(), signer, nil, zerolog.Nop())

	_, err := p.ExecuteWithMetadata(context.Background(), walletAddr, liquidity.Quote{
		TokenIn: token(10, usdcOP), TokenOut: token(8453, usdcBase), AmountIn: units(1), AmountOut: units(1),
	})
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestExecuteRejectsForeignWallet(t *testing.T) {
	p := New(testChains(), wallettest.New(walletAddr), nil, zerolog.Nop())
	_, err := p.ExecuteWithMetadata(context.Background(), common.HexToAddress("0x2222222222222222222222222222222222222222"), liquidity.Quote{
		TokenIn: token(10, usdcOP), TokenOut: token(8453, usdcBase), AmountIn: units(1), AmountOut: units(1),
	})
	assert.ErrorIs(t, err, ErrUnexpectedWallet)
}

func TestReceiveMessage(t *testing.T) {
	signer := wallettest.New(walletAddr)
	p := New(testChains(), signer, nil, zerolog.Nop())

	hash, err := p.ReceiveMessage(context.Background(), 8453, []byte{0x01}, []byte{0x02}, "op")
	require.NoError(t, err)
	assert.Equal(t, signer.Client(8453).Hash, hash)

	batch := signer.Client(8453).LastBatch()
	require.Len(t, batch, 1)
	assert.Equal(t, transmitter, batch[0].To)
	assert.Equal(t, contracts.MessageTransmitter.Methods["receiveMessage"].ID, batch[0].Data[:4])

	_, err = p.ReceiveMessage(context.Background(), 1, nil, nil, "")
	assert.EqualError(t, err, "CCTP chain config not found for chain 1")
}

func TestFetchAttestation(t *testing.T) {
	hashPending := common.HexToHash("0x01")
	hashNotFound := common.HexToHash("0x02")
	hashComplete := common.HexToHash("0x03")
	hashBroken := common.HexToHash("0x04")
	hashSlow := common.HexToHash("0x05")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/attestations/" + hashPending.Hex():
			w.WriteHeader(http.StatusNotFound)
		case "/v1/attestations/" + hashNotFound.Hex():
			_, _ = w.Write([]byte(`{"error":"Message hash Not Found"}`))
		case "/v1/attestations/" + hashComplete.Hex():
			_, _ = w.Write([]byte(`{"status":"complete","attestation":"0xabcd"}`))
		case "/v1/attestations/" + hashBroken.Hex():
			w.WriteHeader(http.StatusInternalServerError)
		case "/v1/attestations/" + hashSlow.Hex():
			time.Sleep(200 * time.Millisecond)
			_, _ = w.Write([]byte(`{"status":"complete","attestation":"0xabcd"}`))
		default:
			_, _ = w.Write([]byte(`{"status":"pending_confirmations"}`))
		}
	}))
	defer srv.Close()

	iris := NewIris(IrisOptions{BaseURL: srv.URL, Timeout: 50 * time.Millisecond, RequestsPerSecond: 1000}, zerolog.Nop())
	ctx := context.Background()

	att, err := iris.FetchAttestation(ctx, hashPending, "")
	require.NoError(t, err)
	assert.Equal(t, liquidity.AttestationPending, att.Status)

	att, err = iris.FetchAttestation(ctx, hashNotFound, "")
	require.NoError(t, err)
	assert.Equal(t, liquidity.AttestationPending, att.Status)

	att, err = iris.FetchAttestation(ctx, common.HexToHash("0x99"), "")
	require.NoError(t, err)
	assert.Equal(t, liquidity.AttestationPending, att.Status)

	att, err = iris.FetchAttestation(ctx, hashComplete, "")
	require.NoError(t, err)
	assert.Equal(t, liquidity.AttestationComplete, att.Status)
	assert.Equal(t, []byte{0xab, 0xcd}, att.Attestation)

	att, err = iris.FetchAttestation(ctx, hashSlow, "")
	require.NoError(t, err)
	assert.Equal(t, liquidity.AttestationPending, att.Status)

	_, err = iris.FetchAttestation(ctx, hashBroken, "")
	assert.ErrorContains(t, err, "CCTP attestation API request failed")
}
