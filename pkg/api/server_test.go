package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/batchex/params"
	"github.com/uhyunpark/batchex/pkg/app/core/asset"
	"github.com/uhyunpark/batchex/pkg/app/core/orderbook"
	"github.com/uhyunpark/batchex/pkg/app/core/query"
	"github.com/uhyunpark/batchex/pkg/app/exchange"
	"github.com/uhyunpark/batchex/pkg/num"
	"github.com/uhyunpark/batchex/pkg/util"
)

const batchTime = 300 * time.Second

var (
	feeToken = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	token1   = common.HexToAddress("0x0000000000000000000000000000000000000001")
	user0    = common.HexToAddress("0x0000000000000000000000000000000000001000")
	user1    = common.HexToAddress("0x0000000000000000000000000000000000001001")
	solver   = common.HexToAddress("0x000000000000000000000000000000000000501a")
)

func u(s string) *num.Uint {
	v, overflow := num.UintFromString(s)
	if overflow {
		panic("bad number " + s)
	}
	return v
}

var (
	sellOrder1 = u("20020020020020020020")
	buyOrder1  = u("10000000000000000000")
	sellOrder2 = u("10000000000000000000")
	buyOrder2  = u("19980000000000000000")
)

type testServer struct {
	clock *util.ManualClock
	vault *asset.Vault
	ex    *exchange.Exchange
	srv   *Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := params.Default().Settlement
	cfg.FeeToken = feeToken
	cfg.ListingFee = 0
	clock := util.NewManualClock(time.Unix(int64(batchTime/time.Second)*1000, 0))
	vault := asset.NewVault()
	ex := exchange.New(cfg, clock, vault, nil, nil, nil)
	require.NoError(t, ex.Restore())
	return &testServer{clock: clock, vault: vault, ex: ex, srv: NewServer(ex, []string{"*"}, nil)}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

// trade lists asset 1, funds user0 selling asset 0 for asset 1 and user1
// the reverse in batch 1000, and moves the clock into batch 1001.
func (ts *testServer) trade(t *testing.T) {
	t.Helper()
	rec := ts.do(t, "POST", "/api/v1/tokens", RegisterTokenRequest{Caller: user0, Ref: token1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	ts.vault.Mint(user0, 0, sellOrder1)
	ts.vault.Mint(user1, 1, sellOrder2)
	for _, d := range []DepositRequest{
		{Owner: user0, Asset: 0, Amount: sellOrder1},
		{Owner: user1, Asset: 1, Amount: sellOrder2},
	} {
		rec = ts.do(t, "POST", "/api/v1/deposits", d)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	// amounts travel as decimal strings
	body := `{"owner":"` + user0.Hex() + `","orders":[{"buyAsset":1,"sellAsset":0,"validUntil":1001,` +
		`"buyAmount":"10000000000000000000","sellAmount":"20020020020020020020"}]}`
	req := httptest.NewRequest("POST", "/api/v1/orders", strings.NewReader(body))
	rr := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, []orderbook.OrderID{0}, decodeBody[OrderIDsResponse](t, rr).IDs)

	rec = ts.do(t, "POST", "/api/v1/orders/replace", ReplaceOrdersRequest{Owner: user1, Orders: []orderbook.Request{{
		BuyAsset: 0, SellAsset: 1, ValidUntil: 1001, BuyAmount: buyOrder2, SellAmount: sellOrder2,
	}}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ts.clock.Advance(batchTime)
}

func solution() SolutionRequest {
	return SolutionRequest{
		BatchID:          1000,
		Solver:           solver,
		ClaimedObjective: num.MaxUint128(),
		Owners:           []common.Address{user0, user1},
		OrderIDs:         []orderbook.OrderID{0, 0},
		BuyVolumes:       []*num.Uint{buyOrder1, buyOrder2},
		PriceAssetIDs:    []asset.ID{1},
		Prices:           []*num.Uint{u("2000000000000000000")},
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, HealthResponse{Status: "ok", Batch: 1000}, decodeBody[HealthResponse](t, rec))
}

func TestSolutionOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.trade(t)

	rec := ts.do(t, "GET", "/api/v1/orderbook/finalized?pageSize=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeBody[OrdersPage](t, rec)
	require.NotNil(t, page.Orders)
	recs, err := query.Decode(*page.Orders)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, user0, recs[0].Owner)
	assert.True(t, recs[0].SellTokenBalance.EQ(sellOrder1))
	require.NotNil(t, page.Next)
	assert.Equal(t, user1, page.Next.LastOwner)

	rec = ts.do(t, "POST", "/api/v1/solutions", solution())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, "GET", "/api/v1/solutions/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var latest struct {
		BatchID   uint32    `json:"batchId"`
		Objective *num.Uint `json:"objective"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &latest))
	assert.Equal(t, uint32(1000), latest.BatchID)
	assert.Equal(t, "20010010010010010", latest.Objective.String())

	rec = ts.do(t, "GET", "/api/v1/accounts/"+user0.Hex()+"/balances/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decodeBody[exchange.BalanceView](t, rec)
	assert.True(t, bal.Balance.EQ(buyOrder1))

	rec = ts.do(t, "GET", "/api/v1/batch", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"has_solution"`)
}

func TestErrorStatus(t *testing.T) {
	ts := newTestServer(t)
	ts.trade(t)
	rec := ts.do(t, "POST", "/api/v1/solutions", solution())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	unordered := solution()
	unordered.PriceAssetIDs = []asset.ID{1, 1}
	unordered.Prices = []*num.Uint{u("2000000000000000000"), u("2000000000000000000")}

	late := solution()
	late.BatchID = 999

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		class  string
	}{
		{"malformed body", "POST", "/api/v1/deposits", "not an object", http.StatusBadRequest, "structural"},
		{"unordered prices", "POST", "/api/v1/solutions", unordered, http.StatusBadRequest, "structural"},
		{"window closed", "POST", "/api/v1/solutions", late, http.StatusConflict, "temporal"},
		{"no improvement", "POST", "/api/v1/solutions", solution(), http.StatusUnprocessableEntity, "economic"},
		{"withdraw without request", "POST", "/api/v1/withdrawals", WithdrawRequest{Owner: user0, Asset: 0}, http.StatusConflict, "temporal"},
		{"unknown order", "POST", "/api/v1/orders/cancel", OrderIDsRequest{Owner: user0, IDs: []orderbook.OrderID{9}}, http.StatusBadRequest, "structural"},
		{"bad mode", "GET", "/api/v1/orderbook/latest", nil, http.StatusBadRequest, "structural"},
		{"bad address", "GET", "/api/v1/accounts/nobody/orders", nil, http.StatusBadRequest, "structural"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.class, decodeBody[ErrorResponse](t, rec).Error)
		})
	}
}

func TestAbsentPageIsNull(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, "GET", "/api/v1/orderbook/open", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"orders": null}`, rec.Body.String())

	rec = ts.do(t, "GET", "/api/v1/accounts/"+user0.Hex()+"/orders?offset=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"orders": null}`, rec.Body.String())
}

func TestUserOrdersHex(t *testing.T) {
	ts := newTestServer(t)
	ts.trade(t)
	rec := ts.do(t, "GET", "/api/v1/accounts/"+user1.Hex()+"/orders?mode=finalized", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var raw struct {
		Orders string `json:"orders"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	b, err := hexutil.Decode(raw.Orders)
	require.NoError(t, err)
	assert.Len(t, b, query.RecordSize)
}

func TestWebSocketEvents(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ts.srv.hub.Run(ctx)

	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	channel := prefixBalances + user0.Hex()
	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{channel}}))
	require.Eventually(t, func() bool {
		ts.srv.hub.mu.RLock()
		defer ts.srv.hub.mu.RUnlock()
		for c := range ts.srv.hub.clients {
			if c.IsSubscribed(channel) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	ts.vault.Mint(user0, 0, sellOrder1)
	require.NoError(t, ts.ex.Deposit(user0, 0, sellOrder1))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Channel string         `json:"channel"`
		Event   exchange.Event `json:"event"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, channel, msg.Channel)
	assert.Equal(t, exchange.KindDeposit, msg.Event.Kind)
	assert.Equal(t, user0, msg.Event.Owner)
}

func TestChannels(t *testing.T) {
	owner := user1.Hex()
	tests := []struct {
		kind exchange.Kind
		want []string
	}{
		{exchange.KindSolutionAccepted, []string{ChannelSolutions}},
		{exchange.KindOrderPlaced, []string{"orders:" + owner}},
		{exchange.KindTradeSettled, []string{"orders:" + owner, "balances:" + owner}},
		{exchange.KindWithdrawRequested, []string{"balances:" + owner}},
		{exchange.KindDeposit, []string{"balances:" + owner}},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, channels(exchange.Event{Kind: tt.kind, Owner: user1}))
		})
	}
}

func TestOperatorCredits(t *testing.T) {
	ts := newTestServer(t)
	credit := CreditRequest{Owner: user1, Asset: 0, Amount: num.NewUint(500)}

	rec := ts.do(t, "POST", "/api/v1/admin/credits", credit)
	assert.Equal(t, http.StatusNotFound, rec.Code, "route is off until enabled")

	ts.srv.EnableOperatorCredits("s3cret")
	send := func(token string) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(credit))
		req := httptest.NewRequest("POST", "/api/v1/admin/credits", &buf)
		if token != "" {
			req.Header.Set("X-Operator-Token", token)
		}
		rec := httptest.NewRecorder()
		ts.srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, send("").Code)
	assert.Equal(t, http.StatusUnauthorized, send("guess").Code)
	assert.True(t, ts.vault.Holding(user1, 0).IsZero())

	rec = send("s3cret")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, uint64(500), decodeBody[HoldingResponse](t, rec).Holding.Uint64())

	rec = ts.do(t, "POST", "/api/v1/deposits", DepositRequest{Owner: user1, Asset: 0, Amount: num.NewUint(200)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	req := httptest.NewRequest("GET", "/api/v1/accounts/"+user1.Hex()+"/holdings/0", nil)
	req.Header.Set("X-Operator-Token", "s3cret")
	rec = httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, uint64(300), decodeBody[HoldingResponse](t, rec).Holding.Uint64())

	credit.Asset = 9
	rec = send("s3cret")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unlisted asset")
}
