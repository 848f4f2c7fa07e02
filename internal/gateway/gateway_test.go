package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"coinpulse/internal/coingecko"
	"coinpulse/internal/fetch"
	"coinpulse/internal/indicator"
	"coinpulse/internal/market"
	"coinpulse/internal/model"
)

// ─── fakes ───────────────────────────────────────────────────────────

type fakeMarket struct {
	mu        sync.Mutex
	state     market.State
	selectErr error
	selects   []string
	refreshes int
	toggles   []indicator.Toggles
	selected  chan string
	updates   chan market.State
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		state:    market.State{InstrumentID: "bitcoin", Range: model.Range30D, LiveStatus: market.LiveIdle},
		selected: make(chan string, 8),
		updates:  make(chan market.State, 8),
	}
}

func (m *fakeMarket) State() market.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *fakeMarket) Watch() (<-chan market.State, func()) { return m.updates, func() {} }

func (m *fakeMarket) Select(_ context.Context, id string, r model.Range) error {
	m.mu.Lock()
	call := id + "|" + string(r)
	m.selects = append(m.selects, call)
	err := m.selectErr
	if err == nil {
		m.state.InstrumentID, m.state.Range = id, r
	}
	m.mu.Unlock()
	m.selected <- call
	return err
}

func (m *fakeMarket) Refresh(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshes++
	return m.selectErr
}

func (m *fakeMarket) SetToggles(t indicator.Toggles) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toggles = append(m.toggles, t)
	m.state.Toggles = t
}

func (m *fakeMarket) setSelectErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selectErr = err
}

func (m *fakeMarket) snapshot() (selects []string, refreshes int, toggles []indicator.Toggles) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.selects...), m.refreshes, append([]indicator.Toggles(nil), m.toggles...)
}

type fakeCatalog struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func (c *fakeCatalog) hit(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[name]++
	return c.err
}

func (c *fakeCatalog) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

func (c *fakeCatalog) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *fakeCatalog) Search(_ context.Context, q string) ([]model.SearchResult, error) {
	if err := c.hit("search"); err != nil {
		return nil, err
	}
	return []model.SearchResult{{ID: "bitcoin", Name: "Bitcoin", Symbol: "btc"}}, nil
}

func (c *fakeCatalog) Trending(context.Context) ([]model.SearchResult, error) {
	if err := c.hit("trending"); err != nil {
		return nil, err
	}
	return []model.SearchResult{{ID: "solana", Name: "Solana", Symbol: "sol"}}, nil
}

func (c *fakeCatalog) Global(context.Context) (model.GlobalMarket, error) {
	if err := c.hit("global"); err != nil {
		return model.GlobalMarket{}, err
	}
	return model.GlobalMarket{ActiveCryptocurrencies: 12000}, nil
}

func (c *fakeCatalog) Markets(_ context.Context, ids []string) ([]model.MarketSummary, error) {
	if err := c.hit("markets:" + strings.Join(ids, ",")); err != nil {
		return nil, err
	}
	out := make([]model.MarketSummary, len(ids))
	for i, id := range ids {
		out[i] = model.MarketSummary{ID: id, MarketCap: 1.25e12, TotalVolume: 3.4e7}
	}
	return out, nil
}

func (c *fakeCatalog) StatusUpdates(_ context.Context, id string) ([]model.StatusUpdate, error) {
	if err := c.hit("updates:" + id); err != nil {
		return nil, err
	}
	return []model.StatusUpdate{{Description: "mainnet upgrade", Project: id}}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *Hub, *fakeMarket, *fakeCatalog) {
	t.Helper()
	m := newFakeMarket()
	cat := &fakeCatalog{}
	hub := NewHub(m, 0)
	mux := http.NewServeMux()
	RegisterRoutes(mux, hub, cat, time.Now())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, hub, m, cat
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

// ─── envelope ────────────────────────────────────────────────────────

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	TS   string          `json:"ts"`
	Seq  int64           `json:"seq"`
}

func TestEnvelopeFormat(t *testing.T) {
	b := NewBroadcaster(nil)
	now := time.Date(2026, 2, 25, 10, 0, 1, 0, time.UTC)
	st := market.State{InstrumentID: "bitcoin", Range: model.Range7D, LiveStatus: market.LiveOpen}

	buf, err := b.Envelope(st, now, 42)
	if err != nil {
		t.Fatal(err)
	}
	var env envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		t.Fatalf("envelope is not valid JSON: %v\n%s", err, buf)
	}
	if env.Type != "state" || env.Seq != 42 {
		t.Errorf("type=%q seq=%d", env.Type, env.Seq)
	}
	if env.TS != "2026-02-25T10:00:01Z" {
		t.Errorf("ts = %q", env.TS)
	}
	var got market.State
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatal(err)
	}
	if got.InstrumentID != "bitcoin" || got.Range != model.Range7D || got.LiveStatus != market.LiveOpen {
		t.Errorf("data = %+v", got)
	}
}

// ─── hub ─────────────────────────────────────────────────────────────

func attach(h *Hub) *Client {
	c := &Client{send: make(chan []byte, 64), hub: h}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	return c
}

func recv(t *testing.T, c *Client) envelope {
	t.Helper()
	select {
	case buf := <-c.send:
		var env envelope
		if err := json.Unmarshal(buf, &env); err != nil {
			t.Fatal(err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast")
	}
	return envelope{}
}

func TestHubCoalescesToLatestState(t *testing.T) {
	m := newFakeMarket()
	h := NewHub(m, 200*time.Millisecond)
	c := attach(h)
	var sent []int
	var mu sync.Mutex
	h.OnSent = func(n int) { mu.Lock(); sent = append(sent, n); mu.Unlock() }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { h.Run(ctx); close(done) }()

	m.updates <- market.State{InstrumentID: "a"}
	m.updates <- market.State{InstrumentID: "b"}
	m.updates <- market.State{InstrumentID: "c"}

	first := recv(t, c)
	second := recv(t, c)
	var a, b market.State
	json.Unmarshal(first.Data, &a)
	json.Unmarshal(second.Data, &b)
	if a.InstrumentID != "a" || b.InstrumentID != "c" {
		t.Errorf("got %q then %q, want a then c", a.InstrumentID, b.InstrumentID)
	}
	if first.Seq != 1 || second.Seq != 2 {
		t.Errorf("seq = %d, %d", first.Seq, second.Seq)
	}
	select {
	case extra := <-c.send:
		t.Errorf("unexpected extra broadcast %s", extra)
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	<-done
	if h.ClientCount() != 0 {
		t.Errorf("clients after Run exit = %d", h.ClientCount())
	}
	if _, ok := <-c.send; ok {
		t.Error("client queue not closed on shutdown")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 2 || sent[0] != 1 {
		t.Errorf("OnSent = %v", sent)
	}
}

func TestHubRunStopsWhenWatchCloses(t *testing.T) {
	m := newFakeMarket()
	h := NewHub(m, 0)
	done := make(chan struct{})
	go func() { h.Run(context.Background()); close(done) }()
	close(m.updates)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRemoveClientIsIdempotent(t *testing.T) {
	h := NewHub(newFakeMarket(), 0)
	var counts []int
	h.OnClients = func(n int) { counts = append(counts, n) }
	c := attach(h)
	h.RemoveClient(c)
	h.RemoveClient(c)
	if len(counts) != 1 || counts[0] != 0 {
		t.Errorf("OnClients = %v", counts)
	}
}

func TestResolveSelection(t *testing.T) {
	cur := market.State{InstrumentID: "bitcoin", Range: model.Range30D}
	tests := []struct {
		req     SelectRequest
		id      string
		r       model.Range
		wantErr bool
	}{
		{SelectRequest{}, "bitcoin", model.Range30D, false},
		{SelectRequest{Range: "7"}, "bitcoin", model.Range7D, false},
		{SelectRequest{Instrument: "ethereum"}, "ethereum", model.Range30D, false},
		{SelectRequest{Range: "max"}, "bitcoin", model.RangeMax, false},
		{SelectRequest{Range: "-1"}, "", "", true},
	}
	for _, tt := range tests {
		id, r, err := resolveSelection(cur, tt.req)
		if (err != nil) != tt.wantErr {
			t.Errorf("%+v: err = %v", tt.req, err)
			continue
		}
		if id != tt.id || r != tt.r {
			t.Errorf("%+v: got %s/%s", tt.req, id, r)
		}
	}
	if _, _, err := resolveSelection(market.State{}, SelectRequest{}); !errors.Is(err, market.ErrNoInstrument) {
		t.Errorf("empty selection err = %v", err)
	}
}

// ─── REST ────────────────────────────────────────────────────────────

func TestStateEndpoint(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	resp, body := do(t, http.MethodGet, srv.URL+"/api/state", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
	var st market.State
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatal(err)
	}
	if st.InstrumentID != "bitcoin" {
		t.Errorf("state = %+v", st)
	}

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/state", "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodOptions, srv.URL+"/api/state", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("OPTIONS status = %d", resp.StatusCode)
	}
}

func TestSelectEndpoint(t *testing.T) {
	srv, _, m, _ := newTestServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/select", `{"range":"7"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if selects, _, _ := m.snapshot(); len(selects) != 1 || selects[0] != "bitcoin|7" {
		t.Errorf("select calls = %v", selects)
	}
	var st market.State
	json.Unmarshal(body, &st)
	if st.Range != model.Range7D {
		t.Errorf("returned range = %q", st.Range)
	}

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/select", `{"range":"weekly"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad range status = %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/select", `{`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad JSON status = %d", resp.StatusCode)
	}
}

func TestSelectErrorStatus(t *testing.T) {
	rateLimited := fmt.Errorf("%w: %w", fetch.ErrExhausted, &fetch.Error{Kind: fetch.KindRateLimited, RetryAfter: 60 * time.Second})
	tests := []struct {
		name       string
		err        error
		status     int
		retryAfter string
	}{
		{"superseded", market.ErrSuperseded, http.StatusConflict, ""},
		{"rate limited", rateLimited, http.StatusTooManyRequests, "60"},
		{"upstream", fmt.Errorf("%w: %w", fetch.ErrExhausted, &fetch.Error{Kind: fetch.KindUpstream, StatusCode: 500}), http.StatusBadGateway, ""},
		{"schema", fmt.Errorf("coin: %w", coingecko.ErrSchema), http.StatusBadGateway, ""},
		{"other", errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, m, _ := newTestServer(t)
			m.setSelectErr(tt.err)
			resp, body := do(t, http.MethodPost, srv.URL+"/api/select", `{"instrument":"ethereum"}`)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if got := resp.Header.Get("Retry-After"); got != tt.retryAfter {
				t.Errorf("Retry-After = %q", got)
			}
			var st market.State
			if err := json.Unmarshal(body, &st); err != nil {
				t.Errorf("body is not a state: %v", err)
			}
		})
	}
}

func TestIndicatorsAndRefreshEndpoints(t *testing.T) {
	srv, _, m, _ := newTestServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/indicators", `{"sma":true,"rsi":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	want := indicator.Toggles{SMA: true, RSI: true}
	if _, _, toggles := m.snapshot(); len(toggles) != 1 || toggles[0] != want {
		t.Errorf("toggles = %+v", toggles)
	}
	var st market.State
	json.Unmarshal(body, &st)
	if st.Toggles != want {
		t.Errorf("returned toggles = %+v", st.Toggles)
	}

	_, body = do(t, http.MethodGet, srv.URL+"/api/indicators", "")
	var got indicator.Toggles
	json.Unmarshal(body, &got)
	if got != want {
		t.Errorf("GET toggles = %+v", got)
	}

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/refresh", "")
	if _, refreshes, _ := m.snapshot(); resp.StatusCode != http.StatusOK || refreshes != 1 {
		t.Errorf("refresh status=%d calls=%d", resp.StatusCode, refreshes)
	}
}

func TestCatalogEndpointsAreCached(t *testing.T) {
	srv, _, _, cat := newTestServer(t)

	for i := 0; i < 2; i++ {
		resp, body := do(t, http.MethodGet, srv.URL+"/api/search?q=BTC", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("search status = %d", resp.StatusCode)
		}
		var res []model.SearchResult
		json.Unmarshal(body, &res)
		if len(res) != 1 || res[0].ID != "bitcoin" {
			t.Errorf("search = %+v", res)
		}
		do(t, http.MethodGet, srv.URL+"/api/trending", "")
		do(t, http.MethodGet, srv.URL+"/api/global", "")
	}
	do(t, http.MethodGet, srv.URL+"/api/search?q=btc", "")
	for _, name := range []string{"search", "trending", "global"} {
		if n := cat.count(name); n != 1 {
			t.Errorf("%s upstream calls = %d, want 1", name, n)
		}
	}

	_, body := do(t, http.MethodGet, srv.URL+"/api/search?q=", "")
	if strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("empty query = %s", body)
	}
}

func TestCatalogErrorsAreNotCached(t *testing.T) {
	srv, _, _, cat := newTestServer(t)
	cat.setErr(&fetch.Error{Kind: fetch.KindRateLimited, RetryAfter: 30 * time.Second})

	resp, _ := do(t, http.MethodGet, srv.URL+"/api/trending", "")
	if resp.StatusCode != http.StatusTooManyRequests || resp.Header.Get("Retry-After") != "30" {
		t.Errorf("status=%d retry-after=%q", resp.StatusCode, resp.Header.Get("Retry-After"))
	}
	cat.setErr(nil)
	resp, _ = do(t, http.MethodGet, srv.URL+"/api/trending", "")
	if resp.StatusCode != http.StatusOK || cat.count("trending") != 2 {
		t.Errorf("status=%d calls=%d", resp.StatusCode, cat.count("trending"))
	}
}

func TestMarketsEndpoint(t *testing.T) {
	srv, _, _, cat := newTestServer(t)

	resp, _ := do(t, http.MethodGet, srv.URL+"/api/markets", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing ids status = %d", resp.StatusCode)
	}

	resp, body := do(t, http.MethodGet, srv.URL+"/api/markets?ids=Bitcoin,%20ethereum,", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if cat.count("markets:bitcoin,ethereum") != 1 {
		t.Error("markets not called with normalized ids")
	}
	var rows []MarketRow
	json.Unmarshal(body, &rows)
	if len(rows) != 2 || rows[0].MarketCapCompact != "1250.00B" || rows[0].TotalVolumeCompact != "34.00M" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestUpdatesDefaultsToSelectedInstrument(t *testing.T) {
	srv, _, _, cat := newTestServer(t)
	resp, body := do(t, http.MethodGet, srv.URL+"/api/updates", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if cat.count("updates:bitcoin") != 1 {
		t.Error("updates not requested for the selected instrument")
	}
	var ups []model.StatusUpdate
	json.Unmarshal(body, &ups)
	if len(ups) != 1 || ups[0].Project != "bitcoin" {
		t.Errorf("updates = %+v", ups)
	}
	do(t, http.MethodGet, srv.URL+"/api/updates?id=Solana", "")
	if cat.count("updates:solana") != 1 {
		t.Error("updates not requested for ?id=")
	}
}

func TestRangesAndStatsEndpoints(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	_, body := do(t, http.MethodGet, srv.URL+"/api/ranges", "")
	var ranges []model.Range
	json.Unmarshal(body, &ranges)
	if len(ranges) != len(model.Ranges) || ranges[len(ranges)-1] != model.RangeMax {
		t.Errorf("ranges = %v", ranges)
	}

	_, body = do(t, http.MethodGet, srv.URL+"/api/stats", "")
	var s ProcessStats
	if err := json.Unmarshal(body, &s); err != nil {
		t.Fatal(err)
	}
	if s.Goroutines == 0 || s.CPUCores == 0 || s.TS == "" {
		t.Errorf("stats = %+v", s)
	}
}

// ─── WebSocket ───────────────────────────────────────────────────────

// readFrames reads one WS frame and splits coalesced messages.
func readFrames(t *testing.T, conn *websocket.Conn) [][]byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return bytes.Split(msg, []byte{'\n'})
}

func TestWebSocketSession(t *testing.T) {
	srv, hub, m, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	var env envelope
	if err := json.Unmarshal(readFrames(t, conn)[0], &env); err != nil {
		t.Fatal(err)
	}
	var st market.State
	json.Unmarshal(env.Data, &st)
	if env.Type != "state" || st.InstrumentID != "bitcoin" {
		t.Fatalf("initial message = %+v", env)
	}
	if hub.ClientCount() != 1 {
		t.Errorf("clients = %d", hub.ClientCount())
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"select","req_id":"r1","instrument":"ethereum","range":"90"}`))
	select {
	case call := <-m.selected:
		if call != "ethereum|90" {
			t.Errorf("select call = %q", call)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("select not dispatched")
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"select","req_id":"r2","range":"0"}`))
	var em errorMsg
	json.Unmarshal(readFrames(t, conn)[0], &em)
	if em.Type != "error" || em.ReqID != "r2" {
		t.Errorf("error reply = %+v", em)
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"ping":1700000000000}`))
	var pong pongMsg
	json.Unmarshal(readFrames(t, conn)[0], &pong)
	if pong.Type != "pong" || pong.Ping != 1700000000000 {
		t.Errorf("pong = %+v", pong)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.ClientCount() != 0 {
		t.Error("client not removed after disconnect")
	}
}
