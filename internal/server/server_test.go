package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/commonfund/internal/auth"
	"github.com/dukerupert/commonfund/internal/database"
	"github.com/dukerupert/commonfund/internal/deposit"
	"github.com/dukerupert/commonfund/internal/email"
)

const (
	testJWTSecret     = "jwt-test-secret"
	testWebhookSecret = "hook-secret"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// postmarkCapture records invitation tokens sent through the email client.
type postmarkCapture struct {
	mu     sync.Mutex
	bodies map[string]string
}

func (p *postmarkCapture) tokenFor(t *testing.T, to string) string {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	body, ok := p.bodies[to]
	if !ok {
		t.Fatalf("no invitation sent to %s", to)
	}
	const marker = "invitation code: "
	i := strings.Index(body, marker)
	if i < 0 {
		t.Fatalf("invitation body has no code: %q", body)
	}
	return strings.TrimSpace(body[i+len(marker):])
}

type rewriteTransport struct {
	target string
}

func (rt *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = strings.TrimPrefix(rt.target, "http://")
	return http.DefaultTransport.RoundTrip(req)
}

type testServer struct {
	handler http.Handler
	mail    *postmarkCapture
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mail := &postmarkCapture{bodies: make(map[string]string)}
	postmark := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg struct {
			To       string `json:"To"`
			TextBody string `json:"TextBody"`
		}
		json.NewDecoder(r.Body).Decode(&msg)
		mail.mu.Lock()
		mail.bodies[msg.To] = msg.TextBody
		mail.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(postmark.Close)

	emailClient := email.NewClient("pm-token", "noreply@example.com", "https://fund.test",
		email.WithHTTPClient(&http.Client{Transport: &rewriteTransport{target: postmark.URL}}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(db, Config{
		JWTSecret:   testJWTSecret,
		Webhook:     deposit.Config{Secret: testWebhookSecret, Operators: []string{"ops"}},
		EmailClient: emailClient,
	}, logger)

	return &testServer{handler: srv.Router(), mail: mail}
}

func (ts *testServer) do(t *testing.T, method, path, user string, body any) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if user != "" {
		tok, err := auth.IssueToken([]byte(testJWTSecret), auth.Identity{UserID: user, Email: user + "@example.com"}, time.Hour, time.Now())
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var env envelope
	json.Unmarshal(rec.Body.Bytes(), &env)
	return rec.Code, env
}

func (ts *testServer) webhook(t *testing.T, apiKey string, payload any) (int, envelope) {
	t.Helper()
	var data []byte
	switch p := payload.(type) {
	case string:
		data = []byte(p)
	default:
		data, _ = json.Marshal(p)
	}
	req := httptest.NewRequest("POST", "/webhooks/bank", bytes.NewReader(data))
	if apiKey != "" {
		req.Header.Set("Authorization", "Apikey "+apiKey)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var env envelope
	json.Unmarshal(rec.Body.Bytes(), &env)
	return rec.Code, env
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("decode data %s: %v", env.Data, err)
	}
	return v
}

type walletResp struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Balance int64  `json:"balance"`
}

// createWalletWithMember creates a wallet owned by alice and enrolls bob as a
// member through the invitation flow.
func (ts *testServer) createWalletWithMember(t *testing.T) string {
	t.Helper()
	code, env := ts.do(t, "POST", "/api/wallets", "alice", map[string]any{"name": "Street fund", "kind": "community"})
	if code != http.StatusCreated {
		t.Fatalf("create wallet: status %d, message %q", code, env.Message)
	}
	wallet := decodeData[walletResp](t, env)

	code, env = ts.do(t, "POST", "/api/wallets/"+wallet.ID+"/invitations", "alice", map[string]any{"email": "bob@example.com"})
	if code != http.StatusCreated {
		t.Fatalf("invite: status %d, message %q", code, env.Message)
	}

	token := ts.mail.tokenFor(t, "bob@example.com")
	code, env = ts.do(t, "POST", "/api/invitations/accept", "bob", map[string]any{"token": token})
	if code != http.StatusOK {
		t.Fatalf("accept: status %d, message %q", code, env.Message)
	}
	return wallet.ID
}

func TestHealth(t *testing.T) {
	ts := setupServer(t)
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := setupServer(t)
	code, env := ts.do(t, "GET", "/api/wallets", "", nil)
	if code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", code, http.StatusUnauthorized)
	}
	if env.Success {
		t.Error("success = true, want false")
	}
}

func TestErrorMapping(t *testing.T) {
	ts := setupServer(t)
	walletID := ts.createWalletWithMember(t)

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   any
		want   int
	}{
		{"unknown wallet", "GET", "/api/wallets/missing", "alice", nil, http.StatusNotFound},
		{"not a member", "GET", "/api/wallets/" + walletID, "mallory", nil, http.StatusForbidden},
		{"bad amount", "POST", "/api/wallets/" + walletID + "/proposals", "bob", map[string]any{"amount": 0, "recipient": "x"}, http.StatusBadRequest},
		{"bad limit", "GET", "/api/wallets/" + walletID + "/transactions?limit=abc", "alice", nil, http.StatusBadRequest},
		{"duplicate invite", "POST", "/api/wallets/" + walletID + "/invitations", "alice", map[string]any{"email": "bob@example.com"}, http.StatusConflict},
		{"member cannot invite", "POST", "/api/wallets/" + walletID + "/invitations", "bob", map[string]any{"email": "carol@example.com"}, http.StatusForbidden},
		{"unknown token", "POST", "/api/invitations/accept", "bob", map[string]any{"token": "deadbeef"}, http.StatusGone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := ts.do(t, tt.method, tt.path, tt.user, tt.body)
			if code != tt.want {
				t.Errorf("status = %d, want %d (message %q)", code, tt.want, env.Message)
			}
			if env.Success {
				t.Error("success = true, want false")
			}
			if env.Message == "" {
				t.Error("expected an error message")
			}
		})
	}
}

func TestProposalLifecycle(t *testing.T) {
	ts := setupServer(t)
	walletID := ts.createWalletWithMember(t)
	base := "/api/wallets/" + walletID

	code, env := ts.do(t, "POST", base+"/deposits", "alice", map[string]any{"amount": 1000, "description": "opening"})
	if code != http.StatusCreated {
		t.Fatalf("manual deposit: status %d, message %q", code, env.Message)
	}

	code, env = ts.do(t, "POST", base+"/proposals", "bob", map[string]any{"amount": 600, "recipient": "Hardware store", "description": "new gate"})
	if code != http.StatusCreated {
		t.Fatalf("propose: status %d, message %q", code, env.Message)
	}
	proposal := decodeData[struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}](t, env)
	if proposal.Status != "voting" {
		t.Fatalf("status = %q, want voting", proposal.Status)
	}

	// executing before approval conflicts
	code, _ = ts.do(t, "POST", base+"/proposals/"+proposal.ID+"/execute", "alice", nil)
	if code != http.StatusConflict {
		t.Errorf("early execute: status = %d, want %d", code, http.StatusConflict)
	}

	code, env = ts.do(t, "POST", base+"/proposals/"+proposal.ID+"/votes", "alice", map[string]any{"vote": "approve"})
	if code != http.StatusOK {
		t.Fatalf("vote: status %d, message %q", code, env.Message)
	}
	vote := decodeData[struct {
		ProposalStatus string `json:"proposal_status"`
		IsApproved     bool   `json:"is_approved"`
	}](t, env)
	if !vote.IsApproved || vote.ProposalStatus != "approved" {
		t.Fatalf("vote result = %+v, want approved", vote)
	}

	code, _ = ts.do(t, "POST", base+"/proposals/"+proposal.ID+"/execute", "bob", nil)
	if code != http.StatusForbidden {
		t.Errorf("member execute: status = %d, want %d", code, http.StatusForbidden)
	}

	code, env = ts.do(t, "POST", base+"/proposals/"+proposal.ID+"/execute", "alice", map[string]any{"notes": "paid in cash"})
	if code != http.StatusOK {
		t.Fatalf("execute: status %d, message %q", code, env.Message)
	}
	first := decodeData[struct {
		TransactionID string `json:"transaction_id"`
	}](t, env)

	code, env = ts.do(t, "POST", base+"/proposals/"+proposal.ID+"/execute", "alice", nil)
	if code != http.StatusOK {
		t.Fatalf("repeat execute: status %d, message %q", code, env.Message)
	}
	second := decodeData[struct {
		TransactionID string `json:"transaction_id"`
	}](t, env)
	if second.TransactionID != first.TransactionID {
		t.Errorf("repeat execute transaction = %q, want %q", second.TransactionID, first.TransactionID)
	}

	code, env = ts.do(t, "GET", base+"/balance", "bob", nil)
	if code != http.StatusOK {
		t.Fatalf("balance: status %d", code)
	}
	bal := decodeData[struct {
		Balance           int64 `json:"balance"`
		TotalTransactions int   `json:"total_transactions"`
	}](t, env)
	if bal.Balance != 400 {
		t.Errorf("balance = %d, want 400", bal.Balance)
	}
	if bal.TotalTransactions != 2 {
		t.Errorf("total transactions = %d, want 2", bal.TotalTransactions)
	}

	code, env = ts.do(t, "GET", base+"/balance/verify", "alice", nil)
	if code != http.StatusOK {
		t.Fatalf("verify: status %d", code)
	}
	report := decodeData[struct {
		Drift int64 `json:"drift"`
	}](t, env)
	if report.Drift != 0 {
		t.Errorf("drift = %d, want 0", report.Drift)
	}
}

func TestExecuteInsufficientFunds(t *testing.T) {
	ts := setupServer(t)
	walletID := ts.createWalletWithMember(t)
	base := "/api/wallets/" + walletID

	_, env := ts.do(t, "POST", base+"/proposals", "bob", map[string]any{"amount": 5000, "recipient": "Roofer"})
	proposal := decodeData[struct {
		ID string `json:"id"`
	}](t, env)
	ts.do(t, "POST", base+"/proposals/"+proposal.ID+"/votes", "alice", map[string]any{"vote": "approve"})

	code, env := ts.do(t, "POST", base+"/proposals/"+proposal.ID+"/execute", "alice", nil)
	if code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d (message %q)", code, http.StatusUnprocessableEntity, env.Message)
	}
}

func TestTransactionHistoryPaging(t *testing.T) {
	ts := setupServer(t)
	walletID := ts.createWalletWithMember(t)
	base := "/api/wallets/" + walletID

	for i := 0; i < 3; i++ {
		ts.do(t, "POST", base+"/deposits", "alice", map[string]any{"amount": 100})
	}

	code, env := ts.do(t, "GET", base+"/transactions?limit=2", "bob", nil)
	if code != http.StatusOK {
		t.Fatalf("history: status %d", code)
	}
	page := decodeData[struct {
		Transactions []json.RawMessage `json:"transactions"`
		HasMore      bool              `json:"has_more"`
	}](t, env)
	if len(page.Transactions) != 2 || !page.HasMore {
		t.Errorf("page = %d rows, has_more %v; want 2, true", len(page.Transactions), page.HasMore)
	}
}

func TestBankWebhook(t *testing.T) {
	ts := setupServer(t)
	walletID := ts.createWalletWithMember(t)

	payload := map[string]any{
		"id":             1001,
		"gateway":        "VCB",
		"accountNumber":  "0123456789",
		"content":        "COMMUNITY_" + strings.ToUpper(walletID) + " nap quy",
		"transferType":   "in",
		"transferAmount": 500000,
		"referenceCode":  "REF1",
	}

	if code, _ := ts.webhook(t, "", payload); code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want %d", code, http.StatusUnauthorized)
	}
	if code, _ := ts.webhook(t, "wrong", payload); code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want %d", code, http.StatusUnauthorized)
	}

	code, env := ts.webhook(t, testWebhookSecret, payload)
	if code != http.StatusCreated {
		t.Fatalf("first delivery: status = %d, want %d (message %q)", code, http.StatusCreated, env.Message)
	}

	code, env = ts.webhook(t, testWebhookSecret, payload)
	if code != http.StatusOK {
		t.Fatalf("replay: status = %d, want %d", code, http.StatusOK)
	}
	if res := decodeData[deposit.Result](t, env); res.Outcome != deposit.OutcomeDuplicate {
		t.Errorf("replay outcome = %q, want duplicate", res.Outcome)
	}

	_, env = ts.do(t, "GET", "/api/wallets/"+walletID, "bob", nil)
	if w := decodeData[walletResp](t, env); w.Balance != 500000 {
		t.Errorf("balance = %d, want 500000", w.Balance)
	}

	if code, _ := ts.webhook(t, testWebhookSecret, `{"id": "not a number"`); code != http.StatusBadRequest {
		t.Errorf("malformed: status = %d, want %d", code, http.StatusBadRequest)
	}

	out := map[string]any{"id": 1002, "transferType": "out", "transferAmount": 10, "content": "COMMUNITY_" + walletID}
	code, env = ts.webhook(t, testWebhookSecret, out)
	if code != http.StatusOK {
		t.Errorf("outgoing: status = %d, want %d", code, http.StatusOK)
	}
	if res := decodeData[deposit.Result](t, env); res.Outcome != deposit.OutcomeIgnored {
		t.Errorf("outgoing outcome = %q, want ignored", res.Outcome)
	}
}

func TestUnroutedDepositFollowUp(t *testing.T) {
	ts := setupServer(t)
	walletID := ts.createWalletWithMember(t)

	payload := map[string]any{
		"id":             2001,
		"content":        "chuyen tien sinh hoat",
		"transferType":   "in",
		"transferAmount": 250000,
		"referenceCode":  "REF2",
	}
	code, env := ts.webhook(t, testWebhookSecret, payload)
	if code != http.StatusOK {
		t.Fatalf("unrouted: status = %d, want %d", code, http.StatusOK)
	}
	res := decodeData[deposit.Result](t, env)
	if res.Outcome != deposit.OutcomeUnrouted {
		t.Fatalf("outcome = %q, want unrouted", res.Outcome)
	}

	for _, user := range []string{"alice", "bob"} {
		code, env = ts.do(t, "GET", "/api/deposits/unrouted", user, nil)
		if code != http.StatusOK {
			t.Fatalf("%s list: status = %d, want %d", user, code, http.StatusOK)
		}
		if records := decodeData[[]json.RawMessage](t, env); len(records) != 0 {
			t.Errorf("%s sees %d untagged deposits, want 0", user, len(records))
		}
	}
	code, _ = ts.do(t, "POST", "/api/deposits/"+res.RecordID+"/route", "alice", map[string]any{"wallet_id": walletID})
	if code != http.StatusForbidden {
		t.Errorf("admin route: status = %d, want %d", code, http.StatusForbidden)
	}

	code, env = ts.do(t, "GET", "/api/deposits/unrouted", "ops", nil)
	if code != http.StatusOK {
		t.Fatalf("list unrouted: status %d", code)
	}
	if records := decodeData[[]json.RawMessage](t, env); len(records) != 1 {
		t.Fatalf("unrouted records = %d, want 1", len(records))
	}

	code, env = ts.do(t, "POST", "/api/deposits/"+res.RecordID+"/route", "ops", map[string]any{"wallet_id": walletID})
	if code != http.StatusCreated {
		t.Fatalf("route: status = %d, message %q", code, env.Message)
	}

	code, _ = ts.do(t, "POST", "/api/deposits/"+res.RecordID+"/route", "ops", map[string]any{"wallet_id": walletID})
	if code != http.StatusConflict {
		t.Errorf("second route: status = %d, want %d", code, http.StatusConflict)
	}

	_, env = ts.do(t, "GET", "/api/wallets/"+walletID, "alice", nil)
	if w := decodeData[walletResp](t, env); w.Balance != 250000 {
		t.Errorf("balance = %d, want 250000", w.Balance)
	}
}
