package tokensrv

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testConfig() Config {
	return Config{
		Addr:          ":0",
		RoomServerURL: "ws://rooms.example/rtc",
		APIKey:        "devkey",
		APISecret:     "devsecret",
		TokenTTL:      time.Hour,
	}
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	return srv, httpSrv
}

func postToken(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url+"/api/get-token", "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestGetTokenIssuesVerifiableJWT(t *testing.T) {
	t.Parallel()

	srv, httpSrv := newTestServer(t)
	fixed := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	srv.now = func() time.Time { return fixed }

	resp := postToken(t, httpSrv.URL, `{"identity":"caller-7","room":"dispatch"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
		URL   string `json:"url"`
		Room  string `json:"room"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.URL != "ws://rooms.example/rtc" || body.Room != "dispatch" {
		t.Errorf("response = %+v", body)
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(body.Token, claims, func(tok *jwt.Token) (any, error) {
		return []byte("devsecret"), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if !parsed.Valid {
		t.Fatalf("token not valid")
	}
	if claims["sub"] != "caller-7" || claims["room"] != "dispatch" || claims["iss"] != "devkey" {
		t.Errorf("claims = %+v", claims)
	}
	if claims["can_publish"] != true || claims["can_subscribe"] != true {
		t.Errorf("grants = %+v", claims)
	}
	if exp, _ := claims["exp"].(float64); int64(exp) != fixed.Add(time.Hour).Unix() {
		t.Errorf("exp = %v, want issue time plus ttl", claims["exp"])
	}
}

func TestGetTokenRejectsMissingFields(t *testing.T) {
	t.Parallel()

	_, httpSrv := newTestServer(t)

	cases := []string{
		`{"identity":"","room":"dispatch"}`,
		`{"identity":"caller"}`,
		`{"identity":"  ","room":"  "}`,
		`{not json`,
	}
	for _, body := range cases {
		resp := postToken(t, httpSrv.URL, body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestGetTokenMethodNotAllowed(t *testing.T) {
	t.Parallel()

	_, httpSrv := newTestServer(t)
	resp, err := http.Get(httpSrv.URL + "/api/get-token")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	_, httpSrv := newTestServer(t)
	resp, err := http.Get(httpSrv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Status               string `json:"status"`
		RoomServerConfigured bool   `json:"room_server_configured"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || !body.RoomServerConfigured {
		t.Errorf("health = %+v", body)
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	_, httpSrv := newTestServer(t)
	req, _ := http.NewRequest(http.MethodOptions, httpSrv.URL+"/api/get-token", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow origin = %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
		t.Errorf("allow methods = %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	_, httpSrv := newTestServer(t)
	postToken(t, httpSrv.URL, `{"identity":"caller","room":"dispatch"}`)

	resp, err := http.Get(httpSrv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "vai_token_tokens_issued_total 1") {
		t.Errorf("issued counter missing from metrics output")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("VAI_TOKEN_ADDR", ":9999")
	t.Setenv("VAI_ROOM_SERVER_URL", "ws://rooms.local")
	t.Setenv("VAI_API_KEY", "key")
	t.Setenv("VAI_API_SECRET", "secret")
	t.Setenv("VAI_TOKEN_TTL", "30m")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.RoomServerURL != "ws://rooms.local" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.TokenTTL != 30*time.Minute {
		t.Errorf("ttl = %v", cfg.TokenTTL)
	}
}

func TestLoadFromEnvRequiresCredentials(t *testing.T) {
	t.Setenv("VAI_API_KEY", "")
	t.Setenv("VAI_API_SECRET", "")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("expected error without credentials")
	}
}

func TestLoadFromEnvRejectsBadTTL(t *testing.T) {
	t.Setenv("VAI_API_KEY", "key")
	t.Setenv("VAI_API_SECRET", "secret")
	t.Setenv("VAI_TOKEN_TTL", "soon")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("expected error for malformed ttl")
	}
}
