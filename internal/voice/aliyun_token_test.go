package voice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"
)

func TestPercentEncode(t *testing.T) {
	cases := map[string]string{
		"a b":   "a%20b",
		"a*b":   "a%2Ab",
		"a~b":   "a~b",
		"/":     "%2F",
		"x=y&z": "x%3Dy%26z",
	}
	for in, want := range cases {
		if got := percentEncode(in); got != want {
			t.Fatalf("percentEncode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCanonicalQuerySortsKeys(t *testing.T) {
	v := url.Values{}
	v.Set("b", "2")
	v.Set("a", "1 1")
	if got := canonicalQuery(v); got != "a=1%201&b=2" {
		t.Fatalf("canonicalQuery() = %q", got)
	}
}

func TestAliyunTokenSourceCachesUntilExpiry(t *testing.T) {
	var calls atomic.Int32
	expires := time.Now().Add(time.Hour).Unix()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		q := r.URL.Query()
		if q.Get("Action") != "CreateToken" || q.Get("AccessKeyId") != "id" || q.Get("Signature") == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"Token": map[string]any{"Id": "token-1", "ExpireTime": expires},
		})
	}))
	defer srv.Close()

	src, err := NewAliyunTokenSource(AliyunTokenConfig{AccessKeyID: "id", AccessKeySecret: "secret", Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewAliyunTokenSource() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		tok, err := src.Token(context.Background())
		if err != nil {
			t.Fatalf("Token() error = %v", err)
		}
		if tok != "token-1" {
			t.Fatalf("Token() = %q, want token-1", tok)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("CreateToken calls = %d, want 1", calls.Load())
	}

	src.now = func() time.Time { return time.Unix(expires, 0).Add(-30 * time.Second) }
	if _, err := src.Token(context.Background()); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("CreateToken calls = %d, want refresh inside the expiry margin", calls.Load())
	}
}

func TestAliyunTokenSourceSurfacesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"Code":"InvalidAccessKeyId"}`))
	}))
	defer srv.Close()

	src, _ := NewAliyunTokenSource(AliyunTokenConfig{AccessKeyID: "id", AccessKeySecret: "secret", Endpoint: srv.URL})
	if _, err := src.Token(context.Background()); err == nil {
		t.Fatalf("Token() expected error for forbidden response")
	}
}

func TestStaticTokenRequiresValue(t *testing.T) {
	if _, err := StaticToken("").Token(context.Background()); err == nil {
		t.Fatalf("StaticToken(\"\").Token() expected error")
	}
}
