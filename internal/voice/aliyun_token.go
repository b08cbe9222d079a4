package voice

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/voicecall/internal/reliability"
)

const (
	defaultAliyunTokenEndpoint = "https://nls-meta.cn-shanghai.aliyuncs.com"
	defaultAliyunRegionID      = "cn-shanghai"
	aliyunTokenRefreshMargin   = 60 * time.Second
)

var ErrNoToken = errors.New("nls token unavailable")

// TokenSource yields the access token for NLS gateway connections.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a pre-provisioned token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(t)) == "" {
		return "", ErrNoToken
	}
	return string(t), nil
}

type AliyunTokenConfig struct {
	AccessKeyID     string
	AccessKeySecret string
	Endpoint        string
	RegionID        string
	HTTPClient      *http.Client
}

// AliyunTokenSource obtains tokens through the signed CreateToken API and
// caches them until shortly before they expire.
type AliyunTokenSource struct {
	cfg AliyunTokenConfig
	now func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewAliyunTokenSource(cfg AliyunTokenConfig) (*AliyunTokenSource, error) {
	if strings.TrimSpace(cfg.AccessKeyID) == "" || strings.TrimSpace(cfg.AccessKeySecret) == "" {
		return nil, fmt.Errorf("aliyun access key id and secret are required")
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		cfg.Endpoint = defaultAliyunTokenEndpoint
	}
	if strings.TrimSpace(cfg.RegionID) == "" {
		cfg.RegionID = defaultAliyunRegionID
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &AliyunTokenSource{cfg: cfg, now: time.Now}, nil
}

func (s *AliyunTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token != "" && now.Before(s.expiresAt.Add(-aliyunTokenRefreshMargin)) {
		return s.token, nil
	}
	token, expiresAt, err := s.createToken(ctx, now)
	if err != nil {
		return "", err
	}
	s.token = token
	s.expiresAt = expiresAt
	return token, nil
}

type createTokenResponse struct {
	Token struct {
		ID         string `json:"Id"`
		ExpireTime int64  `json:"ExpireTime"`
	} `json:"Token"`
	Code    string `json:"Code"`
	Message string `json:"Message"`
}

func (s *AliyunTokenSource) createToken(ctx context.Context, now time.Time) (string, time.Time, error) {
	params := url.Values{}
	params.Set("AccessKeyId", s.cfg.AccessKeyID)
	params.Set("Action", "CreateToken")
	params.Set("Format", "JSON")
	params.Set("RegionId", s.cfg.RegionID)
	params.Set("SignatureMethod", "HMAC-SHA1")
	params.Set("SignatureNonce", uuid.NewString())
	params.Set("SignatureVersion", "1.0")
	params.Set("Timestamp", now.UTC().Format("2006-01-02T15:04:05Z"))
	params.Set("Version", "2019-02-28")

	query := canonicalQuery(params)
	signature := signPOP(http.MethodGet, query, s.cfg.AccessKeySecret)
	reqURL := strings.TrimRight(s.cfg.Endpoint, "/") + "/?Signature=" + percentEncode(signature) + "&" + query

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("create token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("read create token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", time.Time{}, fmt.Errorf("create token status %d (retryable=%v): %s",
			resp.StatusCode, reliability.IsRetryableHTTPStatus(resp.StatusCode), strings.TrimSpace(string(body)))
	}

	var out createTokenResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", time.Time{}, fmt.Errorf("decode create token response: %w", err)
	}
	if strings.TrimSpace(out.Token.ID) == "" {
		return "", time.Time{}, fmt.Errorf("%w: %s %s", ErrNoToken, out.Code, out.Message)
	}
	return out.Token.ID, time.Unix(out.Token.ExpireTime, 0), nil
}

func signPOP(method, canonical, secret string) string {
	stringToSign := method + "&" + percentEncode("/") + "&" + percentEncode(canonical)
	mac := hmac.New(sha1.New, []byte(secret+"&"))
	mac.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func canonicalQuery(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, percentEncode(k)+"="+percentEncode(params.Get(k)))
	}
	return strings.Join(parts, "&")
}

// percentEncode applies the RFC 3986 encoding POP signatures expect.
func percentEncode(s string) string {
	out := url.QueryEscape(s)
	out = strings.ReplaceAll(out, "+", "%20")
	out = strings.ReplaceAll(out, "*", "%2A")
	out = strings.ReplaceAll(out, "%7E", "~")
	return out
}
