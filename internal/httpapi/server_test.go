package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/publish"
	"crosspost/internal/publish/dispatcher"
	"crosspost/internal/publish/duplicate"
	"crosspost/internal/publish/health"
	"crosspost/internal/publish/quota"
	"crosspost/internal/publisher"
	"crosspost/pkg/logx"
)

var fixedNow = time.Date(2025, 4, 2, 21, 0, 0, 0, time.UTC)

type fakePublisher struct {
	gotUser     string
	gotPost     string
	gotChannels []string
	publishErr  error
	report      dispatcher.Report
	status      quota.Status
	channels    []health.HealthStatus
}

func (f *fakePublisher) Publish(ctx context.Context, userID, postID string, channelIDs []string) (dispatcher.Report, error) {
	f.gotUser, f.gotPost, f.gotChannels = userID, postID, channelIDs
	return f.report, f.publishErr
}

func (f *fakePublisher) CheckDuplicate(ctx context.Context, userID, content string, platforms []string) (duplicate.Result, error) {
	f.gotUser = userID
	return duplicate.Result{Fingerprint: duplicate.Fingerprint(content), IsDuplicate: true, HasConflict: true,
		ConflictingPlatforms: platforms, Matches: []duplicate.Match{}}, nil
}

func (f *fakePublisher) QuotaStatus(ctx context.Context, platform string) (quota.Status, error) {
	st := f.status
	st.Platform = platform
	return st, nil
}

func (f *fakePublisher) ChannelHealth(ctx context.Context, userID string) ([]health.HealthStatus, error) {
	f.gotUser = userID
	return f.channels, nil
}

func newTestServer(t *testing.T, cfg Config, pub Publisher) http.Handler {
	t.Helper()
	s := New(cfg, pub, logx.Nop(), WithClock(func() time.Time { return fixedNow }),
		WithHealth(func() any { return map[string]string{"scheduler": "idle"} }))
	return s.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestDispatchReturnsMessages(t *testing.T) {
	reset := fixedNow.Add(3 * time.Hour)
	pub := &fakePublisher{report: dispatcher.Report{
		DispatchID: "d1",
		PostID:     "p1",
		Status:     publish.PostPartiallyPublished,
		Results: []dispatcher.ChannelResult{
			{ChannelID: "c1", Platform: "x", Success: true, Outcome: publish.OutcomeSuccess},
			{ChannelID: "c2", Platform: "youtube", Outcome: publish.OutcomeFailedPermanent, Category: publish.CategoryQuotaExceeded,
				Reason: publish.ReasonQuotaExceeded, Quota: &dispatcher.QuotaInfo{Remaining: 400, ResetTime: reset}},
			{ChannelID: "c3", Platform: "linkedin", Outcome: publish.OutcomeFailedPermanent, Category: publish.CategoryPermanentAuthExpired,
				Reason: publish.ReasonTokenExpired},
		},
	}}
	h := newTestServer(t, Config{}, pub)

	rec := do(t, h, http.MethodPost, "/v1/posts/p1/dispatch", `{"channel_ids":["c1","c2","c3"]}`, map[string]string{userIDHeader: "u1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "u1", pub.gotUser)
	assert.Equal(t, "p1", pub.gotPost)
	assert.Equal(t, []string{"c1", "c2", "c3"}, pub.gotChannels)

	var body struct {
		Status  string `json:"status"`
		Results []struct {
			ChannelID string `json:"channel_id"`
			Category  string `json:"category"`
			Message   string `json:"message"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "partially_published", body.Status)
	require.Len(t, body.Results, 3)
	assert.Equal(t, "Published to x.", body.Results[0].Message)
	assert.Contains(t, body.Results[1].Message, "3 hours from now")
	assert.Equal(t, "permanent_auth_expired", body.Results[2].Category)
	assert.Contains(t, body.Results[2].Message, "Reconnect")
}

func TestDispatchWithoutBody(t *testing.T) {
	pub := &fakePublisher{report: dispatcher.Report{PostID: "p9", Status: publish.PostPublished}}
	h := newTestServer(t, Config{}, pub)
	rec := do(t, h, http.MethodPost, "/v1/posts/p9/dispatch", "", map[string]string{userIDHeader: "u1"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, pub.gotChannels)
}

func TestDispatchErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("post p1: %w", publish.ErrNotFound), http.StatusNotFound},
		{publisher.ErrAlreadyPublished, http.StatusConflict},
		{publisher.ErrInProgress, http.StatusConflict},
		{dispatcher.ErrNoChannels, http.StatusUnprocessableEntity},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		pub := &fakePublisher{publishErr: tc.err}
		h := newTestServer(t, Config{}, pub)
		rec := do(t, h, http.MethodPost, "/v1/posts/p1/dispatch", "", map[string]string{userIDHeader: "u1"})
		assert.Equal(t, tc.code, rec.Code, "err %v", tc.err)
		assert.NotContains(t, rec.Body.String(), "disk on fire")
	}
}

func TestDispatchRejectsBadBody(t *testing.T) {
	h := newTestServer(t, Config{}, &fakePublisher{})
	rec := do(t, h, http.MethodPost, "/v1/posts/p1/dispatch", `{"channel_ids":[""]}`, map[string]string{userIDHeader: "u1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthWithoutSecretNeedsHeader(t *testing.T) {
	h := newTestServer(t, Config{}, &fakePublisher{})
	rec := do(t, h, http.MethodGet, "/v1/channels/health", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTAuth(t *testing.T) {
	const secret = "test-secret"
	pub := &fakePublisher{}
	h := newTestServer(t, Config{JWTSecret: secret}, pub)

	good, err := IssueToken(secret, "user-42", jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
	require.NoError(t, err)
	expired, err := IssueToken(secret, "user-42", jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))})
	require.NoError(t, err)
	wrongKey, err := IssueToken("other", "user-42", jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
	require.NoError(t, err)
	noExp, err := IssueToken(secret, "user-42", jwt.RegisteredClaims{})
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/v1/channels/health", "", map[string]string{"Authorization": "Bearer " + good})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-42", pub.gotUser)

	for name, tok := range map[string]string{"expired": expired, "wrong key": wrongKey, "no exp": noExp} {
		rec := do(t, h, http.MethodGet, "/v1/channels/health", "", map[string]string{"Authorization": "Bearer " + tok})
		assert.Equal(t, http.StatusUnauthorized, rec.Code, name)
	}

	// The dev header is ignored once a secret is configured.
	rec = do(t, h, http.MethodGet, "/v1/channels/health", "", map[string]string{userIDHeader: "u1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDuplicateCheckValidation(t *testing.T) {
	pub := &fakePublisher{}
	h := newTestServer(t, Config{}, pub)
	hdr := map[string]string{userIDHeader: "u1"}

	rec := do(t, h, http.MethodPost, "/v1/duplicates/check", `{"content":"hi","platforms":["x","youtube"]}`, hdr)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res duplicate.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.HasConflict)
	assert.Equal(t, duplicate.Fingerprint("HI "), res.Fingerprint)

	for _, body := range []string{
		`{"platforms":["x"]}`,
		`{"content":"hi","platforms":[]}`,
		`{"content":"hi","platforms":["bad platform!"]}`,
	} {
		rec := do(t, h, http.MethodPost, "/v1/duplicates/check", body, hdr)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestQuotaEndpoint(t *testing.T) {
	pub := &fakePublisher{status: quota.Status{DailyLimit: 10000, Used: 10000, Remaining: 0, ResetTime: fixedNow.Add(2 * time.Hour)}}
	h := newTestServer(t, Config{}, pub)
	hdr := map[string]string{userIDHeader: "u1"}

	rec := do(t, h, http.MethodGet, "/v1/quota/youtube", "", hdr)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Quota   quota.Status `json:"quota"`
		Message string       `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "youtube", body.Quota.Platform)
	assert.Contains(t, body.Message, "2 hours from now")

	rec = do(t, h, http.MethodGet, "/v1/quota/_bad", "", hdr)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChannelHealthMessages(t *testing.T) {
	days := 3
	pub := &fakePublisher{channels: []health.HealthStatus{
		{ChannelID: "a", Platform: "x", State: health.Healthy},
		{ChannelID: "b", Platform: "linkedin", State: health.Expired},
		{ChannelID: "c", Platform: "youtube", State: health.Expiring, DaysUntilExpiry: &days},
	}}
	h := newTestServer(t, Config{}, pub)
	rec := do(t, h, http.MethodGet, "/v1/channels/health", "", map[string]string{userIDHeader: "u1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Channels []struct {
			ChannelID string `json:"channel_id"`
			State     string `json:"state"`
			Message   string `json:"message"`
		} `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Channels, 3)
	assert.Empty(t, body.Channels[0].Message)
	assert.Contains(t, body.Channels[1].Message, "Reconnect")
	assert.Empty(t, body.Channels[2].Message)
}

func TestHealthzAndPprof(t *testing.T) {
	h := newTestServer(t, Config{Pprof: true, PprofToken: "dbg"}, &fakePublisher{})

	rec := do(t, h, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"scheduler":"idle"`)

	rec = do(t, h, http.MethodGet, "/debug/pprof/cmdline", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/debug/pprof/cmdline?token=dbg", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, newTestServer(t, Config{}, &fakePublisher{}), http.MethodGet, "/debug/pprof/cmdline", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
