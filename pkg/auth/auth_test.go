package auth_test

import (
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"sharebucket/pkg/auth"

	"github.com/stretchr/testify/require"
)

const (
	AccessKeyID     = "gatewayreader"
	SecretAccessKey = "gatewaysecret"
)

// signingTime is when signRequestSigV4 signs requests.
var signingTime = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// newSigV4Engine returns an engine whose clock reads now.
func newSigV4Engine(now time.Time) *auth.AwsHmacAuthEngine {
	e := auth.NewAwsHmacAuthEngine(AccessKeyID, SecretAccessKey)
	e.Now = func() time.Time { return now }
	return e
}

func signRequestSigV4(t *testing.T, r *http.Request, secret string) {
	t.Helper()

	const (
		region  = "us-east-1"
		service = "s3"
	)

	amzDate := signingTime.Format("20060102T150405Z")
	dateStamp := signingTime.Format("20060102")

	if r.Host == "" {
		if r.URL.Host != "" {
			r.Host = r.URL.Host
		}
	}

	if r.Header.Get("X-Amz-Content-Sha256") == "" {
		r.Header.Set("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	}
	r.Header.Set("X-Amz-Date", amzDate)

	signedHeaders := []string{"host", "x-amz-content-sha256", "x-amz-date"}
	canonicalReq := auth.BuildCanonicalRequest(r, signedHeaders, r.Header.Get("X-Amz-Content-Sha256"))
	credentialScope := strings.Join([]string{dateStamp, region, service, "aws4_request"}, "/")
	stringToSign := auth.StringToSign(amzDate, credentialScope, canonicalReq)

	sig := auth.HmacSHA256(auth.SigningKey(secret, dateStamp, region, service), stringToSign)
	sigHex := hex.EncodeToString(sig)

	cred := strings.Join([]string{AccessKeyID, dateStamp, region, service, "aws4_request"}, "/")
	header := strings.Join([]string{
		"AWS4-HMAC-SHA256 Credential=" + cred,
		"SignedHeaders=host;x-amz-content-sha256;x-amz-date",
		"Signature=" + sigHex,
	}, ", ")

	r.Header.Set("Authorization", header)
}

func TestAWSSigV4_Succeeds(t *testing.T) {
	t.Parallel()

	e := newSigV4Engine(signingTime)

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/site1/?list-type=2&prefix=docs%2F&delimiter=%2F", nil)
	signRequestSigV4(t, req, SecretAccessKey)

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.NotNil(t, user, "expected non-nil user from successful AWS SigV4 authentication")
	require.Equal(t, AccessKeyID, user.Name)
}

func TestAWSSigV4_EscapedPath(t *testing.T) {
	t.Parallel()

	e := newSigV4Engine(signingTime)

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/site1/My%20Docs/a%2Bb.txt", nil)
	signRequestSigV4(t, req, SecretAccessKey)

	canonical := auth.BuildCanonicalRequest(req, []string{"host"}, "UNSIGNED-PAYLOAD")
	require.Contains(t, canonical, "\n/site1/My%20Docs/a%2Bb.txt\n", "path is encoded exactly once")

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.NotNil(t, user)
}

func TestAWSSigV4_EscapedSlash(t *testing.T) {
	t.Parallel()

	e := newSigV4Engine(signingTime)

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/site1/docs%2F2024/budget.xlsx", nil)
	signRequestSigV4(t, req, SecretAccessKey)

	canonical := auth.BuildCanonicalRequest(req, []string{"host"}, "UNSIGNED-PAYLOAD")
	require.Contains(t, canonical, "\n/site1/docs%2F2024/budget.xlsx\n", "escaped slash is kept")

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.NotNil(t, user, "signature over the path as sent")

	// Clients that sign the decoded path are accepted too.
	decoded := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/site1/docs/2024/budget.xlsx", nil)
	signRequestSigV4(t, decoded, SecretAccessKey)

	sent := decoded.Clone(t.Context())
	escaped, err := url.Parse("http://example.com/site1/docs%2F2024/budget.xlsx")
	require.NoError(t, err)
	sent.URL = escaped

	user, err = e.AuthenticateRequest(t.Context(), sent)
	require.NoError(t, err)
	require.NotNil(t, user, "signature over the decoded path")
}

func TestAWSSigV4_ClockSkew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		now  time.Time
		ok   bool
	}{
		{name: "same time", now: signingTime, ok: true},
		{name: "within window", now: signingTime.Add(14 * time.Minute), ok: true},
		{name: "slightly ahead", now: signingTime.Add(-14 * time.Minute), ok: true},
		{name: "replayed later", now: signingTime.Add(16 * time.Minute), ok: false},
		{name: "replayed next day", now: signingTime.Add(24 * time.Hour), ok: false},
		{name: "dated in the future", now: signingTime.Add(-16 * time.Minute), ok: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			e := newSigV4Engine(tc.now)

			req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/site1/docs/report.pdf", nil)
			signRequestSigV4(t, req, SecretAccessKey)

			user, err := e.AuthenticateRequest(t.Context(), req)
			require.NoError(t, err)
			if tc.ok {
				require.NotNil(t, user)
				return
			}
			require.Nil(t, user)
		})
	}
}

func TestAWSSigV4_MalformedDate(t *testing.T) {
	t.Parallel()

	e := newSigV4Engine(signingTime)

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/site1", nil)
	signRequestSigV4(t, req, SecretAccessKey)
	req.Header.Set("X-Amz-Date", "yesterday")

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.Nil(t, user)
}

func TestAWSSigV4_InvalidSignature(t *testing.T) {
	t.Parallel()

	e := newSigV4Engine(signingTime)

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/site1", nil)
	signRequestSigV4(t, req, SecretAccessKey)

	// Corrupt the signature.
	req.Header.Set("Authorization", req.Header.Get("Authorization")+"0")

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.Nil(t, user, "expected nil user from failed AWS SigV4 authentication")
}

func TestAWSSigV4_WrongSecret(t *testing.T) {
	t.Parallel()

	e := newSigV4Engine(signingTime)

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/site1", nil)
	signRequestSigV4(t, req, "not-the-secret")

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.Nil(t, user)
}

// presignSigV4 adds presigned query parameters to r, signed at signedAt
// and valid for expires.
func presignSigV4(t *testing.T, r *http.Request, secret string, signedAt time.Time, expires time.Duration) {
	t.Helper()

	const (
		region  = "us-east-1"
		service = "s3"
	)

	amzDate := signedAt.Format("20060102T150405Z")
	dateStamp := signedAt.Format("20060102")
	scope := strings.Join([]string{dateStamp, region, service, "aws4_request"}, "/")

	q := r.URL.Query()
	q.Set("X-Amz-Algorithm", auth.AWSv4Algorithm)
	q.Set("X-Amz-Credential", AccessKeyID+"/"+scope)
	q.Set("X-Amz-Date", amzDate)
	q.Set("X-Amz-Expires", strconv.Itoa(int(expires.Seconds())))
	q.Set("X-Amz-SignedHeaders", "host")
	r.URL.RawQuery = q.Encode()

	canonical := auth.BuildPresignedCanonicalRequest(r, []string{"host"})
	sig := auth.HmacSHA256(auth.SigningKey(secret, dateStamp, region, service), auth.StringToSign(amzDate, scope, canonical))

	q.Set("X-Amz-Signature", hex.EncodeToString(sig))
	r.URL.RawQuery = q.Encode()
}

func TestAWSSigV4_Presigned(t *testing.T) {
	t.Parallel()

	signedAt := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		secret  string
		expires time.Duration
		now     time.Time
		ok      bool
	}{
		{name: "valid", secret: SecretAccessKey, expires: time.Hour, now: signedAt.Add(time.Minute), ok: true},
		{name: "expired", secret: SecretAccessKey, expires: time.Hour, now: signedAt.Add(2 * time.Hour), ok: false},
		{name: "wrong secret", secret: "not-the-secret", expires: time.Hour, now: signedAt, ok: false},
		{name: "expiry too long", secret: SecretAccessKey, expires: 8 * 24 * time.Hour, now: signedAt, ok: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			e := auth.NewAwsHmacAuthEngine(AccessKeyID, SecretAccessKey)
			e.Now = func() time.Time { return tc.now }

			req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/site1/docs/report.pdf", nil)
			presignSigV4(t, req, tc.secret, signedAt, tc.expires)

			user, err := e.AuthenticateRequest(t.Context(), req)
			require.NoError(t, err)
			if !tc.ok {
				require.Nil(t, user)
				return
			}
			require.NotNil(t, user)
			require.Equal(t, AccessKeyID, user.Name)
		})
	}
}

func TestAWSSigV4_PresignedTamperedQuery(t *testing.T) {
	t.Parallel()

	signedAt := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	e := auth.NewAwsHmacAuthEngine(AccessKeyID, SecretAccessKey)
	e.Now = func() time.Time { return signedAt }

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/site1/a.txt", nil)
	presignSigV4(t, req, SecretAccessKey, signedAt, time.Hour)

	q := req.URL.Query()
	q.Set("X-Amz-Expires", "604800")
	req.URL.RawQuery = q.Encode()

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.Nil(t, user, "extending the expiry invalidates the signature")
}

func TestBasicAuth(t *testing.T) {
	t.Parallel()

	e := auth.NewBasicAuthEngine("reader", "s3cret")

	tests := []struct {
		name  string
		setup func(r *http.Request)
		ok    bool
	}{
		{name: "valid", setup: func(r *http.Request) { r.SetBasicAuth("reader", "s3cret") }, ok: true},
		{name: "wrong password", setup: func(r *http.Request) { r.SetBasicAuth("reader", "nope") }},
		{name: "wrong user", setup: func(r *http.Request) { r.SetBasicAuth("admin", "s3cret") }},
		{name: "missing header", setup: func(r *http.Request) {}},
		{name: "bearer header", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer s3cret") }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/", nil)
			tc.setup(req)

			user, err := e.AuthenticateRequest(t.Context(), req)
			require.NoError(t, err)
			require.Equal(t, tc.ok, user != nil)
		})
	}
}

func TestBearerAuth(t *testing.T) {
	t.Parallel()

	e := auth.NewBearerAuthEngine("token-one", " ", "token-two")

	tests := []struct {
		header string
		ok     bool
	}{
		{header: "Bearer token-one", ok: true},
		{header: "Bearer token-two", ok: true},
		{header: "Bearer token-three"},
		{header: "Bearer "},
		{header: "bearer token-one"},
		{header: "Basic dG9rZW4tb25lOg=="},
		{header: ""},
	}

	for _, tc := range tests {
		req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}

		user, err := e.AuthenticateRequest(t.Context(), req)
		require.NoError(t, err)
		require.Equalf(t, tc.ok, user != nil, "header %q", tc.header)
	}

	empty := auth.NewBearerAuthEngine()
	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/", nil)
	req.Header.Set("Authorization", "Bearer anything")
	user, err := empty.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.Nil(t, user, "no configured tokens accepts nothing")
}

func TestCompoundAuth(t *testing.T) {
	t.Parallel()

	e := auth.NewCompoundAuthEngine(
		auth.NewBearerAuthEngine("token-one"),
		auth.NewBasicAuthEngine("reader", "s3cret"),
	)
	require.Equal(t, 2, e.Len())

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/", nil)
	req.SetBasicAuth("reader", "s3cret")
	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.NotNil(t, user)
	require.Equal(t, "reader", user.Name)

	req.Header.Set("Authorization", "Bearer token-one")
	user, err = e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.NotNil(t, user)
	require.Equal(t, "bearer", user.Name)

	req.Header.Set("Authorization", "Bearer wrong")
	user, err = e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.Nil(t, user)
}

func TestNetworkAllowlist(t *testing.T) {
	t.Parallel()

	l, err := auth.NewNetworkAllowlist("10.0.0.0/8", "192.168.1.7", "2001:db8::/32", "")
	require.NoError(t, err)
	require.False(t, l.Empty())

	tests := []struct {
		remote string
		ok     bool
	}{
		{remote: "10.1.2.3:5555", ok: true},
		{remote: "192.168.1.7:80", ok: true},
		{remote: "192.168.1.8:80"},
		{remote: "[2001:db8::1]:443", ok: true},
		{remote: "[::ffff:10.0.0.1]:443", ok: true},
		{remote: "127.0.0.1:1"},
		{remote: "garbage"},
	}

	for _, tc := range tests {
		req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/", nil)
		req.RemoteAddr = tc.remote
		require.Equalf(t, tc.ok, l.Allows(req), "remote %q", tc.remote)
	}

	_, err = auth.NewNetworkAllowlist("10.0.0.0/33")
	require.Error(t, err)
	_, err = auth.NewNetworkAllowlist("not-an-ip")
	require.Error(t, err)

	open, err := auth.NewNetworkAllowlist()
	require.NoError(t, err)
	require.True(t, open.Empty())
	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/", nil)
	require.True(t, open.Allows(req))
}
