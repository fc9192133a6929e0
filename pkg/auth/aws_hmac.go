package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	AWSv4Prefix    = "AWS4-HMAC-SHA256 "
	AWSv4Algorithm = "AWS4-HMAC-SHA256"

	// UnsignedPayload is the payload hash of presigned URLs.
	UnsignedPayload = "UNSIGNED-PAYLOAD"

	amzDateFormat = "20060102T150405Z"

	// maxPresignExpiry is the longest X-Amz-Expires S3 accepts.
	maxPresignExpiry = 7 * 24 * time.Hour

	// maxClockSkew bounds how far X-Amz-Date of a header-signed request
	// may be from the server clock.
	maxClockSkew = 15 * time.Minute
)

// AwsHmacAuthEngine verifies AWS Signature Version 4 signatures made with a
// single static key pair, either in the Authorization header (what S3 SDKs
// send) or in the query string of a presigned URL.
type AwsHmacAuthEngine struct {
	AccessKeyID     string
	SecretAccessKey string

	// Now is the clock for request dates and presigned URL expiry. Nil
	// means time.Now.
	Now func() time.Time
}

// NewAwsHmacAuthEngine creates a new AwsHmacAuthEngine with the given access key ID
// and secret access key.
func NewAwsHmacAuthEngine(accessKeyID string, secretAccessKey string) *AwsHmacAuthEngine {
	return &AwsHmacAuthEngine{
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
	}
}

// credentialScope is the parsed Credential value:
// ACCESS_KEY/DATE/REGION/SERVICE/aws4_request.
type credentialScope struct {
	accessKeyID string
	dateStamp   string
	region      string
	service     string
}

func (c credentialScope) String() string {
	return strings.Join([]string{c.dateStamp, c.region, c.service, "aws4_request"}, "/")
}

func parseCredential(s string) (credentialScope, bool) {
	parts := strings.Split(s, "/")
	if len(parts) != 5 || parts[4] != "aws4_request" {
		return credentialScope{}, false
	}
	c := credentialScope{
		accessKeyID: parts[0],
		dateStamp:   parts[1],
		region:      parts[2],
		service:     parts[3],
	}
	if c.accessKeyID == "" || c.dateStamp == "" || c.region == "" || c.service == "" {
		return credentialScope{}, false
	}
	return c, true
}

// signedRequest collects what a signature covers, wherever it was carried.
type signedRequest struct {
	scope         credentialScope
	signedHeaders []string
	signature     []byte
	amzDate       string
	payloadHash   string
	presigned     bool
}

// fromAuthorizationHeader parses an "AWS4-HMAC-SHA256 Credential=...,
// SignedHeaders=..., Signature=..." header. Requests dated outside
// maxClockSkew of now are rejected.
func fromAuthorizationHeader(r *http.Request, now time.Time) (signedRequest, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, AWSv4Prefix) {
		return signedRequest{}, false
	}

	kv := make(map[string]string, 3)
	for _, p := range strings.Split(strings.TrimPrefix(header, AWSv4Prefix), ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || k == "" {
			continue
		}
		kv[k] = strings.TrimSpace(v)
	}

	scope, ok := parseCredential(kv["Credential"])
	if !ok || kv["SignedHeaders"] == "" {
		return signedRequest{}, false
	}
	signature, err := hex.DecodeString(kv["Signature"])
	if err != nil || len(signature) == 0 {
		return signedRequest{}, false
	}

	req := signedRequest{
		scope:         scope,
		signedHeaders: strings.Split(kv["SignedHeaders"], ";"),
		signature:     signature,
		amzDate:       r.Header.Get("X-Amz-Date"),
		payloadHash:   r.Header.Get("X-Amz-Content-Sha256"),
	}
	if req.amzDate == "" || req.payloadHash == "" {
		return signedRequest{}, false
	}

	signedAt, err := time.Parse(amzDateFormat, req.amzDate)
	if err != nil {
		return signedRequest{}, false
	}
	if skew := now.Sub(signedAt); skew > maxClockSkew || skew < -maxClockSkew {
		return signedRequest{}, false
	}
	return req, true
}

// fromPresignedQuery parses the X-Amz-* parameters of a presigned URL and
// rejects it once expired.
func fromPresignedQuery(r *http.Request, now time.Time) (signedRequest, bool) {
	q := r.URL.Query()
	if q.Get("X-Amz-Algorithm") != AWSv4Algorithm {
		return signedRequest{}, false
	}

	scope, ok := parseCredential(q.Get("X-Amz-Credential"))
	if !ok || q.Get("X-Amz-SignedHeaders") == "" {
		return signedRequest{}, false
	}
	signature, err := hex.DecodeString(q.Get("X-Amz-Signature"))
	if err != nil || len(signature) == 0 {
		return signedRequest{}, false
	}

	amzDate := q.Get("X-Amz-Date")
	signedAt, err := time.Parse(amzDateFormat, amzDate)
	if err != nil {
		return signedRequest{}, false
	}
	seconds, err := strconv.Atoi(q.Get("X-Amz-Expires"))
	if err != nil || seconds <= 0 {
		return signedRequest{}, false
	}
	expires := time.Duration(seconds) * time.Second
	if expires > maxPresignExpiry || now.After(signedAt.Add(expires)) {
		return signedRequest{}, false
	}

	return signedRequest{
		scope:         scope,
		signedHeaders: strings.Split(q.Get("X-Amz-SignedHeaders"), ";"),
		signature:     signature,
		amzDate:       amzDate,
		payloadHash:   UnsignedPayload,
		presigned:     true,
	}, true
}

func awsURLEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
			continue
		}
		if c == '/' && !encodeSlash {
			b.WriteByte(c)
			continue
		}
		b.WriteString("%")
		b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	return b.String()
}

// canonicalQueryString sorts and encodes the query. A presigned URL's own
// signature is not part of what it signs.
func canonicalQueryString(u *url.URL, presigned bool) string {
	if u.RawQuery == "" {
		return ""
	}

	values := u.Query()
	if presigned {
		values.Del("X-Amz-Signature")
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, awsURLEncode(k, true)+"="+awsURLEncode(v, true))
		}
	}

	return strings.Join(parts, "&")
}

func canonicalHeaderValue(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

// BuildCanonicalRequest returns the SigV4 canonical request for r. S3 does
// not normalize paths, so each path segment is encoded exactly once.
func BuildCanonicalRequest(r *http.Request, signedHeaderNames []string, payloadHash string) string {
	return buildCanonicalRequest(r, canonicalURI(r.URL), signedHeaderNames, payloadHash, false)
}

// BuildPresignedCanonicalRequest is BuildCanonicalRequest for a presigned
// URL, whose X-Amz-Signature parameter is left out.
func BuildPresignedCanonicalRequest(r *http.Request, signedHeaderNames []string) string {
	return buildCanonicalRequest(r, canonicalURI(r.URL), signedHeaderNames, UnsignedPayload, true)
}

// canonicalURI encodes each segment of the path as it was sent, so an
// escaped slash inside a key stays escaped.
func canonicalURI(u *url.URL) string {
	segments := strings.Split(u.EscapedPath(), "/")
	for i, segment := range segments {
		if decoded, err := url.PathUnescape(segment); err == nil {
			segment = decoded
		}
		segments[i] = awsURLEncode(segment, true)
	}
	if uri := strings.Join(segments, "/"); uri != "" {
		return uri
	}
	return "/"
}

// canonicalURIs lists the URIs a client may have signed. Some clients
// sign the decoded path, which differs from canonicalURI only when the
// path holds an escaped slash.
func canonicalURIs(u *url.URL) []string {
	uris := []string{canonicalURI(u)}
	decoded := awsURLEncode(u.Path, false)
	if decoded == "" {
		decoded = "/"
	}
	if decoded != uris[0] {
		uris = append(uris, decoded)
	}
	return uris
}

func buildCanonicalRequest(r *http.Request, uri string, signedHeaderNames []string, payloadHash string, presigned bool) string {
	names := make([]string, 0, len(signedHeaderNames))
	var headers strings.Builder
	for _, h := range signedHeaderNames {
		name := strings.ToLower(strings.TrimSpace(h))
		if name == "" {
			continue
		}
		names = append(names, name)

		value := r.Header.Get(name)
		if name == "host" {
			value = r.Host
			if value == "" {
				value = r.URL.Host
			}
		}
		headers.WriteString(name + ":" + canonicalHeaderValue(value) + "\n")
	}

	return strings.Join([]string{
		r.Method,
		uri,
		canonicalQueryString(r.URL, presigned),
		headers.String(),
		strings.Join(names, ";"),
		payloadHash,
	}, "\n")
}

// StringToSign returns the SigV4 string to sign for a canonical request.
// scope is DATE/REGION/SERVICE/aws4_request.
func StringToSign(amzDate string, scope string, canonicalRequest string) string {
	sum := sha256.Sum256([]byte(canonicalRequest))
	return strings.Join([]string{AWSv4Algorithm, amzDate, scope, hex.EncodeToString(sum[:])}, "\n")
}

func HmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// SigningKey derives the SigV4 signing key for one day, region and
// service.
func SigningKey(secretAccessKey string, dateStamp string, region string, service string) []byte {
	kDate := HmacSHA256([]byte("AWS4"+secretAccessKey), dateStamp)
	kRegion := HmacSHA256(kDate, region)
	kService := HmacSHA256(kRegion, service)
	return HmacSHA256(kService, "aws4_request")
}

// AuthenticateRequest checks for a valid SigV4 signature in the
// Authorization header or, failing that, the query string. It returns a
// User named after the access key if the signature is valid, nil otherwise.
func (e *AwsHmacAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	if e.AccessKeyID == "" {
		return nil, nil
	}

	now := time.Now
	if e.Now != nil {
		now = e.Now
	}

	req, ok := fromAuthorizationHeader(r, now())
	if !ok {
		req, ok = fromPresignedQuery(r, now())
	}
	if !ok {
		return nil, nil
	}

	if subtle.ConstantTimeCompare([]byte(req.scope.accessKeyID), []byte(e.AccessKeyID)) != 1 {
		return nil, nil
	}

	key := SigningKey(e.SecretAccessKey, req.scope.dateStamp, req.scope.region, req.scope.service)
	for _, uri := range canonicalURIs(r.URL) {
		canonical := buildCanonicalRequest(r, uri, req.signedHeaders, req.payloadHash, req.presigned)
		stringToSign := StringToSign(req.amzDate, req.scope.String(), canonical)
		if hmac.Equal(HmacSHA256(key, stringToSign), req.signature) {
			return &User{
				Name: req.scope.accessKeyID,
			}, nil
		}
	}

	return nil, nil
}
