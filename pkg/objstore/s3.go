package objstore

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jacktea/cidstore/pkg/xerrors"
)

// S3 talks to any S3-compatible endpoint over plain HTTP requests signed by
// a Signer. Listing uses the V1 bucket GET so the continuation marker is a
// key, which is what the block store's pagination walker resumes from.
type S3 struct {
	client  *http.Client
	baseURL string
	signer  Signer
	maxKeys int
}

// S3Config describes an S3-compatible store.
type S3Config struct {
	Endpoint     string
	Bucket       string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	// Client overrides http.DefaultClient.
	Client *http.Client
	// MaxKeys bounds listing pages. Defaults to DefaultPageSize.
	MaxKeys int
}

// Signer signs outgoing requests for the configured provider.
type Signer interface {
	Sign(req *http.Request, payloadHash string) error
}

// NewS3 builds an S3 client with AWS SigV4 signing.
func NewS3(cfg S3Config) (*S3, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Region == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "NewS3", "access key, secret key, and region are required")
	}
	signer := &sigV4{
		accessKey: cfg.AccessKey,
		secretKey: cfg.SecretKey,
		region:    cfg.Region,
		token:     cfg.SessionToken,
	}
	return NewS3WithSigner(cfg, signer)
}

// NewS3WithSigner builds an S3 client around a caller-supplied signer.
func NewS3WithSigner(cfg S3Config, signer Signer) (*S3, error) {
	if cfg.Endpoint == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "NewS3", "endpoint is required")
	}
	bucket := strings.Trim(cfg.Bucket, "/")
	if bucket == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "NewS3", "bucket is required")
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	maxKeys := cfg.MaxKeys
	if maxKeys <= 0 {
		maxKeys = DefaultPageSize
	}
	return &S3{
		client:  client,
		baseURL: strings.TrimSuffix(cfg.Endpoint, "/") + "/" + bucket,
		signer:  signer,
		maxKeys: maxKeys,
	}, nil
}

func (s *S3) objectURL(key string) string {
	if key == "" {
		return s.baseURL
	}
	return s.baseURL + "/" + key
}

func (s *S3) do(ctx context.Context, method, rawURL string, payload []byte) (*http.Response, error) {
	var body io.Reader
	payloadHash := emptyPayloadHash()
	if payload != nil {
		body = bytes.NewReader(payload)
		sum := sha256.Sum256(payload)
		payloadHash = hex.EncodeToString(sum[:])
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		md5Sum := md5.Sum(payload)
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("Content-Length", strconv.Itoa(len(payload)))
		req.Header.Set("Content-MD5", base64.StdEncoding.EncodeToString(md5Sum[:]))
	}
	req.Header.Set("x-amz-content-sha256", payloadHash)
	req.Header.Set("Host", req.URL.Host)
	if err := s.signer.Sign(req, payloadHash); err != nil {
		return nil, err
	}
	return s.client.Do(req)
}

// statusError drains up to 512 bytes of the response body into the cause and
// classifies the status. Statuses without a recognized kind come back as a
// plain error so callers see the original failure shape.
func statusError(op, key string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	cause := fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	switch resp.StatusCode {
	case http.StatusNotFound:
		return xerrors.Wrap(xerrors.KindNotFound, op, key, cause)
	case http.StatusForbidden:
		return xerrors.Wrap(xerrors.KindPermission, op, key, cause)
	default:
		return fmt.Errorf("%s %s: %w", op, key, cause)
	}
}

func (s *S3) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	payload, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	resp, err := s.do(ctx, http.MethodPut, s.objectURL(key), payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError("Put", key, resp)
	}
	return nil
}

func (s *S3) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.do(ctx, http.MethodGet, s.objectURL(key), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError("Get", key, resp)
	}
	return resp.Body, nil
}

func (s *S3) Head(ctx context.Context, key string) error {
	resp, err := s.do(ctx, http.MethodHead, s.objectURL(key), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		switch resp.StatusCode {
		case http.StatusNotFound:
			return xerrors.E(xerrors.KindNotFound, "Head", key)
		case http.StatusForbidden:
			return xerrors.E(xerrors.KindPermission, "Head", key)
		}
		return fmt.Errorf("Head %s: %s", key, resp.Status)
	}
	return nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	resp, err := s.do(ctx, http.MethodDelete, s.objectURL(key), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return statusError("Delete", key, resp)
	}
	return nil
}

type listBucketResult struct {
	XMLName     xml.Name     `xml:"ListBucketResult"`
	IsTruncated bool         `xml:"IsTruncated"`
	NextMarker  string       `xml:"NextMarker"`
	Contents    []listObject `xml:"Contents"`
}

type listObject struct {
	Key  string `xml:"Key"`
	Size int64  `xml:"Size"`
}

func (s *S3) List(ctx context.Context, prefix, marker string) (*Page, error) {
	query := url.Values{}
	query.Set("max-keys", strconv.Itoa(s.maxKeys))
	if prefix != "" {
		query.Set("prefix", prefix)
	}
	if marker != "" {
		query.Set("marker", marker)
	}
	resp, err := s.do(ctx, http.MethodGet, s.baseURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, statusError("List", prefix, resp)
	}
	var result listBucketResult
	if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, xerrors.Wrap(xerrors.KindProtocol, "List", prefix, err)
	}
	page := &Page{
		Objects:    make([]Object, 0, len(result.Contents)),
		Truncated:  result.IsTruncated,
		NextMarker: result.NextMarker,
	}
	for _, obj := range result.Contents {
		page.Objects = append(page.Objects, Object{Key: obj.Key, Size: obj.Size})
	}
	return page, nil
}

func (s *S3) CreateBucket(ctx context.Context) error {
	resp, err := s.do(ctx, http.MethodPut, s.baseURL, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// 409 means the bucket already exists, which is what we wanted.
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusConflict {
		return statusError("CreateBucket", "", resp)
	}
	return nil
}

func emptyPayloadHash() string {
	sum := sha256.Sum256(nil)
	return hex.EncodeToString(sum[:])
}

// sigV4 implements AWS signature version 4 for the s3 service.
type sigV4 struct {
	accessKey string
	secretKey string
	region    string
	token     string
	now       func() time.Time
}

func (s *sigV4) Sign(req *http.Request, payloadHash string) error {
	if s.now == nil {
		s.now = time.Now
	}
	t := s.now().UTC()
	amzDate := t.Format("20060102T150405Z")
	dateStamp := t.Format("20060102")
	req.Header.Set("x-amz-date", amzDate)
	req.Header.Set("host", req.URL.Host)
	if payloadHash == "" {
		payloadHash = emptyPayloadHash()
	}
	canonicalHeaders, signedHeaders := canonicalHeaderStrings(req.Header)
	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI(req.URL),
		canonicalQueryString(req.URL),
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")
	hashedRequest := sha256.Sum256([]byte(canonicalRequest))
	credentialScope := fmt.Sprintf("%s/%s/s3/aws4_request", dateStamp, s.region)
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		credentialScope,
		hex.EncodeToString(hashedRequest[:]),
	}, "\n")
	signature := hex.EncodeToString(hmacSHA256(s.deriveKey(dateStamp), stringToSign))
	req.Header.Set("Authorization", fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		s.accessKey, credentialScope, signedHeaders, signature))
	if s.token != "" {
		req.Header.Set("x-amz-security-token", s.token)
	}
	return nil
}

func (s *sigV4) deriveKey(date string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+s.secretKey), date)
	kRegion := hmacSHA256(kDate, s.region)
	kService := hmacSHA256(kRegion, "s3")
	return hmacSHA256(kService, "aws4_request")
}

func canonicalURI(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func canonicalQueryString(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}
	values, _ := url.ParseQuery(u.RawQuery)
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
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

func canonicalHeaderStrings(h http.Header) (string, string) {
	lower := make(map[string][]string, len(h))
	keys := make([]string, 0, len(h))
	for k, v := range h {
		lk := strings.ToLower(k)
		if _, seen := lower[lk]; !seen {
			keys = append(keys, lk)
		}
		lower[lk] = append(lower[lk], v...)
	}
	sort.Strings(keys)
	var canonical []string
	for _, k := range keys {
		values := append([]string(nil), lower[k]...)
		sort.Strings(values)
		canonical = append(canonical, k+":"+strings.TrimSpace(strings.Join(values, ",")))
	}
	return strings.Join(canonical, "\n") + "\n", strings.Join(keys, ";")
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}
