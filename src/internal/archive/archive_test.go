package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memS3 is an in-memory fake of the handful of S3 REST calls the store makes.
type memS3 struct {
	mu      sync.Mutex
	objects map[string]memObject
}

type memObject struct {
	body        []byte
	contentType string
}

func (m *memS3) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// path-style: /<bucket>/<key>
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	switch req.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		if dec, ok := decodeChunked(body); ok {
			body = dec
		}
		m.objects[key] = memObject{body: body, contentType: req.Header.Get("Content-Type")}
		return respond(http.StatusOK, nil, http.Header{"ETag": {`"etag"`}}), nil
	case http.MethodHead, http.MethodGet:
		obj, ok := m.objects[key]
		if !ok {
			body := []byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return respond(http.StatusNotFound, body, http.Header{"Content-Type": {"application/xml"}}), nil
		}
		h := http.Header{
			"Content-Length": {fmt.Sprint(len(obj.body))},
			"Content-Type":   {obj.contentType},
			"Last-Modified":  {time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Format(http.TimeFormat)},
			"ETag":           {`"etag"`},
		}
		if req.Method == http.MethodHead {
			return respond(http.StatusOK, nil, h), nil
		}
		return respond(http.StatusOK, obj.body, h), nil
	}
	return respond(http.StatusNotImplemented, nil, http.Header{}), nil
}

func respond(code int, body []byte, h http.Header) *http.Response {
	return &http.Response{StatusCode: code, Body: io.NopCloser(bytes.NewReader(body)), Header: h, ContentLength: int64(len(body))}
}

// decodeChunked unwraps a single-chunk aws-chunked payload.
func decodeChunked(b []byte) ([]byte, bool) {
	parts := strings.Split(string(b), "\r\n")
	if len(parts) < 3 || parts[2] != "0" {
		return nil, false
	}
	var n int
	if _, err := fmt.Sscanf(parts[0], "%x", &n); err != nil || n != len(parts[1]) {
		return nil, false
	}
	return []byte(parts[1]), true
}

func newMockS3(t *testing.T, prefix string) (*S3, *memS3) {
	t.Helper()
	fake := &memS3{objects: make(map[string]memObject)}
	s, err := NewS3(context.Background(), S3Config{
		Bucket:          "predictions",
		Region:          "eu-west-1",
		Endpoint:        "https://mock.s3.local",
		PathStyle:       true,
		Prefix:          prefix,
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		HTTPClient:      &http.Client{Transport: fake},
	})
	require.NoError(t, err)
	return s, fake
}

func TestStores(t *testing.T) {
	t.Parallel()

	fsStore, err := NewFilesystem(filepath.Join(t.TempDir(), "archive"))
	require.NoError(t, err)
	s3Store, _ := newMockS3(t, "")

	for _, st := range []Store{fsStore, s3Store} {
		t.Run(string(st.Driver()), func(t *testing.T) {
			ctx := context.Background()
			key := ResultKey("run-42", "predictions.csv")
			body := "molecule_name,pIC50\nCHEMBL1,6.5\n"

			info, err := st.Put(ctx, key, strings.NewReader(body), "text/csv")
			require.NoError(t, err)
			assert.Equal(t, key, info.Key)
			assert.EqualValues(t, len(body), info.Size)

			got, rc, err := st.Get(ctx, key)
			require.NoError(t, err)
			data, err := io.ReadAll(rc)
			require.NoError(t, rc.Close())
			require.NoError(t, err)
			assert.Equal(t, body, string(data))
			assert.EqualValues(t, len(body), got.Size)

			_, err = st.Put(ctx, key, strings.NewReader("molecule_name,pIC50\n"), "text/csv")
			require.NoError(t, err, "put must overwrite")

			_, _, err = st.Get(ctx, ResultKey("nope", "predictions.csv"))
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestS3Prefix(t *testing.T) {
	t.Parallel()

	s, fake := newMockS3(t, "bioact")
	_, err := s.Put(context.Background(), "runs/a/predictions.csv", strings.NewReader("x"), "text/csv")
	require.NoError(t, err)
	_, ok := fake.objects["bioact/runs/a/predictions.csv"]
	assert.True(t, ok, "object stored without prefix: %v", fake.objects)
}

func TestFilesystemRejectsTraversal(t *testing.T) {
	t.Parallel()

	st, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	for _, key := range []string{"", "/etc/passwd", "../x", "runs/../../x"} {
		_, err := st.Put(context.Background(), key, strings.NewReader("x"), "")
		assert.Error(t, err, "key %q", key)
	}
}

func TestOpen(t *testing.T) {
	t.Parallel()

	st, err := Open(context.Background(), Config{Driver: "none"})
	require.NoError(t, err)
	assert.Nil(t, st)

	st, err = Open(context.Background(), Config{Driver: "FS", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, DriverFilesystem, st.Driver())

	_, err = Open(context.Background(), Config{Driver: "s3"})
	assert.Error(t, err, "s3 without bucket")

	_, err = Open(context.Background(), Config{Driver: "gcs"})
	assert.Error(t, err)
}
