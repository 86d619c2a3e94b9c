package core

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/stretchr/testify/require"
)

func TestHTTPOriginForwardsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if c := r.Header.Get("Connection"); c == "keep-alive" {
			t.Errorf("hop-by-hop header forwarded: %q", c)
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Method", r.Method)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(r.URL.RequestURI() + "|" + string(body)))
	}))
	defer srv.Close()

	o, err := NewHTTPOrigin(srv.URL+"/site", nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/about?lang=en", nil)
	req.Header.Set("Connection", "keep-alive")
	resp, err := o.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.Status)
	require.Equal(t, "/site/about?lang=en|", string(resp.Body))
	require.Equal(t, SourceNetwork, resp.Source)
	require.True(t, o.Online(context.Background()))
}

func TestHTTPOriginDoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	o, err := NewHTTPOrigin(srv.URL, nil)
	require.NoError(t, err)
	resp, err := o.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/old", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusFound, resp.Status)
	require.Equal(t, "/elsewhere", resp.Header.Get("Location"))
}

func TestHTTPOriginOffline(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	o, err := NewHTTPOrigin(base, nil)
	require.NoError(t, err)
	_, err = o.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.Error(t, err)
	require.False(t, o.Online(context.Background()))
}

func withBodyLimit(t *testing.T, n int64) {
	t.Helper()
	prev := maxBodyBytes
	maxBodyBytes = n
	t.Cleanup(func() { maxBodyBytes = prev })
}

func TestHTTPOriginRejectsOversizedBody(t *testing.T) {
	withBodyLimit(t, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/small" {
			_, _ = w.Write([]byte("exactly sixteen!"))
			return
		}
		_, _ = w.Write([]byte("this body is longer than the limit"))
	}))
	defer srv.Close()

	o, err := NewHTTPOrigin(srv.URL, nil)
	require.NoError(t, err)

	resp, err := o.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/small", nil))
	require.NoError(t, err)
	require.Equal(t, "exactly sixteen!", string(resp.Body))

	resp, err = o.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/big", nil))
	require.ErrorIs(t, err, ErrBodyTooLarge)
	require.Nil(t, resp)
}

func TestNewHTTPOriginRejectsOtherSchemes(t *testing.T) {
	_, err := NewHTTPOrigin("ftp://example.org", nil)
	require.Error(t, err)
}

func newTestS3Origin(t *testing.T, handler http.HandlerFunc) *S3Origin {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	conf := &aws.Config{
		Region:           aws.String("us-east-1"),
		Endpoint:         aws.String(srv.URL),
		S3ForcePathStyle: aws.Bool(true),
		Credentials:      credentials.AnonymousCredentials,
		MaxRetries:       aws.Int(0),
	}
	sess, err := session.NewSession(conf)
	require.NoError(t, err)
	return newS3Origin(sess, conf, "site", "/public/", "")
}

func TestS3OriginServesIndexDocument(t *testing.T) {
	o := newTestS3Origin(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/site/public/docs/index.html" {
			t.Errorf("unexpected key path %s", r.URL.Path)
		}
		w.Header().Set("ETag", `"abc"`)
		_, _ = w.Write([]byte("<h1>docs</h1>"))
	})

	resp, err := o.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/docs/", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, "<h1>docs</h1>", string(resp.Body))
	require.Equal(t, `"abc"`, resp.Header.Get("ETag"))
	require.Contains(t, resp.Header.Get("Content-Type"), "text/html")
}

func TestS3OriginMissingKeyIsNotFoundResponse(t *testing.T) {
	o := newTestS3Origin(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))
	})

	resp, err := o.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/nope.css", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.Status)
}

func TestS3OriginRejectsOversizedObject(t *testing.T) {
	withBodyLimit(t, 8)
	o := newTestS3Origin(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("more than eight bytes"))
	})

	_, err := o.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/big.css", nil))
	require.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestS3OriginRejectsWrites(t *testing.T) {
	o := newTestS3Origin(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s %s", r.Method, r.URL)
	})

	resp, err := o.Fetch(context.Background(), httptest.NewRequest(http.MethodPost, "/form", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.Status)
}
