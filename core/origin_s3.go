// Copyright 2015 - 2017 Ka-Hing Cheung
// Copyright 2024 Tigris Data, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"runtime"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/valandreev/sitecache/core/cfg"
	"github.com/valandreev/sitecache/log"
	"github.com/valandreev/sitecache/pkg/cache"
)

var s3Log = log.GetLogger("s3")

// S3Origin serves site content straight from a bucket, the way a static
// website endpoint would.
type S3Origin struct {
	*s3.S3

	bucket   string
	prefix   string
	indexDoc string
}

// NewS3Origin builds an origin for "s3://bucket/prefix".
func NewS3Origin(rawURL string, conf cache.S3Config) (*S3Origin, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "s3" || u.Host == "" {
		return nil, fmt.Errorf("s3 origin must look like s3://bucket/prefix, got %q", rawURL)
	}

	awsConfig := &aws.Config{
		S3ForcePathStyle: aws.Bool(conf.ForcePathStyle),
	}
	if conf.Region != "" {
		awsConfig.Region = aws.String(conf.Region)
	}
	if conf.Endpoint != "" {
		awsConfig.Endpoint = aws.String(conf.Endpoint)
	}

	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            *awsConfig,
		Profile:           conf.Profile,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 session: %w", err)
	}
	return newS3Origin(sess, awsConfig, u.Host, u.Path, conf.IndexDocument), nil
}

func newS3Origin(sess *session.Session, awsConfig *aws.Config, bucket, prefix, indexDoc string) *S3Origin {
	if indexDoc == "" {
		indexDoc = "index.html"
	}
	o := &S3Origin{
		S3:       s3.New(sess, awsConfig),
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		indexDoc: indexDoc,
	}
	o.S3.Handlers.Build.RemoveByName("core.SDKVersionUserAgentHandler")
	o.S3.Handlers.Build.PushBackNamed(request.NamedHandler{
		Name: "core.SDKVersionUserAgentHandler",
		Fn: request.MakeAddToUserAgentHandler("sitecache", cfg.Version,
			runtime.Version(), runtime.GOOS, runtime.GOARCH),
	})
	return o
}

func (o *S3Origin) key(p string) string {
	if p == "" || strings.HasSuffix(p, "/") {
		p += o.indexDoc
	}
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if o.prefix == "" {
		return p
	}
	return o.prefix + "/" + p
}

// Fetch maps a GET or HEAD to GetObject. Missing keys are a 404 response, not an error.
func (o *S3Origin) Fetch(ctx context.Context, req *http.Request) (*Response, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return &Response{
			Status: http.StatusMethodNotAllowed,
			Header: http.Header{"Allow": []string{"GET, HEAD"}},
			Source: SourceNetwork,
		}, nil
	}

	key := o.key(req.URL.Path)
	get := s3.GetObjectInput{
		Bucket: &o.bucket,
		Key:    &key,
	}
	resp, err := o.GetObjectWithContext(ctx, &get)
	if err != nil {
		var reqErr awserr.RequestFailure
		if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
			s3Log.Debug().Str("key", key).Msg("object not found")
			return &Response{
				Status: http.StatusNotFound,
				Header: http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
				Body:   []byte("not found\n"),
				Source: SourceNetwork,
			}, nil
		}
		return nil, mapS3Error(err)
	}
	defer resp.Body.Close()

	data, err := readBody(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}

	header := http.Header{}
	contentType := aws.StringValue(resp.ContentType)
	if contentType == "" || contentType == "binary/octet-stream" {
		if guessed := mime.TypeByExtension(path.Ext(key)); guessed != "" {
			contentType = guessed
		}
	}
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	if resp.ETag != nil {
		header.Set("ETag", *resp.ETag)
	}
	if resp.CacheControl != nil {
		header.Set("Cache-Control", *resp.CacheControl)
	}
	if resp.LastModified != nil {
		header.Set("Last-Modified", resp.LastModified.UTC().Format(http.TimeFormat))
	}
	if req.Method == http.MethodHead {
		data = nil
	}
	return &Response{
		Status: http.StatusOK,
		Header: header,
		Body:   data,
		Source: SourceNetwork,
	}, nil
}

// Online is true when the bucket endpoint answers at all, even with an error status.
func (o *S3Origin) Online(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := o.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: &o.bucket})
	if err == nil {
		return true
	}
	var reqErr awserr.RequestFailure
	return errors.As(err, &reqErr) && reqErr.StatusCode() > 0
}

func mapS3Error(err error) error {
	var awsErr awserr.Error
	if errors.As(err, &awsErr) {
		return fmt.Errorf("s3 %s: %s: %w", awsErr.Code(), awsErr.Message(), err)
	}
	return err
}
