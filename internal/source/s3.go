package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/rs/zerolog/log"

	"github.com/tanq16/segget/internal/utils"
)

// S3API is the subset of *s3.Client the source needs.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 serves s3://bucket/key URLs. Objects always support ranged reads.
type S3 struct {
	client S3API
}

func NewS3(client S3API) *S3 {
	return &S3{client: client}
}

func ParseS3URL(link string) (string, string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("not an s3 URL: %s", link)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("s3 URL needs bucket and key: %s", link)
	}
	return u.Host, key, nil
}

func (s *S3) Probe(ctx context.Context, link string) (*ProbeResult, error) {
	bucket, key, err := ParseS3URL(link)
	if err != nil {
		return nil, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyS3Error(link, "HeadObject", err)
	}
	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return &ProbeResult{
		URL:          link,
		Size:         size,
		AcceptRanges: true,
		FileName:     utils.SanitizeFileName(path.Base(key)),
		ETag:         aws.ToString(out.ETag),
	}, nil
}

func (s *S3) Open(ctx context.Context, req Request) (*Response, error) {
	bucket, key, err := ParseS3URL(req.URL)
	if err != nil {
		return nil, err
	}
	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if rh := req.RangeHeader(); rh != "" {
		input.Range = aws.String(rh)
	}
	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		return nil, classifyS3Error(req.URL, "GetObject", err)
	}
	status := http.StatusOK
	header := http.Header{}
	if cr := aws.ToString(out.ContentRange); cr != "" {
		status = http.StatusPartialContent
		header.Set("Content-Range", cr)
	}
	if err := CheckResponse(req, status, header); err != nil {
		out.Body.Close()
		return nil, err
	}
	length := int64(-1)
	if out.ContentLength != nil {
		length = *out.ContentLength
	}
	log.Debug().Str("op", "source/s3").Str("bucket", bucket).Str("key", key).Str("range", req.RangeHeader()).Msg("Object opened")
	return &Response{
		StatusCode: status,
		Header:     header,
		Body:       out.Body,
		Length:     length,
		Total:      totalFromResponse(status, header, length),
	}, nil
}

// classifyS3Error maps SDK failures onto the shared taxonomy: service
// responses by HTTP status, everything else as a transport fault.
func classifyS3Error(link, op string, err error) error {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return &utils.HTTPError{StatusCode: respErr.HTTPStatusCode(), URL: link}
	}
	return &utils.TransportError{Op: op + " " + link, Err: err}
}
