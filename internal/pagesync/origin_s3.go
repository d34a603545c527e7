package pagesync

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type S3Options struct {
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	MaxBody   int64
}

// S3Origin serves resources from an S3-compatible bucket. The SDK's HTTP
// client is the Dispatcher, so bucket traffic shares the request budget.
type S3Origin struct {
	opts   S3Options
	client *s3.Client
}

func NewS3Origin(ctx context.Context, opts S3Options, httpClient Doer) (*S3Origin, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithHTTPClient(httpClient),
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Retrier owns retries.
		o.RetryMaxAttempts = 1
		if opts.Endpoint != "" {
			o.UsePathStyle = true
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return &S3Origin{opts: opts, client: client}, nil
}

func (o *S3Origin) Hosts() []string {
	return []string{o.opts.Bucket}
}

func (o *S3Origin) objectKey(p string) string {
	return strings.TrimLeft(path.Join(o.opts.Prefix, p), "/")
}

func (o *S3Origin) URL(ref ResourceRef) string {
	return "s3://" + o.opts.Bucket + "/" + o.objectKey(ref.Path())
}

func (o *S3Origin) Fetch(ctx context.Context, ref ResourceRef, etag string) (FetchResult, error) {
	target := o.URL(ref)
	in := &s3.GetObjectInput{
		Bucket: aws.String(o.opts.Bucket),
		Key:    aws.String(o.objectKey(ref.Path())),
	}
	if etag != "" {
		in.IfNoneMatch = aws.String(etag)
	}

	out, err := o.client.GetObject(ctx, in)
	if err != nil {
		status := s3Status(err)
		switch {
		case status == http.StatusNotModified:
			return FetchResult{NotModified: true, ETag: etag}, nil
		case status != 0:
			return FetchResult{}, &HostError{URL: target, Status: status}
		default:
			return FetchResult{}, &TransientNetworkError{URL: target, Err: err}
		}
	}
	defer out.Body.Close()

	body, err := readLimited(out.Body, o.opts.MaxBody)
	if err != nil {
		return FetchResult{}, &TransientNetworkError{URL: target, Err: err}
	}
	return FetchResult{Content: body, ETag: aws.ToString(out.ETag)}, nil
}

func (o *S3Origin) ListURL(dir string) string {
	return "s3://" + o.opts.Bucket + "/" + o.objectKey(dir) + "/"
}

func (o *S3Origin) List(ctx context.Context, dir, ext string) ([]string, error) {
	prefix := o.objectKey(dir) + "/"
	p := s3.NewListObjectsV2Paginator(o.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(o.opts.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var out []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			target := o.ListURL(dir)
			if status := s3Status(err); status != 0 {
				return nil, &HostError{URL: target, Status: status}
			}
			return nil, &TransientNetworkError{URL: target, Err: err}
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" || strings.Contains(name, "/") || !strings.HasSuffix(name, ext) {
				continue
			}
			out = append(out, name)
		}
	}
	return out, nil
}

// s3Status extracts the HTTP status of a failed S3 call, or 0 when the call
// never got an HTTP answer.
func s3Status(err error) int {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return http.StatusNotFound
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}
