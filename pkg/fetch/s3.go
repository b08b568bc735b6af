package fetch

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/warptools/datman/dmapi"
	"github.com/warptools/datman/pkg/logging"
)

// S3Fetcher downloads artifacts addressed as "s3://bucket/key".
// Credentials come from the ambient AWS configuration.
type S3Fetcher struct {
	// Endpoint overrides the S3 endpoint, for non-AWS object stores.
	Endpoint string
	// Region to sign for.  The ambient default region when empty.
	Region string

	client *s3.Client
}

func (f *S3Fetcher) getClient(ctx context.Context) (*s3.Client, error) {
	if f.client != nil {
		return f.client, nil
	}
	opts := []func(*config.LoadOptions) error{}
	if f.Region != "" {
		opts = append(opts, config.WithRegion(f.Region))
	}
	if f.Endpoint != "" {
		opts = append(opts, config.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               f.Endpoint,
					HostnameImmutable: true,
					SigningRegion:     f.Region,
				}, nil
			})))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	f.client = s3.NewFromConfig(cfg)
	return f.client, nil
}

// Fetch downloads the object named by rawUrl into dest, creating or truncating it.
//
// Errors:
//
//    - datman-error-config -- when the url is not a usable s3 address
//    - datman-error-fetch -- when the object cannot be downloaded
//    - datman-error-io -- when the destination file cannot be written
func (f *S3Fetcher) Fetch(ctx context.Context, rawUrl string, dest string) error {
	u, err := url.Parse(rawUrl)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return dmapi.ErrorConfig("cannot parse s3 url: "+rawUrl,
			[2]string{"url", rawUrl})
	}
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return dmapi.ErrorConfig("s3 url names no object key: "+rawUrl,
			[2]string{"url", rawUrl})
	}

	client, err := f.getClient(ctx)
	if err != nil {
		return dmapi.ErrorFetch(rawUrl, fmt.Errorf("could not load aws config: %w", err))
	}

	out, err := os.Create(dest)
	if err != nil {
		return dmapi.ErrorIo("cannot create download file", dest, err)
	}
	defer out.Close()

	logger := logging.Ctx(ctx)
	logger.Info("fetch", "downloading s3://%s/%s", bucket, key)

	downloader := manager.NewDownloader(client)
	n, err := downloader.Download(ctx, out, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return dmapi.ErrorFetch(rawUrl, err)
	}
	logger.Info("fetch", "%s: %d bytes transferred", key, n)
	return nil
}
