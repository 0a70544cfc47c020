package fetch

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// awsGetter downloads S3 objects with the SDK default credential chain
// (env vars, shared config, IAM role). Clients are cached per region.
type awsGetter struct {
	mu      sync.Mutex
	clients map[string]*s3.Client
}

func newAWSGetter() *awsGetter {
	return &awsGetter{clients: make(map[string]*s3.Client)}
}

// NewS3Getter returns the SDK-backed getter used outside of tests.
func NewS3Getter() S3Getter {
	return newAWSGetter()
}

func (g *awsGetter) client(ctx context.Context, region string) (*s3.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[region]; ok {
		return c, nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	c := s3.NewFromConfig(cfg)
	g.clients[region] = c
	return c, nil
}

// Download streams s3://bucket/key to destPath.
func (g *awsGetter) Download(ctx context.Context, bucket, key, region, destPath string) error {
	client, err := g.client(ctx, region)
	if err != nil {
		return err
	}
	obj, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		return fmt.Errorf("failed to get object: %w", err)
	}
	defer obj.Body.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, obj.Body); err != nil {
		os.Remove(destPath)
		return fmt.Errorf("failed to write object: %w", err)
	}
	return nil
}
