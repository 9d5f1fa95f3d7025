package vision

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/futvision/klinewatch/internal/model"
)

// Entry is one archive object seen in a prefix listing.
type Entry struct {
	Day          model.Day
	SizeBytes    int64
	LastModified time.Time
}

// ListerConfig tunes the bulk lister. Zero values select the public bucket.
type ListerConfig struct {
	// Endpoint overrides the S3 endpoint; the public bucket only answers
	// listing calls on the regional path-style endpoint, not the CDN host.
	Endpoint string
	Bucket   string
	Region   string
}

// Lister enumerates a symbol's archive objects in one call per ~1000 days,
// which beats per-day HEADs as soon as the range is wider than a couple of
// weeks.
type Lister struct {
	client *s3.Client
	bucket string
}

// NewLister builds an anonymous S3 client for the public bucket.
func NewLister(ctx context.Context, cfg ListerConfig) (*Lister, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
		// Retry belongs to the scheduler, same as for probes.
		o.Retryer = aws.NopRetryer{}
	})

	return &Lister{client: client, bucket: cfg.Bucket}, nil
}

// ListDaily returns every published day for the symbol's minute archives,
// ascending. An empty result is valid: the symbol has no archives yet.
func (l *Lister) ListDaily(ctx context.Context, symbol string) ([]Entry, error) {
	prefix := DailyPrefix(symbol)
	paginator := s3.NewListObjectsV2Paginator(l.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(l.bucket),
		Prefix: aws.String(prefix),
	})

	var entries []Entry
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list prefix %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			day, ok := dayFromKey(symbol, aws.ToString(obj.Key))
			if !ok {
				continue // .CHECKSUM and other companions
			}
			e := Entry{Day: day, SizeBytes: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				e.LastModified = obj.LastModified.UTC()
			}
			entries = append(entries, e)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Day.Before(entries[j].Day) })
	return entries, nil
}

// dayFromKey extracts the date from an archive key like
// data/futures/um/daily/klines/BTCUSDT/1m/BTCUSDT-1m-2024-06-01.zip.
func dayFromKey(symbol, key string) (model.Day, bool) {
	name := path.Base(key)
	want := symbol + "-1m-"
	if !strings.HasPrefix(name, want) || !strings.HasSuffix(name, ".zip") {
		return model.Day{}, false
	}
	day, err := model.ParseDay(strings.TrimSuffix(strings.TrimPrefix(name, want), ".zip"))
	if err != nil {
		return model.Day{}, false
	}
	return day, true
}
