package dal

import (
	"context"
	stderr "errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/marfs-core/marfs/internal/circuit"
	"github.com/marfs-core/marfs/pkg/errors"
	"github.com/marfs-core/marfs/pkg/retry"
	"github.com/marfs-core/marfs/pkg/types"
)

// S3DAL is the s3dal implementation of types.DAL: GET opens and deletes
// route through a retryer and a circuit breaker and record operation
// metrics. The streaming PUT upload does not: it runs directly on the
// uploader, is not retried, and is not counted by the breaker or metrics.
type S3DAL struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string

	retryer *retry.Retryer
	breaker *circuit.CircuitBreaker
	metrics types.MetricsCollector
}

// Config configures an S3DAL instance.
type Config struct {
	Region         string
	Endpoint       string
	ForcePathStyle bool

	// AccessKey/SecretKey pin static credentials, the usual arrangement
	// for an on-prem S3-compatible store. Empty means the default
	// provider chain (env, shared config, IMDS).
	AccessKey string
	SecretKey string

	Retry   retry.Config
	Breaker circuit.Config
	Metrics types.MetricsCollector
}

// New constructs an S3DAL bound to bucket.
func New(ctx context.Context, bucket string, cfg Config) (*S3DAL, error) {
	if bucket == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "dal: bucket name required").
			WithComponent("dal")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "dal: load AWS config").
			WithComponent("dal").WithCause(err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	breaker := circuit.NewCircuitBreaker("dal:"+bucket, cfg.Breaker)

	return &S3DAL{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		retryer:  retry.New(cfg.Retry),
		breaker:  breaker,
		metrics:  cfg.Metrics,
	}, nil
}

// objectKey computes the backing-store key for a located object. Object
// names are opaque to outside tools; this is the DAL's own
// addressing scheme, not the "multi-component path" recovery utility.
func objectKey(loc types.ObjectLocation) string {
	return fmt.Sprintf("%s/p%d/c%d/s%d/%s", loc.Repo, loc.Pod, loc.Cap, loc.Scatter, loc.ObjectID)
}

// Init constructs a handle without opening a stream yet.
func (d *S3DAL) Init(location types.ObjectLocation) types.DALHandle {
	return &handle{dal: d, loc: location}
}

// handle is a per-file-handle capability set on one located object.
// Put/Get do not support seek; a fresh Open is issued by the
// datastream engine for each discontiguous read.
type handle struct {
	dal *S3DAL
	loc types.ObjectLocation

	mode            types.DALMode
	chunkOffset     int64
	contentLength   int64
	preserveWrCount bool
	timeout         time.Duration

	// write side: Put() feeds an io.Pipe consumed by the manager.Uploader
	// in a background goroutine, streaming with chunked transfer encoding
	// so the object's final size need not be known up front.
	pw         *io.PipeWriter
	uploadDone chan error
	written    int64

	// read side
	body       io.ReadCloser
	readOffset int64
}

// Open starts a GET or PUT stream against the handle's current location.
func (h *handle) Open(ctx context.Context, mode types.DALMode, chunkOffset, contentLength int64, preserveWrCount bool, timeout time.Duration) error {
	h.mode = mode
	h.chunkOffset = chunkOffset
	h.contentLength = contentLength
	h.preserveWrCount = preserveWrCount
	h.timeout = timeout
	h.written = 0
	h.readOffset = 0

	key := objectKey(h.loc)

	switch mode {
	case types.DALPut:
		pr, pw := io.Pipe()
		h.pw = pw
		h.uploadDone = make(chan error, 1)
		go func() {
			_, err := h.dal.uploader.Upload(ctx, &s3.PutObjectInput{
				Bucket: aws.String(h.dal.bucket),
				Key:    aws.String(key),
				Body:   pr,
			})
			_ = pr.CloseWithError(err)
			h.uploadDone <- err
		}()
		return nil

	case types.DALGet:
		var rangeHeader *string
		if chunkOffset > 0 || contentLength > 0 {
			if contentLength > 0 {
				rangeHeader = aws.String(fmt.Sprintf("bytes=%d-%d", chunkOffset, chunkOffset+contentLength-1))
			} else {
				rangeHeader = aws.String(fmt.Sprintf("bytes=%d-", chunkOffset))
			}
		}

		var result *s3.GetObjectOutput
		err := h.dal.runGuarded(ctx, timeout, func(ctx context.Context) error {
			var getErr error
			result, getErr = h.dal.client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(h.dal.bucket),
				Key:    aws.String(key),
				Range:  rangeHeader,
			})
			return translateS3Err(getErr)
		})
		if err != nil {
			return err
		}
		h.body = result.Body
		return nil

	default:
		return errors.New(errors.ErrCodeInvalidConfig, "dal: unknown open mode").WithComponent("dal")
	}
}

// Put writes data to an open PUT stream.
func (h *handle) Put(ctx context.Context, data []byte) (int, error) {
	if h.pw == nil {
		return 0, errors.New(errors.ErrCodeInternal, "dal: put on handle not opened for write").WithComponent("dal")
	}
	n, err := h.pw.Write(data)
	if err != nil {
		return n, errors.New(errors.ErrCodeTransientWrite, "dal: put failed").
			WithComponent("dal").WithCause(err)
	}
	h.written += int64(n)
	return n, nil
}

// Get reads from an open GET stream. Short reads that are neither EOF nor
// error are treated as success; callers issue a further Get
// call to continue.
func (h *handle) Get(ctx context.Context, buf []byte) (int, error) {
	if h.body == nil {
		return 0, errors.New(errors.ErrCodeInternal, "dal: get on handle not opened for read").WithComponent("dal")
	}
	n, err := h.body.Read(buf)
	h.readOffset += int64(n)
	if err != nil && err != io.EOF {
		return n, errors.New(errors.ErrCodeTransientRead, "dal: get failed").
			WithComponent("dal").WithCause(err)
	}
	return n, nil
}

// Abort causes the server to discard a partially-written object.
func (h *handle) Abort(ctx context.Context) error {
	if h.pw == nil {
		return nil
	}
	_ = h.pw.CloseWithError(io.ErrClosedPipe)
	<-h.uploadDone
	return h.Delete(ctx)
}

// Sync guarantees no further I/O errors on the handle; for a streaming
// multipart upload the guarantee only holds once Close's final flush
// succeeds, so Sync is a no-op here by design (errors surface at Close).
func (h *handle) Sync(ctx context.Context) error { return nil }

// Close finalizes the stream: for writes, closes the pipe and waits for
// the background upload to complete; for reads, closes the body.
func (h *handle) Close(ctx context.Context) error {
	if h.pw != nil {
		if err := h.pw.Close(); err != nil {
			return errors.New(errors.ErrCodeTransientWrite, "dal: close write stream").
				WithComponent("dal").WithCause(err)
		}
		if err := <-h.uploadDone; err != nil {
			return errors.New(errors.ErrCodeTransientWrite, "dal: upload failed").
				WithComponent("dal").WithCause(err)
		}
		return nil
	}
	if h.body != nil {
		if err := h.body.Close(); err != nil {
			return errors.New(errors.ErrCodeTransientRead, "dal: close read stream").
				WithComponent("dal").WithCause(err)
		}
	}
	return nil
}

// Delete removes the object at the handle's current location.
func (h *handle) Delete(ctx context.Context) error {
	key := objectKey(h.loc)
	return h.dal.runGuarded(ctx, 0, func(ctx context.Context) error {
		_, err := h.dal.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(h.dal.bucket),
			Key:    aws.String(key),
		})
		return translateS3Err(err)
	})
}

// Destroy discards the object outright; it is the same call as Delete.
func (h *handle) Destroy(ctx context.Context) error {
	return h.Delete(ctx)
}

// UpdateLocation recomputes the target from the current handle state
// after the engine mutates the handle's chunk number. The
// next Open call addresses the new location.
func (h *handle) UpdateLocation(ctx context.Context, location types.ObjectLocation) error {
	h.loc = location
	return nil
}

// runGuarded wraps an S3 call with the DAL's retryer and circuit breaker,
// then records the outcome via metrics.
func (d *S3DAL) runGuarded(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	err := d.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		return d.retryer.DoWithContext(ctx, fn)
	})
	if d.metrics != nil {
		d.metrics.RecordOperation("dal", time.Since(start), 0, err == nil)
		if err != nil {
			d.metrics.RecordError("dal", err)
		}
	}
	return err
}

func translateS3Err(err error) error {
	if err == nil {
		return nil
	}
	var nsk *s3types.NoSuchKey
	if stderr.As(err, &nsk) {
		return errors.New(errors.ErrCodeRefNotFound, "object not found").WithComponent("dal").WithCause(err)
	}
	return errors.New(errors.ErrCodeTransientRead, "dal: s3 operation failed").
		WithComponent("dal").WithCause(err)
}
