package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "venuestream/config"
	"venuestream/internal/hub"
	"venuestream/logger"
)

// archiveRecord defines the parquet schema of one archived envelope.
type archiveRecord struct {
	Type         string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Payload      string `parquet:"name=payload, type=BYTE_ARRAY, convertedtype=UTF8"`
	ReceivedTime int64  `parquet:"name=received_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type memFileWriter struct{ buffer *bytes.Buffer }

func newMemFileWriter() *memFileWriter { return &memFileWriter{buffer: &bytes.Buffer{}} }

func (m *memFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFileWriter) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFileWriter) Close() error                              { return nil }
func (m *memFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

// ArchiveSink buffers every envelope it receives and uploads the buffer to
// S3 as a snappy compressed parquet object, on the flush interval or when
// the buffer reaches MaxBuffer records.
type ArchiveSink struct {
	cfg    appconfig.ArchiveSinkConfig
	client objectPutter
	log    *logger.Entry
	now    func() time.Time

	mu      sync.Mutex
	buffer  []archiveRecord
	running bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	flushes chan struct{}
	wg      sync.WaitGroup
}

// NewArchiveSink loads AWS configuration and builds the S3 client used for
// uploads.
func NewArchiveSink(ctx context.Context, cfg appconfig.ArchiveSinkConfig) (*ArchiveSink, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return newArchiveSink(cfg, client), nil
}

func newArchiveSink(cfg appconfig.ArchiveSinkConfig, client objectPutter) *ArchiveSink {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	return &ArchiveSink{
		cfg:     cfg,
		client:  client,
		log:     logger.GetLogger().WithComponent("archive_sink").WithFields(logger.Fields{"bucket": cfg.Bucket}),
		now:     time.Now,
		done:    make(chan struct{}),
		flushes: make(chan struct{}, 1),
	}
}

func (a *ArchiveSink) ID() string { return "archive-" + a.cfg.Bucket }

// Send appends msg to the buffer. It never blocks on S3: a full buffer only
// signals the flush loop.
func (a *ArchiveSink) Send(msg []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return hub.ErrSinkClosed
	}
	a.buffer = append(a.buffer, archiveRecord{
		Type:         head.Type,
		Payload:      string(msg),
		ReceivedTime: a.now().UnixMilli(),
	})
	full := a.cfg.MaxBuffer > 0 && len(a.buffer) >= a.cfg.MaxBuffer
	a.mu.Unlock()

	if full {
		select {
		case a.flushes <- struct{}{}:
		default:
		}
	}
	return nil
}

func (a *ArchiveSink) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.closed
}

func (a *ArchiveSink) Done() <-chan struct{} { return a.done }

// Start launches the flush loop.
func (a *ArchiveSink) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("archive sink already running")
	}
	if a.closed {
		a.mu.Unlock()
		return hub.ErrSinkClosed
	}
	a.running = true
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.mu.Unlock()

	a.wg.Add(1)
	go a.flushLoop()

	a.log.WithFields(logger.Fields{"flush_interval": a.cfg.FlushInterval.String()}).Info("archive sink started")
	return nil
}

// Stop closes the sink, waits for the flush loop and uploads whatever is
// still buffered.
func (a *ArchiveSink) Stop() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.done)
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	a.flush()
	a.log.Info("archive sink stopped")
}

func (a *ArchiveSink) flushLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.flush()
		case <-a.flushes:
			a.flush()
		}
	}
}

func (a *ArchiveSink) flush() {
	a.mu.Lock()
	records := a.buffer
	a.buffer = nil
	a.mu.Unlock()

	if len(records) == 0 {
		return
	}

	start := time.Now()
	batchID := uuid.New().String()
	data, err := createParquet(records)
	if err != nil {
		a.log.WithError(err).Error("create parquet failed")
		return
	}
	key := a.objectKey(batchID, a.now())
	input := &s3.PutObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	// Stop flushes after the loop context is cancelled.
	if _, err := a.client.PutObject(context.WithoutCancel(a.baseContext()), input); err != nil {
		a.log.WithError(err).WithFields(logger.Fields{"s3_key": key, "records": len(records)}).Error("upload to s3 failed")
		return
	}

	duration := time.Since(start)
	a.log.WithFields(logger.Fields{
		"batch_id":    batchID,
		"s3_key":      key,
		"records":     len(records),
		"bytes":       len(data),
		"duration_ms": float64(duration.Nanoseconds()) / 1e6,
	}).Info("archive batch uploaded")
	a.log.LogMetric("archive_sink", "ArchiveRecords", len(records), "counter", logger.Fields{"bucket": a.cfg.Bucket})
}

func (a *ArchiveSink) baseContext() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx == nil {
		return context.Background()
	}
	return a.ctx
}

func (a *ArchiveSink) objectKey(batchID string, ts time.Time) string {
	ts = ts.UTC()
	return path.Join(
		a.cfg.Prefix,
		fmt.Sprintf("year=%04d", ts.Year()),
		fmt.Sprintf("month=%02d", int(ts.Month())),
		fmt.Sprintf("day=%02d", ts.Day()),
		fmt.Sprintf("hour=%02d", ts.Hour()),
		fmt.Sprintf("events_%d_%s.parquet", ts.UnixNano(), batchID),
	)
}

func createParquet(records []archiveRecord) ([]byte, error) {
	mw := newMemFileWriter()
	pw, err := writer.NewParquetWriter(mw, new(archiveRecord), 4)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, rec := range records {
		if err := pw.Write(rec); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mw.Bytes(), nil
}
