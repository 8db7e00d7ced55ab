package writer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "venuestream/config"
	"venuestream/internal/hub"
)

type fakePutter struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakePutter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func (f *fakePutter) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	return keys
}

const envelope = `{"type":"spot_market_stream","data":{"symbol":"BTCUSDT"},"stream":"btcusdt@ticker"}`

func TestArchiveSinkFlushesAtMaxBuffer(t *testing.T) {
	putter := &fakePutter{}
	sink := newArchiveSink(appconfig.ArchiveSinkConfig{
		Bucket:        "events",
		Prefix:        "raw",
		FlushInterval: time.Hour,
		MaxBuffer:     2,
	}, putter)
	require.NoError(t, sink.Start(context.Background()))
	defer sink.Stop()

	require.NoError(t, sink.Send([]byte(envelope)))
	assert.Equal(t, 0, putter.count())
	require.NoError(t, sink.Send([]byte(envelope)))

	require.Eventually(t, func() bool { return putter.count() == 1 }, time.Second, 5*time.Millisecond)
	key := putter.keys()[0]
	assert.Regexp(t, `^raw/year=\d{4}/month=\d{2}/day=\d{2}/hour=\d{2}/events_\d+_[0-9a-f-]{36}\.parquet$`, key)
}

func TestArchiveSinkStopFlushesAndCloses(t *testing.T) {
	putter := &fakePutter{}
	sink := newArchiveSink(appconfig.ArchiveSinkConfig{Bucket: "events", FlushInterval: time.Hour}, putter)
	require.NoError(t, sink.Start(context.Background()))

	require.NoError(t, sink.Send([]byte(envelope)))
	sink.Stop()
	sink.Stop()

	assert.Equal(t, 1, putter.count())
	assert.False(t, sink.IsOpen())
	assert.ErrorIs(t, sink.Send([]byte(envelope)), hub.ErrSinkClosed)
	select {
	case <-sink.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestArchiveSinkUploadFailureDropsBatch(t *testing.T) {
	putter := &fakePutter{err: errors.New("access denied")}
	sink := newArchiveSink(appconfig.ArchiveSinkConfig{Bucket: "events"}, putter)
	require.NoError(t, sink.Send([]byte(envelope)))
	sink.flush()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Empty(t, sink.buffer)
}

func TestArchiveSinkRejectsInvalidEnvelope(t *testing.T) {
	sink := newArchiveSink(appconfig.ArchiveSinkConfig{Bucket: "events"}, &fakePutter{})
	assert.Error(t, sink.Send([]byte("not json")))
}

func TestCreateParquet(t *testing.T) {
	data, err := createParquet([]archiveRecord{
		{Type: "usdm_order_update", Payload: envelope, ReceivedTime: 1700000000000},
		{Type: "usdm_connection", Payload: `{"type":"usdm_connection","status":"connected"}`, ReceivedTime: 1700000000001},
	})
	require.NoError(t, err)
	require.Greater(t, len(data), 8)
	assert.True(t, bytes.HasPrefix(data, []byte("PAR1")))
	assert.True(t, bytes.HasSuffix(data, []byte("PAR1")))
}

type fakeMessageWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	closed   bool
}

func (f *fakeMessageWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeMessageWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestKafkaSinkKeysByEnvelopeType(t *testing.T) {
	w := &fakeMessageWriter{}
	sink := newKafkaSink(appconfig.KafkaSinkConfig{Topic: "venue-events"}, w)

	require.NoError(t, sink.Send([]byte(envelope)))
	require.Len(t, w.messages, 1)
	assert.Equal(t, "spot_market_stream", string(w.messages[0].Key))
	assert.JSONEq(t, envelope, string(w.messages[0].Value))

	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
	assert.False(t, sink.IsOpen())
	assert.ErrorIs(t, sink.Send([]byte(envelope)), hub.ErrSinkClosed)
}

func TestNewKafkaSinkRequiresBrokers(t *testing.T) {
	_, err := NewKafkaSink(appconfig.KafkaSinkConfig{Topic: "t"})
	assert.Error(t, err)
}

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	drained  bool
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakePublisher) Drain() error {
	f.drained = true
	return nil
}

func TestNATSSinkPublishesOnSubject(t *testing.T) {
	pub := &fakePublisher{}
	sink := newNATSSink(appconfig.NATSSinkConfig{Subject: "venues.events"}, pub)

	require.NoError(t, sink.Send([]byte(envelope)))
	assert.Equal(t, []string{"venues.events"}, pub.subjects)

	require.NoError(t, sink.Close())
	assert.True(t, pub.drained)
	assert.ErrorIs(t, sink.Send([]byte(envelope)), hub.ErrSinkClosed)
}

func TestNATSSinkClosedByConnection(t *testing.T) {
	pub := &fakePublisher{}
	sink := newNATSSink(appconfig.NATSSinkConfig{Subject: "s"}, pub)

	sink.markClosed()
	<-sink.Done()
	assert.False(t, sink.IsOpen())
	require.NoError(t, sink.Close())
	assert.False(t, pub.drained)
}
