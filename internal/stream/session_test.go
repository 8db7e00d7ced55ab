package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venuestream/config"
	"venuestream/models"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestConnectReplaysSeededSubscriptions(t *testing.T) {
	dialer := &fakeDialer{}
	rec := &recorder{}
	s := NewSession(testVenue(config.VenueKindMarketData, "btcusdt@ticker", "ethusdt@trade"), dialer, rec)
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, []string{"btcusdt@ticker", "ethusdt@trade"}, dialer.conn(0).sent(MethodSubscribe))
	assert.Equal(t, []string{models.StatusConnected}, rec.statusNames())
}

func TestConnectIsNoopWhenConnected(t *testing.T) {
	dialer := &fakeDialer{}
	s := NewSession(testVenue(config.VenueKindMarketData), dialer, &recorder{})
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 1, dialer.dialCount())
}

func TestReplayIsFailSoft(t *testing.T) {
	dialer := &fakeDialer{failWrites: map[string]bool{"bad@trade": true}}
	s := NewSession(testVenue(config.VenueKindMarketData, "bad@trade", "btcusdt@ticker", "ethusdt@depth"), dialer, &recorder{})
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, []string{"btcusdt@ticker", "ethusdt@depth"}, dialer.conn(0).sent(MethodSubscribe))
	assert.Equal(t, StateConnected, s.State())
}

func TestSubscribeResubscribesAfterReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	rec := &recorder{}
	s := NewSession(testVenue(config.VenueKindMarketData), dialer, rec)
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Subscribe(context.Background(), "btcusdt@ticker"))
	assert.Equal(t, []string{"btcusdt@ticker"}, dialer.conn(0).sent(MethodSubscribe))

	dialer.conn(0).drop()

	require.Eventually(t, func() bool {
		c := dialer.conn(1)
		return c != nil && s.State() == StateConnected && len(c.sent(MethodSubscribe)) == 1
	}, waitFor, tick)
	assert.Equal(t, []string{"btcusdt@ticker"}, dialer.conn(1).sent(MethodSubscribe))
	assert.Equal(t, []string{
		models.StatusConnected,
		models.StatusError,
		models.StatusReconnecting,
		models.StatusReconnected,
	}, rec.statusNames())
	assert.Equal(t, 0, s.Snapshot().ReconnectAttempts)
}

func TestSubscribeOnReplacedConnectionIsRejected(t *testing.T) {
	dialer := &fakeDialer{}
	s := NewSession(testVenue(config.VenueKindMarketData), dialer, &recorder{})
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	first := dialer.conn(0)
	entered := make(chan struct{})
	release := make(chan struct{})
	first.beforeWrite = func() {
		close(entered)
		<-release
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.Subscribe(context.Background(), "btcusdt@ticker") }()
	<-entered

	first.drop()
	require.Eventually(t, func() bool {
		return dialer.conn(1) != nil && s.State() == StateConnected
	}, waitFor, tick)
	close(release)

	err := <-errCh
	var subErr *SubscriptionError
	require.True(t, errors.As(err, &subErr))
	assert.ErrorIs(t, err, ErrConnectionReplaced)
	assert.Empty(t, s.Subscriptions())
	assert.Empty(t, dialer.conn(1).sent(MethodSubscribe))
}

func TestUnsubscribe(t *testing.T) {
	dialer := &fakeDialer{}
	s := NewSession(testVenue(config.VenueKindMarketData, "a@trade", "b@trade"), dialer, &recorder{})
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Unsubscribe(context.Background(), "a@trade"))
	assert.Equal(t, []string{"b@trade"}, s.Subscriptions())
	assert.Equal(t, []string{"a@trade"}, dialer.conn(0).sent(MethodUnsubscribe))
}

func TestSubscribeRequiresConnection(t *testing.T) {
	dialer := &fakeDialer{}
	s := NewSession(testVenue(config.VenueKindMarketData), dialer, &recorder{})
	defer s.Disconnect()

	err := s.Subscribe(context.Background(), "btcusdt@ticker")
	var subErr *SubscriptionError
	require.True(t, errors.As(err, &subErr))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, StateDisconnected, subErr.State)
	assert.Equal(t, MethodSubscribe, subErr.Method)

	err = s.Unsubscribe(context.Background(), "btcusdt@ticker")
	assert.ErrorIs(t, err, ErrNotConnected)

	// rejected requests are not queued for the next connection
	require.NoError(t, s.Connect(context.Background()))
	assert.Empty(t, dialer.conn(0).sent(MethodSubscribe))
	assert.Empty(t, s.Subscriptions())
}

func TestSubscribeRejectedOnUserDataVenue(t *testing.T) {
	dialer := &fakeDialer{}
	s := NewSession(testVenue(config.VenueKindUserData), dialer, &recorder{})
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	err := s.Subscribe(context.Background(), "btcusdt@ticker")
	assert.ErrorIs(t, err, ErrUserDataVenue)
	assert.Empty(t, dialer.conn(0).sent(MethodSubscribe))
}

func TestReconnectAttemptsExhausted(t *testing.T) {
	dialer := &fakeDialer{failAll: true}
	rec := &recorder{}
	cfg := testVenue(config.VenueKindMarketData)
	s := NewSession(cfg, dialer, rec)
	defer s.Disconnect()

	err := s.Connect(context.Background())
	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "dial", terr.Op)

	require.Eventually(t, func() bool { return s.State() == StateFailed }, waitFor, tick)

	attempts := cfg.Reconnect.MaxAttempts
	times := dialer.dialTimes()
	require.Len(t, times, attempts+1)
	for k := 1; k <= attempts; k++ {
		gap := times[k].Sub(times[k-1])
		want := time.Duration(k) * cfg.Reconnect.BaseDelay
		assert.GreaterOrEqual(t, gap, want-2*time.Millisecond, "retry %d", k)
		assert.Less(t, gap, want+500*time.Millisecond, "retry %d", k)
	}

	// FAILED is terminal until an explicit connect
	time.Sleep(8 * cfg.Reconnect.BaseDelay)
	assert.Equal(t, attempts+1, dialer.dialCount())
	assert.Equal(t, StateFailed, s.State())

	statuses := rec.statuses()
	require.Len(t, statuses, attempts+1)
	for _, cs := range statuses[:attempts] {
		assert.Equal(t, models.StatusReconnecting, cs.Status)
	}
	assert.Equal(t, models.StatusFailed, statuses[attempts].Status)
	assert.NotEmpty(t, statuses[attempts].Error)

	dialer.setFailAll(false)
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, attempts+2, dialer.dialCount())
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	dialer := &fakeDialer{failAll: true}
	cfg := testVenue(config.VenueKindMarketData)
	cfg.Reconnect.BaseDelay = 50 * time.Millisecond
	rec := &recorder{}
	s := NewSession(cfg, dialer, rec)

	require.Error(t, s.Connect(context.Background()))
	assert.Equal(t, StateReconnecting, s.State())

	s.Disconnect()
	assert.Equal(t, StateDisconnected, s.State())

	time.Sleep(4 * cfg.Reconnect.BaseDelay)
	assert.Equal(t, 1, dialer.dialCount())
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, []string{models.StatusReconnecting}, rec.statusNames())
}

func TestDisconnectCancelsHeartbeat(t *testing.T) {
	dialer := &fakeDialer{autoPong: true}
	cfg := testVenue(config.VenueKindUserData)
	cfg.HeartbeatInterval = 10 * time.Millisecond
	s := NewSession(cfg, dialer, &recorder{})

	require.NoError(t, s.Connect(context.Background()))
	conn := dialer.conn(0)
	require.Eventually(t, func() bool { return conn.pingCount() >= 2 }, waitFor, tick)

	s.Disconnect()
	pings := conn.pingCount()
	time.Sleep(6 * cfg.HeartbeatInterval)
	assert.Equal(t, pings, conn.pingCount())
	assert.Equal(t, 1, dialer.dialCount())
	assert.True(t, conn.isClosed())
}

func TestHeartbeatKeepsLiveConnection(t *testing.T) {
	dialer := &fakeDialer{autoPong: true}
	cfg := testVenue(config.VenueKindUserData)
	cfg.HeartbeatInterval = 10 * time.Millisecond
	s := NewSession(cfg, dialer, &recorder{})
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	time.Sleep(10 * cfg.HeartbeatInterval)

	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, 1, dialer.dialCount())
	assert.GreaterOrEqual(t, dialer.conn(0).pingCount(), 3)
}

func TestHeartbeatTimeoutForcesReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	cfg := testVenue(config.VenueKindUserData)
	cfg.HeartbeatInterval = 10 * time.Millisecond
	rec := &recorder{}
	s := NewSession(cfg, dialer, rec)
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	first := dialer.conn(0)

	require.Eventually(t, func() bool { return dialer.dialCount() >= 2 }, waitFor, tick)
	assert.True(t, first.isClosed())

	statuses := rec.statuses()
	require.GreaterOrEqual(t, len(statuses), 2)
	assert.Equal(t, models.StatusError, statuses[1].Status)
	assert.Contains(t, statuses[1].Error, ErrHeartbeatTimeout.Error())
}

func TestConnectTimeout(t *testing.T) {
	dialer := &fakeDialer{block: true}
	cfg := testVenue(config.VenueKindMarketData)
	cfg.ConnectTimeout = 30 * time.Millisecond
	cfg.Reconnect.BaseDelay = time.Hour
	s := NewSession(cfg, dialer, &recorder{})
	defer s.Disconnect()

	start := time.Now()
	err := s.Connect(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateReconnecting, s.State())
}

func TestEndpointResolution(t *testing.T) {
	dialer := &fakeDialer{}
	calls := 0
	s := NewSession(testVenue(config.VenueKindUserData), dialer, &recorder{}, WithEndpoint(func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("listen key unavailable")
		}
		return "wss://fstream.example.test/ws/key", nil
	}))
	defer s.Disconnect()

	err := s.Connect(context.Background())
	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "resolve endpoint", terr.Op)
	assert.Equal(t, 0, dialer.dialCount())

	require.Eventually(t, func() bool { return s.State() == StateConnected }, waitFor, tick)
	dialer.mu.Lock()
	assert.Equal(t, []string{"wss://fstream.example.test/ws/key"}, dialer.urls)
	dialer.mu.Unlock()
}

func TestMessageIntake(t *testing.T) {
	dialer := &fakeDialer{}
	rec := &recorder{}
	obs := &countingObserver{}
	s := NewSession(testVenue(config.VenueKindMarketData), dialer, rec, WithObserver(obs))
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	conn := dialer.conn(0)
	conn.push(`not json`)
	conn.push(`{"e":"SOMETHING_NEW"}`)
	conn.push(`{"result":null,"id":1}`)
	conn.push(`{"stream":"btcusdt@trade","data":{"e":"trade","s":"BTCUSDT","t":7,"p":"100","q":"2"}}`)

	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, waitFor, tick)
	tr, ok := rec.all()[1].(models.Trade)
	require.True(t, ok)
	assert.Equal(t, "spot", tr.Venue)
	assert.Equal(t, int64(7), tr.TradeID)
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, 2, obs.protocolErrors())
}
