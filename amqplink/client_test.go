package amqplink

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type staticCredentials struct {
	calls atomic.Int32
	err   error
}

func (credentials *staticCredentials) GetToken(_ context.Context, audience string, ttl time.Duration) (Token, error) {
	credentials.calls.Add(1)
	if credentials.err != nil {
		return Token{}, credentials.err
	}
	return Token{Value: "token-for-" + audience, Type: "jwt", ExpiresAt: time.Now().Add(ttl)}, nil
}

func TestNewClientValidates(t *testing.T) {
	_, err := NewClient(testConfig(), nil, testCodec{})
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	_, err = NewClient(testConfig(), newFakeEngine(), nil)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	config := testConfig()
	config.MinBackoff = time.Minute
	config.MaxBackoff = time.Second
	_, err = NewClient(config, newFakeEngine(), testCodec{})
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	client, err := NewClient(Config{Address: "amqp://host"}, newFakeEngine(), testCodec{})
	require.NoError(t, err)
	assert.Equal(t, DefaultOperationTimeout, client.OperationTimeout())
	assert.Equal(t, client.ID(), client.Config().ContainerID)
	_, err = await(t, client.Close())
	assert.NoError(t, err, "closing an unstarted client")
}

func TestClientOpenDialsOnce(t *testing.T) {
	engine := newFakeEngine()
	client := newTestClient(t, engine, nil)

	_, err := await(t, client.Open())
	require.NoError(t, err)
	_, err = await(t, client.Open())
	require.NoError(t, err)
	assert.Equal(t, 1, engine.dialCount())
}

func TestClientLinksShareOneConnection(t *testing.T) {
	engine := newFakeEngine()
	client := newTestClient(t, engine, nil)

	var group sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 4; i++ {
		group.Add(2)
		go func() {
			defer group.Done()
			_, err := client.NewSender(context.Background(), "queue")
			errs <- err
		}()
		go func() {
			defer group.Done()
			_, err := client.NewReceiver(context.Background(), "queue", nil)
			errs <- err
		}()
	}
	group.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, engine.dialCount())
}

func TestClientRecreatesClosedConnection(t *testing.T) {
	engine := newFakeEngine()
	client := newTestClient(t, engine, nil)
	_, err := await(t, client.Open())
	require.NoError(t, err)

	engine.connection(0).state.Store(int32(LinkClosed))
	_, err = client.NewSender(context.Background(), "queue")
	require.NoError(t, err)
	assert.Equal(t, 2, engine.dialCount())
	assert.True(t, engine.connection(0).closed.Load())
}

func TestClientUnknownHostIsPermanent(t *testing.T) {
	engine := newFakeEngine()
	engine.dialErrors = []error{&net.DNSError{Name: "nowhere.invalid", IsNotFound: true}}
	client := newTestClient(t, engine, nil)

	_, err := await(t, client.Open())
	assert.True(t, errors.Is(err, ErrConnection), "got %v", err)

	var typed *Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, KindPermanent, typed.Kind)
}

func TestClientCloseShutsDownLinks(t *testing.T) {
	engine := newFakeEngine()
	engine.settle = func(*fakeSendLink, Transfer) error { return errHold }
	client := newTestClient(t, engine, nil)
	sender := newTestSender(t, client)
	receiver := newTestReceiver(t, client, nil)

	sending := sender.Send(NewMessage([]byte("stuck")))
	receiving := receiver.Receive()
	eventually(t, func() bool { return len(engine.sendLink(0).sent()) == 1 }, "transfer on the link")

	_, err := await(t, client.Close())
	require.NoError(t, err)
	_, err = await(t, client.Close())
	assert.NoError(t, err, "close is idempotent")

	_, err = await(t, sending)
	assert.True(t, errors.Is(err, ErrClientClosed), "got %v", err)
	_, err = await(t, receiving)
	assert.True(t, errors.Is(err, ErrClientClosed), "got %v", err)

	_, err = await(t, sender.Send(NewMessage([]byte("late"))))
	assert.True(t, errors.Is(err, ErrClientClosed))
	_, err = await(t, receiver.Receive())
	assert.True(t, errors.Is(err, ErrClientClosed))
	_, err = client.NewSender(context.Background(), "queue")
	assert.True(t, errors.Is(err, ErrClientClosed))
	assert.True(t, engine.connection(0).closed.Load())
}

func TestClientPutsTokenPerAudience(t *testing.T) {
	engine := newFakeEngine()
	credentials := &staticCredentials{}
	client := newTestClient(t, engine, nil)
	client.SetCredentialProvider(credentials)

	newTestSender(t, client)
	newTestSender(t, client)
	assert.Equal(t, []string{"amqp://fake/queue"}, engine.connection(0).tokenPuts())
	assert.Equal(t, int32(1), credentials.calls.Load())
}

func TestClientTokenFailureFailsLinkOpen(t *testing.T) {
	engine := newFakeEngine()
	client := newTestClient(t, engine, nil)
	client.SetCredentialProvider(&staticCredentials{err: errors.New("no identity")})

	_, err := client.NewSender(context.Background(), "queue")
	assert.True(t, errors.Is(err, ErrAuthorization), "got %v", err)
	assert.Zero(t, engine.sendLinkCount())
}

func TestClientRenewsTokens(t *testing.T) {
	engine := newFakeEngine()
	mock := clock.NewMock()
	client := newTestClient(t, engine, func(config *Config) {
		config.TokenRenewInterval = 20 * time.Minute
	})
	client.SetClock(mock).SetCredentialProvider(&staticCredentials{})

	newTestSender(t, client)
	require.Len(t, engine.connection(0).tokenPuts(), 1)

	mock.Add(20 * time.Minute)
	eventually(t, func() bool { return len(engine.connection(0).tokenPuts()) == 2 }, "token renewed")

	// the next renewal is scheduled once the put completes on the dispatcher
	eventually(t, func() bool {
		mock.Add(20 * time.Minute)
		return len(engine.connection(0).tokenPuts()) >= 3
	}, "token renewed again")
}

func TestClientLogsThroughConfiguredLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	engine := newFakeEngine()
	client := newTestClient(t, engine, nil)
	client.SetLogger(zap.New(core))

	_, err := await(t, client.Open())
	require.NoError(t, err)
	assert.NotZero(t, logs.FilterMessage("client started").Len())
	assert.NotZero(t, logs.FilterField(zap.String("client", client.ID())).Len())
}

func TestClientAudience(t *testing.T) {
	client, err := NewClient(Config{Address: "amqps://ns.example.com/"}, newFakeEngine(), testCodec{})
	require.NoError(t, err)
	assert.Equal(t, "amqps://ns.example.com/hub/partitions/0", client.audience("/hub/partitions/0"))
}
