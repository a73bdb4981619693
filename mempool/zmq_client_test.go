package mempool

import (
	"context"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestZMQClientLifecycle(t *testing.T) {
	c := NewZMQClient("tcp://127.0.0.1:1", zap.NewNop())
	require.Error(t, c.Start(context.Background()))
	c.Stop()
}

func TestZMQClientDispatchesTopics(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pub := zmq4.NewPub(ctx)
	defer pub.Close()
	require.NoError(t, pub.Listen("tcp://127.0.0.1:0"))

	got := make(chan []byte, 16)
	c := NewZMQClient("tcp://"+pub.Addr().String(), zap.NewNop())
	c.AddTopic(TopicRawTx, func(topic string, data []byte) error {
		select {
		case got <- data:
		default:
		}
		return nil
	})
	c.AddTopic(TopicRawTx, func(string, []byte) error {
		t.Error("second handler for a topic must be ignored")
		return nil
	})
	require.NoError(t, c.Start(ctx))
	defer c.Stop()
	require.Error(t, c.Start(ctx))

	// Subscriptions propagate asynchronously, so publish until one lands.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case data := <-got:
			require.Equal(t, []byte{0xde, 0xad}, data)
			return
		case <-ticker.C:
			require.NoError(t, pub.Send(zmq4.NewMsgFrom([]byte(TopicHashBlock), []byte{0x01})))
			require.NoError(t, pub.Send(zmq4.NewMsgFrom([]byte(TopicRawTx), []byte{0xde, 0xad})))
		case <-ctx.Done():
			t.Fatal("no rawtx message received")
		}
	}
}
