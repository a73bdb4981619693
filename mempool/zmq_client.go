package mempool

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"
)

const (
	TopicRawTx     = "rawtx"
	TopicHashBlock = "hashblock"
)

// MessageHandler processes the body frame of a ZMQ message.
type MessageHandler func(topic string, data []byte) error

// ZMQClient subscribes to the node's ZMQ notifications and dispatches them
// per topic, reconnecting when the connection drops.
type ZMQClient struct {
	address           string
	topics            []string
	handlers          map[string]MessageHandler
	reconnectInterval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.Logger
}

// NewZMQClient creates a client for address, e.g. "tcp://127.0.0.1:28332".
func NewZMQClient(address string, logger *zap.Logger) *ZMQClient {
	return &ZMQClient{
		address:           address,
		handlers:          make(map[string]MessageHandler),
		reconnectInterval: 5 * time.Second,
		log:               logger.With(zap.String("component", "zmq")),
	}
}

// AddTopic registers handler for topic. Adding a topic twice keeps the
// first handler.
func (c *ZMQClient) AddTopic(topic string, handler MessageHandler) {
	if _, ok := c.handlers[topic]; ok {
		return
	}
	c.topics = append(c.topics, topic)
	c.handlers[topic] = handler
}

// Start listens in the background until ctx is done or Stop is called.
func (c *ZMQClient) Start(ctx context.Context) error {
	if len(c.topics) == 0 {
		return errors.New("no zmq topics registered")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errors.New("zmq client already started")
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.log.Info("connecting", zap.String("address", c.address), zap.String("topics", strings.Join(c.topics, ",")))
	c.wg.Add(1)
	go c.listen(ctx)
	return nil
}

func (c *ZMQClient) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
	c.log.Info("stopped")
}

func (c *ZMQClient) listen(ctx context.Context) {
	defer c.wg.Done()
	for ctx.Err() == nil {
		if err := c.session(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn("zmq connection lost", zap.Error(err), zap.Duration("retry_in", c.reconnectInterval))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reconnectInterval):
		}
	}
}

// session runs one connection until it fails.
func (c *ZMQClient) session(ctx context.Context) error {
	socket := zmq4.NewSub(ctx)
	defer socket.Close()
	if err := socket.Dial(c.address); err != nil {
		return err
	}
	for _, topic := range c.topics {
		if err := socket.SetOption(zmq4.OptionSubscribe, topic); err != nil {
			return err
		}
	}
	c.log.Info("connected", zap.String("address", c.address))
	for {
		msg, err := socket.Recv()
		if err != nil {
			return err
		}
		if len(msg.Frames) < 2 {
			c.log.Warn("malformed zmq message", zap.Int("frames", len(msg.Frames)))
			continue
		}
		topic := string(msg.Frames[0])
		handler, ok := c.handlers[topic]
		if !ok {
			continue
		}
		if err := handler(topic, msg.Frames[1]); err != nil {
			c.log.Warn("zmq handler failed", zap.String("topic", topic), zap.Error(err))
		}
	}
}
