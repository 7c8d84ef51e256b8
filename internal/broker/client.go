// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/opsctl/fleet/internal/logging"
)

var brokerLog = logging.WithComponent("broker")

// Config configures the Client's connection and publisher pool.
type Config struct {
	URL             string
	QueuePrefix     string
	PoolSize        int
	PublishTimeout  time.Duration
	RetryBudget     int
}

// Client owns the AMQP connection, declares the build/runner topology,
// and exposes a confirmed publisher pool plus per-Runner consumers.
type Client struct {
	cfg  Config
	conn *amqp.Connection

	pool *publisherPool
}

// Dial connects to the broker, declares both topic exchanges, and
// starts the publisher pool. Mirrors an amqp.Dial call site
// (agent/message_queue.go) but keeps the connection alive across calls.
func Dial(cfg Config) (*Client, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 2
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dialing amqp broker: %w", err)
	}

	declCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening declare channel: %w", err)
	}
	defer declCh.Close()

	for _, ex := range []string{ExchangeBuild, ExchangeRunner} {
		if err := declCh.ExchangeDeclare(ex, "topic", true, false, false, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("declaring exchange %s: %w", ex, err)
		}
	}

	pool, err := newPublisherPool(conn, cfg.PoolSize, cfg.PublishTimeout)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Client{cfg: cfg, conn: conn, pool: pool}, nil
}

// Close releases the publisher pool and connection.
func (c *Client) Close() error {
	c.pool.close()
	return c.conn.Close()
}

// Publish JSON-encodes payload and publishes it to exchange under
// routingKey through the confirmed publisher pool, retrying once on the
// same channel before surfacing the error to the caller.
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	return c.pool.publish(ctx, exchange, routingKey, body)
}

// DeclareRunnerQueue declares a durable per-Runner queue bound to the
// build exchange with the directed-dispatch wildcard pattern, plus its
// paired retry and dead-letter queues.
func (c *Client) DeclareRunnerQueue(runnerName string) (queueName string, err error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return "", fmt.Errorf("opening declare channel: %w", err)
	}
	defer ch.Close()

	queue := RunnerQueueName(c.cfg.QueuePrefix, runnerName)
	dlq := DeadLetterQueueName(queue)
	retry := RetryQueueName(queue)

	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("declaring dlq %s: %w", dlq, err)
	}
	if _, err := ch.QueueDeclare(retry, true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("declaring retry queue %s: %w", retry, err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("declaring queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, QueuePattern(runnerName), ExchangeBuild, false, nil); err != nil {
		return "", fmt.Errorf("binding queue %s: %w", queue, err)
	}
	return queue, nil
}

// DeclareRunnerControlQueue declares a durable per-Runner queue bound
// to the runner exchange with the directed control routing key, so a
// Runner can receive out-of-band directives (cancellation) separately
// from its build.task stream.
func (c *Client) DeclareRunnerControlQueue(runnerName string) (queueName string, err error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return "", fmt.Errorf("opening declare channel: %w", err)
	}
	defer ch.Close()

	queue := ControlQueueName(c.cfg.QueuePrefix, runnerName)
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("declaring queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, ControlRoutingKey(runnerName), ExchangeRunner, false, nil); err != nil {
		return "", fmt.Errorf("binding queue %s: %w", queue, err)
	}
	return queue, nil
}

// DeclareRunnerConfigQueue declares a durable per-Runner queue bound to
// the runner exchange with the directed config routing key, carrying
// HeartbeatResponse deliveries back to the Runner.
func (c *Client) DeclareRunnerConfigQueue(runnerName string) (queueName string, err error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return "", fmt.Errorf("opening declare channel: %w", err)
	}
	defer ch.Close()

	queue := ConfigQueueName(c.cfg.QueuePrefix, runnerName)
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("declaring queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, ConfigRoutingKey(runnerName), ExchangeRunner, false, nil); err != nil {
		return "", fmt.Errorf("binding queue %s: %w", queue, err)
	}
	return queue, nil
}

// DeclareControlPlaneBuildEventsQueue declares the single durable queue
// the control plane consumes build.status and build.log from: every
// Runner publishes these undirected, so one shared queue fans both
// streams in.
func (c *Client) DeclareControlPlaneBuildEventsQueue() (queueName string, err error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return "", fmt.Errorf("opening declare channel: %w", err)
	}
	defer ch.Close()

	queue := ControlPlaneBuildEventsQueueName(c.cfg.QueuePrefix)
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("declaring queue %s: %w", queue, err)
	}
	for _, rk := range []string{RKBuildStatus, RKBuildLog} {
		if err := ch.QueueBind(queue, rk, ExchangeBuild, false, nil); err != nil {
			return "", fmt.Errorf("binding queue %s to %s: %w", queue, rk, err)
		}
	}
	return queue, nil
}

// DeclareControlPlaneRunnerEventsQueue declares the single durable queue
// the control plane consumes runner.register and runner.heartbeat from.
func (c *Client) DeclareControlPlaneRunnerEventsQueue() (queueName string, err error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return "", fmt.Errorf("opening declare channel: %w", err)
	}
	defer ch.Close()

	queue := ControlPlaneRunnerEventsQueueName(c.cfg.QueuePrefix)
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("declaring queue %s: %w", queue, err)
	}
	for _, rk := range []string{RKRunnerRegister, RKRunnerHeartbeat} {
		if err := ch.QueueBind(queue, rk, ExchangeRunner, false, nil); err != nil {
			return "", fmt.Errorf("binding queue %s to %s: %w", queue, rk, err)
		}
	}
	return queue, nil
}

// Consume opens a dedicated channel with the given prefetch and streams
// deliveries from queue, JSON-decoding each body into a new T before
// invoking handler. Deliveries that fail to decode or whose handler
// returns an error are nacked back onto the same queue up to
// RetryBudget times, then published to the dead-letter queue and acked.
// The paired .retry queue is not used by this loop.
func Consume[T any](ctx context.Context, c *Client, queue string, prefetch int, handler func(context.Context, T) error) error {
	return consumeLoop(ctx, c, queue, prefetch, func(ctx context.Context, d amqp.Delivery) error {
		var msg T
		if err := json.Unmarshal(d.Body, &msg); err != nil {
			return err
		}
		return handler(ctx, msg)
	})
}

// ConsumeRouted is like Consume, but also hands the handler the
// delivery's routing key. Used where one queue is bound to more than
// one routing key and the wire shape differs by key (the control
// plane's shared runner/build events queues), so the handler can pick
// the right type to unmarshal into instead of guessing from content.
func ConsumeRouted(ctx context.Context, c *Client, queue string, prefetch int, handler func(ctx context.Context, routingKey string, body []byte) error) error {
	return consumeLoop(ctx, c, queue, prefetch, func(ctx context.Context, d amqp.Delivery) error {
		return handler(ctx, d.RoutingKey, d.Body)
	})
}

func consumeLoop(ctx context.Context, c *Client, queue string, prefetch int, handle func(context.Context, amqp.Delivery) error) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening consume channel: %w", err)
	}

	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("setting qos: %w", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consuming %s: %w", queue, err)
	}

	retries := map[string]int{}
	var mu sync.Mutex

	go func() {
		<-ctx.Done()
		ch.Close()
	}()

	dlq := DeadLetterQueueName(queue)

	for d := range deliveries {
		if err := handle(ctx, d); err != nil {
			brokerLog.Error().Err(err).Str("queue", queue).Msg("handler failed")
			requeueOrDeadLetter(ch, d, dlq, c.cfg.RetryBudget, retries, &mu)
			continue
		}
		d.Ack(false)
	}
	return nil
}

func requeueOrDeadLetter(ch *amqp.Channel, d amqp.Delivery, dlq string, budget int, retries map[string]int, mu *sync.Mutex) {
	key := d.MessageId
	if key == "" {
		key = string(d.Body)
	}
	mu.Lock()
	retries[key]++
	attempts := retries[key]
	mu.Unlock()

	if attempts > budget {
		ch.Publish("", dlq, false, false, amqp.Publishing{ContentType: "application/json", Body: d.Body})
		d.Ack(false)
		return
	}
	d.Nack(false, true)
}
