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
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

// publisherPool is a fixed set of confirm-mode channels used
// round-robin for publishing, matching the "pool_size channels with
// publish-confirms enabled" requirement.
type publisherPool struct {
	mu      sync.Mutex
	next    int
	workers []*publisherChannel
	timeout time.Duration
}

type publisherChannel struct {
	mu      sync.Mutex
	ch      *amqp.Channel
	confirm chan amqp.Confirmation
}

func newPublisherPool(conn *amqp.Connection, size int, timeout time.Duration) (*publisherPool, error) {
	pool := &publisherPool{timeout: timeout}
	for i := 0; i < size; i++ {
		pc, err := newPublisherChannel(conn)
		if err != nil {
			pool.close()
			return nil, fmt.Errorf("creating publisher channel %d: %w", i, err)
		}
		pool.workers = append(pool.workers, pc)
	}
	return pool, nil
}

func newPublisherChannel(conn *amqp.Connection) (*publisherChannel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, err
	}
	confirm := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return &publisherChannel{ch: ch, confirm: confirm}, nil
}

func (p *publisherPool) close() {
	for _, w := range p.workers {
		if w.ch != nil {
			w.ch.Close()
		}
	}
}

func (p *publisherPool) pick() *publisherChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.workers[p.next%len(p.workers)]
	p.next++
	return w
}

// publish sends body on exchange/routingKey through one pooled channel,
// waiting for the broker's publish-confirm. On confirm failure (nack or
// timeout) it retries once on the same channel; a second failure is
// surfaced to the caller.
func (p *publisherPool) publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	w := p.pick()
	w.mu.Lock()
	defer w.mu.Unlock()

	publish := func() error {
		if err := w.ch.Publish(exchange, routingKey, false, false, amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		}); err != nil {
			return err
		}
		return waitConfirm(ctx, w.confirm, p.timeout)
	}

	if err := publish(); err != nil {
		if err := publish(); err != nil {
			return fmt.Errorf("publish to %s/%s failed after retry: %w", exchange, routingKey, err)
		}
	}
	return nil
}

func waitConfirm(ctx context.Context, confirm <-chan amqp.Confirmation, timeout time.Duration) error {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case c := <-confirm:
		if !c.Ack {
			return fmt.Errorf("broker nacked publish")
		}
		return nil
	case <-tctx.Done():
		return fmt.Errorf("timed out waiting for publish confirm")
	}
}
