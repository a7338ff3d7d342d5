package com

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/TileOS/runtime/internal/errs"
	"github.com/GriffinCanCode/TileOS/runtime/internal/tcu"
	"github.com/GriffinCanCode/TileOS/runtime/internal/wl"
)

type queued struct {
	gate     *SendGate
	data     []byte
	replyLbl tcu.Label
}

// SendQueue defers sends whose gate is out of credits. It is registered as
// a permanent work item; each tick it retries the head entry, so sends
// complete in enqueue order with at most one in flight across all gates
// sharing the queue.
type SendQueue struct {
	ctx     *Ctx
	pending []queued
}

// NewSendQueue creates an empty queue.
func NewSendQueue(ctx *Ctx) *SendQueue {
	return &SendQueue{ctx: ctx}
}

// Attach registers the queue as a permanent work item.
func (q *SendQueue) Attach(loop *wl.WorkLoop) {
	loop.Add(q, true)
}

// Detach removes the queue from a work loop.
func (q *SendQueue) Detach(loop *wl.WorkLoop) {
	loop.Remove(q)
}

// Send enqueues a message. If the queue was empty, sending starts
// immediately; otherwise the message waits its turn.
func (q *SendQueue) Send(gate *SendGate, data []byte, replyLbl tcu.Label) {
	q.pending = append(q.pending, queued{
		gate:     gate,
		data:     append([]byte(nil), data...),
		replyLbl: replyLbl,
	})
	if len(q.pending) == 1 {
		q.flush()
	}
}

// Len returns the number of queued messages.
func (q *SendQueue) Len() int {
	return len(q.pending)
}

// Work retries the head entry once credits have returned.
func (q *SendQueue) Work() {
	q.flush()
}

// flush sends from the head until a gate runs out of credits. Failures
// other than exhausted credits drop the entry; the gate is unusable for
// this message and retrying cannot help.
func (q *SendQueue) flush() {
	for len(q.pending) > 0 {
		head := q.pending[0]
		err := head.gate.Send(head.data, nil, head.replyLbl)
		if errs.Is(err, errs.NoCredits) {
			return
		}
		if err != nil {
			q.ctx.Log.Warn("dropping queued send",
				zap.Uint64("gate", uint64(head.gate.Sel())),
				zap.Error(err))
		}
		q.pending = q.pending[1:]
	}
}
