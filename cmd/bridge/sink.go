package main

import (
	"context"
	"time"

	"github.com/chm413/mochi-link/internal/dispatcher"
	"github.com/chm413/mochi-link/internal/protocol"
	"github.com/chm413/mochi-link/internal/storage"
)

// bufferingSink implements session.EventSink by fanning an inbound event out
// to live subscribers via the Event Dispatcher, then best-effort persisting
// it to the optional Redis event buffer. The two concerns are independent:
// a disabled buffer never affects delivery to live subscribers.
type bufferingSink struct {
	dispatcher *dispatcher.Dispatcher
	buffer     *storage.EventBuffer
}

func newBufferingSink(d *dispatcher.Dispatcher, b *storage.EventBuffer) *bufferingSink {
	return &bufferingSink{dispatcher: d, buffer: b}
}

func (s *bufferingSink) Dispatch(serverID string, f *protocol.Frame) {
	s.dispatcher.Dispatch(serverID, f)
	s.buffer.Push(context.Background(), serverID, f.Op, f.Data, time.Now())
}
