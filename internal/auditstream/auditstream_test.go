package auditstream

import (
	"context"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/metadata"
	"gotest.tools/v3/assert"

	"github.com/zeroos-project/kernel/internal/auditlog"
)

type fakeWatcher struct {
	ch chan auditlog.Record
}

func (w *fakeWatcher) LogWatch(auditlog.Filter) <-chan auditlog.Record { return w.ch }

// fakeStream implements grpc.ServerStream without a real transport, so
// watchHandler's loop can be driven directly: one RecvMsg call returns
// the request, every SendMsg call is captured for inspection.
type fakeStream struct {
	ctx  context.Context
	req  WatchRequest
	recv bool

	mu   sync.Mutex
	sent []auditlog.Record
}

func (s *fakeStream) SetHeader(metadata.MD) error  { return nil }
func (s *fakeStream) SendHeader(metadata.MD) error  { return nil }
func (s *fakeStream) SetTrailer(metadata.MD)        {}
func (s *fakeStream) Context() context.Context      { return s.ctx }

func (s *fakeStream) SendMsg(m any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := m.(*auditlog.Record)
	s.sent = append(s.sent, *rec)
	return nil
}

func (s *fakeStream) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *fakeStream) RecvMsg(m any) error {
	if s.recv {
		<-s.ctx.Done()
		return s.ctx.Err()
	}
	s.recv = true
	*(m.(*WatchRequest)) = s.req
	return nil
}

func TestWatchHandlerStreamsMatchingRecords(t *testing.T) {
	ch := make(chan auditlog.Record, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := NewServer(&fakeWatcher{ch: ch})
	stream := &fakeStream{ctx: ctx, req: WatchRequest{}}

	done := make(chan error, 1)
	go func() { done <- watchHandler(srv, stream) }()

	ch <- auditlog.Record{Seq: 1, Kind: auditlog.KindCapCreate, ActorPID: 7}
	ch <- auditlog.Record{Seq: 2, Kind: auditlog.KindIpcSend, ActorPID: 7}

	deadline := time.Now().Add(time.Second)
	for stream.sentCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, stream.sentCount(), 2)
	assert.Equal(t, stream.sent[0].Seq, uint64(1))
	assert.Equal(t, stream.sent[1].Seq, uint64(2))

	cancel()
	err := <-done
	assert.Assert(t, err != nil) // context cancellation surfaces as an error, not a clean EOF
}

func TestWatchHandlerStopsWhenChannelCloses(t *testing.T) {
	ch := make(chan auditlog.Record)
	close(ch)

	srv := NewServer(&fakeWatcher{ch: ch})
	stream := &fakeStream{ctx: context.Background(), req: WatchRequest{}}

	assert.NilError(t, watchHandler(srv, stream))
	assert.Assert(t, len(stream.sent) == 0)
}
