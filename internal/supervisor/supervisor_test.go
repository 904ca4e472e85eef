package supervisor

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeServer struct {
	started  chan struct{}
	stop     chan struct{}
	listen   error
	shutdown atomic.Bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{started: make(chan struct{}), stop: make(chan struct{})}
}

func (f *fakeServer) ListenAndServe() error {
	close(f.started)
	if f.listen != nil {
		return f.listen
	}
	<-f.stop
	return http.ErrServerClosed
}

func (f *fakeServer) Shutdown(context.Context) error {
	f.shutdown.Store(true)
	close(f.stop)
	return nil
}

func TestHTTPServiceShutsDownOnCancel(t *testing.T) {
	server := newFakeServer()
	svc := &HTTPService{Server: server, ShutdownTimeout: time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	<-server.started
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	if !server.shutdown.Load() {
		t.Fatal("Shutdown was not called")
	}
}

func TestHTTPServiceReportsListenFailure(t *testing.T) {
	server := newFakeServer()
	server.listen = errors.New("address in use")
	svc := &HTTPService{Server: server}
	if err := svc.Serve(context.Background()); err == nil {
		t.Fatal("expected listen error")
	}
	if svc.String() != "http-server" {
		t.Fatalf("String = %q", svc.String())
	}
}

func TestSupervisorRestartsFailedService(t *testing.T) {
	var buf bytes.Buffer
	sup := New("test", zerolog.New(&buf), Config{FailureBackoff: 10 * time.Millisecond})

	var runs atomic.Int32
	restarted := make(chan struct{})
	sup.Add(Func{Name: "flaky", Run: func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			return errors.New("boom")
		}
		close(restarted)
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := sup.ServeBackground(ctx)
	select {
	case <-restarted:
	case <-time.After(2 * time.Second):
		t.Fatal("service was not restarted")
	}
	cancel()
	<-errCh
	if buf.Len() == 0 {
		t.Fatal("expected supervisor events to be logged")
	}
}
