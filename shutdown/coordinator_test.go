package shutdown

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/vinayprograms/docrpc/logging"
)

func newCoordinator(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return NewCoordinator(cfg)
}

func TestShutdown_SingleHandler(t *testing.T) {
	coord := newCoordinator(DefaultConfig())

	called := false
	coord.RegisterFunc("store", PhaseBackends, func(ctx context.Context) error {
		called = true
		return nil
	})

	if err := coord.ShutdownWithTimeout(5 * time.Second); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !called {
		t.Fatal("expected handler to be called")
	}

	select {
	case <-coord.Done():
	default:
		t.Fatal("expected Done channel to be closed")
	}

	result := coord.Result()
	if result == nil {
		t.Fatal("expected Result to be non-nil")
	}
	if len(result.Results) != 1 || result.Results[0].Name != "store" {
		t.Fatalf("unexpected results %+v", result.Results)
	}
	if result.Failed() {
		t.Fatal("expected result.Failed() to be false")
	}
}

func TestShutdown_PhaseOrder(t *testing.T) {
	coord := newCoordinator(DefaultConfig())

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string, phase int) {
		coord.RegisterFunc(name, phase, func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}

	// Registered out of order on purpose.
	record("store", PhaseBackends)
	record("transport", PhaseTransport)
	record("subscriptions", PhaseSubscriptions)
	record("requests", PhaseRequests)

	if err := coord.ShutdownWithTimeout(5 * time.Second); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	want := []string{"transport", "requests", "subscriptions", "store"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestShutdown_SamePhaseRunsConcurrently(t *testing.T) {
	coord := newCoordinator(DefaultConfig())

	// Each handler waits for the other; sequential execution would deadlock
	// until the timeout.
	var arrived sync.WaitGroup
	arrived.Add(2)
	for _, name := range []string{"bus", "store"} {
		coord.RegisterFunc(name, PhaseBackends, func(ctx context.Context) error {
			arrived.Done()
			waited := make(chan struct{})
			go func() {
				arrived.Wait()
				close(waited)
			}()
			select {
			case <-waited:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}

	if err := coord.ShutdownWithTimeout(2 * time.Second); err != nil {
		t.Fatalf("expected concurrent handlers, got %v", err)
	}
}

func TestShutdown_TimeoutStopsLaterPhases(t *testing.T) {
	coord := newCoordinator(DefaultConfig())

	var later atomic.Bool
	coord.RegisterFunc("transport", PhaseTransport, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	coord.RegisterFunc("store", PhaseBackends, func(ctx context.Context) error {
		later.Store(true)
		return nil
	})

	err := coord.ShutdownWithTimeout(50 * time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if later.Load() {
		t.Error("no phase should start after the timeout")
	}
	if got := coord.Result().FailedHandlers(); len(got) != 1 || got[0] != "transport" {
		t.Errorf("expected transport to be reported failed, got %v", got)
	}
}

func TestShutdown_ContinueOnError(t *testing.T) {
	tests := []struct {
		name      string
		keepGoing bool
		wantLater bool
	}{
		{name: "continue", keepGoing: true, wantLater: true},
		{name: "stop", keepGoing: false, wantLater: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ContinueOnError = tt.keepGoing
			coord := newCoordinator(cfg)

			var later atomic.Bool
			coord.RegisterFunc("transport", PhaseTransport, func(ctx context.Context) error {
				return errors.New("listener already closed")
			})
			coord.RegisterFunc("store", PhaseBackends, func(ctx context.Context) error {
				later.Store(true)
				return nil
			})

			if err := coord.ShutdownWithTimeout(time.Second); err != ErrHandlerFailed {
				t.Fatalf("expected ErrHandlerFailed, got %v", err)
			}
			if later.Load() != tt.wantLater {
				t.Errorf("later phase ran = %v, want %v", later.Load(), tt.wantLater)
			}
		})
	}
}

func TestShutdown_SecondCallWaitsForFirst(t *testing.T) {
	coord := newCoordinator(DefaultConfig())

	release := make(chan struct{})
	var calls atomic.Int32
	coord.RegisterFunc("slow", PhaseRequests, func(ctx context.Context) error {
		calls.Add(1)
		<-release
		return errors.New("drain incomplete")
	})

	first := make(chan error, 1)
	go func() { first <- coord.ShutdownWithTimeout(5 * time.Second) }()

	second := make(chan error, 1)
	go func() { second <- coord.ShutdownWithTimeout(5 * time.Second) }()

	select {
	case err := <-second:
		t.Fatalf("second Shutdown returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	if err := <-first; err != ErrHandlerFailed {
		t.Errorf("first: expected ErrHandlerFailed, got %v", err)
	}
	if err := <-second; err != ErrHandlerFailed {
		t.Errorf("second: expected ErrHandlerFailed, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("handler called %d times, want 1", calls.Load())
	}
}

func TestShutdown_LogsFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New()
	logger.SetOutput(&buf)

	coord := NewCoordinator(Config{Logger: logger})
	coord.RegisterFunc("bus", PhaseBackends, func(ctx context.Context) error {
		return errors.New("nats: connection closed")
	})
	coord.ShutdownWithTimeout(time.Second)

	out := buf.String()
	if !strings.Contains(out, "handler_failed") || !strings.Contains(out, "handler=bus") {
		t.Errorf("expected failure to be logged, got:\n%s", out)
	}
}

func TestShutdown_Empty(t *testing.T) {
	coord := newCoordinator(DefaultConfig())
	if err := coord.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if n := len(coord.Result().Results); n != 0 {
		t.Errorf("expected no results, got %d", n)
	}
}

func TestResultBeforeDone(t *testing.T) {
	coord := newCoordinator(DefaultConfig())
	if coord.Result() != nil {
		t.Error("expected nil Result before shutdown")
	}
}

func TestRegister_UsesDefaultPhase(t *testing.T) {
	coord := newCoordinator(Config{DefaultPhase: 7})
	coord.Register("x", Func(func(ctx context.Context) error { return nil }))
	coord.ShutdownWithTimeout(time.Second)

	if got := coord.Result().Results[0].Phase; got != 7 {
		t.Errorf("expected phase 7, got %d", got)
	}
}

func TestNewCoordinatorDefaults(t *testing.T) {
	coord := newCoordinator(Config{})
	if coord.config.Timeout != 30*time.Second {
		t.Errorf("expected 30s timeout, got %v", coord.config.Timeout)
	}
	if coord.config.DefaultPhase != PhaseBackends {
		t.Errorf("expected default phase %d, got %d", PhaseBackends, coord.config.DefaultPhase)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		cfg     Config
		wantErr bool
	}{
		{DefaultConfig(), false},
		{Config{Timeout: -1}, true},
		{Config{DefaultPhase: -1}, true},
	}
	for _, tt := range tests {
		if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
			t.Errorf("Validate(%+v) = %v, wantErr %v", tt.cfg, err, tt.wantErr)
		}
	}
}

func TestGroupByPhase(t *testing.T) {
	regs := []registration{
		{name: "a", phase: 10},
		{name: "b", phase: 10},
		{name: "c", phase: 20},
		{name: "d", phase: 40},
	}
	groups := groupByPhase(regs)

	var got [][]string
	for _, g := range groups {
		var names []string
		for _, r := range g {
			names = append(names, r.name)
		}
		got = append(got, names)
	}
	want := [][]string{{"a", "b"}, {"c"}, {"d"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("groups mismatch (-want +got):\n%s", diff)
	}

	if groupByPhase(nil) != nil {
		t.Error("expected nil groups for no handlers")
	}
}

func TestHandleSignals_Stop(t *testing.T) {
	coord := newCoordinator(DefaultConfig())
	stop := coord.HandleSignals()
	stop()
	stop()

	select {
	case <-coord.Done():
		t.Error("stopping signal handling must not shut down")
	default:
	}
}
