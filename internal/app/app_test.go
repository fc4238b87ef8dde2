package app

import (
	"context"
	"testing"
	"time"

	"github.com/yungbote/keel/internal/queue"
	"github.com/yungbote/keel/internal/service"
	"github.com/yungbote/keel/internal/tenant"
)

type pingService struct{}

func (pingService) Capabilities() service.MethodSet {
	return service.NewMethodSet(service.MethodGet)
}

func (pingService) Get(ctx context.Context, id string, p service.Params) (any, error) {
	return map[string]any{"id": id, "pong": true}, nil
}

// touchHandler completes instantly and reports what it was handed.
type touchHandler struct {
	execCtxs chan any
}

func (h *touchHandler) JobType() string { return "noop.touch" }

func (h *touchHandler) Execute(ctx context.Context, execCtx any, payload []byte, codec queue.Codec) (*string, error) {
	select {
	case h.execCtxs <- execCtx:
	default:
	}
	return nil, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Port = "0"
	cfg.Queue.MaxWorkers = 2
	cfg.ReaperInterval = 50 * time.Millisecond
	cfg.ShutdownTimeout = 5 * time.Second
	return cfg
}

func waitKind(t *testing.T, events <-chan queue.Event, kind queue.EventKind) queue.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestNewWiresServicesAndStrategies(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")

	a, err := New(WithConfig(testConfig()), WithService("pings", pingService{}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()

	if _, err := a.Services.Service("pings"); err != nil {
		t.Fatalf("pings not registered: %v", err)
	}
	names := a.Auth.StrategyNames()
	found := map[string]bool{}
	for _, n := range names {
		found[n] = true
	}
	if !found["local"] || !found["jwt"] {
		t.Fatalf("strategies: want local+jwt got=%v", names)
	}
	if caps := a.Backend().Capabilities(); caps.Persistent {
		t.Fatalf("memory backend must not report persistent")
	}
	if a.Handler() == nil {
		t.Fatalf("http handler missing")
	}
}

func TestNewRejectsDuplicateHandler(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")

	h := &touchHandler{execCtxs: make(chan any, 1)}
	if _, err := New(WithConfig(testConfig()), WithJobHandler(h), WithJobHandler(h)); err == nil {
		t.Fatalf("want duplicate handler error")
	}
}

func TestRunProcessesJobsAndStopsOnCancel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")

	h := &touchHandler{execCtxs: make(chan any, 4)}
	a, err := New(WithConfig(testConfig()), WithJobHandler(h))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- a.Run(ctx) }()

	tc := tenant.New("default")
	events, cancelSub, err := a.Backend().Subscribe(context.Background(), tc)
	if err != nil {
		cancel()
		t.Fatalf("subscribe: %v", err)
	}
	defer cancelSub()

	id, err := a.Adapter.EnqueueMessage(context.Background(), tc, queue.Message{
		JobType: "noop.touch",
		Payload: []byte(`{}`),
	})
	if err != nil {
		cancel()
		t.Fatalf("enqueue: %v", err)
	}

	ev := waitKind(t, events, queue.EventCompleted)
	if ev.JobID != id {
		t.Fatalf("completed job: want=%s got=%s", id, ev.JobID)
	}

	select {
	case execCtx := <-h.execCtxs:
		if _, ok := execCtx.(*service.App); !ok {
			t.Fatalf("exec context: want *service.App got %T", execCtx)
		}
	case <-time.After(time.Second):
		t.Fatalf("handler never reported its exec context")
	}

	st, err := a.Backend().GetStatus(context.Background(), tc, id)
	if err != nil {
		cancel()
		t.Fatalf("status: %v", err)
	}
	if st != queue.StatusCompleted {
		t.Fatalf("status: want=%v got=%v", queue.StatusCompleted, st)
	}

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("run did not stop on cancel")
	}
}
