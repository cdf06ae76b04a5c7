package cluster

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// startTestMaster brings up a master on a random port with the given local
// fallback.
func startTestMaster(t *testing.T, local LocalHandler, cfg MasterConfig) *Master {
	t.Helper()
	registry, err := NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	cfg.ListenAddr = "127.0.0.1:0"
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	m := NewMaster(cfg, registry, local)
	m.spawn = func() error { return nil } // never fork in tests
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m
}

// startTestWorker runs a worker against the master and waits until it shows
// up idle in the registry.
func startTestWorker(t *testing.T, m *Master, id string, handler LocalHandler) *Worker {
	t.Helper()
	w := NewWorker(WorkerConfig{
		ID:        id,
		MasterURL: "ws://" + m.BusAddr() + "/cluster",
	}, handler)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	t.Cleanup(func() {
		_ = w.client.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if agent, ok := m.Registry().Get(id); ok && agent.Status == AgentIdle {
			return w
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("worker %s never registered", id)
	return nil
}

func TestRequestRoutedToWorker(t *testing.T) {
	local := func(ctx context.Context, req *RequestPayload) (string, error) {
		return "", fmt.Errorf("local fallback must not run")
	}
	m := startTestMaster(t, local, MasterConfig{})

	startTestWorker(t, m, "w1", func(ctx context.Context, req *RequestPayload) (string, error) {
		return "worker says: " + req.Text, nil
	})

	reply, err := m.HandleRequest(context.Background(), &RequestPayload{
		SessionKey: "telegram:c1:u1",
		Text:       "你好",
	})
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if reply != "worker says: 你好" {
		t.Fatalf("reply = %q", reply)
	}

	// The worker's completion counter ticked.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if agent, _ := m.Registry().Get("w1"); agent.TasksCompleted == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("completion not recorded")
}

func TestLocalFallbackWithoutWorkers(t *testing.T) {
	var calls int
	var mu sync.Mutex
	local := func(ctx context.Context, req *RequestPayload) (string, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return "local: " + req.Text, nil
	}
	m := startTestMaster(t, local, MasterConfig{})

	reply, err := m.HandleRequest(context.Background(), &RequestPayload{Text: "hi"})
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if reply != "local: hi" {
		t.Fatalf("reply = %q", reply)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("local calls = %d", calls)
	}
}

func TestWorkerErrorPropagates(t *testing.T) {
	m := startTestMaster(t, func(ctx context.Context, req *RequestPayload) (string, error) {
		return "", fmt.Errorf("local fallback must not run")
	}, MasterConfig{})

	startTestWorker(t, m, "w1", func(ctx context.Context, req *RequestPayload) (string, error) {
		return "", fmt.Errorf("模型调用失败")
	})

	_, err := m.HandleRequest(context.Background(), &RequestPayload{Text: "x"})
	if err == nil || !strings.Contains(err.Error(), "模型调用失败") {
		t.Fatalf("err = %v", err)
	}
}

func TestParallelRequestsSpreadAcrossWorkers(t *testing.T) {
	m := startTestMaster(t, func(ctx context.Context, req *RequestPayload) (string, error) {
		return "local", nil
	}, MasterConfig{})

	var mu sync.Mutex
	servedBy := map[string]int{}
	slow := make(chan struct{})
	handler := func(id string) LocalHandler {
		return func(ctx context.Context, req *RequestPayload) (string, error) {
			mu.Lock()
			servedBy[id]++
			mu.Unlock()
			<-slow
			return id, nil
		}
	}
	startTestWorker(t, m, "w1", handler("w1"))
	startTestWorker(t, m, "w2", handler("w2"))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.HandleRequest(context.Background(), &RequestPayload{Text: "x"})
		}()
	}

	// Both workers should be busy before either finishes.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(servedBy)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(slow)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(servedBy) != 2 {
		t.Fatalf("requests not spread: %v", servedBy)
	}
}

func TestDeadWorkerRequeuesToLocal(t *testing.T) {
	var mu sync.Mutex
	localRan := false
	local := func(ctx context.Context, req *RequestPayload) (string, error) {
		mu.Lock()
		localRan = true
		mu.Unlock()
		return "recovered: " + req.Text, nil
	}
	m := startTestMaster(t, local, MasterConfig{RequestTimeout: 10 * time.Second})

	started := make(chan struct{})
	release := make(chan struct{})
	w := startTestWorker(t, m, "w1", func(ctx context.Context, req *RequestPayload) (string, error) {
		close(started)
		<-release // simulate a crash: the reply never makes it out
		return "", fmt.Errorf("dead")
	})

	type outcome struct {
		reply string
		err   error
	}
	result := make(chan outcome, 1)
	go func() {
		reply, err := m.HandleRequest(context.Background(), &RequestPayload{Text: "重要任务"})
		result <- outcome{reply, err}
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("request never reached the worker")
	}
	// Kill the worker's connection mid-request; the master reclaims the
	// request and runs it locally.
	_ = w.client.Close()
	defer close(release)

	select {
	case got := <-result:
		if got.err != nil {
			t.Fatalf("HandleRequest: %v", got.err)
		}
		if got.reply != "recovered: 重要任务" {
			t.Fatalf("reply = %q", got.reply)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("request never recovered")
	}
	mu.Lock()
	defer mu.Unlock()
	if !localRan {
		t.Fatal("local recovery did not run")
	}
}

func TestReplacementSpawnBelowMinimum(t *testing.T) {
	var mu sync.Mutex
	spawned := 0
	m := startTestMaster(t, func(ctx context.Context, req *RequestPayload) (string, error) {
		return "local", nil
	}, MasterConfig{MinWorkers: 1})
	m.spawn = func() error {
		mu.Lock()
		spawned++
		mu.Unlock()
		return nil
	}

	w := startTestWorker(t, m, "w1", func(ctx context.Context, req *RequestPayload) (string, error) {
		return "ok", nil
	})
	_ = w.client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := spawned
		mu.Unlock()
		if n >= 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("replacement worker never spawned")
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := NewEnvelope("w1", "master", TypeResponse, "", []byte(`{"reply":"ok"}`))
	env.CorrelationID = "corr-1"

	data, err := busJSON.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Envelope
	if err := busJSON.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.MsgID != env.MsgID || back.CorrelationID != "corr-1" ||
		back.SenderID != "w1" || back.Type != TypeResponse {
		t.Fatalf("round trip lost fields: %+v", back)
	}
}
