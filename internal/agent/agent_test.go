package agent

import (
	"context"
	"math/rand"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/perigeehq/perigee/internal/broker"
	"github.com/perigeehq/perigee/internal/client"
	"github.com/perigeehq/perigee/internal/config"
	"github.com/perigeehq/perigee/internal/metrics"
	"github.com/perigeehq/perigee/internal/probe"
	"github.com/perigeehq/perigee/internal/prober"
	"github.com/perigeehq/perigee/internal/publisher"
	"github.com/perigeehq/perigee/internal/reply"
	"github.com/perigeehq/perigee/internal/target"
	"github.com/perigeehq/perigee/internal/tracker"
)

type stubReader struct {
	mu       sync.Mutex
	messages chan kafka.Message
	commits  []kafka.Message
	fetches  int
}

func newStubReader(msgs ...kafka.Message) *stubReader {
	ch := make(chan kafka.Message, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	return &stubReader{messages: ch}
}

func (r *stubReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	r.fetches++
	r.mu.Unlock()
	select {
	case msg := <-r.messages:
		return msg, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *stubReader) fetchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetches
}

func (r *stubReader) committedOffsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	offsets := make([]int64, len(r.commits))
	for i, m := range r.commits {
		offsets[i] = m.Offset
	}
	return offsets
}

func (r *stubReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, msgs...)
	return nil
}

func (r *stubReader) committed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commits)
}

type recordingSink struct {
	mu      sync.Mutex
	replies []reply.Reply
}

func (s *recordingSink) Publish(replies ...reply.Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, replies...)
}

func (s *recordingSink) published() []reply.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reply.Reply(nil), s.replies...)
}

type stubEngine struct {
	mu      sync.Mutex
	calls   [][]probe.Probe
	replies []reply.Reply
}

func (e *stubEngine) Probe(_ context.Context, probes []probe.Probe, _ netip.Addr) ([]reply.Reply, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, append([]probe.Probe(nil), probes...))
	return e.replies, nil
}

func (e *stubEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// blockingEngine holds each probe call until release is closed, so a
// test can pin a worker mid-execution.
type blockingEngine struct {
	started chan struct{}
	release chan struct{}
}

func (e *blockingEngine) Probe(_ context.Context, _ []probe.Probe, _ netip.Addr) ([]reply.Reply, error) {
	e.started <- struct{}{}
	<-e.release
	return nil, nil
}

type stubReporter struct {
	mu    sync.Mutex
	calls []string
}

func (r *stubReporter) ReportMeasurementStatus(_ context.Context, measurementID, state string, _ uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, measurementID+":"+state)
	return nil
}

func (r *stubReporter) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func probeMessage(t *testing.T, agentID, measurementID, payload string, eom bool) kafka.Message {
	t.Helper()
	headers := broker.ProbeHeaders{
		AgentID:          agentID,
		MeasurementID:    measurementID,
		CreatedAt:        time.Now(),
		EndOfMeasurement: eom,
	}
	return kafka.Message{
		Key:     []byte(agentID),
		Value:   []byte(payload),
		Headers: headers.Encode(),
	}
}

func newTestAgent(t *testing.T, reader MessageReader, sink ReplySink, engine prober.Engine, store *metrics.Store, tr *tracker.Tracker) *Agent {
	t.Helper()
	runner := prober.NewRunner(config.ProberConfig{
		Name:        "instance_0",
		BatchSize:   128,
		ProbingRate: 1_000_000,
	}, engine, store, zerolog.Nop())

	a, err := New(Config{AgentID: "self-agent"}, Dependencies{
		Reader:  reader,
		Sink:    sink,
		Tracker: tr,
		Runners: []*prober.Runner{runner},
		Metrics: store,
		Logger:  zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	return a
}

func runAgent(t *testing.T, a *Agent) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("agent did not drain")
		}
	}
}

func TestRouterDecisions(t *testing.T) {
	router := NewRouter("self-agent")

	mine := probeMessage(t, "self-agent", "m1", "", false)
	if _, decision, _ := router.Route(mine); decision != DecisionAccept {
		t.Fatalf("expected accept, got %v", decision)
	}

	other := probeMessage(t, "other-agent", "m1", "", false)
	if _, decision, _ := router.Route(other); decision != DecisionFiltered {
		t.Fatalf("expected filtered, got %v", decision)
	}

	_, decision, err := router.Route(kafka.Message{})
	if decision != DecisionInvalid || err == nil {
		t.Fatalf("expected invalid with error, got %v %v", decision, err)
	}
}

func TestRouterFiltersMalformedMessagesForOtherAgents(t *testing.T) {
	router := NewRouter("self-agent")

	malformed := func(agentID string) kafka.Message {
		return kafka.Message{Headers: []kafka.Header{
			{Key: broker.HeaderAgentID, Value: []byte(agentID)},
			{Key: broker.HeaderCreatedAt, Value: []byte("yesterday")},
		}}
	}

	// Another agent's broken message is its problem, not ours.
	_, decision, err := router.Route(malformed("other-agent"))
	if decision != DecisionFiltered || err != nil {
		t.Fatalf("expected silent filter, got %v %v", decision, err)
	}

	_, decision, err = router.Route(malformed("self-agent"))
	if decision != DecisionInvalid || err == nil {
		t.Fatalf("expected invalid for our own malformed message, got %v %v", decision, err)
	}
}

func TestUntrackedBatchExecutesWithoutReporting(t *testing.T) {
	engine := &stubEngine{replies: []reply.Reply{{RTT: 12}}}
	sink := &recordingSink{}
	store := metrics.NewStore()
	reporter := &stubReporter{}
	tr := tracker.New(reporter, store, zerolog.Nop())
	reader := newStubReader(probeMessage(t, "self-agent", "", "1.1.1.1,24000,33434,5,icmp\n", true))

	a := newTestAgent(t, reader, sink, engine, store, tr)
	stop := runAgent(t, a)
	waitFor(t, func() bool { return reader.committed() == 1 })
	stop()

	if engine.callCount() != 1 {
		t.Fatalf("an untracked batch must still execute")
	}
	if len(sink.published()) != 1 {
		t.Fatalf("an untracked batch must still publish replies, got %d", len(sink.published()))
	}
	if reporter.callCount() != 0 {
		t.Fatalf("an untracked batch must not report status")
	}
	if store.Snapshot().MeasurementsActive != 0 {
		t.Fatalf("an untracked batch must not create measurement state")
	}
}

func TestFilteredMessageHasNoSideEffects(t *testing.T) {
	engine := &stubEngine{}
	sink := &recordingSink{}
	store := metrics.NewStore()
	tr := tracker.New(nil, store, zerolog.Nop())
	reader := newStubReader(probeMessage(t, "other-agent", "m1", "1.1.1.1,24000,33434,5,icmp\n", true))

	a := newTestAgent(t, reader, sink, engine, store, tr)
	stop := runAgent(t, a)
	waitFor(t, func() bool { return reader.committed() == 1 })
	stop()

	if engine.callCount() != 0 {
		t.Fatalf("filtered message must not reach the engine")
	}
	if len(sink.published()) != 0 {
		t.Fatalf("filtered message must not publish replies")
	}
	if tr.State("m1") != tracker.StateUnknown {
		t.Fatalf("filtered message must not create measurement state")
	}
	snap := store.Snapshot()
	if snap.MessagesFiltered != 1 || snap.MessagesConsumed != 1 {
		t.Fatalf("unexpected counters %+v", snap)
	}
}

func TestMalformedPayloadIsSkippedNotFatal(t *testing.T) {
	engine := &stubEngine{replies: []reply.Reply{{RTT: 12}}}
	sink := &recordingSink{}
	store := metrics.NewStore()
	reader := newStubReader(
		probeMessage(t, "self-agent", "m1", "garbage,line\n", false),
		probeMessage(t, "self-agent", "m2", "1.1.1.1,24000,33434,5,icmp\n", false),
	)

	a := newTestAgent(t, reader, sink, engine, store, nil)
	stop := runAgent(t, a)
	waitFor(t, func() bool { return reader.committed() == 2 })
	stop()

	if engine.callCount() != 1 {
		t.Fatalf("the loop must survive a malformed payload and run the next message")
	}
	if store.Snapshot().MessagesInvalid != 1 {
		t.Fatalf("malformed payload not counted")
	}
}

func TestShutdownAbortedDispatchIsNotCommitted(t *testing.T) {
	engine := &blockingEngine{
		started: make(chan struct{}, 3),
		release: make(chan struct{}),
	}
	msgs := []kafka.Message{
		probeMessage(t, "self-agent", "m1", "1.1.1.1,24000,33434,1,icmp\n", false),
		probeMessage(t, "self-agent", "m1", "1.1.1.1,24000,33434,2,icmp\n", false),
		probeMessage(t, "self-agent", "m1", "1.1.1.1,24000,33434,3,icmp\n", false),
	}
	for i := range msgs {
		msgs[i].Offset = int64(i)
	}
	reader := newStubReader(msgs...)

	a := newTestAgent(t, reader, &recordingSink{}, engine, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx)
	}()

	// The worker blocks on the first job, the second fills the job
	// buffer, and the third dispatch parks in handle. The first two
	// messages commit once dispatched.
	<-engine.started
	waitFor(t, func() bool { return reader.committed() == 2 })

	// Cancelling aborts the parked dispatch. The fourth fetch proves
	// handle returned before the worker is released.
	cancel()
	waitFor(t, func() bool { return reader.fetchCount() == 4 })
	close(engine.release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("agent did not drain")
	}

	offsets := reader.committedOffsets()
	if len(offsets) != 2 || offsets[0] != 0 || offsets[1] != 1 {
		t.Fatalf("an aborted dispatch must leave its offset uncommitted, got %v", offsets)
	}
}

func TestExecutorObservesSubmissionOrder(t *testing.T) {
	engine := &stubEngine{}
	reader := newStubReader(probeMessage(t, "self-agent", "m1",
		"1.1.1.1,24000,33434,3,icmp\n1.1.1.1,24000,33434,1,icmp\n1.1.1.1,24000,33434,2,icmp\n", false))

	a := newTestAgent(t, reader, &recordingSink{}, engine, nil, nil)
	stop := runAgent(t, a)
	waitFor(t, func() bool { return engine.callCount() == 1 })
	stop()

	got := engine.calls[0]
	want := []uint8{3, 1, 2}
	for i, p := range got {
		if p.TTL != want[i] {
			t.Fatalf("probe %d out of order: ttl %d, want %d", i, p.TTL, want[i])
		}
	}
}

func TestEndOfMeasurementCompletesTracking(t *testing.T) {
	engine := &stubEngine{}
	store := metrics.NewStore()
	tr := tracker.New(nil, store, zerolog.Nop())
	reader := newStubReader(
		probeMessage(t, "self-agent", "m1", "1.1.1.1,24000,33434,1,icmp\n", false),
		probeMessage(t, "self-agent", "m1", "1.1.1.1,24000,33434,2,icmp\n", true),
	)

	a := newTestAgent(t, reader, &recordingSink{}, engine, store, tr)
	stop := runAgent(t, a)
	waitFor(t, func() bool { return tr.State("m1") == tracker.StateReported })
	stop()

	if tr.ProbesSent("m1") != 2 {
		t.Fatalf("expected 2 probes tracked, got %d", tr.ProbesSent("m1"))
	}
}

func TestEndToEndScenario(t *testing.T) {
	// Client side: one target line expands into a ladder and is
	// submitted for agent wbmwwp9vna with no source override.
	probeWriter := &recordingKafkaWriter{}
	producer := client.New(client.Config{}, probeWriter, zerolog.Nop())

	targets, err := target.Resolve("wbmwwp9vna")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	probes, err := client.ReadProbes(strings.NewReader("1.1.1.1,icmp,1,32,1"), rand.New(rand.NewSource(7)))
	if err != nil {
		t.Fatalf("read probes: %v", err)
	}
	if _, written, err := producer.Produce(context.Background(), "m-e2e", targets, probes); err != nil || written != 1 {
		t.Fatalf("expected one probe-work message, got %d (%v)", written, err)
	}

	// Agent side: stub engine observes the batch and reports a single
	// reply with a 12ms round trip.
	engine := &stubEngine{replies: []reply.Reply{{
		AgentID:       "wbmwwp9vna",
		ReplySrcAddr:  netip.MustParseAddr("1.1.1.1"),
		ReplyDstAddr:  netip.MustParseAddr("192.0.2.55"),
		ReplyProtocol: probe.ICMP,
		ProbeSrcAddr:  netip.MustParseAddr("192.0.2.55"),
		ProbeDstAddr:  netip.MustParseAddr("1.1.1.1"),
		ProbeProtocol: probe.ICMP,
		RTT:           12,
	}}}

	replyWriter := &recordingKafkaWriter{}
	pub := publisher.New(publisher.Config{AgentID: "wbmwwp9vna", BatchWait: time.Hour}, replyWriter, nil, zerolog.Nop())
	pubCtx, pubCancel := context.WithCancel(context.Background())
	pubDone := make(chan struct{})
	go func() {
		defer close(pubDone)
		pub.Run(pubCtx)
	}()

	runner := prober.NewRunner(config.ProberConfig{
		Name:        "instance_0",
		BatchSize:   128,
		ProbingRate: 1_000_000,
	}, engine, nil, zerolog.Nop())

	reader := newStubReader(probeWriter.published()...)
	a, err := New(Config{AgentID: "wbmwwp9vna"}, Dependencies{
		Reader:  reader,
		Sink:    pub,
		Runners: []*prober.Runner{runner},
		Logger:  zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	stop := runAgent(t, a)
	waitFor(t, func() bool { return engine.callCount() == 1 })
	stop()

	if got := len(engine.calls[0]); got != 32 {
		t.Fatalf("expected the full 32-probe ladder, got %d", got)
	}

	pubCancel()
	select {
	case <-pubDone:
	case <-time.After(5 * time.Second):
		t.Fatalf("publisher did not drain")
	}

	msgs := replyWriter.published()
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one reply message, got %d", len(msgs))
	}
	records, err := reply.DecodeBatch(msgs[0].Value)
	if err != nil {
		t.Fatalf("decode reply batch: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(records))
	}
	rec := records[0]
	if rec.ProbeDstAddr != netip.MustParseAddr("1.1.1.1") {
		t.Fatalf("unexpected probe destination %s", rec.ProbeDstAddr)
	}
	if rec.ProbeProtocol != probe.ICMP {
		t.Fatalf("unexpected probe protocol %v", rec.ProbeProtocol)
	}
	if rec.RTT != 12 {
		t.Fatalf("unexpected rtt %d", rec.RTT)
	}
}

type recordingKafkaWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
}

func (w *recordingKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingKafkaWriter) published() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.messages...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}
