package watcher

import (
	"context"
	"errors"
	"testing"

	"chainwatch/internal/model"
	"chainwatch/internal/render"
	"chainwatch/internal/report"
	"chainwatch/internal/sink"
)

type fakeSource struct {
	batches       [][]model.ActivityItem
	lookbackCalls int
	pollCalls     int
	commitCalls   int
	resetCalls    int
	pollErr       error
	resetErr      error
}

func (s *fakeSource) next() []model.ActivityItem {
	if len(s.batches) == 0 {
		return nil
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch
}

func (s *fakeSource) Lookback(_ context.Context) ([]model.ActivityItem, error) {
	s.lookbackCalls++
	if s.pollErr != nil {
		return nil, s.pollErr
	}
	return s.next(), nil
}

func (s *fakeSource) Poll(_ context.Context) ([]model.ActivityItem, error) {
	s.pollCalls++
	if s.pollErr != nil {
		return nil, s.pollErr
	}
	return s.next(), nil
}

func (s *fakeSource) Commit(_ context.Context) error {
	s.commitCalls++
	return nil
}

func (s *fakeSource) Reset(_ context.Context) error {
	s.resetCalls++
	return s.resetErr
}

// fakeRecognizer treats the raw Data field as the logical event name; an
// empty Data means the item decodes to nothing.
type fakeRecognizer struct{}

func (fakeRecognizer) Recognize(item model.ActivityItem) (*model.DecodedEvent, error) {
	if item.Removed || item.Data == "" {
		return nil, nil
	}
	return &model.DecodedEvent{
		Name:        item.Data,
		TxHash:      item.TxHash,
		BlockNumber: item.BlockNumber,
		TxIndex:     item.TxIndex,
		LogIndex:    item.LogIndex,
		HasLogIndex: item.HasLogIndex,
	}, nil
}

type sentMessage struct {
	channel string
	title   string
}

type fakeSink struct {
	sent    []sentMessage
	sendErr error
}

func (s *fakeSink) Send(_ context.Context, routingKey string, payload render.Payload) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, sentMessage{channel: routingKey, title: payload.Title})
	return nil
}

type fakeReporter struct {
	reports []report.Snapshot
}

func (r *fakeReporter) Report(_ context.Context, _ error, snap report.Snapshot) {
	r.reports = append(r.reports, snap)
}

func item(txHash, name string, block, txIndex, logIndex uint64) model.ActivityItem {
	return model.ActivityItem{
		Kind:        model.KindLog,
		BlockNumber: block,
		TxHash:      txHash,
		TxIndex:     txIndex,
		LogIndex:    logIndex,
		HasLogIndex: true,
		Data:        name,
	}
}

func newTestController(t *testing.T, cfg Config, source *fakeSource, snk *fakeSink, reporter *fakeReporter) *Controller {
	t.Helper()
	cfg.Name = "test"
	ctrl, err := NewController(cfg, Deps{
		Source:     source,
		Recognizer: fakeRecognizer{},
		Router:     sink.NewRouter(map[string]string{"vault_": "vault"}, "default"),
		Sink:       snk,
		Reporter:   reporter,
	})
	if err != nil {
		t.Fatalf("build controller: %v", err)
	}
	return ctrl
}

func TestTickColdStartDispatchesInOrder(t *testing.T) {
	source := &fakeSource{batches: [][]model.ActivityItem{{
		item("0x2", "vault_b", 100, 2, 0),
		item("0x1", "vault_a", 100, 1, 5),
		item("0x3", "other_c", 101, 0, 0),
	}}}
	snk := &fakeSink{}
	ctrl := newTestController(t, Config{}, source, snk, &fakeReporter{})

	if ctrl.State() != StateInit {
		t.Fatalf("expected INIT before first tick, got %s", ctrl.State())
	}

	ctrl.Tick(context.Background())

	if ctrl.State() != StateOK {
		t.Fatalf("expected OK, got %s", ctrl.State())
	}
	if source.lookbackCalls != 1 || source.pollCalls != 0 {
		t.Fatalf("cold start must use the look-back window: lookback=%d poll=%d", source.lookbackCalls, source.pollCalls)
	}
	want := []sentMessage{
		{channel: "vault", title: "vault_a"},
		{channel: "vault", title: "vault_b"},
		{channel: "default", title: "other_c"},
	}
	if len(snk.sent) != len(want) {
		t.Fatalf("expected %d sends, got %d", len(want), len(snk.sent))
	}
	for i, msg := range want {
		if snk.sent[i] != msg {
			t.Fatalf("send %d: got %+v, want %+v", i, snk.sent[i], msg)
		}
	}

	ctrl.Tick(context.Background())
	if source.pollCalls != 1 {
		t.Fatalf("second tick must poll incrementally, got %d poll calls", source.pollCalls)
	}
}

func TestTickSkipsWhileCycleRunning(t *testing.T) {
	source := &fakeSource{batches: [][]model.ActivityItem{{item("0x1", "vault_a", 100, 0, 0)}}}
	snk := &fakeSink{}
	ctrl := newTestController(t, Config{}, source, snk, &fakeReporter{})

	ctrl.state = StateRunning
	ctrl.Tick(context.Background())

	if ctrl.State() != StateRunning {
		t.Fatalf("overlapping tick must leave the state alone, got %s", ctrl.State())
	}
	if source.lookbackCalls != 0 || source.pollCalls != 0 || source.resetCalls != 0 {
		t.Fatalf("overlapping tick must not touch the source: lookback=%d poll=%d reset=%d",
			source.lookbackCalls, source.pollCalls, source.resetCalls)
	}
	if len(snk.sent) != 0 {
		t.Fatalf("overlapping tick must not dispatch, got %d sends", len(snk.sent))
	}
}

func TestTickSuppressesCrossCycleDuplicates(t *testing.T) {
	same := item("0x1", "vault_a", 100, 0, 0)
	source := &fakeSource{batches: [][]model.ActivityItem{{same}, {same}}}
	snk := &fakeSink{}
	ctrl := newTestController(t, Config{}, source, snk, &fakeReporter{})

	ctrl.Tick(context.Background())
	ctrl.Tick(context.Background())

	if len(snk.sent) != 1 {
		t.Fatalf("duplicate across cycles must be suppressed, got %d sends", len(snk.sent))
	}
}

func TestTickSuppressesSameCycleDuplicates(t *testing.T) {
	source := &fakeSource{batches: [][]model.ActivityItem{{
		item("0x1", "vault_a", 100, 0, 0),
		item("0x1", "vault_a", 100, 0, 1),
	}}}
	snk := &fakeSink{}
	ctrl := newTestController(t, Config{}, source, snk, &fakeReporter{})

	ctrl.Tick(context.Background())

	if len(snk.sent) != 1 {
		t.Fatalf("duplicate within one cycle must be suppressed, got %d sends", len(snk.sent))
	}
}

func TestTickTxEventScopeDistinguishesEvents(t *testing.T) {
	source := &fakeSource{batches: [][]model.ActivityItem{{
		item("0x1", "vault_a", 100, 0, 0),
		item("0x1", "vault_b", 100, 0, 1),
	}}}
	snk := &fakeSink{}
	ctrl := newTestController(t, Config{DedupScope: DedupByTxEvent}, source, snk, &fakeReporter{})

	ctrl.Tick(context.Background())

	if len(snk.sent) != 2 {
		t.Fatalf("distinct events in one transaction must both dispatch, got %d sends", len(snk.sent))
	}
}

func TestTickSkipsRemovedItems(t *testing.T) {
	removed := item("0x1", "vault_a", 100, 0, 0)
	removed.Removed = true
	source := &fakeSource{batches: [][]model.ActivityItem{{removed}}}
	snk := &fakeSink{}
	ctrl := newTestController(t, Config{}, source, snk, &fakeReporter{})

	ctrl.Tick(context.Background())

	if len(snk.sent) != 0 {
		t.Fatalf("reorged-out items must not dispatch, got %d sends", len(snk.sent))
	}
	if ctrl.State() != StateOK {
		t.Fatalf("expected OK, got %s", ctrl.State())
	}
}

func TestTickErrorThenRecovery(t *testing.T) {
	source := &fakeSource{pollErr: errors.New("rpc down")}
	snk := &fakeSink{}
	reporter := &fakeReporter{}
	ctrl := newTestController(t, Config{}, source, snk, reporter)

	ctrl.Tick(context.Background())
	if ctrl.State() != StateError {
		t.Fatalf("expected ERROR after failed cycle, got %s", ctrl.State())
	}
	if len(reporter.reports) != 1 {
		t.Fatalf("expected exactly one report, got %d", len(reporter.reports))
	}

	// The error tick performs the reset; the cycle resumes on the next tick.
	source.pollErr = nil
	source.batches = [][]model.ActivityItem{{item("0x1", "vault_a", 100, 0, 0)}}

	ctrl.Tick(context.Background())
	if source.resetCalls != 1 {
		t.Fatalf("expected one reset, got %d", source.resetCalls)
	}
	if ctrl.State() != StateInit {
		t.Fatalf("expected INIT after reset, got %s", ctrl.State())
	}

	ctrl.Tick(context.Background())
	if ctrl.State() != StateOK {
		t.Fatalf("expected OK after recovery, got %s", ctrl.State())
	}
	if source.lookbackCalls != 2 {
		t.Fatalf("recovery must re-run the look-back scan, got %d lookback calls", source.lookbackCalls)
	}
	if len(snk.sent) != 1 {
		t.Fatalf("expected one send after recovery, got %d", len(snk.sent))
	}
	if len(reporter.reports) != 1 {
		t.Fatalf("recovery must not produce another report, got %d", len(reporter.reports))
	}
}

func TestTickResetFailureStaysInError(t *testing.T) {
	source := &fakeSource{pollErr: errors.New("rpc down"), resetErr: errors.New("still down")}
	ctrl := newTestController(t, Config{}, source, &fakeSink{}, &fakeReporter{})

	ctrl.Tick(context.Background())
	ctrl.Tick(context.Background())
	if ctrl.State() != StateError {
		t.Fatalf("failed reset must stay in ERROR, got %s", ctrl.State())
	}

	ctrl.Tick(context.Background())
	if source.resetCalls != 2 {
		t.Fatalf("reset must be retried each tick, got %d calls", source.resetCalls)
	}
}

func TestTickAfterStopDoesNothing(t *testing.T) {
	source := &fakeSource{batches: [][]model.ActivityItem{{item("0x1", "vault_a", 100, 0, 0)}}}
	snk := &fakeSink{}
	ctrl := newTestController(t, Config{}, source, snk, &fakeReporter{})

	ctrl.Stop()
	ctrl.Tick(context.Background())

	if ctrl.State() != StateStopped {
		t.Fatalf("STOPPED is terminal, got %s", ctrl.State())
	}
	if source.lookbackCalls != 0 || source.pollCalls != 0 || len(snk.sent) != 0 {
		t.Fatalf("stopped pipeline must not poll or send")
	}
}

func TestTickEvictionAllowsReprocessing(t *testing.T) {
	first := item("0x1", "vault_a", 100, 0, 0)
	source := &fakeSource{batches: [][]model.ActivityItem{
		{first, item("0x2", "vault_b", 100, 1, 0), item("0x3", "vault_c", 100, 2, 0)},
		{first},
	}}
	snk := &fakeSink{}
	ctrl := newTestController(t, Config{DedupCapacity: 2}, source, snk, &fakeReporter{})

	ctrl.Tick(context.Background())
	ctrl.Tick(context.Background())

	// Capacity 2 evicted 0x1 at the end of the first cycle, so its replay in
	// the second cycle dispatches again.
	if len(snk.sent) != 4 {
		t.Fatalf("evicted transaction must be reprocessed, got %d sends", len(snk.sent))
	}
	if snk.sent[3].title != "vault_a" {
		t.Fatalf("expected replayed vault_a last, got %s", snk.sent[3].title)
	}
}

func TestTickSendFailureEntersError(t *testing.T) {
	source := &fakeSource{batches: [][]model.ActivityItem{{item("0x1", "vault_a", 100, 0, 0)}}}
	snk := &fakeSink{sendErr: errors.New("broker unavailable")}
	reporter := &fakeReporter{}
	ctrl := newTestController(t, Config{}, source, snk, reporter)

	ctrl.Tick(context.Background())

	if ctrl.State() != StateError {
		t.Fatalf("send failure must enter ERROR, got %s", ctrl.State())
	}
	if len(reporter.reports) != 1 {
		t.Fatalf("expected one report, got %d", len(reporter.reports))
	}
}

func TestTickCommitsCursorOnlyAfterDispatch(t *testing.T) {
	batch := []model.ActivityItem{item("0x1", "vault_a", 100, 0, 0)}

	failing := &fakeSource{batches: [][]model.ActivityItem{batch}}
	ctrl := newTestController(t, Config{}, failing, &fakeSink{sendErr: errors.New("broker unavailable")}, &fakeReporter{})
	ctrl.Tick(context.Background())
	if failing.commitCalls != 0 {
		t.Fatalf("failed cycle must not commit the cursor, got %d commits", failing.commitCalls)
	}

	healthy := &fakeSource{batches: [][]model.ActivityItem{batch}}
	ctrl = newTestController(t, Config{}, healthy, &fakeSink{}, &fakeReporter{})
	ctrl.Tick(context.Background())
	if healthy.commitCalls != 1 {
		t.Fatalf("successful cycle must commit the cursor once, got %d commits", healthy.commitCalls)
	}
}

func TestTickContextCanceledStopsCleanly(t *testing.T) {
	source := &fakeSource{pollErr: context.Canceled}
	reporter := &fakeReporter{}
	ctrl := newTestController(t, Config{}, source, &fakeSink{}, reporter)

	ctrl.Tick(context.Background())

	if ctrl.State() != StateStopped {
		t.Fatalf("cancellation mid-cycle must stop cleanly, got %s", ctrl.State())
	}
	if len(reporter.reports) != 0 {
		t.Fatalf("shutdown must not be reported as a failure, got %d reports", len(reporter.reports))
	}
}
