package session

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"previewd/internal/config"
	"previewd/internal/failure"
	"previewd/internal/filetype"
	"previewd/internal/models"
	"previewd/internal/redis"
	"previewd/internal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// manualRunner records jobs so tests decide when and in which order loads finish.
type manualRunner struct {
	mu     sync.Mutex
	jobs   []worker.Job
	reject error
}

func (r *manualRunner) Submit(job worker.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject != nil {
		return r.reject
	}
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *manualRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func (r *manualRunner) run(t *testing.T, i int) {
	t.Helper()
	r.mu.Lock()
	require.Less(t, i, len(r.jobs))
	job := r.jobs[i]
	r.mu.Unlock()
	job.Run(context.Background())
}

type stubResult struct {
	parsed *models.Parsed
	err    error
}

// stubLoader answers by descriptor URL and ignores cancellation.
type stubLoader struct {
	mu      sync.Mutex
	calls   int
	results map[string]stubResult
}

func (l *stubLoader) Load(_ context.Context, desc models.FileDescriptor, _ filetype.Category) (*models.Parsed, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	res := l.results[desc.URL]
	return res.parsed, res.err
}

func sheets(names ...string) *models.Parsed {
	p := &models.Parsed{}
	for _, n := range names {
		p.Sheets = append(p.Sheets, models.Sheet{Name: n, Rows: [][]string{{n}}})
	}
	return p
}

func xlsx(url string) models.FileDescriptor {
	return models.FileDescriptor{URL: url, DeclaredName: "book.xlsx", DeclaredType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"}
}

func newTestController(t *testing.T, loader Loader, runner Runner, mirror Mirror) *Controller {
	return NewController("viewer-1", loader, runner, Options{Mirror: mirror, Logger: zaptest.NewLogger(t)})
}

func TestOpenLoadsToReady(t *testing.T) {
	loader := &stubLoader{results: map[string]stubResult{"a": {parsed: sheets("One", "Two")}}}
	runner := &manualRunner{}
	c := newTestController(t, loader, runner, nil)

	snap := c.Open(xlsx("a"))
	assert.Equal(t, models.StateLoading, snap.State)
	assert.Equal(t, filetype.Spreadsheet, snap.Category)
	assert.EqualValues(t, 1, snap.Generation)
	require.Equal(t, 1, runner.count())

	runner.run(t, 0)
	snap, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StateReady, snap.State)
	assert.Equal(t, []string{"One", "Two"}, snap.SheetNames)
	assert.Equal(t, 0, snap.ActiveSheetIndex)
	assert.True(t, snap.IsOpen())

	_, parsed := c.View()
	assert.Equal(t, 2, parsed.SheetCount())
}

func TestLoadFailureMapsUserMessage(t *testing.T) {
	loader := &stubLoader{results: map[string]stubResult{"a": {err: failure.New(failure.KindEmptyFile, "0 bytes")}}}
	runner := &manualRunner{}
	c := newTestController(t, loader, runner, nil)

	c.Open(xlsx("a"))
	runner.run(t, 0)
	snap := c.Snapshot()
	assert.Equal(t, models.StateFailed, snap.State)
	assert.Equal(t, string(failure.KindEmptyFile), snap.ErrorKind)
	assert.Equal(t, failure.UserMessage(failure.ErrEmptyFile), snap.Error)

	_, parsed := c.View()
	assert.Nil(t, parsed)
}

func TestRetryOnlyFromFailed(t *testing.T) {
	loader := &stubLoader{results: map[string]stubResult{"a": {err: failure.New(failure.KindNetwork, "503")}}}
	runner := &manualRunner{}
	c := newTestController(t, loader, runner, nil)

	c.Open(xlsx("a"))
	runner.run(t, 0)
	require.Equal(t, models.StateFailed, c.Snapshot().State)

	loader.mu.Lock()
	loader.results["a"] = stubResult{parsed: sheets("S")}
	loader.mu.Unlock()

	snap := c.Retry()
	assert.Equal(t, models.StateLoading, snap.State)
	assert.EqualValues(t, 2, snap.Generation)
	require.Equal(t, 2, runner.count())
	runner.run(t, 1)
	assert.Equal(t, models.StateReady, c.Snapshot().State)
	assert.Equal(t, 2, loader.calls)

	snap = c.Retry()
	assert.Equal(t, models.StateReady, snap.State)
	assert.EqualValues(t, 2, snap.Generation)
	assert.Equal(t, 2, runner.count())
}

func TestStaleLoadIsDiscarded(t *testing.T) {
	loader := &stubLoader{results: map[string]stubResult{
		"a": {parsed: sheets("A")},
		"b": {parsed: sheets("B1", "B2")},
	}}
	runner := &manualRunner{}
	c := newTestController(t, loader, runner, nil)

	c.Open(xlsx("a"))
	c.Open(xlsx("b"))
	runner.run(t, 1)
	runner.run(t, 0) // finishes after being superseded

	snap := c.Snapshot()
	assert.Equal(t, models.StateReady, snap.State)
	assert.Equal(t, "b", snap.Descriptor.URL)
	assert.Equal(t, []string{"B1", "B2"}, snap.SheetNames)
	assert.EqualValues(t, 2, snap.Generation)
}

func TestStaleLoadAfterCloseIsDiscarded(t *testing.T) {
	loader := &stubLoader{results: map[string]stubResult{"a": {parsed: sheets("A")}}}
	runner := &manualRunner{}
	c := newTestController(t, loader, runner, nil)

	c.Open(xlsx("a"))
	c.Close()
	runner.run(t, 0)

	snap, parsed := c.View()
	assert.Equal(t, models.StateClosed, snap.State)
	assert.Nil(t, snap.Descriptor)
	assert.Nil(t, parsed)
	assert.False(t, snap.IsOpen())
}

func TestCloseDiscardsContent(t *testing.T) {
	loader := &stubLoader{results: map[string]stubResult{"a": {parsed: sheets("A")}}}
	runner := &manualRunner{}
	c := newTestController(t, loader, runner, nil)

	c.Open(xlsx("a"))
	runner.run(t, 0)
	require.Equal(t, models.StateReady, c.Snapshot().State)

	snap := c.Close()
	assert.Equal(t, models.StateClosed, snap.State)
	assert.Nil(t, snap.Descriptor)
	assert.Empty(t, snap.SheetNames)
	_, parsed := c.View()
	assert.Nil(t, parsed)
}

func TestSelectSheet(t *testing.T) {
	loader := &stubLoader{results: map[string]stubResult{
		"a":   {parsed: sheets("One", "Two", "Three")},
		"doc": {parsed: &models.Parsed{Document: "<p>x</p>"}},
	}}
	runner := &manualRunner{}
	c := newTestController(t, loader, runner, nil)

	c.Open(xlsx("a"))
	_, ok := c.SelectSheet(1)
	assert.False(t, ok, "select while loading")

	runner.run(t, 0)
	snap, ok := c.SelectSheet(2)
	assert.True(t, ok)
	assert.Equal(t, 2, snap.ActiveSheetIndex)

	for _, idx := range []int{-1, 3, 100} {
		snap, ok = c.SelectSheet(idx)
		assert.False(t, ok)
		assert.Equal(t, 2, snap.ActiveSheetIndex)
	}

	c.Open(models.FileDescriptor{URL: "doc", DeclaredName: "a.docx", DeclaredType: "application/msword"})
	runner.run(t, 1)
	require.Equal(t, filetype.Document, c.Snapshot().Category)
	_, ok = c.SelectSheet(0)
	assert.False(t, ok)
}

func TestImageAndPdfSkipLoading(t *testing.T) {
	loader := &stubLoader{}
	runner := &manualRunner{}
	c := newTestController(t, loader, runner, nil)

	snap := c.Open(models.FileDescriptor{URL: "https://x/a.png", DeclaredName: "a.png", DeclaredType: "image/png"})
	assert.Equal(t, models.StateReady, snap.State)
	assert.Equal(t, filetype.Image, snap.Category)

	snap = c.Open(models.FileDescriptor{URL: "https://x/a.pdf", DeclaredName: "a.pdf", DeclaredType: "application/pdf"})
	assert.Equal(t, models.StateReady, snap.State)
	assert.Equal(t, filetype.Pdf, snap.Category)

	assert.Zero(t, runner.count())
	assert.Zero(t, loader.calls)
}

func TestUnsupportedFailsWithoutLoading(t *testing.T) {
	runner := &manualRunner{}
	c := newTestController(t, &stubLoader{}, runner, nil)

	snap := c.Open(models.FileDescriptor{URL: "https://x/a.zip", DeclaredName: "a.zip", DeclaredType: "application/zip"})
	assert.Equal(t, models.StateFailed, snap.State)
	assert.Equal(t, string(failure.KindUnsupportedType), snap.ErrorKind)
	assert.Zero(t, runner.count())

	snap = c.Retry()
	assert.Equal(t, models.StateFailed, snap.State)
	assert.Zero(t, runner.count())
}

func TestBusyRunnerFails(t *testing.T) {
	runner := &manualRunner{reject: worker.ErrQueueFull}
	c := newTestController(t, &stubLoader{}, runner, nil)

	snap := c.Open(xlsx("a"))
	assert.Equal(t, models.StateFailed, snap.State)
	assert.Equal(t, string(failure.KindBusy), snap.ErrorKind)

	snap, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, snap.State)
}

func TestWaitReleasedWhenSuperseded(t *testing.T) {
	runner := &manualRunner{}
	c := newTestController(t, &stubLoader{results: map[string]stubResult{}}, runner, nil)
	c.Open(xlsx("a"))

	waited := make(chan models.Snapshot, 1)
	go func() {
		snap, _ := c.Wait(context.Background())
		waited <- snap
	}()
	time.Sleep(10 * time.Millisecond)
	c.Close()

	select {
	case snap := <-waited:
		assert.Equal(t, models.StateClosed, snap.State)
	case <-time.After(time.Second):
		t.Fatalf("Wait not released by Close")
	}

	c.Open(xlsx("a"))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	c.Close()
}

func TestMirrorSeesCommittedTransitions(t *testing.T) {
	var mu sync.Mutex
	var states []models.LoadState
	mirror := MirrorFunc(func(_ context.Context, viewer string, snap models.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "viewer-1", viewer)
		states = append(states, snap.State)
	})
	loader := &stubLoader{results: map[string]stubResult{
		"a": {parsed: sheets("A")},
		"b": {parsed: sheets("B", "C")},
	}}
	runner := &manualRunner{}
	c := newTestController(t, loader, runner, mirror)

	c.Open(xlsx("a"))
	c.Open(xlsx("b"))
	runner.run(t, 0) // stale, not mirrored
	runner.run(t, 1)
	c.SelectSheet(1)
	c.Close()

	mu.Lock()
	defer mu.Unlock()
	want := []models.LoadState{
		models.StateLoading, models.StateLoading, models.StateReady, models.StateReady, models.StateClosed,
	}
	if diff := cmp.Diff(want, states); diff != "" {
		t.Fatalf("mirrored states (-want +got):\n%s", diff)
	}
}

type memFetcher map[string][]byte

func (f memFetcher) FetchBytes(_ context.Context, rawURL string) ([]byte, error) {
	data, ok := f[rawURL]
	if !ok {
		return nil, failure.New(failure.KindNetwork, "fetch url: 404 Not Found")
	}
	return data, nil
}

func TestDispatcherBackedControllerWithPipeline(t *testing.T) {
	d := worker.NewDispatcher(worker.Config{MaxWorkers: 2, QueueSize: 8}, zaptest.NewLogger(t))
	defer d.Stop()

	fetcher := memFetcher{"mem://people.csv": []byte("name,age\nalice,30\nbob\n")}
	m := NewManager(NewPipelineLoader(fetcher, zaptest.NewLogger(t)), d, Options{Logger: zaptest.NewLogger(t)})
	defer m.CloseAll()

	c := m.Get("alice")
	assert.Same(t, c, m.Get("alice"))
	assert.Equal(t, 1, m.Len())

	c.Open(models.FileDescriptor{URL: "mem://people.csv", DeclaredName: "people.csv", DeclaredType: "text/csv"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := c.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, models.StateReady, snap.State, snap.Error)

	_, parsed := c.View()
	if diff := cmp.Diff([][]string{{"name", "age"}, {"alice", "30"}, {"bob", ""}}, parsed.Sheets[0].Rows); diff != "" {
		t.Fatalf("rows (-want +got):\n%s", diff)
	}

	c.Open(models.FileDescriptor{URL: "mem://missing.xlsx", DeclaredName: "missing.xlsx", DeclaredType: "application/vnd.ms-excel"})
	snap, err = c.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, snap.State)
	assert.Equal(t, string(failure.KindNetwork), snap.ErrorKind)

	m.Remove("alice")
	_, ok := m.Lookup("alice")
	assert.False(t, ok)
	assert.Equal(t, models.StateClosed, c.Snapshot().State)
}

func TestPanickingLoadFails(t *testing.T) {
	d := worker.NewDispatcher(worker.Config{MaxWorkers: 1, QueueSize: 4}, zaptest.NewLogger(t))
	defer d.Stop()

	var calls int
	loader := LoaderFunc(func(context.Context, models.FileDescriptor, filetype.Category) (*models.Parsed, error) {
		calls++
		if calls == 1 {
			var m map[string]int
			m["boom"] = 1
		}
		return sheets("A"), nil
	})
	c := NewController("viewer-1", loader, d, Options{Logger: zaptest.NewLogger(t)})
	defer c.Close()

	c.Open(xlsx("a"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := c.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, models.StateFailed, snap.State)
	assert.Equal(t, string(failure.KindParse), snap.ErrorKind)

	c.Retry()
	snap, err = c.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StateReady, snap.State)
}

func TestPipelineLoaderSkipsFetchForImages(t *testing.T) {
	l := NewPipelineLoader(memFetcher{}, nil)
	parsed, err := l.Load(context.Background(), models.FileDescriptor{URL: "https://x/a.png"}, filetype.Image)
	require.NoError(t, err)
	assert.Zero(t, parsed.SheetCount())

	_, err = l.Load(context.Background(), models.FileDescriptor{URL: "x"}, filetype.Unsupported)
	require.ErrorIs(t, err, failure.ErrUnsupportedType)

	l = NewPipelineLoader(memFetcher{"mem://a.docx": []byte("not a zip")}, nil)
	_, err = l.Load(context.Background(), models.FileDescriptor{URL: "mem://a.docx", DeclaredType: "application/msword"}, filetype.Document)
	require.ErrorIs(t, err, failure.ErrInvalidFormat)
}

func TestEventMsgpackKeepsCategoryAndDescriptor(t *testing.T) {
	size := int64(42)
	ev := Event{Viewer: "v", Snapshot: models.Snapshot{
		State:      models.StateFailed,
		Generation: 3,
		Descriptor: &models.FileDescriptor{URL: "https://x/a.xlsx", DeclaredName: "a.xlsx", DeclaredType: "sheet", SizeBytes: &size},
		Category:   filetype.Spreadsheet,
		Error:      "boom",
		ErrorKind:  "parse_error",
		UpdatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}}
	raw, err := msgpack.Marshal(&ev)
	require.NoError(t, err)
	var got Event
	require.NoError(t, msgpack.Unmarshal(raw, &got))
	if diff := cmp.Diff(ev, got); diff != "" {
		t.Fatalf("event (-want +got):\n%s", diff)
	}
}

func TestRedisMirror(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	host, port, _ := strings.Cut(addr, ":")
	cfg := config.RedisConfig{Host: host}
	if n, err := strconv.Atoi(port); err == nil {
		cfg.Port = n
	}
	client, err := redis.NewRedisClient(cfg)
	require.NoError(t, err)
	defer client.Close()

	m := NewRedisMirror(client, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	viewer := "redis-test-" + time.Now().Format("150405.000")
	m.Publish(ctx, viewer, models.Snapshot{State: models.StateReady, Generation: 5, Category: filetype.Pdf})

	snap, ok, err := m.Load(ctx, viewer)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 5, snap.Generation)
	assert.Equal(t, filetype.Pdf, snap.Category)

	m.Publish(ctx, viewer, models.Snapshot{State: models.StateClosed})
	_, ok, err = m.Load(ctx, viewer)
	require.NoError(t, err)
	assert.False(t, ok)
}
