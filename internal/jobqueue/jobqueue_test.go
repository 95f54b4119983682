package jobqueue

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opinionsim/internal/deliberation"
	"github.com/opinionsim/internal/gateway"
	"github.com/opinionsim/internal/prompts"
	"github.com/opinionsim/internal/session"
)

const reply = `<state>
Long-term baseline: skeptical.
Short-term fluctuation: softening.
Personal memory summary: none.
Peer memory summary: none.
</state>
<thought>The numbers matter more than the slogans.</thought>
I need to see the budget first. (stance: -2)`

type recordingCompleter struct {
	mu    sync.Mutex
	calls int
	err   error
	block bool
}

func (c *recordingCompleter) ChatCompletion(ctx context.Context, msgs []gateway.ChatMessage, cfg gateway.ModelConfig, opts gateway.CallOptions, onStatus gateway.StatusFunc) (string, error) {
	if strings.HasPrefix(msgs[0].Content, prompts.MemoryKeeperRole) {
		return `{"personal": [], "peers": []}`, nil
	}
	c.mu.Lock()
	c.calls++
	err, block := c.err, c.block
	c.mu.Unlock()
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	return reply, nil
}

func (c *recordingCompleter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newRegistry(t *testing.T, c gateway.Completer, agents ...string) (*deliberation.Registry, session.Store) {
	t.Helper()
	store := session.NewInMemoryStore()
	reg := deliberation.NewRegistry(deliberation.Options{
		Completer:  c,
		Store:      store,
		VendorKeys: map[string]string{"openai": "k"},
	})
	cfg := session.DefaultConfig()
	cfg.Topic = "Municipal broadband"
	cfg.MaxRounds = 2
	st := session.NewState("job-session", cfg)
	for _, id := range agents {
		require.NoError(t, st.AddAgent(session.Agent{ID: id}))
	}
	_, err := reg.Create(context.Background(), st)
	require.NoError(t, err)
	return reg, store
}

func job(sessionID string, mode session.StartMode, attempt int) *river.Job[DeliberationArgs] {
	return &river.Job[DeliberationArgs]{
		JobRow: &rivertype.JobRow{Attempt: attempt},
		Args:   DeliberationArgs{SessionID: sessionID, Mode: mode},
	}
}

func TestStartMode(t *testing.T) {
	assert.Equal(t, session.StartFresh, startMode(DeliberationArgs{Mode: session.StartFresh}, 1))
	assert.Equal(t, session.StartFresh, startMode(DeliberationArgs{}, 1))
	assert.Equal(t, session.StartResume, startMode(DeliberationArgs{Mode: session.StartResume}, 1))
	assert.Equal(t, session.StartResume, startMode(DeliberationArgs{Mode: session.StartFresh}, 2), "retries resume")
}

func TestDeliberationArgsKind(t *testing.T) {
	assert.Equal(t, "deliberation_run", DeliberationArgs{}.Kind())
}

func TestWorker_RunsSession(t *testing.T) {
	c := &recordingCompleter{}
	reg, store := newRegistry(t, c, "a", "b")
	w := NewDeliberationWorker(reg)

	require.NoError(t, w.Work(context.Background(), job("job-session", session.StartFresh, 1)))
	assert.Equal(t, 4, c.count())

	msgs, err := store.ListMessages(context.Background(), "job-session")
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

func TestWorker_RetryResumesFromLog(t *testing.T) {
	c := &recordingCompleter{}
	reg, store := newRegistry(t, c, "a", "b")
	ctx := context.Background()
	for i, id := range []string{"a", "b"} {
		require.NoError(t, store.AppendMessage(ctx, "job-session", session.Message{
			ID: id, AgentID: id, AgentName: id, Round: 1, Turn: i + 1, Content: "earlier",
		}))
	}

	w := NewDeliberationWorker(reg)
	require.NoError(t, w.Work(ctx, job("job-session", session.StartFresh, 2)))
	assert.Equal(t, 2, c.count(), "only round 2 is run")

	msgs, err := store.ListMessages(ctx, "job-session")
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "earlier", msgs[0].Content)
	assert.Equal(t, 2, msgs[3].Round)
}

func TestWorker_CancelsUnrunnableJobs(t *testing.T) {
	reg, _ := newRegistry(t, &recordingCompleter{})
	w := NewDeliberationWorker(reg)

	err := w.Work(context.Background(), job("job-session", session.StartFresh, 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, deliberation.ErrNoAgents)

	err = w.Work(context.Background(), job("missing", session.StartFresh, 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestWorker_RunFailureIsRetried(t *testing.T) {
	c := &recordingCompleter{err: errors.New("vendor returned 503")}
	reg, _ := newRegistry(t, c, "a")
	w := NewDeliberationWorker(reg)

	err := w.Work(context.Background(), job("job-session", session.StartFresh, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestWorker_TimeoutCancelsRun(t *testing.T) {
	c := &recordingCompleter{block: true}
	reg, _ := newRegistry(t, c, "a")
	w := NewDeliberationWorker(reg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := w.Work(ctx, job("job-session", session.StartFresh, 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	m, err := reg.Get(context.Background(), "job-session")
	require.NoError(t, err)
	assert.Equal(t, session.PhaseCancelled, m.Status().Phase)
	assert.False(t, m.Running())
}

func TestQueueConfigDefaults(t *testing.T) {
	cfg := QueueConfig{MaxWorkers: 4}.withDefaults()
	assert.Equal(t, 4, cfg.MaxWorkers)
	assert.Equal(t, DefaultQueueConfig().MaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, DefaultQueueConfig().JobTimeout, cfg.JobTimeout)
	assert.Equal(t, 4, cfg.RiverQueueConfig()[river.QueueDefault].MaxWorkers)
}

func TestJobQueue_WorksEnqueuedRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	url := os.Getenv("OPINIONSIM_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("OPINIONSIM_TEST_DATABASE_URL not set")
	}

	c := &recordingCompleter{}
	reg, store := newRegistry(t, c, "a", "b")
	ctx := context.Background()

	jq, err := NewJobQueue(ctx, url, reg, QueueConfig{MaxWorkers: 1})
	require.NoError(t, err)
	require.NoError(t, jq.Migrate(ctx))
	require.NoError(t, jq.Start(ctx))
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_ = jq.Stop(stopCtx)
	}()

	jobID, err := jq.EnqueueDeliberation(ctx, "job-session", session.StartFresh)
	require.NoError(t, err)
	assert.Positive(t, jobID)

	m, err := reg.Get(ctx, "job-session")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return m.Status().Phase == session.PhaseCompleted
	}, 30*time.Second, 50*time.Millisecond)

	msgs, err := store.ListMessages(ctx, "job-session")
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}
