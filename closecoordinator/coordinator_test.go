package closecoordinator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lightningd-go/lightningd/channel"
)

type nopLogger struct{}

func (nopLogger) Infof(format string, args ...interface{})  {}
func (nopLogger) Errorf(format string, args ...interface{}) {}

type fakeFailer struct {
	mu       sync.Mutex
	failed   []*channel.Channel
	reasons  []string
}

func (f *fakeFailer) FailPermanent(ch *channel.Channel, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, ch)
	f.reasons = append(f.reasons, reason)
}

func testChan() *channel.Channel {
	return &channel.Channel{Funding: channel.FundingOutpoint{TxID: [32]byte{0x01}, OutNum: 0}}
}

func waitComplete(t *testing.T) (func(res *Result, err error), <-chan struct{}) {
	t.Helper()
	done := make(chan struct{})
	var once sync.Once
	return func(res *Result, err error) {
		_ = res
		_ = err
		once.Do(func() { close(done) })
	}, done
}

func TestCoordinatorResolveCompletesWithSuccess(t *testing.T) {
	c := New(&fakeFailer{}, nopLogger{})
	ch := testChan()

	var gotRes *Result
	var gotErr error
	complete, done := waitComplete(t)
	cmd := &Command{Complete: func(res *Result, err error) {
		gotRes, gotErr = res, err
		complete(res, err)
	}}

	c.Register(cmd, ch, 3600, false)
	c.Resolve(ch, &channel.Outcome{TxHex: "deadbeef", TxID: [32]byte{0x02}, Type: "mutual"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("command never completed")
	}

	require.NoError(t, gotErr)
	require.Equal(t, "deadbeef", gotRes.TxHex)
	require.Equal(t, "mutual", gotRes.Type)
}

func TestCoordinatorChannelDestroyedFailsPendingCommand(t *testing.T) {
	c := New(&fakeFailer{}, nopLogger{})
	ch := testChan()

	var gotErr error
	complete, done := waitComplete(t)
	cmd := &Command{Complete: func(res *Result, err error) {
		gotErr = err
		complete(res, err)
	}}

	rec := c.Register(cmd, ch, 3600, false)
	c.ChannelDestroyed(ch)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("command never completed")
	}
	require.Error(t, gotErr)

	rec.mu.Lock()
	require.Nil(t, rec.channel)
	rec.mu.Unlock()
}

func TestCoordinatorCompleteOnlyFiresOnce(t *testing.T) {
	c := New(&fakeFailer{}, nopLogger{})
	ch := testChan()

	var calls int
	var mu sync.Mutex
	cmd := &Command{Complete: func(res *Result, err error) {
		mu.Lock()
		calls++
		mu.Unlock()
	}}

	c.Register(cmd, ch, 3600, false)
	c.Resolve(ch, &channel.Outcome{Type: "mutual"})
	// A second resolve against the same channel finds no records left
	// (take() already removed them), so Complete must not fire again.
	c.Resolve(ch, &channel.Outcome{Type: "mutual"})

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
}

func TestCoordinatorTimeoutForcesFailPermanent(t *testing.T) {
	failer := &fakeFailer{}
	c := New(failer, nopLogger{})
	ch := testChan()

	cmd := &Command{Complete: func(res *Result, err error) {}}
	c.Register(cmd, ch, 0, true)

	require.Eventually(t, func() bool {
		failer.mu.Lock()
		defer failer.mu.Unlock()
		return len(failer.failed) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCoordinatorTimeoutWithoutForceFailsCommandOnly(t *testing.T) {
	failer := &fakeFailer{}
	c := New(failer, nopLogger{})
	ch := testChan()

	var gotErr error
	var mu sync.Mutex
	done := make(chan struct{})
	var once sync.Once
	cmd := &Command{Complete: func(res *Result, err error) {
		mu.Lock()
		gotErr = err
		mu.Unlock()
		once.Do(func() { close(done) })
	}}

	c.Register(cmd, ch, 0, false)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("command never timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Error(t, gotErr)

	failer.mu.Lock()
	defer failer.mu.Unlock()
	require.Empty(t, failer.failed)
}
