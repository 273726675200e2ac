package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"djidji-uploader/internal/events"
	"djidji-uploader/internal/model"
	"djidji-uploader/internal/protocol"
	"djidji-uploader/internal/repository"
	"djidji-uploader/internal/session"
	"djidji-uploader/internal/source"
	"djidji-uploader/internal/testutil"
	"djidji-uploader/internal/validation"
	"djidji-uploader/pkg/apiclient"
	"djidji-uploader/pkg/credential"
)

const mb = 1024 * 1024

func defaultOptions() Options {
	return Options{
		Agent:                     "test",
		Profile:                   validation.ProfileAudio,
		Concurrency:               3,
		QueueConcurrency:          1,
		DeleteInvalid:             true,
		DeleteFromStorageOnCancel: true,
		StatusCacheSize:           16,
		StatusCacheTTL:            time.Minute,
	}
}

type harness struct {
	svc     UploadService
	backend *testutil.Backend
	history repository.UploadRepository
}

func newHarness(t *testing.T, token string, opts Options) *harness {
	t.Helper()
	b := testutil.NewBackend(t)
	api := apiclient.New(b.APIURL(), credential.Static(token))
	history := repository.NewMemoryUploadRepository(opts.Agent)
	svc := NewUploadService(protocol.NewClient(api, nil), validation.NewRegistry(nil), history, nil, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return &harness{svc: svc, backend: b, history: history}
}

func audio(name string, size int) source.Source {
	return source.FromBytes(name, bytes.Repeat([]byte{0x42}, size), "audio/mpeg")
}

// sizedSource 只声明大小，用于测试超限文件而不分配内存。
type sizedSource struct{ info model.FileInfo }

func (s sizedSource) Info() model.FileInfo { return s.info }
func (s sizedSource) Open() (io.ReadCloser, error) {
	return nil, errors.New("should not be opened")
}

func TestUploadFile_Completes(t *testing.T) {
	h := newHarness(t, testutil.Token, defaultOptions())
	ctx := context.Background()

	sess, err := h.svc.UploadFile(ctx, audio("song.mp3", 5*mb))
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, sess.Status)
	assert.Equal(t, "u1", sess.ServerID)
	assert.EqualValues(t, 100, sess.Progress)
	assert.EqualValues(t, 5*mb, sess.BytesTransferred)
	assert.NotNil(t, sess.FinishedAt)

	assert.Equal(t, 1, h.backend.Calls(testutil.OpQuota), "quota refreshed once per completed upload")
	q, err := h.svc.Quota(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 5*mb, q.Used)
	assert.Equal(t, 1, h.backend.Calls(testutil.OpQuota))

	records, err := h.history.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.StatusCompleted, records[0].Status)
	assert.Equal(t, "u1", records[0].ServerID)
}

func TestUploadFile_ValidationRejectsWithoutNetwork(t *testing.T) {
	h := newHarness(t, testutil.Token, defaultOptions())

	_, err := h.svc.UploadFile(context.Background(), source.FromBytes("video.mov", []byte("moov"), "video/quicktime"))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{validation.MsgUnsupportedFormat}, verr.Result.Errors)

	big := sizedSource{info: model.FileInfo{Name: "big.wav", Size: 25 * mb, Type: "audio/wav"}}
	_, err = h.svc.UploadFile(context.Background(), big, WithProfile(validation.ProfileSong))
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{"El archivo excede el tamaño máximo permitido (20 MB)"}, verr.Result.Errors)

	_, err = h.svc.UploadFile(context.Background(), audio("a.mp3", 1), WithProfile("missing"))
	assert.ErrorIs(t, err, ErrUnknownProfile)

	assert.Empty(t, h.svc.Sessions())
	assert.Zero(t, h.backend.Calls(testutil.OpRequest))
}

func TestUploadFile_UnauthorizedFailsAtRequest(t *testing.T) {
	h := newHarness(t, "expired-or-wrong", defaultOptions())

	sess, err := h.svc.UploadFile(context.Background(), audio("song.mp3", 1024))
	var serr *SessionError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, model.StatusError, sess.Status)
	assert.Equal(t, apiclient.MsgSessionExpired, sess.Error)
	assert.Equal(t, model.StageRequest, sess.FailedStage)
	assert.Empty(t, sess.ServerID)
	assert.Zero(t, h.backend.Calls(testutil.OpPut))
}

func TestUploadFile_ConfirmFailureThenRetry(t *testing.T) {
	h := newHarness(t, testutil.Token, defaultOptions())
	ctx := context.Background()

	h.backend.FailNext(testutil.OpConfirm, http.StatusInternalServerError)
	failed, err := h.svc.UploadFile(ctx, audio("song.mp3", 2048))
	require.Error(t, err)
	assert.Equal(t, model.StatusError, failed.Status)
	assert.Equal(t, model.StageConfirm, failed.FailedStage)
	assert.Equal(t, "u1", failed.ServerID)
	assert.Equal(t, "confirm failed", failed.Error)
	assert.Zero(t, h.backend.Calls(testutil.OpQuota))
	_, cancelled := h.backend.Cancelled("u1")
	assert.False(t, cancelled, "no cleanup unless configured")

	retry, err := h.svc.Retry(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, failed.ID, retry.RetryOf)
	assert.Equal(t, 2, retry.Attempt)

	done, err := h.svc.Wait(ctx, retry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)
	assert.Equal(t, "u2", done.ServerID)

	orig, err := h.svc.Session(failed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, orig.Status)

	_, err = h.svc.Retry(ctx, done.ID)
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestUploadFile_CleanupOnConfirmFailure(t *testing.T) {
	opts := defaultOptions()
	opts.CleanupOnConfirmFailure = true
	h := newHarness(t, testutil.Token, opts)

	h.backend.FailNext(testutil.OpConfirm, http.StatusBadGateway)
	sess, err := h.svc.UploadFile(context.Background(), audio("song.mp3", 10))
	require.Error(t, err)
	assert.Equal(t, model.StageConfirm, sess.FailedStage)

	del, ok := h.backend.Cancelled(sess.ServerID)
	assert.True(t, ok)
	assert.True(t, del)
	_, stored := h.backend.Object(sess.ServerID)
	assert.False(t, stored)
}

func TestCancel_MidTransfer(t *testing.T) {
	h := newHarness(t, testutil.Token, defaultOptions())
	ctx := context.Background()
	started, release := h.backend.BlockPuts()
	defer release()

	sess, err := h.svc.StartUpload(ctx, audio("song.mp3", 4096))
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, sess.Status)
	<-started

	require.NoError(t, h.svc.Cancel(ctx, sess.ID))

	final, err := h.svc.Wait(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, final.Status)
	assert.Equal(t, "u1", final.ServerID)

	_, err = h.svc.Session(sess.ID)
	assert.Error(t, err)
	assert.Empty(t, h.svc.Sessions())

	del, ok := h.backend.Cancelled("u1")
	assert.True(t, ok)
	assert.True(t, del)

	assert.ErrorIs(t, h.svc.Cancel(ctx, "unknown"), session.ErrNotFound)
}

func TestCancel_DuringRequest(t *testing.T) {
	h := newHarness(t, testutil.Token, defaultOptions())
	ctx := context.Background()
	started, release := h.backend.BlockRequests()
	defer release()

	sess, err := h.svc.StartUpload(ctx, audio("song.mp3", 4096))
	require.NoError(t, err)
	<-started

	require.NoError(t, h.svc.Cancel(ctx, sess.ID))
	final, err := h.svc.Wait(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, final.Status)
	assert.Empty(t, final.ServerID)
	_, ok := h.backend.Cancelled("u1")
	assert.False(t, ok)

	// 取消之后才签发的槽位通过取消接口释放
	release()
	require.Eventually(t, func() bool {
		_, ok := h.backend.Cancelled("u1")
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.backend.Calls(testutil.OpConfirm))
	assert.Empty(t, h.svc.Sessions())
}

// stallingProtocol 的 PUT 一直阻塞到传输被中断。
type stallingProtocol struct {
	Protocol
	ids     atomic.Int64
	cancels atomic.Int64
}

func (p *stallingProtocol) RequestUpload(ctx context.Context, req protocol.UploadRequest) (protocol.UploadSlot, error) {
	id := p.ids.Add(1)
	return protocol.UploadSlot{UploadID: fmt.Sprintf("s%d", id), UploadURL: "http://storage.invalid/s"}, nil
}

func (p *stallingProtocol) UploadToStorage(ctx context.Context, url string, body io.Reader, size int64, contentType string, onProgress protocol.ProgressFunc) error {
	<-ctx.Done()
	return ctx.Err()
}

func (p *stallingProtocol) CancelUpload(ctx context.Context, id string, deleteFromStorage bool) (protocol.Object, error) {
	p.cancels.Add(1)
	return protocol.Object{"status": "cancelled"}, nil
}

func (p *stallingProtocol) GetUserQuota(ctx context.Context) (model.QuotaSnapshot, error) {
	return model.QuotaSnapshot{Total: 1 << 30}, nil
}

func TestCancel_AlwaysReportsCancelled(t *testing.T) {
	svc := NewUploadService(&stallingProtocol{}, nil, nil, nil, defaultOptions())
	defer func() { _ = svc.Shutdown(context.Background()) }()
	ctx := context.Background()

	statuses := map[model.Status]int{}
	for i := 0; i < 2000; i++ {
		sess, err := svc.StartUpload(ctx, audio(fmt.Sprintf("%d.mp3", i), 16))
		require.NoError(t, err)
		if err := svc.Cancel(ctx, sess.ID); err != nil {
			require.ErrorIs(t, err, ErrNotCancellable)
		}
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		final, err := svc.Wait(waitCtx, sess.ID)
		cancel()
		require.NoError(t, err)
		if final.Status != model.StatusCancelled {
			statuses[final.Status]++
		}
	}
	assert.Empty(t, statuses)
}

func TestUploadFile_CancelledIsNotAnError(t *testing.T) {
	svc := NewUploadService(&stallingProtocol{}, nil, nil, nil, defaultOptions())
	defer func() { _ = svc.Shutdown(context.Background()) }()

	for i := 0; i < 200; i++ {
		done := make(chan error, 1)
		go func() {
			_, err := svc.UploadFile(context.Background(), audio(fmt.Sprintf("%d.mp3", i), 16))
			done <- err
		}()
		var id string
		require.Eventually(t, func() bool {
			for _, s := range svc.Sessions() {
				if !s.Status.IsTerminal() {
					id = s.ID
					return true
				}
			}
			return false
		}, 5*time.Second, time.Millisecond)
		require.NoError(t, svc.Cancel(context.Background(), id))

		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrCancelled)
			var se *SessionError
			assert.False(t, errors.As(err, &se))
		case <-time.After(5 * time.Second):
			t.Fatal("UploadFile did not return after cancel")
		}
	}
}

func TestCancel_TerminalSession(t *testing.T) {
	h := newHarness(t, testutil.Token, defaultOptions())
	sess, err := h.svc.UploadFile(context.Background(), audio("song.mp3", 10))
	require.NoError(t, err)

	assert.ErrorIs(t, h.svc.Cancel(context.Background(), sess.ID), ErrNotCancellable)
}

func TestUploadFiles_CountsEveryFile(t *testing.T) {
	h := newHarness(t, testutil.Token, defaultOptions())
	h.backend.FailNext(testutil.OpPut, http.StatusForbidden)

	srcs := []source.Source{
		audio("a.mp3", 100),
		audio("b.mp3", 200),
		source.FromBytes("notes.txt", []byte("x"), "text/plain"),
		audio("c.mp3", 300),
		audio("d.mp3", 400),
	}
	res := h.svc.UploadFiles(context.Background(), srcs)

	assert.Equal(t, len(srcs), res.Successful+res.Failed)
	assert.Equal(t, 3, res.Successful)
	assert.Equal(t, 2, res.Failed)
	assert.Len(t, res.Sessions, 4)
	assert.Len(t, res.Errors, 2)
	assert.Equal(t, 3, h.backend.Calls(testutil.OpQuota))
}

func TestUploadFiles_UnboundedFanOut(t *testing.T) {
	opts := defaultOptions()
	opts.Concurrency = 0
	h := newHarness(t, testutil.Token, opts)

	srcs := make([]source.Source, 6)
	for i := range srcs {
		srcs[i] = audio(fmt.Sprintf("%d.mp3", i), 64)
	}
	res := h.svc.UploadFiles(context.Background(), srcs)
	assert.Equal(t, 6, res.Successful)
	assert.Zero(t, res.Failed)
}

func TestQuota_OptimisticUpdateAndRollback(t *testing.T) {
	h := newHarness(t, testutil.Token, defaultOptions())
	ctx := context.Background()

	q, err := h.svc.Quota(ctx)
	require.NoError(t, err)
	assert.Zero(t, q.Used)

	ch, cancel := h.svc.Subscribe(64)
	defer cancel()

	h.backend.FailNext(testutil.OpQuota, http.StatusServiceUnavailable)
	_, err = h.svc.UploadFile(ctx, audio("song.mp3", 1000))
	require.NoError(t, err)

	var quotaEvents []int64
	drain := func() {
		for {
			select {
			case ev := <-ch:
				if ev.Type == events.TypeQuota {
					quotaEvents = append(quotaEvents, ev.Quota.Used)
				}
			default:
				return
			}
		}
	}
	drain()
	assert.Equal(t, []int64{1000, 0}, quotaEvents, "tentative bump then rollback")

	q, err = h.svc.Quota(ctx)
	require.NoError(t, err)
	assert.Zero(t, q.Used, "rolled back after failed refresh")

	q, err = h.svc.RefreshQuota(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, q.Used)
}

func TestQueue_ProcessesSnapshot(t *testing.T) {
	h := newHarness(t, testutil.Token, defaultOptions())

	a, err := h.svc.Enqueue(audio("a.mp3", 10))
	require.NoError(t, err)
	assert.True(t, a.Validation.Valid)

	bad, err := h.svc.Enqueue(source.FromBytes("clip.mov", []byte("x"), "video/quicktime"))
	require.NoError(t, err)
	assert.False(t, bad.Validation.Valid)

	c, err := h.svc.Enqueue(audio("c.mp3", 10))
	require.NoError(t, err)
	d, err := h.svc.Enqueue(audio("d.mp3", 10))
	require.NoError(t, err)

	assert.Len(t, h.svc.Queue(), 4)
	require.NoError(t, h.svc.RemoveFromQueue(d.ID))
	assert.ErrorIs(t, h.svc.RemoveFromQueue(d.ID), ErrQueueItemNotFound)
	assert.Zero(t, h.backend.Calls(testutil.OpRequest), "enqueue makes no network call")

	report := h.svc.ProcessQueue(context.Background())
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Successful)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, a.ID, report.Items[0].ItemID)
	assert.Equal(t, model.StatusCompleted, report.Items[0].Status)
	assert.Equal(t, validation.MsgUnsupportedFormat, report.Items[1].Error)
	assert.Empty(t, report.Items[1].SessionID)
	assert.Equal(t, c.ID, report.Items[2].ItemID)

	assert.Empty(t, h.svc.Queue())
	assert.Equal(t, 2, h.backend.Calls(testutil.OpRequest))

	_, _ = h.svc.Enqueue(audio("e.mp3", 10))
	assert.Equal(t, 1, h.svc.ClearQueue())
}

func TestClearCompletedAndAll(t *testing.T) {
	h := newHarness(t, testutil.Token, defaultOptions())
	ctx := context.Background()

	_, err := h.svc.UploadFile(ctx, audio("done.mp3", 10))
	require.NoError(t, err)
	h.backend.FailNext(testutil.OpRequest, http.StatusTooManyRequests)
	failed, _ := h.svc.UploadFile(ctx, audio("fail.mp3", 10))
	assert.Equal(t, apiclient.MsgTooManyRequests, failed.Error)

	started, release := h.backend.BlockPuts()
	defer release()
	active, err := h.svc.StartUpload(ctx, audio("active.mp3", 10))
	require.NoError(t, err)
	<-started

	assert.Equal(t, 1, h.svc.ClearCompleted())
	assert.Len(t, h.svc.Sessions(), 2)

	assert.Equal(t, 2, h.svc.ClearAll(ctx))
	assert.Empty(t, h.svc.Sessions())

	// 申请失败的请求不分配 upload id，因此活跃上传是 u2
	_, ok := h.backend.Cancelled("u2")
	assert.True(t, ok, "active upload cancelled before clearing")
	_, err = h.svc.Session(active.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestRemoteStatus_Cached(t *testing.T) {
	h := newHarness(t, testutil.Token, defaultOptions())
	ctx := context.Background()
	sess, err := h.svc.UploadFile(ctx, audio("song.mp3", 10))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		st, err := h.svc.RemoteStatus(ctx, sess.ServerID)
		require.NoError(t, err)
		assert.Equal(t, "ready", st.String("status"))
	}
	assert.Equal(t, 1, h.backend.Calls(testutil.OpStatus))
}

func TestHistoryRecord(t *testing.T) {
	h := newHarness(t, testutil.Token, defaultOptions())
	ctx := context.Background()
	sess, err := h.svc.UploadFile(ctx, audio("song.mp3", 32))
	require.NoError(t, err)

	rec, err := h.svc.HistoryRecord(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "song.mp3", rec.FileName)
	assert.Equal(t, model.StatusCompleted, rec.Status)

	_, err = h.svc.HistoryRecord(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrRecordNotFound)

	bare := NewUploadService(&stallingProtocol{}, nil, nil, nil, defaultOptions())
	defer func() { _ = bare.Shutdown(ctx) }()
	_, err = bare.HistoryRecord(ctx, sess.ID)
	assert.ErrorIs(t, err, repository.ErrRecordNotFound)
}

func TestCancelRemote_UnknownUpload(t *testing.T) {
	h := newHarness(t, testutil.Token, defaultOptions())
	require.NoError(t, h.svc.CancelRemote(context.Background(), "u77", false))
	del, ok := h.backend.Cancelled("u77")
	assert.True(t, ok)
	assert.False(t, del)
}

func TestShutdown_InterruptsTransfers(t *testing.T) {
	h := newHarness(t, testutil.Token, defaultOptions())
	started, release := h.backend.BlockPuts()
	defer release()

	sess, err := h.svc.StartUpload(context.Background(), audio("song.mp3", 10))
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Shutdown(ctx))

	final, err := h.svc.Session(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, final.Status)

	_, err = h.svc.StartUpload(context.Background(), audio("late.mp3", 10))
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestEvents_ProgressIsMonotonic(t *testing.T) {
	h := newHarness(t, testutil.Token, defaultOptions())
	ch, cancel := h.svc.Subscribe(4096)
	defer cancel()

	sess, err := h.svc.UploadFile(context.Background(), audio("song.mp3", 2*mb))
	require.NoError(t, err)

	var types []events.Type
	last := -1.0
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-ch:
			if ev.Session == nil || ev.Session.ID != sess.ID {
				continue
			}
			if ev.Type != events.TypeProgress {
				types = append(types, ev.Type)
			}
			assert.GreaterOrEqual(t, ev.Session.Progress, last)
			last = ev.Session.Progress
			done = ev.Type == events.TypeCompleted
		case <-timeout:
			t.Fatal("completed event not received")
		}
	}
	assert.Equal(t, []events.Type{events.TypeCreated, events.TypeUploading, events.TypeCompleted}, types)
	assert.EqualValues(t, 100, last)
}

// concurrencyCounter 记录同时进行的 PUT 数量。
type concurrencyCounter struct {
	Protocol
	mu      sync.Mutex
	current int
	max     int
	ids     atomic.Int64
}

func (p *concurrencyCounter) RequestUpload(ctx context.Context, req protocol.UploadRequest) (protocol.UploadSlot, error) {
	id := p.ids.Add(1)
	return protocol.UploadSlot{UploadID: fmt.Sprintf("p%d", id), UploadURL: "http://storage.invalid/p"}, nil
}

func (p *concurrencyCounter) UploadToStorage(ctx context.Context, url string, body io.Reader, size int64, contentType string, onProgress protocol.ProgressFunc) error {
	p.mu.Lock()
	p.current++
	if p.current > p.max {
		p.max = p.current
	}
	p.mu.Unlock()

	time.Sleep(20 * time.Millisecond)
	_, _ = io.Copy(io.Discard, body)

	p.mu.Lock()
	p.current--
	p.mu.Unlock()
	return nil
}

func (p *concurrencyCounter) ConfirmUpload(ctx context.Context, id string, deleteInvalid bool) (protocol.Object, error) {
	return protocol.Object{"status": "ready"}, nil
}

func (p *concurrencyCounter) GetUserQuota(ctx context.Context) (model.QuotaSnapshot, error) {
	return model.QuotaSnapshot{Total: 1 << 30}, nil
}

func TestUploadFiles_BoundedWorkerPool(t *testing.T) {
	counter := &concurrencyCounter{}
	opts := defaultOptions()
	opts.Concurrency = 2
	svc := NewUploadService(counter, nil, nil, nil, opts)
	defer func() { _ = svc.Shutdown(context.Background()) }()

	srcs := make([]source.Source, 8)
	for i := range srcs {
		srcs[i] = audio(fmt.Sprintf("%d.mp3", i), 32)
	}
	res := svc.UploadFiles(context.Background(), srcs)
	assert.Equal(t, 8, res.Successful)

	counter.mu.Lock()
	defer counter.mu.Unlock()
	assert.LessOrEqual(t, counter.max, 2)
	assert.GreaterOrEqual(t, counter.max, 1)
}
