// Package service 包含了上传编排器：按文件执行 申请 → 直传 → 确认 三步协议，
// 维护会话集合、待上传队列和配额快照。
package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"djidji-uploader/internal/config"
	"djidji-uploader/internal/events"
	"djidji-uploader/internal/model"
	"djidji-uploader/internal/optimistic"
	"djidji-uploader/internal/protocol"
	"djidji-uploader/internal/repository"
	"djidji-uploader/internal/session"
	"djidji-uploader/internal/source"
	"djidji-uploader/internal/validation"
	"djidji-uploader/pkg/apiclient"
	"djidji-uploader/pkg/log"
)

// Protocol 是编排器依赖的上传协议客户端。
type Protocol interface {
	RequestUpload(ctx context.Context, req protocol.UploadRequest) (protocol.UploadSlot, error)
	UploadToStorage(ctx context.Context, uploadURL string, body io.Reader, size int64, contentType string, onProgress protocol.ProgressFunc) error
	ConfirmUpload(ctx context.Context, uploadID string, deleteInvalid bool) (protocol.Object, error)
	GetUploadStatus(ctx context.Context, uploadID string) (protocol.Object, error)
	GetUserQuota(ctx context.Context) (model.QuotaSnapshot, error)
	CancelUpload(ctx context.Context, uploadID string, deleteFromStorage bool) (protocol.Object, error)
}

// UploadService 接口定义了上传编排器对外暴露的操作。
type UploadService interface {
	StartUpload(ctx context.Context, src source.Source, opts ...UploadOption) (model.UploadSession, error)
	Wait(ctx context.Context, sessionID string) (model.UploadSession, error)
	UploadFile(ctx context.Context, src source.Source, opts ...UploadOption) (model.UploadSession, error)
	UploadFiles(ctx context.Context, srcs []source.Source, opts ...UploadOption) BatchResult
	Retry(ctx context.Context, sessionID string) (model.UploadSession, error)
	Cancel(ctx context.Context, sessionID string) error
	CancelRemote(ctx context.Context, uploadID string, deleteFromStorage bool) error

	Sessions() []model.UploadSession
	Session(sessionID string) (model.UploadSession, error)
	ClearCompleted() int
	ClearAll(ctx context.Context) int

	Enqueue(src source.Source, opts ...UploadOption) (model.QueueItem, error)
	Queue() []model.QueueItem
	RemoveFromQueue(itemID string) error
	ClearQueue() int
	ProcessQueue(ctx context.Context) QueueReport

	Quota(ctx context.Context) (model.QuotaSnapshot, error)
	RefreshQuota(ctx context.Context) (model.QuotaSnapshot, error)
	RemoteStatus(ctx context.Context, uploadID string) (protocol.Object, error)
	History(ctx context.Context, limit int) ([]model.UploadRecord, error)
	HistoryRecord(ctx context.Context, sessionID string) (*model.UploadRecord, error)
	Profiles() []string

	Subscribe(buffer int) (<-chan events.Event, func())
	Shutdown(ctx context.Context) error
}

// Options 是编排器的运行参数。
type Options struct {
	Agent   string
	Profile string
	// Concurrency 是批量上传的并发上限，0 表示不限制。
	Concurrency               int
	QueueConcurrency          int
	DeleteInvalid             bool
	DeleteFromStorageOnCancel bool
	CleanupOnConfirmFailure   bool
	StatusCacheSize           int
	StatusCacheTTL            time.Duration
}

// OptionsFromConfig 从全局配置生成 Options。
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Agent:                     cfg.Agent.Name,
		Profile:                   cfg.Upload.Profile,
		Concurrency:               cfg.Upload.Concurrency,
		QueueConcurrency:          cfg.Upload.QueueConcurrency,
		DeleteInvalid:             cfg.Upload.DeleteInvalid,
		DeleteFromStorageOnCancel: cfg.Upload.DeleteFromStorageOnCancel,
		CleanupOnConfirmFailure:   cfg.Upload.CleanupOnConfirmFailure,
		StatusCacheSize:           cfg.Cache.StatusSize,
		StatusCacheTTL:            time.Duration(cfg.Cache.StatusTTLSeconds) * time.Second,
	}
}

// UploadOption 调整单次上传的行为。
type UploadOption func(*uploadOptions)

type uploadOptions struct {
	profile string
}

// WithProfile 指定校验场景。
func WithProfile(name string) UploadOption {
	return func(o *uploadOptions) {
		if name != "" {
			o.profile = name
		}
	}
}

// BatchResult 是批量上传的汇总，Successful + Failed 等于提交的文件数。
type BatchResult struct {
	Successful int                   `json:"successful"`
	Failed     int                   `json:"failed"`
	Sessions   []model.UploadSession `json:"sessions"`
	Errors     []FileError           `json:"errors"`
}

// FileError 记录某个文件失败的原因。
type FileError struct {
	File    string `json:"file"`
	Message string `json:"message"`
}

// job 是一次上传的运行时状态。
type job struct {
	src source.Source
	// ctx 只约束存储 PUT，取消时中断传输。
	ctx       context.Context
	abort     context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
	once      sync.Once
	final     model.UploadSession
}

func (j *job) finish(final model.UploadSession) {
	j.once.Do(func() {
		j.final = final
		close(j.done)
	})
}

type uploadService struct {
	proto      Protocol
	registry   *validation.Registry
	history    repository.UploadRepository
	quotaCache repository.QuotaCache
	opts       Options

	bus     *events.Bus
	tracker *session.Tracker
	quota   optimistic.Cell[model.QuotaSnapshot]
	status  *statusCache

	baseCtx  context.Context
	stopAll  context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	jobs     map[string]*job
	queue    []queueEntry
	closed   bool
	quotaMu  sync.Mutex
	shutOnce sync.Once
}

// NewUploadService 创建一个新的 UploadService 实例。history 与 quotaCache 可以为 nil。
func NewUploadService(proto Protocol, registry *validation.Registry, history repository.UploadRepository, quotaCache repository.QuotaCache, opts Options) UploadService {
	if opts.Profile == "" {
		opts.Profile = validation.ProfileAudio
	}
	if opts.QueueConcurrency <= 0 {
		opts.QueueConcurrency = 1
	}
	if registry == nil {
		registry = validation.NewRegistry(nil)
	}
	bus := events.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	return &uploadService{
		proto:      proto,
		registry:   registry,
		history:    history,
		quotaCache: quotaCache,
		opts:       opts,
		bus:        bus,
		tracker:    session.NewTracker(bus),
		status:     newStatusCache(opts.StatusCacheSize, opts.StatusCacheTTL),
		baseCtx:    ctx,
		stopAll:    cancel,
		jobs:       make(map[string]*job),
	}
}

func (s *uploadService) resolveProfile(opts []UploadOption) (validation.Profile, error) {
	o := uploadOptions{profile: s.opts.Profile}
	for _, opt := range opts {
		opt(&o)
	}
	p, ok := s.registry.Get(o.profile)
	if !ok {
		return validation.Profile{}, ErrUnknownProfile
	}
	return p, nil
}

// StartUpload 校验文件并在后台开始上传，返回 pending 状态的会话。
// 校验失败时返回 *ValidationError，不创建会话，也不发出任何网络请求。
func (s *uploadService) StartUpload(ctx context.Context, src source.Source, opts ...UploadOption) (model.UploadSession, error) {
	profile, err := s.resolveProfile(opts)
	if err != nil {
		return model.UploadSession{}, err
	}
	info := src.Info()
	if res := profile.Validate(info); !res.Valid {
		log.Infof("[UploadService] 文件未通过校验: %s, errors=%v", info.Name, res.Errors)
		return model.UploadSession{}, &ValidationError{File: info.Name, Result: res}
	}
	return s.launch(src, "", 1)
}

func (s *uploadService) launch(src source.Source, retryOf string, attempt int) (model.UploadSession, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return model.UploadSession{}, ErrShutdown
	}
	s.wg.Add(1)
	s.mu.Unlock()

	sess := s.tracker.Create(src.Info(), retryOf, attempt)
	ctx, abort := context.WithCancel(s.baseCtx)
	j := &job{src: src, ctx: ctx, abort: abort, done: make(chan struct{})}

	s.mu.Lock()
	s.jobs[sess.ID] = j
	s.mu.Unlock()

	log.Infof("[UploadService] 创建上传会话 %s, 文件: %s (%d 字节), 第 %d 次尝试", sess.ID, sess.File.Name, sess.File.Size, attempt)
	go s.run(j, sess.ID)
	return sess, nil
}

// run 按顺序执行三步协议。任何错误都只影响本会话。
func (s *uploadService) run(j *job, id string) {
	defer s.wg.Done()
	defer j.abort()
	uploadsInFlight.Inc()
	defer uploadsInFlight.Dec()
	defer func() {
		if j.cancelled.Load() {
			// 由 Cancel 负责结束任务
			return
		}
		final, _ := s.tracker.Get(id)
		j.finish(final)
	}()

	info := j.src.Info()
	// 申请与确认请求不随取消中断，只受 API 客户端超时约束。
	mdCtx := context.WithoutCancel(j.ctx)

	// 1. 申请上传槽位
	slot, err := s.proto.RequestUpload(mdCtx, protocol.UploadRequest{
		FileName: info.Name,
		FileSize: info.Size,
		FileType: info.Type,
		Metadata: source.Metadata(j.src),
	})
	if err != nil {
		s.fail(id, model.StageRequest, err)
		return
	}
	if _, err := s.tracker.Start(id, slot.UploadID); err != nil {
		// 申请期间会话已被取消，槽位需要释放
		log.Infof("[UploadService] 会话 %s 已不再活跃，释放上传槽位 %s", id, slot.UploadID)
		s.releaseSlot(slot.UploadID, s.opts.DeleteFromStorageOnCancel)
		return
	}

	// 2. 直传到对象存储
	body, err := j.src.Open()
	if err != nil {
		s.fail(id, model.StageStorage, err)
		return
	}
	err = s.proto.UploadToStorage(j.ctx, slot.UploadURL, body, info.Size, info.Type, func(transferred, _ int64) {
		_, _ = s.tracker.Progress(id, transferred)
	})
	_ = body.Close()
	if err != nil {
		if j.cancelled.Load() {
			return
		}
		if errors.Is(err, context.Canceled) {
			s.interrupt(id)
			return
		}
		s.fail(id, model.StageStorage, err)
		return
	}

	// 3. 确认
	if _, err := s.proto.ConfirmUpload(mdCtx, slot.UploadID, s.opts.DeleteInvalid); err != nil {
		if j.cancelled.Load() {
			return
		}
		if s.opts.CleanupOnConfirmFailure {
			s.releaseSlot(slot.UploadID, true)
		}
		s.fail(id, model.StageConfirm, err)
		return
	}

	done, err := s.tracker.Complete(id)
	if err != nil {
		return
	}
	log.Infof("[UploadService] 上传完成: 会话 %s, upload_id=%s, 文件: %s", id, slot.UploadID, info.Name)
	s.record(done)
	s.afterCompleted(mdCtx, done)
}

func (s *uploadService) fail(id string, stage model.Stage, err error) {
	msg := apiclient.Normalize(err)
	snap, terr := s.tracker.Fail(id, stage, msg)
	if terr != nil {
		return
	}
	log.Warnf("[UploadService] 上传失败: 会话 %s, 步骤 %s, 原因: %s (%v)", id, stage, msg, err)
	s.record(snap)
}

// interrupt 处理关闭编排器时被中断的传输。
func (s *uploadService) interrupt(id string) {
	snap, err := s.tracker.Cancel(id)
	if err != nil {
		return
	}
	log.Infof("[UploadService] 传输被中断: 会话 %s", id)
	s.record(snap)
	if snap.ServerID != "" {
		s.releaseSlot(snap.ServerID, s.opts.DeleteFromStorageOnCancel)
	}
}

func (s *uploadService) releaseSlot(uploadID string, deleteFromStorage bool) {
	if _, err := s.proto.CancelUpload(context.Background(), uploadID, deleteFromStorage); err != nil {
		log.Warnf("[UploadService] 释放上传槽位失败 upload_id=%s: %s (%v)", uploadID, apiclient.Normalize(err), err)
	}
	s.status.remove(uploadID)
}

// record 统计指标并写入上传历史。
func (s *uploadService) record(snap model.UploadSession) {
	uploadsTotal.WithLabelValues(string(snap.Status)).Inc()
	if snap.FinishedAt != nil {
		uploadDuration.WithLabelValues(string(snap.Status)).Observe(snap.FinishedAt.Sub(snap.StartedAt).Seconds())
	}
	if snap.Status == model.StatusCompleted {
		uploadedBytesTotal.Add(float64(snap.File.Size))
	}
	if s.history == nil {
		return
	}
	if err := s.history.Save(context.Background(), model.NewUploadRecord(s.opts.Agent, snap)); err != nil {
		log.Errorf("[UploadService] 写入上传历史失败: 会话 %s, %v", snap.ID, err)
	}
}

func (s *uploadService) lookup(id string) *job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

// Wait 等待会话进入终态并返回最终快照。被取消的会话在移除后仍返回 cancelled 快照。
func (s *uploadService) Wait(ctx context.Context, sessionID string) (model.UploadSession, error) {
	j := s.lookup(sessionID)
	if j == nil {
		sess, err := s.tracker.Get(sessionID)
		if err != nil {
			return model.UploadSession{}, err
		}
		if sess.Status.IsTerminal() {
			return sess, nil
		}
		return model.UploadSession{}, session.ErrNotFound
	}
	select {
	case <-j.done:
		if j.final.ID == "" {
			return model.UploadSession{}, session.ErrNotFound
		}
		return j.final, nil
	case <-ctx.Done():
		return model.UploadSession{}, ctx.Err()
	}
}

// UploadFile 同步上传一个文件。会话未完成时返回 *SessionError 或 ErrCancelled，快照仍然有效。
// ctx 在上传结束前被取消时，会话会被取消。
func (s *uploadService) UploadFile(ctx context.Context, src source.Source, opts ...UploadOption) (model.UploadSession, error) {
	sess, err := s.StartUpload(ctx, src, opts...)
	if err != nil {
		return sess, err
	}
	final, err := s.Wait(ctx, sess.ID)
	if err != nil {
		if ctx.Err() != nil {
			_ = s.Cancel(context.WithoutCancel(ctx), sess.ID)
			if snap, werr := s.Wait(context.Background(), sess.ID); werr == nil {
				return snap, ctx.Err()
			}
		}
		return sess, err
	}
	return final, outcome(final)
}

func outcome(sess model.UploadSession) error {
	switch sess.Status {
	case model.StatusCompleted:
		return nil
	case model.StatusCancelled:
		return ErrCancelled
	default:
		return &SessionError{Session: sess}
	}
}

// UploadFiles 上传多个文件，最多 Concurrency 个同时进行（0 表示全部同时开始），
// 等待全部结束后汇总结果。
func (s *uploadService) UploadFiles(ctx context.Context, srcs []source.Source, opts ...UploadOption) BatchResult {
	type outcomeSlot struct {
		sess model.UploadSession
		err  error
	}
	results := make([]outcomeSlot, len(srcs))

	var g errgroup.Group
	if s.opts.Concurrency > 0 {
		g.SetLimit(s.opts.Concurrency)
	}
	for i, src := range srcs {
		i, src := i, src
		g.Go(func() error {
			sess, err := s.UploadFile(ctx, src, opts...)
			results[i] = outcomeSlot{sess: sess, err: err}
			return nil
		})
	}
	_ = g.Wait()

	res := BatchResult{Sessions: []model.UploadSession{}, Errors: []FileError{}}
	for i, r := range results {
		if r.sess.ID != "" {
			res.Sessions = append(res.Sessions, r.sess)
		}
		if r.err == nil {
			res.Successful++
			continue
		}
		res.Failed++
		res.Errors = append(res.Errors, FileError{File: srcs[i].Info().Name, Message: errorMessage(r.err)})
	}
	log.Infof("[UploadService] 批量上传结束: 成功 %d, 失败 %d", res.Successful, res.Failed)
	return res
}

func errorMessage(err error) string {
	var verr *ValidationError
	if errors.As(err, &verr) && len(verr.Result.Errors) > 0 {
		return verr.Result.Errors[0]
	}
	var serr *SessionError
	if errors.As(err, &serr) && serr.Session.Error != "" {
		return serr.Session.Error
	}
	if errors.Is(err, ErrCancelled) {
		return msgCancelled
	}
	return apiclient.Normalize(err)
}

// Retry 用原文件重新执行完整协议，生成一个新会话。只有 error 状态的会话可以重试。
func (s *uploadService) Retry(ctx context.Context, sessionID string) (model.UploadSession, error) {
	sess, err := s.tracker.Get(sessionID)
	if err != nil {
		return model.UploadSession{}, err
	}
	if sess.Status != model.StatusError {
		return model.UploadSession{}, ErrNotRetryable
	}
	j := s.lookup(sessionID)
	if j == nil {
		return model.UploadSession{}, ErrNotRetryable
	}
	log.Infof("[UploadService] 手动重试会话 %s (%s)", sessionID, sess.File.Name)
	return s.launch(j.src, sessionID, sess.Attempt+1)
}

// Cancel 取消一个活跃会话：尽力中断传输，标记为 cancelled，
// 已有 upload id 时调用取消接口，最后从集合中移除。
func (s *uploadService) Cancel(ctx context.Context, sessionID string) error {
	sess, err := s.tracker.Get(sessionID)
	if err != nil {
		return err
	}
	if sess.Status.IsTerminal() {
		return ErrNotCancellable
	}

	j := s.lookup(sessionID)
	if j != nil {
		j.cancelled.Store(true)
		j.abort()
	}
	snap, err := s.tracker.Cancel(sessionID)
	if err != nil {
		if j != nil {
			// 会话在取消前已自行结束，run 不再负责结束任务
			cur, _ := s.tracker.Get(sessionID)
			j.finish(cur)
		}
		if errors.Is(err, session.ErrInvalidTransition) {
			return ErrNotCancellable
		}
		return err
	}
	log.Infof("[UploadService] 取消会话 %s (%s)", sessionID, snap.File.Name)

	if snap.ServerID != "" {
		if _, err := s.proto.CancelUpload(ctx, snap.ServerID, s.opts.DeleteFromStorageOnCancel); err != nil {
			log.Warnf("[UploadService] 调用取消接口失败 upload_id=%s: %s (%v)", snap.ServerID, apiclient.Normalize(err), err)
		}
		s.status.remove(snap.ServerID)
	}
	s.record(snap)

	if _, err := s.tracker.Remove(sessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
		return err
	}
	if j != nil {
		j.finish(snap)
	}
	return nil
}

// CancelRemote 按服务端 upload id 取消。本地有对应会话时走 Cancel 流程。
func (s *uploadService) CancelRemote(ctx context.Context, uploadID string, deleteFromStorage bool) error {
	for _, sess := range s.tracker.List() {
		if sess.ServerID == uploadID && !sess.Status.IsTerminal() {
			return s.Cancel(ctx, sess.ID)
		}
	}
	if _, err := s.proto.CancelUpload(ctx, uploadID, deleteFromStorage); err != nil {
		return err
	}
	s.status.remove(uploadID)
	return nil
}

// Sessions 按创建顺序返回全部会话。
func (s *uploadService) Sessions() []model.UploadSession {
	return s.tracker.List()
}

// Session 返回单个会话。
func (s *uploadService) Session(sessionID string) (model.UploadSession, error) {
	return s.tracker.Get(sessionID)
}

// ClearCompleted 移除所有已完成的会话。
func (s *uploadService) ClearCompleted() int {
	n := s.tracker.ClearCompleted()
	s.pruneJobs()
	return n
}

// ClearAll 先取消所有活跃会话，再清空集合。
func (s *uploadService) ClearAll(ctx context.Context) int {
	cancelled := 0
	for _, sess := range s.tracker.List() {
		if !sess.Status.IsTerminal() {
			if err := s.Cancel(ctx, sess.ID); err == nil {
				cancelled++
			}
		}
	}
	n := s.tracker.ClearAll() + cancelled
	s.pruneJobs()
	return n
}

// pruneJobs 删除已不在集合中且已结束的任务。
func (s *uploadService) pruneJobs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, j := range s.jobs {
		if _, err := s.tracker.Get(id); err == nil {
			continue
		}
		select {
		case <-j.done:
			delete(s.jobs, id)
		default:
		}
	}
}

// RemoteStatus 查询服务端的上传状态，结果会短暂缓存。
func (s *uploadService) RemoteStatus(ctx context.Context, uploadID string) (protocol.Object, error) {
	if v, ok := s.status.get(uploadID); ok {
		return v, nil
	}
	v, err := s.proto.GetUploadStatus(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	s.status.set(uploadID, v)
	return v, nil
}

// History 返回最近的上传历史。未配置历史存储时返回空列表。
func (s *uploadService) History(ctx context.Context, limit int) ([]model.UploadRecord, error) {
	if s.history == nil {
		return []model.UploadRecord{}, nil
	}
	return s.history.List(ctx, limit)
}

// HistoryRecord 返回某个会话的历史记录。未配置历史存储时返回 repository.ErrRecordNotFound。
func (s *uploadService) HistoryRecord(ctx context.Context, sessionID string) (*model.UploadRecord, error) {
	if s.history == nil {
		return nil, repository.ErrRecordNotFound
	}
	return s.history.FindBySessionID(ctx, sessionID)
}

// Profiles 返回可用的校验场景名。
func (s *uploadService) Profiles() []string {
	return s.registry.Names()
}

// Subscribe 订阅会话与配额事件。
func (s *uploadService) Subscribe(buffer int) (<-chan events.Event, func()) {
	return s.bus.Subscribe(buffer)
}

// Shutdown 拒绝新的上传，中断进行中的传输并等待所有任务结束。
func (s *uploadService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.shutOnce.Do(func() {
		log.Info("[UploadService] 正在关闭，中断进行中的上传")
		s.stopAll()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.bus.Close()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
