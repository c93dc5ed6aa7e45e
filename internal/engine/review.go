package engine

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
	"go.uber.org/zap"
)

var (
	ErrReviewNotFound = errors.New("review: request not found")
	ErrAlreadyDecided = errors.New("review: request already decided")
	ErrReviewPending  = errors.New("review: request is still pending")
	ErrReviewRejected = errors.New("review: request was rejected")
)

// ReviewStore — постоянное хранилище очереди (postgres.ApprovalRepo)
type ReviewStore interface {
	CreateApproval(ctx context.Context, req *domain.ApprovalRequest) error
	UpdateApprovalStatus(ctx context.Context, req *domain.ApprovalRequest) error
	FindApprovals(ctx context.Context, status domain.ApprovalStatus) ([]*domain.ApprovalRequest, error)
}

type storeJob struct {
	run  func(ctx context.Context) error
	done chan error // nil — fire-and-forget
}

// ReviewQueue хранит запросы, остановленные с ESCALATE или DEFER.
// Запись в хранилище идет через одного воркера: создание и решение не переставляются местами.
type ReviewQueue struct {
	mu     sync.RWMutex
	items  map[string]*domain.ApprovalRequest
	tokens map[string]string // hash(token) -> review id

	decideMu sync.Mutex

	store   ReviewStore
	jobs    chan storeJob
	wg      sync.WaitGroup
	closeMu sync.RWMutex
	closed  bool
	timeout time.Duration

	now    func() time.Time
	logger *zap.Logger
}

type ReviewOption func(*ReviewQueue)

func WithReviewStore(store ReviewStore) ReviewOption {
	return func(q *ReviewQueue) { q.store = store }
}

func WithReviewClock(now func() time.Time) ReviewOption {
	return func(q *ReviewQueue) { q.now = now }
}

func NewReviewQueue(logger *zap.Logger, opts ...ReviewOption) *ReviewQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &ReviewQueue{
		items:   make(map[string]*domain.ApprovalRequest),
		tokens:  make(map[string]string),
		timeout: 5 * time.Second,
		now:     time.Now,
		logger:  logger.Named("reviews"),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Start запускает воркер персистентности. Без хранилища ничего не делает.
func (q *ReviewQueue) Start() {
	if q.store == nil {
		return
	}
	q.jobs = make(chan storeJob, 1024)
	q.wg.Add(1)
	go q.worker()
}

// Stop дожидается записи накопленных задач
func (q *ReviewQueue) Stop() {
	q.closeMu.Lock()
	if q.closed || q.jobs == nil {
		q.closed = true
		q.closeMu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.closeMu.Unlock()
	q.wg.Wait()
}

func (q *ReviewQueue) worker() {
	defer q.wg.Done()
	for job := range q.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		err := job.run(ctx)
		cancel()
		if job.done != nil {
			job.done <- err
			continue
		}
		if err != nil {
			q.logger.Error("failed to persist review", zap.Error(err))
		}
	}
}

// submit ставит задачу воркеру. Синхронные задачи ждут результата.
func (q *ReviewQueue) submit(run func(ctx context.Context) error, wait bool) error {
	if q.store == nil {
		return nil
	}
	q.closeMu.RLock()
	if q.jobs == nil || q.closed {
		q.closeMu.RUnlock()
		if wait {
			ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
			defer cancel()
			return run(ctx)
		}
		return nil
	}
	job := storeJob{run: run}
	if wait {
		job.done = make(chan error, 1)
		q.jobs <- job
		q.closeMu.RUnlock()
		return <-job.done
	}
	select {
	case q.jobs <- job:
	default:
		q.logger.Error("review persistence queue is full, request kept in memory only")
	}
	q.closeMu.RUnlock()
	return nil
}

// Restore загружает очередь из хранилища при старте
func (q *ReviewQueue) Restore(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	all, err := q.store.FindApprovals(ctx, "")
	if err != nil {
		return fmt.Errorf("review: restore: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range all {
		c := *r
		c.Token = ""
		q.items[c.ID] = &c
		if c.Status == domain.StatusApproved && c.TokenHash != "" {
			q.tokens[c.TokenHash] = c.ID
		}
	}
	q.logger.Info("review queue restored", zap.Int("count", len(all)))
	return nil
}

// RequestFingerprint связывает токен с конкретным запросом: агент, инструмент и аргументы.
// encoding/json сортирует ключи, поэтому отпечаток детерминирован.
func RequestFingerprint(req domain.ToolCallRequest) string {
	args, err := json.Marshal(req.Arguments)
	if err != nil {
		args = []byte(fmt.Sprint(req.Arguments))
	}
	h := sha256.New()
	h.Write([]byte(req.AgentID))
	h.Write([]byte{0})
	h.Write([]byte(req.Tool))
	h.Write([]byte{0})
	h.Write(args)
	return hex.EncodeToString(h.Sum(nil))
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Enqueue сохраняет исходный запрос под заранее выданным ID
func (q *ReviewQueue) Enqueue(id string, req domain.ToolCallRequest, d domain.Decision) domain.ApprovalRequest {
	now := q.now().UTC()
	item := &domain.ApprovalRequest{
		ID:          id,
		AgentID:     req.AgentID,
		Tool:        req.Tool,
		Verdict:     d.Verdict,
		Rule:        d.Rule,
		Reason:      d.Reason,
		Request:     req.WithToken(""),
		Status:      domain.StatusPending,
		Fingerprint: RequestFingerprint(req),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	q.mu.Lock()
	q.items[id] = item
	q.mu.Unlock()

	stored := *item
	_ = q.submit(func(ctx context.Context) error { return q.store.CreateApproval(ctx, &stored) }, false)
	return *item
}

func (q *ReviewQueue) Get(id string) (domain.ApprovalRequest, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	r, ok := q.items[id]
	if !ok {
		return domain.ApprovalRequest{}, false
	}
	return *r, true
}

// List возвращает запросы по статусу ("" — все) в порядке создания
func (q *ReviewQueue) List(status domain.ApprovalStatus) []domain.ApprovalRequest {
	q.mu.RLock()
	out := make([]domain.ApprovalRequest, 0, len(q.items))
	for _, r := range q.items {
		if status == "" || r.Status == status {
			out = append(out, *r)
		}
	}
	q.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.ApprovalRequest) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// Decide переводит запрос из PENDING. При одобрении токен возвращается один раз,
// в очереди остается только его хэш.
func (q *ReviewQueue) Decide(id string, approve bool, reviewerID, comment string) (domain.ApprovalRequest, error) {
	q.decideMu.Lock()
	defer q.decideMu.Unlock()

	cur, ok := q.Get(id)
	if !ok {
		return domain.ApprovalRequest{}, ErrReviewNotFound
	}
	next := domain.StatusRejected
	if approve {
		next = domain.StatusApproved
	}
	if err := cur.CanTransitionTo(next); err != nil {
		return domain.ApprovalRequest{}, fmt.Errorf("%w: %s", ErrAlreadyDecided, cur.Status)
	}

	updated := cur
	updated.Status = next
	updated.UpdatedAt = q.now().UTC()
	if reviewerID != "" {
		updated.ReviewerID = &reviewerID
	}
	if comment != "" {
		updated.Comment = &comment
	}
	var token string
	if approve {
		token = uuid.NewString()
		updated.TokenHash = hashToken(token)
	}

	stored := updated
	err := q.submit(func(ctx context.Context) error { return q.store.UpdateApprovalStatus(ctx, &stored) }, true)
	if errors.Is(err, domain.ErrAlreadyProcessed) {
		return domain.ApprovalRequest{}, ErrAlreadyDecided
	}
	if err != nil {
		return domain.ApprovalRequest{}, fmt.Errorf("review: persist decision: %w", err)
	}

	q.mu.Lock()
	q.items[id] = &updated
	if approve {
		q.tokens[updated.TokenHash] = id
	}
	q.mu.Unlock()

	q.logger.Info("review decided",
		zap.String("review_id", id),
		zap.String("agent_id", updated.AgentID),
		zap.String("status", string(next)),
		zap.String("reviewer_id", reviewerID))

	updated.Token = token
	return updated, nil
}

// Authorize проверяет токен: одобренный запрос с тем же отпечатком
func (q *ReviewQueue) Authorize(token string, req domain.ToolCallRequest) bool {
	if token == "" {
		return false
	}
	q.mu.RLock()
	id, ok := q.tokens[hashToken(token)]
	var item *domain.ApprovalRequest
	if ok {
		item = q.items[id]
	}
	q.mu.RUnlock()
	if item == nil || item.Status != domain.StatusApproved {
		return false
	}
	return item.Fingerprint == RequestFingerprint(req)
}

// approved возвращает исходный запрос для повторного прогона
func (q *ReviewQueue) approved(id string) (domain.ApprovalRequest, error) {
	r, ok := q.Get(id)
	if !ok {
		return domain.ApprovalRequest{}, ErrReviewNotFound
	}
	switch r.Status {
	case domain.StatusPending:
		return domain.ApprovalRequest{}, ErrReviewPending
	case domain.StatusRejected:
		return domain.ApprovalRequest{}, ErrReviewRejected
	}
	return r, nil
}

// Pending — число запросов, ожидающих решения
func (q *ReviewQueue) Pending() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	n := 0
	for _, r := range q.items {
		if r.Status == domain.StatusPending {
			n++
		}
	}
	return n
}
