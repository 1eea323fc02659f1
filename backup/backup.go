package backup

import (
	"context"
	"slices"
	"sync"

	infinity "github.com/Code-Hex/go-infinity-channel"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Runner backs up batches of images. Captures share one scratch mount point,
// so a Runner processes one batch at a time.
type Runner struct {
	cfg      Config
	store    *MetadataStore
	planner  *Planner
	capturer *Capturer
	metrics  *Metrics
	sync     func()
	logger   zerolog.Logger

	mu sync.Mutex
}

type runnerOptions struct {
	executor Executor
	docs     DocumentStore
	resolver DeviceResolver
	metrics  *Metrics
	sync     func()
}

// Option configures a Runner.
type Option func(*runnerOptions)

// WithExecutor runs external commands through e.
func WithExecutor(e Executor) Option {
	return func(o *runnerOptions) { o.executor = e }
}

// WithDocumentStore reads and writes metadata documents through d.
func WithDocumentStore(d DocumentStore) Option {
	return func(o *runnerOptions) { o.docs = d }
}

// WithDeviceResolver resolves partition references through r.
func WithDeviceResolver(r DeviceResolver) Option {
	return func(o *runnerOptions) { o.resolver = r }
}

// WithMetrics records batch metrics into m.
func WithMetrics(m *Metrics) Option {
	return func(o *runnerOptions) { o.metrics = m }
}

// NewRunner creates a new Runner.
func NewRunner(cfg Config, opts ...Option) *Runner {
	o := runnerOptions{
		executor: CommandExecutor{},
		docs:     FileStore{},
		sync:     syncFilesystems,
	}
	for _, opt := range opts {
		opt(&o)
	}

	ops := NewBlockOps(o.executor, cfg)
	resolver := o.resolver
	if resolver == nil {
		resolver = NewDeviceResolver(ops)
	}
	return &Runner{
		cfg:      cfg,
		store:    NewMetadataStore(o.docs),
		planner:  NewPlanner(resolver, ops, cfg),
		capturer: NewCapturer(ops, resolver, cfg),
		metrics:  o.metrics,
		sync:     o.sync,
		logger:   log.With().Str("component", "runner").Logger(),
	}
}

// Run backs up requests in order and returns once all of them were
// processed. A failed image is counted and the batch moves on to the next
// one. notify may be nil.
//
// ctx is checked before every image and every partition; once it is done
// the remaining images are counted as failed.
func (r *Runner) Run(ctx context.Context, requests []Request, notify Notifier) Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	logger := r.logger.With().Str("run_id", uuid.NewString()).Logger()

	var total uint64
	for _, req := range requests {
		total += req.BackupSize
	}
	notify.emit(Event{Kind: EventTotalSize, Bytes: int64(total)})
	logger.Info().
		Int("images", len(requests)).
		Str("total_size", humanSize(int64(total))).
		Msg("starting backup batch")

	summary := Summary{Images: len(requests)}
	for _, req := range requests {
		res := ImageResult{Name: req.Name, Folder: req.Folder}
		err := ctx.Err()
		if err == nil {
			res, err = r.processImage(ctx, req, notify, logger)
		}
		res.Err = err
		r.metrics.RecordImage(err)
		if err != nil {
			summary.Failures++
			logger.Error().Err(err).Str("os", req.Name).Msg("image backup failed")
		}
		summary.Results = append(summary.Results, res)
	}

	notify.status("Finish writing (sync)")
	r.sync()
	notify.emit(Event{Kind: EventCompleted, Failures: summary.Failures})

	logger.Info().Int("images", summary.Images).Int("failures", summary.Failures).Msg("backup batch finished")
	return summary
}

// Start runs the batch on its own goroutine and returns its events. Events
// are queued without bound so the worker never waits for the reader. The
// channel is closed after EventCompleted.
func (r *Runner) Start(ctx context.Context, requests []Request) <-chan Event {
	queue := infinity.NewChannel[Event]()
	requests = slices.Clone(requests)
	go func() {
		defer queue.Close()
		r.Run(ctx, requests, func(ev Event) { queue.In() <- ev })
	}()
	return queue.Out()
}

// Plan loads the metadata of req and returns its planned partition
// descriptors without writing anything.
func (r *Runner) Plan(ctx context.Context, req Request) ([]PartitionDescriptor, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	parts, err := r.store.LoadPartitions(req.Folder)
	if err != nil {
		return nil, err
	}
	return r.planner.Plan(ctx, parts, req.Partitions, req.PartSizes)
}
