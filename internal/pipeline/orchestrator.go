// Package pipeline runs a harvest: posts for every target group, then the
// comments of every harvested post, then the profile of every commenter.
// Stages run strictly in sequence; tasks within a stage run on a bounded
// worker pool and persist their own results.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/vk-harvester/internal/crawler"
	runid "github.com/JakeFAU/vk-harvester/internal/id/uuid"
	"github.com/JakeFAU/vk-harvester/internal/progress"
	"github.com/JakeFAU/vk-harvester/internal/queue/memory"
	"github.com/JakeFAU/vk-harvester/internal/store"
	"github.com/JakeFAU/vk-harvester/internal/telemetry"
	"github.com/JakeFAU/vk-harvester/internal/worker"
)

// Stage jitter factors relative to Options.Jitter.
const (
	postsJitterFactor    = 1.0
	commentsJitterFactor = 0.5
	profilesJitterFactor = 0.3
)

// Harvester is the crawl surface the stages drive. *crawler.Harvester
// implements it.
type Harvester interface {
	Posts(ctx context.Context, group string, limit int) ([]crawler.Post, error)
	Comments(ctx context.Context, key crawler.PostKey, limit int) ([]crawler.Comment, error)
	Profile(ctx context.Context, userID int64) (crawler.ProfileBundle, error)
}

// Limiter receives task-level outcomes in the comments and profiles stages.
type Limiter interface {
	Wait(ctx context.Context) error
	ReportSuccess()
	ReportError(ctx context.Context, status int)
}

// TaskHarvester hands one task the harvester it should crawl with and a
// release func the task calls when it ends.
type TaskHarvester func() (Harvester, func(), error)

// RunIDs mints run identifiers.
type RunIDs interface {
	NewRunID() (uuid.UUID, error)
}

// Options selects what a run harvests.
type Options struct {
	Groups             []string
	MaxPosts           int
	MaxCommentsPerPost int
	Workers            int
	// Jitter is the base per-task start delay bound.
	Jitter      time.Duration
	FastMode    bool
	FromStorage bool
}

// Orchestrator runs the three stages.
type Orchestrator struct {
	opts      Options
	harvester Harvester
	perTask   TaskHarvester
	sink      store.Sink
	limiter   Limiter
	emitter   progress.Emitter
	ids       RunIDs
	pauser    crawler.Pauser
	now       func() time.Time
	logger    *zap.Logger
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithEmitter publishes progress events to e.
func WithEmitter(e progress.Emitter) Option {
	return func(o *Orchestrator) { o.emitter = e }
}

// WithTaskHarvester builds a harvester per task instead of sharing the one
// passed to New.
func WithTaskHarvester(fn TaskHarvester) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.perTask = fn
		}
	}
}

// WithRunIDs replaces the run id source.
func WithRunIDs(ids RunIDs) Option {
	return func(o *Orchestrator) {
		if ids != nil {
			o.ids = ids
		}
	}
}

// WithPauser replaces the jitter sleeper.
func WithPauser(p crawler.Pauser) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.pauser = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New builds an Orchestrator. limiter may be nil.
func New(opts Options, harvester Harvester, sink store.Sink, limiter Limiter, options ...Option) *Orchestrator {
	o := &Orchestrator{
		opts:      opts,
		harvester: harvester,
		sink:      sink,
		limiter:   limiter,
		ids:       runid.New(),
		pauser:    crawler.TimerPauser{},
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range options {
		opt(o)
	}
	if o.perTask == nil {
		o.perTask = func() (Harvester, func(), error) { return o.harvester, func() {}, nil }
	}
	o.logger = o.logger.Named("pipeline")
	return o
}

// Run executes every stage. Task failures are counted, never returned; the
// error is non-nil only when ctx ends or a from-storage query fails. The
// report holds whatever completed.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	runID, err := o.ids.NewRunID()
	if err != nil {
		return Report{}, fmt.Errorf("new run id: %w", err)
	}
	r := &run{o: o, id: progress.UUIDToBytes(runID), logger: o.logger.With(zap.String("run_id", runID.String()))}
	if rs, ok := o.limiter.(interface{ Reset() }); ok {
		rs.Reset()
	}
	start := o.now()
	report := Report{RunID: runID.String()}
	r.emit(progress.Event{Kind: progress.KindRunStart})
	r.logger.Info("run started",
		zap.Strings("groups", o.opts.Groups),
		zap.Int("workers", o.workers()),
		zap.Bool("fast_mode", o.opts.FastMode),
		zap.Bool("from_storage", o.opts.FromStorage),
	)

	err = r.execute(ctx, &report)
	report.Wall = o.now().Sub(start)
	if err != nil {
		r.emit(progress.Event{Kind: progress.KindRunError, Dur: report.Wall, Note: err.Error()})
		r.logger.Error("run failed", zap.Duration("wall", report.Wall), zap.Error(err))
		return report, err
	}
	r.emit(progress.Event{Kind: progress.KindRunDone, Dur: report.Wall})
	r.logger.Info("run completed",
		zap.Int("posts", report.Posts.Items),
		zap.Int("comments", report.Comments.Items),
		zap.Int("commenters", report.Comments.UniqueCommenters),
		zap.Int("profiles_saved", report.Profiles.Items),
		zap.Duration("wall", report.Wall),
	)
	return report, nil
}

func (o *Orchestrator) workers() int {
	return max(o.opts.Workers, 1)
}

// jitter returns the start delay bound for a stage.
func (o *Orchestrator) jitter(factor float64) time.Duration {
	if o.opts.FastMode || o.opts.Jitter <= 0 {
		return 0
	}
	return time.Duration(float64(o.opts.Jitter) * factor)
}

type run struct {
	o      *Orchestrator
	id     [16]byte
	logger *zap.Logger
}

func (r *run) emit(evt progress.Event) {
	if r.o.emitter == nil {
		return
	}
	evt.RunID = r.id
	evt.TS = r.o.now()
	r.o.emitter.Emit(evt)
}

func (r *run) execute(ctx context.Context, report *Report) error {
	posts, err := r.postsStage(ctx, report)
	if err != nil {
		return err
	}

	keys := uniquePostKeys(posts)
	if r.o.opts.FromStorage {
		if keys, err = r.o.sink.PostsWithoutComments(ctx); err != nil {
			return fmt.Errorf("load posts without comments: %w", err)
		}
		r.logger.Info("posts without comments loaded", zap.Int("count", len(keys)))
	}
	commenters, err := r.commentsStage(ctx, keys, report)
	if err != nil {
		return err
	}

	if r.o.opts.FromStorage {
		if commenters, err = r.o.sink.CommentersWithoutProfile(ctx); err != nil {
			return fmt.Errorf("load commenters without profile: %w", err)
		}
		r.logger.Info("commenters without profile loaded", zap.Int("count", len(commenters)))
	}
	return r.profilesStage(ctx, commenters, report)
}

func (r *run) postsStage(ctx context.Context, report *Report) ([]crawler.Post, error) {
	stage := string(crawler.StagePosts)
	var groups []string
	if !r.o.opts.FromStorage {
		groups = r.o.opts.Groups
	}
	if len(groups) == 0 {
		r.logger.Info("posts stage skipped", zap.Bool("from_storage", r.o.opts.FromStorage))
		report.Posts = newStatsBuilder(stage).build(0)
		return nil, nil
	}
	limit := r.o.jitter(postsJitterFactor)
	results, stats, err := runStage(ctx, r, stage, groups,
		func(g string) string { return g },
		func(ctx context.Context, group string) ([]crawler.Post, error) {
			r.o.pauser.Pause(ctx, crawler.Jitter(limit))
			h, release, err := r.o.perTask()
			if err != nil {
				return nil, err
			}
			defer release()
			posts, err := h.Posts(ctx, group, r.o.opts.MaxPosts)
			if err != nil {
				return nil, err
			}
			if err := r.o.sink.UpsertPosts(ctx, posts...); err != nil {
				return nil, fmt.Errorf("save posts: %w", err)
			}
			return posts, nil
		},
		func(p []crawler.Post) int { return len(p) },
	)
	report.Posts = stats
	var posts []crawler.Post
	for _, res := range results {
		if res.Err == nil {
			posts = append(posts, res.Output...)
		}
	}
	return posts, err
}

func (r *run) commentsStage(ctx context.Context, keys []crawler.PostKey, report *Report) ([]int64, error) {
	stage := string(crawler.StageComments)
	limit := r.o.jitter(commentsJitterFactor)
	results, stats, err := runStage(ctx, r, stage, keys,
		crawler.PostKey.String,
		func(ctx context.Context, key crawler.PostKey) ([]crawler.Comment, error) {
			r.o.pauser.Pause(ctx, crawler.Jitter(limit))
			if err := r.wait(ctx); err != nil {
				return nil, err
			}
			h, release, err := r.o.perTask()
			if err != nil {
				return nil, err
			}
			defer release()
			comments, err := h.Comments(ctx, key, r.o.opts.MaxCommentsPerPost)
			r.report(ctx, err)
			if err != nil {
				return nil, err
			}
			if err := r.o.sink.UpsertComments(ctx, comments...); err != nil {
				return nil, fmt.Errorf("save comments: %w", err)
			}
			return comments, nil
		},
		func(c []crawler.Comment) int { return len(c) },
	)

	seen := make(map[int64]struct{})
	for _, res := range results {
		if res.Err != nil {
			continue
		}
		for _, c := range res.Output {
			if c.FromID != nil && *c.FromID > 0 {
				seen[*c.FromID] = struct{}{}
			}
		}
	}
	commenters := make([]int64, 0, len(seen))
	for id := range seen {
		commenters = append(commenters, id)
	}
	slices.Sort(commenters)
	stats.UniqueCommenters = len(commenters)
	report.Comments = stats
	return commenters, err
}

func (r *run) profilesStage(ctx context.Context, uids []int64, report *Report) error {
	stage := string(crawler.StageProfiles)
	limit := r.o.jitter(profilesJitterFactor)
	_, stats, err := runStage(ctx, r, stage, uids,
		func(uid int64) string { return "id" + strconv.FormatInt(uid, 10) },
		func(ctx context.Context, uid int64) (bool, error) {
			r.o.pauser.Pause(ctx, crawler.Jitter(limit))
			if err := r.wait(ctx); err != nil {
				return false, err
			}
			h, release, err := r.o.perTask()
			if err != nil {
				return false, err
			}
			defer release()
			bundle, err := h.Profile(ctx, uid)
			r.report(ctx, err)
			if err != nil {
				return false, err
			}
			if bundle.Empty() {
				r.logger.Debug("profile empty", zap.Int64("user_id", uid))
				return false, nil
			}
			if err := r.o.sink.UpsertProfile(ctx, bundle); err != nil {
				return false, fmt.Errorf("save profile: %w", err)
			}
			return true, nil
		},
		func(saved bool) int {
			if saved {
				return 1
			}
			return 0
		},
	)
	report.Profiles = stats
	return err
}

func (r *run) wait(ctx context.Context) error {
	if r.o.limiter == nil {
		return nil
	}
	start := time.Now()
	if err := r.o.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("limiter wait: %w", err)
	}
	telemetry.ObserveRateLimitWait(time.Since(start))
	return nil
}

// report feeds a task outcome to the limiter. Only fetch failures are server
// signals: a page that arrived but did not parse counts as a success and
// cancellation is ignored.
func (r *run) report(ctx context.Context, err error) {
	if r.o.limiter == nil {
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	var fe *crawler.FetchError
	if errors.As(err, &fe) {
		r.o.limiter.ReportError(ctx, fe.StatusCode)
		return
	}
	r.o.limiter.ReportSuccess()
}

// runStage drives one stage through the worker pool, emits per-task progress
// and folds results into StageStats.
func runStage[In, Out any](
	ctx context.Context,
	r *run,
	stage string,
	inputs []In,
	target func(In) string,
	fn func(context.Context, In) (Out, error),
	count func(Out) int,
) ([]worker.Result[In, Out], StageStats, error) {
	r.logger.Info("stage started", zap.String("stage", stage), zap.Int("tasks", len(inputs)))
	start := r.o.now()
	wrapped := func(ctx context.Context, in In) (Out, error) {
		out, err := fn(ctx, in)
		evt := progress.Event{Kind: progress.KindTaskDone, Stage: stage, Target: target(in)}
		if err != nil {
			evt.Kind = progress.KindTaskFailed
			evt.Note = err.Error()
			telemetry.ObserveEntities(stage, "failed", 1)
		} else {
			n := count(out)
			evt.Items = int64(n)
			telemetry.ObserveEntities(stage, "ok", n)
		}
		r.emit(evt)
		return out, err
	}

	results, err := worker.Run[In, Out](ctx, worker.Config{
		Stage:   stage,
		Workers: r.o.workers(),
		Logger:  r.logger,
	}, memory.Fill(inputs), wrapped)

	b := newStatsBuilder(stage)
	for _, res := range results {
		n := 0
		if res.Err == nil {
			n = count(res.Output)
		}
		b.add(target(res.Input), n, res.Elapsed, res.Err)
	}
	stats := b.build(r.o.now().Sub(start))
	logStage(r.logger, stats)
	r.emit(progress.Event{Kind: progress.KindStageDone, Stage: stage, Items: int64(stats.Items), Dur: stats.Wall})
	return results, stats, err
}

func uniquePostKeys(posts []crawler.Post) []crawler.PostKey {
	seen := make(map[crawler.PostKey]struct{}, len(posts))
	keys := make([]crawler.PostKey, 0, len(posts))
	for _, p := range posts {
		k := p.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}
