package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/epicflow/internal/checkpoint"

// Checkpoint is one recorded transition.
type Checkpoint struct {
	ID   string
	Time time.Time
	Message
}

// Author signs checkpoint commits.
type Author struct {
	Name  string
	Email string
}

// DefaultAuthor is used when no author is configured.
var DefaultAuthor = Author{Name: "epicflow", Email: "epicflow@localhost"}

// Committer writes checkpoints into a git repository. Commits are
// serialized, so checkpoints from concurrently running epics never
// interleave their staging.
type Committer struct {
	repo   *git.Repository
	dir    string
	root   string
	author Author
	now    func() time.Time
	logger *zap.Logger
	tracer trace.Tracer

	mu sync.Mutex
}

// Option configures a Committer.
type Option func(*options)

type options struct {
	init   bool
	author Author
	now    func() time.Time
	logger *zap.Logger
}

// WithInit creates the repository when dir is not inside one.
func WithInit() Option {
	return func(o *options) { o.init = true }
}

// WithAuthor sets the commit signature.
func WithAuthor(a Author) Option {
	return func(o *options) {
		if a.Name != "" {
			o.author.Name = a.Name
		}
		if a.Email != "" {
			o.author.Email = a.Email
		}
	}
}

// WithClock overrides the commit timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Open returns a Committer for the repository containing dir. Relative file
// paths passed to Commit are resolved against dir.
func Open(dir string, opts ...Option) (*Committer, error) {
	o := options{author: DefaultAuthor, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}

	repo, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) && o.init {
		repo, err = git.PlainInit(abs, false)
	}
	if err != nil {
		return nil, fmt.Errorf("open repository at %s: %w", abs, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}

	return &Committer{
		repo:   repo,
		dir:    abs,
		root:   wt.Filesystem.Root(),
		author: o.author,
		now:    o.now,
		logger: o.logger,
		tracer: otel.Tracer(instrumentationName),
	}, nil
}

// Root returns the repository worktree root.
func (c *Committer) Root() string { return c.root }

// Commit stages files and records msg as one commit. Either every file is
// staged and committed or the index is restored to its prior state and an
// error returned. A tracked file missing on disk is staged as a deletion;
// an untracked missing file is skipped. Changes already staged in the index
// are committed along with the files. Empty commits are allowed.
func (c *Committer) Commit(ctx context.Context, epicID string, files []string, msg Message) (string, error) {
	ctx, span := c.tracer.Start(ctx, "checkpoint.commit")
	defer span.End()

	msg.EpicID = epicID
	span.SetAttributes(
		attribute.String("epic.id", epicID),
		attribute.String("phase", msg.Phase),
		attribute.String("event", string(msg.Event)),
	)

	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	wt, err := c.repo.Worktree()
	if err != nil {
		return "", c.fail(span, fmt.Errorf("open worktree: %w", err))
	}
	prior, err := c.snapshotIndex()
	if err != nil {
		return "", c.fail(span, fmt.Errorf("read index: %w", err))
	}

	for _, f := range files {
		rel, abs, err := c.resolve(f)
		if err != nil {
			c.restoreIndex(prior)
			return "", c.fail(span, err)
		}
		if _, err := os.Stat(abs); errors.Is(err, os.ErrNotExist) {
			if _, err := prior.Entry(rel); err != nil {
				continue
			}
			if _, err := wt.Remove(rel); err != nil {
				c.restoreIndex(prior)
				return "", c.fail(span, fmt.Errorf("stage deletion of %s: %w", rel, err))
			}
			continue
		}
		if _, err := wt.Add(rel); err != nil {
			c.restoreIndex(prior)
			return "", c.fail(span, fmt.Errorf("stage %s: %w", rel, err))
		}
	}

	sig := &object.Signature{Name: c.author.Name, Email: c.author.Email, When: c.now()}
	hash, err := wt.Commit(msg.Format(), &git.CommitOptions{
		Author:            sig,
		Committer:         sig,
		AllowEmptyCommits: true,
	})
	if err != nil {
		c.restoreIndex(prior)
		return "", c.fail(span, fmt.Errorf("commit: %w", err))
	}

	id := hash.String()
	span.SetAttributes(attribute.String("checkpoint.id", id))
	c.logger.Debug("checkpoint committed",
		zap.String("epic.id", epicID),
		zap.String("checkpoint", id),
		zap.String("event", string(msg.Event)),
		zap.Int("files", len(files)),
	)
	return id, nil
}

// History returns the epic's checkpoints, oldest first. A repository with
// no commits has an empty history.
func (c *Committer) History(ctx context.Context, epicID string) ([]Checkpoint, error) {
	_, span := c.tracer.Start(ctx, "checkpoint.history")
	defer span.End()
	span.SetAttributes(attribute.String("epic.id", epicID))

	head, err := c.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, c.fail(span, fmt.Errorf("resolve HEAD: %w", err))
	}

	iter, err := c.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, c.fail(span, fmt.Errorf("read log: %w", err))
	}
	defer iter.Close()

	var out []Checkpoint
	err = iter.ForEach(func(commit *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, ok := ParseMessage(commit.Message)
		if !ok || m.EpicID != epicID {
			return nil
		}
		out = append(out, Checkpoint{ID: commit.Hash.String(), Time: commit.Author.When, Message: m})
		return nil
	})
	if err != nil {
		return nil, c.fail(span, fmt.Errorf("walk log: %w", err))
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	span.SetAttributes(attribute.Int("checkpoints", len(out)))
	return out, nil
}

// CurrentBranch returns the branch HEAD points at, or "" when detached.
func (c *Committer) CurrentBranch() (string, error) {
	ref, err := c.repo.Reference(plumbing.HEAD, false)
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	if ref.Type() == plumbing.SymbolicReference && ref.Target().IsBranch() {
		return ref.Target().Short(), nil
	}
	return "", nil
}

func (c *Committer) resolve(f string) (rel, abs string, err error) {
	abs = f
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(c.dir, f)
	}
	r, err := filepath.Rel(c.root, abs)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("path %s is outside the repository", f)
	}
	return filepath.ToSlash(r), abs, nil
}

// snapshotIndex copies the index so a failed checkpoint can put back
// exactly what was staged before it.
func (c *Committer) snapshotIndex() (*index.Index, error) {
	idx, err := c.repo.Storer.Index()
	if err != nil {
		return nil, err
	}
	cp := *idx
	cp.Entries = make([]*index.Entry, len(idx.Entries))
	for i, e := range idx.Entries {
		entry := *e
		cp.Entries[i] = &entry
	}
	return &cp, nil
}

func (c *Committer) restoreIndex(prior *index.Index) {
	if err := c.repo.Storer.SetIndex(prior); err != nil {
		c.logger.Warn("failed to restore index", zap.Error(err))
	}
}

func (c *Committer) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
