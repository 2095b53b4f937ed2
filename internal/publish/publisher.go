// Package publish decides how a descriptor is published to Zenodo and runs
// the remote deposit sequence.
//
// A run moves a deposition through Pending → Created → FileAttached →
// MetadataSet → Published. Each transition is one remote call. Nothing is
// rolled back on failure; the returned StepError names the deposition and the
// stage it was left in. The local descriptor is rewritten only after the
// remote publish call succeeds.
package publish

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"path/filepath"

	"github.com/boutiques/bosh/internal/descriptor"
	"github.com/boutiques/bosh/internal/zenodo"
)

// Stage is the remote state reached by a run.
type Stage int

const (
	StagePending Stage = iota
	StageCreated
	StageFileAttached
	StageMetadataSet
	StagePublished
)

func (s Stage) String() string {
	switch s {
	case StagePending:
		return "pending"
	case StageCreated:
		return "created"
	case StageFileAttached:
		return "file-attached"
	case StageMetadataSet:
		return "metadata-set"
	case StagePublished:
		return "published"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Registry is the remote API used by the Publisher. *zenodo.Client
// implements it.
type Registry interface {
	Authenticate(ctx context.Context) error
	SearchByTitle(ctx context.Context, title string) iter.Seq2[zenodo.Record, error]
	CreateDeposition(ctx context.Context) (*zenodo.Deposition, error)
	NewVersion(ctx context.Context, baseID int64) (int64, error)
	ListFiles(ctx context.Context, id int64) ([]zenodo.File, error)
	DeleteFile(ctx context.Context, id int64, fileID string) error
	UploadFile(ctx context.Context, id int64, filename string, content []byte) (*zenodo.File, error)
	UpdateMetadata(ctx context.Context, id int64, md zenodo.Metadata) error
	Publish(ctx context.Context, id int64) (*zenodo.Deposition, error)
}

// ConnectFunc builds a Registry for a token and instance.
type ConnectFunc func(token string, sandbox bool) Registry

// TokenStore caches the access token between invocations.
type TokenStore interface {
	Load(sandbox bool) (string, error)
	Save(sandbox bool, token string) error
}

// ConfirmFunc is asked before any remote state changes. Returning false
// cancels the publication.
type ConfirmFunc func(Intent) (bool, error)

// Result describes a successful publication.
type Result struct {
	DOI         string
	PreviousDOI string
	DepositID   int64
	Intent      Intent
}

// Publisher publishes descriptors. It keeps no state between calls.
type Publisher struct {
	connect ConnectFunc
	tokens  TokenStore
	confirm ConfirmFunc
	logger  *slog.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithTokenStore sets where tokens are loaded from and cached to.
func WithTokenStore(ts TokenStore) Option {
	return func(p *Publisher) {
		p.tokens = ts
	}
}

// WithConfirm sets the confirmation hook.
func WithConfirm(fn ConfirmFunc) Option {
	return func(p *Publisher) {
		p.confirm = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a Publisher that reaches Zenodo through connect.
func New(connect ConnectFunc, opts ...Option) *Publisher {
	p := &Publisher{
		connect: connect,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish publishes the descriptor at path and writes the new DOI into it.
func (p *Publisher) Publish(ctx context.Context, path string, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	d, err := descriptor.Load(path)
	if err != nil {
		return nil, err
	}
	if intent, rejected := CheckLocal(d, req); rejected {
		return nil, intent.Err()
	}
	if d.Name() == "" {
		return nil, descriptor.ErrMissingName
	}

	reg, err := p.authenticate(ctx, req)
	if err != nil {
		return nil, err
	}

	intent, err := Decide(ctx, d, req, reg)
	if err != nil {
		return nil, err
	}
	if intent.Action == ActionReject {
		return nil, intent.Err()
	}
	p.logger.InfoContext(ctx, "publication decided", "action", intent.Action, "base", intent.BaseID, "source", intent.Source)

	if p.confirm != nil {
		ok, err := p.confirm(intent)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrCancelled
		}
	}

	r := &run{reg: reg, logger: p.logger}
	dep, err := r.execute(ctx, d, intent)
	if err != nil {
		return nil, err
	}

	if dep.ID == 0 {
		dep.ID = r.id
	}

	previous := d.DOI()
	err = d.SetDOI(dep.DOI)
	if err == nil {
		err = d.Save()
	}
	if err != nil {
		return nil, &StepError{Step: StepWriteLocal, Stage: StagePublished, DepositID: dep.ID, DOI: dep.DOI, Err: err}
	}
	p.logger.InfoContext(ctx, "descriptor updated", "path", path, "doi", dep.DOI)

	return &Result{
		DOI:         dep.DOI,
		PreviousDOI: previous,
		DepositID:   dep.ID,
		Intent:      intent,
	}, nil
}

// authenticate resolves the token and checks it before any mutating call.
// A token given explicitly is cached once it has been accepted.
func (p *Publisher) authenticate(ctx context.Context, req Request) (Registry, error) {
	token := req.Token
	explicit := token != ""
	if !explicit && p.tokens != nil {
		cached, err := p.tokens.Load(req.Sandbox)
		if err != nil {
			p.logger.WarnContext(ctx, "could not read cached token", "error", err)
		}
		token = cached
	}
	if token == "" {
		return nil, fmt.Errorf("%w: no access token, pass --zenodo-token", ErrAuthentication)
	}

	reg := p.connect(token, req.Sandbox)
	if err := reg.Authenticate(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	p.logger.DebugContext(ctx, "authenticated", "sandbox", req.Sandbox)

	if explicit && p.tokens != nil {
		if err := p.tokens.Save(req.Sandbox, token); err != nil {
			p.logger.WarnContext(ctx, "could not cache token", "error", err)
		}
	}
	return reg, nil
}

// run drives one deposition through its stages.
type run struct {
	reg    Registry
	logger *slog.Logger
	id     int64
	stage  Stage
}

func (r *run) fail(step string, err error) error {
	return &StepError{Step: step, Stage: r.stage, DepositID: r.id, Err: err}
}

func (r *run) advance(ctx context.Context, s Stage) {
	r.stage = s
	r.logger.DebugContext(ctx, "deposition stage", "deposit", r.id, "stage", s)
}

func (r *run) execute(ctx context.Context, d *descriptor.Descriptor, intent Intent) (*zenodo.Deposition, error) {
	switch intent.Action {
	case ActionNew:
		dep, err := r.reg.CreateDeposition(ctx)
		if err != nil {
			return nil, r.fail(StepCreate, err)
		}
		r.id = dep.ID
		r.advance(ctx, StageCreated)

	case ActionNewVersion:
		id, err := r.reg.NewVersion(ctx, intent.BaseID)
		if err != nil {
			if zenodo.IsNotFound(err) {
				err = fmt.Errorf("%w: %s: %w", ErrNotFound, zenodo.FormatID(intent.BaseID), err)
			}
			return nil, r.fail(StepNewVersion, err)
		}
		r.id = id
		r.advance(ctx, StageCreated)

		// A new version inherits the previous files, and Zenodo refuses a
		// second file with the same name.
		files, err := r.reg.ListFiles(ctx, r.id)
		if err != nil {
			return nil, r.fail(StepListFiles, err)
		}
		for _, f := range files {
			if err := r.reg.DeleteFile(ctx, r.id, f.ID); err != nil {
				return nil, r.fail(StepDeleteFile, fmt.Errorf("%s: %w", f.Filename, err))
			}
			r.logger.DebugContext(ctx, "deleted inherited file", "deposit", r.id, "file", f.Filename)
		}

	default:
		return nil, fmt.Errorf("cannot execute intent %s", intent)
	}

	filename := filepath.Base(d.Path)
	if _, err := r.reg.UploadFile(ctx, r.id, filename, d.Source()); err != nil {
		return nil, r.fail(StepUpload, err)
	}
	r.advance(ctx, StageFileAttached)

	if err := r.reg.UpdateMetadata(ctx, r.id, BuildMetadata(d)); err != nil {
		return nil, r.fail(StepUpdateMetadata, err)
	}
	r.advance(ctx, StageMetadataSet)

	dep, err := r.reg.Publish(ctx, r.id)
	if err != nil {
		return nil, r.fail(StepPublish, err)
	}
	r.advance(ctx, StagePublished)
	return dep, nil
}
