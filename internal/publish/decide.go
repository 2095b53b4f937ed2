package publish

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/boutiques/bosh/internal/descriptor"
	"github.com/boutiques/bosh/internal/zenodo"
)

// Request is the normalized set of publish flags.
type Request struct {
	Sandbox    bool   // use the sandbox instance
	Replace    bool   // allow republishing a descriptor that has a DOI
	ExplicitID string // target record, zenodo.<n>
	Token      string // explicit access token; empty means use the TokenStore
}

// Validate checks the flags that can be checked without the descriptor.
func (r Request) Validate() error {
	if r.ExplicitID == "" {
		return nil
	}
	if _, err := zenodo.ParseID(r.ExplicitID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return nil
}

// Action is the kind of publication to perform.
type Action int

const (
	ActionReject Action = iota
	ActionNew
	ActionNewVersion
)

func (a Action) String() string {
	switch a {
	case ActionNew:
		return "new"
	case ActionNewVersion:
		return "new-version"
	default:
		return "reject"
	}
}

// Source says where the base record of a new version came from.
type Source string

const (
	SourceExplicitID Source = "id"
	SourceDOI        Source = "doi"
	SourceSearch     Source = "search"
)

// Intent is the decision for one publish invocation.
type Intent struct {
	Action Action
	BaseID int64  // ActionNewVersion only
	Source Source // ActionNewVersion only
	Reason string // ActionReject only
}

// Err returns the error carried by a rejected intent, or nil.
func (i Intent) Err() error {
	if i.Action != ActionReject {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrAlreadyPublished, i.Reason)
}

func (i Intent) String() string {
	switch i.Action {
	case ActionNew:
		return "publish a new Zenodo record"
	case ActionNewVersion:
		return fmt.Sprintf("publish a new version of %s (from %s)", zenodo.FormatID(i.BaseID), i.Source)
	default:
		return "reject: " + i.Reason
	}
}

// Searcher finds published records by title.
type Searcher interface {
	SearchByTitle(ctx context.Context, title string) iter.Seq2[zenodo.Record, error]
}

// CheckLocal applies the rules that need no network access. It reports a
// rejection when the descriptor already has a DOI and neither --replace nor
// --id was given.
func CheckLocal(d *descriptor.Descriptor, req Request) (Intent, bool) {
	if d.HasDOI() && !req.Replace && req.ExplicitID == "" {
		return Intent{
			Action: ActionReject,
			Reason: fmt.Sprintf("%s is already published; use --replace to publish a new version", d.DOI()),
		}, true
	}
	return Intent{}, false
}

// Decide resolves the publication intent for d. Search is used only when
// the descriptor has no DOI and no --id is given.
func Decide(ctx context.Context, d *descriptor.Descriptor, req Request, s Searcher) (Intent, error) {
	if intent, rejected := CheckLocal(d, req); rejected {
		return intent, nil
	}

	if req.ExplicitID != "" {
		id, err := zenodo.ParseID(req.ExplicitID)
		if err != nil {
			return Intent{}, fmt.Errorf("%w: %v", ErrInvalidID, err)
		}
		return Intent{Action: ActionNewVersion, BaseID: id, Source: SourceExplicitID}, nil
	}

	if d.HasDOI() {
		id, err := zenodo.ParseDOI(d.DOI())
		if err != nil {
			return Intent{}, fmt.Errorf("%w: %v", ErrInvalidID, err)
		}
		return Intent{Action: ActionNewVersion, BaseID: id, Source: SourceDOI}, nil
	}

	name := d.Name()
	if name == "" {
		return Intent{}, descriptor.ErrMissingName
	}

	var matches []zenodo.Record
	for rec, err := range s.SearchByTitle(ctx, name) {
		if err != nil {
			return Intent{}, fmt.Errorf("searching Zenodo for %q: %w", name, err)
		}
		// Search is fuzzy; only exact titles count.
		if rec.Title() == name {
			matches = append(matches, rec)
		}
	}

	switch len(matches) {
	case 0:
		return Intent{Action: ActionNew}, nil
	case 1:
		return Intent{Action: ActionNewVersion, BaseID: matches[0].ID, Source: SourceSearch}, nil
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = zenodo.FormatID(m.ID)
		}
		return Intent{}, fmt.Errorf("%w %q: %s; pass --id to choose one", ErrAmbiguousMatch, name, strings.Join(ids, ", "))
	}
}
