package publish_test

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/boutiques/bosh/internal/descriptor"
	"github.com/boutiques/bosh/internal/publish"
	"github.com/boutiques/bosh/internal/zenodo"
	"github.com/boutiques/bosh/internal/zenodo/zenodotest"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/time/rate"
)

const (
	goodToken = "hAaW2wSBZMskxpfigTYHcuDrCPWr2VeQZgBLErKbfF5RdrKhzzJi8i2hnN8r"
	badToken  = "12345"
)

const example1 = `{
    "name": "Example Boutiques Tool",
    "tool-version": "v0.9.5",
    "author": "Boutiques team",
    "description": "Tool description",
    "command-line": "tool_exe [PARAM1]",
    "schema-version": "0.5",
    "inputs": []
}
`

const example1Updated = `{
    "name": "Example Boutiques Tool",
    "tool-version": "v0.9.6",
    "description": "Tool description, updated",
    "command-line": "tool_exe [PARAM1] [PARAM2]",
    "schema-version": "0.5",
    "inputs": []
}
`

const example1WithDOI = `{
    "name": "Example Boutiques Tool",
    "tool-version": "v0.9.5",
    "description": "Tool description",
    "command-line": "tool_exe [PARAM1]",
    "schema-version": "0.5",
    "inputs": [],
    "doi": "10.5072/zenodo.1234567"
}
`

// memTokens is an in-memory TokenStore.
type memTokens struct {
	tokens map[bool]string
	saves  int
}

func newMemTokens() *memTokens {
	return &memTokens{tokens: map[bool]string{}}
}

func (m *memTokens) Load(sandbox bool) (string, error) {
	return m.tokens[sandbox], nil
}

func (m *memTokens) Save(sandbox bool, token string) error {
	m.saves++
	m.tokens[sandbox] = token
	return nil
}

type fixture struct {
	srv    *zenodotest.Server
	tokens *memTokens
	pub    *publish.Publisher
	// sandbox records the sandbox flag of the last connect call
	sandbox bool
}

func newFixture(t *testing.T, opts ...publish.Option) *fixture {
	t.Helper()
	f := &fixture{
		srv:    zenodotest.NewServer(t, goodToken),
		tokens: newMemTokens(),
	}
	connect := func(token string, sandbox bool) publish.Registry {
		f.sandbox = sandbox
		return zenodo.NewClient(
			zenodo.WithBaseURL(f.srv.APIURL()),
			zenodo.WithToken(token),
			zenodo.WithRateLimit(rate.Inf),
		)
	}
	f.pub = publish.New(connect, append([]publish.Option{publish.WithTokenStore(f.tokens)}, opts...)...)
	return f
}

func writeDescriptor(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "example1_docker.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readDOI(t *testing.T, path string) string {
	t.Helper()
	d, err := descriptor.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	return d.DOI()
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestPublish_NewRecord(t *testing.T) {
	f := newFixture(t)
	path := writeDescriptor(t, example1)

	res, err := f.pub.Publish(context.Background(), path, publish.Request{Sandbox: true, Token: goodToken})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if res.DOI != "10.5072/zenodo.1234567" {
		t.Errorf("DOI = %q, want 10.5072/zenodo.1234567", res.DOI)
	}
	if res.Intent.Action != publish.ActionNew {
		t.Errorf("Action = %v, want new", res.Intent.Action)
	}
	if got := readDOI(t, path); got != res.DOI {
		t.Errorf("descriptor doi = %q, want %q", got, res.DOI)
	}
	if !f.sandbox {
		t.Error("connect was not asked for the sandbox")
	}

	want := []string{
		zenodotest.RouteAuth,
		zenodotest.RouteSearch,
		zenodotest.RouteCreate,
		zenodotest.RouteUpload,
		zenodotest.RouteMetadata,
		zenodotest.RoutePublish,
	}
	if diff := cmp.Diff(want, f.srv.Calls()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}

	dep, _ := f.srv.Deposition(res.DepositID)
	if len(dep.Files) != 1 || dep.Files[0].Filename != "example1_docker.json" {
		t.Fatalf("files = %+v", dep.Files)
	}
	if string(dep.Files[0].Content) != example1 {
		t.Errorf("uploaded content differs from the descriptor")
	}
	if dep.Metadata["title"] != "Example Boutiques Tool" {
		t.Errorf("metadata title = %v", dep.Metadata["title"])
	}
}

func TestPublish_KeepsOtherFields(t *testing.T) {
	f := newFixture(t)
	path := writeDescriptor(t, example1)

	if _, err := f.pub.Publish(context.Background(), path, publish.Request{Token: goodToken}); err != nil {
		t.Fatal(err)
	}
	want := strings.TrimSuffix(example1, "\n}\n") + ",\n    \"doi\": \"10.5072/zenodo.1234567\"\n}\n"
	if diff := cmp.Diff(want, readFile(t, path)); diff != "" {
		t.Errorf("descriptor mismatch (-want +got):\n%s", diff)
	}
}

func TestPublish_AlreadyHasDOI(t *testing.T) {
	f := newFixture(t)
	path := writeDescriptor(t, example1WithDOI)

	_, err := f.pub.Publish(context.Background(), path, publish.Request{Sandbox: true, Token: goodToken})
	if !errors.Is(err, publish.ErrAlreadyPublished) {
		t.Fatalf("Publish() error = %v, want ErrAlreadyPublished", err)
	}
	if !strings.Contains(err.Error(), "Descriptor already has a DOI") {
		t.Errorf("error message = %q", err)
	}
	if n := len(f.srv.Calls()); n != 0 {
		t.Errorf("network calls = %d, want 0", n)
	}
	if readFile(t, path) != example1WithDOI {
		t.Error("descriptor was modified")
	}
}

func TestPublish_ThenUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := publish.Request{Sandbox: true, Token: goodToken}

	path := writeDescriptor(t, example1)
	first, err := f.pub.Publish(ctx, path, req)
	if err != nil {
		t.Fatalf("first Publish() error = %v", err)
	}

	// Publishing the same file again is refused.
	if _, err := f.pub.Publish(ctx, path, req); !errors.Is(err, publish.ErrAlreadyPublished) {
		t.Fatalf("second Publish() error = %v, want ErrAlreadyPublished", err)
	}

	// An updated descriptor without a DOI is matched by title.
	updated := writeDescriptor(t, example1Updated)
	second, err := f.pub.Publish(ctx, updated, req)
	if err != nil {
		t.Fatalf("updated Publish() error = %v", err)
	}
	if second.Intent.Action != publish.ActionNewVersion || second.Intent.Source != publish.SourceSearch {
		t.Errorf("Intent = %+v, want new version from search", second.Intent)
	}
	if second.Intent.BaseID != first.DepositID {
		t.Errorf("BaseID = %d, want %d", second.Intent.BaseID, first.DepositID)
	}
	if second.DOI == first.DOI {
		t.Errorf("new DOI %q equals the first one", second.DOI)
	}
	if got := readDOI(t, updated); got != second.DOI {
		t.Errorf("descriptor doi = %q, want %q", got, second.DOI)
	}

	dep, _ := f.srv.Deposition(second.DepositID)
	if dep.Parent != first.DepositID {
		t.Errorf("Parent = %d, want %d", dep.Parent, first.DepositID)
	}
	if len(dep.Files) != 1 || string(dep.Files[0].Content) != example1Updated {
		t.Errorf("new version files = %+v, want only the updated descriptor", dep.Files)
	}
}

func TestPublish_ExplicitID(t *testing.T) {
	f := newFixture(t)
	base := f.srv.Seed("Example Boutiques Tool")
	path := writeDescriptor(t, example1)

	res, err := f.pub.Publish(context.Background(), path, publish.Request{
		Sandbox:    true,
		Token:      goodToken,
		ExplicitID: "zenodo.1234567",
	})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if base.ID != 1234567 {
		t.Fatalf("seeded id = %d", base.ID)
	}
	if res.DOI != "10.5072/zenodo.2345678" {
		t.Errorf("DOI = %q, want 10.5072/zenodo.2345678", res.DOI)
	}
	if got := readDOI(t, path); got != res.DOI {
		t.Errorf("descriptor doi = %q, want %q", got, res.DOI)
	}
	if f.srv.Count(zenodotest.RouteSearch) != 0 {
		t.Error("explicit id must not search")
	}
	if f.srv.Count(zenodotest.RouteCreate) != 0 {
		t.Error("explicit id must not create a new record")
	}
	if f.srv.Count(zenodotest.RouteDeleteFile) != 1 {
		t.Errorf("inherited file deletions = %d, want 1", f.srv.Count(zenodotest.RouteDeleteFile))
	}
}

func TestPublish_ReplaceUsesDOI(t *testing.T) {
	f := newFixture(t)
	f.srv.Seed("Example Boutiques Tool")
	path := writeDescriptor(t, example1WithDOI)

	res, err := f.pub.Publish(context.Background(), path, publish.Request{
		Sandbox: true,
		Token:   goodToken,
		Replace: true,
	})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if res.Intent.Source != publish.SourceDOI || res.Intent.BaseID != 1234567 {
		t.Errorf("Intent = %+v, want base 1234567 from doi", res.Intent)
	}
	if res.PreviousDOI != "10.5072/zenodo.1234567" {
		t.Errorf("PreviousDOI = %q", res.PreviousDOI)
	}
	if res.DOI != "10.5072/zenodo.2345678" {
		t.Errorf("DOI = %q, want 10.5072/zenodo.2345678", res.DOI)
	}
	if got := readDOI(t, path); got != res.DOI {
		t.Errorf("descriptor doi = %q, want %q", got, res.DOI)
	}

	// The doi key keeps its position.
	d, err := descriptor.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if last := d.Fields[len(d.Fields)-1].Key; last != "doi" {
		t.Errorf("last field = %q, want doi", last)
	}
	if len(d.Fields) != 7 {
		t.Errorf("field count = %d, want 7", len(d.Fields))
	}
}

func TestPublish_AmbiguousSearch(t *testing.T) {
	f := newFixture(t)
	f.srv.Seed("Example Boutiques Tool")
	f.srv.Seed("Example Boutiques Tool")
	path := writeDescriptor(t, example1)

	_, err := f.pub.Publish(context.Background(), path, publish.Request{Token: goodToken})
	if !errors.Is(err, publish.ErrAmbiguousMatch) {
		t.Fatalf("Publish() error = %v, want ErrAmbiguousMatch", err)
	}
	if f.srv.MutatingCalls() != 0 {
		t.Errorf("mutating calls = %d, want 0", f.srv.MutatingCalls())
	}
}

func TestPublish_Authentication(t *testing.T) {
	tests := []struct {
		name      string
		token     string
		wantCalls int
	}{
		{"bad token", badToken, 1},
		{"no token", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			path := writeDescriptor(t, example1)

			_, err := f.pub.Publish(context.Background(), path, publish.Request{Sandbox: true, Token: tt.token})
			if !errors.Is(err, publish.ErrAuthentication) {
				t.Fatalf("Publish() error = %v, want ErrAuthentication", err)
			}
			if !strings.Contains(err.Error(), "Cannot authenticate to Zenodo") {
				t.Errorf("error message = %q", err)
			}
			if n := len(f.srv.Calls()); n != tt.wantCalls {
				t.Errorf("calls = %v, want %d", f.srv.Calls(), tt.wantCalls)
			}
			if f.srv.MutatingCalls() != 0 {
				t.Errorf("mutating calls = %d, want 0", f.srv.MutatingCalls())
			}
			if f.tokens.saves != 0 {
				t.Errorf("token saves = %d, want 0", f.tokens.saves)
			}
			if readFile(t, path) != example1 {
				t.Error("descriptor was modified")
			}
		})
	}
}

func TestPublish_CachesExplicitToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.pub.Publish(ctx, writeDescriptor(t, example1), publish.Request{Sandbox: true, Token: goodToken}); err != nil {
		t.Fatalf("Publish() with token error = %v", err)
	}
	if f.tokens.tokens[true] != goodToken {
		t.Fatalf("sandbox token not cached: %v", f.tokens.tokens)
	}
	if _, ok := f.tokens.tokens[false]; ok {
		t.Error("production token must not be written by a sandbox run")
	}

	// Without a token the cached one is used and not saved again.
	res, err := f.pub.Publish(ctx, writeDescriptor(t, example1Updated), publish.Request{Sandbox: true})
	if err != nil {
		t.Fatalf("Publish() with cached token error = %v", err)
	}
	if res.DOI == "" {
		t.Error("empty DOI")
	}
	if f.tokens.saves != 1 {
		t.Errorf("token saves = %d, want 1", f.tokens.saves)
	}

	// The production instance has no cached token.
	_, err = f.pub.Publish(ctx, writeDescriptor(t, example1), publish.Request{})
	if !errors.Is(err, publish.ErrAuthentication) {
		t.Errorf("Publish() on production error = %v, want ErrAuthentication", err)
	}
}

func TestPublish_NotFound(t *testing.T) {
	f := newFixture(t)
	path := writeDescriptor(t, example1)

	_, err := f.pub.Publish(context.Background(), path, publish.Request{Token: goodToken, ExplicitID: "zenodo.42"})
	if !errors.Is(err, publish.ErrNotFound) {
		t.Fatalf("Publish() error = %v, want ErrNotFound", err)
	}
	if !errors.Is(err, zenodo.ErrNotFound) {
		t.Errorf("error %v does not wrap zenodo.ErrNotFound", err)
	}
	var stepErr *publish.StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("error %T is not a StepError", err)
	}
	if stepErr.Step != publish.StepNewVersion || stepErr.Stage != publish.StagePending || stepErr.DepositID != 0 {
		t.Errorf("StepError = %+v", stepErr)
	}
	if readFile(t, path) != example1 {
		t.Error("descriptor was modified")
	}
}

func TestPublish_InvalidID(t *testing.T) {
	f := newFixture(t)
	path := writeDescriptor(t, example1)

	_, err := f.pub.Publish(context.Background(), path, publish.Request{Token: goodToken, ExplicitID: "zenodo.abc"})
	if !errors.Is(err, publish.ErrInvalidID) {
		t.Fatalf("Publish() error = %v, want ErrInvalidID", err)
	}
	if n := len(f.srv.Calls()); n != 0 {
		t.Errorf("network calls = %d, want 0", n)
	}
}

func TestPublish_StepFailureLeavesFileAlone(t *testing.T) {
	tests := []struct {
		route     string
		step      string
		stage     publish.Stage
		wantDepID bool
	}{
		{zenodotest.RouteCreate, publish.StepCreate, publish.StagePending, false},
		{zenodotest.RouteUpload, publish.StepUpload, publish.StageCreated, true},
		{zenodotest.RouteMetadata, publish.StepUpdateMetadata, publish.StageFileAttached, true},
		{zenodotest.RoutePublish, publish.StepPublish, publish.StageMetadataSet, true},
	}
	for _, tt := range tests {
		t.Run(tt.route, func(t *testing.T) {
			f := newFixture(t)
			f.srv.Fail[tt.route] = http.StatusInternalServerError
			path := writeDescriptor(t, example1)

			_, err := f.pub.Publish(context.Background(), path, publish.Request{Token: goodToken})
			var stepErr *publish.StepError
			if !errors.As(err, &stepErr) {
				t.Fatalf("Publish() error = %v, want StepError", err)
			}
			if stepErr.Step != tt.step {
				t.Errorf("Step = %q, want %q", stepErr.Step, tt.step)
			}
			if stepErr.Stage != tt.stage {
				t.Errorf("Stage = %v, want %v", stepErr.Stage, tt.stage)
			}
			if (stepErr.DepositID != 0) != tt.wantDepID {
				t.Errorf("DepositID = %d", stepErr.DepositID)
			}
			var apiErr *zenodo.APIError
			if !errors.As(err, &apiErr) || !strings.Contains(apiErr.Message, "injected failure") {
				t.Errorf("provider message not carried: %v", err)
			}
			if readFile(t, path) != example1 {
				t.Error("descriptor was modified")
			}
		})
	}
}

func TestPublish_NewVersionStepFailures(t *testing.T) {
	tests := []struct {
		route string
		step  string
	}{
		{zenodotest.RouteListFiles, publish.StepListFiles},
		{zenodotest.RouteDeleteFile, publish.StepDeleteFile},
	}
	for _, tt := range tests {
		t.Run(tt.route, func(t *testing.T) {
			f := newFixture(t)
			f.srv.Seed("Example Boutiques Tool")
			f.srv.Fail[tt.route] = http.StatusBadGateway
			path := writeDescriptor(t, example1WithDOI)

			_, err := f.pub.Publish(context.Background(), path, publish.Request{Token: goodToken, Replace: true})
			var stepErr *publish.StepError
			if !errors.As(err, &stepErr) {
				t.Fatalf("Publish() error = %v, want StepError", err)
			}
			if stepErr.Step != tt.step || stepErr.Stage != publish.StageCreated || stepErr.DepositID != 2345678 {
				t.Errorf("StepError = %+v", stepErr)
			}
			if f.srv.Count(zenodotest.RouteUpload) != 0 {
				t.Error("upload attempted after a failed step")
			}
			if readFile(t, path) != example1WithDOI {
				t.Error("descriptor was modified")
			}
		})
	}
}

func TestPublish_ConfirmDeclined(t *testing.T) {
	var asked publish.Intent
	f := newFixture(t, publish.WithConfirm(func(i publish.Intent) (bool, error) {
		asked = i
		return false, nil
	}))
	path := writeDescriptor(t, example1)

	_, err := f.pub.Publish(context.Background(), path, publish.Request{Token: goodToken})
	if !errors.Is(err, publish.ErrCancelled) {
		t.Fatalf("Publish() error = %v, want ErrCancelled", err)
	}
	if asked.Action != publish.ActionNew {
		t.Errorf("confirm asked about %+v", asked)
	}
	if f.srv.MutatingCalls() != 0 {
		t.Errorf("mutating calls = %d, want 0", f.srv.MutatingCalls())
	}
}

func TestPublish_MissingDescriptor(t *testing.T) {
	f := newFixture(t)
	_, err := f.pub.Publish(context.Background(), filepath.Join(t.TempDir(), "none.json"), publish.Request{Token: goodToken})
	if err == nil {
		t.Fatal("Publish() expected error")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error = %v, want not exist", err)
	}
	if len(f.srv.Calls()) != 0 {
		t.Error("network used for a missing descriptor")
	}
}
