// Package zenodo provides a client for the Zenodo deposit and records REST API.
package zenodo

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Deposition is a deposit as returned by /deposit/depositions.
type Deposition struct {
	ID        int64           `json:"id"`
	DOI       string          `json:"doi,omitempty"`
	ConceptID string          `json:"conceptrecid,omitempty"`
	State     string          `json:"state,omitempty"`
	Submitted bool            `json:"submitted"`
	Title     string          `json:"title,omitempty"`
	Files     []File          `json:"files,omitempty"`
	Links     DepositionLinks `json:"links"`
	Metadata  *Metadata       `json:"metadata,omitempty"`
}

// DepositionLinks holds the hypermedia links of a deposition.
type DepositionLinks struct {
	Self        string `json:"self,omitempty"`
	HTML        string `json:"html,omitempty"`
	Bucket      string `json:"bucket,omitempty"`
	LatestDraft string `json:"latest_draft,omitempty"`
	Latest      string `json:"latest,omitempty"`
}

// File is a file attached to a deposition.
type File struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Filesize int64  `json:"filesize,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// Creator is a record author.
type Creator struct {
	Name        string `json:"name"`
	Affiliation string `json:"affiliation,omitempty"`
	ORCID       string `json:"orcid,omitempty"`
}

// RelatedIdentifier links a record to another resource.
type RelatedIdentifier struct {
	Identifier   string `json:"identifier"`
	Relation     string `json:"relation"`
	ResourceType string `json:"resource_type,omitempty"`
}

// Metadata is the deposition metadata accepted by PUT /deposit/depositions/{id}.
type Metadata struct {
	Title              string              `json:"title"`
	UploadType         string              `json:"upload_type"`
	Description        string              `json:"description"`
	Creators           []Creator           `json:"creators"`
	Version            string              `json:"version,omitempty"`
	Keywords           []string            `json:"keywords,omitempty"`
	RelatedIdentifiers []RelatedIdentifier `json:"related_identifiers,omitempty"`
}

// Record is a published record as returned by /records.
type Record struct {
	ID       int64  `json:"id"`
	DOI      string `json:"doi,omitempty"`
	Metadata struct {
		Title    string   `json:"title"`
		Version  string   `json:"version,omitempty"`
		Keywords []string `json:"keywords,omitempty"`
	} `json:"metadata"`
	Links struct {
		HTML string `json:"html,omitempty"`
	} `json:"links"`
}

// Title returns the record title.
func (r Record) Title() string {
	return r.Metadata.Title
}

// searchResponse is the envelope of GET /records.
type searchResponse struct {
	Hits struct {
		Hits  []Record `json:"hits"`
		Total int      `json:"total"`
	} `json:"hits"`
	Links struct {
		Next string `json:"next,omitempty"`
	} `json:"links"`
}

// errorResponse is the body Zenodo returns on 4xx/5xx.
type errorResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Errors  []struct {
		Field   string   `json:"field"`
		Message string   `json:"message"`
		Msgs    []string `json:"messages"`
	} `json:"errors"`
}

// IDPrefix is the prefix of provider ids given on the command line.
const IDPrefix = "zenodo."

var (
	// Matches: zenodo.1234567 or 1234567
	idPattern = regexp.MustCompile(`^(?:zenodo\.)?([0-9]+)$`)
	// Matches: 10.5281/zenodo.1234567, optionally as a doi.org URL
	doiPattern = regexp.MustCompile(`^(?:https?://(?:dx\.)?doi\.org/)?10\.[0-9]{4,9}/zenodo\.([0-9]+)$`)
)

// ParseID parses a provider id of the form zenodo.<n> (or a bare <n>).
func ParseID(s string) (int64, error) {
	m := idPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("invalid Zenodo id %q: expected %s<number>", s, IDPrefix)
	}
	return parsePositive(m[1], s)
}

// ParseDOI extracts the deposit id from a Zenodo DOI (<prefix>/zenodo.<n>).
func ParseDOI(doi string) (int64, error) {
	m := doiPattern.FindStringSubmatch(strings.TrimSpace(doi))
	if m == nil {
		return 0, fmt.Errorf("invalid Zenodo DOI %q: expected <prefix>/zenodo.<number>", doi)
	}
	return parsePositive(m[1], doi)
}

func parsePositive(digits, input string) (int64, error) {
	id, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid Zenodo id in %q", input)
	}
	return id, nil
}

// FormatID formats a deposit id as zenodo.<n>.
func FormatID(id int64) string {
	return IDPrefix + strconv.FormatInt(id, 10)
}
