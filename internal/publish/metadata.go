package publish

import (
	"regexp"
	"strings"

	"github.com/boutiques/bosh/internal/descriptor"
	"github.com/boutiques/bosh/internal/zenodo"
)

// DefaultCreator is used when the descriptor names no author.
const DefaultCreator = "Anonymous"

// authorSeparator splits "A, B and C" style author lists.
var authorSeparator = regexp.MustCompile(`\s*(?:,|;|\band\b|&)\s*`)

// BuildMetadata derives the record metadata from a descriptor.
func BuildMetadata(d *descriptor.Descriptor) zenodo.Metadata {
	name := d.Name()

	desc := strings.TrimSpace(d.String(descriptor.FieldDescription))
	if desc == "" {
		desc = "Boutiques descriptor for " + name
	}

	md := zenodo.Metadata{
		Title:       name,
		UploadType:  "software",
		Description: desc,
		Creators:    creators(d.String(descriptor.FieldAuthor)),
		Version:     d.String(descriptor.FieldToolVersion),
		Keywords:    []string{"Boutiques"},
	}

	if v := d.String(descriptor.FieldSchemaVersion); v != "" {
		md.Keywords = append(md.Keywords, "schema-version:"+v)
	}
	md.Keywords = append(md.Keywords, d.Tags()...)
	if ct := d.ContainerType(); ct != "" {
		md.Keywords = append(md.Keywords, ct)
	}

	if u := d.String(descriptor.FieldURL); u != "" {
		md.RelatedIdentifiers = []zenodo.RelatedIdentifier{{
			Identifier: u,
			Relation:   "isSupplementTo",
		}}
	}
	return md
}

func creators(author string) []zenodo.Creator {
	var out []zenodo.Creator
	for _, name := range authorSeparator.Split(author, -1) {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, zenodo.Creator{Name: name})
		}
	}
	if len(out) == 0 {
		out = []zenodo.Creator{{Name: DefaultCreator}}
	}
	return out
}
