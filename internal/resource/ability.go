package resource

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/relaysync/relay/internal/blob"
	"github.com/relaysync/relay/internal/frontmatter"
)

// Warning is a non-fatal observation made while planning.
type Warning struct {
	Key    Key
	Owners []string
	// Err is set for soft errors such as errdefs.ErrMalformedFrontmatter.
	Err     error
	Message string
}

func (w Warning) String() string {
	var b strings.Builder
	b.WriteString(w.Key.String())
	if len(w.Owners) > 0 {
		b.WriteString(" [" + strings.Join(w.Owners, ", ") + "]")
	}
	b.WriteString(": " + w.Message)
	if w.Err != nil {
		b.WriteString(": " + w.Err.Error())
	}
	return b.String()
}

// Fingerprint hashes the parts of content that matter when comparing
// instances. Files compare byte for byte. Skills ignore every manifest
// header field except name and description, and ignore file modes.
func Fingerprint(a Ability, c Content) string {
	if a != Skill {
		return string(blob.Sum(c.Data))
	}

	h := blake3.New()
	field := func(s []byte) {
		var n [binary.MaxVarintLen64]byte
		_, _ = h.Write(n[:binary.PutUvarint(n[:], uint64(len(s)))])
		_, _ = h.Write(s)
	}

	manifest, _ := c.File(Manifest)
	doc := frontmatter.Parse(manifest)
	if doc.Eligible() {
		field([]byte("fm"))
		field([]byte(doc.Name))
		field([]byte(doc.Description))
		field(doc.Body)
	} else {
		field([]byte("raw"))
		field(manifest)
	}
	for _, f := range c.Files {
		if f.Path == Manifest {
			continue
		}
		field([]byte(f.Path))
		field(f.Data)
	}
	return "fp:" + hex.EncodeToString(h.Sum(nil))
}

// Reconcile computes what target must become to match winner. It reports
// false when target is already equal under the ability's comparison rule.
// A nil target means the resource is absent there.
func (a Ability) Reconcile(winner, target *Instance) (Content, bool, []Warning) {
	if target != nil && target.Fingerprint == winner.Fingerprint {
		return Content{}, false, nil
	}
	switch a {
	case Skill:
		return reconcileSkill(winner, target)
	default:
		return winner.Content, true, nil
	}
}

// reconcileSkill replaces the target tree with the winner's. When both
// manifests carry an eligible header, the target's header is kept and only
// name and description are taken from the winner.
func reconcileSkill(winner, target *Instance) (Content, bool, []Warning) {
	wm, _ := winner.Content.File(Manifest)
	wdoc := frontmatter.Parse(wm)

	var warnings []Warning
	manifest := wm
	if !wdoc.Eligible() {
		warnings = append(warnings, Warning{
			Key:     winner.Key,
			Owners:  []string{winner.Location.Owner},
			Err:     wdoc.Err(),
			Message: "manifest mirrored verbatim",
		})
	} else if target != nil {
		if tm, ok := target.Content.File(Manifest); ok {
			if merged, ok := frontmatter.Merge(frontmatter.Parse(tm), wdoc); ok {
				manifest = merged
			}
		}
	}

	files := make([]File, 0, len(winner.Content.Files))
	for _, f := range winner.Content.Files {
		if f.Path == Manifest {
			f.Data = manifest
		}
		files = append(files, f)
	}
	return TreeContent(files), true, warnings
}
