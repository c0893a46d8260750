package fileop

import (
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/agavesync/internal/filetree"
)

// Speculate returns a ref for p, creating provisional nodes for the parts
// of the path not yet known and requesting whatever would confirm them. A
// known node is returned as is. It returns a nil Ref when the tree already
// proves p cannot exist.
func (o *Operator) Speculate(p string, folder bool) filetree.Ref {
	p = filetree.Clean(p)
	if ref := o.tree.Resolve(p); !ref.IsNil() {
		return ref
	}
	base := o.tree.ClosestKnownAncestor(p)
	if base.IsNil() {
		return filetree.Ref{}
	}
	added := strings.TrimPrefix(p, base.Path)
	return o.SpeculateFrom(base, added, folder)
}

// SpeculateFrom walks added below base. See Speculate.
func (o *Operator) SpeculateFrom(base filetree.Ref, added string, folder bool) filetree.Ref {
	if !o.tree.Extant(base) {
		return filetree.Ref{}
	}

	cur := base
	parts := filetree.Split(added)
	for i, name := range parts {
		if next := o.tree.Child(cur, name); !next.IsNil() {
			cur = next
			continue
		}
		if o.tree.Kind(cur) != filetree.Dir {
			o.log.Debug("invalid file speculation path", zap.String("path", cur.Path), zap.String("child", name))
			return filetree.Ref{}
		}
		if o.tree.ListState(cur) == filetree.Loaded {
			// The listing is complete and the child is not in it.
			return filetree.Ref{}
		}

		kind := filetree.Dir
		if i == len(parts)-1 && !folder {
			kind = filetree.File
		}
		next := o.tree.AddProvisional(cur, name, kind)
		o.RefreshFolder(cur, false)
		if !o.tree.Extant(next) {
			return filetree.Ref{}
		}
		cur = next
	}

	if folder {
		if o.tree.Kind(cur) == filetree.Dir && o.tree.ListState(cur) != filetree.Loaded {
			o.RefreshFolder(cur, false)
		}
	} else if _, ok := o.tree.Buffer(cur); !ok {
		o.DownloadBuffer(cur)
	}
	return cur
}
