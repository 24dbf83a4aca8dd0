package coordinator

import (
	"slices"

	"cloudrt/pkg"
)

// Directory is the job-wide view of which worker holds which treelet
type Directory struct {
	owners  map[pkg.TreeletID][]pkg.WorkerID
	loading map[pkg.TreeletID]pkg.WorkerID
}

func NewDirectory() *Directory {
	return &Directory{
		owners:  make(map[pkg.TreeletID][]pkg.WorkerID),
		loading: make(map[pkg.TreeletID]pkg.WorkerID),
	}
}

// Lookup answers a request for treelet from requester. Known owners are returned as is.
// Otherwise the treelet is assigned to the requester unless another worker is already
// loading it, in which case the requester waits for the ownership broadcast.
func (d *Directory) Lookup(treelet pkg.TreeletID, requester pkg.WorkerID) (owners []pkg.WorkerID, assigned bool) {
	if owners := d.owners[treelet]; len(owners) > 0 {
		return slices.Clone(owners), false
	}
	if _, ok := d.loading[treelet]; ok {
		return nil, false
	}
	d.loading[treelet] = requester
	return nil, true
}

// Announce records worker as an owner of treelet. It reports whether the record is new.
func (d *Directory) Announce(treelet pkg.TreeletID, worker pkg.WorkerID) bool {
	if d.loading[treelet] == worker {
		delete(d.loading, treelet)
	}
	owners := d.owners[treelet]
	if slices.Contains(owners, worker) {
		return false
	}
	d.owners[treelet] = append(owners, worker)
	return true
}

// RemoveWorker forgets every record of worker and returns the treelets it was loading or
// owned alone
func (d *Directory) RemoveWorker(worker pkg.WorkerID) []pkg.TreeletID {
	var orphaned []pkg.TreeletID
	for id, w := range d.loading {
		if w == worker {
			delete(d.loading, id)
			orphaned = append(orphaned, id)
		}
	}
	for id, owners := range d.owners {
		idx := slices.Index(owners, worker)
		if idx < 0 {
			continue
		}
		owners = slices.Delete(owners, idx, idx+1)
		if len(owners) == 0 {
			delete(d.owners, id)
			orphaned = append(orphaned, id)
			continue
		}
		d.owners[id] = owners
	}
	slices.Sort(orphaned)
	return orphaned
}

// Owners returns the recorded owners of treelet
func (d *Directory) Owners(treelet pkg.TreeletID) []pkg.WorkerID {
	return slices.Clone(d.owners[treelet])
}

// Loading returns how many treelets are assigned but not yet announced
func (d *Directory) Loading() int {
	return len(d.loading)
}

// Treelets returns how many treelets have at least one owner
func (d *Directory) Treelets() int {
	return len(d.owners)
}
