package resource

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/relaysync/relay/internal/errdefs"
	"github.com/relaysync/relay/internal/fsutil"
)

// Participates reports whether l takes part in syncing. The central store
// always does; a client only when its container directory exists, so relay
// never creates directories for tools that are not installed.
func Participates(l Location) (bool, error) {
	if l.IsCentral() {
		return true, nil
	}
	info, err := os.Stat(l.Container())
	switch {
	case err == nil:
		return info.IsDir(), nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", errdefs.ErrIO, err)
	}
}

// Names lists the resource names present at l. Missing containers are
// empty; hidden entries are ignored.
func Names(l Location) ([]string, error) {
	if l.Ability.Singleton() {
		info, err := os.Stat(l.Path)
		switch {
		case err == nil && info.Mode().IsRegular():
			return []string{""}, nil
		case err == nil, errors.Is(err, fs.ErrNotExist):
			return nil, nil
		default:
			return nil, fmt.Errorf("%w: %v", errdefs.ErrIO, err)
		}
	}

	entries, err := os.ReadDir(l.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", errdefs.ErrIO, err)
	}

	var names []string
	for _, e := range entries {
		if fsutil.IsHidden(e.Name()) {
			continue
		}
		p := filepath.Join(l.Path, e.Name())
		// Stat follows a symlinked command file or skill directory.
		info, err := os.Stat(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue // dangling symlink
			}
			return nil, fmt.Errorf("%w: %v", errdefs.ErrIO, err)
		}
		switch l.Ability {
		case Command:
			if info.Mode().IsRegular() {
				names = append(names, e.Name())
			}
		case Skill:
			if info.IsDir() && hasManifest(p) {
				names = append(names, e.Name())
			}
		}
	}
	return names, nil
}

func hasManifest(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, Manifest))
	return err == nil && info.Mode().IsRegular()
}

// LoadAll enumerates the union of resources over locs and loads every
// instance. Unreadable locations and instances are left out of the result
// and reported as a *errdefs.PartialFailure; the resources that could be
// read are still returned.
func LoadAll(locs []Location) ([]*Resource, error) {
	var pf errdefs.PartialFailure
	active := participating(locs, &pf)

	seen := make(map[Key]bool)
	var keys []Key
	for _, l := range active {
		names, err := Names(l)
		if err != nil {
			pf.Add(l.Path, err)
			continue
		}
		for _, n := range names {
			k := Key{Ability: l.Ability, Name: n}
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	return load(active, keys, &pf), pf.OrNil()
}

// LoadKeys loads only the given resources. A key with no instance anywhere
// yields a resource with only empty slots.
func LoadKeys(locs []Location, keys ...Key) ([]*Resource, error) {
	var pf errdefs.PartialFailure
	active := participating(locs, &pf)
	return load(active, keys, &pf), pf.OrNil()
}

func participating(locs []Location, pf *errdefs.PartialFailure) []Location {
	var active []Location
	for _, l := range locs {
		ok, err := Participates(l)
		if err != nil {
			pf.Add(l.Path, err)
			continue
		}
		if ok {
			active = append(active, l)
		}
	}
	return active
}

func load(active []Location, keys []Key, pf *errdefs.PartialFailure) []*Resource {
	resources := make([]*Resource, 0, len(keys))
	for _, k := range keys {
		r := &Resource{Key: k}
		for _, l := range active {
			if l.Ability != k.Ability {
				continue
			}
			slot, err := loadSlot(l, k)
			if err != nil {
				pf.Add(l.PathFor(k.Name), err)
				continue
			}
			r.Slots = append(r.Slots, slot)
		}
		resources = append(resources, r)
	}
	return resources
}

func loadSlot(l Location, k Key) (*Slot, error) {
	p, err := fsutil.ResolveSymlink(l.PathFor(k.Name))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrIO, err)
	}
	slot := &Slot{Location: l, Path: p}

	// A skill directory without a manifest is not an instance, but it is
	// still a valid target.
	if k.Ability == Skill && !hasManifest(p) {
		return slot, nil
	}

	content, mtime, exists, err := readContent(k.Ability.Kind(), p)
	if err != nil {
		return nil, err
	}
	if !exists {
		return slot, nil
	}
	slot.Instance = &Instance{
		Key:         k,
		Location:    l,
		Path:        p,
		Content:     content,
		ModTime:     mtime,
		Fingerprint: Fingerprint(k.Ability, content),
	}
	return slot, nil
}
