package persist

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gogpu/tilecanvas/tile"
)

const (
	recordExt  = ".tile"
	tempMarker = ".tmp-"
)

// layout maps tile coordinates to paths under a root directory.
type layout struct {
	root        string
	regionTiles int
}

// dir returns the region directory holding c.
func (l layout) dir(c tile.Coord) string {
	r := c.Region(l.regionTiles)
	return filepath.Join(l.root,
		"L"+strconv.Itoa(c.Layer),
		"R"+strconv.Itoa(r.X)+"_"+strconv.Itoa(r.Y))
}

// prefix is the file name prefix shared by every version of c.
func prefix(c tile.Coord) string {
	return strconv.Itoa(c.X) + "_" + strconv.Itoa(c.Y) + ".v"
}

// path returns the record path of version v of c.
func (l layout) path(c tile.Coord, v uint64) string {
	return filepath.Join(l.dir(c), prefix(c)+strconv.FormatUint(v, 10)+recordExt)
}

// tempPattern is the CreateTemp pattern for a pending version of c.
func tempPattern(c tile.Coord, v uint64) string {
	return "." + prefix(c) + strconv.FormatUint(v, 10) + tempMarker + "*"
}

// versions lists the published versions of c, unsorted.
func (l layout) versions(fsys FS, c tile.Coord) ([]uint64, error) {
	entries, err := fsys.ReadDir(l.dir(c))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p := prefix(c)
	var out []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, p) || !strings.HasSuffix(name, recordExt) {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, p), recordExt), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// latest returns the highest published version of c, or 0 if none.
func (l layout) latest(fsys FS, c tile.Coord) (uint64, error) {
	vs, err := l.versions(fsys, c)
	if err != nil {
		return 0, err
	}
	var hi uint64
	for _, v := range vs {
		hi = max(hi, v)
	}
	return hi, nil
}

// isTemp reports whether name is an unpublished temporary record.
func isTemp(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, tempMarker)
}
