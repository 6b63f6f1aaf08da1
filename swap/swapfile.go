package swap

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"rvkern/defs"
	"rvkern/mem"
)

// Swapdir is where per-process swap files are created. The demo binary and
// the tests point it at a scratch directory; empty means the system temp
// directory.
var Swapdir string

// Swapfile_t is the per-process backing store: a host file holding up to
// MAX_PSYC_PAGES pages, page i at byte offset i*PGSIZE.
type Swapfile_t struct {
	f    *os.File
	path string
}

// Mkswapfile creates the swap file for pid. Creation failure is fatal: a
// kernel that cannot back its pager cannot run the process at all.
func Mkswapfile(pid defs.Pid_t) *Swapfile_t {
	dir := Swapdir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, fmt.Sprintf("swap.%d", pid))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		panic(errors.Wrapf(err, "swapfile for pid %d", pid))
	}
	return &Swapfile_t{f: f, path: path}
}

// Writepage stores one page at slot idx.
func (sf *Swapfile_t) Writepage(idx int, pg *mem.Bytepg_t) error {
	if idx < 0 || idx >= defs.MAX_PSYC_PAGES {
		panic("swapfile: bad slot")
	}
	_, err := sf.f.WriteAt(pg[:], int64(idx*mem.PGSIZE))
	return errors.Wrapf(err, "swapfile write slot %d", idx)
}

// Readpage loads one page from slot idx.
func (sf *Swapfile_t) Readpage(idx int, pg *mem.Bytepg_t) error {
	if idx < 0 || idx >= defs.MAX_PSYC_PAGES {
		panic("swapfile: bad slot")
	}
	_, err := sf.f.ReadAt(pg[:], int64(idx*mem.PGSIZE))
	return errors.Wrapf(err, "swapfile read slot %d", idx)
}

// Close releases the backing file and unlinks it.
func (sf *Swapfile_t) Close() {
	if sf.f == nil {
		return
	}
	sf.f.Close()
	os.Remove(sf.path)
	sf.f = nil
}
