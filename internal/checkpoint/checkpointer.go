// Package checkpoint persists model and optimizer state between epochs.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const fileExt = ".rec.gz"

var fileRegexp = regexp.MustCompile(`^([a-z]+)-([0-9]+)\.rec\.gz$`)

// FileCheckpointer stores one file per record kind and epoch under a directory
// and keeps only the most recent epochs.
type FileCheckpointer struct {
	dir      string
	recorder Recorder
	keep     int
}

// NewFileCheckpointer creates dir if needed. keep <= 0 retains every epoch.
func NewFileCheckpointer(dir string, recorder Recorder, keep int) (*FileCheckpointer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create checkpoint dir %s", dir)
	}
	return &FileCheckpointer{dir: dir, recorder: recorder, keep: keep}, nil
}

// Dir returns the checkpoint directory.
func (c *FileCheckpointer) Dir() string { return c.dir }

// Path returns the file holding kind at epoch.
func (c *FileCheckpointer) Path(kind string, epoch int) string {
	return filepath.Join(c.dir, fmt.Sprintf("%s-%d%s", kind, epoch, fileExt))
}

// Save writes rec as the checkpoint for rec.Kind at epoch.
func (c *FileCheckpointer) Save(epoch int, rec Record) error {
	rec.Epoch = epoch
	path := c.Path(rec.Kind, epoch)
	if err := c.recorder.Save(path, rec); err != nil {
		return errors.Wrapf(err, "save %s checkpoint for epoch %d", rec.Kind, epoch)
	}
	klog.V(2).InfoS("checkpoint written", "kind", rec.Kind, "epoch", epoch, "path", path)
	return nil
}

// Load reads the checkpoint for kind at epoch.
func (c *FileCheckpointer) Load(kind string, epoch int) (Record, error) {
	rec, err := c.recorder.Load(c.Path(kind, epoch))
	if err != nil {
		return Record{}, errors.Wrapf(err, "load %s checkpoint for epoch %d", kind, epoch)
	}
	if rec.Kind != kind {
		return Record{}, errors.Errorf("checkpoint %s holds kind %q", c.Path(kind, epoch), rec.Kind)
	}
	return rec, nil
}

// Prune removes every checkpoint older than the retention window ending at
// epoch.
func (c *FileCheckpointer) Prune(epoch int) error {
	if c.keep <= 0 {
		return nil
	}
	entries, err := c.list()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.epoch > epoch-c.keep {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, e.name)); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove checkpoint %s", e.name)
		}
		klog.V(2).InfoS("checkpoint pruned", "file", e.name)
	}
	return nil
}

// PruneAfter removes every checkpoint written for an epoch later than epoch.
// Resuming from an earlier epoch uses it so the abandoned epochs are not
// mistaken for the latest state.
func (c *FileCheckpointer) PruneAfter(epoch int) error {
	entries, err := c.list()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.epoch <= epoch {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, e.name)); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove checkpoint %s", e.name)
		}
		klog.V(1).InfoS("stale checkpoint removed", "file", e.name, "resume_epoch", epoch)
	}
	return nil
}

// Epochs lists the epochs that have a checkpoint of kind, ascending.
func (c *FileCheckpointer) Epochs(kind string) ([]int, error) {
	entries, err := c.list()
	if err != nil {
		return nil, err
	}
	var epochs []int
	for _, e := range entries {
		if e.kind == kind {
			epochs = append(epochs, e.epoch)
		}
	}
	sort.Ints(epochs)
	return epochs, nil
}

type entry struct {
	name  string
	kind  string
	epoch int
}

func (c *FileCheckpointer) list() ([]entry, error) {
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "list checkpoints in %s", c.dir)
	}
	var out []entry
	for _, d := range dirEntries {
		if d.IsDir() {
			continue
		}
		m := fileRegexp.FindStringSubmatch(d.Name())
		if m == nil {
			continue
		}
		epoch, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		out = append(out, entry{name: d.Name(), kind: m[1], epoch: epoch})
	}
	return out, nil
}
