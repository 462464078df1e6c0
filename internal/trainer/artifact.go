package trainer

import (
	"os"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"mnist-forge/internal/config"
)

// ErrArtifactCleanup reports that a previous run's artifacts could not be removed.
var ErrArtifactCleanup = errors.New("trainer: artifact cleanup failed")

var removeAll = os.RemoveAll

// PrepareArtifactDir removes dir and recreates it empty. Under the strict
// policy a failed removal is returned wrapped in ErrArtifactCleanup; under the
// lenient policy it is logged and the stale contents stay.
func PrepareArtifactDir(dir, policy string) error {
	if err := removeAll(dir); err != nil {
		if policy != config.CleanupLenient {
			return errors.Wrapf(ErrArtifactCleanup, "remove %s: %v", dir, err)
		}
		klog.Warningf("could not clear artifact dir %s, continuing with stale files: %v", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create artifact dir %s", dir)
	}
	return nil
}
