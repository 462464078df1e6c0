package trainer

import (
	"bytes"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/pkg/errors"
	"gonum.org/v1/plot/vg"

	"mnist-forge/internal/config"
	"mnist-forge/internal/metrics"
)

type summary struct {
	RunID       string
	Device      string
	NumParams   int
	TrainItems  int
	ValidItems  int
	Steps       int
	Training    config.TrainingConfig
	History     *metrics.History
	ArtifactDir string
}

func (s summary) render() []byte {
	var buf bytes.Buffer
	tw := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run\t%s\n", s.RunID)
	fmt.Fprintf(tw, "device\t%s\n", s.Device)
	fmt.Fprintf(tw, "parameters\t%d\n", s.NumParams)
	fmt.Fprintf(tw, "train items\t%d\n", s.TrainItems)
	fmt.Fprintf(tw, "valid items\t%d\n", s.ValidItems)
	fmt.Fprintf(tw, "epochs\t%d\n", s.Training.NumEpochs)
	fmt.Fprintf(tw, "batch size\t%d\n", s.Training.BatchSize)
	fmt.Fprintf(tw, "learning rate\t%g\n", s.Training.LearningRate)
	fmt.Fprintf(tw, "seed\t%d\n", s.Training.Seed)
	fmt.Fprintf(tw, "optimizer steps\t%d\n", s.Steps)
	fmt.Fprintf(tw, "artifacts\t%s\n", s.ArtifactDir)
	tw.Flush()
	buf.WriteString("\n")

	if len(s.History.Epochs) == 0 {
		buf.WriteString("no epochs were run\n")
		return buf.Bytes()
	}

	tw = tabwriter.NewWriter(&buf, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "epoch\ttrain loss\ttrain acc %\tvalid loss\tvalid acc %\tseconds\t")
	for _, m := range s.History.Epochs {
		fmt.Fprintf(tw, "%d\t%.4f\t%.2f\t%.4f\t%.2f\t%.1f\t\n",
			m.Epoch, m.TrainLoss, m.TrainAccuracy, m.ValidLoss, m.ValidAccuracy, m.Seconds)
	}
	tw.Flush()
	if best, ok := s.History.Best(); ok {
		fmt.Fprintf(&buf, "\nbest valid accuracy %.2f%% at epoch %d\n", best.ValidAccuracy, best.Epoch)
	}
	return buf.Bytes()
}

func writeSummary(path string, s summary) error {
	return errors.Wrapf(os.WriteFile(path, s.render(), 0o644), "write summary %s", path)
}

func writePlot(path string, h *metrics.History) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create plot %s", path)
	}
	if err := metrics.WriteSummarySVG(f, h, 10*vg.Inch, 4*vg.Inch); err != nil {
		f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "close plot %s", path)
}
