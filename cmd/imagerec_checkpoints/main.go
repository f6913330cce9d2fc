// imagerec_checkpoints lists the checkpoints of a cache directory: the entries of its manifest and the
// legacy Keras ".h5" files, with their validation metrics.
//
// The checkpoint with the lowest validation loss and the one training resumes from are highlighted.
// With -params or -vars it also lists the hyperparameters or the variables of a checkpoint (by default
// the one training resumes from).
//
// Usage:
//
//	imagerec_checkpoints [-params] [-vars] [-ckpt <path>] <cache_dir>
package main

import (
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/imagerec/pkg/checkpoint"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagColor  = flag.String("color", "auto", "Color output: \"auto\", \"always\" or \"never\".")
	flagParams = flag.Bool("params", false, "Lists the hyperparameters of the checkpoint.")
	flagVars   = flag.Bool("vars", false, "Lists the variables of the checkpoint.")
	flagCkpt   = flag.String("ckpt", "", "Checkpoint to inspect with -params or -vars. "+
		"Defaults to the checkpoint training resumes from.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	args := flag.Args()
	if len(args) != 1 {
		klog.Exitf("Expected one cache directory to read from, got %d arguments. See 'imagerec_checkpoints -help'.", len(args))
	}
	must.M(setColorProfile(*flagColor))

	cacheDir := args[0]
	if _, err := os.Stat(cacheDir); err != nil {
		klog.Exitf("Cannot access cache directory: %v", err)
	}
	rows, latest := must.M2(listCheckpoints(cacheDir))
	printCheckpoints(cacheDir, rows)

	if !*flagParams && !*flagVars {
		return
	}
	ckptPath := *flagCkpt
	if ckptPath == "" {
		if !latest.Found() {
			klog.Exitf("No checkpoint to inspect in %q", cacheDir)
		}
		ckptPath = latest.Path
	}
	if filepath.Ext(ckptPath) == checkpoint.LegacyExt {
		must.M(reportLegacy(ckptPath))
		return
	}
	must.M(report(ckptPath, *flagParams, *flagVars))
}

// setColorProfile configures lipgloss: "auto" detects the terminal capabilities.
func setColorProfile(mode string) error {
	switch mode {
	case "auto":
		lipgloss.SetColorProfile(termenv.NewOutput(os.Stdout).EnvColorProfile())
	case "always":
		lipgloss.SetColorProfile(termenv.TrueColor)
	case "never":
		lipgloss.SetColorProfile(termenv.Ascii)
	default:
		return errors.Errorf("invalid -color=%q, valid values are \"auto\", \"always\" or \"never\"", mode)
	}
	return nil
}

// checkpointRow is one listed checkpoint.
type checkpointRow struct {
	Path        string
	Epoch       int // Zero-based index of the epoch, -1 if unknown.
	ValLoss     float64
	ValAcc      float64
	HasMetrics  bool
	SavedAt     time.Time
	Size        int64
	Legacy      bool
	Best        bool
	ResumesFrom bool
}

func (row checkpointRow) marks() rowMark {
	var marks rowMark
	if row.Best {
		marks |= markBest
	}
	if row.ResumesFrom {
		marks |= markResume
	}
	return marks
}

// listCheckpoints lists the manifest entries and legacy files of cacheDir, sorted by epoch.
func listCheckpoints(cacheDir string) (rows []checkpointRow, latest checkpoint.File, err error) {
	latest, err = checkpoint.Locate(cacheDir)
	if err != nil {
		return
	}
	manifest, err := checkpoint.LoadManifest(cacheDir)
	if err != nil {
		return
	}
	best, hasBest := manifest.Best()
	for _, entry := range manifest.Entries {
		ckptPath := manifest.Path(entry)
		row := checkpointRow{
			Path:       ckptPath,
			Epoch:      entry.Epoch,
			ValLoss:    entry.ValLoss,
			ValAcc:     entry.ValAcc,
			HasMetrics: true,
			SavedAt:    entry.SavedAt,
			Best:       hasBest && entry.ID == best.ID,
		}
		row.Size, _ = diskUsage(ckptPath)
		rows = append(rows, row)
	}

	legacyPaths, err := filepath.Glob(filepath.Join(cacheDir, "*"+checkpoint.LegacyExt))
	if err != nil {
		err = errors.Wrapf(err, "failed to list legacy checkpoints in %q", cacheDir)
		return
	}
	for _, legacyPath := range legacyPaths {
		row := checkpointRow{Path: legacyPath, Epoch: checkpoint.ParseEpoch(legacyPath) - 1, Legacy: true}
		if info, statErr := os.Stat(legacyPath); statErr == nil {
			row.SavedAt = info.ModTime()
			row.Size = info.Size()
		}
		rows = append(rows, row)
	}
	for ii := range rows {
		rows[ii].ResumesFrom = latest.Found() && rows[ii].Path == latest.Path
	}
	slices.SortStableFunc(rows, func(a, b checkpointRow) int { return a.Epoch - b.Epoch })
	return
}

// diskUsage returns the total size of the files under filePath.
func diskUsage(filePath string) (size int64, err error) {
	err = filepath.WalkDir(filePath, func(_ string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	return
}

func printCheckpoints(cacheDir string, rows []checkpointRow) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Checkpoints in %q", cacheDir)))
	if len(rows) == 0 {
		fmt.Println("No checkpoints found: training starts from epoch 0.")
		return
	}
	table := newListing([]string{"Epoch", "Val Loss", "Val Acc", "Size", "Saved", "Checkpoint", ""},
		lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Left)
	for _, row := range rows {
		epoch, loss, acc := "?", "", ""
		if row.Epoch >= 0 {
			epoch = fmt.Sprintf("%d", row.Epoch)
		}
		if row.HasMetrics {
			loss, acc = fmt.Sprintf("%.4f", row.ValLoss), fmt.Sprintf("%.2f%%", 100*row.ValAcc)
		}
		var saved string
		if !row.SavedAt.IsZero() {
			saved = humanize.Time(row.SavedAt)
		}
		name := filepath.Base(row.Path)
		if row.Legacy {
			name += " (legacy)"
		}
		table.add(row.marks(), epoch, loss, acc, humanize.Bytes(uint64(row.Size)), saved, name, row.marks().String())
	}
	fmt.Println(table)
	for _, row := range rows {
		if row.ResumesFrom {
			fmt.Printf("Training resumes at epoch %d from %s\n", row.Epoch+1, row.Path)
		}
	}
}
