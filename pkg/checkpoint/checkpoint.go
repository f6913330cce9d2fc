// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoint locates and records the per-epoch weight checkpoints kept in a cache directory.
//
// Every training epoch leaves one checkpoint behind, named after the epoch index and its validation
// metrics:
//
//	weights.<epoch:02d>-<val_loss:.4f>-<val_acc:.4f>
//
// Older runs stored them as Keras ".h5" files, where the file name was the only record of the epoch.
// Checkpoints saved by this module are GoMLX checkpoint directories with a ".ckpt" suffix, and each one
// is also recorded in a Manifest (a "manifest.json" file in the cache directory).
//
// Locate merges both sources and returns the checkpoint to resume from.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// LegacyExt is the extension of checkpoints saved as Keras HDF5 files.
	LegacyExt = ".h5"

	// DirExt is the extension of the checkpoint directories saved by this module.
	DirExt = ".ckpt"

	// DirPermMode is used when creating the cache directory.
	DirPermMode = 0755
)

// File is one checkpoint found in a cache directory.
type File struct {
	// Path to the checkpoint: either a legacy ".h5" file or a checkpoint directory.
	Path string

	// Epoch to resume training from. It is the zero-based index of the epoch that produced the
	// checkpoint plus one, so a checkpoint saved after the first epoch (index 0) resumes at 1.
	// It is 0 for files whose name doesn't follow the naming convention.
	Epoch int

	// Entry is the manifest record of the checkpoint, or nil for legacy files.
	Entry *Entry
}

// IsLegacy returns whether the checkpoint is a Keras ".h5" file.
func (f File) IsLegacy() bool {
	return f.Entry == nil && filepath.Ext(f.Path) == LegacyExt
}

// Found returns whether a checkpoint was located.
func (f File) Found() bool {
	return f.Path != ""
}

var legacyNameRegexp = regexp.MustCompile(`(?i)^(.*?weights\.)(\d+)(-)(.*?)(-)(.*?)(\.h5)`)

// ParseEpoch returns the epoch to resume from encoded in a legacy checkpoint file name: the embedded
// epoch index plus one. Names not following the convention return 0.
func ParseEpoch(fileName string) int {
	matches := legacyNameRegexp.FindStringSubmatch(fileName)
	if matches == nil {
		return 0
	}
	epoch, err := strconv.Atoi(matches[2])
	if err != nil {
		return 0
	}
	return epoch + 1
}

// Name returns the base name (without extension) of the checkpoint for the zero-based epoch index,
// with its validation loss and accuracy.
func Name(epoch int, valLoss, valAcc float64) string {
	return fmt.Sprintf("weights.%02d-%.4f-%.4f", epoch, valLoss, valAcc)
}

// Locate returns the checkpoint with the highest resume epoch in dir.
//
// It considers the legacy "*.h5" files and the entries of the directory's Manifest. Only checkpoints
// with a resume epoch > 0 are candidates: if none is found it returns an empty File and no error.
//
// The directory is created if it doesn't exist.
func Locate(dir string) (latest File, err error) {
	err = os.MkdirAll(dir, DirPermMode)
	if err != nil {
		err = errors.Wrapf(err, "failed to create checkpoints cache directory %q", dir)
		return
	}

	manifest, err := LoadManifest(dir)
	if err != nil {
		return
	}
	for ii := range manifest.Entries {
		entry := &manifest.Entries[ii]
		ckptPath := manifest.Path(*entry)
		if _, statErr := os.Stat(ckptPath); statErr != nil {
			klog.Warningf("checkpoint %q listed in %q is not accessible, skipping: %v",
				ckptPath, ManifestFileName, statErr)
			continue
		}
		if epoch := entry.Epoch + 1; epoch > latest.Epoch {
			latest = File{Path: ckptPath, Epoch: epoch, Entry: entry}
		}
	}

	legacyPaths, err := filepath.Glob(filepath.Join(dir, "*"+LegacyExt))
	if err != nil {
		err = errors.Wrapf(err, "failed to list checkpoints in %q", dir)
		return
	}
	for _, legacyPath := range legacyPaths {
		epoch := ParseEpoch(legacyPath)
		klog.V(2).Infof("checkpoint %q: resume epoch %d", legacyPath, epoch)
		if epoch > latest.Epoch {
			latest = File{Path: legacyPath, Epoch: epoch}
		}
	}
	if latest.Found() {
		klog.V(1).Infof("latest checkpoint in %q: %q (resume at epoch %d)", dir, latest.Path, latest.Epoch)
	}
	return
}
