// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package imagefolder reads image datasets laid out as one sub-directory per class:
//
//	<split>/<class_name>/<image>.jpg
//
// The class directory names are the label vocabulary, indexed in sorted order. Test sets, which
// have no labels, use the same layout with a single placeholder class directory.
//
// It provides Dataset, a train.Dataset over a Folder, and the image loading and resizing used
// both for training and prediction.
package imagefolder

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultExtensions are the image file extensions (case-insensitive) included by Scan and ScanImages.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png"}

// Sample is one image in a Folder.
type Sample struct {
	Path       string
	ClassIndex int
}

// Folder holds the images found under a split directory.
type Folder struct {
	Dir string

	// ClassIndices maps class names (the sub-directory names) to their index.
	ClassIndices map[string]int

	// Samples in scan order: by class, then by file name.
	Samples []Sample
}

// Len returns the number of images in the folder.
func (f *Folder) Len() int { return len(f.Samples) }

// NumClasses returns the number of classes (sub-directories) in the folder.
func (f *Folder) NumClasses() int { return len(f.ClassIndices) }

// ClassNames returns the class names ordered by their index.
func (f *Folder) ClassNames() []string {
	names := make([]string, len(f.ClassIndices))
	for name, idx := range f.ClassIndices {
		names[idx] = name
	}
	return names
}

// Scan lists the class sub-directories of dir and the images in each of them.
// If no extensions are given, DefaultExtensions is used.
//
// It fails if dir can't be read or if it holds no images.
func Scan(dir string, extensions ...string) (*Folder, error) {
	f, err := scan(dir, extensions)
	if err != nil {
		return nil, err
	}
	if f.Len() == 0 {
		return nil, errors.Errorf("no images found under %q", dir)
	}
	klog.V(1).Infof("scanned %q: %d images in %d classes", dir, f.Len(), f.NumClasses())
	return f, nil
}

// ScanImages lists all images under the class sub-directories of dir (the "<dir>/*/*.jpg" files).
// It is used for test sets, where the class is irrelevant. An empty directory returns no samples.
func ScanImages(dir string, extensions ...string) ([]Sample, error) {
	f, err := scan(dir, extensions)
	if err != nil {
		return nil, err
	}
	return f.Samples, nil
}

// ListImages lists the images directly in dir, sorted by name, e.g. the images of one class directory.
func ListImages(dir string, extensions ...string) ([]string, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read image directory %q", dir)
	}
	var paths []string
	for _, entry := range entries {
		if !entry.IsDir() && hasExtension(entry.Name(), extensions) {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	return paths, nil
}

func scan(dir string, extensions []string) (*Folder, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read image folder %q", dir)
	}
	f := &Folder{Dir: dir, ClassIndices: make(map[string]int)}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		className := entry.Name()
		classIdx := len(f.ClassIndices)
		f.ClassIndices[className] = classIdx
		classDir := filepath.Join(dir, className)
		imageEntries, err := os.ReadDir(classDir)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read class directory %q", classDir)
		}
		for _, imageEntry := range imageEntries {
			if imageEntry.IsDir() || !hasExtension(imageEntry.Name(), extensions) {
				continue
			}
			f.Samples = append(f.Samples, Sample{
				Path:       filepath.Join(classDir, imageEntry.Name()),
				ClassIndex: classIdx,
			})
		}
	}
	return f, nil
}

func hasExtension(name string, extensions []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return slices.ContainsFunc(extensions, func(e string) bool { return strings.ToLower(e) == ext })
}

// ImageNumber returns the identifier of an image: its file name without the extension.
// E.g.: "data/test1/unknown/1234.jpg" is image "1234".
func ImageNumber(imagePath string) string {
	base := filepath.Base(imagePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
