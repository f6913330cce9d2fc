// Package download fetches remote files (e.g. pretrained weights) into a local cache, once.
package download

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Client used for downloads. Tests may replace it.
var Client = &http.Client{
	CheckRedirect: func(r *http.Request, via []*http.Request) error {
		r.URL.Opaque = r.URL.Path
		return nil
	},
}

// progressWriter wraps an io.Writer, updating a progress bar with the bytes written.
type progressWriter struct {
	w   io.Writer
	bar *progressbar.ProgressBar
}

func (pw *progressWriter) Write(p []byte) (n int, err error) {
	n, err = pw.w.Write(p)
	_ = pw.bar.Add(n)
	return
}

func newBar(contentLength int64) *progressbar.ProgressBar {
	description := "downloading"
	if contentLength > 0 {
		description = humanize.Bytes(uint64(contentLength))
	}
	return progressbar.NewOptions64(contentLength,
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowBytes(true),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
}

// Download url and save it at filePath, creating its directory if needed.
//
// It downloads to a temporary file first, and only renames it to filePath when the download completed,
// so an interrupted download never leaves a partial file at filePath.
//
// There are no retries: any failure is returned.
func Download(url, filePath string, showProgressBar bool) (size int64, err error) {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	if err = os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return 0, errors.Wrapf(err, "failed to create the directory for %q", filePath)
	}
	resp, err := Client.Get(url)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("failed downloading %q: HTTP status %s", url, resp.Status)
	}

	file, err := os.CreateTemp(filepath.Dir(filePath), filepath.Base(filePath)+".partial.")
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating temporary file for %q", filePath)
	}
	tmpPath := file.Name()
	defer func() {
		if err != nil {
			_ = file.Close()
			if rmErr := os.Remove(tmpPath); rmErr != nil && !os.IsNotExist(rmErr) {
				klog.Warningf("failed to remove partial download %q: %v", tmpPath, rmErr)
			}
		}
	}()

	var w io.Writer = file
	var bar *progressbar.ProgressBar
	if showProgressBar {
		bar = newBar(resp.ContentLength)
		w = &progressWriter{w: file, bar: bar}
	}
	size, err = io.Copy(w, resp.Body)
	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}
	if err != nil {
		return 0, errors.Wrapf(err, "downloading %q to %q", url, filePath)
	}
	if err = file.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return 0, errors.Wrapf(err, "failed to move %q to %q", tmpPath, filePath)
	}
	return size, nil
}

// IfMissing downloads url to filePath, if filePath doesn't exist yet.
//
// If checkHash (hex encoded SHA256) is given, the file must match it, whether just downloaded or cached.
func IfMissing(url, filePath, checkHash string) error {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	exists, err := fsutil.FileExists(filePath)
	if err != nil {
		return err
	}
	if !exists {
		fmt.Printf("Downloading %s ...\n", url)
		size, err := Download(url, filePath, true)
		if err != nil {
			return err
		}
		klog.Infof("downloaded %q (%s) to %q", url, humanize.Bytes(uint64(size)), filePath)
	} else {
		klog.V(1).Infof("using cached %q for %q", filePath, url)
	}
	if checkHash == "" {
		return nil
	}
	return ValidateChecksum(filePath, checkHash)
}

// ValidateChecksum checks the SHA256 of the file at filePath matches the hex encoded checkHash.
func ValidateChecksum(filePath, checkHash string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q to verify its checksum", filePath)
	}
	defer func() { _ = f.Close() }()
	hasher := sha256.New()
	if _, err = io.Copy(hasher, f); err != nil {
		return errors.Wrapf(err, "failed to read %q to verify its checksum", filePath)
	}
	got := hex.EncodeToString(hasher.Sum(nil))
	if got != checkHash {
		return errors.Errorf("file %q has SHA256 %q, but %q was expected -- remove it to download it again",
			filePath, got, checkHash)
	}
	return nil
}
