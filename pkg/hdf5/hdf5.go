// Package hdf5 reads the weights stored in Keras HDF5 (".h5") files.
//
// It requires the `h5dump` binary (from the `hdf5-tools` package) in the PATH: the file contents
// and headers are listed with it, and the datasets are extracted in native binary format.
package hdf5

import (
	"bytes"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// H5DumpBinary is the name of the tool used to read HDF5 files.
const H5DumpBinary = "h5dump"

// Contents maps the path of every dataset in an HDF5 file (group path plus dataset name, separated by "/")
// to its metadata.
type Contents map[string]*Dataset

// Dataset is the metadata of one HDF5 dataset (not the data itself).
type Dataset struct {
	FilePath, Path string

	// DType and Shape are the GoMLX equivalent of the HDF5 "DATATYPE" and "DATASPACE".
	// Shape is invalid if they were not understood.
	DType dtypes.DType
	Shape shapes.Shape
}

// Available returns whether the h5dump tool is installed.
func Available() bool {
	_, err := exec.LookPath(H5DumpBinary)
	return err == nil
}

// ParseFile lists the datasets of the HDF5 file at filePath and parses their headers.
func ParseFile(filePath string) (Contents, error) {
	if _, err := os.Stat(filePath); err != nil {
		return nil, errors.Wrapf(err, "cannot access HDF5 file %q", filePath)
	}
	listing, err := execH5Dump("--contents", filePath)
	if err != nil {
		return nil, err
	}
	contents, err := parseContents(filePath, string(listing))
	if err != nil {
		return nil, err
	}
	if len(contents) == 0 {
		return contents, nil
	}

	args := make([]string, 0, len(contents)+2)
	args = append(args, "--header")
	for key := range contents {
		args = append(args, "--dataset="+key)
	}
	args = append(args, filePath)
	headers, err := execH5Dump(args...)
	if err != nil {
		return nil, err
	}
	if err = parseHeaders(contents, string(headers)); err != nil {
		return nil, errors.WithMessagef(err, "HDF5 file %q", filePath)
	}
	return contents, nil
}

var (
	datasetListingRegexp = regexp.MustCompile(`\s+dataset\s+(/.*)\n`)
	headerNameRegexp     = regexp.MustCompile(`\s+"(.*?)" \{\n`)
	headerDataTypeRegexp = regexp.MustCompile(`\s+DATATYPE\s+(\w.*?)\n`)
	headerSpaceRegexp    = regexp.MustCompile(`\s+DATASPACE\s+(\w+)(\s+\{\s+\((.*?)\).*?)?\n`)
)

// parseContents parses the output of `h5dump --contents`.
func parseContents(filePath, listing string) (Contents, error) {
	matches := datasetListingRegexp.FindAllStringSubmatch(listing, -1)
	contents := make(Contents, len(matches))
	for _, match := range matches {
		dsPath := strings.TrimSpace(match[1])
		// Dataset paths are passed as arguments to h5dump.
		if strings.HasPrefix(dsPath, "-") {
			return nil, errors.Errorf("invalid dataset name starting with '-': %q", dsPath)
		}
		contents[dsPath] = &Dataset{FilePath: filePath, Path: dsPath}
	}
	return contents, nil
}

// parseHeaders parses the output of `h5dump --header` for the datasets in contents.
// Datasets with types or spaces not understood are left with an invalid shape.
func parseHeaders(contents Contents, headers string) error {
	parts := strings.Split(headers, "DATASET")
	if len(parts)-1 != len(contents) {
		return errors.Errorf("expected %d DATASET headers, got %d", len(contents), len(parts)-1)
	}
	for _, part := range parts[1:] {
		match := headerNameRegexp.FindStringSubmatch(part)
		if len(match) != 2 {
			return errors.Errorf("failed to parse dataset header %q", part)
		}
		name := match[1]
		ds, found := contents[name]
		if !found {
			return errors.Errorf("header for unknown dataset %q", name)
		}
		if err := ds.parseHeader(part); err != nil {
			klog.V(1).Infof("HDF5 dataset %q not usable as a tensor: %v", name, err)
		}
	}
	return nil
}

func (ds *Dataset) parseHeader(header string) error {
	match := headerDataTypeRegexp.FindStringSubmatch(header)
	if len(match) != 2 {
		return errors.New("no DATATYPE")
	}
	ds.DType = DTypeForH5T(match[1])
	if ds.DType == dtypes.InvalidDType {
		return errors.Errorf("unsupported DATATYPE %q", match[1])
	}
	match = headerSpaceRegexp.FindStringSubmatch(header)
	if len(match) != 4 {
		return errors.New("no DATASPACE")
	}
	switch match[1] {
	case "SCALAR":
		ds.Shape = shapes.Make(ds.DType)
	case "SIMPLE":
		var dims []int
		for _, dimStr := range strings.Split(match[3], ",") {
			dim, err := strconv.Atoi(strings.TrimSpace(dimStr))
			if err != nil {
				return errors.Wrapf(err, "invalid DATASPACE dimensions %q", match[3])
			}
			dims = append(dims, dim)
		}
		ds.Shape = shapes.Make(ds.DType, dims...)
	default:
		return errors.Errorf("unsupported DATASPACE %q", match[1])
	}
	return nil
}

// DTypeForH5T returns the DType for the HDF5 type name, or dtypes.InvalidDType if not supported.
func DTypeForH5T(h5type string) dtypes.DType {
	switch h5type {
	case "H5T_IEEE_F32LE", "H5T_IEEE_F32BE":
		return dtypes.Float32
	case "H5T_IEEE_F64LE", "H5T_IEEE_F64BE":
		return dtypes.Float64
	case "H5T_STD_I32LE", "H5T_STD_I32BE":
		return dtypes.Int32
	case "H5T_STD_I64LE", "H5T_STD_I64BE":
		return dtypes.Int64
	}
	return dtypes.InvalidDType
}

func execH5Dump(args ...string) ([]byte, error) {
	binPath, err := exec.LookPath(H5DumpBinary)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot find %q in PATH, needed to read HDF5 (\".h5\") files: "+
			"please install the package hdf5-tools", H5DumpBinary)
	}
	klog.V(2).Infof("running %s %v", binPath, args)
	cmd := exec.Command(binPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err = cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "failed executing %q, stderr:\n%s", cmd, stderr.String())
	}
	return stdout.Bytes(), nil
}

// Load extracts the raw bytes of the dataset, in native byte order.
func (ds *Dataset) Load() ([]byte, error) {
	tmpFile, err := os.CreateTemp("", "hdf5_dataset")
	if err == nil {
		err = tmpFile.Close()
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to create temporary file to extract HDF5 dataset")
	}
	defer func() {
		if rmErr := os.Remove(tmpFile.Name()); rmErr != nil {
			klog.Warningf("failed to remove temporary file %q: %v", tmpFile.Name(), rmErr)
		}
	}()
	_, err = execH5Dump("--dataset="+ds.Path, "--binary=NATIVE", "--output="+tmpFile.Name(), ds.FilePath)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(tmpFile.Name())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read HDF5 dataset %q extracted to %q", ds.Path, tmpFile.Name())
	}
	return raw, nil
}

// ToTensor reads the dataset into a tensor.
func (ds *Dataset) ToTensor() (*tensors.Tensor, error) {
	if !ds.Shape.Ok() {
		return nil, errors.Errorf("HDF5 dataset %q has no shape information, can't convert to tensor", ds.Path)
	}
	raw, err := ds.Load()
	if err != nil {
		return nil, err
	}
	return bytesToTensor(ds.Shape, raw)
}

func bytesToTensor(shape shapes.Shape, raw []byte) (*tensors.Tensor, error) {
	t := tensors.FromShape(shape)
	var sizeErr error
	err := t.MutableBytes(func(data []byte) {
		if len(data) != len(raw) {
			sizeErr = errors.Errorf("shape %s takes %d bytes, but %d bytes were loaded", shape, len(data), len(raw))
			return
		}
		copy(data, raw)
	})
	if err == nil {
		err = sizeErr
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}
