package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/imagerec/pkg/hdf5"
	"github.com/gomlx/imagerec/pkg/vgg16"
	"github.com/pkg/errors"
)

// report loads the GoMLX checkpoint at ckptPath and lists its hyperparameters and/or variables.
func report(ckptPath string, withParams, withVars bool) error {
	ctx := context.New()
	_, err := checkpoints.Load(ctx).Dir(ckptPath).Immediate().Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to load checkpoint %q", ckptPath)
	}
	if withParams {
		listParams(ctx)
	}
	if withVars {
		listVariables(ctx)
	}
	return nil
}

func listParams(ctx *context.Context) {
	fmt.Println(titleStyle.Render("Hyperparameters"))
	table := newListing([]string{"Scope", "Name", "Type", "Value"})
	ctx.EnumerateParams(func(scope, key string, value any) {
		table.add(0, scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value))
	})
	fmt.Println(table)
}

// isHeadScope returns whether the variable scope belongs to the fine-tuned classification layer.
func isHeadScope(scope string) bool {
	return strings.Contains(scope+context.ScopeSeparator, context.ScopeSeparator+vgg16.HeadScope+context.ScopeSeparator)
}

// listVariables lists the model variables: the fine-tuned classification layer is highlighted.
func listVariables(ctx *context.Context) {
	fmt.Println(titleStyle.Render("Variables"))
	table := newListing([]string{"Scope", "Name", "Shape", "Size", "Bytes"},
		lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	type varRow struct {
		marks rowMark
		cols  []string
	}
	var rows []varRow
	var baseSize, headSize int
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		shape := v.Shape()
		var marks rowMark
		if isHeadScope(v.Scope()) {
			marks = markHead
			headSize += shape.Size()
		} else if strings.Contains(v.Scope(), vgg16.BaseScope) {
			baseSize += shape.Size()
		}
		rows = append(rows, varRow{marks: marks, cols: []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
		}})
	})
	slices.SortFunc(rows, func(a, b varRow) int {
		if c := strings.Compare(a.cols[0], b.cols[0]); c != 0 {
			return c
		}
		return strings.Compare(a.cols[1], b.cols[1])
	})
	for _, row := range rows {
		table.add(row.marks, row.cols...)
	}
	fmt.Println(table)
	fmt.Printf("Frozen VGG16 parameters: %s, fine-tuned parameters: %s\n",
		humanize.Comma(int64(baseSize)), humanize.Comma(int64(headSize)))
}

// reportLegacy lists the Keras layers stored in a legacy ".h5" checkpoint.
func reportLegacy(ckptPath string) error {
	if !hdf5.Available() {
		return errors.Errorf("%q is required to inspect legacy checkpoint %q", hdf5.H5DumpBinary, ckptPath)
	}
	contents, err := hdf5.ParseFile(ckptPath)
	if err != nil {
		return err
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("Keras layers in %q", ckptPath)))
	table := newListing([]string{"Layer", "Kernel", "Bias", "Parameters"},
		lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	layers := contents.KerasLayers()
	for _, name := range contents.LayerNames() {
		layer := layers[name]
		var kernel, bias string
		var size int
		if layer.Kernel != nil {
			kernel = layer.Kernel.Shape.String()
			size += layer.Kernel.Shape.Size()
		}
		if layer.Bias != nil {
			bias = layer.Bias.Shape.String()
			size += layer.Bias.Shape.Size()
		}
		table.add(0, name, kernel, bias, humanize.Comma(int64(size)))
	}
	fmt.Println(table)
	return nil
}
