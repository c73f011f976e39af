package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/nvr-ai/go-multibox/inference"
	"github.com/nvr-ai/go-multibox/loss/multibox"
	"github.com/nvr-ai/go-multibox/profiler"
	"github.com/nvr-ai/go-multibox/tensorio"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"gorgonia.org/tensor"
	"k8s.io/klog/v2"
)

// Gradient files written under -grad-dir.
const (
	GradLocFile   = "grad_loc.npy"
	GradAttrFile  = "grad_attr.npy"
	GradClassFile = "grad_class.npy"
)

// Metric and operation names recorded in the profiler.
const (
	metricLoc      = "loc"
	metricAttr     = "attr"
	metricClass    = "class"
	metricWeighted = "weighted"
	opCompute      = "compute"
	opPredict      = "predict"
)

func run(ctx context.Context, opts *options, cfg fileConfig, out io.Writer) error {
	mode, err := opts.mode()
	if err != nil {
		return err
	}
	engine, err := multibox.New(cfg.Loss)
	if err != nil {
		return err
	}
	klog.V(1).Infof("loss config %+v, weights %+v", engine.Config(), cfg.Weights)
	prof := profiler.NewStepProfiler()

	switch mode {
	case "dir":
		err = evaluateDirectory(ctx, engine, cfg.Weights, opts, prof, out)
	case "model":
		err = evaluateModel(ctx, engine, cfg, opts, prof, out)
	default:
		var b *tensorio.Batch
		if b, err = loadFiles(opts); err == nil {
			err = evaluate(ctx, engine, cfg.Weights, b, opts.gradDir, prof, out)
		}
	}
	if err != nil {
		return err
	}
	report(prof, out)
	return nil
}

func loadFiles(opts *options) (*tensorio.Batch, error) {
	b := &tensorio.Batch{Index: -1}
	for _, f := range []struct {
		path string
		dst  **tensor.Dense
	}{
		{opts.gtPath, &b.GroundTruth},
		{opts.locPath, &b.Loc},
		{opts.attrPath, &b.Attr},
		{opts.classPath, &b.Class},
	} {
		t, err := tensorio.ReadNpy(f.path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", f.path)
		}
		*f.dst = t
	}
	return b, nil
}

func evaluateDirectory(ctx context.Context, engine *multibox.Engine, w multibox.Weights, opts *options, prof *profiler.StepProfiler, out io.Writer) error {
	dirs, err := tensorio.ListBatchDirectories(opts.dir)
	if err != nil {
		return err
	}
	if len(dirs) == 0 {
		return errors.Errorf("no %s directories under %s", tensorio.BatchDirPrefix, opts.dir)
	}

	bar := progressbar.NewOptions(len(dirs),
		progressbar.OptionSetDescription("batches"),
		progressbar.OptionSetWriter(out),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionClearOnFinish(),
	)
	// Per batch lines are only printed for a single batch; report prints the means otherwise.
	lines := io.Discard
	if len(dirs) == 1 {
		lines = out
	}
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := tensorio.LoadBatch(dir)
		if err != nil {
			return err
		}
		gradDir := ""
		if opts.gradDir != "" {
			gradDir = filepath.Join(opts.gradDir, filepath.Base(dir))
		}
		if err := evaluate(ctx, engine, w, b, gradDir, prof, lines); err != nil {
			return errors.Wrapf(err, "batch %s", dir)
		}
		if err := bar.Add(1); err != nil {
			klog.V(2).Infof("progress bar: %v", err)
		}
	}
	if err := bar.Finish(); err != nil {
		klog.V(2).Infof("progress bar: %v", err)
	}
	fmt.Fprintf(out, "%d batches\n", len(dirs))
	return nil
}

func evaluateModel(ctx context.Context, engine *multibox.Engine, cfg fileConfig, opts *options, prof *profiler.StepProfiler, out io.Writer) error {
	img, err := inference.LoadImage(opts.imagePath)
	if err != nil {
		return err
	}
	gt, err := tensorio.ReadNpy(opts.gtPath)
	if err != nil {
		return errors.Wrapf(err, "reading %s", opts.gtPath)
	}

	session, err := inference.NewSession(cfg.Model)
	if err != nil {
		return err
	}
	defer session.Close()
	if shape := gt.Shape(); len(shape) != 3 || shape[1] != session.Anchors() {
		return errors.Wrapf(multibox.ErrShapeMismatch, "model emits %d anchors, ground truth %s has shape %v",
			session.Anchors(), opts.gtPath, gt.Shape())
	}

	done := prof.StartOperation(opPredict)
	pred, err := session.Predict(ctx, img)
	done()
	if err != nil {
		return err
	}
	b := &tensorio.Batch{
		Index:       -1,
		GroundTruth: gt,
		Loc:         pred.Loc,
		Attr:        pred.Attr,
		Class:       pred.Class,
	}
	return evaluate(ctx, engine, cfg.Weights, b, opts.gradDir, prof, out)
}

// evaluate computes the losses of b, records them and writes gradients when gradDir is set.
func evaluate(ctx context.Context, engine *multibox.Engine, w multibox.Weights, b *tensorio.Batch, gradDir string, prof *profiler.StepProfiler, out io.Writer) error {
	var (
		losses multibox.Losses
		grads  *multibox.Gradients
		err    error
	)
	done := prof.StartOperation(opCompute)
	if gradDir == "" {
		losses, err = engine.ComputeContext(ctx, b.GroundTruth, b.Loc, b.Attr, b.Class)
	} else if grads, err = engine.Gradients(ctx, b.GroundTruth, b.Loc, b.Attr, b.Class, w); err == nil {
		losses = grads.Losses
	}
	done()
	if err != nil {
		return err
	}
	if grads != nil {
		if err := saveGradients(gradDir, grads); err != nil {
			return err
		}
	}

	prof.RecordMetric(metricLoc, float64(losses.Loc))
	prof.RecordMetric(metricAttr, float64(losses.Attr))
	prof.RecordMetric(metricClass, float64(losses.Class))
	prof.RecordMetric(metricWeighted, float64(losses.Weighted(w)))

	shape := b.Class.Shape()
	klog.V(1).Infof("batch %d: %s anchors, %s of predictions", b.Index,
		humanize.Comma(int64(shape[0]*shape[1])), humanize.Bytes(uint64(predictionBytes(b))))
	fmt.Fprintf(out, "loc=%.6f attr=%.6f class=%.6f weighted=%.6f\n",
		losses.Loc, losses.Attr, losses.Class, losses.Weighted(w))
	return nil
}

func predictionBytes(b *tensorio.Batch) int {
	n := 0
	for _, t := range []*tensor.Dense{b.Loc, b.Attr, b.Class} {
		n += int(t.MemSize())
	}
	return n
}

func saveGradients(dir string, g *multibox.Gradients) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for name, t := range map[string]*tensor.Dense{
		GradLocFile:   g.Loc,
		GradAttrFile:  g.Attr,
		GradClassFile: g.Class,
	} {
		if err := tensorio.WriteNpy(filepath.Join(dir, name), t); err != nil {
			return err
		}
	}
	return nil
}

// report prints the mean of every metric and the compute latency when more than one
// step was evaluated.
func report(prof *profiler.StepProfiler, out io.Writer) {
	m, ok := prof.Metric(metricWeighted)
	if !ok || m.Count < 2 {
		return
	}
	for _, m := range prof.Metrics() {
		fmt.Fprintf(out, "mean %-8s %.6f (min %.6f, max %.6f)\n", m.Name, m.Mean(), m.Min, m.Max)
	}
	for _, op := range prof.Operations() {
		fmt.Fprintf(out, "%-8s %s per step over %s steps\n", op.Name, op.Mean(), humanize.Comma(op.Count))
	}
}
