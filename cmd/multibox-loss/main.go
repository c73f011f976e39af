// Command multibox-loss evaluates the MultiBox loss of saved predictions, or of an ONNX
// model run on an image, and optionally writes the gradients of the weighted objective.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	var opts options
	opts.register(flag.CommandLine)
	flag.Parse()
	defer klog.Flush()

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		klog.Exitf("%v", err)
	}
	opts.apply(flag.CommandLine, &cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, &opts, cfg, os.Stdout); err != nil {
		klog.Exitf("%v", err)
	}
}
