package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/pkg/profile"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/visimg/go-imagepool/cache"
	cmd_commons "github.com/visimg/go-imagepool/cmd/commons"
	"github.com/visimg/go-imagepool/commons"
	"github.com/visimg/go-imagepool/decode"
	"github.com/visimg/go-imagepool/loader"
	"github.com/visimg/go-imagepool/report"
	"github.com/visimg/go-imagepool/utils"
)

var rootCmd = &cobra.Command{
	Use:   "imagepool [flags] <image-file> ...",
	Short: "Load images into a pooled buffer cache",
	Long: `Load the given image files into a size-budgeted pool of reusable
pixel buffers, decoding on a bounded worker pool with request-ordered
completion delivery, and report cache/decode metrics.`,
	RunE: processCommand,
}

func Execute() error {
	return rootCmd.Execute()
}

func processCommand(command *cobra.Command, args []string) error {
	logger := log.WithFields(log.Fields{
		"package":  "main",
		"function": "processCommand",
	})

	config, logWriter, cont, err := cmd_commons.ProcessCommonFlags(command)
	if logWriter != nil {
		defer logWriter.Close()
	}

	if err != nil {
		return err
	}

	if !cont {
		return nil
	}

	if len(args) == 0 {
		return xerrors.Errorf("no image files given")
	}

	err = config.Validate()
	if err != nil {
		logger.Errorf("%+v", err)
		return err
	}

	if config.Profile {
		defer profile.Start(profile.ProfilePath(config.DataRootPath)).Stop()
	}

	return run(config, args)
}

// terminalWaiter counts a controller done on its first terminal state
type terminalWaiter struct {
	path      string
	waitGroup *sync.WaitGroup
	once      sync.Once
}

func (waiter *terminalWaiter) OnLoadStateChanged(key decode.RequestKey, state loader.LoadState) {
	if state != loader.StateLoaded && state != loader.StateFailed {
		return
	}

	waiter.once.Do(func() {
		fmt.Printf("%s: %s\n", waiter.path, state)
		waiter.waitGroup.Done()
	})
}

func run(config *commons.Config, paths []string) error {
	logger := log.WithFields(log.Fields{
		"package":  "main",
		"function": "run",
	})

	defer utils.StackTraceFromPanic(logger)

	logger.Infof("loading %d images, cache budget %d bytes", len(paths), config.CacheSizeMax)

	reporter := report.NewMetricsReporter()
	bufferCache := cache.NewCache(config.CacheSizeMax, reporter)
	decoder := decode.NewImageDecoder(bufferCache)
	executor := decode.NewPoolExecutor(decoder, config.DecodePoolSize)
	defer executor.Release()

	var aggregator *loader.CompletionAggregator
	if !config.DisableOrderedDelivery {
		aggregator = loader.NewCompletionAggregator()
	}

	waitGroup := sync.WaitGroup{}
	controllers := make([]*loader.LoadController, 0, len(paths))

	for _, path := range paths {
		controller := loader.NewLoadController(bufferCache, executor, aggregator, reporter)
		controller.SetDecodeSize(config.DecodeWidth, config.DecodeHeight)
		controller.SetObserver(&terminalWaiter{
			path:      path,
			waitGroup: &waitGroup,
		})

		waitGroup.Add(1)
		controllers = append(controllers, controller)

		controller.Bind(decode.NewFileRequestKey(path))
	}

	waitGroup.Wait()

	loaded := 0
	for _, controller := range controllers {
		if controller.State() == loader.StateLoaded {
			loaded++
		}
	}

	logger.Infof("loaded %d/%d images, cache resident %d/%d bytes in %d entries", loaded, len(paths), bufferCache.SizeUsed(), bufferCache.SizeCap(), bufferCache.EntryCount())

	reporter.Report()

	for _, controller := range controllers {
		controller.Unbind()
	}

	return nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	logger := log.WithFields(log.Fields{
		"package":  "main",
		"function": "main",
	})

	cmd_commons.SetCommonFlags(rootCmd)

	err := Execute()
	if err != nil {
		logger.Fatalf("%+v", err)
		os.Exit(1)
	}
}
