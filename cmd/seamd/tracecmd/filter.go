package tracecmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/seamnet/seam/pkg/log"
)

// RunFilter copies the matching events of the trace at path to output and
// returns how many were written.
func RunFilter(path, output string, opts Options) (int, error) {
	if output == "" {
		return 0, errors.New("output file is required")
	}
	filter, err := opts.Filter()
	if err != nil {
		return 0, err
	}

	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to open trace file: %w", err)
	}
	defer reader.Close()

	logger, err := log.NewFileLogger(output)
	if err != nil {
		return 0, fmt.Errorf("failed to create output trace: %w", err)
	}

	count := 0
	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = logger.Close()
			return count, fmt.Errorf("failed to read event: %w", err)
		}
		logger.Log(event)
		count++
	}
	if err := logger.Close(); err != nil {
		return count, fmt.Errorf("failed to close output trace: %w", err)
	}
	return count, nil
}
