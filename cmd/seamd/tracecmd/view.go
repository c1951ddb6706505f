package tracecmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/seamnet/seam/pkg/log"
)

// RunView prints the matching events of the trace at path.
func RunView(path string, opts Options, w io.Writer) error {
	filter, err := opts.Filter()
	if err != nil {
		return err
	}
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open trace file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		formatEvent(w, event)
	}
}

// formatEvent writes one line per event:
// timestamp transport [conn:id] DIRECTION CATEGORY Kind details
func formatEvent(w io.Writer, event log.Event) {
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")
	fmt.Fprintf(w, "%s %-6s [conn:%s] %-3s %-5s %s",
		ts, event.Transport, shortenConnID(event.ConnectionID),
		event.Direction, event.Category, event.Kind)

	switch {
	case event.Category == log.CategoryData:
		fmt.Fprintf(w, " %d bytes", event.Size)
	case event.Message != "":
		fmt.Fprintf(w, " %q", event.Message)
	}
	if event.RemoteAddr != "" {
		fmt.Fprintf(w, " (%s)", event.RemoteAddr)
	}
	fmt.Fprintln(w)
}
