// Package notify sends a message through shoutrrr when a run completes or halts.
package notify

import (
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/andresmejia3/photosift/internal/logging"
	"github.com/andresmejia3/photosift/internal/pipeline"
	"github.com/andresmejia3/photosift/internal/utils"
)

type sender interface {
	Send(message string, params *stypes.Params) []error
}

// Notifier delivers run reports. The zero value, and one built with no URLs,
// sends nothing.
type Notifier struct {
	sender sender
	log    *slog.Logger
}

// New builds a Notifier for the given shoutrrr URLs.
func New(urls []string, timeout time.Duration, logger *slog.Logger) (*Notifier, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	if len(urls) == 0 {
		return &Notifier{log: logger}, nil
	}
	r, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, fmt.Errorf("invalid notification URL: %s", logging.RedactString(err.Error()))
	}
	if timeout > 0 {
		r.Timeout = timeout
	}
	r.SetLogger(log.New(io.Discard, "", 0))
	return &Notifier{sender: r, log: logger}, nil
}

// Enabled reports whether any URL is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.sender != nil
}

// RunFinished reports the outcome of a run. runErr is the error Run returned.
func (n *Notifier) RunFinished(stats pipeline.RunStats, runErr error, elapsed time.Duration) error {
	if !n.Enabled() {
		return nil
	}
	title, body := Compose(stats, runErr, elapsed)

	params := stypes.Params{}
	params.SetTitle(title)

	var errs []error
	for _, err := range n.sender.Send(body, &params) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notification failed: %w", errors.Join(errs...))
	}
	n.logger().Debug("Notification sent", "title", title)
	return nil
}

func (n *Notifier) logger() *slog.Logger {
	if n.log == nil {
		return logging.Discard()
	}
	return n.log
}

// Compose renders the title and body of a run report.
func Compose(stats pipeline.RunStats, runErr error, elapsed time.Duration) (string, string) {
	title := "✅ photosift: migration complete"
	switch {
	case runErr != nil && stats.Halted:
		title = "🚨 photosift: migration halted"
	case runErr != nil && stats.Total > 0:
		title = "⚠️ photosift: migration interrupted"
	case runErr != nil:
		title = "🚨 photosift: migration failed to start"
	case stats.Failed > 0:
		title = "⚠️ photosift: migration complete with skipped bundles"
	}

	body := fmt.Sprintf(
		"Bundles: %d (uploaded %d, already done %d, redone %d, failed %d)\nMatched photos: %d\nUploaded: %s\nElapsed: %s",
		stats.Total, stats.Uploaded, stats.Skipped, stats.Redone, stats.Failed,
		stats.Matches, utils.HumanBytes(stats.BytesUp), elapsed.Round(time.Second))
	if stats.Remaining > 0 {
		body += fmt.Sprintf("\nRemaining for next run: %d", stats.Remaining)
	}
	if runErr != nil {
		body += "\nError: " + logging.RedactString(runErr.Error())
	}
	return title, body
}
