package replicate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/manash/fluxgen/internal/provider"
	"github.com/manash/fluxgen/pkg/models"
)

// Polling cadence per job class. Image predictions settle in seconds and
// are polled tightly; video predictions run for minutes on a longer
// interval with a larger attempt budget.
var (
	imagePollInterval = 1 * time.Second
	videoPollInterval = 2 * time.Second

	maxImagePollAttempts = 600 // 10 minutes at 1s
	maxVideoPollAttempts = 900 // 30 minutes at 2s
)

// ProgressFunc receives the prediction id, its raw status, and the last
// log line on every poll. Advisory only: it never affects control flow.
type ProgressFunc func(id, status, lastLog string)

// Wait polls a prediction at a fixed interval until it reaches a
// terminal status. succeeded returns the normalized output URL on the
// prediction; failed and canceled return ErrGenerationFailed with the
// provider's error text when it supplied one. Exhausting the attempt
// budget returns ErrPollTimeout.
func (c *Client) Wait(ctx context.Context, id string, class models.JobClass, progress ProgressFunc) (*Prediction, error) {
	interval, maxAttempts := pollPolicy(class)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			pred, err := c.GetStatus(ctx, id)
			if err != nil {
				return nil, err
			}

			if progress != nil {
				progress(pred.ID, pred.Status, lastLogLine(pred.Logs))
			}

			if !IsTerminal(pred.Status) {
				continue
			}
			return Resolve(pred)
		}
	}

	return nil, fmt.Errorf("%w: prediction %s after %d attempts", provider.ErrPollTimeout, id, maxAttempts)
}

// Resolve translates a terminal prediction into an outcome. Callers that
// already hold a terminal prediction (recovery re-checks) share this
// with the polling loop.
func Resolve(pred *Prediction) (*Prediction, error) {
	switch pred.Status {
	case StatusSucceeded:
		return pred, nil
	case StatusFailed, StatusCanceled:
		msg := pred.Error
		if msg == "" {
			msg = "generation failed"
		}
		return nil, fmt.Errorf("%w: %s", provider.ErrGenerationFailed, msg)
	default:
		return nil, fmt.Errorf("prediction %s is not terminal: %s", pred.ID, pred.Status)
	}
}

func pollPolicy(class models.JobClass) (time.Duration, int) {
	if class == models.JobClassVideo {
		return videoPollInterval, maxVideoPollAttempts
	}
	return imagePollInterval, maxImagePollAttempts
}

func lastLogLine(logs string) string {
	if logs == "" {
		return ""
	}
	lines := strings.Split(strings.TrimRight(logs, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
