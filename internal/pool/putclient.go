package pool

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/lanlift/lanlift/internal/config"
	"github.com/lanlift/lanlift/internal/logging"
)

// retryLogger adapts our logger to the retryablehttp.LeveledLogger interface.
type retryLogger struct {
	log *logging.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Error().Fields(fieldMap(keysAndValues)).Msg(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Warn().Fields(fieldMap(keysAndValues)).Msg(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	// Per-attempt chatter stays at debug
	l.log.Debug().Fields(fieldMap(keysAndValues)).Msg(msg)
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(fieldMap(keysAndValues)).Msg(msg)
}

func fieldMap(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}
	return fields
}

// newPutClient builds the retrying HTTP client for part PUTs. Transient
// outcomes (network errors, 5xx, 408, 429) are retried inline with
// exponential backoff; other 4xx are permanent and returned immediately.
func newPutClient(cfg config.Config, log *logging.Logger) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Timeout: cfg.HTTPTimeout}
	client.RetryMax = cfg.RetryMaxAttempts
	client.RetryWaitMin = cfg.RetryBaseDelay
	client.RetryWaitMax = cfg.RetryMaxDelay
	client.Logger = &retryLogger{log: log}
	client.CheckRetry = checkPutRetry
	client.Backoff = putBackoff
	// Keep the last response so failures can be classified by status code
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return client
}

// checkPutRetry retries network errors, 5xx, 408 and 429. Every other 4xx is
// a permanent failure.
func checkPutRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp == nil {
		return true, nil
	}
	if resp.StatusCode >= 500 ||
		resp.StatusCode == http.StatusRequestTimeout ||
		resp.StatusCode == http.StatusTooManyRequests {
		return true, nil
	}
	return false, nil
}

// putBackoff implements the schedule min(base × 2^n, max) for 0-indexed
// attempt n.
func putBackoff(min, max time.Duration, attemptNum int, _ *http.Response) time.Duration {
	delay := min << uint(attemptNum)
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay
}

// transientStatus reports whether an HTTP status is worth another dispatch
// round.
func transientStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}
