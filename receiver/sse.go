package receiver

import (
	"context"
	"net/http"
	"time"

	"github.com/r3labs/sse/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/cenkalti/backoff.v1"

	"github.com/opd-ai/apmls/activitypub"
	"github.com/opd-ai/apmls/metrics"
)

// newStream returns an event stream client for url. onOpen runs each time
// the server accepts a subscription. Failed connections are retried with
// exponential backoff from delay up to maxReconnectDelay until the
// subscription context is done.
func newStream(client *activitypub.Client, url string, delay time.Duration, onOpen func()) *sse.Client {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = delay
	retry.MaxInterval = maxReconnectDelay
	retry.MaxElapsedTime = 0
	retry.Reset()

	stream := sse.NewClient(url)
	stream.Connection = client.HTTPClient()
	for k, v := range client.Credentials() {
		stream.Headers[k] = v
	}
	stream.ReconnectStrategy = retry
	stream.ReconnectNotify = func(err error, next time.Duration) {
		metrics.StreamReconnect()
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.streamLoop",
			"stream":   url,
			"delay":    next,
			"error":    err.Error(),
		}).Warn("Event stream dropped, reconnecting")
	}
	stream.ResponseValidator = func(_ *sse.Client, resp *http.Response) error {
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return &activitypub.StatusError{Method: http.MethodGet, URL: url, Code: resp.StatusCode}
		}
		retry.Reset()
		if onOpen != nil {
			onOpen()
		}
		return nil
	}
	return stream
}

// streamLoop keeps the event stream open, polling once per connection and
// once per event.
func (r *Receiver) streamLoop(ctx context.Context, url string) {
	defer r.wg.Done()
	stream := newStream(r.client, url, r.config.ReconnectDelay, func() { r.Poll(ctx) })

	for {
		err := stream.SubscribeRawWithContext(ctx, func(ev *sse.Event) {
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.streamLoop",
				"event":    string(ev.Event),
				"id":       string(ev.ID),
			}).Debug("Event stream notification")
			r.Poll(ctx)
		})
		if ctx.Err() != nil {
			return
		}

		// The server ended the stream cleanly.
		metrics.StreamReconnect()
		fields := logrus.Fields{
			"function": "Receiver.streamLoop",
			"stream":   url,
			"delay":    r.config.ReconnectDelay,
		}
		if err != nil {
			fields["error"] = err.Error()
		}
		logrus.WithFields(fields).Warn("Event stream closed, reconnecting")

		t := time.NewTimer(r.config.ReconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}
