package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/spectralhq/spectralnotify/broker"
	"github.com/spectralhq/spectralnotify/idempotency"
	"github.com/spectralhq/spectralnotify/metrics"
)

// reapBatch bounds the expired-key cleanup piggybacked on each write.
const reapBatch = 32

// APIKeyAuth guards write endpoints with the shared X-API-Key header.
func APIKeyAuth(apiKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.Request().Header.Get("X-API-Key")
			if key == "" || key != apiKey {
				return broker.NewError(broker.CodeUnauthorized, "invalid or missing API key")
			}
			return next(c)
		}
	}
}

// teeWriter mirrors the response to a buffer so successful bodies can be
// stored for replay.
type teeWriter struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (w *teeWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *teeWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

// Idempotency makes every write endpoint safely retryable. A matching
// non-expired key replays the stored response with HTTP 200; the same key on
// a different endpoint is a conflict. Clients that omit the header still get
// a deterministic key derived from the request itself.
func Idempotency(store idempotency.Store, ttl time.Duration, logger *logrus.Entry) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := req.Context()
			endpoint := c.Path()

			body, err := io.ReadAll(req.Body)
			if err != nil {
				return broker.ErrInvalidInput("read request body: %v", err)
			}
			req.Body = io.NopCloser(bytes.NewReader(body))

			key := req.Header.Get("Idempotency-Key")
			if len(key) > idempotency.MaxKeyLength {
				return broker.ErrInvalidInput("Idempotency-Key exceeds %d characters", idempotency.MaxKeyLength)
			}
			if key == "" {
				key = idempotency.DeriveKey(endpoint, body)
			}

			rec, err := store.Lookup(ctx, key)
			if err != nil {
				return broker.ErrInternal(err)
			}
			if rec != nil {
				if rec.Endpoint != endpoint {
					return broker.NewError(broker.CodeIdempotencyConflict,
						"idempotency key was used on %s", rec.Endpoint).
						WithData("endpoint", rec.Endpoint)
				}
				metrics.IdempotencyReplays.Inc()
				return c.JSONBlob(http.StatusOK, rec.Response)
			}

			tee := &teeWriter{ResponseWriter: c.Response().Writer, status: http.StatusOK}
			c.Response().Writer = tee

			if err := next(c); err != nil {
				// INVALID_INPUT and NOT_FOUND are deterministic for a given
				// request, so their serialized bodies are recorded and replay
				// like successes. Anything else may resolve on retry and is
				// never recorded. Rendering here keeps the stored bytes
				// identical to the first response.
				be := broker.AsError(err)
				if be.Code == broker.CodeInvalidInput || be.Code == broker.CodeNotFound {
					if werr := c.JSON(statusOf(be.Code), be); werr != nil {
						return werr
					}
					record(ctx, store, key, endpoint, tee.buf.Bytes(), ttl, logger)
					return nil
				}
				return err
			}
			if tee.status >= http.StatusBadRequest {
				return nil
			}

			record(ctx, store, key, endpoint, tee.buf.Bytes(), ttl, logger)

			if n, err := store.ReapExpired(ctx, reapBatch); err != nil {
				logger.WithError(err).Warn("reap idempotency keys")
			} else if n > 0 {
				logger.WithField("reaped", n).Debug("expired idempotency keys removed")
			}
			return nil
		}
	}
}

func record(ctx context.Context, store idempotency.Store, key, endpoint string, response []byte, ttl time.Duration, logger *logrus.Entry) {
	now := time.Now().UTC()
	err := store.Insert(ctx, &idempotency.Record{
		Key:       key,
		Endpoint:  endpoint,
		Response:  response,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil && err != idempotency.ErrDuplicate {
		logger.WithError(err).WithField("endpoint", endpoint).Error("store idempotency record")
	}
}
