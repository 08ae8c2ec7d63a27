// Package main hosts the image processing service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes /api/images, /api/serve-image, /api/proxy, /api/scrape,
//     /api/cleanup and /api/healthcheck, plus /uploads/* for stored files and /metrics for Prometheus.
//     Every /api route except the healthcheck shares a global fixed-window limit; images, cleanup,
//     healthcheck and scrape carry their own limits on top.
//   - Normalization pool: batch submissions are split into tasks and pushed through a bounded in-memory
//     queue sized by normalize.queue_depth to a fixed worker pool sized by normalize.workers. Each worker
//     renders the source onto the 1500x1500 canvas, or synthesizes a placeholder when the source cannot
//     be loaded within normalize.load_timeout_seconds, and hands the PNG to the storage gateway.
//   - Fetch pipeline: remote images go through the proxy fetcher, paced per host. Page scraping uses the
//     Colly fetcher and promotes to a headless Chromedp render when the heuristic detector asks for it.
//   - Persistence & fanout: files land in uploads.dir under random names. Each stored or evicted file is
//     optionally mirrored to GCS, recorded in the Postgres ledger and announced on Pub/Sub.
//   - Maintenance: the sweeper deletes uploads older than cleanup.default_max_age_minutes on a timer and
//     on demand through /api/cleanup.
//
// Quick checklist:
//   - Configure env vars: IMAGEPROC_SERVER_PORT, IMAGEPROC_UPLOADS_DIR, IMAGEPROC_CLEANUP_API_KEY,
//     IMAGEPROC_RATELIMIT_BACKEND=redis with IMAGEPROC_RATELIMIT_REDIS_ADDR for multi-instance limits,
//     IMAGEPROC_STORAGE_MIRROR_GCS_BUCKET, IMAGEPROC_DB_DSN and IMAGEPROC_PUBSUB_* when persistence
//     beyond the local disk is required.
//   - Run locally: go run ./cmd/imageprocessor -config config.yaml (or rely solely on env overrides).
package main
