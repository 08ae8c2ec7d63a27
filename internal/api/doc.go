// Package api hosts the HTTP server, middleware, and handlers. Routes:
//   - POST /api/images stores a data URL or normalizes a form batch.
//   - GET /api/serve-image and /uploads/* return stored files.
//   - GET /api/proxy relays a remote image with browser headers.
//   - GET /api/scrape lists the images on a page.
//   - GET /api/cleanup evicts old uploads (API key required).
//   - GET /api/healthcheck and /metrics for probes and Prometheus.
package api
