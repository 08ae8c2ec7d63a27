// Package storage saves normalized images into the upload directory and
// fans the lifecycle of each file out to the optional GCS mirror, the
// Postgres ledger and the event publisher.
package storage
