// Package ingest defines the types and collaborator interfaces shared by the
// image ingestion pipeline: source references discovered by scraping or
// upload, canonical rasters produced by the normalizer, and the files the
// storage gateway persists.
package ingest
