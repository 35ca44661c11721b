// Package config loads and watches the runner configuration file.
//
// Top-level sections:
//   - runner: dispatch mode (pool|async), max_concurrency, poll_interval,
//     the batch (entity_ids × [start_year, start_year+n_years)), analysis
//     distances and scales, resume, log level, metrics endpoints
//   - remote: compute service endpoint, auth (mtls|apikey|bearer|basic|none),
//     request pacing and the optional retry policy
//   - catalog, geometry, composite: dataset identifiers and filter values;
//     defaults reproduce the WDPA / JRC surface water / RESOLVE / MODIS setup
//   - storage: S3-compatible bucket, table and image prefixes, gzip
//   - ledger: SQLite job ledger path (empty disables)
//   - events: AMQP exchange for job events (url from url_env)
//
// Load(path) reads the YAML file, applies defaults, then validates required
// fields and enums. Secrets are never stored in the file: *_env fields name
// the environment variables that hold them.
//
// Watch(ctx, path, onChange) reloads through pkg/confwatch, which watches
// the parent directory so editor renames are seen and waits for a burst of
// writes to settle before calling onChange.
package config
