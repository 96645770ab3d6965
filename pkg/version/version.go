package version

// Build holds the build identifier, injected via -ldflags. Default "dev".
var Build = "dev"

// Schema is the topology schema version written by this build. Backups
// declaring an older version are migrated up to it on import.
const Schema = "2.6.0"

// Oldest is assumed for backups without a parsable version.
const Oldest = "0.0.0"
