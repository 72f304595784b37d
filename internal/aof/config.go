package aof

import "fmt"

// Options is the engine's internal configuration. The host translates
// pkg/config.PersistenceConfig into it field by field (cmd/hypercachedb
// does so in main), so internal/aof never imports pkg/config directly (it
// only needs the plain values).
type Options struct {
	Dir                 string
	ManifestName        string
	LegacyFilename      string
	Policy              DurabilityPolicy
	UseSnapshotPreamble bool
	RewritePct          int
	RewriteMinSize      int64
	LoadTruncated       bool
	DisableAutoGC       bool
	TimestampEnabled    bool
	NoFsyncOnRewrite    bool
}

// DefaultManifestName is the manifest file name used when Options.ManifestName
// is left empty.
const DefaultManifestName = "appendonly.aof.manifest"

// ParsePolicy maps the three accepted spelling of fsync_policy to a
// DurabilityPolicy, defaulting to EVERY_SEC on an empty string the way the
// rest of the config package defaults unset fields.
func ParsePolicy(s string) (DurabilityPolicy, error) {
	switch s {
	case "", "everysec":
		return PolicyEverySec, nil
	case "no":
		return PolicyNo, nil
	case "always":
		return PolicyAlways, nil
	default:
		return PolicyNo, fmt.Errorf("unknown fsync_policy %q", s)
	}
}
