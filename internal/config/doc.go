// Package config loads the ChainForge configuration from a JSON or YAML
// file, validates it against an embedded JSON schema and fills defaults for
// the pipeline, toolchain, storage and queue sections.
package config
