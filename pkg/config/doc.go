// Package config holds ChronDB's configuration: a struct constructed
// at startup from defaults, an optional YAML file, and flags, then
// threaded explicitly through constructors. There is no ambient global
// configuration after initialization.
package config
