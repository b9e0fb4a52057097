// Package config defines the configuration for a Prism node.
//
// Regardless of how Prism is started, directly from Go code or as a standalone
// process from the command line, it uses the Config object defined in this
// package to store and forward configuration options. From the command line,
// options can also be read from a configuration file, prism.toml (or .yaml,
// .json), placed in the data directory defined by Config.DataDir.
package config
