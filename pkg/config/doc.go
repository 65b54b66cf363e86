// Package config loads the root configuration file that defines prefixes
// and their connector and task definitions, plus per-instance engine
// settings from the environment.
package config
