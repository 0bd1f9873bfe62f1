// Package config provides centralized configuration management for the
// AgoraAI runtime. It loads the daemon's JSON configuration file, fills in
// the documented defaults for every subsystem (network, security, ledger,
// marketplace, storage, logging) and resolves relative paths against the
// configuration directory.
package config
