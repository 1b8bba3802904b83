// Package config loads and watches the tendrl configuration file.
//
// Top-level types:
//   - Config{Client, Collector}: full config tree parsed from YAML
//   - ClientConfig: transport mode, endpoint and auth, scheduling bounds,
//     queue and offline storage limits, retry policy, logging
//   - AuthConfig: mode (none|apikey|mtls), key_env, cert/key/ca files;
//     Key() resolves the API key from the environment
//   - CollectorConfig: listen addresses, expected API key, retention of the
//     development collector
//
// Load(path) reads the YAML file, applies defaults, then validates ranges and
// enums. Every validation failure wraps ErrInvalid.
//
// Watch(ctx, path, onChange) uses fsnotify to detect file changes and calls
// onChange with the newly parsed Config. It re-adds the watch after each
// reload so atomic-save editors (rename then create) keep being observed.
package config
