/*
Package config turns --pgdata into every other path the agent needs
(Paths) and owns the agent's own settings (Config): a built-in default
is overridden by the persisted INI file, which is overridden by an
environment variable, which is overridden by a CLI flag. Persistence goes through gopkg.in/ini.v1 for
encoding and pkg/atomicfile for the write, the same crash-safe swap
pkg/state uses for the keeper-state file.
*/
package config
