// SPDX-License-Identifier: MPL-2.0

// Package config loads packwire settings using Viper with CUE as the file format.
//
// Settings come from, in increasing precedence: built-in defaults, the user
// config file (<config dir>/packwire/config.cue), the project file
// (packwire.cue next to the deployment descriptor), and PACKWIRE_* environment
// variables. Every file is validated against the embedded #Config schema
// (config_schema.cue) before it is merged.
package config
