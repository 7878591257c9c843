/*
Package log provides structured logging for Lattice using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Usage

Initialize once at startup, then derive child loggers per component:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("registry")
	logger.Info().Str("machine_id", machineID).Msg("device attached")

Child helpers exist for the identifiers that recur across the control plane:
WithHostID (management host), WithMachineID (device identity), WithOrg
(organization) and WithTunnel (tunnel number). Components combine them freely:

	log.WithComponent("tunnel").With().Int("tunnel_num", num).Logger()

The package-level Info/Debug/Warn/Error helpers exist for call sites that have
no structured fields to attach.
*/
package log
