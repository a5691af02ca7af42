// ABOUTME: Version constants for the Cadenza audio engine
// ABOUTME: Reported in logs, mDNS records and the TUI header
package version

const (
	Version      = "0.1.0"
	Product      = "Cadenza Audio Engine"
	Manufacturer = "Cadenza Audio"
)
