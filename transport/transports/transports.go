// Package transports imports all built-in transports for auto-registration.
// Import this package to have every backend registered with the default registry.
package transports

import (
	// Imported for side-effect registration.
	_ "github.com/drblury/sessionflow/transport/channel"
	_ "github.com/drblury/sessionflow/transport/franz"
	_ "github.com/drblury/sessionflow/transport/kafka"
)
