package main

// Include the default GoMLX backends: XLA/PJRT when available, with the pure
// Go backend as fallback.

import (
	_ "github.com/gomlx/gomlx/backends/default"
)
