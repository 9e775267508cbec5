package config

import (
	"fmt"
	"os"
)

const defaultKDL = `// devbridge configuration
// Searched for from the working directory upward.

// Chromium started with --remote-debugging-port=9222
browser {
    endpoint "http://127.0.0.1:9222"
    // Extra URL schemes that may host the overlay handler
    // schemes "file"
}

// Delivery constants, durations in milliseconds
dispatch {
    probe-timeout 1000
    max-retries 2
    base-delay 200        // doubles on every retry
    attempt-timeout 5000
    settle-delay 150      // wait after an install before re-probing
    strategy-timeout 5000
    concurrency 8         // targets handled at once by a broadcast
}

// Handler installation
inject {
    strategies "evaluate" "script-tag" "new-document"
    theme "system"        // light, dark, system, high-contrast
    // bundle-url "http://127.0.0.1:7331/__devbridge/bundle.js"
}

// Hub and relay for handlers inside isolated frames
relay {
    enabled true
    listen "127.0.0.1:7331"
    timeout 1000
    source "devbridge-controller"
    // isolated "/sandbox/"
}
`

// WriteDefaultConfig writes a documented default configuration to path.
// An existing file is left alone.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	return os.WriteFile(path, []byte(defaultKDL), 0644)
}
