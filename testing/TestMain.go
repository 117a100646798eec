package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

// GatewayToken is the shared secret set for tests that load configuration.
const GatewayToken = "test-gateway-token"

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("HOMECARE_TEST_MODE", "1")
		if os.Getenv("GATEWAY_TOKEN") == "" {
			_ = os.Setenv("GATEWAY_TOKEN", GatewayToken)
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
