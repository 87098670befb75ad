package config

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: Weak secrets are rejected
//
// For any JWT secret shorter than 32 characters, validation should fail;
// any secret of 32 or more characters passes the length check.
func TestProperty_JWTSecretLength(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("secrets shorter than 32 characters are rejected", prop.ForAll(
		func(secretLength int) bool {
			cfg := validConfig()
			cfg.Server.JWTSecret = strings.Repeat("k", secretLength)
			err := cfg.Validate()
			return err != nil && strings.Contains(err.Error(), "at least 32 characters")
		},
		gen.IntRange(1, 31),
	))

	properties.Property("secrets of 32 or more characters pass", prop.ForAll(
		func(secretLength int) bool {
			cfg := validConfig()
			cfg.Server.JWTSecret = strings.Repeat("k", secretLength)
			return cfg.Validate() == nil
		},
		gen.IntRange(32, 128),
	))

	properties.TestingRun(t)
}

// Property: Port range
//
// Validation accepts exactly the ports in [1, 65535].
func TestProperty_PortRange(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("port validity matches the TCP range", prop.ForAll(
		func(port int) bool {
			cfg := validConfig()
			cfg.Server.Port = port
			valid := port >= 1 && port <= 65535
			return (cfg.Validate() == nil) == valid
		},
		gen.IntRange(-1000, 70000),
	))

	properties.TestingRun(t)
}
