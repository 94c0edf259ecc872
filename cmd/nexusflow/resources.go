package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/haasonsaas/nexus/internal/cipher"
	"github.com/haasonsaas/nexus/pkg/flow"
)

// resourceBundle is the on-disk shape of the --resources file: the static
// definitions an operator hands the engine before running a flow.
type resourceBundle struct {
	Agents      []flow.Agent         `json:"agents"`
	Endpoints   []flow.LlmEndpoint   `json:"endpoints"`
	Connections []flow.ToolConnection `json:"connections"`
}

// envKeyPrefix marks an endpoint's sealed_api_key field as "not sealed yet,
// read the plaintext key from this environment variable and seal it with
// the configured cipher before it ever touches the store." This keeps raw
// API keys out of the resource file on disk.
const envKeyPrefix = "env:"

func loadResourceBundle(path string, c *cipher.Cipher) (resourceBundle, error) {
	var bundle resourceBundle
	raw, err := os.ReadFile(path)
	if err != nil {
		return bundle, fmt.Errorf("read resources: %w", err)
	}
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return bundle, fmt.Errorf("parse resources: %w", err)
	}

	for i, ep := range bundle.Endpoints {
		if !strings.HasPrefix(ep.SealedAPIKey, envKeyPrefix) {
			continue
		}
		envVar := strings.TrimPrefix(ep.SealedAPIKey, envKeyPrefix)
		plain := os.Getenv(envVar)
		if plain == "" {
			return bundle, fmt.Errorf("endpoint %s: environment variable %s is not set", ep.ID, envVar)
		}
		sealed, err := c.EncryptString(plain)
		if err != nil {
			return bundle, fmt.Errorf("endpoint %s: seal api key: %w", ep.ID, err)
		}
		bundle.Endpoints[i].SealedAPIKey = sealed
	}

	return bundle, nil
}

func loadFlow(path string) (flow.Flow, error) {
	var f flow.Flow
	raw, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("read flow: %w", err)
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, fmt.Errorf("parse flow: %w", err)
	}
	return f, nil
}
