package orchestrator

import (
	"context"
	"encoding/json"
	"os"

	"bundlehelper/manifest"

	"go.chromium.org/luci/common/logging"
)

// sdkDefaults mirrors the handful of fields an SDK's defaults.json may
// contribute. Missing or malformed defaults are
// non-fatal: the file is optional.
type sdkDefaults struct {
	AppendSdkExtensions []string `json:"append-sdk-extensions,omitempty"`
}

// loadSDKDefaults merges an optional SDK-provided defaults.json into m. A
// read failure is logged at Debug and a parse failure at Warning; both are
// otherwise ignored, since the file is advisory.
func loadSDKDefaults(ctx context.Context, path string, m *manifest.Manifest) {
	data, err := os.ReadFile(path)
	if err != nil {
		logging.Debugf(ctx, "No SDK defaults at %s: %s", path, err)
		return
	}
	var d sdkDefaults
	if err := json.Unmarshal(data, &d); err != nil {
		logging.Warningf(ctx, "Ignoring malformed SDK defaults %s: %s", path, err)
		return
	}
	m.SdkExtensions = append(m.SdkExtensions, d.AppendSdkExtensions...)
}
