// Copyright 2026 The crates-mirror Authors
// SPDX-License-Identifier: Apache-2.0

package cratesio

import (
	"encoding/json"
	"net/url"
	"strings"
)

// Configuration is the registry-wide config.json document, holding the
// template used to locate each crate's download URL.
type Configuration struct {
	Template string `json:"dl"`
}

// ParseConfiguration parses a config.json document. Callers are expected to
// wrap parse failures as a ConfigurationCorruptError.
func ParseConfiguration(data []byte) (Configuration, error) {
	var c Configuration
	if err := json.Unmarshal(data, &c); err != nil {
		return Configuration{}, err
	}
	return c, nil
}

// Locate resolves the download URL for crate under this configuration's
// template. If the template contains none of the recognized markers, the
// legacy fixed layout "{dl}/{crate}/{version}/download" is used instead.
func (c Configuration) Locate(crate Crate) (*url.URL, error) {
	prefix := crate.Prefix()
	templated := c.Template
	templated = strings.ReplaceAll(templated, "{crate}", crate.Name)
	templated = strings.ReplaceAll(templated, "{version}", crate.Version)
	templated = strings.ReplaceAll(templated, "{prefix}", prefix)
	templated = strings.ReplaceAll(templated, "{lowerprefix}", strings.ToLower(prefix))
	templated = strings.ReplaceAll(templated, "{sha256-checksum}", crate.Checksum.String())

	result := templated
	if templated == c.Template {
		result = c.Template + "/" + crate.Name + "/" + crate.Version + "/download"
	}
	u, err := url.Parse(result)
	if err != nil {
		return nil, &MalformedDownloadTemplateError{Crate: crate, Err: err}
	}
	return u, nil
}
