package main

import (
	"github.com/mewkiz/pkg/jsonutil"
	"github.com/mewkiz/pkg/osutil"
	"github.com/mewmew/liftnorm/pass"
	"github.com/pkg/errors"
)

// parseJSON parses the given JSON file and stores the result into v.
func parseJSON(jsonPath string, v interface{}) error {
	if !osutil.Exists(jsonPath) {
		warn.Printf("unable to locate JSON file %q", jsonPath)
		return nil
	}
	dbg.Printf("parseJSON(jsonPath = %q, v = %T)", jsonPath, v)
	return jsonutil.ParseFile(jsonPath, v)
}

// loadConfig returns the pipeline configuration, with the defaults overridden
// by the contents of the given JSON file. A missing configuration file is only
// reported if explicitly requested.
func loadConfig(jsonPath string, explicit bool) (pass.Config, error) {
	cfg := pass.DefaultConfig()
	if !explicit && !osutil.Exists(jsonPath) {
		return cfg, nil
	}
	if err := parseJSON(jsonPath, &cfg); err != nil {
		return pass.Config{}, errors.WithStack(err)
	}
	return cfg, nil
}
