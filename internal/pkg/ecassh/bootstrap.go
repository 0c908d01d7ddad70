package ecassh

import (
	"bytes"
	"text/template"
)

// BootstrapConfig parameterises the node-side bootstrap script.
type BootstrapConfig struct {
	UserDataDir  string // unpacked bundle lands here
	Marker       string // touched once the user data is in place
	LogFile      string
	StartCommand string // run from UserDataDir once unpacked
}

// DefaultBootstrapConfig matches the layout eca-node expects.
var DefaultBootstrapConfig = BootstrapConfig{
	UserDataDir:  "/mnt/userdata",
	Marker:       "/mnt/eca-gotuserdata",
	LogFile:      "/var/log/eca_config.log",
	StartCommand: "./eca-node userdata.json",
}

var bootstrapTemplate = template.Must(template.New("bootstrap").Parse(`#!/bin/sh
ud={{.UserDataDir}}
log={{.LogFile}}
if [ -d "$ud" ]; then
  echo "boot script already ran"
  exit 0
fi
mkdir -p "$ud"
chmod -R 777 "$ud"
base64 -d {{.Bundle}} > "$ud/eca_scripts.tgz" 2>> "$log"
tar -xzf "$ud/eca_scripts.tgz" -C "$ud" >> "$log" 2>&1
touch {{.Marker}}
cd "$ud"
{{.StartCommand}} >> "$log" 2>&1
exit 0
`))

// BootstrapScript renders the script that unpacks the bundle and starts the
// node. Re-running it on a node that already booted is a no-op.
func BootstrapScript(cfg BootstrapConfig) (string, error) {
	if cfg.UserDataDir == "" {
		cfg.UserDataDir = DefaultBootstrapConfig.UserDataDir
	}
	if cfg.Marker == "" {
		cfg.Marker = DefaultBootstrapConfig.Marker
	}
	if cfg.LogFile == "" {
		cfg.LogFile = DefaultBootstrapConfig.LogFile
	}
	if cfg.StartCommand == "" {
		cfg.StartCommand = DefaultBootstrapConfig.StartCommand
	}

	var buf bytes.Buffer
	err := bootstrapTemplate.Execute(&buf, struct {
		BootstrapConfig
		Bundle string
	}{cfg, "$HOME/" + BundleName})
	return buf.String(), err
}
