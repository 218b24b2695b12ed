// Package docker wraps the Docker CLI for the volume and inventory
// operations the backup engine needs. Commands execute through an
// Executor, so the same client drives a local daemon or one on a
// remote host.
package docker

import "strings"

// Volume represents a Docker volume.
type Volume struct {
	Name       string            `json:"name"`
	Driver     string            `json:"driver"`
	Mountpoint string            `json:"mountpoint"`
	Labels     map[string]string `json:"labels,omitempty"`
	Scope      string            `json:"scope"`
}

// Container represents a Docker container.
type Container struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Image  string            `json:"image"`
	State  string            `json:"state"`
	Status string            `json:"status"`
	Labels map[string]string `json:"labels,omitempty"`
}

// dockerVolumeOutput maps the JSON output from docker volume ls --format.
type dockerVolumeOutput struct {
	Name       string `json:"Name"`
	Driver     string `json:"Driver"`
	Mountpoint string `json:"Mountpoint"`
	Labels     string `json:"Labels"`
	Scope      string `json:"Scope"`
}

// dockerPSOutput maps the JSON output from docker ps --format.
type dockerPSOutput struct {
	ID     string `json:"ID"`
	Names  string `json:"Names"`
	Image  string `json:"Image"`
	State  string `json:"State"`
	Status string `json:"Status"`
	Labels string `json:"Labels"`
}

// parseLabels parses a Docker label string (key=val,key2=val2) into a map.
func parseLabels(labels string) map[string]string {
	if labels == "" {
		return nil
	}

	result := make(map[string]string)
	for _, pair := range strings.Split(labels, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) == 2 {
			result[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return result
}

// SanitizeName makes a volume name safe for use as an archive filename.
// Path separators and whitespace are replaced with dashes.
func SanitizeName(name string) string {
	replacer := strings.NewReplacer(
		"/", "-",
		"\\", "-",
		":", "-",
		" ", "-",
		"\t", "-",
	)
	return replacer.Replace(name)
}
