package host

import (
	"context"
	"os"
	"runtime"
	"strings"
)

// Facts is a snapshot of the local machine relevant to plan authoring.
type Facts struct {
	Hostname       string   `json:"hostname" yaml:"hostname"`
	OS             string   `json:"os" yaml:"os"`
	OSVersion      string   `json:"os_version,omitempty" yaml:"os_version,omitempty"`
	Kernel         string   `json:"kernel,omitempty" yaml:"kernel,omitempty"`
	Arch           string   `json:"arch" yaml:"arch"`
	PackageManager string   `json:"package_manager,omitempty" yaml:"package_manager,omitempty"`
	Tools          []string `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// GatherFacts collects facts about the local host. Missing tools are
// reported by omission, never as errors.
func GatherFacts(ctx context.Context, cmd Commander) *Facts {
	facts := &Facts{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}

	if hostname, err := os.Hostname(); err == nil {
		facts.Hostname = hostname
	}

	if kernel, err := cmd.Run(ctx, "uname", "-r"); err == nil {
		facts.Kernel = kernel
	}

	if name, version, ok := readOSRelease(); ok {
		facts.OS = name
		facts.OSVersion = version
	}

	if mgr, err := detectPackageManager(cmd); err == nil {
		facts.PackageManager = mgr
	}

	for _, tool := range []string{"systemctl", "ufw", "docker", "certbot"} {
		if _, err := cmd.LookPath(tool); err == nil {
			facts.Tools = append(facts.Tools, tool)
		}
	}

	return facts
}

// readOSRelease parses /etc/os-release for the distribution name and
// version.
func readOSRelease() (name, version string, ok bool) {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return "", "", false
	}

	for _, line := range strings.Split(string(data), "\n") {
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		value = strings.Trim(value, `"`)
		switch key {
		case "ID":
			name = value
		case "VERSION_ID":
			version = value
		}
	}
	return name, version, name != ""
}
